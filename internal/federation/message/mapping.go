package message

// The legacy wire schema used different field names than the current one.
// Canonicalization is a pure lookup: first the per-type table, then the
// shared table. Handlers never see legacy names.

var legacyCommon = map[string]string{
	"diaspora_handle":     "author",
	"sender_handle":       "author",
	"recipient_handle":    "recipient",
	"participant_handles": "participants",
	"root_diaspora_id":    "root_author",
}

var legacyByType = map[string]map[string]string{
	// the oldest retraction shape; signed_retraction and
	// relayable_retraction already carry target_* names
	"retraction": {
		"post_guid": "target_guid",
		"type":      "target_type",
	},
	"like": {
		// the legacy like called the parent kind target_type, colliding
		// with the retraction meaning
		"target_type": "parent_type",
	},
}

// canonicalName maps a wire field name to its canonical name for the
// given original wire type.
func canonicalName(wireType, field string) string {
	if byType, ok := legacyByType[wireType]; ok {
		if mapped, ok := byType[field]; ok {
			return mapped
		}
	}
	if mapped, ok := legacyCommon[field]; ok {
		return mapped
	}
	return field
}

// signatureFields are excluded from the signable data string and carried
// out of band on the Message.
var signatureFields = map[string]bool{
	"author_signature":        true,
	"parent_author_signature": true,
	"target_author_signature": true,
}
