package models

// SignatureRecord preserves the exact bytes a relayable message was signed
// over, so the thread owner can later add a parent-level signature and
// relay the message without re-deriving the signed text.
type SignatureRecord struct {
	ItemID     int64
	SignedText string
	Signature  string // base64
	Signer     string // handle of the original author
}
