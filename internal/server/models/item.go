package models

import "time"

// Verb values for stored items.
const (
	VerbPost  = "post"
	VerbLike  = "like"
	VerbShare = "share"
)

// Gravity classes order items within a thread.
const (
	GravityParent   = 0
	GravityActivity = 3
	GravityComment  = 6
)

// Item is the canonical stored posting: a top-level status, a comment, a
// like or a reshare. (uid, guid) is the idempotency key; the backing store
// must enforce it with a uniqueness constraint.
type Item struct {
	ID         int64
	UID        int64
	GUID       string
	URI        string
	ParentURI  string
	ThreadGUID string
	Author     string // handle of the item author
	Owner      string // handle of the thread owner
	Title      string
	Body       string
	Verb       string
	ObjectType string
	Gravity    int
	Private    bool
	// Origin marks threads this node is authoritative for; relaying is
	// triggered only on origin threads.
	Origin    bool
	Deleted   bool
	CreatedAt time.Time
	EditedAt  time.Time
}

// Conversation groups private messages exchanged with a fixed participant
// set.
type Conversation struct {
	ID           int64
	UID          int64
	GUID         string
	Author       string
	Subject      string
	Participants string // ";"-joined handles
	CreatedAt    time.Time
}

// Mail is one private message within a conversation.
type Mail struct {
	ID             int64
	UID            int64
	ConversationID int64
	GUID           string
	Author         string
	Body           string
	CreatedAt      time.Time
}
