package models

import "time"

// QueueEntry is an envelope awaiting redelivery after a transport failure.
// Entries are deduplicated on (contact, network, content, batch) and
// deleted by the redelivery worker once the destination accepts them.
type QueueEntry struct {
	ID        int64
	ContactID int64
	Network   string
	Content   string // the serialized envelope
	Batch     bool
	CreatedAt time.Time
	LastTried time.Time
}
