package models

import "crypto/rsa"

// Relationship describes the direction of an established contact edge,
// seen from the local user.
type Relationship int

const (
	RelNone Relationship = iota
	// RelFollower: the remote party receives our posts.
	RelFollower
	// RelSharing: we receive the remote party's posts.
	RelSharing
	// RelFriend: both directions.
	RelFriend
)

// PageType is the visibility policy of a local account.
type PageType int

const (
	PageNormal PageType = iota
	// PageSoapbox auto-approves followers but publishes one-way.
	PageSoapbox
	// PageCommunity accepts top-level posts from followers.
	PageCommunity
	// PageGroup is a private variant of a community page.
	PageGroup
)

// Contact is a local relationship row: local user uid knows remote handle.
type Contact struct {
	ID       int64
	UID      int64
	Handle   string
	URL      string
	Name     string
	Rel      Relationship
	Sharing  bool // true when we also share with them, regardless of Rel
	Blocked  bool
	ReadOnly bool
	Archived bool
	Dead     bool
}

// Owner is a local account acting as importer of inbound messages and as
// signer of outbound ones.
type Owner struct {
	UID        int64
	Handle     string
	GUID       string
	Name       string
	PageType   PageType
	PrivateKey *rsa.PrivateKey
	PublicKey  string // PEM
}

// DeliveryTarget is the pair of endpoints a contact can be reached at.
// batch_url serves public/broadcast delivery, notify_url private 1:1
// delivery; the caller picks based on message visibility.
type DeliveryTarget struct {
	ContactID int64
	Handle    string
	BatchURL  string
	NotifyURL string
	PublicKey string // PEM
	Network   string
}

// URLFor returns the delivery endpoint for the given mode.
func (t *DeliveryTarget) URLFor(batch bool) string {
	if batch {
		return t.BatchURL
	}
	return t.NotifyURL
}
