// Package models defines the persistence and wire-adjacent entities shared
// by the federation engine: cached remote persons, local contacts, stored
// items, relayable signatures and the delivery queue.
package models

import (
	"strings"
	"time"
)

// Person is the cached record of a remote federated account (the fcontact
// table). It is created on first resolution, updated in place afterwards
// and never deleted, only superseded.
type Person struct {
	ID        int64
	Handle    string
	GUID      string
	Name      string
	URL       string
	PhotoURL  string
	BatchURL  string
	NotifyURL string
	PollURL   string
	PublicKey string // PEM
	Network   string
	UpdatedAt time.Time
}

// Stale reports whether the record needs a refresh: older than the given
// window, or missing the guid some message types require.
func (p *Person) Stale(window time.Duration, now time.Time) bool {
	if p.GUID == "" {
		return true
	}
	return p.UpdatedAt.Before(now.Add(-window))
}

// HandleHost returns the host part of a user@host handle, or "" when the
// handle is malformed.
func HandleHost(handle string) string {
	_, host, ok := strings.Cut(handle, "@")
	if !ok {
		return ""
	}
	return strings.TrimSpace(host)
}
