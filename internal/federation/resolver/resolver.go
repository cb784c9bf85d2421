// Package resolver maps federated handles to cached person records and
// public keys, refreshing them through an external probe, and implements
// the relationship-based send-authorization policy.
package resolver

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
	"github.com/dsievert/federation/internal/server/repositories/fcontacts"
)

// ProbeResult is what the external discovery collaborator learned about
// a handle.
type ProbeResult struct {
	Name      string
	URL       string
	PhotoURL  string
	BatchURL  string
	NotifyURL string
	PollURL   string
	GUID      string
	PublicKey string // PEM
	Network   string
}

// Prober performs the remote lookup (webfinger etc.); owned by the
// excluded discovery subsystem.
type Prober interface {
	Probe(ctx context.Context, handle string) (*ProbeResult, error)
}

// Directory is the local relationship store, owned externally.
type Directory interface {
	ContactFor(ctx context.Context, uid int64, handle string) (*models.Contact, error)
	UpdateRelationship(ctx context.Context, uid, contactID int64, rel models.Relationship) error
}

type Resolver struct {
	people    fcontacts.Repository
	prober    Prober
	directory Directory
	staleness time.Duration
	log       logging.Logger
}

func New(people fcontacts.Repository, prober Prober, directory Directory, staleness time.Duration, log logging.Logger) *Resolver {
	if staleness <= 0 {
		staleness = common.KeyStalenessWindowDays * 24 * time.Hour
	}
	return &Resolver{people: people, prober: prober, directory: directory, staleness: staleness, log: log}
}

// Resolve returns the best-known person record for handle. A cached fresh
// record is returned as is; a stale or missing one triggers a probe and
// an upsert. When the probe fails, stale-but-present beats absent.
func (r *Resolver) Resolve(ctx context.Context, handle string) (*models.Person, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" || !strings.Contains(handle, "@") {
		return nil, fmt.Errorf("%w: malformed handle %q", common.ErrKeyResolutionFailed, handle)
	}

	cached, err := r.people.FindByHandle(ctx, handle)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if cached != nil && !cached.Stale(r.staleness, time.Now()) {
		return cached, nil
	}

	probed, err := r.prober.Probe(ctx, handle)
	if err != nil || probed == nil || probed.PublicKey == "" {
		if cached != nil {
			r.log.Debug(ctx, "probe failed, serving stale record", "handle", handle, "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %s", common.ErrKeyResolutionFailed, handle)
	}

	person := &models.Person{
		Handle:    handle,
		GUID:      probed.GUID,
		Name:      probed.Name,
		URL:       probed.URL,
		PhotoURL:  probed.PhotoURL,
		BatchURL:  probed.BatchURL,
		NotifyURL: probed.NotifyURL,
		PollURL:   probed.PollURL,
		PublicKey: probed.PublicKey,
		Network:   probed.Network,
		UpdatedAt: time.Now(),
	}
	if cached != nil {
		person.ID = cached.ID
	}

	saved, err := r.people.Upsert(ctx, person)
	if err != nil {
		r.log.Warn(ctx, "person cache upsert failed", "handle", handle, "error", err)
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	return saved, nil
}

// PublicKey resolves handle and parses its cached public key.
func (r *Resolver) PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error) {
	person, err := r.Resolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	if person.PublicKey == "" {
		return nil, fmt.Errorf("%w: no key for %s", common.ErrKeyResolutionFailed, handle)
	}
	pub, err := cryptox.ParsePublicKey([]byte(person.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrKeyResolutionFailed, handle, err)
	}
	return pub, nil
}

// UpdateProfile merges profile fields a remote account published into
// the cached person record. Unknown handles are ignored; a full record
// will be created on the next Resolve.
func (r *Resolver) UpdateProfile(ctx context.Context, handle, name, photoURL string) error {
	handle = strings.ToLower(strings.TrimSpace(handle))
	cached, err := r.people.FindByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}
	if name != "" {
		cached.Name = name
	}
	if photoURL != "" {
		cached.PhotoURL = photoURL
	}
	cached.UpdatedAt = time.Now()
	_, err = r.people.Upsert(ctx, cached)
	return err
}

// ContactFor looks up the local relationship between uid and handle.
func (r *Resolver) ContactFor(ctx context.Context, uid int64, handle string) (*models.Contact, error) {
	return r.directory.ContactFor(ctx, uid, handle)
}

// PostAllowed decides whether a message from contact may be imported for
// importer. Blocked, read-only and archived contacts are always denied;
// sharing and friend relationships always pass; a follower passes only
// into community/group pages or as a comment; the public pseudo-user
// accepts everything not explicitly blocked.
//
// Side effect: a follower row that is simultaneously sharing is repaired
// to a friend relationship.
func (r *Resolver) PostAllowed(ctx context.Context, importer *models.Owner, contact *models.Contact, isComment bool) bool {
	if contact != nil && (contact.Blocked || contact.ReadOnly || contact.Archived) {
		return false
	}

	if contact != nil {
		if contact.Rel == models.RelFollower && contact.Sharing {
			if err := r.directory.UpdateRelationship(ctx, contact.UID, contact.ID, models.RelFriend); err != nil {
				r.log.Warn(ctx, "relationship upgrade failed", "contact", contact.ID, "error", err)
			} else {
				contact.Rel = models.RelFriend
			}
		}

		switch contact.Rel {
		case models.RelSharing, models.RelFriend:
			return true
		case models.RelFollower:
			if importer != nil && (importer.PageType == models.PageCommunity || importer.PageType == models.PageGroup) {
				return true
			}
			if isComment {
				return true
			}
		}
	}

	return importer != nil && importer.UID == common.PublicUID
}
