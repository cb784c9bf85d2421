// Package dispatch routes normalized inbound messages to their per-type
// handlers, enforcing idempotency and the send-authorization policy, and
// triggers relaying when the local node owns the affected thread.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/federation/resolver"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
	"github.com/dsievert/federation/internal/server/repositories/signatures"
)

// ItemStore persists canonical items; owned by the consuming application.
// The store must enforce a uniqueness constraint on (uid, guid) and
// report a collision as common.ErrDuplicateMessage; the dispatcher
// checks before storing but does not serialize concurrent deliveries of
// the same guid.
type ItemStore interface {
	Store(ctx context.Context, item *models.Item) (int64, error)
	ExistsByGUID(ctx context.Context, uid int64, guid string) (bool, error)
	FindByGUID(ctx context.Context, uid int64, guid string) (*models.Item, error)
	Retract(ctx context.Context, item *models.Item) error
}

// MailStore persists private conversations and their messages.
type MailStore interface {
	StoreConversation(ctx context.Context, conv *models.Conversation) (int64, error)
	FindConversationByGUID(ctx context.Context, uid int64, guid string) (*models.Conversation, error)
	StoreMail(ctx context.Context, mail *models.Mail) (int64, error)
	MailExists(ctx context.Context, uid int64, guid string) (bool, error)
}

// Directory is the local relationship store.
type Directory interface {
	ContactFor(ctx context.Context, uid int64, handle string) (*models.Contact, error)
	CreateContact(ctx context.Context, uid int64, person *models.Person, rel models.Relationship) (*models.Contact, error)
	UpdateRelationship(ctx context.Context, uid, contactID int64, rel models.Relationship) error
	RemoveContact(ctx context.Context, uid, contactID int64) error
	RemoveAccount(ctx context.Context, handle string) error
}

// EventType enumerates the fire-and-forget notifications handlers emit.
type EventType int

const (
	EventItem EventType = iota
	EventMail
	EventContactRequest
	EventProfile
)

type Event struct {
	Type   EventType
	UID    int64
	Handle string
	Item   *models.Item
}

// Notifier delivers events to the excluded notification subsystem.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Relayer re-signs and re-broadcasts relayable messages on origin
// threads.
type Relayer interface {
	Relay(ctx context.Context, owner *models.Owner, item *models.Item) error
	RelayRetraction(ctx context.Context, owner *models.Owner, item *models.Item, targetType string) error
}

// RemoteFetcher retrieves a single remote post by guid from its origin
// server.
type RemoteFetcher interface {
	Fetch(ctx context.Context, handle, guid string) (*message.Message, error)
}

// ShareSender sends the reciprocal share message a mutual contact
// request is answered with.
type ShareSender interface {
	SendShare(ctx context.Context, owner *models.Owner, to *models.Person) error
}

// Receive is the explicit per-delivery context threaded through all
// handlers: the importing local account and the envelope-authenticated
// sender.
type Receive struct {
	Importer *models.Owner
	// Author is the handle the envelope signature was verified for.
	Author string
}

type Dispatcher struct {
	resolver   *resolver.Resolver
	items      ItemStore
	mail       MailStore
	directory  Directory
	signatures signatures.Repository
	relayer    Relayer
	fetcher    RemoteFetcher
	notifier   Notifier
	sender     ShareSender
	log        logging.Logger
}

func New(
	res *resolver.Resolver,
	items ItemStore,
	mail MailStore,
	directory Directory,
	sigs signatures.Repository,
	relayer Relayer,
	fetcher RemoteFetcher,
	notifier Notifier,
	sender ShareSender,
	log logging.Logger,
) *Dispatcher {
	return &Dispatcher{
		resolver:   res,
		items:      items,
		mail:       mail,
		directory:  directory,
		signatures: sigs,
		relayer:    relayer,
		fetcher:    fetcher,
		notifier:   notifier,
		sender:     sender,
		log:        log,
	}
}

// MessageExists is the idempotency gate on the (uid, guid) pair.
func (d *Dispatcher) MessageExists(ctx context.Context, uid int64, guid string) (bool, error) {
	if guid == "" {
		return false, nil
	}
	return d.items.ExistsByGUID(ctx, uid, guid)
}

// Dispatch routes msg to its handler. The switch over message kinds is
// exhaustive; adding a kind without a handler arm is a compile-visible
// change, and anything unknown is logged and refused without raising.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *Receive, msg *message.Message) error {
	switch msg.Kind {
	case message.KindAccountDeletion:
		return d.receiveAccountDeletion(ctx, rc, msg)
	case message.KindComment:
		return d.receiveComment(ctx, rc, msg)
	case message.KindContactRequest:
		return d.receiveContactRequest(ctx, rc, msg)
	case message.KindConversation:
		return d.receiveConversation(ctx, rc, msg)
	case message.KindLike:
		return d.receiveLike(ctx, rc, msg)
	case message.KindMessage:
		return d.receiveMessage(ctx, rc, msg)
	case message.KindProfile:
		return d.receiveProfile(ctx, rc, msg)
	case message.KindReshare:
		return d.receiveReshare(ctx, rc, msg)
	case message.KindRetraction:
		return d.receiveRetraction(ctx, rc, msg)
	case message.KindStatusMessage:
		return d.receiveStatusMessage(ctx, rc, msg)
	case message.KindParticipation, message.KindPhoto, message.KindPollParticipation:
		// Unsupported on purpose: participation adds nothing we track,
		// photos arrive embedded in status messages, poll participation
		// has no poll backend.
		d.log.Debug(ctx, "ignoring message kind", "kind", msg.Kind.String())
		return nil
	default:
		d.log.Warn(ctx, "unknown message type", "kind", int(msg.Kind))
		return common.ErrUnknownMessageType
	}
}

// contactFor returns the sender's contact row, or nil when no
// relationship exists.
func (d *Dispatcher) contactFor(ctx context.Context, uid int64, handle string) (*models.Contact, error) {
	contact, err := d.resolver.ContactFor(ctx, uid, handle)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return contact, nil
}

// resolveParent returns the item the guid references, fetching it from
// the remote origin (bounded, following reshare indirection) when it is
// not locally present. authorHint names the server to fetch from.
func (d *Dispatcher) resolveParent(ctx context.Context, rc *Receive, authorHint, guid string) (*models.Item, error) {
	return d.resolveRemote(ctx, rc, authorHint, guid, 0)
}

func (d *Dispatcher) resolveRemote(ctx context.Context, rc *Receive, authorHint, guid string, depth int) (*models.Item, error) {
	item, err := d.items.FindByGUID(ctx, rc.Importer.UID, guid)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if depth >= common.MaxFetchDepth {
		return nil, fmt.Errorf("%w: %s: fetch depth exhausted", common.ErrParentNotFound, guid)
	}

	fetched, err := d.fetcher.Fetch(ctx, authorHint, guid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrParentNotFound, guid, err)
	}

	switch fetched.Kind {
	case message.KindStatusMessage:
		sm, err := fetched.AsStatusMessage()
		if err != nil {
			return nil, err
		}
		item, err := d.storeStatusMessage(ctx, rc, sm)
		if errors.Is(err, common.ErrDuplicateMessage) {
			// a concurrent delivery stored the parent first; use its row
			return d.items.FindByGUID(ctx, rc.Importer.UID, sm.GUID)
		}
		return item, err
	case message.KindReshare:
		// reshare-of-a-reshare: keep walking toward the root post
		rs, err := fetched.AsReshare()
		if err != nil {
			return nil, err
		}
		return d.resolveRemote(ctx, rc, rs.RootAuthor, rs.RootGUID, depth+1)
	default:
		return nil, fmt.Errorf("%w: %s resolves to %s", common.ErrParentNotFound, guid, fetched.Kind)
	}
}
