package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/server/models"
)

// receiveContactRequest handles the four (following, sharing)
// combinations of an inbound contact message:
//
//	both set      mutual friendship, answered with a reciprocal share
//	sharing only  one-way follow, auto-approved on open page types
//	following only  recorded as a listener
//	neither       an unshare, the relationship is dropped
func (d *Dispatcher) receiveContactRequest(ctx context.Context, rc *Receive, msg *message.Message) error {
	cr, err := msg.AsContactRequest()
	if err != nil {
		return err
	}
	if !strings.EqualFold(cr.Author, rc.Author) {
		d.log.Warn(ctx, "contact request author mismatch", "author", cr.Author, "sender", rc.Author)
		return fmt.Errorf("%w: contact request for %s from %s", common.ErrContactNotAllowed, cr.Author, rc.Author)
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, cr.Author)
	if err != nil {
		return err
	}

	switch {
	case cr.Following && cr.Sharing:
		return d.acceptMutual(ctx, rc, cr, contact)
	case cr.Sharing:
		return d.acceptFollow(ctx, rc, cr, contact)
	case cr.Following:
		return d.acceptListener(ctx, rc, cr, contact)
	default:
		return d.dropRelationship(ctx, rc, contact)
	}
}

func (d *Dispatcher) acceptMutual(ctx context.Context, rc *Receive, cr *message.ContactRequest, contact *models.Contact) error {
	person, err := d.resolver.Resolve(ctx, cr.Author)
	if err != nil {
		return err
	}

	if contact != nil {
		if contact.Rel != models.RelFriend {
			if err := d.directory.UpdateRelationship(ctx, rc.Importer.UID, contact.ID, models.RelFriend); err != nil {
				return err
			}
		}
	} else {
		if _, err := d.directory.CreateContact(ctx, rc.Importer.UID, person, models.RelFriend); err != nil {
			return err
		}
		d.notifier.Notify(ctx, Event{Type: EventContactRequest, UID: rc.Importer.UID, Handle: cr.Author})
	}

	// Confirm the friendship even when it already existed; the other
	// side may have lost its contact row.
	if err := d.sender.SendShare(ctx, rc.Importer, person); err != nil {
		d.log.Warn(ctx, "reciprocal share failed", "handle", cr.Author, "error", err)
	}
	return nil
}

func (d *Dispatcher) acceptFollow(ctx context.Context, rc *Receive, cr *message.ContactRequest, contact *models.Contact) error {
	if contact != nil {
		if contact.Rel == models.RelFollower {
			return d.directory.UpdateRelationship(ctx, rc.Importer.UID, contact.ID, models.RelFriend)
		}
		return nil
	}

	person, err := d.resolver.Resolve(ctx, cr.Author)
	if err != nil {
		return err
	}
	if _, err := d.directory.CreateContact(ctx, rc.Importer.UID, person, models.RelSharing); err != nil {
		return err
	}

	// On a normal page the owner still has to approve; open page types
	// take followers without a question.
	if rc.Importer.PageType == models.PageNormal {
		d.notifier.Notify(ctx, Event{Type: EventContactRequest, UID: rc.Importer.UID, Handle: cr.Author})
	}
	return nil
}

func (d *Dispatcher) acceptListener(ctx context.Context, rc *Receive, cr *message.ContactRequest, contact *models.Contact) error {
	if contact != nil {
		if contact.Rel == models.RelSharing {
			return d.directory.UpdateRelationship(ctx, rc.Importer.UID, contact.ID, models.RelFriend)
		}
		return nil
	}

	person, err := d.resolver.Resolve(ctx, cr.Author)
	if err != nil {
		return err
	}
	_, err = d.directory.CreateContact(ctx, rc.Importer.UID, person, models.RelFollower)
	return err
}

func (d *Dispatcher) dropRelationship(ctx context.Context, rc *Receive, contact *models.Contact) error {
	if contact == nil {
		return nil
	}
	d.log.Info(ctx, "unshare received", "handle", contact.Handle, "uid", rc.Importer.UID)
	return d.directory.RemoveContact(ctx, rc.Importer.UID, contact.ID)
}
