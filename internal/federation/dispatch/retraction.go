package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/message"
)

// receiveRetraction sub-dispatches on the target type: item targets are
// soft-deleted, relationship targets remove the contact row, anything
// else is refused.
func (d *Dispatcher) receiveRetraction(ctx context.Context, rc *Receive, msg *message.Message) error {
	ret, err := msg.AsRetraction()
	if err != nil {
		return err
	}

	switch strings.ToLower(ret.TargetType) {
	case "comment", "like", "post", "reshare", "status_message", "statusmessage":
		return d.retractItem(ctx, rc, msg, ret.TargetGUID)
	case "contact", "person":
		return d.retractContact(ctx, rc)
	default:
		d.log.Warn(ctx, "unknown retraction target type", "target_type", ret.TargetType)
		return fmt.Errorf("%w: retraction of %q", common.ErrUnknownMessageType, ret.TargetType)
	}
}

func (d *Dispatcher) retractItem(ctx context.Context, rc *Receive, msg *message.Message, targetGUID string) error {
	item, err := d.items.FindByGUID(ctx, rc.Importer.UID, targetGUID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// nothing to delete, the retraction is moot
			d.log.Debug(ctx, "retraction target not present", "guid", targetGUID)
			return nil
		}
		return err
	}
	if item.Deleted {
		return nil
	}

	// Only the item author or the thread owner may delete.
	if !strings.EqualFold(rc.Author, item.Author) && !strings.EqualFold(rc.Author, item.Owner) {
		d.log.Warn(ctx, "retraction sender not authorized", "sender", rc.Author, "guid", targetGUID)
		return fmt.Errorf("%w: retraction of %s from %s", common.ErrContactNotAllowed, targetGUID, rc.Author)
	}

	if err := d.items.Retract(ctx, item); err != nil {
		return err
	}
	d.log.Info(ctx, "item retracted", "guid", targetGUID, "uid", rc.Importer.UID)

	// Pass the deletion down the thread when it originates here.
	if item.Origin && item.Gravity != 0 {
		ret, _ := msg.AsRetraction()
		if err := d.relayer.RelayRetraction(ctx, rc.Importer, item, ret.TargetType); err != nil {
			d.log.Warn(ctx, "retraction relay failed", "guid", targetGUID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) retractContact(ctx context.Context, rc *Receive) error {
	contact, err := d.contactFor(ctx, rc.Importer.UID, rc.Author)
	if err != nil {
		return err
	}
	if contact == nil {
		d.log.Debug(ctx, "contact retraction for unknown relationship", "handle", rc.Author)
		return nil
	}
	return d.directory.RemoveContact(ctx, rc.Importer.UID, contact.ID)
}
