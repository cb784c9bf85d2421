package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/server/models"
)

// itemURI builds the canonical item uri from author handle and guid.
func itemURI(author, guid string) string {
	return author + ":" + guid
}

func (d *Dispatcher) receiveStatusMessage(ctx context.Context, rc *Receive, msg *message.Message) error {
	sm, err := msg.AsStatusMessage()
	if err != nil {
		return err
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, sm.Author)
	if err != nil {
		return err
	}
	if !d.resolver.PostAllowed(ctx, rc.Importer, contact, false) {
		d.log.Info(ctx, "post not allowed", "author", sm.Author, "uid", rc.Importer.UID)
		return fmt.Errorf("%w: %s", common.ErrContactNotAllowed, sm.Author)
	}

	exists, err := d.MessageExists(ctx, rc.Importer.UID, sm.GUID)
	if err != nil {
		return err
	}
	if exists {
		d.log.Debug(ctx, "duplicate status message", "guid", sm.GUID)
		return nil
	}

	item, err := d.storeStatusMessage(ctx, rc, sm)
	if errors.Is(err, common.ErrDuplicateMessage) {
		// a concurrent delivery won the store; nothing left to do
		d.log.Debug(ctx, "duplicate status message", "guid", sm.GUID)
		return nil
	}
	if err != nil {
		return err
	}
	d.notifier.Notify(ctx, Event{Type: EventItem, UID: rc.Importer.UID, Handle: sm.Author, Item: item})
	return nil
}

func (d *Dispatcher) storeStatusMessage(ctx context.Context, rc *Receive, sm *message.StatusMessage) (*models.Item, error) {
	uri := itemURI(sm.Author, sm.GUID)
	item := &models.Item{
		UID:        rc.Importer.UID,
		GUID:       sm.GUID,
		URI:        uri,
		ParentURI:  uri,
		ThreadGUID: sm.GUID,
		Author:     sm.Author,
		Owner:      sm.Author,
		Body:       sm.Text,
		Verb:       models.VerbPost,
		Gravity:    models.GravityParent,
		Private:    !sm.Public,
		CreatedAt:  sm.CreatedAt,
	}
	id, err := d.items.Store(ctx, item)
	if err != nil {
		return nil, err
	}
	item.ID = id
	return item, nil
}

func (d *Dispatcher) receiveComment(ctx context.Context, rc *Receive, msg *message.Message) error {
	c, err := msg.AsComment()
	if err != nil {
		return err
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, rc.Author)
	if err != nil {
		return err
	}
	if !d.resolver.PostAllowed(ctx, rc.Importer, contact, true) {
		return fmt.Errorf("%w: %s", common.ErrContactNotAllowed, rc.Author)
	}

	exists, err := d.MessageExists(ctx, rc.Importer.UID, c.GUID)
	if err != nil {
		return err
	}
	if exists {
		d.log.Debug(ctx, "duplicate comment", "guid", c.GUID)
		return nil
	}

	parent, err := d.resolveParent(ctx, rc, rc.Author, c.ParentGUID)
	if err != nil {
		return err
	}

	item := &models.Item{
		UID:        rc.Importer.UID,
		GUID:       c.GUID,
		URI:        itemURI(c.Author, c.GUID),
		ParentURI:  parent.URI,
		ThreadGUID: parent.ThreadGUID,
		Author:     c.Author,
		Owner:      parent.Owner,
		Body:       c.Text,
		Verb:       models.VerbPost,
		Gravity:    models.GravityComment,
		Private:    parent.Private,
		CreatedAt:  c.CreatedAt,
	}
	id, err := d.items.Store(ctx, item)
	if errors.Is(err, common.ErrDuplicateMessage) {
		d.log.Debug(ctx, "duplicate comment", "guid", c.GUID)
		return nil
	}
	if err != nil {
		return err
	}
	item.ID = id

	if err := d.relayIfOrigin(ctx, rc, parent, item, msg); err != nil {
		return err
	}
	d.notifier.Notify(ctx, Event{Type: EventItem, UID: rc.Importer.UID, Handle: c.Author, Item: item})
	return nil
}

func (d *Dispatcher) receiveLike(ctx context.Context, rc *Receive, msg *message.Message) error {
	l, err := msg.AsLike()
	if err != nil {
		return err
	}

	if !l.Positive {
		// dislikes are not stored
		d.log.Debug(ctx, "ignoring negative like", "guid", l.GUID)
		return nil
	}
	if l.ParentType != "" && !strings.EqualFold(l.ParentType, "post") {
		d.log.Debug(ctx, "ignoring like on unsupported parent type", "parent_type", l.ParentType)
		return nil
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, rc.Author)
	if err != nil {
		return err
	}
	if !d.resolver.PostAllowed(ctx, rc.Importer, contact, true) {
		return fmt.Errorf("%w: %s", common.ErrContactNotAllowed, rc.Author)
	}

	exists, err := d.MessageExists(ctx, rc.Importer.UID, l.GUID)
	if err != nil {
		return err
	}
	if exists {
		d.log.Debug(ctx, "duplicate like", "guid", l.GUID)
		return nil
	}

	parent, err := d.resolveParent(ctx, rc, rc.Author, l.ParentGUID)
	if err != nil {
		return err
	}

	item := &models.Item{
		UID:        rc.Importer.UID,
		GUID:       l.GUID,
		URI:        itemURI(l.Author, l.GUID),
		ParentURI:  parent.URI,
		ThreadGUID: parent.ThreadGUID,
		Author:     l.Author,
		Owner:      parent.Owner,
		Verb:       models.VerbLike,
		Gravity:    models.GravityActivity,
		Private:    parent.Private,
		CreatedAt:  time.Now(),
	}
	id, err := d.items.Store(ctx, item)
	if errors.Is(err, common.ErrDuplicateMessage) {
		d.log.Debug(ctx, "duplicate like", "guid", l.GUID)
		return nil
	}
	if err != nil {
		return err
	}
	item.ID = id

	if err := d.relayIfOrigin(ctx, rc, parent, item, msg); err != nil {
		return err
	}
	d.notifier.Notify(ctx, Event{Type: EventItem, UID: rc.Importer.UID, Handle: l.Author, Item: item})
	return nil
}

// relayIfOrigin records the author's field signature and re-broadcasts
// the relayable when the parent thread originates here.
func (d *Dispatcher) relayIfOrigin(ctx context.Context, rc *Receive, parent, item *models.Item, msg *message.Message) error {
	if !parent.Origin {
		return nil
	}
	rec := &models.SignatureRecord{
		ItemID:     item.ID,
		SignedText: msg.SignedText,
		Signature:  msg.AuthorSignature,
		Signer:     msg.Author(),
	}
	if err := d.signatures.Store(ctx, rec); err != nil {
		return err
	}
	if err := d.relayer.Relay(ctx, rc.Importer, item); err != nil {
		d.log.Warn(ctx, "relay failed", "guid", item.GUID, "error", err)
	}
	return nil
}

func (d *Dispatcher) receiveReshare(ctx context.Context, rc *Receive, msg *message.Message) error {
	rs, err := msg.AsReshare()
	if err != nil {
		return err
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, rs.Author)
	if err != nil {
		return err
	}
	if !d.resolver.PostAllowed(ctx, rc.Importer, contact, false) {
		return fmt.Errorf("%w: %s", common.ErrContactNotAllowed, rs.Author)
	}

	exists, err := d.MessageExists(ctx, rc.Importer.UID, rs.GUID)
	if err != nil {
		return err
	}
	if exists {
		d.log.Debug(ctx, "duplicate reshare", "guid", rs.GUID)
		return nil
	}

	root, err := d.resolveParent(ctx, rc, rs.RootAuthor, rs.RootGUID)
	if err != nil {
		return err
	}

	uri := itemURI(rs.Author, rs.GUID)
	item := &models.Item{
		UID:        rc.Importer.UID,
		GUID:       rs.GUID,
		URI:        uri,
		ParentURI:  uri,
		ThreadGUID: rs.GUID,
		Author:     rs.Author,
		Owner:      rs.Author,
		Body:       root.Body,
		Title:      root.Title,
		Verb:       models.VerbShare,
		ObjectType: root.URI,
		Gravity:    models.GravityParent,
		Private:    !rs.Public,
		CreatedAt:  rs.CreatedAt,
	}
	id, err := d.items.Store(ctx, item)
	if errors.Is(err, common.ErrDuplicateMessage) {
		d.log.Debug(ctx, "duplicate reshare", "guid", rs.GUID)
		return nil
	}
	if err != nil {
		return err
	}
	item.ID = id

	d.notifier.Notify(ctx, Event{Type: EventItem, UID: rc.Importer.UID, Handle: rs.Author, Item: item})
	return nil
}

func (d *Dispatcher) receiveProfile(ctx context.Context, rc *Receive, msg *message.Message) error {
	p, err := msg.AsProfile()
	if err != nil {
		return err
	}

	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if err := d.resolver.UpdateProfile(ctx, p.Author, name, p.ImageURL); err != nil {
		return err
	}

	d.notifier.Notify(ctx, Event{Type: EventProfile, UID: rc.Importer.UID, Handle: p.Author})
	return nil
}

func (d *Dispatcher) receiveAccountDeletion(ctx context.Context, rc *Receive, msg *message.Message) error {
	ad, err := msg.AsAccountDeletion()
	if err != nil {
		return err
	}

	// Only the account itself may request its removal.
	if !strings.EqualFold(ad.Author, rc.Author) {
		d.log.Warn(ctx, "account deletion author mismatch", "author", ad.Author, "sender", rc.Author)
		return fmt.Errorf("%w: account deletion for %s from %s", common.ErrContactNotAllowed, ad.Author, rc.Author)
	}

	return d.directory.RemoveAccount(ctx, ad.Author)
}

func (d *Dispatcher) receiveConversation(ctx context.Context, rc *Receive, msg *message.Message) error {
	cv, err := msg.AsConversation()
	if err != nil {
		return err
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, rc.Author)
	if err != nil {
		return err
	}
	if !d.resolver.PostAllowed(ctx, rc.Importer, contact, true) {
		return fmt.Errorf("%w: %s", common.ErrContactNotAllowed, rc.Author)
	}

	conv, err := d.mail.FindConversationByGUID(ctx, rc.Importer.UID, cv.GUID)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		conv = &models.Conversation{
			UID:          rc.Importer.UID,
			GUID:         cv.GUID,
			Author:       cv.Author,
			Subject:      cv.Subject,
			Participants: cv.Participants,
			CreatedAt:    cv.CreatedAt,
		}
		id, err := d.mail.StoreConversation(ctx, conv)
		if err != nil {
			return err
		}
		conv.ID = id
	}

	for _, pm := range cv.Messages {
		if err := d.storeMail(ctx, rc, conv, pm); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) receiveMessage(ctx context.Context, rc *Receive, msg *message.Message) error {
	pm, err := msg.AsPrivateMessage()
	if err != nil {
		return err
	}

	contact, err := d.contactFor(ctx, rc.Importer.UID, rc.Author)
	if err != nil {
		return err
	}
	if !d.resolver.PostAllowed(ctx, rc.Importer, contact, true) {
		return fmt.Errorf("%w: %s", common.ErrContactNotAllowed, rc.Author)
	}

	conv, err := d.mail.FindConversationByGUID(ctx, rc.Importer.UID, pm.ConversationGUID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: conversation %s", common.ErrParentNotFound, pm.ConversationGUID)
		}
		return err
	}

	return d.storeMail(ctx, rc, conv, pm)
}

func (d *Dispatcher) storeMail(ctx context.Context, rc *Receive, conv *models.Conversation, pm *message.PrivateMessage) error {
	exists, err := d.mail.MailExists(ctx, rc.Importer.UID, pm.GUID)
	if err != nil {
		return err
	}
	if exists {
		d.log.Debug(ctx, "duplicate private message", "guid", pm.GUID)
		return nil
	}

	mail := &models.Mail{
		UID:            rc.Importer.UID,
		ConversationID: conv.ID,
		GUID:           pm.GUID,
		Author:         pm.Author,
		Body:           pm.Text,
		CreatedAt:      pm.CreatedAt,
	}
	if _, err := d.mail.StoreMail(ctx, mail); err != nil {
		return err
	}
	d.notifier.Notify(ctx, Event{Type: EventMail, UID: rc.Importer.UID, Handle: pm.Author})
	return nil
}
