package transmit

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/server/models"
)

const wireTimeLayout = "2006-01-02 15:04:05 MST"

// NewGUID produces a fresh wire-format guid.
func NewGUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TargetFromPerson adapts a resolved person record into a delivery
// target for contacts that have no local row yet.
func TargetFromPerson(p *models.Person) *models.DeliveryTarget {
	return &models.DeliveryTarget{
		Handle:    p.Handle,
		BatchURL:  p.BatchURL,
		NotifyURL: p.NotifyURL,
		PublicKey: p.PublicKey,
		Network:   p.Network,
	}
}

func wireTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(wireTimeLayout)
}

// signFields appends the author's field signature over the joined field
// values.
func signFields(owner *models.Owner, fields []message.Field) ([]message.Field, error) {
	sig, err := cryptox.Sign([]byte(message.SignedText(fields)), owner.PrivateKey)
	if err != nil {
		return nil, err
	}
	return append(fields, message.Field{Name: "author_signature", Value: base64.StdEncoding.EncodeToString(sig)}), nil
}

// SendShare offers (or confirms) a mutual share with the given person.
func (s *Sender) SendShare(ctx context.Context, owner *models.Owner, to *models.Person) error {
	fields := []message.Field{
		{Name: "author", Value: owner.Handle},
		{Name: "recipient", Value: to.Handle},
		{Name: "following", Value: "true"},
		{Name: "sharing", Value: "true"},
	}
	return s.Send(ctx, owner, TargetFromPerson(to), message.Render("contact", fields), false)
}

// SendUnshare withdraws both directions of a share.
func (s *Sender) SendUnshare(ctx context.Context, owner *models.Owner, to *models.Person) error {
	fields := []message.Field{
		{Name: "author", Value: owner.Handle},
		{Name: "recipient", Value: to.Handle},
		{Name: "following", Value: "false"},
		{Name: "sharing", Value: "false"},
	}
	return s.Send(ctx, owner, TargetFromPerson(to), message.Render("contact", fields), false)
}

// SendStatus delivers a locally authored top-level post to one target.
func (s *Sender) SendStatus(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, item *models.Item) error {
	fields := []message.Field{
		{Name: "author", Value: owner.Handle},
		{Name: "guid", Value: item.GUID},
		{Name: "created_at", Value: wireTime(item.CreatedAt)},
		{Name: "public", Value: strconv.FormatBool(!item.Private)},
		{Name: "text", Value: item.Body},
	}
	if item.Verb == models.VerbShare && item.ObjectType != "" {
		rootAuthor, rootGUID, ok := strings.Cut(item.ObjectType, ":")
		if ok {
			fields = []message.Field{
				{Name: "author", Value: owner.Handle},
				{Name: "guid", Value: item.GUID},
				{Name: "created_at", Value: wireTime(item.CreatedAt)},
				{Name: "root_author", Value: rootAuthor},
				{Name: "root_guid", Value: rootGUID},
				{Name: "public", Value: strconv.FormatBool(!item.Private)},
			}
			return s.Send(ctx, owner, target, message.Render("reshare", fields), !item.Private)
		}
	}
	return s.Send(ctx, owner, target, message.Render("status_message", fields), !item.Private)
}

// SendFollowup delivers a locally authored comment or like upstream to
// the owner of a remote thread, field-signed so the thread owner can
// relay it.
func (s *Sender) SendFollowup(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, parent, item *models.Item) error {
	var typeName string
	var fields []message.Field
	if item.Verb == models.VerbLike {
		typeName = "like"
		fields = []message.Field{
			{Name: "positive", Value: "true"},
			{Name: "guid", Value: item.GUID},
			{Name: "parent_type", Value: "Post"},
			{Name: "parent_guid", Value: parent.GUID},
			{Name: "author", Value: owner.Handle},
		}
	} else {
		typeName = "comment"
		fields = []message.Field{
			{Name: "guid", Value: item.GUID},
			{Name: "parent_guid", Value: parent.GUID},
			{Name: "text", Value: item.Body},
			{Name: "author", Value: owner.Handle},
		}
	}
	fields, err := signFields(owner, fields)
	if err != nil {
		return err
	}
	return s.Send(ctx, owner, target, message.Render(typeName, fields), false)
}

// SendRetraction announces the deletion of a locally authored entity.
func (s *Sender) SendRetraction(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, targetGUID, targetType string, public bool) error {
	fields := []message.Field{
		{Name: "author", Value: owner.Handle},
		{Name: "target_guid", Value: targetGUID},
		{Name: "target_type", Value: targetType},
	}
	return s.Send(ctx, owner, target, message.Render("retraction", fields), public)
}

// SendMail delivers one private message into an existing remote
// conversation.
func (s *Sender) SendMail(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, conv *models.Conversation, mail *models.Mail) error {
	fields := []message.Field{
		{Name: "author", Value: owner.Handle},
		{Name: "guid", Value: mail.GUID},
		{Name: "conversation_guid", Value: conv.GUID},
		{Name: "text", Value: mail.Body},
		{Name: "created_at", Value: wireTime(mail.CreatedAt)},
	}
	fields, err := signFields(owner, fields)
	if err != nil {
		return err
	}
	return s.Send(ctx, owner, target, message.Render("message", fields), false)
}

// SendConversation opens a conversation on the remote side, nested
// messages included.
func (s *Sender) SendConversation(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, conv *models.Conversation, mails []*models.Mail) error {
	var b strings.Builder
	b.WriteString("<conversation>")
	head := []message.Field{
		{Name: "author", Value: owner.Handle},
		{Name: "guid", Value: conv.GUID},
		{Name: "subject", Value: conv.Subject},
		{Name: "created_at", Value: wireTime(conv.CreatedAt)},
		{Name: "participants", Value: conv.Participants},
	}
	inner := message.Render("conversation", head)
	b.Write(inner[len("<conversation>") : len(inner)-len("</conversation>")])
	for _, mail := range mails {
		fields := []message.Field{
			{Name: "author", Value: owner.Handle},
			{Name: "guid", Value: mail.GUID},
			{Name: "conversation_guid", Value: conv.GUID},
			{Name: "text", Value: mail.Body},
			{Name: "created_at", Value: wireTime(mail.CreatedAt)},
		}
		fields, err := signFields(owner, fields)
		if err != nil {
			return err
		}
		b.Write(message.Render("message", fields))
	}
	b.WriteString("</conversation>")
	return s.Send(ctx, owner, target, []byte(b.String()), false)
}

// SendProfile pushes the owner's profile to one target. With spool set
// the envelope is enqueued for the next drain pass instead of being
// delivered inline; bulk profile fan-out runs that way so one slow
// contact cannot stall the batch.
func (s *Sender) SendProfile(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, profile map[string]string, public, spool bool) error {
	fields := []message.Field{{Name: "author", Value: owner.Handle}}
	for _, name := range []string{"first_name", "last_name", "image_url", "birthday", "gender", "bio", "location", "searchable", "nsfw", "tag_string"} {
		if v, ok := profile[name]; ok {
			fields = append(fields, message.Field{Name: name, Value: v})
		}
	}
	body := message.Render("profile", fields)
	if spool {
		env, err := s.wrap(owner, target, body, public)
		if err != nil {
			return err
		}
		return s.Spool(ctx, target, env, public)
	}
	return s.Send(ctx, owner, target, body, public)
}
