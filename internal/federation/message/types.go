// Package message defines the canonical federation message model and the
// normalizer that maps both wire-schema generations onto it.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/dsievert/federation/internal/common"
)

// Kind is the closed set of message variants the dispatcher switches
// over. Adding a variant is a compile-time visible change.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccountDeletion
	KindComment
	KindContactRequest
	KindConversation
	KindLike
	KindMessage
	KindParticipation
	KindPhoto
	KindPollParticipation
	KindProfile
	KindReshare
	KindRetraction
	KindStatusMessage
)

func (k Kind) String() string {
	switch k {
	case KindAccountDeletion:
		return "account_deletion"
	case KindComment:
		return "comment"
	case KindContactRequest:
		return "contact"
	case KindConversation:
		return "conversation"
	case KindLike:
		return "like"
	case KindMessage:
		return "message"
	case KindParticipation:
		return "participation"
	case KindPhoto:
		return "photo"
	case KindPollParticipation:
		return "poll_participation"
	case KindProfile:
		return "profile"
	case KindReshare:
		return "reshare"
	case KindRetraction:
		return "retraction"
	case KindStatusMessage:
		return "status_message"
	default:
		return "unknown"
	}
}

// kindOf maps a wire element name to its kind. Retraction sub-variants
// fold into KindRetraction; the legacy "request" element is the current
// "contact".
func kindOf(element string) Kind {
	switch element {
	case "account_deletion":
		return KindAccountDeletion
	case "comment":
		return KindComment
	case "contact", "request":
		return KindContactRequest
	case "conversation":
		return KindConversation
	case "like":
		return KindLike
	case "message":
		return KindMessage
	case "participation":
		return KindParticipation
	case "photo":
		return KindPhoto
	case "poll_participation":
		return KindPollParticipation
	case "profile":
		return KindProfile
	case "reshare":
		return KindReshare
	case "retraction", "signed_retraction", "relayable_retraction":
		return KindRetraction
	case "status_message":
		return KindStatusMessage
	default:
		return KindUnknown
	}
}

// Field is one canonical message field. Document order is significant:
// the signable data string concatenates values in exactly this order.
type Field struct {
	Name  string
	Value string
}

// Message is a normalized inbound message: canonical fields, the exact
// byte string its field-level signatures cover, and the signatures
// themselves, kept apart from the signed fields.
type Message struct {
	Kind   Kind
	Legacy bool
	Fields []Field

	// SignedText is the ";"-joined field values in document order,
	// excluding the signature fields.
	SignedText string

	AuthorSignature       string
	ParentAuthorSignature string
	TargetAuthorSignature string

	// Nested holds the message children of a conversation.
	Nested []*Message
}

// Get returns the first value of the named canonical field, or "".
func (m *Message) Get(name string) string {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Author returns the canonical author handle.
func (m *Message) Author() string { return m.Get("author") }

// GUID returns the idempotency key of the message, or "" for the kinds
// that do not carry one.
func (m *Message) GUID() string {
	if m.Kind == KindRetraction {
		return m.Get("target_guid")
	}
	return m.Get("guid")
}

// Relayable reports whether the message kind participates in the two-hop
// signature chain.
func (m *Message) Relayable() bool {
	return m.Kind == KindComment || m.Kind == KindLike || m.Kind == KindMessage
}

var timeLayouts = []string{
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t":
		return true
	}
	return false
}

// Typed views over the canonical fields. Each As* accessor checks the
// kind so handlers cannot misroute a message.

type Comment struct {
	Author     string
	GUID       string
	ParentGUID string
	Text       string
	CreatedAt  time.Time
}

func (m *Message) AsComment() (*Comment, error) {
	if m.Kind != KindComment {
		return nil, kindError(m, KindComment)
	}
	return &Comment{
		Author:     m.Get("author"),
		GUID:       m.Get("guid"),
		ParentGUID: m.Get("parent_guid"),
		Text:       m.Get("text"),
		CreatedAt:  parseTime(m.Get("created_at")),
	}, nil
}

type Like struct {
	Author     string
	GUID       string
	ParentGUID string
	ParentType string
	Positive   bool
}

func (m *Message) AsLike() (*Like, error) {
	if m.Kind != KindLike {
		return nil, kindError(m, KindLike)
	}
	return &Like{
		Author:     m.Get("author"),
		GUID:       m.Get("guid"),
		ParentGUID: m.Get("parent_guid"),
		ParentType: m.Get("parent_type"),
		Positive:   parseBool(m.Get("positive")),
	}, nil
}

type StatusMessage struct {
	Author              string
	GUID                string
	Text                string
	ProviderDisplayName string
	Public              bool
	CreatedAt           time.Time
}

func (m *Message) AsStatusMessage() (*StatusMessage, error) {
	if m.Kind != KindStatusMessage {
		return nil, kindError(m, KindStatusMessage)
	}
	text := m.Get("text")
	if text == "" {
		text = m.Get("raw_message")
	}
	return &StatusMessage{
		Author:              m.Get("author"),
		GUID:                m.Get("guid"),
		Text:                text,
		ProviderDisplayName: m.Get("provider_display_name"),
		Public:              parseBool(m.Get("public")),
		CreatedAt:           parseTime(m.Get("created_at")),
	}, nil
}

type Reshare struct {
	Author     string
	GUID       string
	RootAuthor string
	RootGUID   string
	Public     bool
	CreatedAt  time.Time
}

func (m *Message) AsReshare() (*Reshare, error) {
	if m.Kind != KindReshare {
		return nil, kindError(m, KindReshare)
	}
	return &Reshare{
		Author:     m.Get("author"),
		GUID:       m.Get("guid"),
		RootAuthor: m.Get("root_author"),
		RootGUID:   m.Get("root_guid"),
		Public:     parseBool(m.Get("public")),
		CreatedAt:  parseTime(m.Get("created_at")),
	}, nil
}

type Retraction struct {
	Author     string
	TargetGUID string
	TargetType string
}

func (m *Message) AsRetraction() (*Retraction, error) {
	if m.Kind != KindRetraction {
		return nil, kindError(m, KindRetraction)
	}
	return &Retraction{
		Author:     m.Get("author"),
		TargetGUID: m.Get("target_guid"),
		TargetType: m.Get("target_type"),
	}, nil
}

type Profile struct {
	Author     string
	FirstName  string
	LastName   string
	ImageURL   string
	Birthday   string
	Gender     string
	About      string
	Location   string
	TagString  string
	Searchable bool
	NSFW       bool
}

func (m *Message) AsProfile() (*Profile, error) {
	if m.Kind != KindProfile {
		return nil, kindError(m, KindProfile)
	}
	return &Profile{
		Author:     m.Get("author"),
		FirstName:  m.Get("first_name"),
		LastName:   m.Get("last_name"),
		ImageURL:   m.Get("image_url"),
		Birthday:   m.Get("birthday"),
		Gender:     m.Get("gender"),
		About:      m.Get("bio"),
		Location:   m.Get("location"),
		TagString:  m.Get("tag_string"),
		Searchable: parseBool(m.Get("searchable")),
		NSFW:       parseBool(m.Get("nsfw")),
	}, nil
}

type ContactRequest struct {
	Author    string
	Recipient string
	Following bool
	Sharing   bool
}

func (m *Message) AsContactRequest() (*ContactRequest, error) {
	if m.Kind != KindContactRequest {
		return nil, kindError(m, KindContactRequest)
	}
	cr := &ContactRequest{
		Author:    m.Get("author"),
		Recipient: m.Get("recipient"),
		Following: parseBool(m.Get("following")),
		Sharing:   parseBool(m.Get("sharing")),
	}
	// The legacy request element predates the two booleans and always
	// meant a full share offer.
	if m.Legacy && m.Get("following") == "" && m.Get("sharing") == "" {
		cr.Following = true
		cr.Sharing = true
	}
	return cr, nil
}

type Conversation struct {
	Author       string
	GUID         string
	Subject      string
	Participants string
	CreatedAt    time.Time
	Messages     []*PrivateMessage
}

func (m *Message) AsConversation() (*Conversation, error) {
	if m.Kind != KindConversation {
		return nil, kindError(m, KindConversation)
	}
	conv := &Conversation{
		Author:       m.Get("author"),
		GUID:         m.Get("guid"),
		Subject:      m.Get("subject"),
		Participants: m.Get("participants"),
		CreatedAt:    parseTime(m.Get("created_at")),
	}
	for _, child := range m.Nested {
		pm, err := child.AsPrivateMessage()
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, pm)
	}
	return conv, nil
}

type PrivateMessage struct {
	Author           string
	GUID             string
	ConversationGUID string
	Text             string
	CreatedAt        time.Time
}

func (m *Message) AsPrivateMessage() (*PrivateMessage, error) {
	if m.Kind != KindMessage {
		return nil, kindError(m, KindMessage)
	}
	return &PrivateMessage{
		Author:           m.Get("author"),
		GUID:             m.Get("guid"),
		ConversationGUID: m.Get("conversation_guid"),
		Text:             m.Get("text"),
		CreatedAt:        parseTime(m.Get("created_at")),
	}, nil
}

type AccountDeletion struct {
	Author string
}

func (m *Message) AsAccountDeletion() (*AccountDeletion, error) {
	if m.Kind != KindAccountDeletion {
		return nil, kindError(m, KindAccountDeletion)
	}
	return &AccountDeletion{Author: m.Get("author")}, nil
}

func kindError(m *Message, want Kind) error {
	return fmt.Errorf("%w: have %s, want %s", common.ErrUnknownMessageType, m.Kind, want)
}
