package message

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/logging"
)

// KeySource resolves a handle to the public key its signatures verify
// against.
type KeySource interface {
	PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error)
}

// Normalizer turns a decoded payload into a canonical Message and
// verifies the field-level signature chain of relayable kinds.
type Normalizer struct {
	keys KeySource
	log  logging.Logger
}

func NewNormalizer(keys KeySource, log logging.Logger) *Normalizer {
	return &Normalizer{keys: keys, log: log}
}

type node struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
	Nodes   []node `xml:",any"`
}

func (n *node) child(local string) *node {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i]
		}
	}
	return nil
}

// Normalize parses payload (either wire-schema generation), canonicalizes
// field names, accumulates the signable data string and verifies the
// message against the envelope-authenticated sender handle.
func (n *Normalizer) Normalize(ctx context.Context, payload []byte, envelopeAuthor string) (*Message, error) {
	var root node
	if err := xml.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", common.ErrMalformedEnvelope, err)
	}

	elem := &root
	legacy := false
	if strings.EqualFold(root.XMLName.Local, "xml") {
		// legacy nested form: XML/post/<type>
		legacy = true
		post := root.child("post")
		if post == nil || len(post.Nodes) == 0 {
			return nil, fmt.Errorf("%w: empty legacy wrapper", common.ErrMalformedEnvelope)
		}
		elem = &post.Nodes[0]
	}

	msg, err := normalizeElement(elem, legacy)
	if err != nil {
		return nil, err
	}

	// Types whose trust rests solely on the envelope must name the very
	// handle the envelope was verified for.
	switch msg.Kind {
	case KindStatusMessage, KindReshare, KindProfile:
		if !strings.EqualFold(msg.Author(), envelopeAuthor) {
			n.log.Warn(ctx, "author mismatch, dropping posting",
				"kind", msg.Kind.String(), "author", msg.Author(), "envelope_author", envelopeAuthor)
			return nil, fmt.Errorf("%w: author %q does not match envelope author %q",
				common.ErrSignatureInvalid, msg.Author(), envelopeAuthor)
		}
	}

	if msg.Relayable() {
		if err := n.verifySignatures(ctx, msg, envelopeAuthor); err != nil {
			return nil, err
		}
	}
	for _, nested := range msg.Nested {
		if nested.Relayable() {
			if err := n.verifySignatures(ctx, nested, envelopeAuthor); err != nil {
				return nil, err
			}
		}
	}

	return msg, nil
}

func normalizeElement(elem *node, legacy bool) (*Message, error) {
	wireType := elem.XMLName.Local
	kind := kindOf(wireType)
	if kind == KindUnknown {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownMessageType, wireType)
	}

	msg := &Message{
		Kind:   kind,
		Legacy: legacy || wireType != kind.String(),
	}

	var signed []string
	for i := range elem.Nodes {
		child := &elem.Nodes[i]

		if len(child.Nodes) > 0 {
			// Only conversation messages are meaningful nested elements;
			// anything else (embedded photos etc.) is not part of the
			// signable data.
			if kind == KindConversation && child.XMLName.Local == "message" {
				nested, err := normalizeElement(child, legacy)
				if err != nil {
					return nil, err
				}
				msg.Nested = append(msg.Nested, nested)
			}
			continue
		}

		name := canonicalName(wireType, child.XMLName.Local)
		value := child.Text

		if signatureFields[name] {
			switch name {
			case "author_signature":
				msg.AuthorSignature = strings.TrimSpace(value)
			case "parent_author_signature":
				msg.ParentAuthorSignature = strings.TrimSpace(value)
			case "target_author_signature":
				msg.TargetAuthorSignature = strings.TrimSpace(value)
			}
			continue
		}

		msg.Fields = append(msg.Fields, Field{Name: name, Value: value})
		signed = append(signed, value)
	}

	msg.SignedText = strings.Join(signed, ";")
	return msg, nil
}

// verifySignatures checks the field-level signature chain of a relayable
// message. The author signature verifies against the key of the handle
// named in the message; the parent author signature, added by the thread
// owner when relaying, verifies against the envelope sender's key.
func (n *Normalizer) verifySignatures(ctx context.Context, m *Message, envelopeAuthor string) error {
	if m.AuthorSignature == "" {
		return fmt.Errorf("%w: %s without author signature", common.ErrSignatureInvalid, m.Kind)
	}

	sig, err := decodeSignature(m.AuthorSignature)
	if err != nil {
		return fmt.Errorf("%w: undecodable author signature", common.ErrSignatureInvalid)
	}
	pub, err := n.keys.PublicKey(ctx, m.Author())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrKeyResolutionFailed, m.Author(), err)
	}
	if !cryptox.Verify([]byte(m.SignedText), sig, pub) {
		return fmt.Errorf("%w: author signature of %s", common.ErrSignatureInvalid, m.Author())
	}

	if m.ParentAuthorSignature != "" {
		psig, err := decodeSignature(m.ParentAuthorSignature)
		if err != nil {
			return fmt.Errorf("%w: undecodable parent author signature", common.ErrSignatureInvalid)
		}
		ppub, err := n.keys.PublicKey(ctx, envelopeAuthor)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", common.ErrKeyResolutionFailed, envelopeAuthor, err)
		}
		if !cryptox.Verify([]byte(m.SignedText), psig, ppub) {
			return fmt.Errorf("%w: parent author signature of %s", common.ErrSignatureInvalid, envelopeAuthor)
		}
	}

	return nil
}

// decodeSignature accepts both base64 alphabets; partners disagree.
func decodeSignature(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
