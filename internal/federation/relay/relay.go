// Package relay re-broadcasts relayable messages down the audience of a
// thread this node owns, countersigning them so downstream servers can
// verify the chain.
package relay

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
	"github.com/dsievert/federation/internal/server/repositories/signatures"
)

// Audience enumerates the delivery targets of a thread, minus the
// handle the message came from.
type Audience interface {
	ThreadRecipients(ctx context.Context, uid int64, item *models.Item, exclude string) ([]*models.DeliveryTarget, error)
}

// Sender wraps a rendered payload in an envelope and delivers it.
type Sender interface {
	Send(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, body []byte, public bool) error
}

type Engine struct {
	signatures signatures.Repository
	audience   Audience
	sender     Sender
	log        logging.Logger
}

func New(sigs signatures.Repository, audience Audience, sender Sender, log logging.Logger) *Engine {
	return &Engine{signatures: sigs, audience: audience, sender: sender, log: log}
}

// Relay reconstructs the stored relayable from its signature record,
// adds the thread owner's countersignature and re-delivers it to the
// rest of the thread audience. The author's original signature travels
// unchanged.
func (e *Engine) Relay(ctx context.Context, owner *models.Owner, item *models.Item) error {
	rec, err := e.signatures.FindByItem(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("relay of %s: %w", item.GUID, err)
	}

	typeName, fields, err := messageFromSignature(item, rec)
	if err != nil {
		return err
	}

	parentSig, err := signText(rec.SignedText, owner.PrivateKey)
	if err != nil {
		return err
	}
	fields = append(fields,
		message.Field{Name: "author_signature", Value: rec.Signature},
		message.Field{Name: "parent_author_signature", Value: parentSig},
	)

	return e.broadcast(ctx, owner, item, rec.Signer, message.Render(typeName, fields))
}

// RelayRetraction forwards the deletion of a relayable to the thread
// audience, countersigned over "target_guid;target_type".
func (e *Engine) RelayRetraction(ctx context.Context, owner *models.Owner, item *models.Item, targetType string) error {
	signedText := item.GUID + ";" + targetType
	sig, err := signText(signedText, owner.PrivateKey)
	if err != nil {
		return err
	}

	fields := []message.Field{
		{Name: "author", Value: item.Author},
		{Name: "target_guid", Value: item.GUID},
		{Name: "target_type", Value: targetType},
		{Name: "target_author_signature", Value: sig},
	}

	return e.broadcast(ctx, owner, item, item.Author, message.Render("retraction", fields))
}

func (e *Engine) broadcast(ctx context.Context, owner *models.Owner, item *models.Item, exclude string, body []byte) error {
	targets, err := e.audience.ThreadRecipients(ctx, item.UID, item, exclude)
	if err != nil {
		return err
	}

	public := !item.Private
	var failed int
	for _, target := range targets {
		if err := e.sender.Send(ctx, owner, target, body, public); err != nil {
			failed++
			e.log.Warn(ctx, "relay delivery failed", "guid", item.GUID, "target", target.Handle, "error", err)
		}
	}
	e.log.Info(ctx, "relayed", "guid", item.GUID, "targets", len(targets), "failed", failed)
	return nil
}

func signText(text string, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("%w: owner has no private key", common.ErrSignatureInvalid)
	}
	sig, err := cryptox.Sign([]byte(text), priv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// messageFromSignature rebuilds the wire fields of a relayable from the
// stored item row and the byte-exact signed text. The split positions
// follow the fixed field order each type signs; comment text may itself
// contain ";" and is re-joined from the middle parts.
func messageFromSignature(item *models.Item, rec *models.SignatureRecord) (string, []message.Field, error) {
	parts := strings.Split(rec.SignedText, ";")

	switch item.Verb {
	case models.VerbLike:
		if len(parts) < 5 {
			return "", nil, fmt.Errorf("%w: malformed like signature text", common.ErrMalformedEnvelope)
		}
		return "like", []message.Field{
			{Name: "positive", Value: parts[0]},
			{Name: "guid", Value: parts[1]},
			{Name: "parent_type", Value: parts[2]},
			{Name: "parent_guid", Value: parts[3]},
			{Name: "author", Value: rec.Signer},
		}, nil
	default:
		if len(parts) < 4 {
			return "", nil, fmt.Errorf("%w: malformed comment signature text", common.ErrMalformedEnvelope)
		}
		text := strings.Join(parts[2:len(parts)-1], ";")
		return "comment", []message.Field{
			{Name: "guid", Value: parts[0]},
			{Name: "parent_guid", Value: parts[1]},
			{Name: "text", Value: text},
			{Name: "author", Value: rec.Signer},
		}, nil
	}
}
