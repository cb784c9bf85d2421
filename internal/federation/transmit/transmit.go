// Package transmit builds outbound messages, wraps them in envelopes
// and delivers them, spilling undeliverable payloads into the retry
// queue.
package transmit

import (
	"context"
	"fmt"
	"time"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/federation/envelope"
	"github.com/dsievert/federation/internal/httpx"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
	"github.com/dsievert/federation/internal/server/repositories/queue"
)

const envelopeContentType = "application/magic-envelope+xml"

// Status is the outcome of a delivery attempt.
type Status int

const (
	// StatusDelivered: the remote acknowledged with a 2xx.
	StatusDelivered Status = iota
	// StatusQueued: the remote was unreachable or asked us to retry;
	// the envelope sits in the retry queue.
	StatusQueued
	// StatusRejected: the remote refused the envelope for good.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusQueued:
		return "queued"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ContactHealth tracks per-contact reachability; owned by the
// application's contact store.
type ContactHealth interface {
	SetDead(ctx context.Context, contactID int64, dead bool) error
}

// TargetSource resolves a queued contact id back to its endpoints.
type TargetSource interface {
	DeliveryTargetFor(ctx context.Context, contactID int64) (*models.DeliveryTarget, error)
}

type Sender struct {
	transport httpx.Transport
	queue     queue.Repository
	health    ContactHealth
	targets   TargetSource
	log       logging.Logger
}

func NewSender(transport httpx.Transport, q queue.Repository, health ContactHealth, targets TargetSource, log logging.Logger) *Sender {
	return &Sender{transport: transport, queue: q, health: health, targets: targets, log: log}
}

// wrap envelopes a rendered payload for the target: public messages go
// unencrypted, private ones are encrypted to the target's key.
func (s *Sender) wrap(owner *models.Owner, target *models.DeliveryTarget, body []byte, public bool) ([]byte, error) {
	if public {
		return envelope.BuildPublic(body, owner.Handle, owner.PrivateKey)
	}
	pub, err := cryptox.ParsePublicKey([]byte(target.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrKeyResolutionFailed, target.Handle, err)
	}
	return envelope.BuildPrivate(body, owner.Handle, owner.PrivateKey, pub)
}

// Send envelopes body and transmits it to target. It satisfies the
// relay engine's delivery dependency.
func (s *Sender) Send(ctx context.Context, owner *models.Owner, target *models.DeliveryTarget, body []byte, public bool) error {
	env, err := s.wrap(owner, target, body, public)
	if err != nil {
		return err
	}
	status, err := s.Transmit(ctx, target, env, public)
	if err != nil {
		return err
	}
	if status == StatusRejected {
		return fmt.Errorf("%w: %s rejected envelope", common.ErrTransportFailure, target.Handle)
	}
	return nil
}

// Transmit posts an enveloped payload to the target's endpoint.
//
// A missing response or an explicit retry hint queues the envelope and
// marks the contact dead; any 2xx clears the dead mark and counts as
// final. Other status codes are terminal: retrying a rejection would
// never succeed.
func (s *Sender) Transmit(ctx context.Context, target *models.DeliveryTarget, env []byte, public bool) (Status, error) {
	url := target.URLFor(public)
	if url == "" {
		return StatusRejected, fmt.Errorf("%w: %s has no delivery endpoint", common.ErrTransportFailure, target.Handle)
	}

	resp, err := s.transport.Post(ctx, url, envelopeContentType, env)
	if err != nil {
		s.log.Warn(ctx, "delivery failed, queueing", "target", target.Handle, "error", err)
		return s.queueEntry(ctx, target, env, public)
	}

	switch {
	case resp.OK():
		if target.ContactID != 0 {
			if err := s.health.SetDead(ctx, target.ContactID, false); err != nil {
				s.log.Warn(ctx, "clearing dead mark failed", "contact", target.ContactID, "error", err)
			}
		}
		s.log.Debug(ctx, "delivered", "target", target.Handle, "url", url)
		return StatusDelivered, nil
	case resp.StatusCode == 503 && resp.Header.Get("Retry-After") != "":
		s.log.Info(ctx, "remote asked to retry later", "target", target.Handle)
		return s.queueEntry(ctx, target, env, public)
	default:
		s.log.Warn(ctx, "delivery rejected", "target", target.Handle, "status", resp.StatusCode)
		return StatusRejected, nil
	}
}

func (s *Sender) queueEntry(ctx context.Context, target *models.DeliveryTarget, env []byte, public bool) (Status, error) {
	entry := &models.QueueEntry{
		ContactID: target.ContactID,
		Network:   target.Network,
		Content:   string(env),
		Batch:     public,
		CreatedAt: time.Now(),
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		return StatusQueued, err
	}
	if target.ContactID != 0 {
		if err := s.health.SetDead(ctx, target.ContactID, true); err != nil {
			s.log.Warn(ctx, "marking contact dead failed", "contact", target.ContactID, "error", err)
		}
	}
	return StatusQueued, nil
}

// Spool queues an enveloped payload for the next drain pass without a
// delivery attempt. The contact is not marked dead; nothing failed yet.
func (s *Sender) Spool(ctx context.Context, target *models.DeliveryTarget, env []byte, public bool) error {
	entry := &models.QueueEntry{
		ContactID: target.ContactID,
		Network:   target.Network,
		Content:   string(env),
		Batch:     public,
		CreatedAt: time.Now(),
	}
	return s.queue.Enqueue(ctx, entry)
}

// Redeliver retries one queued envelope. Delivered and rejected entries
// leave the queue; unreachable targets only get their last-tried stamp
// bumped.
func (s *Sender) Redeliver(ctx context.Context, entry *models.QueueEntry) error {
	target, err := s.targets.DeliveryTargetFor(ctx, entry.ContactID)
	if err != nil {
		s.log.Warn(ctx, "queued contact unresolvable, dropping entry", "contact", entry.ContactID, "error", err)
		return s.queue.Delete(ctx, entry.ID)
	}

	url := target.URLFor(entry.Batch)
	resp, err := s.transport.Post(ctx, url, envelopeContentType, []byte(entry.Content))
	if err != nil || (resp.StatusCode == 503 && resp.Header.Get("Retry-After") != "") {
		return s.queue.Touch(ctx, entry.ID)
	}

	if resp.OK() {
		if err := s.health.SetDead(ctx, target.ContactID, false); err != nil {
			s.log.Warn(ctx, "clearing dead mark failed", "contact", target.ContactID, "error", err)
		}
	} else {
		s.log.Warn(ctx, "queued delivery rejected, dropping", "contact", entry.ContactID, "status", resp.StatusCode)
	}
	return s.queue.Delete(ctx, entry.ID)
}

// DrainQueue redelivers up to limit queued envelopes.
func (s *Sender) DrainQueue(ctx context.Context, limit int) error {
	entries, err := s.queue.List(ctx, limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.Redeliver(ctx, entry); err != nil {
			s.log.Warn(ctx, "redelivery failed", "entry", entry.ID, "error", err)
		}
	}
	return nil
}
