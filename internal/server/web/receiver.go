// Package web exposes the federation HTTP surface: the public and
// per-user receive endpoints envelopes are POSTed to, and the fetch
// endpoint that serves local public posts to remote servers.
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/dispatch"
	"github.com/dsievert/federation/internal/federation/envelope"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
)

// OwnerSource resolves local accounts for inbound deliveries and
// outbound fetch responses.
type OwnerSource interface {
	OwnerByUID(ctx context.Context, uid int64) (*models.Owner, error)
	OwnerByGUID(ctx context.Context, guid string) (*models.Owner, error)
	OwnerByHandle(ctx context.Context, handle string) (*models.Owner, error)
}

type Server struct {
	codec      *envelope.Codec
	normalizer *message.Normalizer
	dispatcher *dispatch.Dispatcher
	owners     OwnerSource
	items      dispatch.ItemStore
	log        logging.Logger
	srv        *http.Server
}

func NewServer(
	addr string,
	codec *envelope.Codec,
	normalizer *message.Normalizer,
	dispatcher *dispatch.Dispatcher,
	owners OwnerSource,
	items dispatch.ItemStore,
	log logging.Logger,
) *Server {
	s := &Server{
		codec:      codec,
		normalizer: normalizer,
		dispatcher: dispatcher,
		owners:     owners,
		items:      items,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /receive/public", s.handlePublic)
	mux.HandleFunc("POST /receive/users/{guid}", s.handleUser)
	mux.HandleFunc("GET /fetch/post/{guid}", s.handleFetch)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// envelopeBody extracts the raw envelope from a request. Historically
// envelopes arrive urlencoded in an "xml" form field; newer senders
// POST the document as the request body.
func envelopeBody(r *http.Request) ([]byte, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		if x := r.PostFormValue("xml"); x != "" {
			return []byte(x), nil
		}
	}
	return io.ReadAll(r.Body)
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	owner, err := s.owners.OwnerByUID(r.Context(), common.PublicUID)
	if err != nil {
		owner = &models.Owner{UID: common.PublicUID}
	}
	s.receive(w, r, owner, nil)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	owner, err := s.owners.OwnerByGUID(r.Context(), r.PathValue("guid"))
	if err != nil {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	s.receive(w, r, owner, owner)
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, importer, keyOwner *models.Owner) {
	ctx := r.Context()

	raw, err := envelopeBody(r)
	if err != nil || len(raw) == 0 {
		http.Error(w, "empty envelope", http.StatusBadRequest)
		return
	}

	var payload []byte
	var author string
	if keyOwner != nil {
		payload, author, err = s.codec.VerifyAndDecode(ctx, raw, keyOwner.PrivateKey)
	} else {
		payload, author, err = s.codec.VerifyAndDecode(ctx, raw, nil)
	}
	if err != nil {
		s.log.Info(ctx, "envelope rejected", "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, common.ErrSignatureInvalid) {
			status = http.StatusUnauthorized
		}
		http.Error(w, "envelope rejected", status)
		return
	}

	msg, err := s.normalizer.Normalize(ctx, payload, author)
	if err != nil {
		s.log.Info(ctx, "message rejected", "author", author, "error", err)
		http.Error(w, "message rejected", http.StatusBadRequest)
		return
	}

	rc := &dispatch.Receive{Importer: importer, Author: author}
	if err := s.dispatcher.Dispatch(ctx, rc, msg); err != nil {
		// Dropped messages are acknowledged: a retry would be refused
		// for the same reason.
		s.log.Info(ctx, "message dropped", "kind", msg.Kind.String(), "author", author, "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleFetch serves a locally originated public post as a signed
// envelope, the counterpart of the remote-fetch the dispatcher performs
// for missing parents.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guid := r.PathValue("guid")

	item, err := s.items.FindByGUID(ctx, common.PublicUID, guid)
	if err != nil {
		http.Error(w, "unknown post", http.StatusNotFound)
		return
	}
	if item.Private || item.Deleted {
		http.Error(w, "unknown post", http.StatusNotFound)
		return
	}

	owner, err := s.owners.OwnerByHandle(ctx, item.Author)
	if err != nil {
		http.Error(w, "not our post", http.StatusNotFound)
		return
	}

	fields := []message.Field{
		{Name: "author", Value: item.Author},
		{Name: "guid", Value: item.GUID},
		{Name: "created_at", Value: item.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST")},
		{Name: "public", Value: strconv.FormatBool(!item.Private)},
		{Name: "text", Value: item.Body},
	}
	env, err := envelope.BuildFetch(message.Render("status_message", fields), owner.Handle, owner.PrivateKey)
	if err != nil {
		s.log.Error(ctx, "fetch envelope build failed", "guid", guid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/magic-envelope+xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(env); err != nil {
		s.log.Warn(ctx, "fetch response write failed", "guid", guid, "error", err)
	}
}
