package transmit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/federation/envelope"
	"github.com/dsievert/federation/internal/httpx"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

type fakeTransport struct {
	resp     *httpx.Response
	err      error
	lastURL  string
	lastBody []byte
	calls    int
}

func (f *fakeTransport) Post(_ context.Context, url, _ string, body []byte) (*httpx.Response, error) {
	f.calls++
	f.lastURL = url
	f.lastBody = body
	return f.resp, f.err
}

func (f *fakeTransport) Get(_ context.Context, url string) (*httpx.Response, error) {
	f.lastURL = url
	return f.resp, f.err
}

type fakeQueue struct {
	entries []*models.QueueEntry
	touched []int64
	deleted []int64
}

func (f *fakeQueue) Enqueue(_ context.Context, entry *models.QueueEntry) error {
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeQueue) List(_ context.Context, limit int) ([]*models.QueueEntry, error) {
	if len(f.entries) > limit {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeQueue) Touch(_ context.Context, id int64) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeQueue) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeHealth struct {
	marks map[int64]bool
}

func (f *fakeHealth) SetDead(_ context.Context, contactID int64, dead bool) error {
	if f.marks == nil {
		f.marks = map[int64]bool{}
	}
	f.marks[contactID] = dead
	return nil
}

type fakeTargets struct {
	byID map[int64]*models.DeliveryTarget
}

func (f *fakeTargets) DeliveryTargetFor(_ context.Context, contactID int64) (*models.DeliveryTarget, error) {
	t, ok := f.byID[contactID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return t, nil
}

func testOwner(t *testing.T) *models.Owner {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &models.Owner{UID: 1, Handle: "owner@local.example", PrivateKey: priv}
}

type keyMap map[string]*rsa.PublicKey

func (m keyMap) PublicKey(_ context.Context, handle string) (*rsa.PublicKey, error) {
	pub, ok := m[handle]
	if !ok {
		return nil, common.ErrKeyResolutionFailed
	}
	return pub, nil
}

func newSender(transport httpx.Transport) (*Sender, *fakeQueue, *fakeHealth, *fakeTargets) {
	q := &fakeQueue{}
	h := &fakeHealth{}
	tg := &fakeTargets{byID: map[int64]*models.DeliveryTarget{}}
	return NewSender(transport, q, h, tg, testLogger()), q, h, tg
}

func TestTransmit_DeliveredClearsDeadMark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, envelopeContentType, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, q, h, _ := newSender(httpx.NewClient(0))
	target := &models.DeliveryTarget{ContactID: 3, Handle: "bob@remote.example", NotifyURL: srv.URL}

	status, err := s.Transmit(context.Background(), target, []byte("<me:env/>"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, status)
	assert.Empty(t, q.entries)
	assert.Equal(t, false, h.marks[3])
}

func TestTransmit_UnreachableQueuesAndMarksDead(t *testing.T) {
	s, q, h, _ := newSender(&fakeTransport{err: errors.New("connection refused")})
	target := &models.DeliveryTarget{ContactID: 3, Handle: "bob@remote.example", NotifyURL: "https://dead.example/receive", Network: "dspr"}

	status, err := s.Transmit(context.Background(), target, []byte("<me:env/>"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	require.Len(t, q.entries, 1)
	assert.Equal(t, int64(3), q.entries[0].ContactID)
	assert.Equal(t, "<me:env/>", q.entries[0].Content)
	assert.False(t, q.entries[0].Batch)
	assert.True(t, h.marks[3])
}

func TestTransmit_RetryAfterQueues(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "120")
	s, q, _, _ := newSender(&fakeTransport{resp: &httpx.Response{StatusCode: 503, Header: header}})
	target := &models.DeliveryTarget{ContactID: 3, NotifyURL: "https://busy.example/receive"}

	status, err := s.Transmit(context.Background(), target, []byte("<me:env/>"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	assert.Len(t, q.entries, 1)
}

func TestTransmit_RejectionIsTerminal(t *testing.T) {
	s, q, _, _ := newSender(&fakeTransport{resp: &httpx.Response{StatusCode: 400, Header: http.Header{}}})
	target := &models.DeliveryTarget{ContactID: 3, NotifyURL: "https://strict.example/receive"}

	status, err := s.Transmit(context.Background(), target, []byte("<garbage/>"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)
	assert.Empty(t, q.entries)
}

func TestTransmit_BatchEndpointForPublic(t *testing.T) {
	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, _, _, _ := newSender(ft)
	target := &models.DeliveryTarget{
		ContactID: 3,
		BatchURL:  "https://remote.example/receive/public",
		NotifyURL: "https://remote.example/receive/users/abc",
	}

	_, err := s.Transmit(context.Background(), target, []byte("<me:env/>"), true)
	require.NoError(t, err)
	assert.Equal(t, target.BatchURL, ft.lastURL)
}

func TestSend_PublicEnvelopeRoundTrips(t *testing.T) {
	owner := testOwner(t)
	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, _, _, _ := newSender(ft)
	target := &models.DeliveryTarget{ContactID: 3, Handle: "bob@remote.example", BatchURL: "https://remote.example/receive/public"}

	body := []byte("<status_message><author>owner@local.example</author></status_message>")
	require.NoError(t, s.Send(context.Background(), owner, target, body, true))

	codec := envelope.NewCodec(keyMap{owner.Handle: &owner.PrivateKey.PublicKey}, testLogger())
	payload, author, err := codec.VerifyAndDecode(context.Background(), ft.lastBody, nil)
	require.NoError(t, err)
	assert.Equal(t, owner.Handle, author)
	assert.Equal(t, body, payload)
}

func TestSend_PrivateEnvelopeEncryptedToTarget(t *testing.T) {
	owner := testOwner(t)
	recipient, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	recipientPEM, err := cryptox.MarshalPublicKey(&recipient.PublicKey)
	require.NoError(t, err)

	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, _, _, _ := newSender(ft)
	target := &models.DeliveryTarget{
		ContactID: 3, Handle: "bob@remote.example",
		NotifyURL: "https://remote.example/receive/users/abc",
		PublicKey: string(recipientPEM),
	}

	body := []byte("<message><text>secret</text></message>")
	require.NoError(t, s.Send(context.Background(), owner, target, body, false))

	assert.NotContains(t, string(ft.lastBody), "secret")

	codec := envelope.NewCodec(keyMap{owner.Handle: &owner.PrivateKey.PublicKey}, testLogger())
	payload, _, err := codec.VerifyAndDecode(context.Background(), ft.lastBody, recipient)
	require.NoError(t, err)
	assert.Equal(t, body, payload)
}

func TestSendShare_RendersContactMessage(t *testing.T) {
	owner := testOwner(t)
	recipient, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	recipientPEM, err := cryptox.MarshalPublicKey(&recipient.PublicKey)
	require.NoError(t, err)

	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, _, _, _ := newSender(ft)
	person := &models.Person{
		Handle:    "carol@remote.example",
		NotifyURL: "https://remote.example/receive/users/carol",
		PublicKey: string(recipientPEM),
	}

	require.NoError(t, s.SendShare(context.Background(), owner, person))

	codec := envelope.NewCodec(keyMap{owner.Handle: &owner.PrivateKey.PublicKey}, testLogger())
	payload, _, err := codec.VerifyAndDecode(context.Background(), ft.lastBody, recipient)
	require.NoError(t, err)
	xml := string(payload)
	assert.Contains(t, xml, "<contact>")
	assert.Contains(t, xml, "<recipient>carol@remote.example</recipient>")
	assert.Contains(t, xml, "<following>true</following>")
	assert.Contains(t, xml, "<sharing>true</sharing>")
}

func TestSendFollowup_CommentIsFieldSigned(t *testing.T) {
	owner := testOwner(t)
	recipient, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	recipientPEM, err := cryptox.MarshalPublicKey(&recipient.PublicKey)
	require.NoError(t, err)

	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, _, _, _ := newSender(ft)
	target := &models.DeliveryTarget{
		ContactID: 3, Handle: "alice@remote.example",
		NotifyURL: "https://remote.example/receive/users/alice",
		PublicKey: string(recipientPEM),
	}
	parent := &models.Item{GUID: "p1"}
	item := &models.Item{GUID: "c1", Body: "well said", Verb: models.VerbPost}

	require.NoError(t, s.SendFollowup(context.Background(), owner, target, parent, item))

	codec := envelope.NewCodec(keyMap{owner.Handle: &owner.PrivateKey.PublicKey}, testLogger())
	payload, _, err := codec.VerifyAndDecode(context.Background(), ft.lastBody, recipient)
	require.NoError(t, err)

	xml := string(payload)
	open, closing := "<author_signature>", "</author_signature>"
	start := strings.Index(xml, open)
	end := strings.Index(xml, closing)
	require.True(t, start >= 0 && end > start)
	sig, err := base64.StdEncoding.DecodeString(xml[start+len(open) : end])
	require.NoError(t, err)

	signedText := "c1;p1;well said;owner@local.example"
	assert.True(t, cryptox.Verify([]byte(signedText), sig, &owner.PrivateKey.PublicKey))
}

func TestSendProfile_DeliversInline(t *testing.T) {
	owner := testOwner(t)
	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, q, _, _ := newSender(ft)
	target := &models.DeliveryTarget{ContactID: 3, Handle: "bob@remote.example", BatchURL: "https://remote.example/receive/public"}

	profile := map[string]string{"first_name": "Dana", "bio": "hello"}
	require.NoError(t, s.SendProfile(context.Background(), owner, target, profile, true, false))

	assert.Equal(t, 1, ft.calls)
	assert.Empty(t, q.entries)

	codec := envelope.NewCodec(keyMap{owner.Handle: &owner.PrivateKey.PublicKey}, testLogger())
	payload, _, err := codec.VerifyAndDecode(context.Background(), ft.lastBody, nil)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "<first_name>Dana</first_name>")
	assert.Contains(t, string(payload), "<bio>hello</bio>")
}

func TestSendProfile_SpoolEnqueuesWithoutAttempt(t *testing.T) {
	owner := testOwner(t)
	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, q, h, tg := newSender(ft)
	target := &models.DeliveryTarget{ContactID: 3, Handle: "bob@remote.example", BatchURL: "https://remote.example/receive/public"}

	profile := map[string]string{"first_name": "Dana"}
	require.NoError(t, s.SendProfile(context.Background(), owner, target, profile, true, true))

	// no POST happened; the envelope sits in the queue and the contact
	// keeps its live mark
	assert.Equal(t, 0, ft.calls)
	require.Len(t, q.entries, 1)
	assert.Equal(t, int64(3), q.entries[0].ContactID)
	assert.True(t, q.entries[0].Batch)
	assert.Empty(t, h.marks)

	codec := envelope.NewCodec(keyMap{owner.Handle: &owner.PrivateKey.PublicKey}, testLogger())
	payload, _, err := codec.VerifyAndDecode(context.Background(), []byte(q.entries[0].Content), nil)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "<first_name>Dana</first_name>")

	// the next drain pass delivers it
	tg.byID[3] = target
	require.NoError(t, s.DrainQueue(context.Background(), 10))
	assert.Equal(t, 1, ft.calls)
	assert.Equal(t, []int64{1}, q.deleted)
}

func TestRedeliver_SuccessDeletesEntry(t *testing.T) {
	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, q, h, tg := newSender(ft)
	tg.byID[3] = &models.DeliveryTarget{ContactID: 3, NotifyURL: "https://remote.example/receive/users/abc"}

	entry := &models.QueueEntry{ID: 7, ContactID: 3, Content: "<me:env/>"}
	require.NoError(t, s.Redeliver(context.Background(), entry))
	assert.Equal(t, []int64{7}, q.deleted)
	assert.Equal(t, false, h.marks[3])
}

func TestRedeliver_StillUnreachableTouches(t *testing.T) {
	s, q, _, tg := newSender(&fakeTransport{err: errors.New("timeout")})
	tg.byID[3] = &models.DeliveryTarget{ContactID: 3, NotifyURL: "https://dead.example/receive"}

	entry := &models.QueueEntry{ID: 7, ContactID: 3, Content: "<me:env/>"}
	require.NoError(t, s.Redeliver(context.Background(), entry))
	assert.Equal(t, []int64{7}, q.touched)
	assert.Empty(t, q.deleted)
}

func TestRedeliver_UnresolvableContactDropsEntry(t *testing.T) {
	s, q, _, _ := newSender(&fakeTransport{})

	entry := &models.QueueEntry{ID: 7, ContactID: 99, Content: "<me:env/>"}
	require.NoError(t, s.Redeliver(context.Background(), entry))
	assert.Equal(t, []int64{7}, q.deleted)
}

func TestDrainQueue(t *testing.T) {
	ft := &fakeTransport{resp: &httpx.Response{StatusCode: 200, Header: http.Header{}}}
	s, q, _, tg := newSender(ft)
	tg.byID[3] = &models.DeliveryTarget{ContactID: 3, NotifyURL: "https://remote.example/receive/users/abc"}
	q.entries = []*models.QueueEntry{
		{ID: 1, ContactID: 3, Content: "<a/>"},
		{ID: 2, ContactID: 3, Content: "<b/>"},
	}

	require.NoError(t, s.DrainQueue(context.Background(), 10))
	assert.Equal(t, []int64{1, 2}, q.deleted)
	assert.Equal(t, 2, ft.calls)
}

func TestNewGUID(t *testing.T) {
	g := NewGUID()
	assert.Len(t, g, 32)
	assert.NotContains(t, g, "-")
	assert.NotEqual(t, g, NewGUID())
}
