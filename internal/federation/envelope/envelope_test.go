package envelope

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/logging"
)

type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) PublicKey(_ context.Context, handle string) (*rsa.PublicKey, error) {
	pub, ok := s[handle]
	if !ok {
		return nil, common.ErrKeyResolutionFailed
	}
	return pub, nil
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func TestBuildPublic_RoundTrip(t *testing.T) {
	priv := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &priv.PublicKey}, testLogger())

	payload := []byte("<status_message><author>alice@example.org</author><guid>g1</guid></status_message>")
	env, err := BuildPublic(payload, "alice@example.org", priv)
	require.NoError(t, err)

	got, author, err := codec.VerifyAndDecode(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "alice@example.org", author)
}

func TestBuildFetch_SharesSignableConstruction(t *testing.T) {
	priv := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &priv.PublicKey}, testLogger())

	env, err := BuildFetch([]byte("<status_message><guid>g7</guid></status_message>"), "alice@example.org", priv)
	require.NoError(t, err)

	_, author, err := codec.VerifyAndDecode(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", author)
}

func TestVerifyAndDecode_TamperedPayload(t *testing.T) {
	priv := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &priv.PublicKey}, testLogger())

	env, err := BuildPublic([]byte("<comment><guid>g1</guid></comment>"), "alice@example.org", priv)
	require.NoError(t, err)

	// Replace the data element content with a differently signed payload.
	forged := []byte("<comment><guid>g2</guid></comment>")
	forgedData := base64.URLEncoding.EncodeToString(forged)
	s := string(env)
	open := strings.Index(s, "<me:data")
	openEnd := strings.Index(s[open:], ">") + open + 1
	closeIdx := strings.Index(s, "</me:data>")
	tampered := s[:openEnd] + forgedData + s[closeIdx:]

	_, _, err = codec.VerifyAndDecode(context.Background(), []byte(tampered), nil)
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)
}

func TestVerifyAndDecode_UnknownSigner(t *testing.T) {
	priv := testKey(t)
	codec := NewCodec(staticKeys{}, testLogger())

	env, err := BuildPublic([]byte("<like/>"), "bob@example.org", priv)
	require.NoError(t, err)

	_, _, err = codec.VerifyAndDecode(context.Background(), env, nil)
	assert.ErrorIs(t, err, common.ErrKeyResolutionFailed)
}

func TestVerifyAndDecode_MalformedXML(t *testing.T) {
	codec := NewCodec(staticKeys{}, testLogger())

	_, _, err := codec.VerifyAndDecode(context.Background(), []byte("<diaspora><header>"), nil)
	assert.ErrorIs(t, err, common.ErrMalformedEnvelope)

	_, _, err = codec.VerifyAndDecode(context.Background(), []byte("<diaspora></diaspora>"), nil)
	assert.ErrorIs(t, err, common.ErrMalformedEnvelope)
}

// The envelope element historically appears at three nesting depths; all
// must verify.
func TestVerifyAndDecode_HistoricalNestings(t *testing.T) {
	priv := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &priv.PublicKey}, testLogger())

	env, err := BuildPublic([]byte("<like><guid>g</guid></like>"), "alice@example.org", priv)
	require.NoError(t, err)
	s := string(env)

	meEnvStart := strings.Index(s, "<me:env>")
	meEnvEnd := strings.Index(s, "</me:env>") + len("</me:env>")
	meEnv := s[meEnvStart:meEnvEnd]
	header := `<header><author_id>alice@example.org</author_id></header>`

	tests := []struct {
		name string
		doc  string
	}{
		{"under diaspora root", s},
		{
			"entry wrapped",
			fmt.Sprintf(`<diaspora xmlns=%q xmlns:me=%q>%s<entry>%s</entry></diaspora>`,
				xmlnsDiaspora, xmlnsMagicEnv, header, meEnv),
		},
		{
			// Fetch responses: no header element, author comes from the
			// sig key_id attribute.
			"env as document root",
			xml.Header + meEnv,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, author, err := codec.VerifyAndDecode(context.Background(), []byte(tt.doc), nil)
			require.NoError(t, err)
			assert.Equal(t, "alice@example.org", author)
			assert.Equal(t, []byte("<like><guid>g</guid></like>"), payload)
		})
	}
}

func TestBuildPrivate_RoundTrip(t *testing.T) {
	sender := testKey(t)
	recipient := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &sender.PublicKey}, testLogger())

	payload := []byte("<conversation><subject>hello</subject></conversation>")
	env, err := BuildPrivate(payload, "alice@example.org", sender, &recipient.PublicKey)
	require.NoError(t, err)

	// The plaintext payload must not appear anywhere in the envelope.
	assert.NotContains(t, string(env), "hello")

	got, author, err := codec.VerifyAndDecode(context.Background(), env, recipient)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "alice@example.org", author)
}

func TestBuildPrivate_WrongImporterKey(t *testing.T) {
	sender := testKey(t)
	recipient := testKey(t)
	wrong := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &sender.PublicKey}, testLogger())

	env, err := BuildPrivate([]byte("<message/>"), "alice@example.org", sender, &recipient.PublicKey)
	require.NoError(t, err)

	_, _, err = codec.VerifyAndDecode(context.Background(), env, wrong)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestBuildPrivate_NoImporterKey(t *testing.T) {
	sender := testKey(t)
	recipient := testKey(t)
	codec := NewCodec(staticKeys{"alice@example.org": &sender.PublicKey}, testLogger())

	env, err := BuildPrivate([]byte("<message/>"), "alice@example.org", sender, &recipient.PublicKey)
	require.NoError(t, err)

	_, _, err = codec.VerifyAndDecode(context.Background(), env, nil)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestSignable_Construction(t *testing.T) {
	got := signable("ZGF0YQ==")
	want := "ZGF0YQ==." +
		base64.URLEncoding.EncodeToString([]byte("application/xml")) + "." +
		base64.URLEncoding.EncodeToString([]byte("base64url")) + "." +
		base64.URLEncoding.EncodeToString([]byte("RSA-SHA256"))
	assert.Equal(t, want, string(got))
}

func TestStripWhitespace(t *testing.T) {
	assert.Equal(t, "abc123", stripWhitespace(" a b\tc\n1 2\r3 "))
}
