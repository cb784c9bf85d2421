package cryptox

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func TestSignVerify_RoundTrip(t *testing.T) {
	priv := testKey(t)
	text := []byte("data.YXBwbGljYXRpb24veG1s.YmFzZTY0dXJs.UlNBLVNIQTI1Ng")

	sig, err := Sign(text, priv)
	require.NoError(t, err)

	assert.True(t, Verify(text, sig, &priv.PublicKey))
}

func TestVerify_FailsOnAnyFlippedByte(t *testing.T) {
	priv := testKey(t)
	text := []byte("guid;alice@example.org;true;parent")

	sig, err := Sign(text, priv)
	require.NoError(t, err)

	for i := range text {
		mutated := bytes.Clone(text)
		mutated[i] ^= 0x01
		assert.False(t, Verify(mutated, sig, &priv.PublicKey), "byte %d", i)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	priv := testKey(t)
	other := testKey(t)

	sig, err := Sign([]byte("payload"), priv)
	require.NoError(t, err)

	assert.False(t, Verify([]byte("payload"), sig, &other.PublicKey))
}

func TestAES_RoundTrip(t *testing.T) {
	key, iv, err := GenerateAESKey()
	require.NoError(t, err)
	require.Len(t, key, 32)
	require.Len(t, iv, 16)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hi")},
		{"exact block", bytes.Repeat([]byte("a"), 16)},
		{"xml payload", []byte("<status_message><author>alice@example.org</author></status_message>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := EncryptAES(tt.plaintext, key, iv)
			require.NoError(t, err)
			// PKCS#7: a full padding block is always appended.
			require.NotEqual(t, len(tt.plaintext), len(ciphertext))

			plaintext, err := DecryptAES(ciphertext, key, iv)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, plaintext)
		})
	}
}

func TestDecryptAES_WrongKey(t *testing.T) {
	key, iv, err := GenerateAESKey()
	require.NoError(t, err)
	other, _, err := GenerateAESKey()
	require.NoError(t, err)

	ciphertext, err := EncryptAES([]byte("secret body"), key, iv)
	require.NoError(t, err)

	plaintext, err := DecryptAES(ciphertext, other, iv)
	if err == nil {
		// A wrong key can still yield valid-looking padding; the content
		// must differ in that case.
		assert.NotEqual(t, []byte("secret body"), plaintext)
	}
}

func TestRSAWrap_RoundTrip(t *testing.T) {
	priv := testKey(t)
	bundle := []byte(`{"iv":"aXY=","key":"a2V5"}`)

	ciphertext, err := EncryptRSA(bundle, &priv.PublicKey)
	require.NoError(t, err)

	plaintext, err := DecryptRSA(ciphertext, priv)
	require.NoError(t, err)
	assert.Equal(t, bundle, plaintext)
}

func TestRSAWrap_WrongKey(t *testing.T) {
	priv := testKey(t)
	other := testKey(t)

	ciphertext, err := EncryptRSA([]byte("bundle"), &priv.PublicKey)
	require.NoError(t, err)

	_, err = DecryptRSA(ciphertext, other)
	assert.Error(t, err)
}

func TestParsePublicKey_BothEncodings(t *testing.T) {
	priv := testKey(t)

	pkix, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	got, err := ParsePublicKey(pkix)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(got))
}

func TestParsePrivateKey_PKCS1(t *testing.T) {
	priv := testKey(t)

	got, err := ParsePrivateKey(MarshalPrivateKey(priv))
	require.NoError(t, err)
	assert.True(t, priv.Equal(got))
}

func TestParsePublicKey_Garbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("not pem at all"))
	assert.ErrorIs(t, err, ErrInvalidPEM)
}

func TestUnpad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"zero pad byte", append(bytes.Repeat([]byte{0}, 15), 0)},
		{"pad larger than block", append(bytes.Repeat([]byte{17}, 15), 17)},
		{"inconsistent padding", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 3, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unpad(tt.in, 16)
			assert.ErrorIs(t, err, ErrInvalidPadding)
		})
	}
}
