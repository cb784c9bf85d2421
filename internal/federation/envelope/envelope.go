// Package envelope implements the signed transport wrapper (magic
// envelope) federation partners exchange, in its public, private
// (encrypted) and fetch variants.
//
// The byte-level layout is fixed by the existing federation network:
// base64url payload with whitespace stripped after encoding, the
// `data.type.encoding.alg` signable string, AES-256-CBC with PKCS#7
// padding for the private header and payload, and RSA-PKCS1v15 key
// wrapping. None of it may drift.
package envelope

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/cryptox"
	"github.com/dsievert/federation/internal/logging"
)

const (
	payloadType = "application/xml"
	payloadEnc  = "base64url"
	payloadAlg  = "RSA-SHA256"

	xmlnsDiaspora = "https://joindiaspora.com/protocol"
	xmlnsMagicEnv = "http://salmon-protocol.org/ns/magic-env"
)

// KeySource resolves a federated handle to the signer's public key.
type KeySource interface {
	PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error)
}

// Codec verifies and decodes inbound envelopes. Building outbound
// envelopes needs no resolver and is exposed as package functions.
type Codec struct {
	keys KeySource
	log  logging.Logger
}

func NewCodec(keys KeySource, log logging.Logger) *Codec {
	return &Codec{keys: keys, log: log}
}

// signable composes the string the envelope signature covers. data must
// already be the compacted base64url payload.
func signable(data string) []byte {
	b64 := func(s string) string {
		return base64.URLEncoding.EncodeToString([]byte(s))
	}
	return []byte(data + "." + b64(payloadType) + "." + b64(payloadEnc) + "." + b64(payloadAlg))
}

// stripWhitespace removes every whitespace character. The signature covers
// the compacted base64url form, so stripping must happen after encoding
// and before signing.
func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// BuildPublic wraps payload in a signed, unencrypted envelope naming
// author as the sender.
func BuildPublic(payload []byte, author string, priv *rsa.PrivateKey) ([]byte, error) {
	return build(payload, author, priv, "")
}

// BuildFetch builds the signed envelope used to serve a public post to a
// remote server requesting it by guid. It is the public envelope; fetch
// responses share the exact signable-string construction.
func BuildFetch(payload []byte, author string, priv *rsa.PrivateKey) ([]byte, error) {
	return BuildPublic(payload, author, priv)
}

// BuildPrivate wraps payload in a signed envelope whose body and header
// are encrypted for the given recipient.
//
// Two AES-256 key/iv pairs are involved: the inner pair encrypts the
// payload, the outer pair encrypts a header document carrying the inner
// pair and the sender handle. The outer pair itself travels RSA-encrypted
// to the recipient.
func BuildPrivate(payload []byte, author string, priv *rsa.PrivateKey, recipient *rsa.PublicKey) ([]byte, error) {
	innerKey, innerIV, err := cryptox.GenerateAESKey()
	if err != nil {
		return nil, err
	}
	innerCipher, err := cryptox.EncryptAES(payload, innerKey, innerIV)
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf("<decrypted_header><iv>%s</iv><aes_key>%s</aes_key><author_id>%s</author_id></decrypted_header>",
		base64.StdEncoding.EncodeToString(innerIV),
		base64.StdEncoding.EncodeToString(innerKey),
		escape(author))

	outerKey, outerIV, err := cryptox.GenerateAESKey()
	if err != nil {
		return nil, err
	}
	headerCipher, err := cryptox.EncryptAES([]byte(header), outerKey, outerIV)
	if err != nil {
		return nil, err
	}

	bundle, err := json.Marshal(map[string]string{
		"iv":  base64.StdEncoding.EncodeToString(outerIV),
		"key": base64.StdEncoding.EncodeToString(outerKey),
	})
	if err != nil {
		return nil, err
	}
	wrappedBundle, err := cryptox.EncryptRSA(bundle, recipient)
	if err != nil {
		return nil, err
	}

	combined, err := json.Marshal(map[string]string{
		"aes_key":    base64.StdEncoding.EncodeToString(wrappedBundle),
		"ciphertext": base64.StdEncoding.EncodeToString(headerCipher),
	})
	if err != nil {
		return nil, err
	}
	encryptedHeader := base64.StdEncoding.EncodeToString(combined)

	// The envelope body is the base64 of the inner ciphertext; the magic
	// envelope encoding is applied on top of that.
	return build([]byte(base64.StdEncoding.EncodeToString(innerCipher)), author, priv, encryptedHeader)
}

func build(payload []byte, author string, priv *rsa.PrivateKey, encryptedHeader string) ([]byte, error) {
	data := stripWhitespace(base64.URLEncoding.EncodeToString(payload))

	sig, err := cryptox.Sign(signable(data), priv)
	if err != nil {
		return nil, err
	}

	keyID := base64.URLEncoding.EncodeToString([]byte(author))

	var b strings.Builder
	b.WriteString(xml.Header)
	fmt.Fprintf(&b, "<diaspora xmlns=%q xmlns:me=%q>\n", xmlnsDiaspora, xmlnsMagicEnv)
	if encryptedHeader != "" {
		fmt.Fprintf(&b, "  <encrypted_header>%s</encrypted_header>\n", encryptedHeader)
	} else {
		fmt.Fprintf(&b, "  <header>\n    <author_id>%s</author_id>\n  </header>\n", escape(author))
	}
	b.WriteString("  <me:env>\n")
	fmt.Fprintf(&b, "    <me:data type=%q>%s</me:data>\n", payloadType, data)
	fmt.Fprintf(&b, "    <me:encoding>%s</me:encoding>\n", payloadEnc)
	fmt.Fprintf(&b, "    <me:alg>%s</me:alg>\n", payloadAlg)
	fmt.Fprintf(&b, "    <me:sig key_id=%q>%s</me:sig>\n", keyID, base64.URLEncoding.EncodeToString(sig))
	b.WriteString("  </me:env>\n</diaspora>\n")

	return []byte(b.String()), nil
}

// node is a generic XML element used for schema-tolerant parsing.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

func (n *node) child(local string) *node {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (n *node) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// findEnv locates the me:env element. Three historical nestings occur on
// the network: the envelope as document root, directly under the diaspora
// root, and one level deeper (entry-wrapped).
func findEnv(root *node) *node {
	if root.XMLName.Local == "env" {
		return root
	}
	if env := root.child("env"); env != nil {
		return env
	}
	for i := range root.Nodes {
		if env := root.Nodes[i].child("env"); env != nil {
			return env
		}
	}
	return nil
}

type encryptedHeader struct {
	AESKey     string `json:"aes_key"`
	Ciphertext string `json:"ciphertext"`
}

type keyBundle struct {
	IV  string `json:"iv"`
	Key string `json:"key"`
}

// VerifyAndDecode parses an inbound envelope, verifies its signature
// against the claimed sender's resolved public key and returns the raw
// payload together with the authenticated author handle. importerKey is
// required for encrypted envelopes and ignored otherwise.
func (c *Codec) VerifyAndDecode(ctx context.Context, raw []byte, importerKey *rsa.PrivateKey) ([]byte, string, error) {
	var root node
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, "", fmt.Errorf("%w: %v", common.ErrMalformedEnvelope, err)
	}

	env := findEnv(&root)
	if env == nil {
		return nil, "", fmt.Errorf("%w: no magic envelope element", common.ErrMalformedEnvelope)
	}

	dataNode := env.child("data")
	sigNode := env.child("sig")
	if dataNode == nil || sigNode == nil {
		return nil, "", fmt.Errorf("%w: missing data or sig", common.ErrMalformedEnvelope)
	}
	data := stripWhitespace(dataNode.Text)

	var author string
	var innerKey, innerIV []byte

	if enc := root.child("encrypted_header"); enc != nil {
		if importerKey == nil {
			return nil, "", fmt.Errorf("%w: encrypted envelope without importer key", common.ErrDecryptionFailed)
		}
		var err error
		author, innerKey, innerIV, err = decryptHeader(enc.Text, importerKey)
		if err != nil {
			return nil, "", err
		}
	} else if header := root.child("header"); header != nil {
		if authorID := header.child("author_id"); authorID != nil {
			author = strings.TrimSpace(authorID.Text)
		}
	}
	if author == "" {
		// Fetch responses carry the envelope as document root with the
		// handle only in the sig key_id attribute.
		if keyID, err := base64.URLEncoding.DecodeString(sigNode.attr("key_id")); err == nil {
			author = strings.TrimSpace(string(keyID))
		}
	}
	if author == "" {
		return nil, "", fmt.Errorf("%w: no author", common.ErrMalformedEnvelope)
	}

	pub, err := c.keys.PublicKey(ctx, author)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", common.ErrKeyResolutionFailed, author, err)
	}

	sig, err := base64.URLEncoding.DecodeString(stripWhitespace(sigNode.Text))
	if err != nil {
		return nil, "", fmt.Errorf("%w: undecodable signature", common.ErrMalformedEnvelope)
	}
	if !cryptox.Verify(signable(data), sig, pub) {
		return nil, "", fmt.Errorf("%w: envelope signature from %s", common.ErrSignatureInvalid, author)
	}

	payload, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: undecodable payload", common.ErrMalformedEnvelope)
	}

	if innerKey != nil {
		ciphertext, err := base64.StdEncoding.DecodeString(stripWhitespace(string(payload)))
		if err != nil {
			return nil, "", fmt.Errorf("%w: inner ciphertext encoding", common.ErrDecryptionFailed)
		}
		payload, err = cryptox.DecryptAES(ciphertext, innerKey, innerIV)
		if err != nil {
			return nil, "", fmt.Errorf("%w: payload: %v", common.ErrDecryptionFailed, err)
		}
	}

	c.log.Debug(ctx, "envelope verified", "author", author, "encrypted", innerKey != nil)

	return payload, author, nil
}

func decryptHeader(encoded string, importerKey *rsa.PrivateKey) (author string, key, iv []byte, err error) {
	combinedJSON, err := base64.StdEncoding.DecodeString(stripWhitespace(encoded))
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: encrypted header encoding", common.ErrDecryptionFailed)
	}
	var combined encryptedHeader
	if err := json.Unmarshal(combinedJSON, &combined); err != nil {
		return "", nil, nil, fmt.Errorf("%w: encrypted header json", common.ErrDecryptionFailed)
	}

	wrappedBundle, err := base64.StdEncoding.DecodeString(combined.AESKey)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: key bundle encoding", common.ErrDecryptionFailed)
	}
	bundleJSON, err := cryptox.DecryptRSA(wrappedBundle, importerKey)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: key bundle: %v", common.ErrDecryptionFailed, err)
	}
	var bundle keyBundle
	if err := json.Unmarshal(bundleJSON, &bundle); err != nil {
		return "", nil, nil, fmt.Errorf("%w: key bundle json", common.ErrDecryptionFailed)
	}

	outerKey, err := base64.StdEncoding.DecodeString(bundle.Key)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: outer key encoding", common.ErrDecryptionFailed)
	}
	outerIV, err := base64.StdEncoding.DecodeString(bundle.IV)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: outer iv encoding", common.ErrDecryptionFailed)
	}

	headerCipher, err := base64.StdEncoding.DecodeString(combined.Ciphertext)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: header ciphertext encoding", common.ErrDecryptionFailed)
	}
	headerXML, err := cryptox.DecryptAES(headerCipher, outerKey, outerIV)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: header: %v", common.ErrDecryptionFailed, err)
	}

	var header node
	if err := xml.Unmarshal(headerXML, &header); err != nil {
		return "", nil, nil, fmt.Errorf("%w: header xml", common.ErrDecryptionFailed)
	}

	ivNode := header.child("iv")
	keyNode := header.child("aes_key")
	authorNode := header.child("author_id")
	if ivNode == nil || keyNode == nil || authorNode == nil {
		return "", nil, nil, fmt.Errorf("%w: incomplete header", common.ErrDecryptionFailed)
	}

	iv, err = base64.StdEncoding.DecodeString(ivNode.Text)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: inner iv encoding", common.ErrDecryptionFailed)
	}
	key, err = base64.StdEncoding.DecodeString(keyNode.Text)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: inner key encoding", common.ErrDecryptionFailed)
	}

	return strings.TrimSpace(authorNode.Text), key, iv, nil
}
