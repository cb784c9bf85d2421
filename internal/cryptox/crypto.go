// Package cryptox wraps the cryptographic primitives the federation
// protocol is built on: RSA-SHA256 signatures, AES-256-CBC with PKCS#7
// padding, and RSA-PKCS1v15 key wrapping.
//
// CBC with manual padding is kept deliberately: the wire format is shared
// with existing federation partners and the padding scheme and IV sizes
// must match bit-for-bit. Do not switch to GCM here.
package cryptox

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrInvalidPadding = errors.New("invalid pkcs7 padding")
	ErrInvalidPEM     = errors.New("invalid pem block")
)

// Sign computes the RSA-SHA256 (PKCS1v15) signature over text.
func Sign(text []byte, priv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(text)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("rsa sign error: %w", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid RSA-SHA256 signature of text.
func Verify(text, sig []byte, pub *rsa.PublicKey) bool {
	digest := sha256.Sum256(text)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// GenerateAESKey returns a random 32-byte AES-256 key and a random
// 16-byte IV.
func GenerateAESKey() (key, iv []byte, err error) {
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// EncryptAES encrypts plaintext with AES-256-CBC, padding with PKCS#7.
func EncryptAES(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// DecryptAES decrypts AES-256-CBC ciphertext and strips the PKCS#7 padding.
func DecryptAES(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext, aes.BlockSize)
}

// EncryptRSA wraps a small plaintext (a key bundle) for the recipient
// using RSA-PKCS1v15.
func EncryptRSA(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt error: %w", err)
	}
	return ciphertext, nil
}

// DecryptRSA unwraps an RSA-PKCS1v15 ciphertext with the importer's key.
func DecryptRSA(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt error: %w", err)
	}
	return plaintext, nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}

// ParsePublicKey reads an RSA public key from PEM. Both PKCS#1
// ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings occur in the wild,
// so both are accepted.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key parse error: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an rsa public key")
	}
	return pub, nil
}

// ParsePrivateKey reads an RSA private key from PEM, accepting PKCS#1 and
// PKCS#8 encodings.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key parse error: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an rsa private key")
	}
	return priv, nil
}

// MarshalPublicKey encodes an RSA public key as a PKIX PEM block.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKey encodes an RSA private key as a PKCS#1 PEM block.
func MarshalPrivateKey(priv *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}
