// Package envelope seals a plaintext for exactly one recipient public key.
//
// An envelope carries a fresh XChaCha20-Poly1305 content key wrapped with RSA-OAEP(SHA-256), the nonce and the
// sealed body, bencoded. Every call draws a new content key and nonce, so two envelopes of the same plaintext
// are never identical.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/meow-io/go-sealed/bencode"
	"github.com/meow-io/go-sealed/errs"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	Version = uint8(1)
	KeyBits = 2048
)

var ErrWrongKeyType = errors.New("envelope: not an RSA key")

type sealed struct {
	Version    uint8  `bencode:"v"`
	WrappedKey []byte `bencode:"k"`
	Nonce      []byte `bencode:"n"`
	Body       []byte `bencode:"c"`
}

func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, KeyBits)
}

func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("envelope: error parsing public key: %w", err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, ErrWrongKeyType
	}
	return pub, nil
}

func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(priv)
}

func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("envelope: error parsing private key: %w", err)
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrWrongKeyType
	}
	return priv, nil
}

// Fingerprint identifies a DER encoded public key in the client secret store.
func Fingerprint(pubDER []byte) string {
	sum := sha256.Sum256(pubDER)
	return hex.EncodeToString(sum[:])
}

// PublicFingerprint is Fingerprint over the PKIX encoding of pub.
func PublicFingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return Fingerprint(der), nil
}

func Seal(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("envelope: nil public key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: error generating content key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: error generating nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: error wrapping content key: %w", err)
	}
	s := sealed{
		Version:    Version,
		WrappedKey: wrapped,
		Nonce:      nonce,
		Body:       aead.Seal(nil, nonce, plaintext, []byte{Version}),
	}
	return bencode.Serialize(&s)
}

// Open fails with an error matching errs.ErrDecryption for a malformed envelope, the wrong key or a failed tag.
func Open(env []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, errs.Decryption(nil, "no private key")
	}
	var s sealed
	if err := bencode.Deserialize(env, &s); err != nil {
		return nil, errs.Decryption(err, "malformed envelope")
	}
	if s.Version != Version {
		return nil, errs.Decryption(nil, "unsupported envelope version %d", s.Version)
	}
	if len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errs.Decryption(nil, "expected nonce of length %d, got %d", chacha20poly1305.NonceSizeX, len(s.Nonce))
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, s.WrappedKey, nil)
	if err != nil {
		return nil, errs.Decryption(err, "unable to unwrap content key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.Decryption(err, "bad content key")
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Body, []byte{s.Version})
	if err != nil {
		return nil, errs.Decryption(err, "unable to open envelope")
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
