// Package keystore holds a device's private keys, keyed by the fingerprint of the matching public key.
//
// The store can be persisted to a single file sealed with secretbox under an argon2id key derived from a
// passphrase.
package keystore

import (
	crypto_rand "crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/secretbox"
	"github.com/meow-io/go-sealed/bencode"
	"github.com/meow-io/go-sealed/envelope"
	"golang.org/x/crypto/argon2"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const saltLen = 16

var ErrBadPassphrase = errors.New("keystore: unable to open store, wrong passphrase or corrupt file")

type Store struct {
	lock sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

type storedKey struct {
	Fingerprint string `bencode:"f"`
	PrivateKey  []byte `bencode:"k"`
}

type storeFile struct {
	Salt []byte `bencode:"s"`
	Box  []byte `bencode:"b"`
}

type storeBody struct {
	Keys []storedKey `bencode:"k"`
}

func New() *Store {
	return &Store{keys: make(map[string]*rsa.PrivateKey)}
}

// Put stores priv and returns the fingerprint it is filed under.
func (s *Store) Put(priv *rsa.PrivateKey) (string, error) {
	fp, err := envelope.PublicFingerprint(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys[fp] = priv
	return fp, nil
}

func (s *Store) Get(fingerprint string) (*rsa.PrivateKey, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	k, ok := s.keys[fingerprint]
	return k, ok
}

func (s *Store) Has(fingerprint string) bool {
	_, ok := s.Get(fingerprint)
	return ok
}

func (s *Store) Fingerprints() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	fps := maps.Keys(s.keys)
	slices.Sort(fps)
	return fps
}

// Clear drops every key, as when a device's local storage is wiped.
func (s *Store) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys = make(map[string]*rsa.PrivateKey)
}

func (s *Store) Save(path, passphrase string) error {
	body := storeBody{Keys: make([]storedKey, 0)}
	for _, fp := range s.Fingerprints() {
		priv, _ := s.Get(fp)
		der, err := envelope.MarshalPrivateKey(priv)
		if err != nil {
			return fmt.Errorf("keystore: error encoding key %s: %w", fp, err)
		}
		body.Keys = append(body.Keys, storedKey{Fingerprint: fp, PrivateKey: der})
	}
	plain, err := bencode.Serialize(&body)
	if err != nil {
		return err
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(crypto_rand.Reader, salt); err != nil {
		return err
	}
	f := storeFile{
		Salt: salt,
		Box:  secretbox.EasySeal(plain, deriveKey(passphrase, salt)),
	}
	out, err := bencode.Serialize(&f)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("keystore: error writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// Load reads a store written by Save. A missing file yields an empty store.
func Load(path, passphrase string) (*Store, error) {
	buf, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	var f storeFile
	if err := bencode.Deserialize(buf, &f); err != nil {
		return nil, fmt.Errorf("keystore: error decoding %s: %w", path, err)
	}
	plain, err := secretbox.EasyOpen(f.Box, deriveKey(passphrase, f.Salt))
	if err != nil {
		return nil, ErrBadPassphrase
	}
	var body storeBody
	if err := bencode.Deserialize(plain, &body); err != nil {
		return nil, fmt.Errorf("keystore: error decoding body: %w", err)
	}
	s := New()
	for _, k := range body.Keys {
		priv, err := envelope.ParsePrivateKey(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("keystore: error decoding key %s: %w", k.Fingerprint, err)
		}
		s.keys[k.Fingerprint] = priv
	}
	return s, nil
}

func deriveKey(passphrase string, salt []byte) nacl.Key {
	return nacl.Key(argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, nacl.KeySize))
}
