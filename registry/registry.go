// Package registry maps users to their device public keys and resolves the keys that must receive a copy of
// every message in a conversation.
//
// Methods run inside the caller's transaction (db.Run).
package registry

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/meow-io/go-sealed/clock"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/envelope"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/internal/db"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const MaxNameLength = 64

// Secrets answers whether a private key is held locally for a public key fingerprint.
type Secrets interface {
	Has(fingerprint string) bool
}

type Registry struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	db    *database
}

func NewRegistry(c *config.Config, d *db.Database, clk clock.Clock) (*Registry, error) {
	rd, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Registry{
		log:   c.Logger("registry"),
		clock: clk,
		db:    rd,
	}, nil
}

// CreateUser returns the existing user when name is already taken.
func (r *Registry) CreateUser(name string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation("user name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, errs.Validation("user name longer than %d characters", MaxNameLength)
	}
	existing, err := r.db.userByName(name)
	if err == nil {
		return existing, nil
	} else if !notFound(err) {
		return nil, err
	}
	u := &User{Name: name, CreatedAtMs: r.clock.CurrentTimeMs()}
	if err := r.db.insertUser(u); err != nil {
		return nil, err
	}
	r.log.Infof("created user id=%d", u.ID)
	return u, nil
}

func (r *Registry) User(id int64) (*User, error) {
	u, err := r.db.user(id)
	if err != nil {
		if notFound(err) {
			return nil, errs.NotFound("user %d not found", id)
		}
		return nil, err
	}
	return u, nil
}

// Register records publicKey (PKIX DER) for userID. Registering a known key returns the existing row and false.
func (r *Registry) Register(userID int64, publicKey []byte) (*DeviceKey, bool, error) {
	if len(publicKey) == 0 {
		return nil, false, errs.Validation("public key is required")
	}
	if _, err := envelope.ParsePublicKey(publicKey); err != nil {
		return nil, false, errs.Validation("public key is not a valid RSA key: %v", err)
	}
	if _, err := r.User(userID); err != nil {
		return nil, false, err
	}
	existing, err := r.db.deviceKey(userID, publicKey)
	if err == nil {
		return existing, false, nil
	} else if !notFound(err) {
		return nil, false, err
	}
	k := &DeviceKey{
		OwnerID:     userID,
		PublicKey:   publicKey,
		Fingerprint: envelope.Fingerprint(publicKey),
		CreatedAtMs: r.clock.CurrentTimeMs(),
	}
	if err := r.db.insertDeviceKey(k); err != nil {
		return nil, false, err
	}
	r.log.Infof("registered device key id=%d owner=%d fingerprint=%s", k.ID, userID, k.Fingerprint)
	return k, true, nil
}

func (r *Registry) KeysForUser(userID int64) ([]*DeviceKey, error) {
	return r.db.deviceKeysForUser(userID)
}

func (r *Registry) KeysByID(ids []int64) ([]*DeviceKey, error) {
	return r.db.deviceKeysByID(dedupe(ids))
}

// KeysForConversation returns every key of every member, each once, ordered by key id.
func (r *Registry) KeysForConversation(conversationID int64) ([]*DeviceKey, error) {
	if _, err := r.Conversation(conversationID); err != nil {
		return nil, err
	}
	return r.db.deviceKeysForConversation(conversationID)
}

// PairwiseConversation looks up the conversation between a and b, creating it and its members on first use.
func (r *Registry) PairwiseConversation(a, b int64) (*Conversation, error) {
	if a == b {
		return nil, errs.Validation("a conversation needs two distinct users")
	}
	for _, id := range []int64{a, b} {
		if _, err := r.User(id); err != nil {
			return nil, err
		}
	}
	if a > b {
		a, b = b, a
	}
	pairKey := fmt.Sprintf("%d:%d", a, b)
	existing, err := r.db.conversationByPairKey(pairKey)
	if err == nil {
		return existing, nil
	} else if !notFound(err) {
		return nil, err
	}

	c := &Conversation{Kind: KindPairwise, PairKey: pairKey, CreatedAtMs: r.clock.CurrentTimeMs()}
	if err := r.db.insertConversation(c); err != nil {
		return nil, err
	}
	for _, id := range []int64{a, b} {
		if err := r.db.insertMember(c.ID, id); err != nil {
			return nil, err
		}
	}
	r.log.Infof("created conversation id=%d between %d and %d", c.ID, a, b)
	return c, nil
}

func (r *Registry) Conversation(id int64) (*Conversation, error) {
	c, err := r.db.conversation(id)
	if err != nil {
		if notFound(err) {
			return nil, errs.NotFound("conversation %d not found", id)
		}
		return nil, err
	}
	return c, nil
}

func (r *Registry) Members(conversationID int64) ([]int64, error) {
	return r.db.members(conversationID)
}

func (r *Registry) IsMember(conversationID, userID int64) (bool, error) {
	return r.db.isMember(conversationID, userID)
}

// RequireMember fails with NotFound for an unknown conversation and Authorization for a non-member.
func (r *Registry) RequireMember(conversationID, userID int64) error {
	if _, err := r.Conversation(conversationID); err != nil {
		return err
	}
	ok, err := r.IsMember(conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Authorization("user %d is not a member of conversation %d", userID, conversationID)
	}
	return nil
}

func (r *Registry) ConversationsForUser(userID int64) ([]*Conversation, error) {
	return r.db.conversationsForUser(userID)
}

// FindMatchingKeyForLocalSecret returns the first candidate whose private key is held in secrets, or nil
// when the device must register a new key.
func FindMatchingKeyForLocalSecret(candidates []*DeviceKey, secrets Secrets) *DeviceKey {
	if secrets == nil {
		return nil
	}
	for _, k := range candidates {
		fp := k.Fingerprint
		if fp == "" {
			fp = envelope.Fingerprint(k.PublicKey)
		}
		if secrets.Has(fp) {
			return k
		}
	}
	return nil
}

func dedupe(ids []int64) []int64 {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := maps.Keys(set)
	slices.Sort(out)
	return out
}
