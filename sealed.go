// This package provides the relay: the server side of an end-to-end encrypted chat. It stores and relays one
// ciphertext per recipient device key and never sees plaintext or private keys.
//
// A Relay wraps the registry, the batch store and the fanout publisher. Every operation runs in a single
// database transaction, and events describing the change are published only once that transaction commits.
package sealed

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meow-io/go-sealed/clock"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/fanout"
	"github.com/meow-io/go-sealed/internal/db"
	"github.com/meow-io/go-sealed/messaging"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/meow-io/go-sealed/registry"
	"go.uber.org/zap"
)

const (
	// Constants for relay state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// A conversation as listed for one of its members.
type ConversationEntry struct {
	Conversation *registry.Conversation
	// Everyone but the user the list was built for.
	Others  []*registry.User
	Summary *fanout.ConversationSummary
}

type Relay struct {
	DB        *db.Database
	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	clock     clock.Clock
	broker    pubsub.Broker
	registry  *registry.Registry
	messages  *messaging.Manager
	publisher *fanout.Publisher
}

// Create a relay storing its database under c.RootDir and publishing through broker. The relay owns the broker
// and closes it on shutdown.
func NewRelay(c *config.Config, broker pubsub.Broker) (*Relay, error) {
	return newRelay(c, broker, clock.NewSystemClock())
}

func newRelay(c *config.Config, broker pubsub.Broker, clk clock.Clock) (*Relay, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making relay, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Relay{
		DB:     d,
		config: c,
		log:    log,
		state:  state,
		clock:  clk,
		broker: broker,
	}, nil
}

// Makes a database key from a password.
func (r *Relay) NewKey(password string) ([]byte, error) {
	return db.DeriveKey(password, r.config.RootDir, "salt")
}

func (r *Relay) New() bool {
	return r.state == StateNew
}

func (r *Relay) Initialized() bool {
	return r.state == StateInitialized
}

func (r *Relay) Running() bool {
	return r.state == StateRunning
}

// Open the relay with key, creating the database on first use.
func (r *Relay) Open(key []byte) error {
	if r.state == StateRunning {
		return errors.New("relay is already running")
	}
	if err := r.DB.Open(key); err != nil {
		return err
	}
	reg, err := registry.NewRegistry(r.config, r.DB, r.clock)
	if err != nil {
		return err
	}
	msgs, err := messaging.NewManager(r.config, r.DB, reg, r.clock)
	if err != nil {
		return err
	}
	pub, err := fanout.NewPublisher(r.config, r.DB, r.broker, reg, msgs)
	if err != nil {
		return err
	}
	r.registry = reg
	r.messages = msgs
	r.publisher = pub
	r.state = StateRunning
	r.log.Infof("relay running")
	return nil
}

// Gracefully stop the relay. The broker is closed after the database.
func (r *Relay) Shutdown() error {
	if r.state != StateRunning {
		return nil
	}
	errs := make([]string, 0)
	if err := r.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := r.broker.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	r.registry = nil
	r.messages = nil
	r.publisher = nil
	r.state = StateInitialized
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	return nil
}

// The broker events are published through. Subscribers should go through CanSubscribe first.
func (r *Relay) Broker() pubsub.Broker {
	return r.broker
}

func (r *Relay) Config() *config.Config {
	return r.config
}

func (r *Relay) CreateUser(name string) (*registry.User, error) {
	var u *registry.User
	return u, r.run("create user", func() error {
		var err error
		u, err = r.registry.CreateUser(name)
		return err
	})
}

func (r *Relay) User(userID int64) (*registry.User, error) {
	var u *registry.User
	return u, r.runReadOnly("get user", func() error {
		var err error
		u, err = r.registry.User(userID)
		return err
	})
}

// Register a device public key (PKIX DER) for userID. The bool reports whether the key is new.
func (r *Relay) RegisterKey(userID int64, publicKey []byte) (*registry.DeviceKey, bool, error) {
	var k *registry.DeviceKey
	var created bool
	return k, created, r.run(fmt.Sprintf("register key for %d", userID), func() error {
		var err error
		k, created, err = r.registry.Register(userID, publicKey)
		return err
	})
}

func (r *Relay) KeysForUser(userID int64) ([]*registry.DeviceKey, error) {
	var keys []*registry.DeviceKey
	return keys, r.runReadOnly("keys for user", func() error {
		if _, err := r.registry.User(userID); err != nil {
			return err
		}
		var err error
		keys, err = r.registry.KeysForUser(userID)
		return err
	})
}

// Public keys are not secret, so any caller may resolve them by id.
func (r *Relay) KeysByID(ids []int64) ([]*registry.DeviceKey, error) {
	var keys []*registry.DeviceKey
	return keys, r.runReadOnly("keys by id", func() error {
		var err error
		keys, err = r.registry.KeysByID(ids)
		return err
	})
}

// Find or create the pairwise conversation between a and b.
func (r *Relay) PairwiseConversation(a, b int64) (*registry.Conversation, error) {
	var conv *registry.Conversation
	return conv, r.run("pairwise conversation", func() error {
		var err error
		conv, err = r.registry.PairwiseConversation(a, b)
		return err
	})
}

// The keys a sender must seal a message for, each once. callerID must be a member.
func (r *Relay) KeysForConversation(callerID, conversationID int64) ([]*registry.DeviceKey, error) {
	var keys []*registry.DeviceKey
	return keys, r.runReadOnly("keys for conversation", func() error {
		if err := r.registry.RequireMember(conversationID, callerID); err != nil {
			return err
		}
		var err error
		keys, err = r.registry.KeysForConversation(conversationID)
		return err
	})
}

// Store one logical message as a batch of sealed copies and announce it.
func (r *Relay) SendBatch(senderID, conversationID int64, copies []messaging.SealedCopy) (*messaging.Batch, error) {
	var b *messaging.Batch
	return b, r.run(fmt.Sprintf("send batch to %d", conversationID), func() error {
		var err error
		b, err = r.messages.WriteBatch(conversationID, senderID, copies)
		if err != nil {
			return err
		}
		return r.publisher.BatchCreated(b)
	})
}

// Mark rows addressed to readerID as delivered. Returns the rows that changed; repeating the call changes
// nothing and publishes nothing.
func (r *Relay) MarkDelivered(readerID, conversationID int64, rowIDs []int64) ([]*messaging.Row, error) {
	var rows []*messaging.Row
	return rows, r.run("mark delivered", func() error {
		var err error
		rows, err = r.messages.MarkDelivered(readerID, conversationID, rowIDs)
		if err != nil {
			return err
		}
		return r.publisher.StatusChanged(readerID, conversationID, rows)
	})
}

// Mark every row of the batches behind rowIDs that is addressed to readerID as read.
func (r *Relay) MarkRead(readerID, conversationID int64, rowIDs []int64) ([]*messaging.Row, error) {
	var rows []*messaging.Row
	return rows, r.run("mark read", func() error {
		var err error
		rows, err = r.messages.MarkRead(readerID, conversationID, rowIDs)
		if err != nil {
			return err
		}
		return r.publisher.StatusChanged(readerID, conversationID, rows)
	})
}

// The sender's view of a batch, used to re-seal it for an edit.
func (r *Relay) BatchRows(senderID, batchID int64) ([]*messaging.RowRef, error) {
	var refs []*messaging.RowRef
	return refs, r.runReadOnly("batch rows", func() error {
		var err error
		refs, err = r.messages.BatchRows(senderID, batchID)
		return err
	})
}

// Replace the ciphertexts of a batch in place and announce the edit.
func (r *Relay) EditBatch(senderID, batchID int64, copies []messaging.SealedCopy) (*messaging.Batch, error) {
	var b *messaging.Batch
	return b, r.run(fmt.Sprintf("edit batch %d", batchID), func() error {
		var err error
		b, err = r.messages.EditBatch(senderID, batchID, copies)
		if err != nil {
			return err
		}
		return r.publisher.BatchEdited(b)
	})
}

func (r *Relay) Page(callerID int64, req messaging.PageRequest) (*messaging.Page, error) {
	var p *messaging.Page
	return p, r.runReadOnly("page", func() error {
		var err error
		p, err = r.messages.Page(callerID, req)
		return err
	})
}

func (r *Relay) UnreadCount(userID, conversationID int64) (int, error) {
	var n int
	return n, r.runReadOnly("unread count", func() error {
		if err := r.registry.RequireMember(conversationID, userID); err != nil {
			return err
		}
		var err error
		n, err = r.messages.UnreadCount(conversationID, userID)
		return err
	})
}

// Conversations lists userID's conversations, most recently active first.
func (r *Relay) Conversations(userID int64) ([]*ConversationEntry, error) {
	var entries []*ConversationEntry
	if err := r.runReadOnly("conversations", func() error {
		if _, err := r.registry.User(userID); err != nil {
			return err
		}
		convs, err := r.registry.ConversationsForUser(userID)
		if err != nil {
			return err
		}
		entries = make([]*ConversationEntry, 0, len(convs))
		for _, conv := range convs {
			members, err := r.registry.Members(conv.ID)
			if err != nil {
				return err
			}
			others := make([]*registry.User, 0, len(members))
			for _, id := range members {
				if id == userID {
					continue
				}
				u, err := r.registry.User(id)
				if err != nil {
					return err
				}
				others = append(others, u)
			}
			summary, err := r.publisher.Summary(conv.ID, userID)
			if err != nil {
				return err
			}
			entries = append(entries, &ConversationEntry{Conversation: conv, Others: others, Summary: summary})
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return lastActivity(entries[i]) > lastActivity(entries[j])
	})
	return entries, nil
}

func lastActivity(e *ConversationEntry) uint64 {
	if len(e.Summary.Rows) == 0 {
		return e.Conversation.CreatedAtMs
	}
	return e.Summary.Rows[0].CreatedAtMs
}

// CanSubscribe reports whether userID may listen on channel: conversation channels need membership and a
// user's conversation list channel is private to that user.
func (r *Relay) CanSubscribe(userID int64, channel string) error {
	kind, id := fanout.ParseChannel(channel)
	switch kind {
	case fanout.ChannelUser:
		if id != userID {
			return errs.Authorization("user %d cannot subscribe to %s", userID, channel)
		}
		return nil
	case fanout.ChannelConversation:
		return r.runReadOnly("can subscribe", func() error {
			return r.registry.RequireMember(id, userID)
		})
	default:
		return errs.Validation("unknown channel %q", channel)
	}
}

func (r *Relay) run(label string, f func() error) error {
	if r.state != StateRunning {
		return errors.New("relay is not running")
	}
	return r.DB.Run(label, f)
}

func (r *Relay) runReadOnly(label string, f func() error) error {
	if r.state != StateRunning {
		return errors.New("relay is not running")
	}
	return r.DB.RunReadOnly(label, f)
}
