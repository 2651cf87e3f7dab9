// Package client is the device side of the relay: it owns the private keys, seals every message once per
// recipient device key and opens the rows addressed to its own key.
package client

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/envelope"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/fanout"
	"github.com/meow-io/go-sealed/keystore"
	"github.com/meow-io/go-sealed/messaging"
	"github.com/meow-io/go-sealed/payload"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/meow-io/go-sealed/registry"
	"go.uber.org/zap"
)

const (
	PlaceholderNoKey  = "[Unable to decrypt - private key not loaded]"
	PlaceholderFailed = "[Decryption failed]"
)

// Server is the relay as seen from a device.
type Server interface {
	KeysForUser(userID int64) ([]*registry.DeviceKey, error)
	KeysByID(ids []int64) ([]*registry.DeviceKey, error)
	RegisterKey(userID int64, publicKey []byte) (*registry.DeviceKey, bool, error)
	KeysForConversation(callerID, conversationID int64) ([]*registry.DeviceKey, error)
	SendBatch(senderID, conversationID int64, copies []messaging.SealedCopy) (*messaging.Batch, error)
	BatchRows(senderID, batchID int64) ([]*messaging.RowRef, error)
	EditBatch(senderID, batchID int64, copies []messaging.SealedCopy) (*messaging.Batch, error)
	MarkDelivered(readerID, conversationID int64, rowIDs []int64) ([]*messaging.Row, error)
	MarkRead(readerID, conversationID int64, rowIDs []int64) ([]*messaging.Row, error)
	Page(callerID int64, req messaging.PageRequest) (*messaging.Page, error)
	CanSubscribe(userID int64, channel string) error
	Broker() pubsub.Broker
}

// Rendered is a row as a user sees it. Redacted is set when the row could not be opened and Text holds a
// placeholder.
type Rendered struct {
	RowID      int64
	BatchID    int64
	SenderID   int64
	Text       string
	Attachment *payload.Attachment
	Deleted    bool
	Redacted   bool
	Status     messaging.Status
}

type Device struct {
	log        *zap.SugaredLogger
	server     Server
	userID     int64
	secrets    *keystore.Store
	subscriber *fanout.Subscriber
	key        *registry.DeviceKey
	priv       *rsa.PrivateKey
}

func NewDevice(c *config.Config, server Server, userID int64, secrets *keystore.Store) *Device {
	return &Device{
		log:        c.Logger(fmt.Sprintf("client/%d", userID)),
		server:     server,
		userID:     userID,
		secrets:    secrets,
		subscriber: fanout.NewSubscriber(c, server.Broker()),
	}
}

func (d *Device) UserID() int64 {
	return d.userID
}

// Key is the registered key this device decrypts with, nil before EnsureKey.
func (d *Device) Key() *registry.DeviceKey {
	return d.key
}

// EnsureKey reuses a registered key whose private half is in the secret store, or generates, stores and
// registers a new one.
func (d *Device) EnsureKey() (*registry.DeviceKey, error) {
	keys, err := d.server.KeysForUser(d.userID)
	if err != nil {
		return nil, err
	}
	if match := registry.FindMatchingKeyForLocalSecret(keys, d.secrets); match != nil {
		priv, ok := d.secrets.Get(match.Fingerprint)
		if !ok {
			return nil, fmt.Errorf("client: secret for %s vanished", match.Fingerprint)
		}
		d.key, d.priv = match, priv
		d.log.Debugf("using existing key id=%d", match.ID)
		return match, nil
	}

	priv, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	der, err := envelope.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if _, err := d.secrets.Put(priv); err != nil {
		return nil, err
	}
	key, _, err := d.server.RegisterKey(d.userID, der)
	if err != nil {
		return nil, err
	}
	d.key, d.priv = key, priv
	d.log.Infof("registered new key id=%d", key.ID)
	return key, nil
}

// Send seals msg for every device key in the conversation, including this user's own keys, and submits the
// copies as one batch.
func (d *Device) Send(conversationID int64, msg payload.Message) (*messaging.Batch, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	keys, err := d.server.KeysForConversation(d.userID, conversationID)
	if err != nil {
		return nil, err
	}
	copies, err := seal(msg.Bytes(), keys)
	if err != nil {
		return nil, err
	}
	return d.server.SendBatch(d.userID, conversationID, copies)
}

// Edit re-seals msg for exactly the keys the batch was first sent to.
func (d *Device) Edit(batchID int64, msg payload.Message) (*messaging.Batch, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	refs, err := d.server.BatchRows(d.userID, batchID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(refs))
	for i, ref := range refs {
		ids[i] = ref.RecipientKeyID
	}
	keys, err := d.server.KeysByID(ids)
	if err != nil {
		return nil, err
	}
	if len(keys) != len(refs) {
		return nil, errs.NotFound("some keys of batch %d are gone", batchID)
	}
	copies, err := seal(msg.Bytes(), keys)
	if err != nil {
		return nil, err
	}
	return d.server.EditBatch(d.userID, batchID, copies)
}

// Delete replaces the batch's content with the deleted marker for every recipient.
func (d *Device) Delete(batchID int64) (*messaging.Batch, error) {
	return d.Edit(batchID, payload.Text(payload.Deleted))
}

func (d *Device) MarkRead(conversationID int64, rowIDs []int64) ([]*messaging.Row, error) {
	return d.server.MarkRead(d.userID, conversationID, rowIDs)
}

// History pages through the rows addressed to this device's key.
func (d *Device) History(conversationID, beforeID int64, limit int) ([]Rendered, bool, error) {
	if d.key == nil {
		return nil, false, errors.New("client: no device key, call EnsureKey first")
	}
	page, err := d.server.Page(d.userID, messaging.PageRequest{
		ConversationID: conversationID,
		DeviceKeyID:    d.key.ID,
		BeforeID:       beforeID,
		Limit:          limit,
	})
	if err != nil {
		return nil, false, err
	}
	out := make([]Rendered, len(page.Rows))
	for i, r := range page.Rows {
		out[i] = d.Render(r)
	}
	return out, page.HasMore, nil
}

// Render opens a row. Rows for other keys, or for a key whose secret is not loaded, and rows that fail to
// open are shown as placeholders.
func (d *Device) Render(r *messaging.Row) Rendered {
	out := Rendered{RowID: r.ID, BatchID: r.BatchID, SenderID: r.SenderID, Status: r.Status}
	priv := d.privateKeyFor(r.RecipientKeyID)
	if priv == nil {
		out.Text = PlaceholderNoKey
		out.Redacted = true
		return out
	}
	plain, err := envelope.Open(r.Ciphertext, priv)
	if err != nil {
		d.log.Debugf("unable to open row %d: %v", r.ID, err)
		out.Text = PlaceholderFailed
		out.Redacted = true
		return out
	}
	msg := payload.Parse(string(plain))
	out.Text = msg.Text
	out.Attachment = msg.Attachment
	out.Deleted = msg.IsDeleted()
	return out
}

func (d *Device) privateKeyFor(keyID int64) *rsa.PrivateKey {
	if d.key != nil && d.key.ID == keyID {
		return d.priv
	}
	keys, err := d.server.KeysByID([]int64{keyID})
	if err != nil || len(keys) == 0 || keys[0].OwnerID != d.userID {
		return nil
	}
	priv, ok := d.secrets.Get(keys[0].Fingerprint)
	if !ok {
		return nil
	}
	return priv
}

// Watch subscribes to a conversation. Rows sent to this device's key are acknowledged as delivered as soon as
// they arrive. Status and content updates are passed on untouched so acknowledging never triggers another
// acknowledgement.
func (d *Device) Watch(conversationID int64, h fanout.Handlers) (pubsub.Subscription, error) {
	channel := fanout.ConversationChannel(conversationID)
	if err := d.server.CanSubscribe(d.userID, channel); err != nil {
		return nil, err
	}
	next := h.RowCreated
	h.RowCreated = func(e *fanout.RowCreated) {
		if d.key != nil && e.Row.RecipientKeyID == d.key.ID && e.Row.SenderID != d.userID {
			if _, err := d.server.MarkDelivered(d.userID, conversationID, []int64{e.Row.ID}); err != nil {
				d.log.Warnf("unable to acknowledge row %d: %v", e.Row.ID, err)
			}
		}
		if next != nil {
			next(e)
		}
	}
	return d.subscriber.Subscribe(channel, h)
}

// WatchConversations subscribes to this user's conversation list updates.
func (d *Device) WatchConversations(f func(*fanout.ConversationSummary)) (pubsub.Subscription, error) {
	channel := fanout.UserChannel(d.userID)
	if err := d.server.CanSubscribe(d.userID, channel); err != nil {
		return nil, err
	}
	return d.subscriber.Subscribe(channel, fanout.Handlers{ConversationSummary: f})
}

func (d *Device) Close() error {
	return d.subscriber.Close()
}

func seal(plaintext []byte, keys []*registry.DeviceKey) ([]messaging.SealedCopy, error) {
	if len(keys) == 0 {
		return nil, errs.NoRecipientKeys("no device keys to seal for")
	}
	copies := make([]messaging.SealedCopy, 0, len(keys))
	for _, k := range keys {
		pub, err := envelope.ParsePublicKey(k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("client: error parsing key %d: %w", k.ID, err)
		}
		ct, err := envelope.Seal(plaintext, pub)
		if err != nil {
			return nil, fmt.Errorf("client: error sealing for key %d: %w", k.ID, err)
		}
		copies = append(copies, messaging.SealedCopy{RecipientKeyID: k.ID, Ciphertext: ct})
	}
	return copies, nil
}
