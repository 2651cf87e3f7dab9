package client_test

import (
	"errors"
	"testing"
	"time"

	sealed "github.com/meow-io/go-sealed"
	"github.com/meow-io/go-sealed/client"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/fanout"
	"github.com/meow-io/go-sealed/keystore"
	"github.com/meow-io/go-sealed/messaging"
	"github.com/meow-io/go-sealed/payload"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/meow-io/go-sealed/registry"
	"github.com/stretchr/testify/require"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func newRelay(t *testing.T) (*sealed.Relay, *config.Config) {
	require := require.New(t)
	c := config.NewConfig(config.WithoutLogFile(), config.WithLoggingPrefix("test"), config.WithRootDir(t.TempDir()))
	r, err := sealed.NewRelay(c, pubsub.NewLocal(c))
	require.Nil(err)
	require.Nil(r.Open(testKey))
	t.Cleanup(func() { _ = r.Shutdown() })
	return r, c
}

type pair struct {
	relay *sealed.Relay
	c     *config.Config
	alice *registry.User
	bob   *registry.User
	conv  *registry.Conversation
}

func newPair(t *testing.T) *pair {
	require := require.New(t)
	r, c := newRelay(t)
	alice, err := r.CreateUser("alice")
	require.Nil(err)
	bob, err := r.CreateUser("bob")
	require.Nil(err)
	conv, err := r.PairwiseConversation(alice.ID, bob.ID)
	require.Nil(err)
	return &pair{relay: r, c: c, alice: alice, bob: bob, conv: conv}
}

func (p *pair) device(t *testing.T, userID int64, store *keystore.Store) *client.Device {
	d := client.NewDevice(p.c, p.relay, userID, store)
	_, err := d.EnsureKey()
	require.Nil(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestEnsureKeyReusesStoredSecret(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	store := keystore.New()
	first := p.device(t, p.alice.ID, store)
	again := p.device(t, p.alice.ID, store)
	require.Equal(first.Key().ID, again.Key().ID)

	other := p.device(t, p.alice.ID, keystore.New())
	require.NotEqual(first.Key().ID, other.Key().ID)

	keys, err := p.relay.KeysForUser(p.alice.ID)
	require.Nil(err)
	require.Len(keys, 2)
}

func TestSendAndRenderEverywhere(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	alice := p.device(t, p.alice.ID, keystore.New())
	bobPhone := p.device(t, p.bob.ID, keystore.New())
	bobLaptop := p.device(t, p.bob.ID, keystore.New())

	msg := payload.Message{Text: "look", Attachment: &payload.Attachment{Name: "cat.png", URL: "https://files.example/cat.png"}}
	b, err := alice.Send(p.conv.ID, msg)
	require.Nil(err)
	require.Len(b.Rows, 3)
	seen := map[string]bool{}
	for _, r := range b.Rows {
		require.Equal(b.ID, r.BatchID)
		require.False(seen[string(r.Ciphertext)])
		seen[string(r.Ciphertext)] = true
	}

	for _, d := range []*client.Device{alice, bobPhone, bobLaptop} {
		rows, more, err := d.History(p.conv.ID, 0, 0)
		require.Nil(err)
		require.False(more)
		require.Len(rows, 1)
		require.False(rows[0].Redacted)
		require.Equal("look", rows[0].Text)
		require.Equal("cat.png", rows[0].Attachment.Name)
		require.Equal(p.alice.ID, rows[0].SenderID)
	}

	for _, r := range b.Rows {
		if r.RecipientKeyID == bobLaptop.Key().ID {
			require.Equal(client.PlaceholderNoKey, bobPhone.Render(r).Text)
			require.True(bobPhone.Render(r).Redacted)
			require.Equal("look", bobLaptop.Render(r).Text)
		}
	}
}

func TestRenderFailedDecryption(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	bob := p.device(t, p.bob.ID, keystore.New())
	r := bob.Render(&messaging.Row{ID: 1, RecipientKeyID: bob.Key().ID, Ciphertext: []byte("not an envelope")})
	require.True(r.Redacted)
	require.Equal(client.PlaceholderFailed, r.Text)
}

func TestEditAndDelete(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	alice := p.device(t, p.alice.ID, keystore.New())
	bob := p.device(t, p.bob.ID, keystore.New())

	b, err := alice.Send(p.conv.ID, payload.Text("helo"))
	require.Nil(err)
	_, err = alice.MarkRead(p.conv.ID, []int64{b.Rows[0].ID})
	require.True(errors.Is(err, errs.ErrAuthorization))

	var bobRow int64
	for _, r := range b.Rows {
		if r.RecipientKeyID == bob.Key().ID {
			bobRow = r.ID
		}
	}
	changed, err := bob.MarkRead(p.conv.ID, []int64{bobRow})
	require.Nil(err)
	require.Len(changed, 1)

	_, err = alice.Edit(b.ID, payload.Text("hello"))
	require.Nil(err)
	rows, _, err := bob.History(p.conv.ID, 0, 0)
	require.Nil(err)
	require.Equal("hello", rows[0].Text)
	require.Equal(messaging.StatusRead, rows[0].Status)

	_, err = bob.Edit(b.ID, payload.Text("mine now"))
	require.True(errors.Is(err, errs.ErrAuthorization))

	_, err = alice.Delete(b.ID)
	require.Nil(err)
	for _, d := range []*client.Device{alice, bob} {
		rows, _, err := d.History(p.conv.ID, 0, 0)
		require.Nil(err)
		require.True(rows[0].Deleted)
		require.Equal(payload.Deleted, rows[0].Text)
	}
}

func TestSendRejectsBadPayload(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	alice := p.device(t, p.alice.ID, keystore.New())
	_, err := alice.Send(p.conv.ID, payload.Message{Attachment: &payload.Attachment{Name: "a(b).png", URL: "u"}})
	require.True(errors.Is(err, errs.ErrValidation))
}

func TestWatchAcknowledgesDelivery(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	alice := p.device(t, p.alice.ID, keystore.New())
	bob := p.device(t, p.bob.ID, keystore.New())

	statuses := make(chan *fanout.RowStatusChanged, 10)
	_, err := alice.Watch(p.conv.ID, fanout.Handlers{
		RowStatusChanged: func(e *fanout.RowStatusChanged) { statuses <- e },
	})
	require.Nil(err)
	_, err = bob.Watch(p.conv.ID, fanout.Handlers{})
	require.Nil(err)

	_, err = alice.Send(p.conv.ID, payload.Text("ping"))
	require.Nil(err)

	select {
	case e := <-statuses:
		require.Equal(bob.Key().ID, e.RecipientKeyID)
		require.Equal(uint8(messaging.StatusDelivered), e.Status)
	case <-time.After(2 * time.Second):
		require.Fail("no delivery acknowledgement")
	}
	select {
	case e := <-statuses:
		require.Fail("unexpected status change", "%+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	rows, _, err := bob.History(p.conv.ID, 0, 0)
	require.Nil(err)
	require.Equal(messaging.StatusDelivered, rows[0].Status)
}

func TestWatchRequiresMembership(t *testing.T) {
	require := require.New(t)
	p := newPair(t)

	carol, err := p.relay.CreateUser("carol")
	require.Nil(err)
	d := p.device(t, carol.ID, keystore.New())
	_, err = d.Watch(p.conv.ID, fanout.Handlers{})
	require.True(errors.Is(err, errs.ErrAuthorization))
}
