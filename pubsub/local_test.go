package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-sealed/config"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *Local {
	l := NewLocal(config.NewConfig(config.WithoutLogFile()))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type collector struct {
	lock sync.Mutex
	msgs []*Message
}

func (c *collector) handle(m *Message) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.msgs)
}

func TestLocalOrderedPerChannel(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t)

	c := &collector{}
	_, err := l.Subscribe("conversation.1", c.handle)
	require.Nil(err)
	other := &collector{}
	_, err = l.Subscribe("conversation.2", other.handle)
	require.Nil(err)

	for i := 1; i <= 50; i++ {
		require.Nil(l.Publish(context.Background(), &Message{Channel: "conversation.1", Name: "message-sent", Seq: uint64(i)}))
	}
	require.Eventually(func() bool { return c.len() == 50 }, time.Second, 5*time.Millisecond)
	for i, m := range c.msgs {
		require.Equal(uint64(i+1), m.Seq)
	}
	require.Equal(0, other.len())
}

func TestLocalSlowSubscriberDoesNotBlock(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t)

	release := make(chan struct{})
	_, err := l.Subscribe("user.1.conversations", func(*Message) { <-release })
	require.Nil(err)
	fast := &collector{}
	_, err = l.Subscribe("user.1.conversations", fast.handle)
	require.Nil(err)

	for i := 0; i < 10; i++ {
		require.Nil(l.Publish(context.Background(), &Message{Channel: "user.1.conversations", Name: "conversation-updated"}))
	}
	require.Eventually(func() bool { return fast.len() == 10 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestLocalUnsubscribe(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t)

	c := &collector{}
	sub, err := l.Subscribe("conversation.1", c.handle)
	require.Nil(err)
	require.Nil(sub.Unsubscribe())
	require.Nil(l.Publish(context.Background(), &Message{Channel: "conversation.1"}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(0, c.len())
}

func TestLocalRejectsBadChannels(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t)

	for _, ch := range []string{"", "a..b", "conversation.*", "user.>"} {
		_, err := l.Subscribe(ch, func(*Message) {})
		require.Error(err, fmt.Sprintf("channel %q", ch))
	}
	require.Nil(l.Close())
	require.ErrorIs(l.Publish(context.Background(), &Message{Channel: "conversation.1"}), ErrClosed)
}

func TestLocalHandlerPanicIsContained(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t)

	c := &collector{}
	first := true
	_, err := l.Subscribe("conversation.1", func(m *Message) {
		if first {
			first = false
			panic("boom")
		}
		c.handle(m)
	})
	require.Nil(err)
	require.Nil(l.Publish(context.Background(), &Message{Channel: "conversation.1", Seq: 1}))
	require.Nil(l.Publish(context.Background(), &Message{Channel: "conversation.1", Seq: 2}))
	require.Eventually(func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
}
