// Package pubsub defines the broker the relay publishes real-time hints through.
//
// Brokers deliver at least once and in order per channel. Nothing relies on them for correctness: a missed
// message is recovered by paging history.
package pubsub

import (
	"context"
	"errors"
	"strings"
)

var ErrClosed = errors.New("pubsub: broker closed")

type Message struct {
	Channel string `bencode:"ch"`
	Name    string `bencode:"n"`
	Seq     uint64 `bencode:"s"`
	Body    []byte `bencode:"b"`
}

type Handler func(*Message)

type Subscription interface {
	Unsubscribe() error
}

type Broker interface {
	Publish(ctx context.Context, m *Message) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Close() error
}

// ValidChannel accepts dot separated tokens of letters, digits, '-' and '_'.
func ValidChannel(channel string) bool {
	if channel == "" {
		return false
	}
	for _, tok := range strings.Split(channel, ".") {
		if tok == "" {
			return false
		}
		for _, r := range tok {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
