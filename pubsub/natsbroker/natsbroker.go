// Package natsbroker binds pubsub.Broker to a NATS server. Channels map one to one onto subjects.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-sealed/bencode"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Options struct {
	URLs          []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Broker struct {
	log  *zap.SugaredLogger
	nc   *nats.Conn
	lock sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	broker *Broker
	sub    *nats.Subscription
}

func Connect(c *config.Config, o Options) (*Broker, error) {
	if len(o.URLs) == 0 {
		return nil, errors.New("natsbroker: nats servers missing")
	}
	if o.ReconnectWait == 0 {
		o.ReconnectWait = 500 * time.Millisecond
	}
	if o.Timeout == 0 {
		o.Timeout = 3 * time.Second
	}
	if o.Name == "" {
		o.Name = "sealed-relay"
	}
	log := c.Logger("pubsub/nats")
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(o.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(o.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("disconnected from nats: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("reconnected to nats at %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(strings.Join(o.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: error connecting: %w", err)
	}
	return &Broker{
		log:  log,
		nc:   nc,
		subs: make(map[*subscription]struct{}),
	}, nil
}

func Encode(m *pubsub.Message) ([]byte, error) {
	return bencode.Serialize(m)
}

func Decode(data []byte) (*pubsub.Message, error) {
	m := &pubsub.Message{}
	if err := bencode.Deserialize(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Broker) Publish(ctx context.Context, m *pubsub.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !pubsub.ValidChannel(m.Channel) {
		return fmt.Errorf("natsbroker: invalid channel %q", m.Channel)
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(m.Channel, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return pubsub.ErrClosed
		}
		return fmt.Errorf("natsbroker: error publishing to %s: %w", m.Channel, err)
	}
	return nil
}

func (b *Broker) Subscribe(channel string, h pubsub.Handler) (pubsub.Subscription, error) {
	if !pubsub.ValidChannel(channel) {
		return nil, fmt.Errorf("natsbroker: invalid channel %q", channel)
	}
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		m, err := Decode(msg.Data)
		if err != nil {
			b.log.Warnf("dropping undecodable message on %s: %v", msg.Subject, err)
			return
		}
		h(m)
	})
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, pubsub.ErrClosed
		}
		return nil, fmt.Errorf("natsbroker: error subscribing to %s: %w", channel, err)
	}
	s := &subscription{broker: b, sub: sub}
	b.lock.Lock()
	b.subs[s] = struct{}{}
	b.lock.Unlock()
	return s, nil
}

func (b *Broker) Close() error {
	b.lock.Lock()
	for s := range b.subs {
		_ = s.sub.Drain()
		delete(b.subs, s)
	}
	b.lock.Unlock()
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

func (s *subscription) Unsubscribe() error {
	s.broker.lock.Lock()
	delete(s.broker.subs, s)
	s.broker.lock.Unlock()
	return s.sub.Unsubscribe()
}
