package fanout

import (
	"fmt"
	"sync"

	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/pubsub"
	"go.uber.org/zap"
)

// Handlers receives decoded events. Nil handlers are skipped.
type Handlers struct {
	RowCreated          func(*RowCreated)
	RowStatusChanged    func(*RowStatusChanged)
	RowUpdated          func(*RowUpdated)
	ConversationSummary func(*ConversationSummary)
}

// Subscriber decodes broker messages into events and drops redeliveries. Each subscription remembers the
// sequence numbers it has dispatched, so two subscriptions to one channel both see every event.
type Subscriber struct {
	log    *zap.SugaredLogger
	broker pubsub.Broker
	lock   sync.Mutex
	subs   []pubsub.Subscription
}

func NewSubscriber(c *config.Config, b pubsub.Broker) *Subscriber {
	return &Subscriber{
		log:    c.Logger("fanout/subscriber"),
		broker: b,
	}
}

func (s *Subscriber) Subscribe(channel string, h Handlers) (pubsub.Subscription, error) {
	seen := &seenSeqs{acks: newAcks()}
	sub, err := s.broker.Subscribe(channel, func(m *pubsub.Message) {
		if !seen.fresh(m) {
			s.log.Debugf("dropping duplicate %s seq=%d on %s", m.Name, m.Seq, m.Channel)
			return
		}
		if err := dispatch(m, h); err != nil {
			s.log.Warnf("%v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	s.subs = append(s.subs, sub)
	s.lock.Unlock()
	return sub, nil
}

func (s *Subscriber) Close() error {
	s.lock.Lock()
	subs := s.subs
	s.subs = nil
	s.lock.Unlock()
	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type seenSeqs struct {
	lock sync.Mutex
	acks *acks
}

func (s *seenSeqs) fresh(m *pubsub.Message) bool {
	if m.Seq == 0 {
		return true
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.acks.add(m.Seq)
}

func dispatch(m *pubsub.Message, h Handlers) error {
	v, err := Decode(m)
	if err != nil {
		return err
	}
	switch e := v.(type) {
	case *RowCreated:
		if h.RowCreated != nil {
			h.RowCreated(e)
		}
	case *RowStatusChanged:
		if h.RowStatusChanged != nil {
			h.RowStatusChanged(e)
		}
	case *RowUpdated:
		if h.RowUpdated != nil {
			h.RowUpdated(e)
		}
	case *ConversationSummary:
		if h.ConversationSummary != nil {
			h.ConversationSummary(e)
		}
	}
	return nil
}

// Decode turns a raw broker message into one of the event types.
func Decode(m *pubsub.Message) (interface{}, error) {
	var v interface{}
	switch m.Name {
	case EventMessageSent:
		v = &RowCreated{}
	case EventMessageStatusUpdated:
		v = &RowStatusChanged{}
	case EventMessageUpdated:
		v = &RowUpdated{}
	case EventConversationUpdated:
		v = &ConversationSummary{}
	default:
		return nil, fmt.Errorf("fanout: unknown event %q on %s", m.Name, m.Channel)
	}
	if err := decodeInto(m.Name, m.Body, v); err != nil {
		return nil, err
	}
	return v, nil
}
