package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/meow-io/go-sealed/config"
	"go.uber.org/zap"
)

// Local is an in-process broker. Each subscription drains its own queue on its own goroutine, so a slow handler
// never blocks publishers or other subscribers and delivery stays ordered per channel.
type Local struct {
	log    *zap.SugaredLogger
	lock   sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

type localSub struct {
	broker  *Local
	channel string
	handler Handler
	lock    sync.Mutex
	cond    *sync.Cond
	queue   []*Message
	done    bool
}

func NewLocal(c *config.Config) *Local {
	return &Local{
		log:  c.Logger("pubsub/local"),
		subs: make(map[string]map[*localSub]struct{}),
	}
}

func (l *Local) Publish(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidChannel(m.Channel) {
		return fmt.Errorf("pubsub: invalid channel %q", m.Channel)
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrClosed
	}
	for s := range l.subs[m.Channel] {
		s.push(m)
	}
	return nil
}

func (l *Local) Subscribe(channel string, h Handler) (Subscription, error) {
	if !ValidChannel(channel) {
		return nil, fmt.Errorf("pubsub: invalid channel %q", channel)
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	s := &localSub{broker: l, channel: channel, handler: h}
	s.cond = sync.NewCond(&s.lock)
	if _, ok := l.subs[channel]; !ok {
		l.subs[channel] = make(map[*localSub]struct{})
	}
	l.subs[channel][s] = struct{}{}
	l.wg.Add(1)
	go s.run()
	return s, nil
}

// Close stops every subscription after it has drained what was already queued.
func (l *Local) Close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	for _, subs := range l.subs {
		for s := range subs {
			s.stop()
		}
	}
	l.subs = make(map[string]map[*localSub]struct{})
	l.lock.Unlock()
	l.wg.Wait()
	return nil
}

func (s *localSub) push(m *Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.done {
		return
	}
	s.queue = append(s.queue, m)
	s.cond.Signal()
}

func (s *localSub) stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.done = true
	s.cond.Signal()
}

func (s *localSub) run() {
	defer s.broker.wg.Done()
	for {
		s.lock.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.done {
			s.lock.Unlock()
			return
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.lock.Unlock()
		s.deliver(m)
	}
}

func (s *localSub) deliver(m *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.broker.log.Errorf("handler for %s panicked: %v", s.channel, r)
		}
	}()
	s.handler(m)
}

func (s *localSub) Unsubscribe() error {
	l := s.broker
	l.lock.Lock()
	if subs, ok := l.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(l.subs, s.channel)
		}
	}
	l.lock.Unlock()
	s.stop()
	return nil
}
