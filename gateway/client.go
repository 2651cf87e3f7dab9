package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/ids"
	"github.com/meow-io/go-sealed/pubsub"
)

type client struct {
	id      ids.ID
	gateway *Gateway
	userID  int64
	conn    *websocket.Conn
	lock    sync.Mutex
	send    chan []byte
	subs    map[string]pubsub.Subscription
	closed  bool
}

func newClient(g *Gateway, userID int64, conn *websocket.Conn) *client {
	return &client{
		id:      ids.NewID(),
		gateway: g,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		subs:    make(map[string]pubsub.Subscription),
	}
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxRequestSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(errorFrame("", errs.Validation("malformed request")))
			continue
		}
		c.handle(&req)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.gateway.online(c.userID)
		}
	}
}

func (c *client) handle(req *Request) {
	switch req.Op {
	case OpPing:
		c.reply(&Frame{Type: TypePong})
	case OpSubscribe:
		c.subscribe(req.Channel)
	case OpUnsubscribe:
		c.unsubscribe(req.Channel)
	default:
		c.reply(errorFrame(req.Channel, errs.Validation("unknown op %q", req.Op)))
	}
}

func (c *client) subscribe(channel string) {
	if err := c.gateway.authorizer.CanSubscribe(c.userID, channel); err != nil {
		c.reply(errorFrame(channel, err))
		return
	}
	c.lock.Lock()
	if _, ok := c.subs[channel]; ok || c.closed {
		c.lock.Unlock()
		c.reply(&Frame{Type: TypeSubscribed, Channel: channel})
		return
	}
	c.lock.Unlock()

	sub, err := c.gateway.broker.Subscribe(channel, c.forward)
	if err != nil {
		c.gateway.log.Warnf("unable to subscribe client %s to %s: %v", c.id, channel, err)
		c.reply(errorFrame(channel, err))
		return
	}
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	c.subs[channel] = sub
	c.lock.Unlock()
	c.reply(&Frame{Type: TypeSubscribed, Channel: channel})
}

func (c *client) unsubscribe(channel string) {
	c.lock.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.lock.Unlock()
	if ok {
		if err := sub.Unsubscribe(); err != nil {
			c.gateway.log.Warnf("error unsubscribing client %s from %s: %v", c.id, channel, err)
		}
	}
	c.reply(&Frame{Type: TypeUnsubscribed, Channel: channel})
}

func (c *client) forward(m *pubsub.Message) {
	c.reply(&Frame{Type: TypeEvent, Channel: m.Channel, Name: m.Name, Seq: m.Seq, Body: m.Body})
}

// reply queues a frame. A client whose buffer is full is disconnected; it recovers by paging history.
func (c *client) reply(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.gateway.log.Errorf("unable to encode frame: %v", err)
		return
	}
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.lock.Unlock()
	default:
		c.lock.Unlock()
		c.gateway.log.Infof("dropping slow client %s of user %d", c.id, c.userID)
		go c.close()
	}
}

func (c *client) close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.send)
	c.lock.Unlock()

	for channel, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.gateway.log.Warnf("error unsubscribing client %s from %s: %v", c.id, channel, err)
		}
	}
	if c.gateway.remove(c) {
		c.gateway.offline(c.userID)
	}
	c.gateway.log.Debugf("client %s disconnected", c.id)
}
