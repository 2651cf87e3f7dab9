// Package gateway relays broker channels to websocket clients. Each connection may subscribe to any channel its
// user is allowed to see; events are forwarded as they arrive and never stored here.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/presence"
	"github.com/meow-io/go-sealed/pubsub"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxRequestSize = 4 * 1024
	sendBuffer     = 256
)

// Authorizer decides whether a user may listen on a channel.
type Authorizer interface {
	CanSubscribe(userID int64, channel string) error
}

// Authenticator resolves the user behind a handshake request.
type Authenticator func(r *http.Request) (int64, error)

// HeaderAuthenticator trusts a user id header set by an authenticating proxy in front of the gateway.
func HeaderAuthenticator(header string) Authenticator {
	return func(r *http.Request) (int64, error) {
		v := r.Header.Get(header)
		if v == "" {
			return 0, errs.Authorization("missing %s header", header)
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return 0, errs.Authorization("bad %s header", header)
		}
		return id, nil
	}
}

type Gateway struct {
	ID           string
	log          *zap.SugaredLogger
	broker       pubsub.Broker
	authorizer   Authorizer
	authenticate Authenticator
	presence     presence.Tracker
	timeout      time.Duration
	upgrader     websocket.Upgrader
	lock         sync.Mutex
	clients      map[*client]struct{}
	closed       bool
}

func New(c *config.Config, b pubsub.Broker, authz Authorizer, authn Authenticator, tracker presence.Tracker) *Gateway {
	id := uuid.NewString()
	return &Gateway{
		ID:           id,
		log:          c.Logger("gateway").With("gateway", id),
		broker:       b,
		authorizer:   authz,
		authenticate: authn,
		presence:     tracker,
		timeout:      time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origins are checked by the fronting proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debugf("upgrade failed for user %d: %v", userID, err)
		return
	}
	c := newClient(g, userID, conn)
	if !g.add(c) {
		_ = conn.Close()
		return
	}
	g.online(userID)
	g.log.Debugf("client %s connected for user %d", c.id, userID)
	go c.writePump()
	go c.readPump()
}

// Handler serves the websocket endpoint on /ws and a liveness probe on /healthz.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", g).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// Clients is the number of open connections.
func (g *Gateway) Clients() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.clients)
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.lock.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.lock.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (g *Gateway) add(c *client) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.closed {
		return false
	}
	g.clients[c] = struct{}{}
	return true
}

// remove reports whether c was the user's last connection here.
func (g *Gateway) remove(c *client) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.clients, c)
	for other := range g.clients {
		if other.userID == c.userID {
			return false
		}
	}
	return true
}

func (g *Gateway) online(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.presence.Online(ctx, userID, g.ID); err != nil {
		g.log.Warnf("unable to mark user %d online: %v", userID, err)
	}
}

func (g *Gateway) offline(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.presence.Offline(ctx, userID, g.ID); err != nil {
		g.log.Warnf("unable to mark user %d offline: %v", userID, err)
	}
}

func errorFrame(channel string, err error) *Frame {
	var e *errs.Error
	kind := string(errs.KindInternal)
	msg := "internal error"
	if errors.As(err, &e) {
		kind = string(e.Kind)
		msg = e.Error()
	}
	return &Frame{Type: TypeError, Channel: channel, Kind: kind, Error: msg}
}
