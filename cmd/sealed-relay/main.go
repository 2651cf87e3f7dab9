// Command sealed-relay runs the relay with a websocket gateway in front of its broker.
//
// The database passphrase is read from SEALED_PASSPHRASE. User identity is taken from a header set by an
// authenticating proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sealed "github.com/meow-io/go-sealed"
	"github.com/meow-io/go-sealed/clock"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/gateway"
	"github.com/meow-io/go-sealed/presence"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/meow-io/go-sealed/pubsub/natsbroker"
	"go.uber.org/zap"
)

func main() {
	var (
		root        = flag.String("root", ".", "directory for the database, salt and log file")
		listen      = flag.String("listen", ":8080", "gateway listen address")
		natsURL     = flag.String("nats", os.Getenv("NATS_URL"), "comma separated nats servers, empty for an in-process broker")
		redisAddr   = flag.String("redis", os.Getenv("REDIS_ADDR"), "redis address for presence, empty for in-process presence")
		presenceTTL = flag.Int64("presence-ttl", 60, "seconds a presence entry lives without refresh")
		userHeader  = flag.String("user-header", "X-User-ID", "header carrying the authenticated user id")
		timeoutMs   = flag.Int64("timeout-ms", 5000, "timeout for broker and presence calls")
		debug       = flag.Bool("debug", os.Getenv("DEBUG") == "1", "debug logging")
	)
	flag.Parse()

	c := config.NewConfig(
		config.WithRootDir(*root),
		config.WithListenAddr(*listen),
		config.WithNATSURL(*natsURL),
		config.WithRedisAddr(*redisAddr),
		config.WithPresenceTTLSec(*presenceTTL),
		config.WithRequestTimeoutMs(*timeoutMs),
		config.WithDebug(*debug),
	)
	log := c.Logger("main")
	if err := run(c, log, *userHeader); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(c *config.Config, log *zap.SugaredLogger, userHeader string) error {
	passphrase := os.Getenv("SEALED_PASSPHRASE")
	if passphrase == "" {
		return errors.New("SEALED_PASSPHRASE is required")
	}

	broker, err := newBroker(c)
	if err != nil {
		return err
	}
	relay, err := openRelay(c, broker, passphrase)
	if err != nil {
		return err
	}
	defer func() {
		if err := relay.Shutdown(); err != nil {
			log.Warnf("error shutting down relay: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker, err := newTracker(ctx, c)
	if err != nil {
		return err
	}
	if closer, ok := tracker.(io.Closer); ok {
		defer closer.Close()
	}
	g := gateway.New(c, relay.Broker(), relay, gateway.HeaderAuthenticator(userHeader), tracker)
	srv := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("gateway %s listening on %s", g.ID, c.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Infof("shutting down")
	}
	g.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openRelay opens the relay over broker, closing the broker if the relay cannot be opened.
func openRelay(c *config.Config, broker pubsub.Broker, passphrase string) (*sealed.Relay, error) {
	relay, err := sealed.NewRelay(c, broker)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	key, err := relay.NewKey(passphrase)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	if err := relay.Open(key); err != nil {
		_ = broker.Close()
		return nil, err
	}
	return relay, nil
}

func newBroker(c *config.Config) (pubsub.Broker, error) {
	if c.NATSURL == "" {
		return pubsub.NewLocal(c), nil
	}
	return natsbroker.Connect(c, natsbroker.Options{
		URLs:    strings.Split(c.NATSURL, ","),
		Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
	})
}

func newTracker(ctx context.Context, c *config.Config) (presence.Tracker, error) {
	if c.RedisAddr == "" {
		return presence.NewMemory(clock.NewSystemClock(), time.Duration(c.PresenceTTLSec)*time.Second), nil
	}
	return presence.NewRedis(ctx, c)
}
