package main

import (
	"testing"

	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/stretchr/testify/require"
)

type closeCounter struct {
	pubsub.Broker
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return c.Broker.Close()
}

func TestOpenRelayClosesBrokerOnWrongPassphrase(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithoutLogFile())

	first := &closeCounter{Broker: pubsub.NewLocal(c)}
	relay, err := openRelay(c, first, "correct horse")
	require.Nil(err)
	require.Equal(0, first.closed)
	require.Nil(relay.Shutdown())
	require.Equal(1, first.closed)

	second := &closeCounter{Broker: pubsub.NewLocal(c)}
	_, err = openRelay(c, second, "wrong horse")
	require.Error(err)
	require.Equal(1, second.closed)
}
