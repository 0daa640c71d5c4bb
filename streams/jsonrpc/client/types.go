package client

import (
	"errors"
	"time"

	"github.com/defistate/defistate-dex-go/protocols/dex"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Sink receives the exchange state reconstructed from the stream.
// *registry.ExchangeSystem implements it.
type Sink interface {
	Replace(seq uint64, exchanges []dex.Exchange) error
	Apply(fromSeq, toSeq uint64, diff dex.ExchangeSystemDiff) error
}

// Config holds the configuration for the client.
type Config struct {
	URL    string
	Logger Logger
	Sink   Sink

	// Backoff bounds between reconnection attempts. Zero values fall back to 1s and 30s.
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Sink == nil {
		return errors.New("config: Sink is required")
	}
	if c.MaxReconnectDelay != 0 && c.MaxReconnectDelay < c.InitialReconnectDelay {
		return errors.New("config: MaxReconnectDelay must not be lower than InitialReconnectDelay")
	}
	return nil
}
