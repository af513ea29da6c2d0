// Package broker wraps the NATS JetStream connection shared by the registry,
// inbox, work queue and channel packages. One Client is built at startup and
// passed to every component; there is no package-level connection state.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/domain"
)

// Client is a connected JetStream session.
type Client struct {
	url    string
	logger *log.Logger

	mu sync.RWMutex
	nc *nats.Conn
	js jetstream.JetStream
}

// Option configures Connect.
type Option func(*connectOpts)

type connectOpts struct {
	name    string
	timeout time.Duration
	extra   []nats.Option
}

// WithName sets the client connection name reported to the server.
func WithName(name string) Option {
	return func(o *connectOpts) { o.name = name }
}

// WithConnectTimeout bounds the initial dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *connectOpts) { o.timeout = d }
}

// WithNATSOptions passes raw nats.go options through (credentials, TLS, ...).
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *connectOpts) { o.extra = append(o.extra, opts...) }
}

// Connect dials the broker and opens a JetStream context.
func Connect(ctx context.Context, url string, logger *log.Logger, opts ...Option) (*Client, error) {
	o := connectOpts{name: "relaywork", timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if !domain.ValidBrokerAddress(url) {
		return nil, domain.Invalid("brokerAddress", "%q is not a broker endpoint", url)
	}

	natsOpts := []nats.Option{
		nats.Name(o.name),
		nats.Timeout(o.timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("broker: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Printf("broker: reconnected to %s", nc.ConnectedUrl())
		}),
	}
	natsOpts = append(natsOpts, o.extra...)

	type dialResult struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		nc, err := nats.Connect(url, natsOpts...)
		ch <- dialResult{nc, err}
	}()

	var nc *nats.Conn
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, domain.WrapBroker("connect", url, r.err)
		}
		nc = r.nc
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, domain.WrapBroker("jetstream", url, err)
	}
	logger.Printf("broker: connected to %s", nc.ConnectedUrl())
	return &Client{url: url, logger: logger, nc: nc, js: js}, nil
}

// URL returns the address the client was dialed with.
func (c *Client) URL() string {
	if c == nil {
		return ""
	}
	return c.url
}

// JetStream returns the JetStream context, or ErrNotConnected after Close.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	if c == nil {
		return nil, domain.ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil || c.nc == nil || c.nc.IsClosed() {
		return nil, domain.ErrNotConnected
	}
	return c.js, nil
}

// Conn returns the underlying core NATS connection.
func (c *Client) Conn() (*nats.Conn, error) {
	if c == nil {
		return nil, domain.ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.nc == nil || c.nc.IsClosed() {
		return nil, domain.ErrNotConnected
	}
	return c.nc, nil
}

// Connected reports whether the connection is currently usable.
func (c *Client) Connected() bool {
	nc, err := c.Conn()
	return err == nil && nc.IsConnected()
}

// Close drains and closes the connection. Safe to call twice.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.js = nil
	c.mu.Unlock()
	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

// IsAlreadyExists reports whether err is the broker's uniqueness signal for a concurrent create.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) ||
		errors.Is(err, jetstream.ErrBucketExists) ||
		errors.Is(err, jetstream.ErrConsumerExists) ||
		strings.Contains(strings.ToLower(err.Error()), "already in use") ||
		strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// IsNotFound reports whether err means the stream, bucket, consumer, key or message is absent.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrBucketNotFound) ||
		errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) ||
		errors.Is(err, jetstream.ErrMsgNotFound) ||
		errors.Is(err, jetstream.ErrNoKeysFound) ||
		errors.Is(err, domain.ErrNotFound)
}

// IsTimeout reports whether err is a bounded-wait expiry rather than a failure.
func IsTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, jetstream.ErrNoHeartbeat)
}
