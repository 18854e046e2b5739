// Package broker is a RabbitMQ client with the delivery guarantees the saga
// relies on: durable topic exchanges, persistent messages published with
// mandatory routing and publisher confirms, and consumers that acknowledge
// manually with a prefetch of one.
//
// The client carries no business logic. One instance is created per process
// at startup, shared by the request path and the consumers, and closed at
// shutdown:
//
//	client := broker.New(broker.Config{URL: url, MaxRetries: 5, RetryDelay: 5 * time.Second})
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close()
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

var (
	// ErrConnect is returned once every connection attempt has failed.
	ErrConnect = errors.New("broker: could not connect")
	// ErrUnroutable means the broker accepted the message but no queue was bound to its routing key.
	ErrUnroutable = errors.New("broker: message unroutable")
	// ErrNacked means the broker refused the message.
	ErrNacked = errors.New("broker: message nacked")
	// ErrConfirmTimeout means no publisher confirm arrived in time.
	ErrConfirmTimeout = errors.New("broker: publish confirm timeout")
	// ErrReconnectThrottled means a reconnect was needed but attempted too recently.
	ErrReconnectThrottled = errors.New("broker: reconnect throttled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: client closed")
)

// Config controls connection retries and publishing.
type Config struct {
	URL string

	// MaxRetries bounds the number of dial attempts per connect.
	MaxRetries uint
	// RetryDelay is the fixed delay between attempts, or the initial delay
	// when ExponentialBackoff is set.
	RetryDelay         time.Duration
	ExponentialBackoff bool

	// ConfirmTimeout bounds how long Publish waits for the broker confirm. It
	// also bounds the single redial Publish and the consumers attempt when
	// they find the connection closed.
	ConfirmTimeout time.Duration

	// ReconnectPerSecond limits how often Publish may redial a closed
	// connection. Reopening a channel on a live connection is not limited.
	ReconnectPerSecond float64

	// Exchanges are declared as durable topic exchanges on every connect.
	Exchanges []string
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the AMQP dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	dial    DialFunc
	logger  *slog.Logger
	limiter *rate.Limiter

	// mu guards the connection, the publish channel and its notification
	// channels. Publishes are serialised so each confirm matches the message
	// that is waiting for it.
	mu       sync.Mutex
	conn     Connection
	pubCh    Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closed   bool
	done     chan struct{}

	consumers sync.WaitGroup
}

// New builds a client. It does not connect; call Connect.
func New(cfg Config, opts ...Option) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.ReconnectPerSecond <= 0 {
		cfg.ReconnectPerSecond = 1
	}

	c := &Client{
		cfg:     cfg,
		dial:    DialAMQP,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(cfg.ReconnectPerSecond), 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "broker")
	return c
}

// Connect dials the broker with bounded retries, declares the exchanges and
// prepares the confirm-mode publish channel. It returns an error wrapping
// ErrConnect when every attempt fails instead of blocking forever.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	attempt := 0
	conn, err := backoff.Retry(ctx, func() (Connection, error) {
		attempt++
		c.logger.InfoContext(ctx, "connecting to broker", "attempt", attempt, "max_attempts", c.cfg.MaxRetries)
		conn, err := c.dial(c.cfg.URL)
		if err != nil {
			connectAttempts.WithLabelValues("failed").Inc()
			return nil, err
		}
		connectAttempts.WithLabelValues("ok").Inc()
		return conn, nil
	},
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(c.cfg.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "broker connection attempt failed", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "giving up on broker connection", "attempts", attempt, "error", err)
		return fmt.Errorf("%w after %d attempts: %v", ErrConnect, attempt, err)
	}

	if err := c.attachLocked(conn); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "connected to broker", "exchanges", c.cfg.Exchanges)
	return nil
}

// redialLocked makes one connection attempt bounded by ConfirmTimeout. It is
// used wherever a caller holds c.mu and must not sit out the full Connect
// retry budget.
func (c *Client) redialLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	type dialResult struct {
		conn Connection
		err  error
	}
	result := make(chan dialResult, 1)
	go func() {
		conn, err := c.dial(c.cfg.URL)
		result <- dialResult{conn: conn, err: err}
	}()

	var conn Connection
	select {
	case r := <-result:
		if r.err != nil {
			connectAttempts.WithLabelValues("failed").Inc()
			return fmt.Errorf("%w: %v", ErrConnect, r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		connectAttempts.WithLabelValues("failed").Inc()
		// A dial that completes late must not leak its connection.
		go func() {
			if r := <-result; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	}
	connectAttempts.WithLabelValues("ok").Inc()

	if err := c.attachLocked(conn); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "reconnected to broker")
	return nil
}

// attachLocked adopts conn and opens its confirm-mode publish channel.
func (c *Client) attachLocked(conn Connection) error {
	c.dropPublishChannelLocked()
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = conn
	if err := c.openPublishChannelLocked(); err != nil {
		_ = conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) backOff() backoff.BackOff {
	if c.cfg.ExponentialBackoff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.RetryDelay
		return b
	}
	return backoff.NewConstantBackOff(c.cfg.RetryDelay)
}

func (c *Client) openPublishChannelLocked() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open publish channel: %w", err)
	}
	if err := c.declareExchanges(ch); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("broker: enable publisher confirms: %w", err)
	}

	c.pubCh = ch
	c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

func (c *Client) declareExchanges(ch Channel) error {
	for _, name := range c.cfg.Exchanges {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare exchange %q: %w", name, err)
		}
	}
	return nil
}

// ensurePublishChannelLocked reopens the publish channel when it was found
// closed. A live connection only gets a new channel; a dead one is redialled
// once, subject to the reconnect limiter.
func (c *Client) ensurePublishChannelLocked(ctx context.Context) error {
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.openPublishChannelLocked(); err == nil {
			return nil
		}
		_ = c.conn.Close()
	}
	c.conn = nil

	if !c.limiter.Allow() {
		return ErrReconnectThrottled
	}
	c.logger.WarnContext(ctx, "broker connection closed, redialling")
	return c.redialLocked(ctx)
}

// dropPublishChannelLocked discards the publish channel after a confirm went
// missing, so a late confirm can never be matched with the next message.
func (c *Client) dropPublishChannelLocked() {
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		_ = c.pubCh.Close()
	}
	c.pubCh = nil
}

// Close shuts the publish channel and the connection down and stops every
// consumer. It is safe to call more than once and never fails on resources
// that are already closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.pubCh != nil && !c.pubCh.IsClosed() {
		if err := c.pubCh.Close(); err != nil {
			c.logger.Debug("closing publish channel", "error", err)
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing connection", "error", err)
		}
	}
	c.pubCh, c.conn = nil, nil
	c.logger.Info("broker connection closed")
	return nil
}

// Wait blocks until every consumer goroutine has returned.
func (c *Client) Wait() {
	c.consumers.Wait()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
