// Package broker wraps the AMQP connection handling shared by every
// component that talks to RabbitMQ: a reconnecting connection owning one or
// more channels, each driven by a small state machine that declares its
// exchange/queue, sets QoS and then consumes and/or publishes.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/metrics"
)

// maxReconnectDelay caps the linear reconnect backoff.
const maxReconnectDelay = 30 * time.Second

// Client owns one AMQP connection and the channels configured on it. On
// connection loss it rebuilds the connection and redeclares every channel;
// Stop cancels consumers, closes the channels, then the connection.
type Client struct {
	url      string
	profiles []*Profile
	logger   *zap.Logger

	connected atomic.Bool
	attempts  int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewClient(url string, logger *zap.Logger, profiles ...*Profile) (*Client, error) {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return &Client{
		url:      url,
		profiles: profiles,
		logger:   logger.Named("broker"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// IsConnected reports whether the connection is currently established,
// used by readiness checks.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Run dials the broker and services the channels, reconnecting until Stop
// is called. It is meant to be run on its own goroutine.
func (c *Client) Run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.runOnce(); err != nil {
			c.logger.Warn("broker connection lost", zap.Error(err))
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(c.reconnectDelay()):
		}
	}
}

// runOnce establishes one connection, sets up every channel and blocks
// until the connection dies or Stop is called.
func (c *Client) runOnce() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	channels := make([]*channel, 0, len(c.profiles))
	for _, p := range c.profiles {
		ch := newChannel(p, c.logger)
		if err := ch.setup(conn); err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	metrics.BrokerReconnectsTotal.Inc()
	c.logger.Info("broker connection established",
		zap.Int("channels", len(channels)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, len(channels))
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *channel) {
			defer wg.Done()
			if err := ch.run(ctx); err != nil {
				errCh <- err
			}
		}(ch)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	var runErr error
	select {
	case <-c.stopCh:
		// Cooperative shutdown: cancel consumers and close channels
		// (via ctx), then the deferred conn.Close tears the rest down.
	case amqpErr := <-connClosed:
		if amqpErr != nil {
			runErr = fmt.Errorf("connection closed: %w", amqpErr)
		}
	case err := <-errCh:
		runErr = err
	}

	cancel()
	wg.Wait()
	return runErr
}

// reconnectDelay grows by one second per attempt, capped at 30 s.
func (c *Client) reconnectDelay() time.Duration {
	c.attempts++
	d := time.Duration(c.attempts) * time.Second
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

// Stop shuts the client down and waits for the connection to be closed.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}
