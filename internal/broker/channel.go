package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

// Names of the broker entities shared by publishers and consumers.
const (
	QueueEnrichmentJobs      = "enrichment_jobs"
	ExchangeIPInfoData       = "ip_info_data"
	ExchangeTracerouteEvents = "traceroute_events"
)

// Per-message TTLs, in milliseconds, as they go on the wire.
const (
	ExpirationEnrichmentJobs = "120000"
	ExpirationFanout         = "60000"
)

// ChannelState tracks where a channel is in its setup sequence. Optional
// stages are skipped depending on the profile.
type ChannelState int

const (
	StateInit ChannelState = iota
	StateOpen
	StateExchangeDeclared
	StateQueueDeclared
	StateBound
	StateQOSSet
	StateReady
	StateConsuming
	StatePublishing
	StateCancelling
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StateExchangeDeclared:
		return "exchange_declared"
	case StateQueueDeclared:
		return "queue_declared"
	case StateBound:
		return "bound"
	case StateQOSSet:
		return "qos_set"
	case StateReady:
		return "ready"
	case StateConsuming:
		return "consuming"
	case StatePublishing:
		return "publishing"
	case StateCancelling:
		return "cancelling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Profile describes one channel: which exchange/queue it declares, its QoS,
// and whether it consumes, publishes, or both. A profile with a NextMessage
// callback runs the publishing loop; one with an OnMessage callback consumes.
type Profile struct {
	Name string

	// Exchange to declare; empty means the default exchange.
	Exchange     string
	ExchangeType string

	// Queue to declare. The empty string with DeclareQueue set asks the
	// broker for a server-named queue (used by fan-out consumers).
	Queue        string
	DeclareQueue bool
	Durable      bool
	Exclusive    bool
	AutoDelete   bool

	Prefetch int

	// Expiration is the per-message TTL applied to published messages.
	Expiration string

	// OnMessage handles one delivery. Ack/nack is up to the callback.
	OnMessage func(d amqp.Delivery)

	// NextMessage pops the next outbound message, reporting false when
	// the queue is empty.
	NextMessage func() ([]byte, bool)

	// Requeue puts back a message whose publish failed, so the outbound
	// queue keeps it until the next round after reconnect.
	Requeue func([]byte)
}

// Validate catches profiles that would hang the state machine at runtime.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("broker: channel profile without a name")
	}
	if p.OnMessage == nil && p.NextMessage == nil {
		return fmt.Errorf("broker: channel %s neither consumes nor publishes", p.Name)
	}
	if p.OnMessage != nil && !p.DeclareQueue {
		return fmt.Errorf("broker: consuming channel %s must declare a queue", p.Name)
	}
	if p.Exchange != "" && p.ExchangeType == "" {
		return fmt.Errorf("broker: channel %s declares exchange %s without a type",
			p.Name, p.Exchange)
	}
	return nil
}

// channel drives one AMQP channel through its state machine. All state
// transitions happen on the run goroutine.
type channel struct {
	profile *Profile
	logger  *zap.Logger

	mu    sync.Mutex
	state ChannelState

	ch          *amqp.Channel
	queueName   string
	consumerTag string

	// publish sends one outbound message, amqpPublish outside of tests.
	publish func(ctx context.Context, body []byte) error
}

func newChannel(p *Profile, logger *zap.Logger) *channel {
	c := &channel{
		profile: p,
		logger:  logger.Named(p.Name),
		state:   StateInit,
	}
	c.publish = c.amqpPublish
	return c
}

func (c *channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("channel state", zap.Stringer("state", s))
}

func (c *channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setup walks the declare/bind/qos sequence until the channel is READY.
func (c *channel) setup(conn *amqp.Connection) error {
	p := c.profile

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel %s: %w", p.Name, err)
	}
	c.ch = ch
	c.setState(StateOpen)

	if p.Exchange != "" {
		if err := ch.ExchangeDeclare(
			p.Exchange, p.ExchangeType,
			false, // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", p.Exchange, err)
		}
		c.setState(StateExchangeDeclared)
	}

	if p.DeclareQueue {
		q, err := ch.QueueDeclare(
			p.Queue, p.Durable, p.AutoDelete, p.Exclusive,
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declaring queue %q: %w", p.Queue, err)
		}
		c.queueName = q.Name
		c.setState(StateQueueDeclared)

		if p.Exchange != "" {
			if err := ch.QueueBind(q.Name, "", p.Exchange, false, nil); err != nil {
				return fmt.Errorf("binding queue %s to exchange %s: %w",
					q.Name, p.Exchange, err)
			}
			c.setState(StateBound)
		}
	}

	if p.Prefetch > 0 {
		if err := ch.Qos(p.Prefetch, 0, false); err != nil {
			return fmt.Errorf("setting qos on channel %s: %w", p.Name, err)
		}
		c.setState(StateQOSSet)
	}

	c.setState(StateReady)
	return nil
}

// run services the channel until ctx is cancelled or the channel dies.
// Consumers block on the delivery stream; publishers on the publish timer.
func (c *channel) run(ctx context.Context) error {
	p := c.profile

	var deliveries <-chan amqp.Delivery
	if p.OnMessage != nil {
		c.consumerTag = fmt.Sprintf("%s-%s", p.Name, c.queueName)
		d, err := c.ch.Consume(
			c.queueName, c.consumerTag,
			false, // auto-ack
			p.Exclusive,
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("consuming from %s: %w", c.queueName, err)
		}
		deliveries = d
		c.setState(StateConsuming)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	if p.NextMessage != nil {
		timer = time.NewTimer(config.PublishInterval)
		defer timer.Stop()
		timerC = timer.C
		if p.OnMessage == nil {
			c.setState(StatePublishing)
		}
	}

	closed := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil

		case amqpErr := <-closed:
			c.setState(StateClosed)
			if amqpErr != nil {
				return fmt.Errorf("channel %s closed: %w", p.Name, amqpErr)
			}
			return nil

		case d, ok := <-deliveries:
			if !ok {
				// Stream ended, the close notification follows.
				deliveries = nil
				continue
			}
			p.OnMessage(d)

		case <-timerC:
			c.drainOutbound(ctx)
			timer.Reset(config.PublishInterval)
		}
	}
}

// drainOutbound publishes queued messages until the outbound queue is
// empty. On a publish failure the message goes back to the front of the
// queue, so nothing is lost while the connection is down.
func (c *channel) drainOutbound(ctx context.Context) {
	p := c.profile
	for {
		body, ok := p.NextMessage()
		if !ok {
			return
		}

		if err := c.publish(ctx, body); err != nil {
			c.logger.Warn("publish failed, message kept for the next round",
				zap.Error(err))
			if p.Requeue != nil {
				p.Requeue(body)
			}
			return
		}
		metrics.BrokerPublishedTotal.WithLabelValues(p.Name).Inc()
	}
}

func (c *channel) amqpPublish(ctx context.Context, body []byte) error {
	p := c.profile
	return c.ch.PublishWithContext(ctx,
		p.Exchange,
		p.Queue, // routing key; queue name on the default exchange
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Expiration:  p.Expiration,
		})
}

// teardown cancels the consumer and closes the channel, the cooperative
// half of Stop().
func (c *channel) teardown() {
	c.setState(StateCancelling)
	if c.consumerTag != "" {
		if err := c.ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Debug("consumer cancel failed", zap.Error(err))
		}
	}
	if err := c.ch.Close(); err != nil {
		c.logger.Debug("channel close failed", zap.Error(err))
	}
	c.setState(StateClosed)
}
