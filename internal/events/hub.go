package events

import (
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/broker"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

// memberBuffer is the per-member delivery buffer. A member that stops
// draining its channel misses events rather than blocking the hub.
const memberBuffer = 16

// Hub fans incoming envelopes out to the local members of each room.
// Members are WebSocket connections on the web process; the hub itself does
// not know about transports.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[chan Envelope]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[chan Envelope]struct{}),
		logger: logger.Named("events-hub"),
	}
}

// Join adds a member to a room. The returned leave function is idempotent
// and closes the member channel.
func (h *Hub) Join(room string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, memberBuffer)

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[chan Envelope]struct{})
		h.rooms[room] = members
	}
	members[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	leave := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(members, ch)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, leave
}

// Broadcast delivers the envelope to every member of its room. Members
// with a full buffer are skipped.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.rooms[env.Room] {
		select {
		case ch <- env:
		default:
			h.logger.Warn("dropping event for slow room member",
				zap.String("room", env.Room),
				zap.String("event", env.Event))
		}
	}
}

// Rooms reports how many rooms currently have members.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// NewSubscriber builds the broker client that feeds the hub: an exclusive
// server-named queue bound to the traceroute_events fan-out exchange.
func NewSubscriber(url string, hub *Hub, logger *zap.Logger) (*broker.Client, error) {
	return broker.NewClient(url, logger, &broker.Profile{
		Name:         "events-subscriber",
		Exchange:     broker.ExchangeTracerouteEvents,
		ExchangeType: "fanout",
		DeclareQueue: true,
		Exclusive:    true,
		Prefetch:     10,
		OnMessage: func(d amqp.Delivery) {
			if err := d.Ack(false); err != nil {
				hub.logger.Debug("event ack failed", zap.Error(err))
			}
			metrics.BrokerConsumedTotal.WithLabelValues("events-subscriber", "ack").Inc()

			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				hub.logger.Warn("discarding malformed event envelope", zap.Error(err))
				return
			}
			hub.Broadcast(env)
		},
	})
}
