// Package dispatch provides the outbound publishers: enrichment jobs to the
// shared work queue, IP-info records to the cache-coherence fan-out, and
// notification events to the event fan-out. Each dispatcher owns an
// in-memory FIFO drained by the broker publishing loop; while the broker is
// down, dispatched items wait in memory until reconnect.
package dispatch

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/broker"
)

// Queue is an unbounded in-memory FIFO of serialized messages.
type Queue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *Queue) Push(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
}

// PushFront puts an item back at the head of the queue, used when its
// publish failed and it must go out first on the next round.
func (q *Queue) PushFront(b []byte) {
	q.mu.Lock()
	q.items = append([][]byte{b}, q.items...)
	q.mu.Unlock()
}

// TryPop removes and returns the oldest item, reporting false when the
// queue is empty. It never blocks.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dispatcher pairs a queue with a publisher-only broker client.
type Dispatcher struct {
	name   string
	queue  *Queue
	client *broker.Client
	logger *zap.Logger
}

func newDispatcher(name, url string, profile broker.Profile, logger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		name:   name,
		queue:  &Queue{},
		logger: logger.Named(name),
	}
	profile.Name = name
	profile.NextMessage = d.queue.TryPop
	profile.Requeue = d.queue.PushFront

	client, err := broker.NewClient(url, d.logger, &profile)
	if err != nil {
		return nil, err
	}
	d.client = client
	return d, nil
}

// NewEnrichmentJobs builds the dispatcher publishing EnricherJob messages
// to the enrichment_jobs queue on the default exchange.
func NewEnrichmentJobs(url string, logger *zap.Logger) (*Dispatcher, error) {
	return newDispatcher("enrichment-jobs-dispatcher", url, broker.Profile{
		Queue:        broker.QueueEnrichmentJobs,
		DeclareQueue: true,
		Expiration:   broker.ExpirationEnrichmentJobs,
	}, logger)
}

// NewIPInfo builds the dispatcher publishing IPDBInfo records to the
// ip_info_data fan-out exchange.
func NewIPInfo(url string, logger *zap.Logger) (*Dispatcher, error) {
	return newDispatcher("ipinfo-dispatcher", url, broker.Profile{
		Exchange:     broker.ExchangeIPInfoData,
		ExchangeType: "fanout",
		Expiration:   broker.ExpirationFanout,
	}, logger)
}

// NewEvents builds the dispatcher publishing notification envelopes to the
// traceroute_events fan-out exchange.
func NewEvents(url string, logger *zap.Logger) (*Dispatcher, error) {
	return newDispatcher("events-dispatcher", url, broker.Profile{
		Exchange:     broker.ExchangeTracerouteEvents,
		ExchangeType: "fanout",
		Expiration:   broker.ExpirationFanout,
	}, logger)
}

// Dispatch serializes the item and enqueues it for the publishing loop.
// Serialization failures drop the item: everything handed to a dispatcher
// is one of our own wire types, so a failure here is a programming error.
func (d *Dispatcher) Dispatch(item any) {
	body, err := json.Marshal(item)
	if err != nil {
		d.logger.Error("dropping item that failed to serialize", zap.Error(err))
		return
	}
	d.queue.Push(body)
}

// Pending reports how many items are waiting to be published.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Start runs the broker client on its own goroutine.
func (d *Dispatcher) Start() {
	go d.client.Run()
}

// IsConnected reports whether the underlying broker connection is up.
func (d *Dispatcher) IsConnected() bool {
	return d.client.IsConnected()
}

// Stop shuts the broker client down. Items still queued are lost; both
// message kinds are safe to lose (jobs are re-createable from the DB, the
// fan-out is best-effort).
func (d *Dispatcher) Stop() {
	d.client.Stop()
}
