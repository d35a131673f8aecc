package enrichers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/broker"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

// Consumer owns one broker connection (jobs channel + IP-info fan-out
// channel) and a pool of enrichers sharing a handoff queue of capacity 1.
// A job arriving while the handoff queue is occupied is nacked with
// requeue, letting the broker offer it to a worker with an idle enricher;
// prefetch 1 plus this nack is the whole load-spreading mechanism.
type Consumer struct {
	name   string
	client *broker.Client
	logger *zap.Logger

	cache     *Cache
	jobs      chan *ipinfo.EnricherJob
	enrichers []*Enricher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(name, url string, enrichersPerConsumer int, deps EnricherDeps, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		name:   name,
		logger: logger.Named(name),
		cache:  NewCache(),
		jobs:   make(chan *ipinfo.EnricherJob, 1),
	}

	for n := 0; n < enrichersPerConsumer; n++ {
		c.enrichers = append(c.enrichers, NewEnricher(
			fmt.Sprintf("%s-enricher-%d", name, n),
			c.cache, c.jobs, deps, c.logger,
		))
	}

	client, err := broker.NewClient(url, c.logger,
		&broker.Profile{
			Name:         "enrichment-jobs",
			Queue:        broker.QueueEnrichmentJobs,
			DeclareQueue: true,
			Prefetch:     1,
			OnMessage:    c.receiveEnrichmentJob,
		},
		&broker.Profile{
			Name:         "ip-info-data",
			Exchange:     broker.ExchangeIPInfoData,
			ExchangeType: "fanout",
			DeclareQueue: true,
			Exclusive:    true,
			Prefetch:     10,
			OnMessage:    c.receiveIPInfo,
		},
	)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// Start launches the enrichers and the broker client.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for _, e := range c.enrichers {
		c.wg.Add(1)
		go func(e *Enricher) {
			defer c.wg.Done()
			e.Run(ctx)
		}(e)
	}

	go c.client.Run()
}

// IsConnected reports whether the broker connection is up.
func (c *Consumer) IsConnected() bool {
	return c.client.IsConnected()
}

// AddToLocalCache feeds a record into the consumer's shared prefix cache,
// used by the fan-out callback and by tests.
func (c *Consumer) AddToLocalCache(info ipinfo.IPDBInfo) {
	if len(c.enrichers) == 0 {
		return
	}
	c.enrichers[0].AddToLocalCache(info, false)
}

// receiveEnrichmentJob applies the back-pressure contract: busy → nack
// with requeue, idle → ack, decode, hand off.
func (c *Consumer) receiveEnrichmentJob(d amqp.Delivery) {
	if len(c.jobs) > 0 {
		if err := d.Nack(false, true); err != nil {
			c.logger.Debug("job nack failed", zap.Error(err))
		}
		metrics.BrokerConsumedTotal.WithLabelValues("enrichment-jobs", "requeue").Inc()
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Debug("job ack failed", zap.Error(err))
	}
	metrics.BrokerConsumedTotal.WithLabelValues("enrichment-jobs", "ack").Inc()

	var job ipinfo.EnricherJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.logger.Warn("discarding malformed enrichment job", zap.Error(err))
		return
	}

	c.jobs <- &job
}

// receiveIPInfo acks immediately and merges the record into the shared
// cache without re-dispatching it.
func (c *Consumer) receiveIPInfo(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Debug("ip-info ack failed", zap.Error(err))
	}
	metrics.BrokerConsumedTotal.WithLabelValues("ip-info-data", "ack").Inc()

	var info ipinfo.IPDBInfo
	if err := json.Unmarshal(d.Body, &info); err != nil {
		c.logger.Warn("discarding malformed IP info message", zap.Error(err))
		return
	}

	c.AddToLocalCache(info)
}

// Stop signals every enricher with a sentinel, then stops the broker
// client and waits for the enrichers to drain.
func (c *Consumer) Stop() {
	for range c.enrichers {
		select {
		case c.jobs <- nil:
		default:
			// An enricher stuck mid-job picks up the context
			// cancellation instead.
		}
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.client.Stop()
	c.wg.Wait()
}
