// Package enrichers hosts the worker side of the pipeline: consumers pull
// enrichment jobs off the broker and hand them to enrichers, which attach
// DNS, origin-AS and IXP facts to every host of a traceroute, keep the
// shared prefix cache warm and announce progress over the event channel.
package enrichers

import (
	"context"
	"math/rand"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
	"github.com/pierky/rich-traceroute/internal/traceroute"
)

// hostErrorMessage is what users see when a single host cannot be
// enriched; the job carries on with the next host.
const hostErrorMessage = "An error occurred while enriching the information for this host."

// DNSResolver is the forward/reverse lookup surface the enricher needs.
type DNSResolver interface {
	NameToIP(name string) (netip.Addr, bool)
	IPToName(addr netip.Addr) (string, bool)
}

// ExternalSource looks up origin data for an address; nil means the
// external registries had nothing (or failed, which is equivalent here).
type ExternalSource interface {
	PrefixOverview(ctx context.Context, addr netip.Addr) *ipinfo.IPDBInfo
}

// EventEmitter is the notification surface, implemented by events.Emitter.
type EventEmitter interface {
	HostEnriched(tracerouteID string, host traceroute.HostDict)
	HostEnrichmentError(tracerouteID string, hopN int, hostID, message string)
	EnrichmentCompleted(t *traceroute.Traceroute)
}

// Enricher processes enrichment jobs from the shared handoff queue. The
// prefix cache is shared with the sibling enrichers of the same consumer.
type Enricher struct {
	name  string
	cache *Cache
	jobs  <-chan *ipinfo.EnricherJob

	traceroutes *traceroute.Store
	ipInfo      *ipinfo.Store
	dns         DNSResolver
	source      ExternalSource
	emitter     EventEmitter

	// dispatchIPInfo pushes a freshly learned record onto the IP-info
	// fan-out so the other workers pick it up.
	dispatchIPInfo func(ipinfo.IPDBInfo)

	logger *zap.Logger

	// warmupDelay spreads the cache warm-up of a fleet of enrichers over
	// time; tests shrink it.
	warmupDelay func() time.Duration
}

// EnricherDeps bundles the collaborators every enricher of a consumer
// shares.
type EnricherDeps struct {
	Traceroutes    *traceroute.Store
	IPInfo         *ipinfo.Store
	DNS            DNSResolver
	Source         ExternalSource
	Emitter        EventEmitter
	DispatchIPInfo func(ipinfo.IPDBInfo)
}

func NewEnricher(name string, cache *Cache, jobs <-chan *ipinfo.EnricherJob, deps EnricherDeps, logger *zap.Logger) *Enricher {
	return &Enricher{
		name:           name,
		cache:          cache,
		jobs:           jobs,
		traceroutes:    deps.Traceroutes,
		ipInfo:         deps.IPInfo,
		dns:            deps.DNS,
		source:         deps.Source,
		emitter:        deps.Emitter,
		dispatchIPInfo: deps.DispatchIPInfo,
		logger:         logger.Named(name),
		warmupDelay: func() time.Duration {
			return time.Duration(1+rand.Intn(119)) * time.Second
		},
	}
}

// AddToLocalCache upserts a record into the shared prefix cache and, when
// dispatch is set, announces it on the IP-info fan-out.
func (e *Enricher) AddToLocalCache(info ipinfo.IPDBInfo, dispatch bool) {
	e.AddToLocalCacheAt(info, dispatch, time.Now().UTC())
}

func (e *Enricher) AddToLocalCacheAt(info ipinfo.IPDBInfo, dispatch bool, lastUpdated time.Time) {
	e.cache.Add(info, lastUpdated)

	if dispatch && e.dispatchIPInfo != nil {
		e.dispatchIPInfo(info)
	}
}

// Run services jobs until the channel delivers the nil sentinel or ctx is
// cancelled. The cache warm-up from the DB runs asynchronously after a
// random delay so a fleet of enrichers does not hammer the DB at once.
func (e *Enricher) Run(ctx context.Context) {
	warmup := time.AfterFunc(e.warmupDelay(), func() {
		e.loadCacheFromDB(ctx)
	})
	defer warmup.Stop()

	e.logger.Info("enricher ready to process jobs")

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-e.jobs:
			if !ok || job == nil {
				return
			}
			if err := e.ProcessJob(ctx, job); err != nil {
				e.logger.Error("enrichment job failed",
					zap.String("traceroute_id", job.TracerouteID),
					zap.Error(err))
			}
		}
	}
}

// loadCacheFromDB streams every stored prefix record into the cache with
// its original last_updated, so expiry keeps working across restarts.
func (e *Enricher) loadCacheFromDB(ctx context.Context) {
	e.logger.Info("loading IP info entries from DB")

	records, err := e.ipInfo.All(ctx)
	if err != nil {
		e.logger.Error("cache warm-up failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		e.AddToLocalCacheAt(rec.Info, false, rec.LastUpdated)
	}

	e.logger.Info("IP info entries loaded", zap.Int("entries", len(records)))
}

// ProcessJob enriches every host of one traceroute. Host-level failures
// emit an error event and move on; the job itself only fails when the
// traceroute cannot be loaded or finalized.
func (e *Enricher) ProcessJob(ctx context.Context, job *ipinfo.EnricherJob) error {
	start := time.Now()
	defer func() {
		metrics.EnrichmentJobDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.EnrichmentJobsTotal.Inc()

	if err := e.traceroutes.SetEnrichmentStarted(ctx, job.TracerouteID); err != nil {
		return err
	}

	for _, jobHost := range job.Hosts {
		host, err := e.enrichHost(ctx, jobHost)
		if err != nil {
			metrics.EnrichmentErrorsTotal.Inc()
			e.logger.Error("host enrichment failed",
				zap.String("traceroute_id", job.TracerouteID),
				zap.Int("hop_n", jobHost.HopN),
				zap.String("host_id", jobHost.HostID),
				zap.Error(err))
			e.emitter.HostEnrichmentError(job.TracerouteID,
				jobHost.HopN, jobHost.HostID, hostErrorMessage)
			continue
		}
		e.emitter.HostEnriched(job.TracerouteID, host.Dict())
	}

	if err := e.traceroutes.SetEnrichmentCompleted(ctx, job.TracerouteID); err != nil {
		return err
	}

	t, err := e.traceroutes.Get(ctx, job.TracerouteID)
	if err != nil {
		return err
	}
	e.emitter.EnrichmentCompleted(t)

	return nil
}

// enrichHost resolves one host's address and name, attaches prefix facts
// from the cache or the external sources and persists the outcome.
func (e *Enricher) enrichHost(ctx context.Context, jobHost ipinfo.EnricherJobHost) (*traceroute.Host, error) {
	var hostIP netip.Addr
	var hostName string

	if addr, err := netip.ParseAddr(jobHost.Host); err == nil {
		hostIP = addr
	} else {
		hostName = jobHost.Host
	}

	if hostIP.IsValid() {
		if ipinfo.IsGlobalAddr(hostIP) {
			hostName, _ = e.dns.IPToName(hostIP)
		}
	} else if hostName != "" {
		hostIP, _ = e.dns.NameToIP(hostName)
	}

	var info *ipinfo.IPDBInfo
	if hostIP.IsValid() && ipinfo.IsGlobalAddr(hostIP) {
		info = e.cache.Get(hostIP)

		if info == nil {
			e.logger.Debug("IP info not cached, querying external sources",
				zap.String("ip", hostIP.String()))

			info = e.source.PrefixOverview(ctx, hostIP)
			if info != nil {
				e.AddToLocalCache(*info, true)
				if err := e.ipInfo.Upsert(ctx, *info, db.Now()); err != nil {
					// The cache and the fan-out already carry the
					// record; losing the DB copy only costs a refetch.
					e.logger.Error("persisting IP info failed",
						zap.String("prefix", info.Prefix.String()),
						zap.Error(err))
				}
			}
		}
	}

	host, err := e.traceroutes.GetHost(ctx, jobHost.HostID)
	if err != nil {
		return nil, err
	}

	if hostIP.IsValid() {
		s := hostIP.String()
		host.IP = &s
	}
	if hostName != "" {
		host.Name = &hostName
	}
	host.Enriched = true

	if info != nil {
		host.Origins = info.Origins
		host.IXPNetwork = info.IXPNetwork
	}

	if err := e.traceroutes.SaveHostEnrichment(ctx, host); err != nil {
		return nil, err
	}
	return host, nil
}
