package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TraceroutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_traceroutes_total",
			Help: "Submitted traceroutes by outcome (parsed, not_parsed).",
		},
		[]string{"outcome"},
	)

	ParsedByFormat = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_parsed_by_format_total",
			Help: "Parsed traceroutes by winning parser.",
		},
		[]string{"format"},
	)

	EnrichmentJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "richtraceroute_enrichment_jobs_total",
			Help: "Enrichment jobs processed.",
		},
	)

	EnrichmentJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "richtraceroute_enrichment_job_duration_seconds",
			Help:    "Wall time spent on a single enrichment job.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	EnrichmentErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "richtraceroute_enrichment_errors_total",
			Help: "Per-host enrichment failures.",
		},
	)

	ExternalSourceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_external_source_calls_total",
			Help: "External registry calls by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	ExternalSourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "richtraceroute_external_source_duration_seconds",
			Help:    "External registry call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	DNSQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_dns_queries_total",
			Help: "DNS lookups by kind (forward, reverse) and outcome (hit, miss, cached).",
		},
		[]string{"kind", "outcome"},
	)

	IPInfoCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_ipinfo_cache_lookups_total",
			Help: "Local IP-info trie lookups (hit, miss, expired).",
		},
		[]string{"outcome"},
	)

	IPInfoCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "richtraceroute_ipinfo_cache_entries",
			Help: "Prefixes held in the local IP-info trie.",
		},
	)

	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "richtraceroute_broker_reconnects_total",
			Help: "Broker connection (re)establishments.",
		},
	)

	BrokerPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_broker_published_total",
			Help: "Messages published by channel.",
		},
		[]string{"channel"},
	)

	BrokerConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_broker_consumed_total",
			Help: "Messages consumed by channel and action (ack, requeue).",
		},
		[]string{"channel", "action"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "richtraceroute_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	HousekeeperDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "richtraceroute_housekeeper_deleted_total",
			Help: "Rows removed by the housekeeper.",
		},
		[]string{"entity"},
	)

	IXPNetworksEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "richtraceroute_ixp_networks_entries",
			Help: "IXP LAN prefixes produced by the last refresh.",
		},
	)

	IXPNetworksRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "richtraceroute_ixp_networks_refresh_duration_seconds",
			Help:    "Duration of a full IXP networks refresh.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		TraceroutesTotal,
		ParsedByFormat,
		EnrichmentJobsTotal,
		EnrichmentJobDuration,
		EnrichmentErrorsTotal,
		ExternalSourceCalls,
		ExternalSourceDuration,
		DNSQueries,
		IPInfoCacheLookups,
		IPInfoCacheSize,
		BrokerReconnectsTotal,
		BrokerPublishedTotal,
		BrokerConsumedTotal,
		DBWriteDuration,
		HousekeeperDeletedTotal,
		IXPNetworksEntries,
		IXPNetworksRefreshDuration,
	)
}
