package enrichers

import (
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

const dnsCacheSize = 1024

// Resolver answers the forward and reverse lookups the enrichment needs.
// Results are cached for DNSCacheTTL; failures are returned as misses and
// not cached, so transient DNS trouble heals on the next job.
type Resolver struct {
	servers []string
	client  *dns.Client
	logger  *zap.Logger

	forward *expirable.LRU[string, string]
	reverse *expirable.LRU[string, string]

	// query is swapped out in tests.
	query func(name string, qtype uint16) ([]dns.RR, error)
}

func NewResolver(logger *zap.Logger) *Resolver {
	r := &Resolver{
		client:  &dns.Client{Timeout: config.DNSQueryTimeout},
		logger:  logger.Named("dns"),
		forward: expirable.NewLRU[string, string](dnsCacheSize, nil, config.DNSCacheTTL),
		reverse: expirable.NewLRU[string, string](dnsCacheSize, nil, config.DNSCacheTTL),
	}
	r.query = r.exchange

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		r.logger.Warn("no resolvers found, falling back to localhost",
			zap.Error(err))
		r.servers = []string{"127.0.0.1:53"}
	} else {
		for _, s := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
		}
	}

	return r
}

func (r *Resolver) exchange(name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return in.Answer, nil
	}
	return nil, lastErr
}

// NameToIP resolves a hostname to an address, preferring IPv4 like the
// traceroute tools whose output we ingest.
func (r *Resolver) NameToIP(name string) (netip.Addr, bool) {
	if cached, ok := r.forward.Get(name); ok {
		metrics.DNSQueries.WithLabelValues("forward", "cached").Inc()
		addr, err := netip.ParseAddr(cached)
		return addr, err == nil
	}

	start := time.Now()
	defer func() {
		r.logger.Debug("forward lookup",
			zap.String("name", name),
			zap.Duration("elapsed", time.Since(start)))
	}()

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.query(dns.Fqdn(name), qtype)
		if err != nil {
			continue
		}
		for _, rr := range answers {
			var ip string
			switch a := rr.(type) {
			case *dns.A:
				ip = a.A.String()
			case *dns.AAAA:
				ip = a.AAAA.String()
			default:
				continue
			}
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				continue
			}
			r.forward.Add(name, ip)
			metrics.DNSQueries.WithLabelValues("forward", "hit").Inc()
			return addr, true
		}
	}

	metrics.DNSQueries.WithLabelValues("forward", "miss").Inc()
	return netip.Addr{}, false
}

// IPToName resolves an address to its reverse name, without the trailing
// dot.
func (r *Resolver) IPToName(addr netip.Addr) (string, bool) {
	key := addr.String()
	if cached, ok := r.reverse.Get(key); ok {
		metrics.DNSQueries.WithLabelValues("reverse", "cached").Inc()
		return cached, true
	}

	reverseName, err := dns.ReverseAddr(key)
	if err != nil {
		metrics.DNSQueries.WithLabelValues("reverse", "miss").Inc()
		return "", false
	}

	answers, err := r.query(reverseName, dns.TypePTR)
	if err != nil {
		metrics.DNSQueries.WithLabelValues("reverse", "miss").Inc()
		return "", false
	}

	for _, rr := range answers {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		name := strings.TrimSuffix(ptr.Ptr, ".")
		r.reverse.Add(key, name)
		metrics.DNSQueries.WithLabelValues("reverse", "hit").Inc()
		return name, true
	}

	metrics.DNSQueries.WithLabelValues("reverse", "miss").Inc()
	return "", false
}
