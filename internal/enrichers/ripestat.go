package enrichers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

const ripeStatBaseURL = "https://stat.ripe.net"

// RIPEStat queries the RIPEstat prefix-overview endpoint for the prefix
// covering an address and the ASNs announcing it. Any failure is logged,
// counted and reported as a nil result: the host is still saved, just
// without origin data.
type RIPEStat struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewRIPEStat(logger *zap.Logger) *RIPEStat {
	return &RIPEStat{
		baseURL:    ripeStatBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("ripestat"),
	}
}

type prefixOverviewResponse struct {
	Status string `json:"status"`
	Data   struct {
		Resource string `json:"resource"`
		ASNs     []struct {
			ASN    int64  `json:"asn"`
			Holder string `json:"holder"`
		} `json:"asns"`
	} `json:"data"`
}

// PrefixOverview returns the origin info for the prefix covering addr, or
// nil when the lookup fails or RIPEstat has nothing to say.
func (r *RIPEStat) PrefixOverview(ctx context.Context, addr netip.Addr) *ipinfo.IPDBInfo {
	start := time.Now()
	defer func() {
		metrics.ExternalSourceDuration.WithLabelValues("ripestat").
			Observe(time.Since(start).Seconds())
	}()

	queryURL := fmt.Sprintf("%s/data/prefix-overview/data.json?resource=%s",
		r.baseURL, url.QueryEscape(addr.String()))

	info, err := r.fetch(ctx, queryURL)
	if err != nil {
		r.logger.Error("prefix-overview query failed",
			zap.String("resource", addr.String()), zap.Error(err))
		metrics.ExternalSourceCalls.WithLabelValues("ripestat", "error").Inc()
		return nil
	}

	metrics.ExternalSourceCalls.WithLabelValues("ripestat", "ok").Inc()
	return info
}

func (r *RIPEStat) fetch(ctx context.Context, queryURL string) (*ipinfo.IPDBInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	var parsed prefixOverviewResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if parsed.Status != "ok" {
		return nil, fmt.Errorf("response status is %q", parsed.Status)
	}

	prefix, err := netip.ParsePrefix(parsed.Data.Resource)
	if err != nil {
		return nil, fmt.Errorf("parsing resource %q: %w", parsed.Data.Resource, err)
	}

	info := &ipinfo.IPDBInfo{Prefix: prefix}
	for _, a := range parsed.Data.ASNs {
		info.Origins = append(info.Origins, ipinfo.Origin{
			ASN:    a.ASN,
			Holder: a.Holder,
		})
	}
	return info, nil
}
