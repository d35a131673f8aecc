// Package ixp refreshes the IXP peering-LAN prefix set from PeeringDB and
// feeds the resulting records into the IP-info store and the broker
// fan-out, so every worker can tag hops sitting on an exchange LAN.
package ixp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/metrics"
)

const peeringDBBaseURL = "https://www.peeringdb.com"

// retryableStatuses are the PeeringDB responses worth retrying; anything
// else fails the fetch immediately.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IX is a PeeringDB Internet Exchange record.
type IX struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	NameLong string `json:"name_long"`
}

// IXLan is a peering LAN of an exchange.
type IXLan struct {
	ID   int64  `json:"id"`
	IXID int64  `json:"ix_id"`
	Name string `json:"name"`
}

// IXPfx is a prefix assigned to a peering LAN.
type IXPfx struct {
	IXLanID int64  `json:"ixlan_id"`
	Prefix  string `json:"prefix"`
}

// PeeringDB fetches the ix/ixlan/ixpfx lists. Transient upstream errors
// are retried with exponential backoff before giving up.
type PeeringDB struct {
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewPeeringDB(logger *zap.Logger) *PeeringDB {
	return &PeeringDB{
		baseURL:    peeringDBBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: 3 * time.Second,
		logger:     logger.Named("peeringdb"),
	}
}

func (p *PeeringDB) IXs(ctx context.Context) ([]IX, error) {
	var out []IX
	if err := p.fetchList(ctx, "ix", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PeeringDB) IXLans(ctx context.Context) ([]IXLan, error) {
	var out []IXLan
	if err := p.fetchList(ctx, "ixlan", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PeeringDB) IXPfxs(ctx context.Context) ([]IXPfx, error) {
	var out []IXPfx
	if err := p.fetchList(ctx, "ixpfx", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// retryableStatusError marks an HTTP status that justifies another attempt.
type retryableStatusError struct {
	status int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("HTTP status %d", e.status)
}

// fetchList GETs /api/<entity> and decodes the "data" list into dest.
func (p *PeeringDB) fetchList(ctx context.Context, entity string, dest any) error {
	start := time.Now()
	defer func() {
		metrics.ExternalSourceDuration.WithLabelValues("peeringdb").
			Observe(time.Since(start).Seconds())
	}()

	queryURL := fmt.Sprintf("%s/api/%s", p.baseURL, entity)

	err := retry.Do(
		func() error {
			return p.fetchOnce(ctx, queryURL, dest)
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(p.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var statusErr *retryableStatusError
			if errors.As(err, &statusErr) {
				return retryableStatuses[statusErr.status]
			}
			// Network-level failures are worth another try too.
			return true
		}),
		retry.OnRetry(func(attempt uint, err error) {
			p.logger.Warn("PeeringDB request failed, retrying",
				zap.String("entity", entity),
				zap.Uint("attempt", attempt+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		metrics.ExternalSourceCalls.WithLabelValues("peeringdb", "error").Inc()
		return fmt.Errorf("fetching PeeringDB %s: %w", entity, err)
	}

	metrics.ExternalSourceCalls.WithLabelValues("peeringdb", "ok").Inc()
	return nil
}

func (p *PeeringDB) fetchOnce(ctx context.Context, queryURL string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &retryableStatusError{status: resp.StatusCode}
	}

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("decoding data list: %w", err)
	}
	return nil
}
