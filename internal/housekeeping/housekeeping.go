// Package housekeeping removes expired traceroutes and stale IP-info
// records on a fixed schedule, keeping the database bounded.
package housekeeping

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
	"github.com/pierky/rich-traceroute/internal/traceroute"
)

type Housekeeper struct {
	traceroutes *traceroute.Store
	ipInfo      *ipinfo.Store
	logger      *zap.Logger
}

func NewHousekeeper(traceroutes *traceroute.Store, ipInfo *ipinfo.Store, logger *zap.Logger) *Housekeeper {
	return &Housekeeper{
		traceroutes: traceroutes,
		ipInfo:      ipInfo,
		logger:      logger.Named("housekeeper"),
	}
}

// RunOnce deletes traceroutes past their retention and IP-info records
// past their expiry. A failure on one entity does not stop the other.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	deleted, err := h.traceroutes.RemoveOldEntries(ctx, now.Add(-config.TracerouteExpiry))
	if err != nil {
		h.logger.Error("removing expired traceroutes failed", zap.Error(err))
	} else if deleted > 0 {
		h.logger.Info("expired traceroutes removed", zap.Int64("deleted", deleted))
	}

	deleted, err = h.ipInfo.RemoveOldEntries(ctx, now.Add(-config.IPInfoExpiry))
	if err != nil {
		h.logger.Error("removing stale IP info records failed", zap.Error(err))
	} else if deleted > 0 {
		metrics.HousekeeperDeletedTotal.WithLabelValues("ip_info_prefixes").
			Add(float64(deleted))
		h.logger.Info("stale IP info records removed", zap.Int64("deleted", deleted))
	}
}
