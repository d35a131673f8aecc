package ixp

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

// Source is the PeeringDB surface the updater needs.
type Source interface {
	IXs(ctx context.Context) ([]IX, error)
	IXLans(ctx context.Context) ([]IXLan, error)
	IXPfxs(ctx context.Context) ([]IXPfx, error)
}

// Updater rebuilds the IXP prefix records: joins exchanges to their LANs
// and the LANs to their prefixes, persists each record and announces it
// on the IP-info fan-out so every running worker learns it.
type Updater struct {
	source   Source
	store    *ipinfo.Store
	dispatch func(ipinfo.IPDBInfo) error
	logger   *zap.Logger
}

func NewUpdater(source Source, store *ipinfo.Store, dispatch func(ipinfo.IPDBInfo) error, logger *zap.Logger) *Updater {
	return &Updater{
		source:   source,
		store:    store,
		dispatch: dispatch,
		logger:   logger.Named("ixp-updater"),
	}
}

// Run performs one full refresh. A fetch failure aborts the run quietly
// (the stale records stay valid until they expire); a dispatch failure
// aborts it with an error, since the fan-out is the workers' only way to
// learn the new records without a restart.
func (u *Updater) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.IXPNetworksRefreshDuration.Observe(time.Since(start).Seconds())
	}()

	u.logger.Info("refreshing IXP networks from PeeringDB")

	records, err := u.build(ctx)
	if err != nil {
		u.logger.Error("IXP networks refresh aborted", zap.Error(err))
		return nil
	}

	now := db.Now()
	for _, info := range records {
		if err := u.store.Upsert(ctx, info, now); err != nil {
			// Other workers still get the record via the fan-out; the
			// DB copy only matters for cache warm-ups.
			u.logger.Error("persisting IXP prefix failed",
				zap.String("prefix", info.Prefix.String()),
				zap.Error(err))
		}
		if err := u.dispatch(info); err != nil {
			return fmt.Errorf("dispatching IXP prefix %s: %w", info.Prefix, err)
		}
	}

	metrics.IXPNetworksEntries.Set(float64(len(records)))
	u.logger.Info("IXP networks refreshed",
		zap.Int("entries", len(records)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// build fetches the three PeeringDB lists and joins them into one
// IPDBInfo per peering-LAN prefix.
func (u *Updater) build(ctx context.Context) ([]ipinfo.IPDBInfo, error) {
	ixs, err := u.source.IXs(ctx)
	if err != nil {
		return nil, err
	}
	lans, err := u.source.IXLans(ctx)
	if err != nil {
		return nil, err
	}
	pfxs, err := u.source.IXPfxs(ctx)
	if err != nil {
		return nil, err
	}

	ixByID := make(map[int64]IX, len(ixs))
	for _, ix := range ixs {
		ixByID[ix.ID] = ix
	}
	lanByID := make(map[int64]IXLan, len(lans))
	for _, lan := range lans {
		lanByID[lan.ID] = lan
	}

	records := make([]ipinfo.IPDBInfo, 0, len(pfxs))
	for _, pfx := range pfxs {
		lan, ok := lanByID[pfx.IXLanID]
		if !ok {
			u.logger.Debug("prefix references unknown LAN",
				zap.String("prefix", pfx.Prefix),
				zap.Int64("ixlan_id", pfx.IXLanID))
			continue
		}
		ix, ok := ixByID[lan.IXID]
		if !ok {
			u.logger.Debug("LAN references unknown exchange",
				zap.Int64("ixlan_id", lan.ID),
				zap.Int64("ix_id", lan.IXID))
			continue
		}

		prefix, err := netip.ParsePrefix(pfx.Prefix)
		if err != nil {
			u.logger.Warn("skipping malformed PeeringDB prefix",
				zap.String("prefix", pfx.Prefix), zap.Error(err))
			continue
		}

		records = append(records, ipinfo.IPDBInfo{
			Prefix: prefix,
			IXPNetwork: &ipinfo.IXPNetwork{
				LanName:       ipinfo.StringOrNil(lan.Name),
				IXName:        ipinfo.StringOrNil(ix.Name),
				IXDescription: ipinfo.StringOrNil(ix.NameLong),
			},
		})
	}
	return records, nil
}
