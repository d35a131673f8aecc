package ipinfo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

// Record is a stored IPDBInfo plus its freshness timestamp.
type Record struct {
	Info        IPDBInfo
	LastUpdated time.Time
}

// Store persists prefix enrichment records. Replacing a prefix replaces its
// origin/IXP children atomically.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

func NewStore(d *db.DB, logger *zap.Logger) *Store {
	return &Store{db: d, logger: logger}
}

// Upsert creates or replaces the record for info's prefix. On update the
// children rows are deleted and re-inserted and last_updated is bumped.
func (s *Store) Upsert(ctx context.Context, info IPDBInfo, lastUpdated time.Time) error {
	start := time.Now()
	prefix := info.Prefix.String()

	err := s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM ip_info_prefixes WHERE prefix = ?`, prefix)
		if err != nil {
			return fmt.Errorf("checking prefix %s: %w", prefix, err)
		}

		if exists > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE ip_info_prefixes SET last_updated = ? WHERE prefix = ?`,
				lastUpdated, prefix); err != nil {
				return fmt.Errorf("updating prefix %s: %w", prefix, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ip_info_origins WHERE prefix = ?`, prefix); err != nil {
				return fmt.Errorf("deleting origins of %s: %w", prefix, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ip_info_ixp_networks WHERE prefix = ?`, prefix); err != nil {
				return fmt.Errorf("deleting ixp network of %s: %w", prefix, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ip_info_prefixes (prefix, last_updated) VALUES (?, ?)`,
				prefix, lastUpdated); err != nil {
				return fmt.Errorf("inserting prefix %s: %w", prefix, err)
			}
		}

		for _, origin := range info.Origins {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ip_info_origins (prefix, asn, holder) VALUES (?, ?, ?)`,
				prefix, origin.ASN, origin.Holder); err != nil {
				return fmt.Errorf("inserting origin of %s: %w", prefix, err)
			}
		}
		if ixp := info.IXPNetwork; ixp != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ip_info_ixp_networks
					(prefix, lan_name, ix_name, ix_description)
					VALUES (?, ?, ?, ?)`,
				prefix, ixp.LanName, ixp.IXName, ixp.IXDescription); err != nil {
				return fmt.Errorf("inserting ixp network of %s: %w", prefix, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.DBWriteDuration.WithLabelValues("ipinfo_upsert").
		Observe(time.Since(start).Seconds())
	return nil
}

// Get loads one prefix record, or nil when the prefix is unknown.
func (s *Store) Get(ctx context.Context, prefix netip.Prefix) (*Record, error) {
	var row struct {
		Prefix      string    `db:"prefix"`
		LastUpdated time.Time `db:"last_updated"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT prefix, last_updated FROM ip_info_prefixes WHERE prefix = ?`,
		prefix.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading prefix %s: %w", prefix, err)
	}

	rec := Record{
		Info:        IPDBInfo{Prefix: prefix},
		LastUpdated: row.LastUpdated,
	}

	var originRows []struct {
		ASN    int64  `db:"asn"`
		Holder string `db:"holder"`
	}
	if err := s.db.SelectContext(ctx, &originRows,
		`SELECT asn, holder FROM ip_info_origins WHERE prefix = ? ORDER BY id`,
		row.Prefix); err != nil {
		return nil, fmt.Errorf("loading origins of %s: %w", prefix, err)
	}
	for _, o := range originRows {
		rec.Info.Origins = append(rec.Info.Origins, Origin{ASN: o.ASN, Holder: o.Holder})
	}

	var ixpRows []struct {
		LanName       *string `db:"lan_name"`
		IXName        *string `db:"ix_name"`
		IXDescription *string `db:"ix_description"`
	}
	if err := s.db.SelectContext(ctx, &ixpRows,
		`SELECT lan_name, ix_name, ix_description
			FROM ip_info_ixp_networks WHERE prefix = ?`, row.Prefix); err != nil {
		return nil, fmt.Errorf("loading ixp network of %s: %w", prefix, err)
	}
	if len(ixpRows) > 0 {
		rec.Info.IXPNetwork = &IXPNetwork{
			LanName:       ixpRows[0].LanName,
			IXName:        ixpRows[0].IXName,
			IXDescription: ixpRows[0].IXDescription,
		}
	}
	return &rec, nil
}

// All loads every stored record, used by the enricher cache warm-up.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	var prefixRows []struct {
		Prefix      string    `db:"prefix"`
		LastUpdated time.Time `db:"last_updated"`
	}
	if err := s.db.SelectContext(ctx, &prefixRows,
		`SELECT prefix, last_updated FROM ip_info_prefixes`); err != nil {
		return nil, fmt.Errorf("loading prefixes: %w", err)
	}

	records := make([]Record, 0, len(prefixRows))
	byPrefix := make(map[string]*Record, len(prefixRows))
	for _, row := range prefixRows {
		prefix, err := netip.ParsePrefix(row.Prefix)
		if err != nil {
			s.logger.Warn("skipping malformed stored prefix",
				zap.String("prefix", row.Prefix), zap.Error(err))
			continue
		}
		records = append(records, Record{
			Info:        IPDBInfo{Prefix: prefix},
			LastUpdated: row.LastUpdated,
		})
		byPrefix[row.Prefix] = &records[len(records)-1]
	}

	if err := s.loadChildren(ctx, byPrefix); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) loadChildren(ctx context.Context, byPrefix map[string]*Record) error {
	if len(byPrefix) == 0 {
		return nil
	}

	var originRows []struct {
		Prefix string `db:"prefix"`
		ASN    int64  `db:"asn"`
		Holder string `db:"holder"`
	}
	if err := s.db.SelectContext(ctx, &originRows,
		`SELECT prefix, asn, holder FROM ip_info_origins ORDER BY id`); err != nil {
		return fmt.Errorf("loading origins: %w", err)
	}
	for _, row := range originRows {
		if rec, ok := byPrefix[row.Prefix]; ok {
			rec.Info.Origins = append(rec.Info.Origins,
				Origin{ASN: row.ASN, Holder: row.Holder})
		}
	}

	var ixpRows []struct {
		Prefix        string  `db:"prefix"`
		LanName       *string `db:"lan_name"`
		IXName        *string `db:"ix_name"`
		IXDescription *string `db:"ix_description"`
	}
	if err := s.db.SelectContext(ctx, &ixpRows,
		`SELECT prefix, lan_name, ix_name, ix_description
			FROM ip_info_ixp_networks`); err != nil {
		return fmt.Errorf("loading ixp networks: %w", err)
	}
	for _, row := range ixpRows {
		if rec, ok := byPrefix[row.Prefix]; ok {
			rec.Info.IXPNetwork = &IXPNetwork{
				LanName:       row.LanName,
				IXName:        row.IXName,
				IXDescription: row.IXDescription,
			}
		}
	}
	return nil
}

// RemoveOldEntries deletes records whose last_updated is before cutoff and
// returns how many were removed. Children go away with the parent row.
func (s *Store) RemoveOldEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ip_info_prefixes WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("removing old ip info entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
