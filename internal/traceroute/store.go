package traceroute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
	"github.com/pierky/rich-traceroute/internal/parsers"
)

// ErrNotFound is returned when a traceroute ID does not exist.
var ErrNotFound = errors.New("traceroute not found")

// zstd frames start with the magic number 0xFD2FB528, little-endian on
// the wire.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Store persists traceroutes and their hop/host graph. Raw submissions
// can optionally be compressed at rest; reads handle both compressed
// and plain rows, so the option can be toggled at any time.
type Store struct {
	db     *db.DB
	logger *zap.Logger

	compressRaw bool
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func NewStore(database *db.DB, logger *zap.Logger, compressRaw bool) (*Store, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}

	s := &Store{
		db:          database,
		logger:      logger.Named("traceroute-store"),
		compressRaw: compressRaw,
		dec:         dec,
	}

	if compressRaw {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		s.enc = enc
	}

	return s, nil
}

func (s *Store) encodeRaw(raw string) []byte {
	if s.enc == nil {
		return []byte(raw)
	}
	return s.enc.EncodeAll([]byte(raw), nil)
}

func (s *Store) decodeRaw(stored []byte) (string, error) {
	if len(stored) >= len(zstdMagic) &&
		stored[0] == zstdMagic[0] && stored[1] == zstdMagic[1] &&
		stored[2] == zstdMagic[2] && stored[3] == zstdMagic[3] {
		plain, err := s.dec.DecodeAll(stored, nil)
		if err != nil {
			return "", fmt.Errorf("decompressing raw: %w", err)
		}
		return string(plain), nil
	}
	return string(stored), nil
}

// Create stores the submitted raw text and parses it. The traceroute
// row is persisted even when no parser understands the input, so the
// submission can still be inspected later; in that case the returned
// traceroute has Parsed unset and no hops.
func (s *Store) Create(ctx context.Context, raw string) (*Traceroute, error) {
	start := time.Now()
	defer func() {
		metrics.DBWriteDuration.WithLabelValues("create_traceroute").
			Observe(time.Since(start).Seconds())
	}()

	now := db.Now()

	t := &Traceroute{
		ID:       NewID(),
		Raw:      raw,
		Created:  now,
		LastSeen: now,
	}

	hops, format, parsed := parsers.Best(raw)

	err := s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO traceroutes (id, raw, created, last_seen, parsed, enriched)
			 VALUES (?, ?, ?, ?, 0, 0)`,
			t.ID, s.encodeRaw(raw), t.Created, t.LastSeen); err != nil {
			return fmt.Errorf("inserting traceroute: %w", err)
		}

		if !parsed {
			return nil
		}

		for _, hopN := range hops.Numbers() {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO hops (traceroute_id, hop_number) VALUES (?, ?)`,
				t.ID, hopN)
			if err != nil {
				return fmt.Errorf("inserting hop %d: %w", hopN, err)
			}
			hopID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("hop %d: %w", hopN, err)
			}

			hop := &Hop{ID: hopID, HopNumber: hopN}

			for position, parsedHost := range hops[hopN] {
				host := &Host{
					ID:           NewID(),
					HopID:        hopID,
					HopNumber:    hopN,
					OriginalHost: parsedHost.Host,
					AvgRTT:       parsedHost.AvgRTT,
					MinRTT:       parsedHost.MinRTT,
					MaxRTT:       parsedHost.MaxRTT,
					Loss:         parsedHost.Loss,
				}

				if _, err := tx.ExecContext(ctx,
					`INSERT INTO hosts
					 (id, hop_id, position, original_host, avg_rtt, min_rtt, max_rtt, loss, enriched)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
					host.ID, hopID, position, host.OriginalHost,
					host.AvgRTT, host.MinRTT, host.MaxRTT, host.Loss); err != nil {
					return fmt.Errorf("inserting host for hop %d: %w", hopN, err)
				}

				hop.Hosts = append(hop.Hosts, host)
			}

			t.Hops = append(t.Hops, hop)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE traceroutes SET parsed = 1 WHERE id = ?`, t.ID); err != nil {
			return fmt.Errorf("marking traceroute as parsed: %w", err)
		}

		t.Parsed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if parsed {
		metrics.TraceroutesTotal.WithLabelValues("parsed").Inc()
		metrics.ParsedByFormat.WithLabelValues(format).Inc()
		s.logger.Info("traceroute created",
			zap.String("id", t.ID),
			zap.String("format", format),
			zap.Int("hops", len(t.Hops)))
	} else {
		metrics.TraceroutesTotal.WithLabelValues("not_parsed").Inc()
		s.logger.Info("traceroute created, no parser matched",
			zap.String("id", t.ID))
	}

	return t, nil
}

type tracerouteRow struct {
	ID                  string     `db:"id"`
	Raw                 []byte     `db:"raw"`
	Created             time.Time  `db:"created"`
	LastSeen            time.Time  `db:"last_seen"`
	Parsed              bool       `db:"parsed"`
	Enriched            bool       `db:"enriched"`
	EnrichmentStarted   *time.Time `db:"enrichment_started"`
	EnrichmentCompleted *time.Time `db:"enrichment_completed"`
}

func (r *tracerouteRow) toTraceroute(s *Store) (*Traceroute, error) {
	raw, err := s.decodeRaw(r.Raw)
	if err != nil {
		return nil, err
	}
	return &Traceroute{
		ID:                  r.ID,
		Raw:                 raw,
		Created:             r.Created,
		LastSeen:            r.LastSeen,
		Parsed:              r.Parsed,
		Enriched:            r.Enriched,
		EnrichmentStarted:   r.EnrichmentStarted,
		EnrichmentCompleted: r.EnrichmentCompleted,
	}, nil
}

type hostRow struct {
	ID           string   `db:"id"`
	HopID        int64    `db:"hop_id"`
	HopNumber    int      `db:"hop_number"`
	OriginalHost string   `db:"original_host"`
	AvgRTT       *float64 `db:"avg_rtt"`
	MinRTT       *float64 `db:"min_rtt"`
	MaxRTT       *float64 `db:"max_rtt"`
	Loss         *float64 `db:"loss"`
	IP           *string  `db:"ip"`
	Name         *string  `db:"name"`
	Enriched     bool     `db:"enriched"`
}

// Get loads a traceroute with its full hop/host graph, hops ordered by
// hop number, hosts in parsing order, enrichment facts included.
func (s *Store) Get(ctx context.Context, id string) (*Traceroute, error) {
	var row tracerouteRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, raw, created, last_seen, parsed, enriched,
		        enrichment_started, enrichment_completed
		 FROM traceroutes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading traceroute %s: %w", id, err)
	}

	t, err := row.toTraceroute(s)
	if err != nil {
		return nil, err
	}

	type hopRow struct {
		ID        int64 `db:"id"`
		HopNumber int   `db:"hop_number"`
	}
	var hopRows []hopRow
	if err := s.db.SelectContext(ctx, &hopRows,
		`SELECT id, hop_number FROM hops
		 WHERE traceroute_id = ? ORDER BY hop_number`, id); err != nil {
		return nil, fmt.Errorf("loading hops of %s: %w", id, err)
	}

	hopsByID := make(map[int64]*Hop, len(hopRows))
	for _, hr := range hopRows {
		hop := &Hop{ID: hr.ID, HopNumber: hr.HopNumber}
		hopsByID[hr.ID] = hop
		t.Hops = append(t.Hops, hop)
	}

	var hostRows []hostRow
	if err := s.db.SelectContext(ctx, &hostRows,
		`SELECT h.id, h.hop_id, p.hop_number, h.original_host,
		        h.avg_rtt, h.min_rtt, h.max_rtt, h.loss,
		        h.ip, h.name, h.enriched
		 FROM hosts h
		 JOIN hops p ON p.id = h.hop_id
		 WHERE p.traceroute_id = ?
		 ORDER BY p.hop_number, h.position`, id); err != nil {
		return nil, fmt.Errorf("loading hosts of %s: %w", id, err)
	}

	hostsByID := make(map[string]*Host, len(hostRows))
	for _, hr := range hostRows {
		host := &Host{
			ID:           hr.ID,
			HopID:        hr.HopID,
			HopNumber:    hr.HopNumber,
			OriginalHost: hr.OriginalHost,
			AvgRTT:       hr.AvgRTT,
			MinRTT:       hr.MinRTT,
			MaxRTT:       hr.MaxRTT,
			Loss:         hr.Loss,
			IP:           hr.IP,
			Name:         hr.Name,
			Enriched:     hr.Enriched,
		}
		hostsByID[host.ID] = host

		hop := hopsByID[host.HopID]
		hop.Hosts = append(hop.Hosts, host)
	}

	type originRow struct {
		HostID string `db:"host_id"`
		ASN    int64  `db:"asn"`
		Holder string `db:"holder"`
	}
	var originRows []originRow
	if err := s.db.SelectContext(ctx, &originRows,
		`SELECT o.host_id, o.asn, o.holder
		 FROM host_origins o
		 JOIN hosts h ON h.id = o.host_id
		 JOIN hops p ON p.id = h.hop_id
		 WHERE p.traceroute_id = ?
		 ORDER BY o.id`, id); err != nil {
		return nil, fmt.Errorf("loading origins of %s: %w", id, err)
	}
	for _, or := range originRows {
		host := hostsByID[or.HostID]
		host.Origins = append(host.Origins, ipinfo.Origin{
			ASN:    or.ASN,
			Holder: or.Holder,
		})
	}

	type ixpRow struct {
		HostID        string  `db:"host_id"`
		LanName       *string `db:"lan_name"`
		IXName        *string `db:"ix_name"`
		IXDescription *string `db:"ix_description"`
	}
	var ixpRows []ixpRow
	if err := s.db.SelectContext(ctx, &ixpRows,
		`SELECT x.host_id, x.lan_name, x.ix_name, x.ix_description
		 FROM host_ixp_networks x
		 JOIN hosts h ON h.id = x.host_id
		 JOIN hops p ON p.id = h.hop_id
		 WHERE p.traceroute_id = ?`, id); err != nil {
		return nil, fmt.Errorf("loading IXP networks of %s: %w", id, err)
	}
	for _, xr := range ixpRows {
		host := hostsByID[xr.HostID]
		host.IXPNetwork = &ipinfo.IXPNetwork{
			LanName:       xr.LanName,
			IXName:        xr.IXName,
			IXDescription: xr.IXDescription,
		}
	}

	return t, nil
}

// GetHost loads one host row by ID, without origin/IXP children; the
// enricher replaces those anyway.
func (s *Store) GetHost(ctx context.Context, id string) (*Host, error) {
	var row hostRow
	err := s.db.GetContext(ctx, &row,
		`SELECT h.id, h.hop_id, p.hop_number, h.original_host,
		        h.avg_rtt, h.min_rtt, h.max_rtt, h.loss,
		        h.ip, h.name, h.enriched
		 FROM hosts h
		 JOIN hops p ON p.id = h.hop_id
		 WHERE h.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading host %s: %w", id, err)
	}
	return &Host{
		ID:           row.ID,
		HopID:        row.HopID,
		HopNumber:    row.HopNumber,
		OriginalHost: row.OriginalHost,
		AvgRTT:       row.AvgRTT,
		MinRTT:       row.MinRTT,
		MaxRTT:       row.MaxRTT,
		Loss:         row.Loss,
		IP:           row.IP,
		Name:         row.Name,
		Enriched:     row.Enriched,
	}, nil
}

// BumpLastSeen refreshes the last_seen timestamp, keeping the
// traceroute out of the housekeeper's reach a little longer.
func (s *Store) BumpLastSeen(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE traceroutes SET last_seen = ? WHERE id = ?`,
		db.Now(), id); err != nil {
		return fmt.Errorf("updating last_seen of %s: %w", id, err)
	}
	return nil
}

// SetEnrichmentStarted records when the first worker picked the
// traceroute up. Only the first call has an effect.
func (s *Store) SetEnrichmentStarted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE traceroutes SET enrichment_started = ?
		 WHERE id = ? AND enrichment_started IS NULL`,
		db.Now(), id); err != nil {
		return fmt.Errorf("updating enrichment_started of %s: %w", id, err)
	}
	return nil
}

// SetEnrichmentCompleted marks the traceroute as fully enriched.
func (s *Store) SetEnrichmentCompleted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE traceroutes SET enriched = 1, enrichment_completed = ?
		 WHERE id = ?`,
		db.Now(), id); err != nil {
		return fmt.Errorf("updating enrichment_completed of %s: %w", id, err)
	}
	return nil
}

// SaveHostEnrichment persists the enrichment outcome for a single
// host: resolved address and name, origins and IXP network. Replaces
// any facts from a previous run.
func (s *Store) SaveHostEnrichment(ctx context.Context, host *Host) error {
	start := time.Now()
	defer func() {
		metrics.DBWriteDuration.WithLabelValues("save_host_enrichment").
			Observe(time.Since(start).Seconds())
	}()

	return s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hosts SET ip = ?, name = ?, enriched = 1 WHERE id = ?`,
			host.IP, host.Name, host.ID); err != nil {
			return fmt.Errorf("updating host %s: %w", host.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM host_origins WHERE host_id = ?`, host.ID); err != nil {
			return fmt.Errorf("clearing origins of host %s: %w", host.ID, err)
		}
		for _, origin := range host.Origins {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO host_origins (host_id, asn, holder) VALUES (?, ?, ?)`,
				host.ID, origin.ASN, origin.Holder); err != nil {
				return fmt.Errorf("inserting origin of host %s: %w", host.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM host_ixp_networks WHERE host_id = ?`, host.ID); err != nil {
			return fmt.Errorf("clearing IXP network of host %s: %w", host.ID, err)
		}
		if host.IXPNetwork != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO host_ixp_networks (host_id, lan_name, ix_name, ix_description)
				 VALUES (?, ?, ?, ?)`,
				host.ID, host.IXPNetwork.LanName, host.IXPNetwork.IXName,
				host.IXPNetwork.IXDescription); err != nil {
				return fmt.Errorf("inserting IXP network of host %s: %w", host.ID, err)
			}
		}

		return nil
	})
}

// TraceroutesSince returns the bare traceroute rows created after the
// given time, most recent first. Hops are not loaded.
func (s *Store) TraceroutesSince(ctx context.Context, since time.Time) ([]*Traceroute, error) {
	var rows []tracerouteRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, raw, created, last_seen, parsed, enriched,
		        enrichment_started, enrichment_completed
		 FROM traceroutes WHERE created > ? ORDER BY created DESC`,
		since); err != nil {
		return nil, fmt.Errorf("loading traceroutes since %s: %w", since, err)
	}

	res := make([]*Traceroute, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTraceroute(s)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// RemoveOldEntries drops traceroutes created before the given time,
// cascading to their hops, hosts and enrichment facts.
func (s *Store) RemoveOldEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM traceroutes WHERE created < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("removing old traceroutes: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.HousekeeperDeletedTotal.WithLabelValues("traceroutes").
			Add(float64(deleted))
	}
	return deleted, nil
}
