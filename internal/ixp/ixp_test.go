package ixp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
)

const (
	ixBody = `{"data": [
		{"id": 61, "name": "MIX-IT", "name_long": "Milan Internet eXchange"},
		{"id": 31, "name": "DE-CIX Frankfurt", "name_long": "Deutscher Commercial Internet Exchange"}
	]}`
	ixlanBody = `{"data": [
		{"id": 61, "ix_id": 61, "name": ""},
		{"id": 31, "ix_id": 31, "name": "Main"},
		{"id": 99, "ix_id": 12345, "name": "orphan"}
	]}`
	ixpfxBody = `{"data": [
		{"ixlan_id": 61, "prefix": "217.29.66.0/23"},
		{"ixlan_id": 31, "prefix": "80.81.192.0/21"},
		{"ixlan_id": 31, "prefix": "not-a-prefix"},
		{"ixlan_id": 777, "prefix": "192.0.2.0/24"}
	]}`
)

func testPeeringDB(t *testing.T, handler http.Handler) *PeeringDB {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewPeeringDB(zap.NewNop())
	p.baseURL = srv.URL
	p.retryDelay = time.Millisecond
	return p
}

func fixtureHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ix", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, ixBody)
	})
	mux.HandleFunc("/api/ixlan", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, ixlanBody)
	})
	mux.HandleFunc("/api/ixpfx", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, ixpfxBody)
	})
	return mux
}

func TestPeeringDB_FetchLists(t *testing.T) {
	p := testPeeringDB(t, fixtureHandler())
	ctx := context.Background()

	ixs, err := p.IXs(ctx)
	if err != nil {
		t.Fatalf("IXs: %v", err)
	}
	if len(ixs) != 2 || ixs[0].Name != "MIX-IT" ||
		ixs[0].NameLong != "Milan Internet eXchange" {
		t.Errorf("ixs = %+v", ixs)
	}

	lans, err := p.IXLans(ctx)
	if err != nil {
		t.Fatalf("IXLans: %v", err)
	}
	if len(lans) != 3 || lans[0].IXID != 61 {
		t.Errorf("lans = %+v", lans)
	}

	pfxs, err := p.IXPfxs(ctx)
	if err != nil {
		t.Fatalf("IXPfxs: %v", err)
	}
	if len(pfxs) != 4 || pfxs[0].Prefix != "217.29.66.0/23" {
		t.Errorf("pfxs = %+v", pfxs)
	}
}

func TestPeeringDB_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	p := testPeeringDB(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, ixBody)
	}))

	ixs, err := p.IXs(context.Background())
	if err != nil {
		t.Fatalf("IXs after retries: %v", err)
	}
	if len(ixs) != 2 {
		t.Errorf("ixs = %+v", ixs)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (two retried failures)", got)
	}
}

func TestPeeringDB_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	p := testPeeringDB(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	if _, err := p.IXs(context.Background()); err == nil {
		t.Fatal("expected an error for HTTP 403")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (403 is not retryable)", got)
	}
}

type fixtureSource struct {
	p       *PeeringDB
	failIXs bool
}

func (f *fixtureSource) IXs(ctx context.Context) ([]IX, error) {
	if f.failIXs {
		return nil, errors.New("peeringdb unreachable")
	}
	return f.p.IXs(ctx)
}

func (f *fixtureSource) IXLans(ctx context.Context) ([]IXLan, error) {
	return f.p.IXLans(ctx)
}

func (f *fixtureSource) IXPfxs(ctx context.Context) ([]IXPfx, error) {
	return f.p.IXPfxs(ctx)
}

func testStore(t *testing.T) *ipinfo.Store {
	t.Helper()
	database, err := db.Connect(context.Background(),
		config.DBConfig{Type: db.TypeSQLite, Path: ":memory:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return ipinfo.NewStore(database, zap.NewNop())
}

func TestUpdater_BuildsAndPublishesRecords(t *testing.T) {
	store := testStore(t)
	source := &fixtureSource{p: testPeeringDB(t, fixtureHandler())}

	var published []ipinfo.IPDBInfo
	u := NewUpdater(source, store,
		func(info ipinfo.IPDBInfo) error {
			published = append(published, info)
			return nil
		}, zap.NewNop())

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The malformed prefix and the ones with broken joins are skipped.
	if len(published) != 2 {
		t.Fatalf("published = %d records, want 2", len(published))
	}

	mix := published[0]
	if mix.Prefix.String() != "217.29.66.0/23" {
		t.Errorf("prefix = %s, want 217.29.66.0/23", mix.Prefix)
	}
	if mix.Origins != nil {
		t.Errorf("IXP record carries origins: %+v", mix.Origins)
	}
	ixp := mix.IXPNetwork
	if ixp == nil {
		t.Fatal("IXP record has no ixp_network")
	}
	// The LAN of MIX-IT has no name of its own; "" becomes null.
	if ixp.LanName != nil {
		t.Errorf("lan_name = %v, want nil", *ixp.LanName)
	}
	if ixp.IXName == nil || *ixp.IXName != "MIX-IT" {
		t.Errorf("ix_name = %v, want MIX-IT", ixp.IXName)
	}
	if ixp.IXDescription == nil || *ixp.IXDescription != "Milan Internet eXchange" {
		t.Errorf("ix_description = %v, want Milan Internet eXchange", ixp.IXDescription)
	}

	// The records are persisted too, for the cache warm-ups.
	rec, err := store.Get(context.Background(),
		netip.MustParsePrefix("217.29.66.0/23"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || rec.Info.IXPNetwork == nil ||
		*rec.Info.IXPNetwork.IXName != "MIX-IT" {
		t.Errorf("stored record = %+v", rec)
	}
}

func TestUpdater_FetchFailureAbortsQuietly(t *testing.T) {
	store := testStore(t)
	source := &fixtureSource{failIXs: true}

	dispatched := 0
	u := NewUpdater(source, store,
		func(ipinfo.IPDBInfo) error {
			dispatched++
			return nil
		}, zap.NewNop())

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run must swallow fetch failures, got %v", err)
	}
	if dispatched != 0 {
		t.Errorf("dispatched = %d, want 0", dispatched)
	}
}

func TestUpdater_DispatchFailureAbortsRun(t *testing.T) {
	store := testStore(t)
	source := &fixtureSource{p: testPeeringDB(t, fixtureHandler())}

	u := NewUpdater(source, store,
		func(ipinfo.IPDBInfo) error {
			return errors.New("broker queue gone")
		}, zap.NewNop())

	if err := u.Run(context.Background()); err == nil {
		t.Fatal("expected an error when dispatch fails")
	}
}
