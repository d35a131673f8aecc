package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/events"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/traceroute"
)

const sampleTrace = `{
  "report": {
    "mtr": {"src": "localhost", "dst": "8.8.8.8", "tos": "0x0", "tests": 10},
    "hubs": [
      {"count": 1, "host": "192.168.1.254", "Loss%": 0.0, "Snt": 10, "Last": 3.65, "Avg": 5.48, "Best": 3.65, "Wrst": 10.55, "StDev": 2.04},
      {"count": 2, "host": "8.8.8.8", "Loss%": 0.0, "Snt": 10, "Last": 22.01, "Avg": 22.86, "Best": 22.01, "Wrst": 23.3, "StDev": 0.41}
    ]
  }
}`

type fakeDispatcher struct {
	items     []any
	connected bool
}

func (f *fakeDispatcher) Dispatch(item any) { f.items = append(f.items, item) }
func (f *fakeDispatcher) IsConnected() bool { return f.connected }

type webFixture struct {
	server      *Server
	ts          *httptest.Server
	client      *http.Client
	traceroutes *traceroute.Store
	jobs        *fakeDispatcher
	hub         *events.Hub
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()

	database, err := db.Connect(context.Background(),
		config.DBConfig{Type: db.TypeSQLite, Path: ":memory:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	trStore, err := traceroute.NewStore(database, zap.NewNop(), false)
	if err != nil {
		t.Fatalf("creating traceroute store: %v", err)
	}

	jobs := &fakeDispatcher{connected: true}
	hub := events.NewHub(zap.NewNop())

	srv, err := NewServer(config.WebConfig{
		Listen:     ":0",
		SecretKey:  "test-secret",
		StatsToken: "stats-token",
	}, database, trStore, jobs, hub, zap.NewNop())
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &webFixture{
		server:      srv,
		ts:          ts,
		client:      client,
		traceroutes: trStore,
		jobs:        jobs,
		hub:         hub,
	}
}

func (f *webFixture) submit(t *testing.T, raw string) *http.Response {
	t.Helper()
	resp, err := f.client.PostForm(f.ts.URL+"/new_traceroute",
		url.Values{"raw": {raw}})
	if err != nil {
		t.Fatalf("posting submission: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmission_EmptyRedirects(t *testing.T) {
	f := newWebFixture(t)

	resp := f.submit(t, "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/?err_code=3" {
		t.Errorf("location = %q, want /?err_code=3", loc)
	}
	if len(f.jobs.items) != 0 {
		t.Errorf("jobs dispatched for an empty submission: %v", f.jobs.items)
	}
}

func TestSubmission_UnparseableRedirects(t *testing.T) {
	f := newWebFixture(t)

	resp := f.submit(t, "this is not a traceroute at all")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/?err_code=2" {
		t.Errorf("location = %q, want /?err_code=2", loc)
	}
	if len(f.jobs.items) != 0 {
		t.Errorf("jobs dispatched for an unparseable submission: %v", f.jobs.items)
	}
}

func TestSubmission_ValidTraceroute(t *testing.T) {
	f := newWebFixture(t)

	resp := f.submit(t, sampleTrace)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}

	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/t/") {
		t.Fatalf("location = %q, want /t/<id>", loc)
	}
	id := strings.TrimPrefix(loc, "/t/")

	if len(f.jobs.items) != 1 {
		t.Fatalf("jobs dispatched = %d, want 1", len(f.jobs.items))
	}
	job, ok := f.jobs.items[0].(ipinfo.EnricherJob)
	if !ok {
		t.Fatalf("dispatched item is %T, want EnricherJob", f.jobs.items[0])
	}
	if job.TracerouteID != id || len(job.Hosts) != 2 {
		t.Errorf("job = %+v", job)
	}
}

func TestTraceroutePage(t *testing.T) {
	f := newWebFixture(t)

	tr, err := f.traceroutes.Create(context.Background(), sampleTrace)
	if err != nil {
		t.Fatalf("creating traceroute: %v", err)
	}

	resp, err := f.client.Get(f.ts.URL + "/t/" + tr.ID)
	if err != nil {
		t.Fatalf("GET page: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, tr.ID) {
		t.Error("page does not mention the traceroute ID")
	}
	if !strings.Contains(body, "8.8.8.8") {
		t.Error("page does not include the rendered trace")
	}
}

func TestTraceroutePage_UnknownID(t *testing.T) {
	f := newWebFixture(t)

	resp, err := f.client.Get(f.ts.URL + "/t/0000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("GET page: %v", err)
	}
	defer resp.Body.Close()

	body := readBody(t, resp)
	if !strings.Contains(body, "could not be found") {
		t.Error("unknown ID did not render the err_code=1 notice")
	}
}

func TestTracerouteJSON(t *testing.T) {
	f := newWebFixture(t)

	tr, err := f.traceroutes.Create(context.Background(), sampleTrace)
	if err != nil {
		t.Fatalf("creating traceroute: %v", err)
	}

	resp, err := f.client.Get(f.ts.URL + "/t/" + tr.ID + "/json")
	if err != nil {
		t.Fatalf("GET json: %v", err)
	}
	defer resp.Body.Close()

	var dict traceroute.Dict
	if err := json.NewDecoder(resp.Body).Decode(&dict); err != nil {
		t.Fatalf("decoding dict: %v", err)
	}
	if dict.ID != tr.ID || !dict.Parsed || len(dict.Hops) != 2 {
		t.Errorf("dict = %+v", dict)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newWebFixture(t)

	tr, err := f.traceroutes.Create(context.Background(), sampleTrace)
	if err != nil {
		t.Fatalf("creating traceroute: %v", err)
	}

	for _, tc := range []struct {
		id   string
		want string
	}{
		{tr.ID, traceroute.StatusWIP},
		{"unknown-id", "not found"},
	} {
		resp, err := f.client.Get(f.ts.URL + "/status?id=" + tc.id)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		resp.Body.Close()
		if body["status"] != tc.want {
			t.Errorf("status for %q = %q, want %q", tc.id, body["status"], tc.want)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newWebFixture(t)

	resp, err := f.client.Get(f.ts.URL + "/stats?token=wrong")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status with wrong token = %d, want 403", resp.StatusCode)
	}

	resp, err = f.client.Get(f.ts.URL + "/stats?token=stats-token")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "Traceroutes over the last 24 hours") {
		t.Errorf("report = %q", body)
	}
}

func TestReadyz(t *testing.T) {
	f := newWebFixture(t)

	resp, err := f.client.Get(f.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	f.jobs.connected = false
	resp, err = f.client.Get(f.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status with broker down = %d, want 503", resp.StatusCode)
	}
}

func TestWebSocket_DeliversRoomEvents(t *testing.T) {
	f := newWebFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/t/abc123"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing WebSocket: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to join the room.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Rooms() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.hub.Rooms() == 0 {
		t.Fatal("WebSocket member never joined the room")
	}

	f.hub.Broadcast(events.Envelope{
		Room:    events.Room("abc123"),
		Event:   events.EnrichmentCompleted,
		Payload: json.RawMessage(`{"traceroute_id":"abc123"}`),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if frame.Event != events.EnrichmentCompleted {
		t.Errorf("event = %q, want %q", frame.Event, events.EnrichmentCompleted)
	}
	if !strings.Contains(string(frame.Payload), "abc123") {
		t.Errorf("payload = %s", frame.Payload)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}
