package events

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/traceroute"
)

type recordingDispatcher struct {
	items []any
}

func (r *recordingDispatcher) Dispatch(item any) {
	r.items = append(r.items, item)
}

func (r *recordingDispatcher) envelope(t *testing.T, i int) Envelope {
	t.Helper()
	if len(r.items) <= i {
		t.Fatalf("expected at least %d dispatched items, got %d", i+1, len(r.items))
	}
	env, ok := r.items[i].(Envelope)
	if !ok {
		t.Fatalf("dispatched item %d is %T, want Envelope", i, r.items[i])
	}
	return env
}

func TestEmitter_HostEnriched(t *testing.T) {
	rec := &recordingDispatcher{}
	e := NewEmitter(rec, zap.NewNop())

	ip := "8.8.8.8"
	name := "dns.google"
	e.HostEnriched("abc123", traceroute.HostDict{
		ID:           "host1",
		HopNumber:    10,
		OriginalHost: "8.8.8.8",
		IP:           &ip,
		IsGlobal:     true,
		Name:         &name,
		Enriched:     true,
	})

	env := rec.envelope(t, 0)
	if env.Room != "/t/abc123" {
		t.Errorf("room = %q, want /t/abc123", env.Room)
	}
	if env.Event != HostEnriched {
		t.Errorf("event = %q, want %q", env.Event, HostEnriched)
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload["traceroute_id"] != "abc123" {
		t.Errorf("traceroute_id = %v, want abc123", payload["traceroute_id"])
	}
	if payload["ip"] != "8.8.8.8" {
		t.Errorf("ip = %v, want 8.8.8.8", payload["ip"])
	}
	if payload["name"] != "dns.google" {
		t.Errorf("name = %v, want dns.google", payload["name"])
	}
}

func TestEmitter_HostEnrichmentError(t *testing.T) {
	rec := &recordingDispatcher{}
	e := NewEmitter(rec, zap.NewNop())

	e.HostEnrichmentError("abc123", 3, "host7", "boom")

	env := rec.envelope(t, 0)
	if env.Event != HostEnrichmentError {
		t.Fatalf("event = %q, want %q", env.Event, HostEnrichmentError)
	}

	var payload hostErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	want := hostErrorPayload{
		TracerouteID: "abc123",
		HopN:         3,
		HostID:       "host7",
		Error:        "boom",
	}
	if payload != want {
		t.Errorf("payload = %+v, want %+v", payload, want)
	}
}

func TestEmitter_EnrichmentCompleted(t *testing.T) {
	rec := &recordingDispatcher{}
	e := NewEmitter(rec, zap.NewNop())

	tr := &traceroute.Traceroute{
		ID:      "abc123",
		Created: time.Now().UTC(),
		Parsed:  true,
		Hops: []*traceroute.Hop{
			{HopNumber: 1, Hosts: []*traceroute.Host{
				{ID: "h1", HopNumber: 1, OriginalHost: "192.168.1.254"},
			}},
		},
	}
	e.EnrichmentCompleted(tr)

	env := rec.envelope(t, 0)
	if env.Event != EnrichmentCompleted {
		t.Fatalf("event = %q, want %q", env.Event, EnrichmentCompleted)
	}

	var payload struct {
		TracerouteID string          `json:"traceroute_id"`
		Traceroute   traceroute.Dict `json:"traceroute"`
		Text         string          `json:"text"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload.TracerouteID != "abc123" {
		t.Errorf("traceroute_id = %q, want abc123", payload.TracerouteID)
	}
	if payload.Text == "" {
		t.Error("text payload is empty, want the rendered traceroute")
	}
	if len(payload.Traceroute.Hops[1]) != 1 {
		t.Errorf("traceroute dict hops = %+v, want one host at hop 1", payload.Traceroute.Hops)
	}
}

func TestHub_JoinBroadcastLeave(t *testing.T) {
	h := NewHub(zap.NewNop())

	ch1, leave1 := h.Join("/t/abc")
	ch2, leave2 := h.Join("/t/abc")
	other, leaveOther := h.Join("/t/other")
	defer leaveOther()

	env := Envelope{Room: "/t/abc", Event: HostEnriched, Payload: []byte(`{}`)}
	h.Broadcast(env)

	for i, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Event != HostEnriched {
				t.Errorf("member %d got event %q", i, got.Event)
			}
		default:
			t.Fatalf("member %d did not receive the broadcast", i)
		}
	}

	select {
	case <-other:
		t.Fatal("member of another room received the broadcast")
	default:
	}

	leave1()
	leave1() // leave is idempotent
	leave2()

	if got := h.Rooms(); got != 1 {
		t.Errorf("Rooms() after leaves = %d, want 1 (the other room)", got)
	}

	// Broadcasting into an empty room is a no-op.
	h.Broadcast(env)
}

func TestHub_SlowMemberDoesNotBlock(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, leave := h.Join("/t/slow")
	defer leave()

	env := Envelope{Room: "/t/slow", Event: HostEnriched, Payload: []byte(`{}`)}
	for i := 0; i < memberBuffer+10; i++ {
		h.Broadcast(env) // must not deadlock once the buffer is full
	}
}
