// Package events carries the per-traceroute notifications from the workers
// to the users watching a traceroute page. Emission goes through the
// traceroute_events fan-out exchange, so any process can emit into any room
// regardless of where the subscribers connected.
package events

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/traceroute"
)

// Event names, as they appear on the wire and in the WebSocket frames.
const (
	HostEnriched        = "traceroute_host_enriched"
	HostEnrichmentError = "traceroute_host_enrichment_error"
	EnrichmentCompleted = "traceroute_enrichment_completed"
)

// Room returns the room a traceroute's events are published to.
func Room(tracerouteID string) string {
	return "/t/" + tracerouteID
}

// Envelope is the wire form of one event on the fan-out exchange.
type Envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher is the outbound half the emitter publishes through.
type Dispatcher interface {
	Dispatch(item any)
}

// Emitter publishes the three per-traceroute event kinds.
type Emitter struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewEmitter(dispatcher Dispatcher, logger *zap.Logger) *Emitter {
	return &Emitter{
		dispatcher: dispatcher,
		logger:     logger.Named("events"),
	}
}

func (e *Emitter) emit(room, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("dropping event that failed to serialize",
			zap.String("event", event), zap.Error(err))
		return
	}
	e.dispatcher.Dispatch(Envelope{
		Room:    room,
		Event:   event,
		Payload: body,
	})
}

type hostEnrichedPayload struct {
	TracerouteID string `json:"traceroute_id"`
	traceroute.HostDict
}

// HostEnriched announces the updated facts for one host.
func (e *Emitter) HostEnriched(tracerouteID string, host traceroute.HostDict) {
	e.emit(Room(tracerouteID), HostEnriched, hostEnrichedPayload{
		TracerouteID: tracerouteID,
		HostDict:     host,
	})
}

type hostErrorPayload struct {
	TracerouteID string `json:"traceroute_id"`
	HopN         int    `json:"hop_n"`
	HostID       string `json:"host_id"`
	Error        string `json:"error"`
}

// HostEnrichmentError reports a per-host failure; enrichment of the
// remaining hosts continues.
func (e *Emitter) HostEnrichmentError(tracerouteID string, hopN int, hostID, message string) {
	e.emit(Room(tracerouteID), HostEnrichmentError, hostErrorPayload{
		TracerouteID: tracerouteID,
		HopN:         hopN,
		HostID:       hostID,
		Error:        message,
	})
}

type enrichmentCompletedPayload struct {
	TracerouteID string          `json:"traceroute_id"`
	Traceroute   traceroute.Dict `json:"traceroute"`
	Text         string          `json:"text"`
}

// EnrichmentCompleted is the terminal event for a traceroute, carrying the
// full dict and the rendered text.
func (e *Emitter) EnrichmentCompleted(t *traceroute.Traceroute) {
	e.emit(Room(t.ID), EnrichmentCompleted, enrichmentCompletedPayload{
		TracerouteID: t.ID,
		Traceroute:   t.Dict(),
		Text:         t.ToText(),
	})
}
