package endpoints

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/ads"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/histogram"
)

// EventStore records ad events. Both histogram stores implement it.
type EventStore interface {
	Record(ctx context.Context, scope histogram.Scope, eventType ads.EventType, at time.Time) error
}

// EventsHandler handles /v1/events requests: the host reports wins,
// impressions, views and clicks so frequency caps can count them.
type EventsHandler struct {
	store EventStore
	clock clock.Clock
}

// NewEventsHandler creates a new events handler. A nil clock uses the wall
// clock.
func NewEventsHandler(store EventStore, clk clock.Clock) *EventsHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &EventsHandler{store: store, clock: clk}
}

type eventRequest struct {
	EventType     string           `json:"event_type"`
	Buyer         string           `json:"buyer"`
	AdCounterKeys []string         `json:"ad_counter_keys"`
	Audience      *ads.AudienceKey `json:"custom_audience,omitempty"`
}

// ServeHTTP records one event against every ad counter key
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body eventRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	eventType, err := ads.ParseEventType(body.EventType)
	if err != nil {
		writeError(w, fieldError("event_type", err.Error()))
		return
	}
	if len(body.AdCounterKeys) == 0 {
		writeError(w, fieldError("ad_counter_keys", "at least one key required"))
		return
	}

	var scope func(key string) histogram.Scope
	if eventType == ads.EventWin {
		if body.Audience == nil {
			writeError(w, fieldError("custom_audience", "required for win events"))
			return
		}
		audience := *body.Audience
		scope = func(key string) histogram.Scope { return histogram.AudienceScope(audience, key) }
	} else {
		if body.Buyer == "" {
			writeError(w, fieldError("buyer", "required"))
			return
		}
		scope = func(key string) histogram.Scope { return histogram.BuyerScope(body.Buyer, key) }
	}

	now := h.clock.Now()
	for _, key := range body.AdCounterKeys {
		if err := h.store.Record(r.Context(), scope(key), eventType, now); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
