package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/store"
)

// Dispatch drains the engine's egress stream, handing each event to the
// audit recorder and fanning it out to event subscribers. Each event is
// encoded exactly once; subscribers and the audit trail see identical
// bytes. It returns when the stream closes.
func Dispatch(events <-chan model.Event, hub *Hub, rec *store.Recorder) {
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("event encode failed", "type", ev.EventType(), "err", err)
			continue
		}
		if rec != nil {
			rec.Observe(ev, payload)
		}
		hub.Broadcast(payload)
	}
}
