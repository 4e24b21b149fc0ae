package observability

import (
	"log/slog"

	"dealescrow/native/deal"
)

// EventEmitter counts committed contract events and logs them at debug level.
// It is plugged into the ledger as its deal.Emitter.
type EventEmitter struct {
	Logger *slog.Logger
}

// Emit implements deal.Emitter.
func (e EventEmitter) Emit(evt deal.Event) {
	Ledger().RecordEvent(evt.Type)
	if e.Logger != nil {
		e.Logger.Debug("contract event",
			slog.String("type", evt.Type),
			slog.String("dealId", evt.Attributes["dealId"]),
			slog.String("status", evt.Attributes["status"]))
	}
}
