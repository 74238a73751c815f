package pipeline

import (
	"log/slog"

	"github.com/sievelab/refinery/internal/guards"
	"github.com/sievelab/refinery/internal/model"
)

// BeadSink is the append surface shared by the stages.
type BeadSink interface {
	Append(b model.Bead) (model.Bead, error)
}

// SpendObserver wraps the bead sink so every COST bead also feeds the guard
// manager's ceilings. Wiring the stages through it means the manager
// observes every priced external call without the stages knowing about it.
type SpendObserver struct {
	sink    BeadSink
	manager *guards.Manager
	logger  *slog.Logger
}

// NewSpendObserver wraps sink with spend observation.
func NewSpendObserver(sink BeadSink, manager *guards.Manager, logger *slog.Logger) *SpendObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendObserver{sink: sink, manager: manager, logger: logger}
}

// Append forwards the bead and records any spend it carries. A ceiling
// breach is not an append failure; the runner picks it up after the current
// dispatch round.
func (o *SpendObserver) Append(b model.Bead) (model.Bead, error) {
	out, err := o.sink.Append(b)
	if err != nil {
		return out, err
	}
	if b.Type == model.BeadCost {
		if cost, ok := b.Payload["cost_usd"].(float64); ok && cost > 0 {
			if breachErr := o.manager.RecordSpend(cost); breachErr != nil {
				o.logger.Warn("cost ceiling reached", "error", breachErr)
			}
		}
	}
	return out, nil
}
