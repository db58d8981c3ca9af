package notify

import (
	"context"
	"log/slog"

	"github.com/hrfmtzk/mail-digest/model"
)

// Discard is the dry-run sink: it logs what would have been delivered
// without touching the webhook.
type Discard struct {
	Logger *slog.Logger
}

func (d Discard) Dispatch(_ context.Context, results []model.ExtractionResult) model.DeliveryOutcome {
	relevant := 0
	for _, r := range results {
		if r.Relevant() {
			relevant++
		}
	}
	if d.Logger != nil {
		d.Logger.Info("dry-run: digest not delivered", "results", relevant)
	}
	return model.DeliveryOutcome{Status: model.DeliverySkipped}
}

func (d Discard) NotifyError(_ context.Context, reason string) {
	if d.Logger != nil {
		d.Logger.Info("dry-run: error notice not delivered", "reason", reason)
	}
}
