package journey

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

// Completer closes out active protocols whose end date has passed.
type Completer struct {
	repo  store.ProtocolRepo
	clock clock.Clock
}

func NewCompleter(repo store.ProtocolRepo, c clock.Clock) *Completer {
	return &Completer{repo: repo, clock: c}
}

// Run marks every active protocol with an end date before today as completed.
func (c *Completer) Run(ctx context.Context) (models.CompletionSummary, error) {
	today := clock.Today(c.clock)
	n, err := c.repo.CompleteExpiredProtocols(ctx, today)
	summary := models.CompletionSummary{Updated: n, Date: clock.FormatDate(today)}
	if err != nil {
		return summary, fmt.Errorf("complete expired protocols: %w", err)
	}
	slog.Info("Completer.Run complete", "updated", n, "date", summary.Date)
	return summary, nil
}
