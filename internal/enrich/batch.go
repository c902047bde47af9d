package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BatchRecord is one member queued for enrichment.
type BatchRecord struct {
	MemberName string
	Bio        string
}

// Outcome pairs a batch record with its enrichment result.
type Outcome struct {
	MemberName string
	Result     Result
}

// EnrichBatch enriches records strictly sequentially in input order, pausing
// for delay between calls (not after the last) as a courtesy rate limit. A
// degraded result for one record never halts the batch: every input record
// yields exactly one outcome.
func (e *Enricher) EnrichBatch(ctx context.Context, records []BatchRecord, delay time.Duration) []Outcome {
	outcomes := make([]Outcome, 0, len(records))

	for i, record := range records {
		e.logger.Info("enriching member",
			zap.Int("index", i+1),
			zap.Int("total", len(records)),
			zap.String("member", record.MemberName),
		)

		result := e.EnrichBio(ctx, record.Bio)
		outcomes = append(outcomes, Outcome{MemberName: record.MemberName, Result: result})

		if i < len(records)-1 {
			// A cancelled context skips the remaining delays; the next
			// Complete call surfaces the cancellation as a degraded result.
			_ = waitFor(ctx, delay)
		}
	}

	return outcomes
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sleep(d)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
