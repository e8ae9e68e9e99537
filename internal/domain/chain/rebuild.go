package chain

import (
	"context"
	"fmt"
	"time"
)

// RebuildResult summarizes a destructive ledger rebuild.
type RebuildResult struct {
	Predictions int           `json:"predictions"`
	Entries     int           `json:"entries_created"`
	Report      *VerifyReport `json:"verification"`
	Duration    string        `json:"duration"`
}

// Rebuild deletes every ledger entry, resets the sequence, and replays all
// predictions in ascending (timestamp, created_at) order through the normal
// append path, then runs a full verification and reports the outcome.
//
// This is operator-invoked maintenance for recovering from corruption;
// callers are expected to have obtained explicit confirmation before
// invoking it. Appends are blocked for the duration. Entry hashes depend
// only on prediction rows and link order, so replaying the same predictions
// yields a hash-for-hash identical chain.
func (s *Service) Rebuild(ctx context.Context, progress func(done, total int)) (*RebuildResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()

	total, err := s.predictions.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count predictions: %w", err)
	}

	if err := s.entries.DeleteAll(ctx); err != nil {
		return nil, fmt.Errorf("clear ledger: %w", err)
	}
	s.logger.Info().Int("predictions", total).Msg("ledger cleared, replaying predictions")

	done := 0
	for {
		batch, err := s.predictions.ListChronological(ctx, rebuildBatchSize, done)
		if err != nil {
			return nil, fmt.Errorf("load predictions at offset %d: %w", done, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := s.appendOnce(ctx, rec); err != nil {
				return nil, fmt.Errorf("replay prediction %s: %w", rec.ID, err)
			}
			done++
			if progress != nil {
				progress(done, total)
			}
		}
	}

	report, err := s.Verify(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify rebuilt ledger: %w", err)
	}

	res := &RebuildResult{
		Predictions: total,
		Entries:     done,
		Report:      report,
		Duration:    time.Since(started).String(),
	}
	s.logger.Info().
		Int("entries", done).
		Bool("valid", report.Valid).
		Str("duration", res.Duration).
		Msg("ledger rebuild complete")
	return res, nil
}
