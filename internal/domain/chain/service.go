package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// appendRetries bounds how many times an append restarts after losing a
	// head race to a concurrent writer. Each retry re-reads the head and
	// recomputes the hash; a stale previous_hash is never reused.
	appendRetries = 3

	// verifyBatchSize is how many entries a verification walk loads per query.
	verifyBatchSize = 500

	// rebuildBatchSize is how many predictions a rebuild loads per query.
	rebuildBatchSize = 500
)

// Service owns the append path of the ledger and the integrity operations on
// top of it. A process-wide mutex serializes appends so the head read and the
// insert behave as one step. The database uniqueness constraints keep the
// chain linear even with multiple server processes; an insert that loses a
// cross-process head race comes back as ErrConcurrencyConflict and the whole
// sequence is retried.
type Service struct {
	entries     Repository
	predictions PredictionSource
	logger      zerolog.Logger

	mu sync.Mutex // serializes append and rebuild within this process
}

func NewService(entries Repository, predictions PredictionSource, logger zerolog.Logger) *Service {
	return &Service{
		entries:     entries,
		predictions: predictions,
		logger:      logger.With().Str("component", "chain").Logger(),
	}
}

// Append chains rec as the new head entry and returns the stored entry. The
// entry hash covers the prediction payload, its timestamp and the previous
// head, so a later change to any of them is detectable. Callers saving a
// prediction should run the save and the append in one transaction so
// neither lands without the other.
func (s *Service) Append(ctx context.Context, rec *PredictionRecord) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendSerialized(ctx, rec)
}

// appendSerialized runs the retry loop. The caller must hold s.mu.
func (s *Service) appendSerialized(ctx context.Context, rec *PredictionRecord) (*Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= appendRetries; attempt++ {
		entry, err := s.appendOnce(ctx, rec)
		if err == nil {
			if attempt > 0 {
				s.logger.Info().
					Str("prediction_id", rec.ID).
					Int("attempt", attempt+1).
					Msg("append succeeded after retry")
			}
			return entry, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn().
			Err(err).
			Str("prediction_id", rec.ID).
			Msg("append lost head race, retrying with fresh head")
	}
	return nil, lastErr
}

// appendOnce performs one read-head, hash, insert sequence.
func (s *Service) appendOnce(ctx context.Context, rec *PredictionRecord) (*Entry, error) {
	prev, err := s.entries.LatestHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	hash, err := HashEntry(rec, prev)
	if err != nil {
		return nil, fmt.Errorf("hash entry: %w", err)
	}

	entry := &Entry{
		PredictionID:   rec.ID,
		PreviousHash:   prev,
		CurrentHash:    hash,
		EntryTimestamp: rec.Timestamp.UTC().Truncate(time.Microsecond),
	}
	if err := s.entries.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// LatestHash returns the chain head hash, nil when the ledger is empty.
func (s *Service) LatestHash(ctx context.Context) (*string, error) {
	return s.entries.LatestHash(ctx)
}

// Head returns the newest ledger entry.
func (s *Service) Head(ctx context.Context) (*Entry, error) {
	return s.entries.Head(ctx)
}

// GetByPrediction returns the ledger entry chained for a prediction.
func (s *Service) GetByPrediction(ctx context.Context, predictionID string) (*Entry, error) {
	return s.entries.GetByPredictionID(ctx, predictionID)
}

// ListEntries returns a page of entries joined with prediction summaries,
// newest first, plus the total count.
func (s *Service) ListEntries(ctx context.Context, limit, offset int) ([]*EntryListing, int, error) {
	return s.entries.List(ctx, limit, offset)
}

// EntriesMissingAnchor returns up to limit unanchored entries in ascending
// order.
func (s *Service) EntriesMissingAnchor(ctx context.Context, limit int) ([]*Entry, error) {
	return s.entries.PendingAnchor(ctx, 0, limit)
}

// PendingAnchorIDs returns ids of unanchored entries after afterID in
// ascending order, up to limit. The anchor committer pages the full pending
// set with it before each commit cycle.
func (s *Service) PendingAnchorIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	entries, err := s.entries.PendingAnchor(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// MarkAnchored stamps exactly the given entries with the anchor receipt and
// returns how many rows changed.
func (s *Service) MarkAnchored(ctx context.Context, ids []int64, reference string, position int64) (int64, error) {
	return s.entries.MarkAnchored(ctx, ids, reference, position)
}

// CountByAnchorReference returns how many entries carry the given reference.
func (s *Service) CountByAnchorReference(ctx context.Context, reference string) (int64, error) {
	return s.entries.CountByAnchorReference(ctx, reference)
}

// Status summarizes the ledger.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	total, err := s.entries.Count(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.entries.CountPendingAnchor(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{TotalEntries: total, PendingAnchor: pending}
	if total > 0 {
		head, err := s.entries.Head(ctx)
		if err != nil {
			return nil, err
		}
		st.HeadHash = &head.CurrentHash
		ts := head.EntryTimestamp
		st.LastEntryAt = &ts
	}

	ref, err := s.entries.LatestAnchorReference(ctx)
	if err != nil {
		return nil, err
	}
	st.LastAnchoredRef = ref

	return st, nil
}
