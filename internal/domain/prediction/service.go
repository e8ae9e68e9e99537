package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediguard/mediguard/internal/domain/chain"
	"github.com/mediguard/mediguard/internal/platform/cache"
)

const (
	// statsCacheTTL is how long dashboard aggregates stay cached.
	statsCacheTTL = 60 * time.Second

	// statsPageSize is how many predictions a stats aggregation loads per
	// query.
	statsPageSize = 500
)

// Ledger is the slice of the chain service the prediction service appends
// through.
type Ledger interface {
	Append(ctx context.Context, rec *chain.PredictionRecord) (*chain.Entry, error)
}

// TxRunner executes fn inside a database transaction carried via context.
// A nil TxRunner runs fn directly, which keeps tests free of database
// plumbing.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service records predictions and serves their query surface. Recording is
// transactional: the row insert and the ledger append commit or roll back
// together, so no prediction exists without its chain entry.
type Service struct {
	repo   Repository
	ledger Ledger
	runTx  TxRunner
	cache  *cache.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, ledger Ledger, runTx TxRunner, cache *cache.Client, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: ledger,
		runTx:  runTx,
		cache:  cache,
		logger: logger.With().Str("component", "prediction").Logger(),
		now:    time.Now,
	}
}

// Record validates in, stores the prediction and appends it to the ledger.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Prediction, *chain.Entry, error) {
	if in.UserID == "" {
		return nil, nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(in.InputFeatures) == 0 {
		return nil, nil, fmt.Errorf("%w: input_features is required", ErrInvalidInput)
	}
	if len(in.PredictionResult) == 0 {
		return nil, nil, fmt.Errorf("%w: prediction_result is required", ErrInvalidInput)
	}
	source := in.Source
	if source == "" {
		source = SourceManual
	}
	if !validSources[source] {
		return nil, nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, in.Source)
	}

	ts := s.now()
	if in.Timestamp != nil {
		ts = *in.Timestamp
	}
	// Postgres keeps microseconds. Storing at that precision keeps the
	// hashed rendering identical when verification reads the row back.
	ts = ts.UTC().Truncate(time.Microsecond)

	p := &Prediction{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Timestamp:        ts,
		Source:           source,
		InputFeatures:    in.InputFeatures,
		PredictionResult: in.PredictionResult,
	}

	var entry *chain.Entry
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
		e, err := s.ledger.Append(ctx, &chain.PredictionRecord{
			ID:               p.ID,
			UserID:           p.UserID,
			Timestamp:        p.Timestamp,
			InputFeatures:    p.InputFeatures,
			PredictionResult: p.PredictionResult,
		})
		if err != nil {
			return fmt.Errorf("chain prediction: %w", err)
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.cache.Delete(statsCacheKey(p.UserID))
	s.logger.Info().
		Str("prediction_id", p.ID).
		Str("user_id", p.UserID).
		Str("source", p.Source).
		Msg("prediction recorded")
	return p, entry, nil
}

// Get returns a prediction. Non-admin callers can only read their own.
func (s *Service) Get(ctx context.Context, id, callerID string, isAdmin bool) (*Prediction, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && p.UserID != callerID {
		return nil, ErrForbidden
	}
	return p, nil
}

// ListByUser returns a page of the user's predictions newest first plus the
// user's total.
func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Prediction, int, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// DashboardStats aggregates the user's prediction history: totals, disease
// distribution, risk buckets by highest class probability and how often each
// feature contributed significantly. Aggregates are cached briefly when a
// cache is configured.
func (s *Service) DashboardStats(ctx context.Context, userID string) (*DashboardStats, error) {
	key := statsCacheKey(userID)
	var cached DashboardStats
	if err := s.cache.GetJSON(key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("stats cache read failed")
	}

	stats := &DashboardStats{
		DiseaseDistribution: map[string]int{},
		AbnormalFeatures:    map[string]int{},
	}
	offset := 0
	for {
		page, _, err := s.repo.ListByUser(ctx, userID, statsPageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			accumulate(stats, p)
		}
		offset += len(page)
		if len(page) < statsPageSize {
			break
		}
	}

	s.cache.SetJSON(key, stats, statsCacheTTL)
	return stats, nil
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.runTx == nil {
		return fn(ctx)
	}
	return s.runTx(ctx, fn)
}

func statsCacheKey(userID string) string {
	return "dashboard_stats:" + userID
}

// accumulate folds one prediction into the running aggregates.
func accumulate(stats *DashboardStats, p *Prediction) {
	stats.TotalPredictions++

	disease := "Unknown"
	if d, ok := p.PredictionResult["predicted_disease"].(string); ok && d != "" {
		disease = d
	}
	stats.DiseaseDistribution[disease]++

	// Risk bucket by the highest class probability. Predictions without
	// probabilities fall into no bucket.
	if probs, ok := p.PredictionResult["probabilities"].(map[string]interface{}); ok {
		max, found := 0.0, false
		for _, v := range probs {
			f, ok := v.(float64)
			if !ok {
				continue
			}
			if !found || f > max {
				max, found = f, true
			}
		}
		if found {
			switch {
			case max >= 0.7:
				stats.RiskLevels.High++
			case max >= 0.5:
				stats.RiskLevels.Medium++
			default:
				stats.RiskLevels.Low++
			}
		}
	}

	// A feature counts as abnormal when its model attribution is
	// significant in either direction.
	if expl, ok := p.PredictionResult["explainability_json"].(map[string]interface{}); ok {
		for name, v := range expl {
			if imp, ok := v.(float64); ok && math.Abs(imp) > 0.1 {
				stats.AbnormalFeatures[name]++
			}
		}
	}
}
