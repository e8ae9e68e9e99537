package prediction

import (
	"context"
	"errors"

	"github.com/mediguard/mediguard/internal/domain/chain"
)

// ChainSource adapts the prediction repository to the ledger's read
// contract, used for verification and rebuild.
type ChainSource struct{ repo Repository }

func NewChainSource(repo Repository) *ChainSource {
	return &ChainSource{repo: repo}
}

func (s *ChainSource) Get(ctx context.Context, id string) (*chain.PredictionRecord, error) {
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, chain.ErrPredictionNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRecord(p), nil
}

func (s *ChainSource) ListChronological(ctx context.Context, limit, offset int) ([]*chain.PredictionRecord, error) {
	page, err := s.repo.ListChronological(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	recs := make([]*chain.PredictionRecord, len(page))
	for i, p := range page {
		recs[i] = toRecord(p)
	}
	return recs, nil
}

func (s *ChainSource) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func toRecord(p *Prediction) *chain.PredictionRecord {
	return &chain.PredictionRecord{
		ID:               p.ID,
		UserID:           p.UserID,
		Timestamp:        p.Timestamp,
		InputFeatures:    p.InputFeatures,
		PredictionResult: p.PredictionResult,
	}
}
