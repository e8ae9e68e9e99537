package prediction

import "context"

// Repository is the storage contract for predictions.
type Repository interface {
	Create(ctx context.Context, p *Prediction) error
	// GetByID returns ErrNotFound when no prediction exists for the id.
	GetByID(ctx context.Context, id string) (*Prediction, error)
	// ListByUser returns a page of the user's predictions newest first plus
	// the user's total.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Prediction, int, error)
	// ListChronological returns predictions ordered by (timestamp,
	// created_at) ascending, the order the ledger replays them in.
	ListChronological(ctx context.Context, limit, offset int) ([]*Prediction, error)
	Count(ctx context.Context) (int, error)
}
