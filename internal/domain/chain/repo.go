package chain

import "context"

// Repository is the persistence boundary of the ledger. The backing store
// enforces the chain shape through uniqueness constraints: one entry per
// prediction, one entry per previous_hash, globally unique current_hash, and
// a single genesis entry. Insert surfaces violations as ErrAlreadyChained or
// ErrConcurrencyConflict so the append path can retry with a fresh head.
type Repository interface {
	// Insert persists e and fills in its assigned id and created_at.
	Insert(ctx context.Context, e *Entry) error

	// LatestHash returns the head hash, or nil when the ledger is empty.
	LatestHash(ctx context.Context) (*string, error)

	// Head returns the newest entry, or ErrEntryNotFound on an empty ledger.
	Head(ctx context.Context) (*Entry, error)

	// GetByPredictionID returns the entry chained for a prediction, or
	// ErrEntryNotFound.
	GetByPredictionID(ctx context.Context, predictionID string) (*Entry, error)

	// MaxID returns the highest entry id, 0 when the ledger is empty.
	MaxID(ctx context.Context) (int64, error)

	// ListRange returns entries with afterID < id <= maxID in ascending id
	// order, at most limit rows. The verifier pages the ledger with it.
	ListRange(ctx context.Context, afterID, maxID int64, limit int) ([]*Entry, error)

	// List returns a page of entries joined with their prediction summaries,
	// newest first, plus the total entry count.
	List(ctx context.Context, limit, offset int) ([]*EntryListing, int, error)

	// PendingAnchor returns unanchored entries with id > afterID in
	// ascending id order, at most limit rows.
	PendingAnchor(ctx context.Context, afterID int64, limit int) ([]*Entry, error)

	// MarkAnchored stamps the given unanchored entries with the anchor
	// receipt and returns the number of rows updated. Entries that already
	// carry a reference are left untouched.
	MarkAnchored(ctx context.Context, ids []int64, reference string, position int64) (int64, error)

	Count(ctx context.Context) (int64, error)
	CountPendingAnchor(ctx context.Context) (int64, error)
	CountByAnchorReference(ctx context.Context, reference string) (int64, error)

	// LatestAnchorReference returns the most recently assigned anchor
	// reference, or nil when nothing has been anchored yet.
	LatestAnchorReference(ctx context.Context) (*string, error)

	// DeleteAll removes every entry and restarts id assignment at 1. Only
	// the rebuild procedure calls this.
	DeleteAll(ctx context.Context) error
}
