package chain

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by the ledger.
var (
	ErrEntryNotFound       = errors.New("chain entry not found")
	ErrPredictionNotFound  = errors.New("prediction not found")
	ErrAlreadyChained      = errors.New("prediction is already chained")
	ErrConcurrencyConflict = errors.New("concurrent append conflict")
)

// Entry is one link of the hash chain ledger. Every stored prediction gets
// exactly one entry whose current_hash covers the prediction payload and the
// hash of the entry before it.
type Entry struct {
	ID              int64     `json:"id"`
	PredictionID    string    `json:"prediction_id"`
	PreviousHash    *string   `json:"previous_hash"`
	CurrentHash     string    `json:"current_hash"`
	EntryTimestamp  time.Time `json:"entry_timestamp"`
	AnchorReference *string   `json:"anchor_reference,omitempty"`
	AnchorPosition  *int64    `json:"anchor_position,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Anchored reports whether the entry has been committed to the anchor service.
func (e *Entry) Anchored() bool {
	return e.AnchorReference != nil
}

// PredictionRecord is the immutable view of a prediction that gets hashed
// into the ledger. Feature and result maps hold JSON-decoded values, so all
// numbers arrive as float64 and hashing stays deterministic regardless of
// where the record was loaded from.
type PredictionRecord struct {
	ID               string
	UserID           string
	Timestamp        time.Time
	InputFeatures    map[string]interface{}
	PredictionResult map[string]interface{}
}

// PredictionSource provides read access to stored predictions for appending,
// verification and rebuild. Implementations return ErrPredictionNotFound
// when no record exists for the id.
type PredictionSource interface {
	Get(ctx context.Context, id string) (*PredictionRecord, error)
	// ListChronological returns records ordered by (timestamp, created_at)
	// ascending, the order entries are replayed in during rebuild.
	ListChronological(ctx context.Context, limit, offset int) ([]*PredictionRecord, error)
	Count(ctx context.Context) (int, error)
}

// PredictionSummary is the short prediction view joined into chain listings.
type PredictionSummary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// EntryListing pairs a ledger entry with a summary of its prediction. The
// prediction is nil when the referenced record no longer exists, which the
// verifier reports as corruption but the listing still has to display.
type EntryListing struct {
	Entry
	Prediction *PredictionSummary `json:"prediction,omitempty"`
}

// Status summarizes the ledger for the status endpoint and CLI.
type Status struct {
	TotalEntries    int64      `json:"total_entries"`
	PendingAnchor   int64      `json:"pending_anchor"`
	HeadHash        *string    `json:"head_hash"`
	LastEntryAt     *time.Time `json:"last_entry_at,omitempty"`
	LastAnchoredRef *string    `json:"last_anchored_ref,omitempty"`
}
