// Package anchor commits the hash chain head to an external ledger and
// verifies prior commitments. Two implementations answer the same contract:
// an Ethereum client for real anchoring and a local LevelDB-backed stand-in
// for deployments without a configured ledger. Callers never branch on which
// one they hold.
package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Common errors returned by anchor implementations.
var (
	ErrNotConfigured  = errors.New("anchor service is not configured")
	ErrCommitFailed   = errors.New("anchor commit failed")
	ErrAlreadyRunning = errors.New("anchor committer is already running")
)

// dataPrefix tags every anchored payload so an anchor transaction is
// recognizable as ours when inspected on the external ledger.
const dataPrefix = "MediGuardAI:"

// Metadata describes the batch covered by a commit. It rides along with the
// head hash so an auditor can tell what the commitment spanned.
type Metadata struct {
	TotalEntries int    `json:"total_entries"`
	Timestamp    string `json:"timestamp"`
}

// Receipt identifies a successful commit on the external ledger.
type Receipt struct {
	// Reference is the external transaction id (0x-prefixed hex).
	Reference string `json:"reference"`
	// Position is the block number or local sequence the commit landed at.
	Position int64 `json:"position"`
}

// Verification is the result of looking up a past commit by reference.
type Verification struct {
	Reference string `json:"reference"`
	Found     bool   `json:"found"`
	Position  int64  `json:"position,omitempty"`
	RawData   string `json:"raw_data,omitempty"`
}

// ServiceStatus reports reachability and position of the anchoring backend.
type ServiceStatus struct {
	Mode      string `json:"mode"` // "simulated" or "ethereum"
	Network   string `json:"network,omitempty"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Position  int64  `json:"position"`
	Reachable bool   `json:"reachable"`
}

// Service is the external anchoring contract the committer depends on.
type Service interface {
	// Commit anchors headHash with the given metadata and returns a receipt.
	Commit(ctx context.Context, headHash string, meta Metadata) (*Receipt, error)
	// Verify looks up a previous commit by its reference.
	Verify(ctx context.Context, reference string) (*Verification, error)
	// Status reports whether the backend is reachable and where it is.
	Status(ctx context.Context) (*ServiceStatus, error)
	// Close releases the backend handle.
	Close() error
}

// Config carries the anchoring settings. Exactly one backend is selected at
// startup; the choice never changes at runtime.
type Config struct {
	Simulated          bool
	RPCURL             string
	PrivateKey         string
	Network            string
	ChainID            int64
	ContractAddress    string
	GasLimit           uint64
	GasPriceMultiplier float64
	StorePath          string
	ConfirmTimeout     time.Duration
}

// New selects and constructs the anchor backend from cfg. Missing or invalid
// connection details for a real backend are a startup failure, not something
// to discover at the first commit cycle.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Service, error) {
	if cfg.Simulated {
		return NewSimulatedService(cfg.StorePath, logger)
	}
	return NewEthereumService(ctx, cfg, logger)
}
