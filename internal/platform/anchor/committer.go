package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ledger is the slice of the chain service the committer needs. It is
// deliberately narrow so this package never imports the domain layer.
type Ledger interface {
	// PendingAnchorIDs returns ids of chain entries with no anchor reference,
	// ascending, starting after afterID, at most limit.
	PendingAnchorIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	// LatestHash returns the current head hash, or nil for an empty chain.
	LatestHash(ctx context.Context) (*string, error)
	// MarkAnchored stamps the given entries with the anchor reference and
	// position, returning how many rows were updated.
	MarkAnchored(ctx context.Context, ids []int64, reference string, position int64) (int64, error)
}

// CycleResult describes the outcome of one anchor cycle.
type CycleResult struct {
	Pending   int    `json:"pending"`
	Anchored  int64  `json:"anchored"`
	Reference string `json:"reference,omitempty"`
	Position  int64  `json:"position,omitempty"`
	Skipped   bool   `json:"skipped"`
}

// Committer periodically commits the chain head to the anchor service and
// stamps the covered entries. A failed cycle leaves its entries pending so
// the next cycle picks them up again.
type Committer struct {
	ledger  Ledger
	anchors Service
	logger  zerolog.Logger

	// Interval is the pause between anchor cycles.
	Interval time.Duration
	// BatchSize is the page size used when snapshotting pending entries.
	BatchSize int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCommitter creates a committer with the given interval and batch size.
// Zero values fall back to a daily cycle and pages of 500.
func NewCommitter(ledger Ledger, anchors Service, interval time.Duration, batchSize int, logger zerolog.Logger) *Committer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Committer{
		ledger:    ledger,
		anchors:   anchors,
		logger:    logger.With().Str("component", "anchor_committer").Logger(),
		Interval:  interval,
		BatchSize: batchSize,
	}
}

// Start launches the background loop. The first cycle runs immediately,
// then every Interval until Stop is called.
func (c *Committer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	done := c.done
	go func() {
		defer close(done)
		c.run(ctx)
	}()

	c.logger.Info().Dur("interval", c.Interval).Msg("anchor committer started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (c *Committer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info().Msg("anchor committer stopped")
}

// Running reports whether the background loop is active.
func (c *Committer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Committer) run(ctx context.Context) {
	c.cycle(ctx)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

// cycle wraps RunCycle for the background loop. Errors are logged and
// swallowed; the loop must survive anchor outages.
func (c *Committer) cycle(ctx context.Context) {
	result, err := c.RunCycle(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("anchor cycle failed, entries stay pending")
		return
	}
	if result.Skipped {
		c.logger.Debug().Msg("anchor cycle skipped, nothing pending")
	}
}

// RunCycle performs a single anchor cycle: snapshot the pending entries,
// commit the current head, then stamp exactly the snapshotted entries. Rows
// appended while the commit is in flight keep their pending state and are
// covered by the next cycle.
func (c *Committer) RunCycle(ctx context.Context) (*CycleResult, error) {
	ids, err := c.pendingSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot pending entries: %w", err)
	}
	if len(ids) == 0 {
		return &CycleResult{Skipped: true}, nil
	}

	head, err := c.ledger.LatestHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	if head == nil {
		return &CycleResult{Skipped: true}, nil
	}

	meta := Metadata{
		TotalEntries: len(ids),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	receipt, err := c.anchors.Commit(ctx, *head, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	anchored, err := c.ledger.MarkAnchored(ctx, ids, receipt.Reference, receipt.Position)
	if err != nil {
		// The commitment exists but the rows were not stamped. They stay
		// pending and will be re-covered by the next cycle's commitment.
		return nil, fmt.Errorf("mark %d entries anchored under %s: %w", len(ids), receipt.Reference, err)
	}

	c.logger.Info().
		Int("pending", len(ids)).
		Int64("anchored", anchored).
		Str("reference", receipt.Reference).
		Int64("position", receipt.Position).
		Msg("chain head anchored")

	return &CycleResult{
		Pending:   len(ids),
		Anchored:  anchored,
		Reference: receipt.Reference,
		Position:  receipt.Position,
	}, nil
}

// pendingSnapshot pages through every pending entry id. The full set is
// captured before the commit so entries appended mid-cycle are never stamped
// with a commitment that does not cover them.
func (c *Committer) pendingSnapshot(ctx context.Context) ([]int64, error) {
	var (
		ids     []int64
		afterID int64
	)
	for {
		page, err := c.ledger.PendingAnchorIDs(ctx, afterID, c.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		ids = append(ids, page...)
		afterID = page[len(page)-1]
		if len(page) < c.BatchSize {
			break
		}
	}
	return ids, nil
}
