package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	anchorKeyPrefix   = "anchor_"
	positionLatestKey = "position_latest"

	simulatedTimeLayout = "2006-01-02T15:04:05.000000"
)

// SimulatedService is a local stand-in for a real ledger. References are
// derived deterministically from the committed content with the same hash
// function real anchoring uses, and a local position counter takes the place
// of block numbers. Records live in a LevelDB store so commits survive
// restarts.
type SimulatedService struct {
	db     *leveldb.DB
	logger zerolog.Logger

	mu  sync.Mutex // guards the position counter read-modify-write
	now func() time.Time
}

// simulatedRecord is what a commit persists under its reference key.
type simulatedRecord struct {
	Reference string   `json:"reference"`
	Position  int64    `json:"position"`
	HeadHash  string   `json:"head_hash"`
	Timestamp string   `json:"timestamp"`
	Metadata  Metadata `json:"metadata"`
	Data      string   `json:"data"`
}

func NewSimulatedService(path string, logger zerolog.Logger) (*SimulatedService, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open anchor store %s: %w", path, err)
	}
	l := logger.With().Str("component", "anchor").Str("mode", "simulated").Logger()
	l.Info().Str("path", path).Msg("simulated anchor store opened")
	return &SimulatedService{db: db, logger: l, now: time.Now}, nil
}

func (s *SimulatedService) Commit(ctx context.Context, headHash string, meta Metadata) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC().Format(simulatedTimeLayout)
	data := simulatedData(headHash, ts, meta)
	reference := deriveReference(data)

	position, err := s.nextPosition()
	if err != nil {
		return nil, fmt.Errorf("advance position counter: %w", err)
	}

	rec := simulatedRecord{
		Reference: reference,
		Position:  position,
		HeadHash:  headHash,
		Timestamp: ts,
		Metadata:  meta,
		Data:      data,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put([]byte(anchorKeyPrefix+reference), raw, nil); err != nil {
		return nil, fmt.Errorf("store anchor record: %w", err)
	}

	s.logger.Info().
		Str("reference", reference).
		Int64("position", position).
		Str("head_hash", headHash).
		Msg("head hash anchored")
	return &Receipt{Reference: reference, Position: position}, nil
}

func (s *SimulatedService) Verify(ctx context.Context, reference string) (*Verification, error) {
	raw, err := s.db.Get([]byte(anchorKeyPrefix+reference), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return &Verification{Reference: reference, Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read anchor record: %w", err)
	}

	var rec simulatedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode anchor record: %w", err)
	}
	return &Verification{
		Reference: reference,
		Found:     true,
		Position:  rec.Position,
		RawData:   rec.Data,
	}, nil
}

func (s *SimulatedService) Status(ctx context.Context) (*ServiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var position int64
	raw, err := s.db.Get([]byte(positionLatestKey), nil)
	switch {
	case err == nil:
		position, _ = strconv.ParseInt(string(raw), 10, 64)
	case errors.Is(err, leveldb.ErrNotFound):
		// no commits yet
	default:
		return nil, err
	}

	return &ServiceStatus{Mode: "simulated", Position: position, Reachable: true}, nil
}

func (s *SimulatedService) Close() error {
	return s.db.Close()
}

// nextPosition advances the local position counter. Caller holds s.mu.
func (s *SimulatedService) nextPosition() (int64, error) {
	position := int64(1)
	raw, err := s.db.Get([]byte(positionLatestKey), nil)
	switch {
	case err == nil:
		prev, convErr := strconv.ParseInt(string(raw), 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("corrupt position counter: %w", convErr)
		}
		position = prev + 1
	case errors.Is(err, leveldb.ErrNotFound):
		// first commit
	default:
		return 0, err
	}

	if err := s.db.Put([]byte(positionLatestKey), []byte(strconv.FormatInt(position, 10)), nil); err != nil {
		return 0, err
	}
	return position, nil
}

// simulatedData builds the payload a simulated commit anchors, mirroring
// what the real client embeds in transaction data.
func simulatedData(headHash, timestamp string, meta Metadata) string {
	metaJSON, _ := json.Marshal(meta)
	return dataPrefix + headHash + ":" + timestamp + ":" + string(metaJSON)
}

// deriveReference hashes the committed payload into a transaction-id shaped
// reference. Equal payloads always derive equal references.
func deriveReference(data string) string {
	sum := sha256.Sum256([]byte(data))
	return "0x" + hex.EncodeToString(sum[:])[:16]
}
