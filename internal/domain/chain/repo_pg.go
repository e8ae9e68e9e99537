package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediguard/mediguard/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) Repository {
	return &entryRepoPG{pool: pool}
}

func (r *entryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, prediction_id, previous_hash, current_hash,
	entry_timestamp, anchor_reference, anchor_position, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.PredictionID, &e.PreviousHash, &e.CurrentHash,
		&e.EntryTimestamp, &e.AnchorReference, &e.AnchorPosition, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert writes one ledger entry. Inside a caller transaction the statement
// runs under a savepoint: a constraint violation must not poison the outer
// transaction, because the append sequence retries after losing a head race.
func (r *entryRepoPG) Insert(ctx context.Context, e *Entry) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, sp, e); err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		return sp.Commit(ctx)
	}
	return insertEntry(ctx, r.pool, e)
}

func insertEntry(ctx context.Context, q queryable, e *Entry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO chain_entries (prediction_id, previous_hash, current_hash, entry_timestamp)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.PredictionID, e.PreviousHash, e.CurrentHash, e.EntryTimestamp,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return mapInsertError(err)
	}
	return nil
}

// mapInsertError converts constraint violations into domain errors. A
// duplicate prediction id means the caller tried to chain the same record
// twice; any other unique violation means another writer won the race for
// the current head and the whole append sequence must be retried. A foreign
// key violation means the referenced prediction does not exist.
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		if pgErr.ConstraintName == "chain_entries_prediction_id_key" {
			return fmt.Errorf("%w (%s)", ErrAlreadyChained, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w (%s)", ErrConcurrencyConflict, pgErr.ConstraintName)
	case "23503": // foreign_key_violation
		return fmt.Errorf("%w (%s)", ErrPredictionNotFound, pgErr.ConstraintName)
	}
	return err
}

func (r *entryRepoPG) LatestHash(ctx context.Context) (*string, error) {
	var h string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT current_hash FROM chain_entries ORDER BY id DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *entryRepoPG) Head(ctx context.Context) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM chain_entries ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (r *entryRepoPG) GetByPredictionID(ctx context.Context, predictionID string) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM chain_entries WHERE prediction_id = $1`, predictionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (r *entryRepoPG) MaxID(ctx context.Context) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM chain_entries`).Scan(&id)
	return id, err
}

func (r *entryRepoPG) ListRange(ctx context.Context, afterID, maxID int64, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM chain_entries
		WHERE id > $1 AND id <= $2
		ORDER BY id ASC LIMIT $3`, afterID, maxID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *entryRepoPG) List(ctx context.Context, limit, offset int) ([]*EntryListing, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM chain_entries`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT e.id, e.prediction_id, e.previous_hash, e.current_hash,
			e.entry_timestamp, e.anchor_reference, e.anchor_position, e.created_at,
			p.id, p.user_id, p.timestamp, p.source
		FROM chain_entries e
		LEFT JOIN predictions p ON p.id = e.prediction_id
		ORDER BY e.id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*EntryListing
	for rows.Next() {
		var (
			item    EntryListing
			pID     *string
			pUserID *string
			pTS     *time.Time
			pSource *string
		)
		err := rows.Scan(&item.ID, &item.PredictionID, &item.PreviousHash, &item.CurrentHash,
			&item.EntryTimestamp, &item.AnchorReference, &item.AnchorPosition, &item.CreatedAt,
			&pID, &pUserID, &pTS, &pSource)
		if err != nil {
			return nil, 0, err
		}
		if pID != nil {
			item.Prediction = &PredictionSummary{
				ID:     *pID,
				UserID: *pUserID,
				Source: *pSource,
			}
			if pTS != nil {
				item.Prediction.Timestamp = *pTS
			}
		}
		items = append(items, &item)
	}
	return items, total, rows.Err()
}

func (r *entryRepoPG) PendingAnchor(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM chain_entries
		WHERE anchor_reference IS NULL AND id > $1
		ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *entryRepoPG) MarkAnchored(ctx context.Context, ids []int64, reference string, position int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chain_entries
		SET anchor_reference = $1, anchor_position = $2
		WHERE id = ANY($3) AND anchor_reference IS NULL`,
		reference, position, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *entryRepoPG) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM chain_entries`).Scan(&n)
	return n, err
}

func (r *entryRepoPG) CountPendingAnchor(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM chain_entries WHERE anchor_reference IS NULL`).Scan(&n)
	return n, err
}

func (r *entryRepoPG) CountByAnchorReference(ctx context.Context, reference string) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM chain_entries WHERE anchor_reference = $1`, reference).Scan(&n)
	return n, err
}

func (r *entryRepoPG) LatestAnchorReference(ctx context.Context) (*string, error) {
	var ref string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT anchor_reference FROM chain_entries
		WHERE anchor_reference IS NOT NULL
		ORDER BY id DESC LIMIT 1`).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *entryRepoPG) DeleteAll(ctx context.Context) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM chain_entries`); err != nil {
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `ALTER SEQUENCE chain_entries_id_seq RESTART WITH 1`)
	return err
}
