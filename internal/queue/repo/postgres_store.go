package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

type itemRow struct {
	ID              int64          `db:"id"`
	CardID          string         `db:"card_id"`
	UpdateKind      string         `db:"update_kind"`
	TargetPlatforms pq.StringArray `db:"target_platforms"`
	Metadata        []byte         `db:"metadata"`
	State           string         `db:"state"`
	Processed       bool           `db:"processed"`
	Failed          bool           `db:"failed"`
	RetryCount      int            `db:"retry_count"`
	CreatedAt       time.Time      `db:"created_at"`
	AvailableAt     time.Time      `db:"available_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	ProcessedAt     sql.NullTime   `db:"processed_at"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorCategory   sql.NullString `db:"error_category"`
}

const itemColumns = `id, card_id, update_kind, target_platforms, metadata, state, processed, failed,
	retry_count, created_at, available_at, started_at, processed_at, error_message, error_category`

func (r itemRow) toItem() entity.Item {
	it := entity.Item{
		ID:            r.ID,
		CardID:        r.CardID,
		UpdateKind:    entity.UpdateKind(r.UpdateKind),
		State:         entity.State(r.State),
		RetryCount:    r.RetryCount,
		LastError:     r.ErrorMessage.String,
		ErrorCategory: r.ErrorCategory.String,
		CreatedAt:     r.CreatedAt,
		AvailableAt:   r.AvailableAt,
	}
	for _, p := range r.TargetPlatforms {
		it.TargetPlatforms = append(it.TargetPlatforms, entity.Platform(p))
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		it.Metadata = json.RawMessage(r.Metadata)
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		it.StartedAt = &t
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		it.ProcessedAt = &t
	}
	return it
}

// PostgresStore keeps the queue in wallet_update_queue. Every transition is a
// conditional UPDATE on the prior state so concurrent workers cannot double-claim.
type PostgresStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, tracer: otel.Tracer("wallet/queue")}
}

// EnsureTable creates the queue table and its indexes when missing.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	var tbl sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT to_regclass('public.wallet_update_queue')").Scan(&tbl); err != nil {
		return err
	}
	if !tbl.Valid {
		createTable := `CREATE TABLE wallet_update_queue (
			id bigint PRIMARY KEY,
			card_id varchar(64) NOT NULL,
			update_kind varchar(32) NOT NULL,
			target_platforms text[] NOT NULL DEFAULT '{}',
			metadata jsonb DEFAULT '{}'::jsonb,
			state varchar(16) NOT NULL DEFAULT 'pending',
			processed boolean NOT NULL DEFAULT false,
			failed boolean NOT NULL DEFAULT false,
			retry_count integer NOT NULL DEFAULT 0,
			created_at timestamptz NOT NULL DEFAULT now(),
			available_at timestamptz NOT NULL DEFAULT now(),
			started_at timestamptz,
			processed_at timestamptz,
			error_message text,
			error_category varchar(32)
		)`
		if _, err := s.db.ExecContext(ctx, createTable); err != nil {
			return err
		}
	}

	indexes := map[string]string{
		"idx_wallet_update_queue_card_open": `CREATE INDEX idx_wallet_update_queue_card_open
			ON wallet_update_queue (card_id, created_at, id) WHERE state IN ('pending', 'processing')`,
		"idx_wallet_update_queue_state": `CREATE INDEX idx_wallet_update_queue_state
			ON wallet_update_queue (state, processed_at)`,
	}
	for name, ddl := range indexes {
		var idx sql.NullString
		if err := s.db.QueryRowContext(ctx, "SELECT to_regclass('public."+name+"')").Scan(&idx); err != nil {
			return err
		}
		if !idx.Valid {
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, it entity.Item) error {
	ctx, span := s.tracer.Start(ctx, "queue.insert", trace.WithAttributes(attribute.String("card.id", it.CardID)))
	defer span.End()

	platforms := make(pq.StringArray, 0, len(it.TargetPlatforms))
	for _, p := range it.TargetPlatforms {
		platforms = append(platforms, string(p))
	}
	meta := []byte(it.Metadata)
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	q := `INSERT INTO wallet_update_queue
		(id, card_id, update_kind, target_platforms, metadata, state, retry_count, created_at, available_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)`
	if _, err := s.db.ExecContext(ctx, q, it.ID, it.CardID, string(it.UpdateKind), platforms, meta, it.CreatedAt, it.AvailableAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// ClaimHeads moves up to limit eligible items to processing. Only the oldest
// pending item of a card with nothing in processing is eligible, so a card's
// items never run concurrently, even after a manual retry.
func (s *PostgresStore) ClaimHeads(ctx context.Context, now time.Time, limit int) ([]entity.Item, error) {
	ctx, span := s.tracer.Start(ctx, "queue.claim", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	var ids []int64
	q := `WITH heads AS (
			SELECT DISTINCT ON (card_id) id, available_at, created_at
			  FROM wallet_update_queue q
			 WHERE state = 'pending'
			   AND NOT EXISTS (
			       SELECT 1 FROM wallet_update_queue p
			        WHERE p.card_id = q.card_id AND p.state = 'processing')
			 ORDER BY card_id, created_at, id
		)
		SELECT id FROM heads
		 WHERE available_at <= $1
		 ORDER BY created_at, id
		 LIMIT $2`
	if err := s.db.SelectContext(ctx, &ids, q, now, limit); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select queue heads: %w", err)
	}

	claimed := make([]entity.Item, 0, len(ids))
	for _, id := range ids {
		var row itemRow
		err := s.db.GetContext(ctx, &row, `UPDATE wallet_update_queue
			SET state = 'processing', started_at = $2
			WHERE id = $1 AND state = 'pending'
			  AND NOT EXISTS (
			      SELECT 1 FROM wallet_update_queue p
			       WHERE p.card_id = wallet_update_queue.card_id AND p.state = 'processing')
			RETURNING `+itemColumns, id, now)
		if errors.Is(err, sql.ErrNoRows) {
			// another worker won the race
			continue
		}
		if err != nil {
			span.RecordError(err)
			return claimed, fmt.Errorf("claim queue item %d: %w", id, err)
		}
		claimed = append(claimed, row.toItem())
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))
	return claimed, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, `UPDATE wallet_update_queue
		SET state = 'completed', processed = true, failed = false, processed_at = $2
		WHERE id = $1 AND state = 'processing'
		RETURNING 1`, id, at)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, f entity.Failure) error {
	if f.Retry {
		return s.transition(ctx, `UPDATE wallet_update_queue
			SET state = 'pending', retry_count = retry_count + 1, available_at = $2,
			    started_at = NULL, error_message = $3, error_category = $4
			WHERE id = $1 AND state = 'processing'
			RETURNING 1`, id, f.AvailableAt, f.Message, f.Category)
	}
	return s.transition(ctx, `UPDATE wallet_update_queue
		SET state = 'failed', failed = true, retry_count = retry_count + 1, processed_at = $2,
		    error_message = $3, error_category = $4
		WHERE id = $1 AND state = 'processing'
		RETURNING 1`, id, f.At, f.Message, f.Category)
}

// Requeue gives a parked item a fresh set of attempts.
func (s *PostgresStore) Requeue(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, `UPDATE wallet_update_queue
		SET state = 'pending', failed = false, retry_count = 0, available_at = $2,
		    started_at = NULL, processed_at = NULL
		WHERE id = $1 AND state = 'failed'
		RETURNING 1`, id, at)
}

// Release hands a claimed item back without charging an attempt.
func (s *PostgresStore) Release(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, `UPDATE wallet_update_queue
		SET state = 'pending', available_at = $2, started_at = NULL
		WHERE id = $1 AND state = 'processing'
		RETURNING 1`, id, at)
}

func (s *PostgresStore) transition(ctx context.Context, q string, args ...any) error {
	var one int
	err := s.db.QueryRowxContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, args[0].(int64)); errors.Is(getErr, entity.ErrNotFound) {
			return entity.ErrNotFound
		}
		return entity.ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("queue transition: %w", err)
	}
	return nil
}

// RecoverStale returns items stuck in processing since before olderThan to the
// queue. The interrupted run counts as an attempt.
func (s *PostgresStore) RecoverStale(ctx context.Context, olderThan time.Time, maxAttempts int, availableAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE wallet_update_queue
		SET retry_count = retry_count + 1,
		    state = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    failed = (retry_count + 1 >= $2),
		    processed_at = CASE WHEN retry_count + 1 >= $2 THEN $3::timestamptz ELSE NULL END,
		    available_at = $3, started_at = NULL,
		    error_message = 'processing interrupted', error_category = 'internal'
		WHERE state = 'processing' AND started_at < $1`, olderThan, maxAttempts, availableAt)
	if err != nil {
		return 0, fmt.Errorf("recover stale queue items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (entity.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM wallet_update_queue WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Item{}, entity.ErrNotFound
	}
	if err != nil {
		return entity.Item{}, fmt.Errorf("get queue item: %w", err)
	}
	return row.toItem(), nil
}

func (s *PostgresStore) ListByCard(ctx context.Context, cardID string) ([]entity.Item, error) {
	return s.list(ctx, `SELECT `+itemColumns+` FROM wallet_update_queue
		WHERE card_id = $1 ORDER BY created_at, id`, cardID)
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]entity.Item, error) {
	return s.list(ctx, `SELECT `+itemColumns+` FROM wallet_update_queue
		WHERE state = 'failed' ORDER BY processed_at DESC NULLS LAST, id DESC LIMIT $1`, limit)
}

func (s *PostgresStore) list(ctx context.Context, q string, args ...any) ([]entity.Item, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	out := make([]entity.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toItem())
	}
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (entity.Stats, error) {
	var st entity.Stats
	err := s.db.GetContext(ctx, &st, `SELECT
			COUNT(*) FILTER (WHERE state = 'pending') AS pending,
			COUNT(*) FILTER (WHERE state = 'processing') AS processing,
			COUNT(*) FILTER (WHERE state = 'completed' AND processed_at >= $1) AS completed_recent,
			COUNT(*) FILTER (WHERE state = 'failed' AND processed_at >= $1) AS failed_recent,
			COUNT(*) FILTER (WHERE state = 'failed') AS failed_total,
			MIN(created_at) FILTER (WHERE state = 'pending') AS oldest_pending
		FROM wallet_update_queue`, since)
	if err != nil {
		return entity.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
