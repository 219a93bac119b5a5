// internal/kvstore/postgres.go
package kvstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Schema creates the single items table and its secondary index.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory_items (
	pk         TEXT NOT NULL,
	sk         TEXT NOT NULL,
	gsi1pk     TEXT NOT NULL DEFAULT '',
	gsi1sk     TEXT NOT NULL DEFAULT '',
	count      BIGINT NOT NULL DEFAULT 0,
	data       JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (pk, sk)
);
CREATE INDEX IF NOT EXISTS inventory_items_gsi1 ON inventory_items (gsi1pk, gsi1sk) WHERE gsi1pk <> '';
`

const itemColumns = `pk, sk, gsi1pk, gsi1sk, count, data, updated_at`

// PostgresStore keeps every item in one PostgreSQL table.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("authorinventory/kvstore"),
	}
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return classify("migrate", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) start(ctx context.Context, op string, key Key) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "kvstore."+op, trace.WithAttributes(
		attribute.String("item.pk", key.PK),
		attribute.String("item.sk", key.SK),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConditionFailed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var data []byte
	if err := row.Scan(&it.PK, &it.SK, &it.GSI1PK, &it.GSI1SK, &it.Count, &data, &it.UpdatedAt); err != nil {
		return Item{}, err
	}
	if len(data) > 0 {
		it.Data = data
	}
	it.UpdatedAt = it.UpdatedAt.UTC()
	return it, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (it Item, err error) {
	ctx, span := s.start(ctx, "get", key)
	defer func() { endSpan(span, err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE pk = $1 AND sk = $2`, key.PK, key.SK)
	it, err = scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, classify("get", err)
	}
	return it, nil
}

func (s *PostgresStore) Put(ctx context.Context, item Item, opts PutOptions) (err error) {
	ctx, span := s.start(ctx, "put", item.Key)
	defer func() { endSpan(span, err) }()

	query := `
		INSERT INTO inventory_items (pk, sk, gsi1pk, gsi1sk, count, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if opts.IfNotExists {
		query += ` ON CONFLICT (pk, sk) DO NOTHING`
	} else {
		query += ` ON CONFLICT (pk, sk) DO UPDATE
		SET gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk, count = EXCLUDED.count,
		    data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	}
	res, err := s.db.ExecContext(ctx, query, item.PK, item.SK, item.GSI1PK, item.GSI1SK, item.Count,
		nullableJSON(item.Data), time.Now().UTC())
	if err != nil {
		return classify("put", err)
	}
	if opts.IfNotExists {
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConditionFailed
		}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) (err error) {
	ctx, span := s.start(ctx, "delete", key)
	defer func() { endSpan(span, err) }()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE pk = $1 AND sk = $2`, key.PK, key.SK); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *PostgresStore) Increment(ctx context.Context, key Key, delta int64, opts IncrementOptions) (it Item, err error) {
	ctx, span := s.start(ctx, "increment", key)
	span.SetAttributes(attribute.Int64("delta", delta), attribute.Bool("clamp", opts.ClampAtZero))
	defer func() { endSpan(span, err) }()

	next := `inventory_items.count + $3`
	if opts.ClampAtZero {
		next = `GREATEST(0, inventory_items.count + $3)`
	}
	now := time.Now().UTC()

	var row *sql.Row
	if opts.MustExist {
		row = s.db.QueryRowContext(ctx, `
			UPDATE inventory_items SET count = `+next+`, updated_at = $4
			WHERE pk = $1 AND sk = $2
			RETURNING `+itemColumns, key.PK, key.SK, delta, now)
	} else {
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO inventory_items (pk, sk, count, updated_at)
			VALUES ($1, $2, $5, $4)
			ON CONFLICT (pk, sk) DO UPDATE SET count = `+next+`, updated_at = $4
			RETURNING `+itemColumns, key.PK, key.SK, delta, now, incremented(0, delta, opts.ClampAtZero))
	}
	it, err = scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrConditionFailed
	}
	if err != nil {
		return Item{}, classify("increment", err)
	}
	return it, nil
}

func (s *PostgresStore) Update(ctx context.Context, key Key, fn MutateFunc) (it Item, err error) {
	ctx, span := s.start(ctx, "update", key)
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, classify("begin transaction", err)
	}
	defer tx.Rollback()

	cur, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE pk = $1 AND sk = $2 FOR UPDATE`, key.PK, key.SK))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, classify("select for update", err)
	}
	if err := fn(&cur); err != nil {
		return Item{}, err
	}
	cur.Key = key
	cur.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_items SET gsi1pk = $3, gsi1sk = $4, count = $5, data = $6, updated_at = $7
		WHERE pk = $1 AND sk = $2
	`, key.PK, key.SK, cur.GSI1PK, cur.GSI1SK, cur.Count, nullableJSON(cur.Data), cur.UpdatedAt); err != nil {
		return Item{}, classify("update", err)
	}
	if err := tx.Commit(); err != nil {
		return Item{}, classify("commit transaction", err)
	}
	return cur, nil
}

func (s *PostgresStore) Query(ctx context.Context, in QueryInput) (items []Item, err error) {
	ctx, span := s.tracer.Start(ctx, "kvstore.query", trace.WithAttributes(
		attribute.String("query.pk", in.PK),
		attribute.String("query.sk_prefix", in.SKPrefix),
		attribute.Int("query.index", int(in.Index)),
	))
	defer func() { endSpan(span, err) }()

	pkCol, skCol := "pk", "sk"
	if in.Index == GSI1 {
		pkCol, skCol = "gsi1pk", "gsi1sk"
	}
	order := "ASC"
	if in.Descending {
		order = "DESC"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM inventory_items WHERE %s = $1 AND left(%s, length($2)) = $2 ORDER BY %s COLLATE "C" %s`,
		itemColumns, pkCol, skCol, skCol, order)
	args := []any{in.PK, in.SKPrefix}
	if in.Limit > 0 {
		sb.WriteString(` LIMIT $3`)
		args = append(args, in.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, classify("scan item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate items", err)
	}
	span.SetAttributes(attribute.Int("items.loaded", len(items)))
	return items, nil
}

func (s *PostgresStore) BatchWrite(ctx context.Context, reqs []WriteRequest) (_ []WriteRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "kvstore.batch_write", trace.WithAttributes(attribute.Int("batch.size", len(reqs))))
	defer func() { endSpan(span, err) }()

	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(reqs), MaxBatchSize)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, r := range reqs {
		switch {
		case r.Put != nil:
			it := r.Put
			_, err = tx.ExecContext(ctx, `
				INSERT INTO inventory_items (pk, sk, gsi1pk, gsi1sk, count, data, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (pk, sk) DO UPDATE
				SET gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk, count = EXCLUDED.count,
				    data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
			`, it.PK, it.SK, it.GSI1PK, it.GSI1SK, it.Count, nullableJSON(it.Data), now)
		case r.Delete != nil:
			_, err = tx.ExecContext(ctx, `DELETE FROM inventory_items WHERE pk = $1 AND sk = $2`, r.Delete.PK, r.Delete.SK)
		}
		if err != nil {
			return nil, classify(fmt.Sprintf("batch request %d", i), err)
		}
	}
	if err := tx.Commit(); err != nil {
		// Nothing was applied; hand the whole batch back for resubmission.
		if errors.Is(classify("commit", err), ErrTransient) {
			return reqs, nil
		}
		return nil, classify("commit transaction", err)
	}
	return nil, nil
}

func (s *PostgresStore) Scan(ctx context.Context, fn func(Item) error) (err error) {
	ctx, span := s.tracer.Start(ctx, "kvstore.scan")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM inventory_items ORDER BY pk COLLATE "C", sk COLLATE "C"`)
	if err != nil {
		return classify("scan", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return classify("scan item", err)
		}
		if err := fn(it); err != nil {
			return fmt.Errorf("scan callback failed: %w", err)
		}
	}
	return rows.Err()
}

// classify wraps connection loss, resource exhaustion and serialization
// failures with ErrTransient.
func classify(op string, err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		}
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
