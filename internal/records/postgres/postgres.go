// Package postgres stores records in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/recordflow/internal/records"
	"github.com/drblury/recordflow/internal/runtime/envelope"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id         UUID PRIMARY KEY,
	first_name TEXT NOT NULL,
	last_name  TEXT NOT NULL,
	dob        DATE NOT NULL,
	gender     TEXT NOT NULL,
	addresses  JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS records_created_at_idx ON records (created_at DESC);
`

const selectColumns = `id::text, first_name, last_name, dob, gender, addresses, created_at, updated_at`

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements records.Repository.
type Repository struct {
	db DB
}

var _ records.Repository = (*Repository)(nil)

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open records database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping records database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the records table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create records schema: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, rec records.Record) error {
	const sql = `
		INSERT INTO records (id, first_name, last_name, dob, gender, addresses, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	addresses, err := encodeAddresses(rec.Addresses)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, sql,
		rec.ID, rec.FirstName, rec.LastName, rec.DOB.Time, rec.Gender,
		addresses, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context) ([]records.Record, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM records ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []records.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, id string) (records.Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return records.Record{}, records.ErrNotFound
	}
	return rec, err
}

func (r *Repository) Update(ctx context.Context, rec records.Record) error {
	const sql = `
		UPDATE records
		SET first_name = $2, last_name = $3, dob = $4, gender = $5, addresses = $6, updated_at = $7
		WHERE id = $1
	`
	addresses, err := encodeAddresses(rec.Addresses)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, sql,
		rec.ID, rec.FirstName, rec.LastName, rec.DOB.Time, rec.Gender, addresses, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return records.ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return records.ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (records.Record, error) {
	var (
		rec       records.Record
		dob       time.Time
		addresses []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.FirstName, &rec.LastName, &dob, &rec.Gender,
		&addresses, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return records.Record{}, err
		}
		return records.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.DOB = envelope.NewDate(dob)
	rec.CreatedAt = rec.CreatedAt.UTC()

	decoded, err := decodeAddresses(addresses)
	if err != nil {
		return records.Record{}, err
	}
	rec.Addresses = decoded
	return rec, nil
}

// addresses travel as JSON text so the jsonb parameter needs no type hint
func encodeAddresses(addrs []records.Address) (string, error) {
	if addrs == nil {
		addrs = []records.Address{}
	}
	b, err := jsoncodec.Marshal(addrs)
	if err != nil {
		return "", fmt.Errorf("encode addresses: %w", err)
	}
	return string(b), nil
}

func decodeAddresses(raw []byte) ([]records.Address, error) {
	addrs := []records.Address{}
	if len(raw) == 0 {
		return addrs, nil
	}
	if err := jsoncodec.Unmarshal(raw, &addrs); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}
	return addrs, nil
}
