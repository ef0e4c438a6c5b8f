// Package postgres is the production status.Store backed by PostgreSQL:
// pgxpool for connection pooling, explicit SELECT column lists, and
// pgx.ErrNoRows translated to the (nil, nil) absence result.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailstrom-dev/mailstrom/status"
)

// ErrNotFound marks an absent message. No method of Store returns it:
// Retrieve translates pgx.ErrNoRows directly to the (nil, nil) absence
// contract status.Store requires.
var ErrNotFound = errors.New("mailstrom message not found")

// Store is a PostgreSQL-backed status.Store. The table is migrated by the
// SQL files under status/postgres/migrations using golang-migrate.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool. Callers are responsible for
// running the migrations in status/postgres/migrations before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const upsertQuery = `
INSERT INTO mailstrom_messages (message_id, envelope_from, recipients, body, incomplete, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (message_id) DO UPDATE SET
	envelope_from = EXCLUDED.envelope_from,
	recipients    = EXCLUDED.recipients,
	body          = EXCLUDED.body,
	incomplete    = EXCLUDED.incomplete,
	updated_at    = EXCLUDED.updated_at`

// Store implements status.Store. It is a single upsert, so the record for
// message_id is overwritten atomically as the interface contract requires.
func (s *Store) Store(ctx context.Context, rec status.InternalStatus) error {
	recipients, err := json.Marshal(rec.Recipients)
	if err != nil {
		return status.NewStorageError("store", fmt.Errorf("marshalling recipients: %w", err))
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, upsertQuery,
		rec.MessageID, rec.EnvelopeFrom, recipients, rec.Body, rec.Incomplete(), rec.CreatedAt, now,
	)
	if err != nil {
		return status.NewStorageError("store", err)
	}
	return nil
}

const selectColumns = `message_id, envelope_from, recipients, body, created_at`

func scanStatus(row pgx.Row) (*status.InternalStatus, error) {
	var rec status.InternalStatus
	var recipients []byte

	if err := row.Scan(&rec.MessageID, &rec.EnvelopeFrom, &recipients, &rec.Body, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipients, &rec.Recipients); err != nil {
		return nil, fmt.Errorf("unmarshalling recipients: %w", err)
	}
	return &rec, nil
}

// Retrieve implements status.Store.
func (s *Store) Retrieve(ctx context.Context, messageID string) (*status.InternalStatus, error) {
	query := fmt.Sprintf(`SELECT %s FROM mailstrom_messages WHERE message_id = $1`, selectColumns)

	rec, err := scanStatus(s.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, status.NewStorageError("retrieve", err)
	}
	return rec, nil
}

// RetrieveAllIncomplete implements status.Store.
func (s *Store) RetrieveAllIncomplete(ctx context.Context) ([]status.InternalStatus, error) {
	query := fmt.Sprintf(`SELECT %s FROM mailstrom_messages WHERE incomplete`, selectColumns)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, status.NewStorageError("retrieve_all_incomplete", err)
	}
	defer rows.Close()

	var out []status.InternalStatus
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, status.NewStorageError("retrieve_all_incomplete", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, status.NewStorageError("retrieve_all_incomplete", err)
	}
	return out, nil
}
