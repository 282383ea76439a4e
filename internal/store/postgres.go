package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps every table as rows of kv_documents(document, key, value).
// The schema lives in migrations/ and is applied by cmd/migrate.
type Postgres struct {
	db       *pgxpool.Pool
	document string
}

func NewPostgres(db *pgxpool.Pool, document string) *Postgres {
	return &Postgres{db: db, document: document}
}

func (p *Postgres) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := p.db.Query(ctx, `
		SELECT key, value
		FROM kv_documents
		WHERE document = $1
	`, p.document)
	if err != nil {
		return nil, fmt.Errorf("query kv_documents: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan kv_documents: %w", err)
		}
		entries[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv_documents: %w", err)
	}
	return entries, nil
}

func (p *Postgres) MergeSave(ctx context.Context, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for k, v := range entries {
		batch.Queue(`
			INSERT INTO kv_documents (document, key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (document, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`, p.document, k, []byte(v))
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert kv_documents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit kv_documents: %w", err)
	}
	return nil
}
