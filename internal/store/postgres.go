package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         SERIAL PRIMARY KEY,
	room_code  TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_room_code_idx ON documents (room_code);
`

// Postgres is the durable document store: it is the Catalog, the Loader
// behind a backend's cache, and the sink the Flusher writes to.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and makes sure the schema exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) LoadContent(ctx context.Context, key DocKey) (string, error) {
	var content string
	err := p.pool.QueryRow(ctx,
		`SELECT content FROM documents WHERE id = $1 AND room_code = $2`,
		key.Document, key.Room,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("loading document %s: %w", key, err)
	}
	return content, nil
}

func (p *Postgres) SaveContent(ctx context.Context, key DocKey, content string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET content = $1 WHERE id = $2 AND room_code = $3`,
		content, key.Document, key.Room,
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListDocuments(ctx context.Context, room string) ([]Document, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, title FROM documents WHERE room_code = $1 ORDER BY created_at ASC, id ASC`,
		room,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents in %s: %w", room, err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Document])
	if err != nil {
		return nil, fmt.Errorf("listing documents in %s: %w", room, err)
	}
	return docs, nil
}

func (p *Postgres) CreateDocument(ctx context.Context, room, title string) (Document, error) {
	doc := Document{Title: title}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO documents (title, content, room_code) VALUES ($1, $2, $3) RETURNING id`,
		title, InitialContent(title), room,
	).Scan(&doc.ID)
	if err != nil {
		return Document{}, fmt.Errorf("error inserting document: %w", err)
	}
	return doc, nil
}
