package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id                  TEXT PRIMARY KEY,
	sku                 TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL,
	category            TEXT NOT NULL DEFAULT '',
	quantity            INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	low_stock_threshold INTEGER NOT NULL DEFAULT 0,
	updated_at          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS movements (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id    TEXT NOT NULL REFERENCES items(id),
	delta      INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	user_name  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_movements_item ON movements(item_id, created_at);
`

// SQLiteStore persists items and the movement ledger in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const itemColumns = `id, sku, name, category, quantity, low_stock_threshold, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var it Item
	var updated string
	if err := r.Scan(&it.ID, &it.SKU, &it.Name, &it.Category, &it.Quantity, &it.LowStockThreshold, &updated); err != nil {
		return Item{}, err
	}
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return it, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Item, error) {
	return getItem(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getItem(ctx context.Context, q querier, id string) (Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

func (s *SQLiteStore) Create(ctx context.Context, it Item) (Item, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.SKU, it.Name, it.Category, it.Quantity, it.LowStockThreshold,
		it.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) ApplyMovement(ctx context.Context, m Movement) (Item, Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, Item{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := getItem(ctx, tx, m.ItemID)
	if err != nil {
		return Item{}, Item{}, err
	}
	if before.Quantity+m.Delta < 0 {
		return Item{}, Item{}, fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, before.ID, before.Quantity, -m.Delta)
	}

	at := m.At.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET quantity = quantity + ?, updated_at = ? WHERE id = ?`,
		m.Delta, at, m.ItemID); err != nil {
		return Item{}, Item{}, fmt.Errorf("update quantity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO movements (item_id, delta, reason, user_id, user_name, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ItemID, m.Delta, m.Reason, m.UserID, m.UserName, at); err != nil {
		return Item{}, Item{}, fmt.Errorf("record movement: %w", err)
	}

	after, err := getItem(ctx, tx, m.ItemID)
	if err != nil {
		return Item{}, Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return Item{}, Item{}, fmt.Errorf("commit: %w", err)
	}
	return before, after, nil
}

// Movements returns the ledger for itemID, oldest first.
func (s *SQLiteStore) Movements(ctx context.Context, itemID string) ([]Movement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, delta, reason, user_id, user_name, created_at FROM movements WHERE item_id = ? ORDER BY id`,
		itemID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Movement
	for rows.Next() {
		var m Movement
		var at string
		if err := rows.Scan(&m.ItemID, &m.Delta, &m.Reason, &m.UserID, &m.UserName, &at); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
