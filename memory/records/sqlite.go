package records

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-memory/core"
)

// SQLiteStore keeps memory cards in a SQLite database. Card order is the
// insertion position within a character.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// OpenSQLite opens or creates a database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_cards (
		id           TEXT PRIMARY KEY,
		character_id TEXT NOT NULL,
		position     INTEGER NOT NULL,
		key          TEXT NOT NULL,
		text         TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cards_character ON memory_cards(character_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Cards implements memory.RecordStore.
func (s *SQLiteStore) Cards(ctx context.Context, characterID string) ([]core.MemoryCard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, text FROM memory_cards WHERE character_id = ? ORDER BY position, id`,
		characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []core.MemoryCard
	for rows.Next() {
		var c core.MemoryCard
		if err := rows.Scan(&c.ID, &c.Key, &c.Text); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// Put appends a card for characterID and returns it with its new id.
func (s *SQLiteStore) Put(ctx context.Context, characterID, key, text string) (core.MemoryCard, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	card := core.MemoryCard{ID: s.newID(), Key: key, Text: text}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_cards (id, character_id, position, key, text, created_at, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM memory_cards WHERE character_id = ?), ?, ?, ?, ?)`,
		card.ID, characterID, characterID, key, text, now, now)
	if err != nil {
		return core.MemoryCard{}, fmt.Errorf("insert card: %w", err)
	}
	return card, nil
}

// Update rewrites a card's key and text in place.
func (s *SQLiteStore) Update(ctx context.Context, cardID, key, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_cards SET key = ?, text = ?, updated_at = ? WHERE id = ?`,
		key, text, time.Now().UTC().Format(time.RFC3339Nano), cardID)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return expectOne(res, cardID)
}

// Delete removes a card.
func (s *SQLiteStore) Delete(ctx context.Context, cardID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_cards WHERE id = ?`, cardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return expectOne(res, cardID)
}

// CharacterOf returns the character a card belongs to.
func (s *SQLiteStore) CharacterOf(ctx context.Context, cardID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT character_id FROM memory_cards WHERE id = ?`, cardID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrCardNotFound, cardID)
	}
	return id, err
}

// Characters lists every character with at least one card.
func (s *SQLiteStore) Characters(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT character_id FROM memory_cards ORDER BY character_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Import replaces a character's cards with cards in order. Every card gets
// a fresh id, since file-style ids like card-1 repeat across characters.
func (s *SQLiteStore) Import(ctx context.Context, characterID string, cards []core.MemoryCard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_cards WHERE character_id = ?`, characterID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, c := range cards {
		id := s.newID()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_cards (id, character_id, position, key, text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, characterID, i, c.Key, c.Text, now, now); err != nil {
			return fmt.Errorf("insert card %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func expectOne(res sql.Result, cardID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, cardID)
	}
	return nil
}
