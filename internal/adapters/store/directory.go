// Package store keeps the identity directory: which long-term Ed25519 key
// belongs to which player id.
package store

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound   = errors.New("identity not found")
	ErrBadKeySize = errors.New("public key has the wrong size")
)

type Identity struct {
	Player    domain.PlayerID   `json:"player"`
	Name      string            `json:"name"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	CreatedAt time.Time         `json:"created_at"`
}

// Directory is a SQLite backed identity directory with an in-memory read
// cache. Several server processes may share the file.
type Directory struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[domain.PlayerID]ed25519.PublicKey
	group singleflight.Group
}

// Open opens (or creates) the directory at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS identities (
		player_id   TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		public_key  BLOB NOT NULL,
		created_at  INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("module", "store").Str("path", path).Msg("identity directory open")
	return &Directory{db: db, cache: make(map[domain.PlayerID]ed25519.PublicKey)}, nil
}

func (d *Directory) Close() error { return d.db.Close() }

// PublicKey returns the key registered for id.
func (d *Directory) PublicKey(ctx context.Context, id domain.PlayerID) (ed25519.PublicKey, error) {
	d.mu.RLock()
	pub, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return pub, nil
	}

	v, err, _ := d.group.Do(string(id), func() (any, error) {
		var raw []byte
		err := d.db.QueryRowContext(ctx, `SELECT public_key FROM identities WHERE player_id = ?`, string(id)).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrBadKeySize, id, len(raw))
		}
		key := ed25519.PublicKey(raw)
		d.mu.Lock()
		d.cache[id] = key
		d.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ed25519.PublicKey), nil
}

// Register stores or replaces the key for id.
func (d *Directory) Register(ctx context.Context, id domain.PlayerID, name string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadKeySize, len(pub))
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO identities (player_id, name, public_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			name=excluded.name,
			public_key=excluded.public_key`,
		string(id), name, []byte(pub), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cache[id] = append(ed25519.PublicKey(nil), pub...)
	d.mu.Unlock()
	log.Info().Str("module", "store").Str("player", string(id)).Msg("identity registered")
	return nil
}

// Remove forgets id. Removing an unknown id is not an error.
func (d *Directory) Remove(ctx context.Context, id domain.PlayerID) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM identities WHERE player_id = ?`, string(id)); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
	return nil
}

// List returns every identity ordered by player id.
func (d *Directory) List(ctx context.Context) ([]Identity, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT player_id, name, public_key, created_at FROM identities ORDER BY player_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			id, name string
			key      []byte
			created  int64
		)
		if err := rows.Scan(&id, &name, &key, &created); err != nil {
			return nil, err
		}
		out = append(out, Identity{
			Player:    domain.PlayerID(id),
			Name:      name,
			PublicKey: key,
			CreatedAt: time.UnixMilli(created).UTC(),
		})
	}
	return out, rows.Err()
}
