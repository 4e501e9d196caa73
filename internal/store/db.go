package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database. The server uses it as a conversation.Store;
// the client uses the same file format for its outbox journal and sync checkpoints.
type DB struct {
	*sql.DB

	locks conversation.Locks
	now   func() time.Time
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions start IMMEDIATE so concurrent writers queue on the busy timeout
// instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, now: time.Now}, nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// unavailable classifies a driver error. Constraint violations stay as they are;
// everything else means the store cannot serve the call.
func unavailable(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, conversation.ErrStoreUnavailable, err)
}
