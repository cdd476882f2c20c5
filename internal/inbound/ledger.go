package inbound

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger records processed message IDs in SQLite so a restart inside the
// dedup window still suppresses redelivered messages. It stores IDs only.
type Ledger struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string, ttl time.Duration, logger *slog.Logger) (*Ledger, error) {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+ledgerPragmas)
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, ttl: ttl, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return l, nil
}

// ledgerPragmas are applied by modernc.org/sqlite to every new connection.
const ledgerPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

func (l *Ledger) migrate() error {
	return runMigrations(l.db, l.logger)
}

// Seen reports whether id was recorded within the TTL.
func (l *Ledger) Seen(ctx context.Context, id string) (bool, error) {
	cutoff := time.Now().Add(-l.ttl).UnixMilli()
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM processed_messages WHERE id = ? AND processed_at > ?`, id, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return n > 0, nil
}

// Record marks id as processed now.
func (l *Ledger) Record(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_messages (id, processed_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET processed_at = excluded.processed_at`,
		id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record message %s: %w", id, err)
	}
	return nil
}

// Prune deletes rows older than the TTL and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-l.ttl).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE processed_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner prunes every interval until ctx is cancelled.
func (l *Ledger) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := l.Prune(ctx); err != nil {
				l.logger.Warn("ledger prune failed", "err", err)
			} else if n > 0 {
				l.logger.Debug("ledger pruned", "rows", n)
			}
		}
	}
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
