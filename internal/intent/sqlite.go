package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dwsmith1983/runguard/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_intents (
	campaign_id TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	forced      INTEGER NOT NULL DEFAULT 0,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_intents_expires ON pending_intents(expires_at);
`

// SQLiteStore keeps intents in a local SQLite file so they survive restarts
// of the client process.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the intent database at path. ":memory:" opens
// a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating intent dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening intent db: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating intent schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DefaultPath returns the per-user intent database location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "runguard", "intents.db")
}

func (s *SQLiteStore) Save(ctx context.Context, in types.PendingIntent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_intents (campaign_id, run_id, created_at, forced, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(campaign_id) DO UPDATE SET
	run_id = excluded.run_id,
	created_at = excluded.created_at,
	forced = excluded.forced,
	expires_at = excluded.expires_at`,
		in.CampaignID, in.RunID, in.CreatedAt.UnixMilli(), in.Forced, in.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving intent %s: %w", in.CampaignID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, campaignID string) (types.PendingIntent, error) {
	var (
		in               types.PendingIntent
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT campaign_id, run_id, created_at, forced, expires_at FROM pending_intents WHERE campaign_id = ?`,
		campaignID,
	).Scan(&in.CampaignID, &in.RunID, &created, &in.Forced, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PendingIntent{}, ErrNotFound
	}
	if err != nil {
		return types.PendingIntent{}, fmt.Errorf("loading intent %s: %w", campaignID, err)
	}
	in.CreatedAt = time.UnixMilli(created).UTC()
	in.ExpiresAt = time.UnixMilli(expires).UTC()
	return in, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, campaignID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_intents WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("deleting intent %s: %w", campaignID, err)
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_intents WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging intents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
