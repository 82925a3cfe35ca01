// Package store owns all persisted state: the pair registry, message
// mappings, sender records, block lists, subscriptions, and settings.
// It is backed by sqlite (modernc.org/sqlite, pure Go) with WAL mode and
// keeps hot-path indexes in memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

const schema = `
CREATE TABLE IF NOT EXISTS pair (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_chat INTEGER NOT NULL,
	destination_chat INTEGER NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	sender_id INTEGER NOT NULL DEFAULT 0,
	filters TEXT NOT NULL DEFAULT '{}',
	stats TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE(source_chat, destination_chat)
);
CREATE INDEX IF NOT EXISTS idx_pair_status ON pair(status);
CREATE INDEX IF NOT EXISTS idx_pair_source ON pair(source_chat);

CREATE TABLE IF NOT EXISTS mapping (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_msg_id INTEGER NOT NULL,
	dest_msg_id INTEGER NOT NULL,
	pair_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL DEFAULT 0,
	source_chat INTEGER NOT NULL,
	dest_chat INTEGER NOT NULL,
	kind TEXT NOT NULL DEFAULT 'text',
	has_media INTEGER NOT NULL DEFAULT 0,
	reply_to_source_id INTEGER NOT NULL DEFAULT 0,
	reply_to_dest_id INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE(source_msg_id, pair_id),
	FOREIGN KEY(pair_id) REFERENCES pair(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_mapping_dest ON mapping(dest_msg_id, pair_id);
CREATE INDEX IF NOT EXISTS idx_mapping_reply ON mapping(reply_to_source_id);

CREATE TABLE IF NOT EXISTS sender (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	handle TEXT NOT NULL UNIQUE,
	credential TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TEXT,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS blocked_word (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	word TEXT NOT NULL,
	pair_id INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE(word, pair_id)
);

CREATE TABLE IF NOT EXISTS blocked_image (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	phash INTEGER NOT NULL,
	scope TEXT NOT NULL DEFAULT 'pair',
	pair_id INTEGER NOT NULL DEFAULT 0,
	threshold INTEGER NOT NULL DEFAULT 5,
	note TEXT NOT NULL DEFAULT '',
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE(phash, pair_id)
);
CREATE INDEX IF NOT EXISTS idx_blocked_image_scope ON blocked_image(phash, scope);

CREATE TABLE IF NOT EXISTS subscription (
	user_id INTEGER PRIMARY KEY,
	expires_at TEXT NOT NULL,
	added_by TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS setting (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS error_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	pair_id INTEGER NOT NULL DEFAULT 0,
	sender_id INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_error_log_time ON error_log(created_at DESC);

CREATE TABLE IF NOT EXISTS repair_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// Store is the single owner of persisted entities. Writes are serialized
// by sqlite; reads may run concurrently. Hot lookups (pairs by source
// chat, blocked words, blocked hashes) are served from copy-on-write
// in-memory indexes rebuilt on mutation.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	// source_chat → pairs index, replaced wholesale on pair mutation.
	pairIdx struct {
		sync.RWMutex
		bySource map[int64][]*domain.Pair
	}

	// blocked word cache: global set and per-pair sets.
	wordIdx struct {
		sync.RWMutex
		global []string
		byPair map[int64][]string
	}

	// blocked image cache, scanned linearly (Hamming match cannot use an
	// index; the set is small).
	imageIdx struct {
		sync.RWMutex
		entries []domain.BlockedImage
	}

	locks *stripedLocks
}

// Open opens (creating if needed) the sqlite database at path and
// rebuilds the in-memory indexes.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &domain.StoreError{Op: "open", Err: err}
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &domain.StoreError{Op: "migrate", Err: err}
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "store").Logger(),
		locks:  newStripedLocks(1024),
	}
	s.pairIdx.bySource = map[int64][]*domain.Pair{}
	s.wordIdx.byPair = map[int64][]string{}

	if err := s.reloadPairIndex(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reloadWordIndex(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reloadImageIndex(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Backup writes a consistent snapshot of the database to dst.
func (s *Store) Backup(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		monitoring.StoreErrors.WithLabelValues("backup").Inc()
		return &domain.StoreError{Op: "backup", Err: err}
	}
	s.logger.Info().Str("dst", dst).Msg("Database backup created")
	return nil
}

// GetSetting reads a setting, returning def when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM setting WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, &domain.StoreError{Op: "get_setting", Err: err}
	}
	return v, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO setting (key, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return &domain.StoreError{Op: "set_setting", Err: err}
	}
	return nil
}

// LogError records a task or pipeline failure for later inspection.
func (s *Store) LogError(ctx context.Context, errType, msg string, pairID, senderID int64) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO error_log (error_type, error_message, pair_id, sender_id) VALUES (?, ?, ?, ?)",
		errType, msg, pairID, senderID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record error log")
	}
}

// Cleanup removes mappings and error logs older than the cutoff and
// reports how many rows of each were deleted.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (mappings, errs int64, err error) {
	cutoff := olderThan.UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, "DELETE FROM mapping WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, 0, &domain.StoreError{Op: "cleanup_mappings", Err: err}
	}
	mappings, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, "DELETE FROM error_log WHERE created_at < ?", cutoff)
	if err != nil {
		return mappings, 0, &domain.StoreError{Op: "cleanup_errors", Err: err}
	}
	errs, _ = res.RowsAffected()

	s.logger.Info().
		Int64("mappings", mappings).
		Int64("error_logs", errs).
		Time("cutoff", olderThan).
		Msg("Cleaned up old rows")
	return mappings, errs, nil
}

// Stats returns coarse registry counts for the admin surface.
type Stats struct {
	TotalPairs    int64
	ActivePairs   int64
	TotalMappings int64
	Mappings24h   int64
	Errors24h     int64
}

// SystemStats aggregates counts used by status/stats admin commands.
func (s *Store) SystemStats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM pair),
			(SELECT COUNT(*) FROM pair WHERE status = 'active'),
			(SELECT COUNT(*) FROM mapping),
			(SELECT COUNT(*) FROM mapping WHERE created_at > ?),
			(SELECT COUNT(*) FROM error_log WHERE created_at > ?)`,
		time.Now().Add(-24*time.Hour).UTC().Format(time.RFC3339),
		time.Now().Add(-24*time.Hour).UTC().Format(time.RFC3339))
	if err := row.Scan(&st.TotalPairs, &st.ActivePairs, &st.TotalMappings, &st.Mappings24h, &st.Errors24h); err != nil {
		return st, &domain.StoreError{Op: "system_stats", Err: err}
	}
	return st, nil
}
