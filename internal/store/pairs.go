package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// CreatePair registers a new replication binding and returns its id.
// (source, dest) must be unique.
func (s *Store) CreatePair(ctx context.Context, source, dest int64, name string, senderID int64) (int64, error) {
	filters, _ := json.Marshal(domain.DefaultFilterPolicy())
	stats, _ := json.Marshal(domain.PairStats{})

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pair (source_chat, destination_chat, name, status, sender_id, filters, stats)
		VALUES (?, ?, ?, 'active', ?, ?, ?)`,
		source, dest, name, senderID, string(filters), string(stats))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fmt.Errorf("pair already exists: %d -> %d", source, dest)
		}
		return 0, &domain.StoreError{Op: "create_pair", Err: err}
	}
	id, _ := res.LastInsertId()

	if err := s.reloadPairIndex(ctx); err != nil {
		return id, err
	}
	s.logger.Info().
		Int64("pair_id", id).
		Int64("source", source).
		Int64("dest", dest).
		Str("name", name).
		Msg("Pair created")
	return id, nil
}

// UpdatePair persists policy/status/stats changes for an existing pair.
func (s *Store) UpdatePair(ctx context.Context, p *domain.Pair) error {
	filters, err := json.Marshal(p.Filters)
	if err != nil {
		return &domain.StoreError{Op: "update_pair", Err: err}
	}
	stats, err := json.Marshal(p.Stats)
	if err != nil {
		return &domain.StoreError{Op: "update_pair", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE pair SET name = ?, status = ?, sender_id = ?, filters = ?, stats = ?
		WHERE id = ?`,
		p.Name, string(p.Status), p.SenderID, string(filters), string(stats), p.ID)
	if err != nil {
		return &domain.StoreError{Op: "update_pair", Err: err}
	}
	return s.reloadPairIndex(ctx)
}

// UpdatePairStats rewrites only the stats blob. The pipeline calls this
// on its counter flush; it does not invalidate the pair index because
// policy fields are untouched.
func (s *Store) UpdatePairStats(ctx context.Context, pairID int64, st domain.PairStats) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return &domain.StoreError{Op: "update_pair_stats", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE pair SET stats = ? WHERE id = ?", string(blob), pairID); err != nil {
		return &domain.StoreError{Op: "update_pair_stats", Err: err}
	}
	return nil
}

// DeletePair removes a pair; mappings cascade at the schema level, and
// the explicit delete below covers databases created before foreign-key
// enforcement was on.
func (s *Store) DeletePair(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StoreError{Op: "delete_pair", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mapping WHERE pair_id = ?", id); err != nil {
		return &domain.StoreError{Op: "delete_pair", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blocked_word WHERE pair_id = ?", id); err != nil {
		return &domain.StoreError{Op: "delete_pair", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blocked_image WHERE pair_id = ?", id); err != nil {
		return &domain.StoreError{Op: "delete_pair", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pair WHERE id = ?", id); err != nil {
		return &domain.StoreError{Op: "delete_pair", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StoreError{Op: "delete_pair", Err: err}
	}

	s.logger.Info().Int64("pair_id", id).Msg("Pair deleted")
	if err := s.reloadPairIndex(ctx); err != nil {
		return err
	}
	return s.reloadWordIndex(ctx)
}

// GetPair loads one pair by id.
func (s *Store) GetPair(ctx context.Context, id int64) (*domain.Pair, error) {
	row := s.db.QueryRowContext(ctx, pairSelect+" WHERE id = ?", id)
	p, err := scanPair(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get_pair", Err: err}
	}
	return p, nil
}

// ListPairs returns every pair ordered by id.
func (s *Store) ListPairs(ctx context.Context) ([]*domain.Pair, error) {
	rows, err := s.db.QueryContext(ctx, pairSelect+" ORDER BY id")
	if err != nil {
		return nil, &domain.StoreError{Op: "list_pairs", Err: err}
	}
	defer rows.Close()

	var out []*domain.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, &domain.StoreError{Op: "list_pairs", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PairsBySourceChat returns the pairs listening on chatID from the
// in-memory index. O(1) amortized; the returned slice must not be
// mutated by callers.
func (s *Store) PairsBySourceChat(chatID int64) []*domain.Pair {
	s.pairIdx.RLock()
	defer s.pairIdx.RUnlock()
	return s.pairIdx.bySource[chatID]
}

const pairSelect = `
	SELECT id, source_chat, destination_chat, name, status, sender_id, filters, stats, created_at
	FROM pair`

type rowScanner interface{ Scan(dest ...any) error }

func scanPair(r rowScanner) (*domain.Pair, error) {
	var p domain.Pair
	var status, filters, stats, created string
	if err := r.Scan(&p.ID, &p.SourceChat, &p.DestChat, &p.Name, &status, &p.SenderID, &filters, &stats, &created); err != nil {
		return nil, err
	}
	p.Status = domain.PairStatus(status)
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)

	// Legacy policy records may carry keys the typed policy does not
	// know; json.Unmarshal drops them silently, which is the documented
	// behavior for unknown keys.
	p.Filters = domain.DefaultFilterPolicy()
	if err := json.Unmarshal([]byte(filters), &p.Filters); err != nil {
		p.Filters = domain.DefaultFilterPolicy()
	}
	if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
		p.Stats = domain.PairStats{}
	}
	return &p, nil
}

// reloadPairIndex rebuilds the source_chat → pairs map. Copy-on-write:
// readers holding the previous slice are unaffected.
func (s *Store) reloadPairIndex(ctx context.Context) error {
	pairs, err := s.ListPairs(ctx)
	if err != nil {
		return err
	}
	idx := make(map[int64][]*domain.Pair, len(pairs))
	for _, p := range pairs {
		idx[p.SourceChat] = append(idx[p.SourceChat], p)
	}
	s.pairIdx.Lock()
	s.pairIdx.bySource = idx
	s.pairIdx.Unlock()
	return nil
}
