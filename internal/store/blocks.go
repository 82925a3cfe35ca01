package store

import (
	"context"
	"math/bits"
	"strings"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// AddBlockedWord registers a blocked term. pairID zero means global.
func (s *Store) AddBlockedWord(ctx context.Context, word string, pairID int64) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_word (word, pair_id) VALUES (?, ?)
		ON CONFLICT(word, pair_id) DO NOTHING`, word, pairID)
	if err != nil {
		return &domain.StoreError{Op: "add_blocked_word", Err: err}
	}
	s.logger.Info().Str("word", word).Int64("pair_id", pairID).Msg("Word blocked")
	return s.reloadWordIndex(ctx)
}

// RemoveBlockedWord drops a blocked term.
func (s *Store) RemoveBlockedWord(ctx context.Context, word string, pairID int64) error {
	word = strings.ToLower(strings.TrimSpace(word))
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM blocked_word WHERE word = ? AND pair_id = ?", word, pairID)
	if err != nil {
		return &domain.StoreError{Op: "remove_blocked_word", Err: err}
	}
	return s.reloadWordIndex(ctx)
}

// BlockedWordsFor returns the global set and the pair-specific set from
// the in-memory cache. The slices must not be mutated.
func (s *Store) BlockedWordsFor(pairID int64) (global, pair []string) {
	s.wordIdx.RLock()
	defer s.wordIdx.RUnlock()
	return s.wordIdx.global, s.wordIdx.byPair[pairID]
}

// SeedGlobalWords merges configured seed words into the global block
// list at startup.
func (s *Store) SeedGlobalWords(ctx context.Context, words []string) error {
	for _, w := range words {
		if err := s.AddBlockedWord(ctx, w, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) reloadWordIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT word, pair_id FROM blocked_word")
	if err != nil {
		return &domain.StoreError{Op: "load_blocked_words", Err: err}
	}
	defer rows.Close()

	var global []string
	byPair := map[int64][]string{}
	for rows.Next() {
		var word string
		var pairID int64
		if err := rows.Scan(&word, &pairID); err != nil {
			return &domain.StoreError{Op: "load_blocked_words", Err: err}
		}
		if pairID == 0 {
			global = append(global, word)
		} else {
			byPair[pairID] = append(byPair[pairID], word)
		}
	}
	s.wordIdx.Lock()
	s.wordIdx.global = global
	s.wordIdx.byPair = byPair
	s.wordIdx.Unlock()
	return rows.Err()
}

// BlockImage registers a perceptual hash. scope pair requires pairID.
func (s *Store) BlockImage(ctx context.Context, phash uint64, scope domain.BlockScope, pairID int64, threshold int, note string) error {
	if scope == domain.ScopeGlobal {
		pairID = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_image (phash, scope, pair_id, threshold, note)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(phash, pair_id) DO UPDATE SET threshold = excluded.threshold, note = excluded.note`,
		int64(phash), string(scope), pairID, threshold, note)
	if err != nil {
		return &domain.StoreError{Op: "block_image", Err: err}
	}
	s.logger.Info().
		Uint64("phash", phash).
		Str("scope", string(scope)).
		Int64("pair_id", pairID).
		Int("threshold", threshold).
		Msg("Image blocked")
	return s.reloadImageIndex(ctx)
}

// UnblockImage removes a hash entry. pairID zero removes the global entry.
func (s *Store) UnblockImage(ctx context.Context, phash uint64, pairID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM blocked_image WHERE phash = ? AND pair_id = ?", int64(phash), pairID)
	if err != nil {
		return &domain.StoreError{Op: "unblock_image", Err: err}
	}
	return s.reloadImageIndex(ctx)
}

// LookupBlocked scans the cached block set for an entry within its
// Hamming threshold of phash, considering global entries and those
// scoped to pairID. First match wins.
func (s *Store) LookupBlocked(phash uint64, pairID int64) (*domain.BlockedImage, bool) {
	s.imageIdx.RLock()
	defer s.imageIdx.RUnlock()
	for i := range s.imageIdx.entries {
		e := &s.imageIdx.entries[i]
		if e.Scope == domain.ScopePair && e.PairID != pairID {
			continue
		}
		if bits.OnesCount64(e.PHash^phash) <= e.Threshold {
			return e, true
		}
	}
	return nil, false
}

// RecordImageHit bumps the usage counter of a matched block entry.
func (s *Store) RecordImageHit(ctx context.Context, id int64) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE blocked_image SET usage_count = usage_count + 1 WHERE id = ?", id); err != nil {
		s.logger.Warn().Err(err).Int64("id", id).Msg("Failed to bump image usage count")
	}
}

// ListBlockedImages returns entries visible to pairID (global plus its
// own); pairID zero lists everything.
func (s *Store) ListBlockedImages(ctx context.Context, pairID int64) ([]domain.BlockedImage, error) {
	query := "SELECT id, phash, scope, pair_id, threshold, note, usage_count FROM blocked_image"
	args := []any{}
	if pairID != 0 {
		query += " WHERE pair_id = ? OR scope = 'global'"
		args = append(args, pairID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StoreError{Op: "list_blocked_images", Err: err}
	}
	defer rows.Close()

	var out []domain.BlockedImage
	for rows.Next() {
		var e domain.BlockedImage
		var phash int64
		var scope string
		if err := rows.Scan(&e.ID, &phash, &scope, &e.PairID, &e.Threshold, &e.Note, &e.UsageCount); err != nil {
			return nil, &domain.StoreError{Op: "list_blocked_images", Err: err}
		}
		e.PHash = uint64(phash)
		e.Scope = domain.BlockScope(scope)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) reloadImageIndex(ctx context.Context) error {
	entries, err := s.ListBlockedImages(ctx, 0)
	if err != nil {
		return err
	}
	s.imageIdx.Lock()
	s.imageIdx.entries = entries
	s.imageIdx.Unlock()
	return nil
}
