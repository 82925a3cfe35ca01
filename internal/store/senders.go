package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// AddSender registers a sending identity and returns its id.
func (s *Store) AddSender(ctx context.Context, handle, credential string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sender (handle, credential, enabled) VALUES (?, ?, 1)",
		handle, credential)
	if err != nil {
		return 0, &domain.StoreError{Op: "add_sender", Err: err}
	}
	id, _ := res.LastInsertId()
	s.logger.Info().Int64("sender_id", id).Str("handle", handle).Msg("Sender added")
	return id, nil
}

// ToggleSender flips the enabled flag and returns the new state.
func (s *Store) ToggleSender(ctx context.Context, id int64) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sender SET enabled = NOT enabled WHERE id = ?", id); err != nil {
		return false, &domain.StoreError{Op: "toggle_sender", Err: err}
	}
	var enabled bool
	err := s.db.QueryRowContext(ctx, "SELECT enabled FROM sender WHERE id = ?", id).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, &domain.StoreError{Op: "toggle_sender", Err: err}
	}
	return enabled, nil
}

// DeleteSender removes a sending identity. Pairs bound to it fall back
// to pool selection on next load.
func (s *Store) DeleteSender(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sender WHERE id = ?", id); err != nil {
		return &domain.StoreError{Op: "delete_sender", Err: err}
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE pair SET sender_id = 0 WHERE sender_id = ?", id); err != nil {
		return &domain.StoreError{Op: "delete_sender", Err: err}
	}
	return s.reloadPairIndex(ctx)
}

// ListSenders returns sender records, optionally only enabled ones.
func (s *Store) ListSenders(ctx context.Context, activeOnly bool) ([]domain.SenderInfo, error) {
	query := "SELECT id, handle, credential, enabled, usage_count, last_used_at, created_at FROM sender"
	if activeOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &domain.StoreError{Op: "list_senders", Err: err}
	}
	defer rows.Close()

	var out []domain.SenderInfo
	for rows.Next() {
		var si domain.SenderInfo
		var lastUsed sql.NullString
		var created string
		if err := rows.Scan(&si.ID, &si.Handle, &si.Credential, &si.Enabled, &si.UsageCount, &lastUsed, &created); err != nil {
			return nil, &domain.StoreError{Op: "list_senders", Err: err}
		}
		si.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if lastUsed.Valid {
			if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
				si.LastUsedAt = &t
			}
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// RecordSenderUse bumps the usage counter after a successful send.
func (s *Store) RecordSenderUse(ctx context.Context, id int64) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sender SET usage_count = usage_count + 1,
			last_used_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?`, id); err != nil {
		s.logger.Warn().Err(err).Int64("sender_id", id).Msg("Failed to record sender use")
	}
}
