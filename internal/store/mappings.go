package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

// SaveMapping upserts the record of one successful copy, keyed on
// (source_msg_id, pair_id). A duplicate delivery therefore cannot create
// a second row.
//
// Persistence failure must not roll back the send: the copy already
// exists on the platform. The write is retried briefly, then queued to
// the repair log, and nil is returned either way.
func (s *Store) SaveMapping(ctx context.Context, m *domain.Mapping) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO mapping (source_msg_id, dest_msg_id, pair_id, sender_id,
				source_chat, dest_chat, kind, has_media,
				reply_to_source_id, reply_to_dest_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_msg_id, pair_id) DO UPDATE SET
				dest_msg_id = excluded.dest_msg_id,
				sender_id = excluded.sender_id,
				kind = excluded.kind,
				has_media = excluded.has_media,
				reply_to_source_id = excluded.reply_to_source_id,
				reply_to_dest_id = excluded.reply_to_dest_id,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
			m.SourceMsgID, m.DestMsgID, m.PairID, m.SenderID,
			m.SourceChat, m.DestChat, string(m.Kind), m.HasMedia,
			m.ReplyToSourceID, m.ReplyToDestID)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	monitoring.StoreErrors.WithLabelValues("save_mapping").Inc()
	s.logger.Warn().
		Err(err).
		Int64("source_msg", m.SourceMsgID).
		Int64("pair_id", m.PairID).
		Msg("Mapping write failed; queued to repair log")
	s.queueRepair(ctx, "save_mapping", m)
	return nil
}

// GetMapping looks up the destination twin of a source message within a
// pair. Returns domain.ErrNotFound when no copy was made.
func (s *Store) GetMapping(ctx context.Context, sourceMsgID, pairID int64) (*domain.Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_msg_id, dest_msg_id, pair_id, sender_id,
			source_chat, dest_chat, kind, has_media,
			reply_to_source_id, reply_to_dest_id, created_at, updated_at
		FROM mapping WHERE source_msg_id = ? AND pair_id = ?`,
		sourceMsgID, pairID)

	var m domain.Mapping
	var kind, created, updated string
	err := row.Scan(&m.ID, &m.SourceMsgID, &m.DestMsgID, &m.PairID, &m.SenderID,
		&m.SourceChat, &m.DestChat, &kind, &m.HasMedia,
		&m.ReplyToSourceID, &m.ReplyToDestID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		monitoring.StoreErrors.WithLabelValues("get_mapping").Inc()
		return nil, &domain.StoreError{Op: "get_mapping", Err: err}
	}
	m.Kind = domain.MappingKind(kind)
	m.CreatedAt, _ = time.Parse(time.RFC3339, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &m, nil
}

// DeleteMapping removes one mapping row.
func (s *Store) DeleteMapping(ctx context.Context, sourceMsgID, pairID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM mapping WHERE source_msg_id = ? AND pair_id = ?", sourceMsgID, pairID)
	if err != nil {
		monitoring.StoreErrors.WithLabelValues("delete_mapping").Inc()
		return &domain.StoreError{Op: "delete_mapping", Err: err}
	}
	return nil
}

// TouchMappingUpdated bumps updated_at after an edit sync.
func (s *Store) TouchMappingUpdated(ctx context.Context, sourceMsgID, pairID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mapping SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE source_msg_id = ? AND pair_id = ?`, sourceMsgID, pairID)
	if err != nil {
		return &domain.StoreError{Op: "touch_mapping", Err: err}
	}
	return nil
}

// queueRepair appends a failed write to the repair log so the engine can
// keep serving from caches while sqlite is degraded.
func (s *Store) queueRepair(ctx context.Context, op string, payload any) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO repair_log (op, payload) VALUES (?, ?)", op, string(blob)); err != nil {
		// Both the primary write and the repair append failed; the log
		// line is the last resort.
		s.logger.Error().Err(err).Str("op", op).Msg("Repair log append failed")
	}
}

// ReplayRepairLog re-applies queued writes, deleting entries that apply
// cleanly. Called periodically by the health monitor.
func (s *Store) ReplayRepairLog(ctx context.Context) (applied int, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, op, payload FROM repair_log ORDER BY id LIMIT 256")
	if err != nil {
		return 0, &domain.StoreError{Op: "repair_scan", Err: err}
	}
	type entry struct {
		id      int64
		op      string
		payload string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.op, &e.payload); err != nil {
			rows.Close()
			return 0, &domain.StoreError{Op: "repair_scan", Err: err}
		}
		entries = append(entries, e)
	}
	rows.Close()

	for _, e := range entries {
		switch e.op {
		case "save_mapping":
			var m domain.Mapping
			if err := json.Unmarshal([]byte(e.payload), &m); err != nil {
				// Unparseable entry; drop it rather than wedging the log.
				s.db.ExecContext(ctx, "DELETE FROM repair_log WHERE id = ?", e.id)
				continue
			}
			if err := s.SaveMapping(ctx, &m); err != nil {
				return applied, err
			}
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM repair_log WHERE id = ?", e.id); err != nil {
			return applied, &domain.StoreError{Op: "repair_delete", Err: err}
		}
		applied++
	}
	return applied, nil
}
