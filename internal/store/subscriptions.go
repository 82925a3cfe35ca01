package store

import (
	"context"
	"time"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// UpsertSubscription creates or extends a timed-access record. Renewal
// extends from the later of now and the current expiry.
func (s *Store) UpsertSubscription(ctx context.Context, userID int64, days int, addedBy, notes string) (time.Time, error) {
	now := time.Now().UTC()
	expires := now.AddDate(0, 0, days)

	existing, err := s.GetSubscription(ctx, userID)
	if err == nil && existing.ExpiresAt.After(now) {
		expires = existing.ExpiresAt.AddDate(0, 0, days)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscription (user_id, expires_at, added_by, notes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			added_by = excluded.added_by,
			notes = CASE WHEN excluded.notes != '' THEN excluded.notes ELSE subscription.notes END`,
		userID, expires.Format(time.RFC3339), addedBy, notes)
	if err != nil {
		return time.Time{}, &domain.StoreError{Op: "upsert_subscription", Err: err}
	}
	s.logger.Info().
		Int64("user_id", userID).
		Time("expires_at", expires).
		Msg("Subscription upserted")
	return expires, nil
}

// GetSubscription loads one subscription.
func (s *Store) GetSubscription(ctx context.Context, userID int64) (*domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, expires_at, added_by, notes, created_at FROM subscription WHERE user_id = ?",
		userID)
	var sub domain.Subscription
	var expires, created string
	if err := row.Scan(&sub.UserID, &expires, &sub.AddedBy, &sub.Notes, &created); err != nil {
		return nil, domain.ErrNotFound
	}
	sub.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	sub.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &sub, nil
}

// ListSubscriptions returns every subscription ordered by expiry.
func (s *Store) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, expires_at, added_by, notes, created_at FROM subscription ORDER BY expires_at")
	if err != nil {
		return nil, &domain.StoreError{Op: "list_subscriptions", Err: err}
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var expires, created string
		if err := rows.Scan(&sub.UserID, &expires, &sub.AddedBy, &sub.Notes, &created); err != nil {
			return nil, &domain.StoreError{Op: "list_subscriptions", Err: err}
		}
		sub.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
		sub.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ExpiredSubscriptions returns the user ids whose access lapsed before now.
func (s *Store) ExpiredSubscriptions(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM subscription WHERE expires_at < ?", now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, &domain.StoreError{Op: "expired_subscriptions", Err: err}
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &domain.StoreError{Op: "expired_subscriptions", Err: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteSubscription removes a subscription after the sweeper has kicked
// the user from all destinations.
func (s *Store) DeleteSubscription(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM subscription WHERE user_id = ?", userID); err != nil {
		return &domain.StoreError{Op: "delete_subscription", Err: err}
	}
	return nil
}
