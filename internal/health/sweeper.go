package health

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/adred-codev/chatmirror/internal/monitoring"
)

const (
	sweepInterval = time.Hour

	// One removal per 200ms keeps the sweeper under platform limits.
	sweepPace = rate.Limit(5)
)

// RunSweeper expires timed subscriptions: every hour, each expired user
// is removed from every distinct destination chat of the active pairs,
// then the subscription row is deleted.
func (m *Monitor) RunSweeper(ctx context.Context) {
	defer monitoring.RecoverPanic(m.logger, "subscription-sweeper", nil)

	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	expired, err := m.store.ExpiredSubscriptions(ctx, time.Now())
	if err != nil {
		m.logger.Warn().Err(err).Msg("Expired-subscription scan failed")
		return
	}
	if len(expired) == 0 {
		return
	}

	chats := m.destinationChats(ctx)
	limiter := rate.NewLimiter(sweepPace, 1)

	for _, userID := range expired {
		removedEverywhere := true
		for _, chat := range chats {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if err := m.kick(ctx, chat, userID); err != nil {
				m.logger.Warn().
					Err(err).
					Int64("user_id", userID).
					Int64("chat", chat).
					Msg("Subscription kick failed")
				removedEverywhere = false
			}
		}
		// Keep the row on partial failure so the next sweep retries the
		// remaining chats.
		if removedEverywhere {
			if err := m.store.DeleteSubscription(ctx, userID); err != nil {
				m.logger.Warn().Err(err).Int64("user_id", userID).Msg("Subscription delete failed")
				continue
			}
			m.logger.Info().Int64("user_id", userID).Msg("Expired subscription removed")
		}
	}
}

// destinationChats returns the distinct destination chats of active pairs.
func (m *Monitor) destinationChats(ctx context.Context) []int64 {
	pairs, err := m.store.ListPairs(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Pair listing failed during sweep")
		return nil
	}
	seen := map[int64]bool{}
	var chats []int64
	for _, p := range pairs {
		if p.Active() && !seen[p.DestChat] {
			seen[p.DestChat] = true
			chats = append(chats, p.DestChat)
		}
	}
	return chats
}

func (m *Monitor) kick(ctx context.Context, chat, userID int64) error {
	lease, _, err := m.pool.Acquire(0)
	if err != nil {
		return err
	}
	start := time.Now()
	err = lease.Sender().KickUser(ctx, chat, userID)
	lease.Done(ctx, time.Since(start), err)
	return err
}
