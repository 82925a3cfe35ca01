package senders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

const (
	// maxConsecutiveFailures is the ceiling past which a sender is
	// marked unhealthy and held out until a probe succeeds.
	maxConsecutiveFailures = 5

	// emaAlpha weights the success-rate and latency moving averages.
	emaAlpha = 0.2

	// probeInterval is how often unhealthy senders are pinged.
	probeInterval = 30 * time.Second
)

// UsageRecorder persists per-sender usage counters. The pool treats it
// as fire-and-forget.
type UsageRecorder interface {
	RecordSenderUse(ctx context.Context, senderID int64)
}

// senderState is one identity's runtime health. The mutex guards the
// EMA fields and rateLimitedUntil; counters that only move by one are
// kept under the same lock for a consistent snapshot.
type senderState struct {
	id     int64
	handle string
	impl   Sender

	mu                  sync.Mutex
	enabled             bool
	inFlight            int
	consecutiveFailures int
	rateLimitedUntil    time.Time
	successRate         float64 // EMA, starts at 1.0
	avgLatency          time.Duration
	totalSends          int64
}

// SenderSnapshot is a read-only view of one sender for health and admin
// surfaces.
type SenderSnapshot struct {
	ID                  int64         `json:"id"`
	Handle              string        `json:"handle"`
	Enabled             bool          `json:"enabled"`
	Eligible            bool          `json:"eligible"`
	InFlight            int           `json:"in_flight"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RateLimitedUntil    time.Time     `json:"rate_limited_until,omitempty"`
	SuccessRate         float64       `json:"success_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	TotalSends          int64         `json:"total_sends"`
}

// Pool selects among sending identities. Selection prefers the least
// loaded eligible sender; ties break on success rate, then on fewest
// consecutive failures.
type Pool struct {
	logger     zerolog.Logger
	usage      UsageRecorder
	now        func() time.Time
	probeEvery time.Duration

	mu      sync.RWMutex
	senders map[int64]*senderState
	order   []int64 // registration order, for deterministic ties
}

// NewPool creates an empty sender pool. usage may be nil.
func NewPool(usage UsageRecorder, logger zerolog.Logger) *Pool {
	return &Pool{
		logger:     logger.With().Str("component", "senderpool").Logger(),
		usage:      usage,
		now:        time.Now,
		probeEvery: probeInterval,
		senders:    map[int64]*senderState{},
	}
}

// SetProbeInterval overrides the health-probe cadence. Zero or negative
// keeps the default. Call before Run.
func (p *Pool) SetProbeInterval(d time.Duration) {
	if d > 0 {
		p.probeEvery = d
	}
}

// Register adds or replaces a sending identity.
func (p *Pool) Register(id int64, handle string, impl Sender, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.senders[id]; !exists {
		p.order = append(p.order, id)
	}
	p.senders[id] = &senderState{
		id:          id,
		handle:      handle,
		impl:        impl,
		enabled:     enabled,
		successRate: 1.0,
	}
	p.logger.Info().Int64("sender_id", id).Str("handle", handle).Bool("enabled", enabled).Msg("Sender registered")
}

// Remove drops a sending identity. In-flight leases on it complete
// normally; their state updates land on an orphaned struct.
func (p *Pool) Remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.senders, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// SetEnabled flips a sender's admin switch. Returns false if unknown.
func (p *Pool) SetEnabled(id int64, enabled bool) bool {
	p.mu.RLock()
	st, ok := p.senders[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	st.enabled = enabled
	if enabled {
		// Re-enabling clears the failure streak so the sender gets a
		// fresh chance without waiting for a probe.
		st.consecutiveFailures = 0
	}
	st.mu.Unlock()
	return true
}

// eligibleLocked reports eligibility; caller holds st.mu.
func (st *senderState) eligibleLocked(now time.Time) bool {
	return st.enabled &&
		!now.Before(st.rateLimitedUntil) &&
		st.consecutiveFailures < maxConsecutiveFailures
}

// Lease is a claimed sender. Exactly one of Done's success or failure
// paths must run per lease.
type Lease struct {
	pool *Pool
	st   *senderState
}

// ID returns the leased sender's id.
func (l *Lease) ID() int64 { return l.st.id }

// Handle returns the leased sender's display handle.
func (l *Lease) Handle() string { return l.st.handle }

// Sender returns the platform client behind the lease.
func (l *Lease) Sender() Sender { return l.st.impl }

// Acquire claims a sender. preferred pins the choice to one identity
// (pair-bound senders); zero means any. When nothing is eligible the
// returned duration is a hint for how long to delay the re-queue:
// the soonest rate-limit expiry, or zero when failures are the cause.
func (p *Pool) Acquire(preferred int64) (*Lease, time.Duration, error) {
	now := p.now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if preferred != 0 {
		st, ok := p.senders[preferred]
		if !ok {
			return nil, 0, domain.ErrNoEligibleSender
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.eligibleLocked(now) {
			var wait time.Duration
			if st.enabled && now.Before(st.rateLimitedUntil) {
				wait = st.rateLimitedUntil.Sub(now)
			}
			return nil, wait, domain.ErrNoEligibleSender
		}
		st.inFlight++
		return &Lease{pool: p, st: st}, 0, nil
	}

	var best *senderState
	var bestInFlight, bestFailures int
	var bestRate float64
	var soonest time.Duration

	for _, id := range p.order {
		st := p.senders[id]
		st.mu.Lock()
		if !st.eligibleLocked(now) {
			if st.enabled && now.Before(st.rateLimitedUntil) {
				if w := st.rateLimitedUntil.Sub(now); soonest == 0 || w < soonest {
					soonest = w
				}
			}
			st.mu.Unlock()
			continue
		}
		better := best == nil ||
			st.inFlight < bestInFlight ||
			(st.inFlight == bestInFlight && st.successRate > bestRate) ||
			(st.inFlight == bestInFlight && st.successRate == bestRate && st.consecutiveFailures < bestFailures)
		if better {
			best, bestInFlight, bestRate, bestFailures = st, st.inFlight, st.successRate, st.consecutiveFailures
		}
		st.mu.Unlock()
	}

	if best == nil {
		return nil, soonest, domain.ErrNoEligibleSender
	}
	best.mu.Lock()
	best.inFlight++
	best.mu.Unlock()
	return &Lease{pool: p, st: best}, 0, nil
}

// Done releases the lease and folds the outcome into the sender's
// health. Rate limits park the sender until retry_after elapses without
// counting toward the failure streak.
func (l *Lease) Done(ctx context.Context, latency time.Duration, err error) {
	st := l.st
	now := l.pool.now()

	st.mu.Lock()
	st.inFlight--

	switch {
	case err == nil:
		st.consecutiveFailures = 0
		st.successRate = emaAlpha*1 + (1-emaAlpha)*st.successRate
		st.avgLatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(st.avgLatency))
		st.totalSends++
		st.mu.Unlock()
		if l.pool.usage != nil {
			l.pool.usage.RecordSenderUse(ctx, st.id)
		}
		return

	case isRateLimited(err):
		var se *domain.SendError
		errors.As(err, &se)
		st.rateLimitedUntil = now.Add(se.RetryAfter)
		st.mu.Unlock()
		monitoring.RateLimitHits.Inc()
		l.pool.logger.Warn().
			Int64("sender_id", st.id).
			Dur("retry_after", se.RetryAfter).
			Msg("Sender rate limited")
		return

	default:
		st.consecutiveFailures++
		st.successRate = (1 - emaAlpha) * st.successRate
		unhealthy := st.consecutiveFailures >= maxConsecutiveFailures
		failures := st.consecutiveFailures
		st.mu.Unlock()
		if unhealthy {
			l.pool.logger.Warn().
				Int64("sender_id", st.id).
				Int("consecutive_failures", failures).
				Msg("Sender marked unhealthy")
		}
	}
}

func isRateLimited(err error) bool {
	var se *domain.SendError
	return errors.As(err, &se) && se.Kind == domain.SendRateLimited
}

// EligibleCount returns how many senders would accept work right now.
func (p *Pool) EligibleCount() int {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, st := range p.senders {
		st.mu.Lock()
		if st.eligibleLocked(now) {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// Snapshot returns the state of every registered sender in registration
// order.
func (p *Pool) Snapshot() []SenderSnapshot {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SenderSnapshot, 0, len(p.order))
	for _, id := range p.order {
		st := p.senders[id]
		st.mu.Lock()
		out = append(out, SenderSnapshot{
			ID:                  st.id,
			Handle:              st.handle,
			Enabled:             st.enabled,
			Eligible:            st.eligibleLocked(now),
			InFlight:            st.inFlight,
			ConsecutiveFailures: st.consecutiveFailures,
			RateLimitedUntil:    st.rateLimitedUntil,
			SuccessRate:         st.successRate,
			AvgLatency:          st.avgLatency,
			TotalSends:          st.totalSends,
		})
		st.mu.Unlock()
	}
	return out
}

// Run drives the health probe loop until ctx is cancelled. Unhealthy
// senders are pinged each interval; a successful ping readmits them.
func (p *Pool) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(p.logger, "sender-probe", nil)

	ticker := time.NewTicker(p.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Pool) probe(ctx context.Context) {
	p.mu.RLock()
	var unhealthy []*senderState
	for _, st := range p.senders {
		st.mu.Lock()
		if st.enabled && st.consecutiveFailures >= maxConsecutiveFailures {
			unhealthy = append(unhealthy, st)
		}
		st.mu.Unlock()
	}
	p.mu.RUnlock()

	for _, st := range unhealthy {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := st.impl.Ping(probeCtx)
		cancel()
		if err != nil {
			p.logger.Debug().Int64("sender_id", st.id).Err(err).Msg("Health probe failed")
			continue
		}
		st.mu.Lock()
		st.consecutiveFailures = 0
		st.mu.Unlock()
		p.logger.Info().Int64("sender_id", st.id).Msg("Sender recovered by health probe")
	}

	monitoring.SendersEligible.Set(float64(p.EligibleCount()))
}
