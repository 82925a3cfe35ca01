package admin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatmirror/internal/dispatch"
	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/filter"
	"github.com/adred-codev/chatmirror/internal/health"
	"github.com/adred-codev/chatmirror/internal/imageguard"
	"github.com/adred-codev/chatmirror/internal/monitoring"
	"github.com/adred-codev/chatmirror/internal/pipeline"
	"github.com/adred-codev/chatmirror/internal/senders"
	"github.com/adred-codev/chatmirror/internal/store"
)

type noopSender struct{}

func (noopSender) SendText(ctx context.Context, chat int64, text string, entities []domain.Entity, replyTo int64, disablePreview bool) (int64, error) {
	return 1, nil
}
func (noopSender) SendMedia(ctx context.Context, chat int64, kind domain.MediaTag, data []byte, caption string, entities []domain.Entity, replyTo int64) (int64, error) {
	return 1, nil
}
func (noopSender) EditText(ctx context.Context, chat, msgID int64, text string, entities []domain.Entity) error {
	return nil
}
func (noopSender) DeleteMessage(ctx context.Context, chat, msgID int64) error { return nil }
func (noopSender) KickUser(ctx context.Context, chat, userID int64) error     { return nil }
func (noopSender) UnbanUser(ctx context.Context, chat, userID int64) error    { return nil }
func (noopSender) Ping(ctx context.Context) error                             { return nil }

const op = "alice"

type fixture struct {
	svc   *Service
	store *store.Store
	pool  *senders.Pool
	disp  *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "admin.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pool := senders.NewPool(st, log)
	d := dispatch.New(pool, log, dispatch.Options{Workers: 1, Capacity: 64})
	eng := filter.New(log)
	guard := imageguard.New(st, log)
	pipe := pipeline.New(st, eng, guard, d, log, pipeline.Options{})
	mon := health.New(st, pool, d, pipe, 64, monitoringNop{}, log)

	factory := func(credential string) (senders.Sender, error) { return noopSender{}, nil }
	svc := New(st, eng, pipe, d, pool, mon, factory, []string{op}, log)
	return &fixture{svc: svc, store: st, pool: pool, disp: d}
}

type monitoringNop struct{}

func (monitoringNop) Alert(level monitoring.AlertLevel, message string, metadata map[string]any) {}

func TestUnauthorizedPrincipalRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddPair(ctx, "mallory", 100, 200, "x", 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.ListPairs(ctx, "mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.svc.Pause(ctx, "mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestPairLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.AddPair(ctx, op, 100, 200, "signals", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.EditPair(ctx, op, id, "name", "renamed"))
	require.NoError(t, f.svc.EditPair(ctx, op, id, "status", "inactive"))
	require.NoError(t, f.svc.EditPair(ctx, op, id, "sync_deletes", "true"))

	p, err := f.svc.PairInfo(ctx, op, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", p.Name)
	assert.Equal(t, domain.PairInactive, p.Status)
	assert.True(t, p.Filters.SyncDeletes)

	assert.Error(t, f.svc.EditPair(ctx, op, id, "status", "bogus"))
	assert.Error(t, f.svc.EditPair(ctx, op, id, "no_such_field", "1"))

	require.NoError(t, f.svc.DeletePair(ctx, op, id))
	_, err = f.svc.PairInfo(ctx, op, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTestFilterDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.AddPair(ctx, op, 100, 200, "p", 0)
	require.NoError(t, err)
	require.NoError(t, f.svc.BlockWord(ctx, op, "spam", id))
	require.NoError(t, f.svc.SetMentions(ctx, op, id, true, ""))

	res, err := f.svc.TestFilter(ctx, op, id, "buy spam now")
	require.NoError(t, err)
	assert.False(t, res.Kept)
	assert.Equal(t, "blocked_word", res.Reason)
	assert.Equal(t, "spam", res.Word)

	res, err = f.svc.TestFilter(ctx, op, id, "Hi @alice, welcome")
	require.NoError(t, err)
	assert.True(t, res.Kept)
	assert.Equal(t, "Hi, welcome", res.Rewritten)
}

func TestHeaderPatternValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.AddPair(ctx, op, 100, 200, "p", 0)
	require.NoError(t, err)

	assert.Error(t, f.svc.SetHeaderPattern(ctx, op, id, "(unclosed"))
	assert.NoError(t, f.svc.SetHeaderPattern(ctx, op, id, `^AD\b`))
	assert.NoError(t, f.svc.SetHeaderPattern(ctx, op, id, ""), "empty clears the pattern")
}

func TestPausePersistsAcrossRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Pause(ctx, op))
	v, err := f.store.GetSetting(ctx, "system_paused", "0")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	// A fresh pipeline restores the switch from settings.
	log := zerolog.Nop()
	eng := filter.New(log)
	pipe2 := pipeline.New(f.store, eng, imageguard.New(f.store, log), f.disp, log, pipeline.Options{})
	svc2 := New(f.store, eng, pipe2, f.disp, f.pool, nil, nil, []string{op}, log)
	svc2.RestorePausedState(ctx)
	assert.True(t, pipe2.Paused())

	require.NoError(t, f.svc.Resume(ctx, op))
	v, _ = f.store.GetSetting(ctx, "system_paused", "0")
	assert.Equal(t, "0", v)
}

func TestSenderRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.AddSender(ctx, op, "relay1", "token-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.pool.EligibleCount())

	enabled, err := f.svc.ToggleSender(ctx, op, id)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Zero(t, f.pool.EligibleCount())

	require.NoError(t, f.svc.DeleteSender(ctx, op, id))
	list, err := f.svc.ListSenders(ctx, op, true)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp, err := f.svc.AddSub(ctx, op, 42, 30)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), exp, time.Minute)

	// Renewal extends from the current expiry, not from now.
	exp2, err := f.svc.RenewSub(ctx, op, 42, 30)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 60), exp2, time.Minute)

	subs, err := f.svc.ListSubs(ctx, op)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(42), subs[0].UserID)
	assert.Equal(t, op, subs[0].AddedBy)
}

func TestKickAllEnqueuesPerDestinationChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddPair(ctx, op, 100, 200, "a", 0)
	require.NoError(t, err)
	_, err = f.svc.AddPair(ctx, op, 101, 300, "b", 0)
	require.NoError(t, err)
	_, err = f.svc.AddPair(ctx, op, 102, 200, "c", 0) // duplicate destination
	require.NoError(t, err)

	kicked, err := f.svc.KickAll(ctx, op, 42, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, kicked, "one kick per distinct destination chat")

	ready, _ := f.disp.QueueDepth()
	assert.Equal(t, 2, ready)
}

func TestClearQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddPair(ctx, op, 100, 200, "a", 0)
	require.NoError(t, err)
	_, err = f.svc.KickAll(ctx, op, 42, 0)
	require.NoError(t, err)

	n, err := f.svc.ClearQueue(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ready, delayed := f.disp.QueueDepth()
	assert.Zero(t, ready+delayed)
}
