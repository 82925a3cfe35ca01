package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatmirror/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPairCreateAndLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.CreatePair(ctx, 100, 200, "signals", 0)
	require.NoError(t, err)

	p, err := s.GetPair(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.SourceChat)
	assert.Equal(t, int64(200), p.DestChat)
	assert.Equal(t, domain.PairActive, p.Status)
	assert.True(t, p.Filters.SyncEdits, "default policy applies")

	// Duplicate binding is rejected.
	_, err = s.CreatePair(ctx, 100, 200, "again", 0)
	assert.ErrorContains(t, err, "already exists")

	// Same source to a different destination is fine.
	_, err = s.CreatePair(ctx, 100, 300, "fanout", 0)
	require.NoError(t, err)

	assert.Len(t, s.PairsBySourceChat(100), 2)
	assert.Empty(t, s.PairsBySourceChat(999))
}

func TestPairIndexFollowsMutations(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.CreatePair(ctx, 100, 200, "p", 0)
	require.NoError(t, err)

	p, err := s.GetPair(ctx, id)
	require.NoError(t, err)
	p.Status = domain.PairInactive
	require.NoError(t, s.UpdatePair(ctx, p))

	got := s.PairsBySourceChat(100)
	require.Len(t, got, 1)
	assert.Equal(t, domain.PairInactive, got[0].Status)

	require.NoError(t, s.DeletePair(ctx, id))
	assert.Empty(t, s.PairsBySourceChat(100))
}

func TestMappingUpsertKeepsOneRow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pairID, err := s.CreatePair(ctx, 100, 200, "p", 0)
	require.NoError(t, err)

	m := &domain.Mapping{SourceMsgID: 7, DestMsgID: 1001, PairID: pairID,
		SenderID: 1, SourceChat: 100, DestChat: 200, Kind: domain.MappingText}
	require.NoError(t, s.SaveMapping(ctx, m))

	m.DestMsgID = 1002
	m.SenderID = 2
	require.NoError(t, s.SaveMapping(ctx, m))

	got, err := s.GetMapping(ctx, 7, pairID)
	require.NoError(t, err)
	assert.Equal(t, int64(1002), got.DestMsgID)
	assert.Equal(t, int64(2), got.SenderID)

	st, err := s.SystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalMappings)
}

func TestMappingNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetMapping(context.Background(), 999, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeletePairCascadesToMappings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pairID, err := s.CreatePair(ctx, 100, 200, "p", 0)
	require.NoError(t, err)
	require.NoError(t, s.SaveMapping(ctx, &domain.Mapping{
		SourceMsgID: 1, DestMsgID: 2, PairID: pairID, SourceChat: 100, DestChat: 200,
		Kind: domain.MappingText,
	}))
	require.NoError(t, s.AddBlockedWord(ctx, "spam", pairID))

	require.NoError(t, s.DeletePair(ctx, pairID))

	_, err = s.GetMapping(ctx, 1, pairID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, pairWords := s.BlockedWordsFor(pairID)
	assert.Empty(t, pairWords)
}

func TestBlockedWordIndex(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddBlockedWord(ctx, "Scam", 0))
	require.NoError(t, s.AddBlockedWord(ctx, "casino", 3))

	global, pair := s.BlockedWordsFor(3)
	assert.Equal(t, []string{"scam"}, global, "words normalize to lower case")
	assert.Equal(t, []string{"casino"}, pair)

	global, pair = s.BlockedWordsFor(4)
	assert.Equal(t, []string{"scam"}, global)
	assert.Empty(t, pair)

	require.NoError(t, s.RemoveBlockedWord(ctx, "casino", 3))
	_, pair = s.BlockedWordsFor(3)
	assert.Empty(t, pair)
}

func TestSeedGlobalWordsIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedGlobalWords(ctx, []string{"spam", "scam"}))
	require.NoError(t, s.SeedGlobalWords(ctx, []string{"spam", "scam"}))

	global, _ := s.BlockedWordsFor(0)
	assert.Len(t, global, 2)
}

func TestBlockedImageLookupScopes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.BlockImage(ctx, 0xff00ff00ff00ff00, domain.ScopeGlobal, 0, 5, "promo"))
	require.NoError(t, s.BlockImage(ctx, 0x0123456789abcdef, domain.ScopePair, 7, 5, ""))

	// Exact global hit, visible to any pair.
	e, ok := s.LookupBlocked(0xff00ff00ff00ff00, 3)
	require.True(t, ok)
	assert.Equal(t, domain.ScopeGlobal, e.Scope)

	// Within Hamming radius.
	_, ok = s.LookupBlocked(0xff00ff00ff00ff03, 3)
	assert.True(t, ok)

	// Outside radius.
	_, ok = s.LookupBlocked(0x00ff00ff00ff00ff, 3)
	assert.False(t, ok)

	// Pair-scoped entry only matches its own pair.
	_, ok = s.LookupBlocked(0x0123456789abcdef, 7)
	assert.True(t, ok)
	_, ok = s.LookupBlocked(0x0123456789abcdef, 8)
	assert.False(t, ok)

	require.NoError(t, s.UnblockImage(ctx, 0xff00ff00ff00ff00, 0))
	_, ok = s.LookupBlocked(0xff00ff00ff00ff00, 3)
	assert.False(t, ok)
}

func TestBlockedImageHitCounter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.BlockImage(ctx, 42, domain.ScopeGlobal, 0, 0, ""))
	e, ok := s.LookupBlocked(42, 0)
	require.True(t, ok)

	s.RecordImageHit(ctx, e.ID)
	s.RecordImageHit(ctx, e.ID)

	entries, err := s.ListBlockedImages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].UsageCount)
}

func TestSenderLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.AddSender(ctx, "alpha", "token-a")
	require.NoError(t, err)

	enabled, err := s.ToggleSender(ctx, id)
	require.NoError(t, err)
	assert.False(t, enabled)

	active, err := s.ListSenders(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListSenders(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alpha", all[0].Handle)

	s.RecordSenderUse(ctx, id)
	all, err = s.ListSenders(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), all[0].UsageCount)
	assert.NotNil(t, all[0].LastUsedAt)

	require.NoError(t, s.DeleteSender(ctx, id))
	all, err = s.ListSenders(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubscriptionRenewalExtendsExpiry(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first, err := s.UpsertSubscription(ctx, 42, 30, "alice", "")
	require.NoError(t, err)

	second, err := s.UpsertSubscription(ctx, 42, 30, "alice", "")
	require.NoError(t, err)
	assert.True(t, second.After(first), "renewal stacks on the unexpired window")

	subs, err := s.ListSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].AddedBy)
}

func TestExpiredSubscriptions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.UpsertSubscription(ctx, 1, 30, "op", "")
	require.NoError(t, err)
	_, err = s.UpsertSubscription(ctx, 2, 5, "op", "")
	require.NoError(t, err)

	expired, err := s.ExpiredSubscriptions(ctx, time.Now().AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, expired)

	require.NoError(t, s.DeleteSubscription(ctx, 2))
	_, err = s.GetSubscription(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "system_paused", "0")
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	require.NoError(t, s.SetSetting(ctx, "system_paused", "1"))
	require.NoError(t, s.SetSetting(ctx, "system_paused", "1"))

	v, err = s.GetSetting(ctx, "system_paused", "0")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestCleanupRemovesOldRows(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pairID, err := s.CreatePair(ctx, 100, 200, "p", 0)
	require.NoError(t, err)
	require.NoError(t, s.SaveMapping(ctx, &domain.Mapping{
		SourceMsgID: 1, DestMsgID: 2, PairID: pairID, SourceChat: 100, DestChat: 200,
		Kind: domain.MappingText,
	}))
	s.LogError(ctx, "send", "boom", pairID, 0)

	// Nothing is old enough yet.
	mappings, errs, err := s.Cleanup(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, mappings)
	assert.Zero(t, errs)

	mappings, errs, err = s.Cleanup(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), mappings)
	assert.Equal(t, int64(1), errs)
}

func TestBackupProducesOpenableDatabase(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.CreatePair(ctx, 100, 200, "p", 0)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, s.Backup(ctx, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	restored, err := Open(dst, zerolog.Nop())
	require.NoError(t, err)
	defer restored.Close()
	pairs, err := restored.ListPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

func TestRepairLogReplay(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pairID, err := s.CreatePair(ctx, 100, 200, "p", 0)
	require.NoError(t, err)

	// Queue a mapping write as if the original insert had failed.
	s.queueRepair(ctx, "save_mapping", &domain.Mapping{
		SourceMsgID: 5, DestMsgID: 50, PairID: pairID, SourceChat: 100, DestChat: 200,
		Kind: domain.MappingText,
	})

	applied, err := s.ReplayRepairLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	m, err := s.GetMapping(ctx, 5, pairID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.DestMsgID)

	// Replay is idempotent once the log drains.
	applied, err = s.ReplayRepairLog(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestLockMappingStripes(t *testing.T) {
	s := openStore(t)

	unlock := s.LockMapping(1, 7)
	done := make(chan struct{})
	go func() {
		u := s.LockMapping(1, 7)
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second locker acquired the stripe while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done
}
