package store

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// stripedLocks serializes edit/delete dispatch per (pair_id, source_msg_id)
// without one mutex per mapping. 1024 shards keep contention negligible
// while bounding memory.
type stripedLocks struct {
	shards []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	return &stripedLocks{shards: make([]sync.Mutex, n)}
}

func (l *stripedLocks) shard(pairID, sourceMsgID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(pairID, 10)))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatInt(sourceMsgID, 10)))
	return &l.shards[int(h.Sum32())%len(l.shards)]
}

// LockMapping acquires the serialization lock for one mapping key and
// returns its unlock function. Edits and deletes for the same source
// message must hold this for the duration of their dispatch.
func (s *Store) LockMapping(pairID, sourceMsgID int64) func() {
	mu := s.locks.shard(pairID, sourceMsgID)
	mu.Lock()
	return mu.Unlock
}
