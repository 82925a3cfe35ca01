package imageguard

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

// BlockIndex is the slice of the Store the guard depends on.
type BlockIndex interface {
	LookupBlocked(phash uint64, pairID int64) (*domain.BlockedImage, bool)
	RecordImageHit(ctx context.Context, id int64)
}

const hashCacheSize = 4096

// Guard ties hash computation to the blocked-image index and renders
// watermarks. A bounded per-message hash cache avoids recomputing when
// one source image fans out to many pairs.
type Guard struct {
	index  BlockIndex
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[int64]uint64 // source msg id → phash
}

// New creates an image guard backed by the given block index.
func New(index BlockIndex, logger zerolog.Logger) *Guard {
	return &Guard{
		index:  index,
		logger: logger.With().Str("component", "imageguard").Logger(),
		cache:  map[int64]uint64{},
	}
}

// HashFor returns the perceptual hash of the message's image bytes,
// serving repeats from the cache.
func (g *Guard) HashFor(msgID int64, data []byte) (uint64, error) {
	g.mu.Lock()
	if h, ok := g.cache[msgID]; ok {
		g.mu.Unlock()
		return h, nil
	}
	g.mu.Unlock()

	h, err := HashBytes(data)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	if len(g.cache) >= hashCacheSize {
		// Full reset is fine: the cache only needs to cover the fan-out
		// window of recent messages.
		g.cache = map[int64]uint64{}
	}
	g.cache[msgID] = h
	g.mu.Unlock()
	return h, nil
}

// CheckBlocked reports whether the image is within Hamming range of a
// blocked entry visible to pairID. Undecodable images are never blocked.
func (g *Guard) CheckBlocked(ctx context.Context, msgID int64, data []byte, pairID int64) bool {
	h, err := g.HashFor(msgID, data)
	if err != nil {
		g.logger.Warn().Err(err).Int64("msg_id", msgID).Msg("Image hash failed; passing through")
		return false
	}
	entry, hit := g.index.LookupBlocked(h, pairID)
	if !hit {
		return false
	}
	monitoring.ImagesBlocked.Inc()
	g.index.RecordImageHit(ctx, entry.ID)
	g.logger.Debug().
		Uint64("phash", h).
		Int64("entry_id", entry.ID).
		Int64("pair_id", pairID).
		Msg("Image blocked by perceptual hash")
	return true
}

// Stamp watermarks the image. Failures return the original bytes and
// log: a bad watermark must never fail the dispatch.
func (g *Guard) Stamp(data []byte, text string) []byte {
	out, err := Watermark(data, text)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Watermark failed; sending original image")
		return data
	}
	monitoring.ImagesWatermarked.Inc()
	return out
}
