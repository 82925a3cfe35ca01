package imageguard

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatmirror/internal/domain"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gradientPNG(t *testing.T, shift uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8((x*2 + y) % 256)
			img.SetGray(x, y, color.Gray{Y: v + shift})
		}
	}
	return encodePNG(t, img)
}

func checkerPNG(t *testing.T) []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x/8+y/8)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return encodePNG(t, img)
}

func TestHashDeterministic(t *testing.T) {
	data := gradientPNG(t, 0)
	a, err := HashBytes(data)
	require.NoError(t, err)
	b, err := HashBytes(data)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashSeparatesDissimilarImages(t *testing.T) {
	a, err := HashBytes(gradientPNG(t, 0))
	require.NoError(t, err)
	b, err := HashBytes(checkerPNG(t))
	require.NoError(t, err)
	assert.Greater(t, Hamming(a, b), 10, "unrelated images must be far apart")
}

func TestHashToleratesBrightnessShift(t *testing.T) {
	a, err := HashBytes(gradientPNG(t, 0))
	require.NoError(t, err)
	b, err := HashBytes(gradientPNG(t, 6))
	require.NoError(t, err)
	assert.LessOrEqual(t, Hamming(a, b), 5, "uniform brightness shift stays within the default radius")
}

func TestHammingProperties(t *testing.T) {
	assert.Equal(t, 0, Hamming(0xdeadbeef, 0xdeadbeef))
	assert.Equal(t, Hamming(1, 2), Hamming(2, 1))
	assert.Equal(t, 64, Hamming(0, ^uint64(0)))
}

func TestHashBytesRejectsGarbage(t *testing.T) {
	_, err := HashBytes([]byte("not an image"))
	assert.Error(t, err)
}

type fakeIndex struct {
	entry *domain.BlockedImage
	hits  []int64
}

func (f *fakeIndex) LookupBlocked(phash uint64, pairID int64) (*domain.BlockedImage, bool) {
	if f.entry == nil || Hamming(f.entry.PHash, phash) > f.entry.Threshold {
		return nil, false
	}
	return f.entry, true
}

func (f *fakeIndex) RecordImageHit(ctx context.Context, id int64) {
	f.hits = append(f.hits, id)
}

func TestGuardBlocksNearbyImage(t *testing.T) {
	data := gradientPNG(t, 0)
	phash, err := HashBytes(data)
	require.NoError(t, err)

	idx := &fakeIndex{entry: &domain.BlockedImage{ID: 9, PHash: phash, Threshold: 5}}
	g := New(idx, zerolog.Nop())

	assert.True(t, g.CheckBlocked(context.Background(), 1, data, 0))
	assert.Equal(t, []int64{9}, idx.hits)

	assert.False(t, g.CheckBlocked(context.Background(), 2, checkerPNG(t), 0))
}

func TestGuardPassesUndecodableImages(t *testing.T) {
	g := New(&fakeIndex{}, zerolog.Nop())
	assert.False(t, g.CheckBlocked(context.Background(), 1, []byte("junk"), 0))
}

func TestGuardHashCacheServesRepeats(t *testing.T) {
	g := New(&fakeIndex{}, zerolog.Nop())
	data := gradientPNG(t, 0)

	h1, err := g.HashFor(7, data)
	require.NoError(t, err)
	// Same message id returns the cached hash even for different bytes.
	h2, err := g.HashFor(7, []byte("ignored"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestWatermarkKeepsDimensions(t *testing.T) {
	out := New(&fakeIndex{}, zerolog.Nop()).Stamp(gradientPNG(t, 0), "mirror")
	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
}

func TestStampFailureReturnsOriginal(t *testing.T) {
	g := New(&fakeIndex{}, zerolog.Nop())
	orig := []byte("not an image")
	assert.Equal(t, orig, g.Stamp(orig, "mirror"))
}
