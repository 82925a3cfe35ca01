// Package imageguard provides perceptual-hash blocking of images and
// optional watermark rendering before dispatch.
package imageguard

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"

	"golang.org/x/image/draw"
)

// pHash construction: downsample the luminance to 32x32, take the 2-D
// DCT, keep the 8x8 low-frequency block, and set a bit per coefficient
// above the block median. Visually similar images land within a few
// Hamming bits of each other.

const (
	hashSize   = 8
	sampleSize = 32
)

// cosTable[k][n] = cos(pi/N * (n + 0.5) * k) for the 1-D DCT-II.
var cosTable = func() [sampleSize][sampleSize]float64 {
	var t [sampleSize][sampleSize]float64
	for k := 0; k < sampleSize; k++ {
		for n := 0; n < sampleSize; n++ {
			t[k][n] = math.Cos(math.Pi / sampleSize * (float64(n) + 0.5) * float64(k))
		}
	}
	return t
}()

// Hash computes the 64-bit perceptual hash of img.
func Hash(img image.Image) uint64 {
	gray := image.NewGray(image.Rect(0, 0, sampleSize, sampleSize))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var px [sampleSize][sampleSize]float64
	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			px[y][x] = float64(gray.GrayAt(x, y).Y)
		}
	}

	// Separable DCT-II: rows, then columns.
	var rows [sampleSize][sampleSize]float64
	for y := 0; y < sampleSize; y++ {
		for k := 0; k < sampleSize; k++ {
			var sum float64
			for n := 0; n < sampleSize; n++ {
				sum += px[y][n] * cosTable[k][n]
			}
			rows[y][k] = sum
		}
	}
	var dct [hashSize][hashSize]float64
	for x := 0; x < hashSize; x++ {
		for k := 0; k < hashSize; k++ {
			var sum float64
			for n := 0; n < sampleSize; n++ {
				sum += rows[n][x] * cosTable[k][n]
			}
			dct[k][x] = sum
		}
	}

	flat := make([]float64, 0, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			flat = append(flat, dct[y][x])
		}
	}
	med := median(flat)

	var h uint64
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			h <<= 1
			if dct[y][x] > med {
				h |= 1
			}
		}
	}
	return h
}

// HashBytes decodes an encoded image and returns its perceptual hash.
func HashBytes(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return Hash(img), nil
}

// Hamming returns the number of differing bits between two hashes.
func Hamming(a, b uint64) int { return bits.OnesCount64(a ^ b) }

func median(v []float64) float64 {
	s := make([]float64, len(v))
	copy(s, v)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
