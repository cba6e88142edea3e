// Package hashing computes perceptual and color fingerprints for ingested
// artifacts. Stills are hashed directly; videos sample their middle frame;
// zip animations hash their first extracted frame. Every function here is a pure function of file bytes.
package hashing

import (
	"fmt"
	"image"
	"math"
	"math/bits"

	"github.com/disintegration/imaging"
)

// BitLength is the supported pHash output size. Only 64 and 256 are
// valid; config.postProcessConfig rejects anything else.
type BitLength int

const (
	Bits64  BitLength = 64
	Bits256 BitLength = 256
)

// sampleSize is the square the image is reduced to before the DCT. 32x32
// comfortably covers a 256-bit hash (16x16 low-frequency block) and a
// 64-bit hash (8x8 block).
const sampleSize = 32

// PHash computes a DCT-based perceptual hash of img, returned as lowercase
// hex of the configured bit length.
func PHash(img image.Image, bitLen BitLength) (string, error) {
	side := blockSide(bitLen)
	if side*side > sampleSize*sampleSize {
		return "", fmt.Errorf("hashing: bit length %d needs a larger DCT sample than %dx%d", bitLen, sampleSize, sampleSize)
	}

	gray := toGraySamples(img, sampleSize)
	coeffs := dct2D(gray, sampleSize)

	// Use the top-left side x side block, excluding the DC term (0,0),
	// which only reflects average brightness.
	vals := make([]float64, 0, side*side-1)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			if x == 0 && y == 0 {
				continue
			}
			vals = append(vals, coeffs[y*sampleSize+x])
		}
	}
	if len(vals) > int(bitLen) {
		vals = vals[:bitLen]
	}
	median := medianOf(vals)

	bitsOut := make([]bool, len(vals))
	for i, v := range vals {
		bitsOut[i] = v > median
	}
	return bitsToHex(bitsOut), nil
}

func blockSide(bitLen BitLength) int {
	switch bitLen {
	case Bits64:
		return 9 // 9x9 - 1 = 80, truncated to 64 below
	case Bits256:
		return 17 // 17x17 - 1 = 288, truncated to 256 below
	default:
		// Smallest square whose block, minus the DC term, holds bitLen bits.
		side := 1
		for side*side-1 < int(bitLen) {
			side++
		}
		return side
	}
}

// toGraySamples downsamples img to size x size grayscale float64 luminance
// values in row-major order.
func toGraySamples(img image.Image, size int) []float64 {
	small := imaging.Resize(img, size, size, imaging.Lanczos)
	out := make([]float64, size*size)
	bounds := small.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := small.At(x, y).RGBA()
			out[i] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			i++
		}
	}
	return out
}

// dct2D runs a naive separable 2D DCT-II over a size x size row-major
// sample grid. Pure function, no external transform library needed at this
// sample size (32x32 = 1024 cells).
func dct2D(samples []float64, size int) []float64 {
	tmp := make([]float64, size*size)
	out := make([]float64, size*size)

	for y := 0; y < size; y++ {
		for u := 0; u < size; u++ {
			var sum float64
			for x := 0; x < size; x++ {
				sum += samples[y*size+x] * math.Cos(math.Pi/float64(size)*(float64(x)+0.5)*float64(u))
			}
			tmp[y*size+u] = sum * alpha(u, size)
		}
	}
	for u := 0; u < size; u++ {
		for v := 0; v < size; v++ {
			var sum float64
			for y := 0; y < size; y++ {
				sum += tmp[y*size+u] * math.Cos(math.Pi/float64(size)*(float64(y)+0.5)*float64(v))
			}
			out[v*size+u] = sum * alpha(v, size)
		}
	}
	return out
}

func alpha(u, size int) float64 {
	if u == 0 {
		return math.Sqrt(1.0 / float64(size))
	}
	return math.Sqrt(2.0 / float64(size))
}

func medianOf(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func bitsToHex(bitsOut []bool) string {
	nBytes := (len(bitsOut) + 7) / 8
	buf := make([]byte, nBytes)
	for i, b := range bitsOut {
		if b {
			buf[i/8] |= 1 << uint(7-i%8)
		}
	}
	return fmt.Sprintf("%x", buf)
}

// HammingDistanceHex computes the bit-count of XOR between two lowercase hex
// pHashes.
func HammingDistanceHex(a, b string) (int, error) {
	ab, err := hexToBytes(a)
	if err != nil {
		return 0, fmt.Errorf("hashing: decode first hash: %w", err)
	}
	bb, err := hexToBytes(b)
	if err != nil {
		return 0, fmt.Errorf("hashing: decode second hash: %w", err)
	}
	if len(ab) != len(bb) {
		return 0, fmt.Errorf("hashing: hash length mismatch (%d vs %d bytes)", len(ab), len(bb))
	}
	dist := 0
	for i := range ab {
		dist += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return dist, nil
}

func hexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var v int
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &v); err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
