package hashing

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// colorGridSize is the low-resolution grid the color hash buckets pixels
// into before quantizing each cell's average color.
const colorGridSize = 4

// bucketsPerChannel quantizes each of R/G/B into this many levels per grid
// cell, matching a coarse color-histogram fingerprint rather than a
// pixel-exact one.
const bucketsPerChannel = 4

// ColorHash computes a low-resolution color histogram hash, returned as
// lowercase hex. Two perceptually similar images in average color but
// structurally different will still land close together, complementing the
// structure-sensitive pHash.
func ColorHash(img image.Image) string {
	small := imaging.Resize(img, colorGridSize, colorGridSize, imaging.Lanczos)
	buf := make([]byte, 0, colorGridSize*colorGridSize)
	bounds := small.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := small.At(x, y).RGBA()
			rb := quantize(uint8(r >> 8))
			gb := quantize(uint8(g >> 8))
			bb := quantize(uint8(b >> 8))
			buf = append(buf, rb<<4|gb<<2|bb)
		}
	}
	return fmt.Sprintf("%x", buf)
}

func quantize(channel uint8) byte {
	return byte(channel) / (256 / bucketsPerChannel)
}
