package dupreview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// DiffConfig tunes the visual-diff pipeline.
type DiffConfig struct {
	CanvasSize     int
	PixelThreshold float64 // 0..1, default ~24/255
	NeighborMin    int     // despeckle threshold, default 3
}

// DefaultDiffConfig holds the tuned diff parameters.
func DefaultDiffConfig() DiffConfig {
	return DiffConfig{
		CanvasSize:     256,
		PixelThreshold: 24.0 / 255.0,
		NeighborMin:    3,
	}
}

type diffMetrics struct {
	meanAbsDiff       float64
	changedRatio      float64
	largestBlobRatio  float64
	blobCount         int
	peakBlobContrast  float64
	maskMismatch      float64
}

// loadOriented decodes an image file and applies its EXIF orientation, if
// any, so the diff canvas compares pixels the way a viewer would render
// them.
func loadOriented(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dupreview: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("dupreview: read %s: %w", path, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dupreview: decode %s: %w", path, err)
	}

	return applyOrientation(img, exifOrientation(data)), nil
}

func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// fitOnCanvas scales img to fit within size×size preserving aspect ratio,
// then centers it on a transparent square canvas so both images in a pair
// compare pixel-for-pixel regardless of native dimensions.
func fitOnCanvas(img image.Image, size int) *image.NRGBA {
	fitted := imaging.Fit(img, size, size, imaging.Lanczos)
	canvas := imaging.New(size, size, color.NRGBA{0, 0, 0, 0})
	offsetX := (size - fitted.Bounds().Dx()) / 2
	offsetY := (size - fitted.Bounds().Dy()) / 2
	return imaging.Paste(canvas, fitted, image.Pt(offsetX, offsetY))
}

// loadPreviewCanvas resolves the best available preview (thumbnail if
// present, else original), orients it, and fits it onto the diff canvas.
func loadPreviewCanvas(thumbnailPath, originalPath string, cfg DiffConfig) (*image.NRGBA, error) {
	path := originalPath
	if thumbnailPath != "" {
		if _, err := os.Stat(thumbnailPath); err == nil {
			path = thumbnailPath
		}
	}
	img, err := loadOriented(path)
	if err != nil {
		return nil, err
	}
	return fitOnCanvas(img, cfg.CanvasSize), nil
}

func opaque(c color.NRGBA) bool {
	return c.A > 0
}

// computeDiffMetrics walks two equally-sized canvases and produces the raw
// visual-diff signals the classifier consumes.
func computeDiffMetrics(a, b *image.NRGBA, cfg DiffConfig) diffMetrics {
	size := cfg.CanvasSize
	n := size * size

	coverage := make([]bool, n)
	grayDiff := make([]float64, n) // 0..1, pre-blur
	var coverageArea int
	var maskMismatchCount int
	var sumAbsDiff float64

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			ca := a.NRGBAAt(x, y)
			cb := b.NRGBAAt(x, y)
			coverA := opaque(ca)
			coverB := opaque(cb)
			if coverA != coverB {
				maskMismatchCount++
			}
			if coverA || coverB {
				coverage[idx] = true
				coverageArea++
			}

			dR := absInt(int(ca.R) - int(cb.R))
			dG := absInt(int(ca.G) - int(cb.G))
			dB := absInt(int(ca.B) - int(cb.B))
			maxDiff := maxInt(dR, maxInt(dG, dB))
			sumAbsDiff += float64(maxDiff) / 255.0

			grayA := grayscaleOf(ca)
			grayB := grayscaleOf(cb)
			grayDiff[idx] = absFloat(grayA - grayB)
		}
	}

	blurredGray := boxBlur(grayDiff, size, 1)

	meanAbsDiff := 0.0
	if coverageArea > 0 {
		meanAbsDiff = sumAbsDiff / float64(coverageArea)
	}
	maskMismatch := float64(maskMismatchCount) / float64(n)

	changeMask := make([]bool, n)
	for i := 0; i < n; i++ {
		if coverage[i] && blurredGray[i] >= cfg.PixelThreshold {
			changeMask[i] = true
		}
	}
	despeckled := despeckle(changeMask, size, cfg.NeighborMin)

	blobs := connectedComponents(despeckled, size)
	changedCount := 0
	for _, v := range despeckled {
		if v {
			changedCount++
		}
	}
	changedRatio := 0.0
	if coverageArea > 0 {
		changedRatio = float64(changedCount) / float64(coverageArea)
	}

	var largestBlobRatio, peakBlobContrast float64
	if len(blobs) > 0 {
		largest := blobs[0]
		for _, blob := range blobs {
			if len(blob) > len(largest) {
				largest = blob
			}
		}
		if coverageArea > 0 {
			largestBlobRatio = float64(len(largest)) / float64(coverageArea)
		}
		var sum float64
		for _, idx := range largest {
			sum += blurredGray[idx]
		}
		peakBlobContrast = sum / float64(len(largest))
	}

	return diffMetrics{
		meanAbsDiff:      meanAbsDiff,
		changedRatio:     changedRatio,
		largestBlobRatio: largestBlobRatio,
		blobCount:        len(blobs),
		peakBlobContrast: peakBlobContrast,
		maskMismatch:     maskMismatch,
	}
}

func grayscaleOf(c color.NRGBA) float64 {
	// Rec. 601 luma weights, normalized to 0..1.
	return (0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)) / 255.0
}

// boxBlur applies a cheap (2*radius+1)-wide box blur, used in place of a
// Gaussian since the mask is thresholded afterward anyway.
func boxBlur(src []float64, size, radius int) []float64 {
	out := make([]float64, len(src))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var sum float64
			var count int
			for dy := -radius; dy <= radius; dy++ {
				ny := y + dy
				if ny < 0 || ny >= size {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					nx := x + dx
					if nx < 0 || nx >= size {
						continue
					}
					sum += src[ny*size+nx]
					count++
				}
			}
			out[y*size+x] = sum / float64(count)
		}
	}
	return out
}

// despeckle drops any lit pixel whose 3×3 neighborhood (excluding itself)
// has fewer than neighborMin other lit pixels.
func despeckle(mask []bool, size, neighborMin int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			if !mask[idx] {
				continue
			}
			lit := 0
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= size {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx := x + dx
					if nx < 0 || nx >= size {
						continue
					}
					if mask[ny*size+nx] {
						lit++
					}
				}
			}
			if lit >= neighborMin {
				out[idx] = true
			}
		}
	}
	return out
}

// connectedComponents finds 4-connected blobs of lit pixels and returns
// each as a list of flattened indices.
func connectedComponents(mask []bool, size int) [][]int {
	visited := make([]bool, len(mask))
	var blobs [][]int

	for start := 0; start < len(mask); start++ {
		if !mask[start] || visited[start] {
			continue
		}
		var blob []int
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			blob = append(blob, idx)
			x, y := idx%size, idx/size
			neighbors := [][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
			for _, nb := range neighbors {
				nx, ny := nb[0], nb[1]
				if nx < 0 || nx >= size || ny < 0 || ny >= size {
					continue
				}
				nidx := ny*size + nx
				if mask[nidx] && !visited[nidx] {
					visited[nidx] = true
					queue = append(queue, nidx)
				}
			}
		}
		blobs = append(blobs, blob)
	}
	return blobs
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
