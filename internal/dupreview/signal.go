package dupreview

import (
	"time"

	"boorukeep/internal/core"
)

const maxMetadataAdjustment = 0.15

// metadataAdjustment bounds how much pixel-area, filesize, and tag-count
// differences can move the final signal. The guard term keeps it from
// dominating when the visual signal itself is near zero — two pairs that
// look pixel-identical shouldn't be pushed into "likely_variation" purely
// because one has three extra tags.
func metadataAdjustment(pixelAreaRatio, filesizeRatio, tagGapRatio, compositeVisual float64) float64 {
	raw := 0.5*absFloat(1-pixelAreaRatio) + 0.3*absFloat(1-filesizeRatio) + 0.2*tagGapRatio
	if raw > maxMetadataAdjustment {
		raw = maxMetadataAdjustment
	}
	guard := compositeVisual / 0.01
	if guard > 1 {
		guard = 1
	}
	return raw * guard
}

func ratioOf(a, b int64) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a < b {
		return float64(a) / float64(b)
	}
	return float64(b) / float64(a)
}

func tagCount(tags core.CategorizedTags) int64 {
	var n int
	for _, cat := range core.BaseCategories {
		n += len(tags.ForCategory(cat))
	}
	return int64(n)
}

func tagGapRatio(a, b core.Image) float64 {
	countA := tagCount(a.Tags)
	countB := tagCount(b.Tags)
	maxCount := countA
	if countB > maxCount {
		maxCount = countB
	}
	if maxCount == 0 {
		return 0
	}
	gap := countA - countB
	if gap < 0 {
		gap = -gap
	}
	return float64(gap) / float64(maxCount)
}

// ComputeSuggestion builds the visual-diff suggestion record for one
// duplicate-pairs row.
func ComputeSuggestion(a, b core.Image, thumbA, thumbB string, cfg DiffConfig) (core.DuplicatePairSuggestion, error) {
	canvasA, err := loadPreviewCanvas(thumbA, a.Filepath, cfg)
	if err != nil {
		return core.DuplicatePairSuggestion{}, err
	}
	canvasB, err := loadPreviewCanvas(thumbB, b.Filepath, cfg)
	if err != nil {
		return core.DuplicatePairSuggestion{}, err
	}

	metrics := computeDiffMetrics(canvasA, canvasB, cfg)

	compositeVisual := clamp01(
		0.55*metrics.largestBlobRatio +
			0.25*metrics.peakBlobContrast +
			0.15*metrics.changedRatio +
			0.05*metrics.maskMismatch,
	)

	pixelAreaRatio := ratioOf(int64(a.Width)*int64(a.Height), int64(b.Width)*int64(b.Height))
	filesizeRatio := ratioOf(a.FileSize, b.FileSize)
	tagGap := tagGapRatio(a, b)

	adjustment := metadataAdjustment(pixelAreaRatio, filesizeRatio, tagGap, compositeVisual)
	final := clamp01(compositeVisual + adjustment)

	imgA, imgB := a.ID, b.ID
	if imgA > imgB {
		imgA, imgB = imgB, imgA
	}

	return core.DuplicatePairSuggestion{
		ImageA:             imgA,
		ImageB:             imgB,
		MeanAbsDiff:        metrics.meanAbsDiff,
		ChangedPixelRatio:  metrics.changedRatio,
		LargestBlobRatio:   metrics.largestBlobRatio,
		BlobCount:          metrics.blobCount,
		PeakBlobContrast:   metrics.peakBlobContrast,
		MaskMismatch:       metrics.maskMismatch,
		PixelAreaRatio:     pixelAreaRatio,
		FilesizeRatio:      filesizeRatio,
		TagGapRatio:        tagGap,
		CompositeVisual:    compositeVisual,
		MetadataAdjustment: adjustment,
		FinalSignal:        final,
		ComputedAt:         time.Now().UTC(),
	}, nil
}

// Classification is the likely_duplicate / likely_variation / uncertain
// bucket derived from a suggestion's final signal.
type Classification string

const (
	ClassLikelyDuplicate Classification = "likely_duplicate"
	ClassLikelyVariation Classification = "likely_variation"
	ClassUncertain       Classification = "uncertain"
)

// Bounds holds the per-pair classification thresholds.
type Bounds struct {
	Lower float64
	Upper float64
}

// DefaultBounds are the tuned classification thresholds.
func DefaultBounds() Bounds {
	return Bounds{Lower: 0.012, Upper: 0.04}
}

// Classify buckets a final signal and reports a confidence normalized to
// the distance from the nearest boundary.
func Classify(signal float64, b Bounds) (Classification, float64) {
	switch {
	case signal <= b.Lower:
		if b.Lower == 0 {
			return ClassLikelyDuplicate, 1
		}
		return ClassLikelyDuplicate, clamp01((b.Lower - signal) / b.Lower)
	case signal >= b.Upper:
		span := 1 - b.Upper
		if span <= 0 {
			return ClassLikelyVariation, 1
		}
		return ClassLikelyVariation, clamp01((signal - b.Upper) / span)
	default:
		mid := (b.Lower + b.Upper) / 2
		span := (b.Upper - b.Lower) / 2
		if span <= 0 {
			return ClassUncertain, 1
		}
		return ClassUncertain, clamp01(1 - absFloat(signal-mid)/span)
	}
}
