// Package similarity implements the similarity service:
// visual/semantic/tag queries, a blended ranker, the duplicate-pair scan,
// and the top-N similar-images cache builder.
package similarity

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
	"boorukeep/internal/hashing"
	"boorukeep/internal/persistence"
	"boorukeep/internal/semantic"
)

// Weights configures the tag-similarity alpha and the blended ranker's
// per-channel linear weights.
type Weights struct {
	TagAlpha       float64
	BlendVisual    float64
	BlendTag       float64
	BlendSemantic  float64
}

// ChannelThresholds are the minimum per-channel normalized scores a
// blended candidate must clear on at least one channel to survive.
type ChannelThresholds struct {
	VisualMin   float64
	TagMin      float64
	SemanticMin float64
}

// VisualMatch is one visual-similarity result, sorted ascending by
// distance (closer is more similar).
type VisualMatch struct {
	ImageID  int64
	Distance int
}

// TagMatch is one tag-similarity ("related by tags") result.
type TagMatch struct {
	ImageID int64
	Score   float64
}

// BlendedMatch is one blended-similarity result with its per-channel
// contributions exposed for the UI.
type BlendedMatch struct {
	ImageID  int64
	Score    float64
	Visual   float64
	Tag      float64
	Semantic float64
}

// baseCategoryWeight gives every base category's tag-similarity weight;
// general carries the implicit baseline of 1.0.
var baseCategoryWeight = map[core.TagCategory]float64{
	core.CategoryCharacter: 3.0,
	core.CategoryCopyright: 2.0,
	core.CategoryArtist:    1.5,
	core.CategorySpecies:   1.5,
	core.CategoryMeta:      0.5,
	core.CategoryGeneral:   1.0,
	core.CategoryRating:    0.2,
}

// extendedCategoryWeight overrides the base weight for general tags filed
// under a more specific extended axis; axes not listed fall back to the
// base general weight.
var extendedCategoryWeight = map[string]float64{
	"17_Style_Art":                 1.8,
	"11_Pose_Action":               1.2,
	"13_Background_Setting":        0.6,
	"21_Weather_Environment":       0.5,
	"22_Miscellaneous":             0.4,
}

func categoryWeight(tag *core.Tag) float64 {
	if tag.ExtendedCategory != "" {
		if w, ok := extendedCategoryWeight[tag.ExtendedCategory]; ok {
			return w
		}
	}
	if w, ok := baseCategoryWeight[tag.Category]; ok {
		return w
	}
	return 1.0
}

func tagWeight(tag *core.Tag, usageCount int64) float64 {
	if usageCount < 1 {
		usageCount = 1
	}
	return (1.0 / math.Log(float64(usageCount)+1)) * categoryWeight(tag)
}

// Service combines the hash engine, semantic engine, and tag overlap into
// the public visual/semantic/tag/blended queries plus the two background
// cache builders.
type Service struct {
	db       persistence.Database
	embedder semantic.Embedder
	index    *semantic.Index

	bitLen            hashing.BitLength
	weights           Weights
	parallelMinSize   int
	defaultVisualMax  int
	channelThresholds ChannelThresholds
}

// NewService constructs the similarity service.
func NewService(db persistence.Database, embedder semantic.Embedder, index *semantic.Index, bitLen hashing.BitLength, weights Weights, parallelMinSize, defaultVisualMax int, channelThresholds ChannelThresholds) *Service {
	return &Service{
		db:                db,
		embedder:          embedder,
		index:             index,
		bitLen:            bitLen,
		weights:           weights,
		parallelMinSize:   parallelMinSize,
		defaultVisualMax:  defaultVisualMax,
		channelThresholds: channelThresholds,
	}
}

// Weights returns the configured channel weights, the baseline for
// per-request overrides.
func (s *Service) Weights() Weights {
	return s.weights
}

// relatedIDs returns the set of image ids related to imageID via any
// image_relations row, used by exclude_family filtering.
func (s *Service) relatedIDs(ctx context.Context, imageID int64) (map[int64]bool, error) {
	rels, err := s.db.Relations().ForImage(ctx, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "load relations for image %d", imageID)
	}
	out := make(map[int64]bool, len(rels))
	for _, r := range rels {
		if r.ImageA == imageID {
			out[r.ImageB] = true
		} else {
			out[r.ImageA] = true
		}
	}
	return out, nil
}

// VisualSimilar returns images within threshold hamming distance of
// imageID's pHash, ascending by distance. An image with no stored pHash
// returns an empty list, not an error.
func (s *Service) VisualSimilar(ctx context.Context, imageID int64, threshold, limit int, excludeFamily bool) ([]VisualMatch, error) {
	target, err := s.db.Images().Get(ctx, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "load image %d", imageID)
	}
	if target == nil || target.PHash == "" {
		return nil, nil
	}

	all, err := s.db.Images().AllPHashes(ctx)
	if err != nil {
		return nil, apperr.Fatal(err, "load all phashes")
	}

	var excluded map[int64]bool
	if excludeFamily {
		excluded, err = s.relatedIDs(ctx, imageID)
		if err != nil {
			return nil, err
		}
	}

	var matches []VisualMatch
	for id, hash := range all {
		if id == imageID || excluded[id] {
			continue
		}
		d, err := hashing.HammingDistanceHex(target.PHash, hash)
		if err != nil {
			continue
		}
		if d <= threshold {
			matches = append(matches, VisualMatch{ImageID: id, Distance: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SemanticSimilar searches the semantic index with imageID's stored
// embedding. An image with no stored embedding yields an empty result; it
// is not embedded here.
func (s *Service) SemanticSimilar(ctx context.Context, imageID int64, limit int, excludeFamily bool) ([]semantic.Match, error) {
	target, err := s.db.Images().Get(ctx, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "load image %d", imageID)
	}
	if target == nil || len(target.Embedding) == 0 {
		return nil, nil
	}

	searchLimit := limit
	if excludeFamily && searchLimit > 0 {
		searchLimit *= 4 // over-fetch so post-filtering family members still leaves `limit` results
	}
	matches, err := s.index.Search(target.Embedding, searchLimit, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "semantic search for image %d", imageID)
	}

	if excludeFamily {
		excluded, err := s.relatedIDs(ctx, imageID)
		if err != nil {
			return nil, err
		}
		filtered := matches[:0]
		for _, m := range matches {
			if !excluded[m.ImageID] {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// RelatedByTags computes the asymmetric weighted-Jaccard tag similarity,
// pre-filtering
// candidates to images sharing at least one tag id.
func (s *Service) RelatedByTags(ctx context.Context, imageID int64, alpha float64, limit int) ([]TagMatch, error) {
	aTags, err := s.db.Tags().ImageTags(ctx, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "load tags for image %d", imageID)
	}
	if len(aTags) == 0 {
		return nil, nil
	}

	weights := make(map[int64]float64, len(aTags))
	var sumA float64
	for _, at := range aTags {
		tag, err := s.db.Tags().GetByID(ctx, at.TagID)
		if err != nil || tag == nil {
			continue
		}
		usage, _ := s.db.Tags().UsageCount(ctx, at.TagID)
		w := tagWeight(tag, usage)
		weights[at.TagID] = w
		sumA += w
	}
	if sumA == 0 {
		return nil, nil
	}

	candidateSet := make(map[int64]bool)
	for tagID := range weights {
		imgs, err := s.db.Tags().ImagesForTag(ctx, tagID)
		if err != nil {
			continue
		}
		for _, id := range imgs {
			if id != imageID {
				candidateSet[id] = true
			}
		}
	}

	var out []TagMatch
	for candID := range candidateSet {
		bTags, err := s.db.Tags().ImageTags(ctx, candID)
		if err != nil {
			continue
		}
		var interW, bOnlyW float64
		for _, bt := range bTags {
			if w, ok := weights[bt.TagID]; ok {
				interW += w
				continue
			}
			tag, err := s.db.Tags().GetByID(ctx, bt.TagID)
			if err != nil || tag == nil {
				continue
			}
			usage, _ := s.db.Tags().UsageCount(ctx, bt.TagID)
			bOnlyW += tagWeight(tag, usage)
		}
		unionW := sumA + bOnlyW
		if unionW == 0 {
			continue
		}
		score := alpha*(interW/sumA) + (1-alpha)*(interW/unionW)
		out = append(out, TagMatch{ImageID: candID, Score: score})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Blended linearly combines normalized visual, tag, and semantic scores
// using the configured channel weights, excluding items that fail every
// per-channel threshold.
func (s *Service) Blended(ctx context.Context, imageID int64, limit int) ([]BlendedMatch, error) {
	return s.BlendedWeighted(ctx, imageID, limit, s.weights)
}

// BlendedWeighted is Blended with per-request weight overrides, backing
// the `visual_weight`/`tag_weight`/`semantic_weight` query parameters.
func (s *Service) BlendedWeighted(ctx context.Context, imageID int64, limit int, weights Weights) ([]BlendedMatch, error) {
	target, err := s.db.Images().Get(ctx, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "load image %d", imageID)
	}
	if target == nil {
		return nil, apperr.NotFound("image %d not found", imageID)
	}

	visualScores := make(map[int64]float64)
	if target.PHash != "" {
		all, err := s.db.Images().AllPHashes(ctx)
		if err != nil {
			return nil, apperr.Fatal(err, "load all phashes")
		}
		for id, hash := range all {
			if id == imageID {
				continue
			}
			d, err := hashing.HammingDistanceHex(target.PHash, hash)
			if err != nil {
				continue
			}
			score := 1 - float64(d)/float64(s.bitLen)
			if score < 0 {
				score = 0
			}
			visualScores[id] = score
		}
	}

	tagScores := make(map[int64]float64)
	tagMatches, err := s.RelatedByTags(ctx, imageID, s.weights.TagAlpha, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range tagMatches {
		tagScores[m.ImageID] = m.Score
	}

	semanticScores := make(map[int64]float64)
	if len(target.Embedding) > 0 {
		matches, err := s.index.Search(target.Embedding, 0, imageID)
		if err == nil {
			for _, m := range matches {
				semanticScores[m.ImageID] = (m.Similarity + 1) / 2 // map cosine [-1,1] to [0,1]
			}
		}
	}

	ids := make(map[int64]bool)
	for id := range visualScores {
		ids[id] = true
	}
	for id := range tagScores {
		ids[id] = true
	}
	for id := range semanticScores {
		ids[id] = true
	}

	th := s.channelThresholds
	var out []BlendedMatch
	for id := range ids {
		v, t, sem := visualScores[id], tagScores[id], semanticScores[id]
		if v < th.VisualMin && t < th.TagMin && sem < th.SemanticMin {
			continue
		}
		score := weights.BlendVisual*v + weights.BlendTag*t + weights.BlendSemantic*sem
		out = append(out, BlendedMatch{ImageID: id, Score: score, Visual: v, Tag: t, Semantic: sem})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RebuildDuplicatePairCache re-scans every pHash pair and atomically
// replaces duplicate_pairs. Below
// parallelMinSize items it runs single-threaded to avoid goroutine
// scheduling overhead dominating a small scan.
func (s *Service) RebuildDuplicatePairCache(ctx context.Context, scanThreshold int) (int, error) {
	hashes, err := s.db.Images().AllPHashes(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "load all phashes")
	}
	ids := make([]int64, 0, len(hashes))
	for id := range hashes {
		ids = append(ids, id)
	}

	var pairs []core.DuplicatePair
	if len(ids) < s.parallelMinSize {
		pairs = scanPairsSequential(ids, hashes, scanThreshold)
	} else {
		pairs = scanPairsParallel(ids, hashes, scanThreshold)
	}

	if err := s.db.DuplicatePairs().ReplaceAll(ctx, pairs); err != nil {
		return 0, apperr.Fatal(err, "replace duplicate pairs")
	}
	return len(pairs), nil
}

func scanPairsSequential(ids []int64, hashes map[int64]string, threshold int) []core.DuplicatePair {
	now := time.Now().UTC()
	var out []core.DuplicatePair
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			d, err := hashing.HammingDistanceHex(hashes[ids[i]], hashes[ids[j]])
			if err != nil || d > threshold {
				continue
			}
			a, b := ids[i], ids[j]
			if a > b {
				a, b = b, a
			}
			out = append(out, core.DuplicatePair{ImageA: a, ImageB: b, Distance: d, ThresholdAt: threshold, ComputedAt: now})
		}
	}
	return out
}

// scanPairsParallel chunks the outer loop by round-robin worker assignment
// (i % numWorkers) rather than contiguous ranges, so the heavier early
// rows — which compare against more later rows — spread evenly across
// workers.
func scanPairsParallel(ids []int64, hashes map[int64]string, threshold int) []core.DuplicatePair {
	n := len(ids)
	numWorkers := runtime.NumCPU()
	if numWorkers > n {
		numWorkers = n
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	now := time.Now().UTC()

	resultsCh := make(chan []core.DuplicatePair, numWorkers)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			var local []core.DuplicatePair
			for i := worker; i < n; i += numWorkers {
				for j := i + 1; j < n; j++ {
					d, err := hashing.HammingDistanceHex(hashes[ids[i]], hashes[ids[j]])
					if err != nil || d > threshold {
						continue
					}
					a, b := ids[i], ids[j]
					if a > b {
						a, b = b, a
					}
					local = append(local, core.DuplicatePair{ImageA: a, ImageB: b, Distance: d, ThresholdAt: threshold, ComputedAt: now})
				}
			}
			resultsCh <- local
		}(w)
	}
	wg.Wait()
	close(resultsCh)

	var out []core.DuplicatePair
	for r := range resultsCh {
		out = append(out, r...)
	}
	return out
}

// RebuildSimilarCache computes top-N similars for every image under one
// similarity type and replaces that type's similar_images_cache rows.
func (s *Service) RebuildSimilarCache(ctx context.Context, simType core.SimilarityType, topN int, progress func(done, total int)) error {
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return apperr.Fatal(err, "load all image ids")
	}

	var entries []core.SimilarImageCacheEntry
	for i, id := range ids {
		scored, err := s.scoredFor(ctx, id, simType, topN)
		if err != nil {
			continue
		}
		for rank, m := range scored {
			entries = append(entries, core.SimilarImageCacheEntry{
				SourceID: id, SimilarID: m.id, Score: m.score, Type: simType, Rank: rank + 1,
			})
		}
		if progress != nil {
			progress(i+1, len(ids))
		}
	}

	return s.db.SimilarCache().ReplaceForType(ctx, simType, entries)
}

type scoredMatch struct {
	id    int64
	score float64
}

func (s *Service) scoredFor(ctx context.Context, imageID int64, simType core.SimilarityType, limit int) ([]scoredMatch, error) {
	switch simType {
	case core.SimilarityVisual:
		matches, err := s.VisualSimilar(ctx, imageID, s.defaultVisualMax, limit, false)
		if err != nil {
			return nil, err
		}
		out := make([]scoredMatch, len(matches))
		for i, m := range matches {
			out[i] = scoredMatch{id: m.ImageID, score: 1 - float64(m.Distance)/float64(s.bitLen)}
		}
		return out, nil
	case core.SimilarityTag:
		matches, err := s.RelatedByTags(ctx, imageID, s.weights.TagAlpha, limit)
		if err != nil {
			return nil, err
		}
		out := make([]scoredMatch, len(matches))
		for i, m := range matches {
			out[i] = scoredMatch{id: m.ImageID, score: m.Score}
		}
		return out, nil
	case core.SimilaritySemantic:
		matches, err := s.SemanticSimilar(ctx, imageID, limit, false)
		if err != nil {
			return nil, err
		}
		out := make([]scoredMatch, len(matches))
		for i, m := range matches {
			out[i] = scoredMatch{id: m.ImageID, score: m.Similarity}
		}
		return out, nil
	case core.SimilarityBlended:
		matches, err := s.Blended(ctx, imageID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]scoredMatch, len(matches))
		for i, m := range matches {
			out[i] = scoredMatch{id: m.ImageID, score: m.Score}
		}
		return out, nil
	default:
		return nil, apperr.Input("unknown similarity type %q", simType)
	}
}
