package similarity

import (
	"context"
	"sort"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
	"boorukeep/internal/hashing"
)

// LiveDuplicates runs the pairwise pHash scan without touching the
// duplicate_pairs cache (the `/api/duplicates?threshold=` live query).
// Results are sorted ascending by distance, ties broken by
// (image_a, image_b) so repeated scans return identical output.
func (s *Service) LiveDuplicates(ctx context.Context, threshold int) ([]core.DuplicatePair, error) {
	hashes, err := s.db.Images().AllPHashes(ctx)
	if err != nil {
		return nil, apperr.Fatal(err, "load all phashes")
	}
	ids := make([]int64, 0, len(hashes))
	for id := range hashes {
		ids = append(ids, id)
	}

	var pairs []core.DuplicatePair
	if len(ids) < s.parallelMinSize {
		pairs = scanPairsSequential(ids, hashes, threshold)
	} else {
		pairs = scanPairsParallel(ids, hashes, threshold)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Distance != pairs[j].Distance {
			return pairs[i].Distance < pairs[j].Distance
		}
		if pairs[i].ImageA != pairs[j].ImageA {
			return pairs[i].ImageA < pairs[j].ImageA
		}
		return pairs[i].ImageB < pairs[j].ImageB
	})
	return pairs, nil
}

// VisualSimilarColor re-ranks VisualSimilar's candidates by a weighted
// blend of structural and color-hash distance (the `color_weight` query
// parameter). Weight 0 is plain structural ranking.
func (s *Service) VisualSimilarColor(ctx context.Context, imageID int64, threshold, limit int, excludeFamily bool, colorWeight float64) ([]VisualMatch, error) {
	if colorWeight <= 0 {
		return s.VisualSimilar(ctx, imageID, threshold, limit, excludeFamily)
	}
	if colorWeight > 1 {
		colorWeight = 1
	}

	matches, err := s.VisualSimilar(ctx, imageID, threshold, 0, excludeFamily)
	if err != nil || len(matches) == 0 {
		return matches, err
	}

	target, err := s.db.Images().Get(ctx, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "load image %d", imageID)
	}
	if target == nil || target.ColorHash == "" {
		if limit > 0 && len(matches) > limit {
			matches = matches[:limit]
		}
		return matches, nil
	}

	type ranked struct {
		match    VisualMatch
		combined float64
	}
	rankedMatches := make([]ranked, 0, len(matches))
	colorBits := float64(len(target.ColorHash) * 4)
	for _, m := range matches {
		structural := float64(m.Distance) / float64(s.bitLen)
		combined := structural
		if img, err := s.db.Images().Get(ctx, m.ImageID); err == nil && img != nil && len(img.ColorHash) == len(target.ColorHash) {
			if cd, err := hashing.HammingDistanceHex(target.ColorHash, img.ColorHash); err == nil {
				combined = (1-colorWeight)*structural + colorWeight*float64(cd)/colorBits
			}
		}
		rankedMatches = append(rankedMatches, ranked{match: m, combined: combined})
	}
	sort.Slice(rankedMatches, func(i, j int) bool { return rankedMatches[i].combined < rankedMatches[j].combined })

	out := make([]VisualMatch, 0, len(rankedMatches))
	for _, r := range rankedMatches {
		out = append(out, r.match)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats summarizes similarity-subsystem coverage for the admin UI
// (`/api/similarity/stats`).
type Stats struct {
	TotalImages    int `json:"total_images"`
	WithPHash      int `json:"with_phash"`
	WithEmbedding  int `json:"with_embedding"`
	CachedPairs    int `json:"cached_pairs"`
	PHashBits      int `json:"phash_bits"`
}

// CoverageStats reports how much of the catalog has hashes, embeddings,
// and a populated duplicate-pair cache.
func (s *Service) CoverageStats(ctx context.Context) (Stats, error) {
	total, err := s.db.Images().CountAll(ctx)
	if err != nil {
		return Stats{}, apperr.Fatal(err, "count images")
	}
	hashes, err := s.db.Images().AllPHashes(ctx)
	if err != nil {
		return Stats{}, apperr.Fatal(err, "load all phashes")
	}
	embeddings, err := s.db.Images().AllEmbeddings(ctx)
	if err != nil {
		return Stats{}, apperr.Fatal(err, "load all embeddings")
	}
	pairs, err := s.db.DuplicatePairs().Count(ctx)
	if err != nil {
		return Stats{}, apperr.Fatal(err, "count duplicate pairs")
	}
	return Stats{
		TotalImages:   total,
		WithPHash:     len(hashes),
		WithEmbedding: len(embeddings),
		CachedPairs:   pairs,
		PHashBits:     int(s.bitLen),
	}, nil
}
