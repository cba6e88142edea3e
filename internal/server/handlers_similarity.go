package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"boorukeep/internal/core"
	"boorukeep/internal/tasks"
)

func (s *Server) resolveImageID(r *http.Request) (int64, error) {
	filepath := chi.URLParam(r, "filepath")
	img, err := s.db.Images().GetByFilepath(r.Context(), filepath)
	if err != nil {
		return 0, err
	}
	if img == nil {
		return 0, fmt.Errorf("image not found: %s", filepath)
	}
	return img.ID, nil
}

// handleVisualSimilar backs `GET /api/similar/<filepath>`.
func (s *Server) handleVisualSimilar(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveImageID(r)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	threshold := queryInt(r, "threshold", 10)
	limit := queryInt(r, "limit", 50)
	excludeFamily := queryBool(r, "exclude_family")
	colorWeight := queryFloat(r, "color_weight", 0)

	matches, err := s.similarity.VisualSimilarColor(r.Context(), id, threshold, limit, excludeFamily, colorWeight)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleSemanticSimilar backs `GET /api/similar-semantic/<filepath>`.
func (s *Server) handleSemanticSimilar(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveImageID(r)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", 50)
	excludeFamily := queryBool(r, "exclude_family")

	matches, err := s.similarity.SemanticSimilar(r.Context(), id, limit, excludeFamily)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleBlendedSimilar backs `GET /api/similar-blended/<filepath>`.
func (s *Server) handleBlendedSimilar(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveImageID(r)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", 50)
	weights := s.similarity.Weights()
	weights.BlendVisual = queryFloat(r, "visual_weight", weights.BlendVisual)
	weights.BlendTag = queryFloat(r, "tag_weight", weights.BlendTag)
	weights.BlendSemantic = queryFloat(r, "semantic_weight", weights.BlendSemantic)

	matches, err := s.similarity.BlendedWeighted(r.Context(), id, limit, weights)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleLiveDuplicates backs `GET /api/duplicates?threshold=`: a live
// pairwise scan that never touches the duplicate_pairs cache.
func (s *Server) handleLiveDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold := queryInt(r, "threshold", 10)
	pairs, err := s.similarity.LiveDuplicates(r.Context(), threshold)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

// handleSimilarityStats backs `GET /api/similarity/stats`.
func (s *Server) handleSimilarityStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.similarity.CoverageStats(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGenerateHashes backs `POST /api/similarity/generate-hashes` as a
// background task.
func (s *Server) handleGenerateHashes(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("generate_hashes", func(ctx context.Context, h *tasks.Handle) (any, error) {
		hashed, err := s.maintenance.GenerateHashes(ctx, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("hashed %d/%d", done, total))
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"hashed": hashed}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleRebuildSimilarityCache backs `POST /api/similarity/rebuild-cache` as
// a background task since a full similar-images cache rebuild scans every
// image.
func (s *Server) handleRebuildSimilarityCache(w http.ResponseWriter, r *http.Request) {
	taskID := s.tasks.Start("similarity_rebuild", func(ctx context.Context, h *tasks.Handle) (any, error) {
		types := []core.SimilarityType{core.SimilarityVisual, core.SimilarityTag, core.SimilaritySemantic}
		for i, simType := range types {
			if err := s.similarity.RebuildSimilarCache(ctx, simType, s.similarCacheSize, func(done, total int) {
				h.Progress((i*100+done*100/max(total, 1))/len(types), fmt.Sprintf("%s: %d/%d", simType, done, total))
			}); err != nil {
				return nil, fmt.Errorf("rebuild %s cache: %w", simType, err)
			}
		}
		return nil, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}
