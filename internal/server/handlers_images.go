package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"boorukeep/internal/core"
	"boorukeep/internal/tagsource"
	"boorukeep/internal/tasks"
)

// handleSearchImages backs `GET /api/images?query=&page=&per_page=`.
// It delegates entirely to the query service's pagination.
func (s *Server) handleSearchImages(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("query")
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 0)

	result, err := s.query.Search(r.Context(), expr, page, perPage)
	if err != nil {
		writeError(w, err, 0)
		return
	}

	totalPages := 0
	if result.PerPage > 0 {
		totalPages = (result.TotalCount + result.PerPage - 1) / result.PerPage
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":       result.Images,
		"page":         result.Page,
		"total_pages":  totalPages,
		"total_results": result.TotalCount,
		"has_more":     result.Page < totalPages,
	})
}

type editTagsRequest struct {
	Filepath       string              `json:"filepath"`
	CategorizedTags core.CategorizedTags `json:"categorized_tags"`
}

// handleEditTags backs `POST /api/edit_tags`: records a tag-delta mutation
// and reloads the image's denormalized columns.
func (s *Server) handleEditTags(w http.ResponseWriter, r *http.Request) {
	var req editTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if err := s.tags.EditTags(r.Context(), req.Filepath, req.CategorizedTags); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("edit_tags: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deleteImageRequest struct {
	Filepath string `json:"filepath"`
}

// handleDeleteImage backs `POST /api/delete_image`.
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	var req deleteImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	img, err := s.db.Images().GetByFilepath(r.Context(), req.Filepath)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if img == nil {
		writeError(w, fmt.Errorf("image not found: %s", req.Filepath), http.StatusNotFound)
		return
	}
	if err := s.db.Images().Delete(r.Context(), img.ID); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("delete_image: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deleteImagesBulkRequest struct {
	Filepaths []string `json:"filepaths"`
}

// handleDeleteImagesBulk backs `POST /api/delete_images_bulk` as a
// background task so a large batch does not block the request.
func (s *Server) handleDeleteImagesBulk(w http.ResponseWriter, r *http.Request) {
	var req deleteImagesBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	taskID := s.tasks.Start("delete_images_bulk", func(ctx context.Context, h *tasks.Handle) (any, error) {
		deleted := 0
		for i, fp := range req.Filepaths {
			img, err := s.db.Images().GetByFilepath(ctx, fp)
			if err != nil || img == nil {
				continue
			}
			if err := s.db.Images().Delete(ctx, img.ID); err == nil {
				deleted++
			}
			h.Progress((i+1)*100/len(req.Filepaths), fmt.Sprintf("deleted %d/%d", deleted, len(req.Filepaths)))
		}
		return nil, s.cache.InvalidateAll(ctx)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

type switchSourceRequest struct {
	Filepath string `json:"filepath"`
	Source   string `json:"source"`
}

// handleSwitchSource backs `POST /api/switch_source`.
func (s *Server) handleSwitchSource(w http.ResponseWriter, r *http.Request) {
	var req switchSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if err := s.tags.SwitchSource(r.Context(), req.Filepath, req.Source, s.priority, tagsource.ParseRaw); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("switch_source: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type clearDeltasRequest struct {
	Filepath string `json:"filepath"`
}

// handleClearDeltas backs `POST /api/clear_deltas`.
func (s *Server) handleClearDeltas(w http.ResponseWriter, r *http.Request) {
	var req clearDeltasRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if err := s.tags.ClearDeltas(r.Context(), req.Filepath); err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleImageStats backs `GET /api/image/<filepath>/stats`. Beyond the
// image row it reports the normalized tag names from the cached per-image
// tag-id arrays (letting the UI cross-check them against the denormalized
// columns) and resolves the source-side parent post id to a local MD5 via
// the cross-source post-id map, so the panel can link straight to the
// parent when it is also cataloged.
func (s *Server) handleImageStats(w http.ResponseWriter, r *http.Request) {
	filepath := chi.URLParam(r, "filepath")
	img, err := s.db.Images().GetByFilepath(r.Context(), filepath)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if img == nil {
		writeError(w, fmt.Errorf("image not found: %s", filepath), http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")

	resp := map[string]any{"image": img}
	if s.cache != nil {
		var names []string
		for _, tid := range s.cache.ImageTagIDs(img.ID) {
			if name, ok := s.cache.TagName(int64(tid)); ok {
				names = append(names, name)
			}
		}
		resp["normalized_tags"] = names

		if img.ParentID != "" {
			// The post-id index is keyed per contributing source, so a
			// "merged" active source is resolved through the image's own
			// source set.
			sources, err := s.db.ImageSources().SourcesFor(r.Context(), img.ID)
			if err == nil {
				for _, src := range sources {
					if parentMD5, ok := s.cache.MD5ForPost(src, img.ParentID); ok {
						resp["parent_md5"] = parentMD5
						break
					}
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// imageByPathParam resolves the {filepath} URL parameter to a catalog
// image, shared by the lazy-loaded detail panels. All panel responses are
// marked no-store.
func (s *Server) imageByPathParam(w http.ResponseWriter, r *http.Request) (*core.Image, bool) {
	filepath := chi.URLParam(r, "filepath")
	img, err := s.db.Images().GetByFilepath(r.Context(), filepath)
	if err != nil {
		writeError(w, err, 0)
		return nil, false
	}
	if img == nil {
		writeError(w, fmt.Errorf("image not found: %s", filepath), http.StatusNotFound)
		return nil, false
	}
	w.Header().Set("Cache-Control", "no-store")
	return img, true
}

// handleImageDeltas backs `GET /api/image/<filepath>/deltas`.
func (s *Server) handleImageDeltas(w http.ResponseWriter, r *http.Request) {
	img, ok := s.imageByPathParam(w, r)
	if !ok {
		return
	}
	deltas, err := s.db.DeltaJournal().ForImage(r.Context(), img.MD5)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, deltas)
}

// handleImagePools backs `GET /api/image/<filepath>/pools`.
func (s *Server) handleImagePools(w http.ResponseWriter, r *http.Request) {
	img, ok := s.imageByPathParam(w, r)
	if !ok {
		return
	}
	pools, err := s.db.Pools().PoolsForImage(r.Context(), img.ID)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

// handleImageRelations backs `GET /api/image/<filepath>/relations`.
func (s *Server) handleImageRelations(w http.ResponseWriter, r *http.Request) {
	img, ok := s.imageByPathParam(w, r)
	if !ok {
		return
	}
	relations, err := s.db.Relations().ForImage(r.Context(), img.ID)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, relations)
}

// handleImageSimilar backs `GET /api/image/<filepath>/similar`: the
// sidebar read served from the top-N similars cache, falling back to a
// live visual query on a miss.
func (s *Server) handleImageSimilar(w http.ResponseWriter, r *http.Request) {
	img, ok := s.imageByPathParam(w, r)
	if !ok {
		return
	}
	simType := core.SimilarityType(r.URL.Query().Get("type"))
	if simType == "" {
		simType = core.SimilarityBlended
	}
	limit := queryInt(r, "limit", 12)

	cached, err := s.db.SimilarCache().ForImage(r.Context(), img.ID, simType, limit)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if len(cached) > 0 {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	matches, err := s.similarity.VisualSimilar(r.Context(), img.ID, queryInt(r, "threshold", 10), limit, false)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

type retryTaggingRequest struct {
	Filepath          string `json:"filepath"`
	SkipLocalFallback bool   `json:"skip_local_fallback"`
}

// handleRetryTagging backs `POST /api/retry_tagging`: re-runs the source
// fallback chain on one existing image.
func (s *Server) handleRetryTagging(w http.ResponseWriter, r *http.Request) {
	var req retryTaggingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if s.ingest == nil {
		writeError(w, fmt.Errorf("ingest pipeline not configured"), http.StatusServiceUnavailable)
		return
	}
	if err := s.ingest.RetryTagging(r.Context(), req.Filepath, req.SkipLocalFallback); err != nil {
		writeError(w, err, 0)
		return
	}
	if img, err := s.db.Images().GetByFilepath(r.Context(), req.Filepath); err == nil && img != nil {
		if err := s.cache.InvalidateImage(r.Context(), img.ID); err != nil {
			s.log.Warn("retry_tagging: cache invalidation failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type bulkRetryTaggingRequest struct {
	SkipLocalFallback bool `json:"skip_local_fallback"`
}

// handleBulkRetryTagging backs `POST /api/bulk_retry_tagging` as a
// background task.
func (s *Server) handleBulkRetryTagging(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryTaggingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if s.ingest == nil {
		writeError(w, fmt.Errorf("ingest pipeline not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("bulk_retry", func(ctx context.Context, h *tasks.Handle) (any, error) {
		retagged, err := s.ingest.BulkRetry(ctx, req.SkipLocalFallback, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("retried %d/%d", done, total))
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"retagged": retagged}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}
