package server

import (
	"fmt"
	"net/http"

	"boorukeep/internal/core"
	"boorukeep/internal/tagrepo"
)

// resolveTagID loads a tag id by name, tolerating un-normalized input the
// same way the tag repository does.
func (s *Server) resolveTagID(r *http.Request, name string) (int64, error) {
	tag, err := s.db.Tags().GetByName(r.Context(), tagrepo.Normalize(name))
	if err != nil {
		return 0, err
	}
	if tag == nil {
		return 0, fmt.Errorf("tag not found: %s", name)
	}
	return tag.ID, nil
}

type renameTagRequest struct {
	Tag     string `json:"tag"`
	NewName string `json:"new_name"`
}

// handleRenameTag backs `POST /api/tags/rename`. Renaming onto an existing
// name merges into it.
func (s *Server) handleRenameTag(w http.ResponseWriter, r *http.Request) {
	var req renameTagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	id, err := s.resolveTagID(r, req.Tag)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	if err := s.tags.RenameTag(r.Context(), id, req.NewName); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("rename_tag: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type mergeTagsRequest struct {
	SourceTag string `json:"source_tag"`
	DestTag   string `json:"dest_tag"`
}

// handleMergeTags backs `POST /api/tags/merge`.
func (s *Server) handleMergeTags(w http.ResponseWriter, r *http.Request) {
	var req mergeTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	sourceID, err := s.resolveTagID(r, req.SourceTag)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	destID, err := s.resolveTagID(r, req.DestTag)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	if err := s.tags.MergeTags(r.Context(), sourceID, destID); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("merge_tags: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deleteTagRequest struct {
	Tag string `json:"tag"`
}

// handleDeleteTag backs `POST /api/tags/delete`.
func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	var req deleteTagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	id, err := s.resolveTagID(r, req.Tag)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	if err := s.tags.DeleteTag(r.Context(), id); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("delete_tag: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type categorizeTagRequest struct {
	Tag              string `json:"tag"`
	Category         string `json:"category"`
	ExtendedCategory string `json:"extended_category"`
}

// handleCategorizeTag backs `POST /api/tag_categorize/set`.
func (s *Server) handleCategorizeTag(w http.ResponseWriter, r *http.Request) {
	var req categorizeTagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if err := s.tags.SetTagCategory(r.Context(), req.Tag, core.TagCategory(req.Category), req.ExtendedCategory); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("tag_categorize: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAutoCategorize backs `POST /api/tag_categorize/auto`: the same
// recategorization pass the rebuild engine runs.
func (s *Server) handleAutoCategorize(w http.ResponseWriter, r *http.Request) {
	moved, err := s.tags.Recategorize(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}
