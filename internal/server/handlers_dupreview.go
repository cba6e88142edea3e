package server

import (
	"fmt"
	"net/http"

	"boorukeep/internal/dupreview"
)

// handleDupCacheStats backs `GET /api/duplicate-review/cache-stats`.
func (s *Server) handleDupCacheStats(w http.ResponseWriter, r *http.Request) {
	threshold := queryInt(r, "threshold", 10)
	stats, err := s.dupreview.CacheStats(r.Context(), threshold)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDupScan backs `POST /api/duplicate-review/scan?threshold=`.
func (s *Server) handleDupScan(w http.ResponseWriter, r *http.Request) {
	threshold := queryInt(r, "threshold", 10)
	taskID := s.dupreview.Scan(threshold)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleDupQueue backs `GET /api/duplicate-review/queue`.
func (s *Server) handleDupQueue(w http.ResponseWriter, r *http.Request) {
	threshold := queryInt(r, "threshold", 10)
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	mode := dupreview.QueueMode(r.URL.Query().Get("queue_mode"))
	if mode == "" {
		mode = dupreview.QueueModeDistance
	}
	bounds := dupreview.Bounds{
		Lower: queryFloat(r, "suggestion_lower", 0.012),
		Upper: queryFloat(r, "suggestion_upper", 0.04),
	}

	entries, total, err := s.dupreview.Queue(r.Context(), threshold, offset, limit, mode, bounds)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

type dupCommitRequest struct {
	Actions []dupreview.Action `json:"actions"`
}

// handleDupCommit backs `POST /api/duplicate-review/commit`.
func (s *Server) handleDupCommit(w http.ResponseWriter, r *http.Request) {
	var req dupCommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	taskID := s.dupreview.Commit(req.Actions)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}
