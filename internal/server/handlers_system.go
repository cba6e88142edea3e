package server

import (
	"context"
	"fmt"
	"net/http"

	"boorukeep/internal/tasks"
)

// handleSystemScan backs `POST /api/system/scan`: a one-off sweep of the
// watched directories for artifacts the filesystem watcher missed.
func (s *Server) handleSystemScan(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, fmt.Errorf("ingest pipeline not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("scan", func(ctx context.Context, h *tasks.Handle) (any, error) {
		return nil, s.ingest.Sweep(ctx)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleSystemRebuild backs `POST /api/system/rebuild`: forces a full
// rebuild regardless of whether the priority list changed.
func (s *Server) handleSystemRebuild(w http.ResponseWriter, r *http.Request) {
	if s.rebuildSvc == nil {
		writeError(w, fmt.Errorf("rebuild engine not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("rebuild", func(ctx context.Context, h *tasks.Handle) (any, error) {
		stats, err := s.rebuildSvc.Run(ctx, s.ingest)
		if err != nil {
			return nil, err
		}
		if s.ingest != nil {
			if startErr := s.ingest.Start(ctx); startErr != nil {
				s.log.Warn("rebuild: failed to restart ingest pipeline", "error", startErr)
			}
		}
		return stats, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleSystemRebuildCategorized backs `POST /api/system/rebuild_categorized`:
// regenerates every image's denormalized category columns.
func (s *Server) handleSystemRebuildCategorized(w http.ResponseWriter, r *http.Request) {
	taskID := s.tasks.Start("rebuild_categorized", func(ctx context.Context, h *tasks.Handle) (any, error) {
		err := s.tags.RebuildAllDenormalized(ctx, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("rebuilt %d/%d", done, total))
		})
		if err != nil {
			return nil, err
		}
		return nil, s.cache.InvalidateAll(ctx)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleSystemRecategorize backs `POST /api/system/recategorize`.
func (s *Server) handleSystemRecategorize(w http.ResponseWriter, r *http.Request) {
	moved, err := s.tags.Recategorize(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

// handleSystemThumbnails backs `POST /api/system/thumbnails`: regenerates
// missing thumbnails as a background task.
func (s *Server) handleSystemThumbnails(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, fmt.Errorf("ingest pipeline not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("thumbnails", func(ctx context.Context, h *tasks.Handle) (any, error) {
		written, err := s.ingest.RegenerateThumbnails(ctx, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("%d/%d checked", done, total))
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"written": written}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleSystemReindex backs `POST /api/system/reindex`.
func (s *Server) handleSystemReindex(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	indexed, err := s.maintenance.Reindex(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": indexed})
}

// handleSystemDeduplicate backs `POST /api/system/deduplicate`.
func (s *Server) handleSystemDeduplicate(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("deduplicate", func(ctx context.Context, h *tasks.Handle) (any, error) {
		removed, err := s.maintenance.DeduplicateFiles(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"removed": removed}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleSystemCleanOrphans backs `POST /api/system/clean_orphans`.
func (s *Server) handleSystemCleanOrphans(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	pruned, err := s.maintenance.CleanOrphans(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

// handleSystemApplyMergedSources backs `POST /api/system/apply_merged_sources`
// as a background task.
func (s *Server) handleSystemApplyMergedSources(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	taskID := s.tasks.Start("apply_merged", func(ctx context.Context, h *tasks.Handle) (any, error) {
		switched, err := s.maintenance.ApplyMergedSources(ctx, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("%d/%d checked", done, total))
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"switched": switched}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleSystemRecountTags backs `POST /api/system/recount_tags`.
func (s *Server) handleSystemRecountTags(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	counted, err := s.maintenance.RecountTags(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"counted": counted})
}

// handleSystemBrokenImages backs `GET /api/system/broken_images`: the
// report driving the retry/cleanup tool.
func (s *Server) handleSystemBrokenImages(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	broken, err := s.maintenance.FindBroken(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, broken)
}

type brokenImageActionRequest struct {
	Filepath string `json:"filepath"`
	Action   string `json:"action"` // "retry" or "delete_permanent"
}

// handleSystemBrokenImageAction backs `POST /api/system/broken_images`.
func (s *Server) handleSystemBrokenImageAction(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, fmt.Errorf("maintenance service not configured"), http.StatusServiceUnavailable)
		return
	}
	var req brokenImageActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	var err error
	switch req.Action {
	case "retry":
		err = s.maintenance.Retry(r.Context(), req.Filepath)
	case "delete_permanent":
		err = s.maintenance.DeletePermanent(r.Context(), req.Filepath)
	default:
		writeError(w, fmt.Errorf("unknown action: %s", req.Action), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMonitorStart backs `POST /api/system/monitor/start`.
func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, fmt.Errorf("ingest pipeline not configured"), http.StatusServiceUnavailable)
		return
	}
	if err := s.ingest.Start(context.Background()); err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMonitorStop backs `POST /api/system/monitor/stop`.
func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, fmt.Errorf("ingest pipeline not configured"), http.StatusServiceUnavailable)
		return
	}
	if err := s.ingest.Stop(s.cfg.ShutdownTimeout); err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSystemStatus backs `GET /api/system/status`.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_tasks": s.tasks.ActiveCount(),
		"tasks":        s.tasks.All(),
	})
}

// handleSystemLogs backs `GET /api/system/logs`.
func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.logs.Snapshot())
}

// handleTaskStatus backs `GET /api/task_status?task_id=`.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("task_id")
	task, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, fmt.Errorf("task not found: %s", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
