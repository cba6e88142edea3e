package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"boorukeep/internal/core"
	"boorukeep/internal/tagrepo"
	"boorukeep/internal/tasks"
)

// handleImplicationSuggestions backs `GET /api/implications/suggestions`
// with pagination and filtering by inference type (`type`). Category
// filters are not applied.
func (s *Server) handleImplicationSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.implications.Suggestions(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}

	if t := r.URL.Query().Get("type"); t != "" {
		filtered := suggestions[:0:0]
		for _, sg := range suggestions {
			if string(sg.Inference) == t {
				filtered = append(filtered, sg)
			}
		}
		suggestions = filtered
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	total := len(suggestions)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions[start:end],
		"page":        page,
		"total":       total,
	})
}

type approveImplicationRequest struct {
	SourceTag  string  `json:"source_tag"`
	ImpliedTag string  `json:"implied_tag"`
	Inference  string  `json:"inference"`
	Confidence float64 `json:"confidence"`
	ApplyNow   bool    `json:"apply_now"`
}

// handleApproveImplication backs `POST /api/implications/approve` and
// `POST /api/implications/create` (a manual create is an approval with
// inference `manual`).
func (s *Server) handleApproveImplication(w http.ResponseWriter, r *http.Request) {
	var req approveImplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	inference := core.ImplicationInferenceType(req.Inference)
	if inference == "" {
		inference = core.InferenceManual
	}
	confidence := req.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}
	id, err := s.implications.Approve(r.Context(), req.SourceTag, req.ImpliedTag, inference, confidence, req.ApplyNow)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rule_id": id})
}

type deleteImplicationRequest struct {
	RuleID int64 `json:"rule_id"`
}

// handleDeleteImplication backs `POST /api/implications/delete`.
func (s *Server) handleDeleteImplication(w http.ResponseWriter, r *http.Request) {
	var req deleteImplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if err := s.implications.Delete(r.Context(), req.RuleID); err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type bulkApproveRequest struct {
	Rules    []tagrepo.ApprovalRequest `json:"rules"`
	ApplyNow bool                      `json:"apply_now"`
}

// handleBulkApprove backs `POST /api/implications/bulk-approve`.
func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	var req bulkApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	approved, failures, err := s.implications.BulkApprove(r.Context(), req.Rules, req.ApplyNow)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": approved, "failures": failures})
}

type autoApproveRequest struct {
	MinConfidence float64 `json:"min_confidence"`
	ApplyNow      bool    `json:"apply_now"`
}

// handleAutoApprovePattern backs `POST /api/implications/auto-approve-pattern`.
func (s *Server) handleAutoApprovePattern(w http.ResponseWriter, r *http.Request) {
	var req autoApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	approved, err := s.implications.AutoApprovePattern(r.Context(), req.ApplyNow)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"approved": approved})
}

// handleAutoApproveConfident backs `POST /api/implications/auto-approve-confident`.
func (s *Server) handleAutoApproveConfident(w http.ResponseWriter, r *http.Request) {
	var req autoApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.9
	}
	approved, err := s.implications.AutoApproveConfident(r.Context(), minConfidence, req.ApplyNow)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"approved": approved})
}

// handleBatchApplyImplications backs `POST /api/implications/batch_apply`
// as a background task.
func (s *Server) handleBatchApplyImplications(w http.ResponseWriter, r *http.Request) {
	taskID := s.tasks.Start("implications_apply", func(ctx context.Context, h *tasks.Handle) (any, error) {
		err := s.implications.BatchApply(ctx, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("applied %d/%d rules", done, total))
		})
		if err != nil {
			return nil, err
		}
		return nil, s.cache.InvalidateAll(ctx)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleClearAndReapplyImplications backs `POST /api/implications/clear-and-reapply`
// as a background task.
func (s *Server) handleClearAndReapplyImplications(w http.ResponseWriter, r *http.Request) {
	taskID := s.tasks.Start("implications_reapply", func(ctx context.Context, h *tasks.Handle) (any, error) {
		err := s.implications.ClearAndReapply(ctx, func(done, total int) {
			h.Progress(done*100/max(total, 1), fmt.Sprintf("reapplied %d/%d images", done, total))
		})
		if err != nil {
			return nil, err
		}
		return nil, s.cache.InvalidateAll(ctx)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleClearImplicationTags backs `POST /api/implications/clear-tags`.
func (s *Server) handleClearImplicationTags(w http.ResponseWriter, r *http.Request) {
	if err := s.implications.ClearImplicationTags(r.Context()); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.cache.InvalidateAll(r.Context()); err != nil {
		s.log.Warn("clear_implication_tags: cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type previewImplicationRequest struct {
	SourceTag  string `json:"source_tag"`
	ImpliedTag string `json:"implied_tag"`
}

// handlePreviewImplication backs `POST /api/implications/preview`: the
// chain from the implied tag plus the circularity verdict.
func (s *Server) handlePreviewImplication(w http.ResponseWriter, r *http.Request) {
	var req previewImplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	chain, circular, err := s.implications.Preview(r.Context(), req.SourceTag, req.ImpliedTag)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	resp := map[string]any{"chain": chain, "circular": circular}
	if circular {
		resp["message"] = "circular implication detected"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListImplications backs `GET /api/implications/all`.
func (s *Server) handleListImplications(w http.ResponseWriter, r *http.Request) {
	rules, err := s.implications.ListAll(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleImplicationsForTag backs `GET /api/implications/for-tag/<name>`.
func (s *Server) handleImplicationsForTag(w http.ResponseWriter, r *http.Request) {
	rules, err := s.implications.ForTag(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleImplicationChain backs `GET /api/implications/chain/<name>`.
func (s *Server) handleImplicationChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.implications.Chain(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain": chain})
}
