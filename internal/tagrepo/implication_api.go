package tagrepo

import (
	"context"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
)

// ListAll returns every active implication rule (`/api/implications/all`).
func (e *ImplicationEngine) ListAll(ctx context.Context) ([]core.Implication, error) {
	rules, err := e.db.Implications().ListActive(ctx)
	if err != nil {
		return nil, apperr.Fatal(err, "list implication rules")
	}
	return rules, nil
}

// ForTag returns every rule that names the tag on either side
// (`/api/implications/for-tag/<name>`).
func (e *ImplicationEngine) ForTag(ctx context.Context, name string) ([]core.Implication, error) {
	name = Normalize(name)
	rules, err := e.db.Implications().ListActive(ctx)
	if err != nil {
		return nil, apperr.Fatal(err, "list implication rules")
	}
	var out []core.Implication
	for _, r := range rules {
		if r.SourceTagName == name || r.ImpliedTag == name {
			out = append(out, r)
		}
	}
	return out, nil
}

// Chain returns the transitive implication chain reachable from a tag
// (`/api/implications/chain/<name>`): the tag itself followed by every
// tag its rules eventually imply, in BFS order.
func (e *ImplicationEngine) Chain(ctx context.Context, name string) ([]string, error) {
	tag, err := e.db.Tags().GetByName(ctx, Normalize(name))
	if err != nil {
		return nil, apperr.Fatal(err, "load tag %s", name)
	}
	if tag == nil {
		return nil, apperr.NotFound("tag not found: %s", name)
	}

	chain := []string{tag.Name}
	visited := map[int64]bool{tag.ID: true}
	frontier := []int64{tag.ID}
	for len(frontier) > 0 {
		var next []int64
		for _, id := range frontier {
			rules, err := e.db.Implications().ForSourceTag(ctx, id)
			if err != nil {
				return nil, apperr.Fatal(err, "walk chain from tag %d", id)
			}
			for _, r := range rules {
				if visited[r.ImpliedTagID] {
					continue
				}
				visited[r.ImpliedTagID] = true
				chain = append(chain, r.ImpliedTag)
				next = append(next, r.ImpliedTagID)
			}
		}
		frontier = next
	}
	return chain, nil
}

// ApprovalRequest is one rule to approve in a bulk operation.
type ApprovalRequest struct {
	SourceTag  string                        `json:"source_tag"`
	ImpliedTag string                        `json:"implied_tag"`
	Inference  core.ImplicationInferenceType `json:"inference"`
	Confidence float64                       `json:"confidence"`
}

// BulkApprove approves a list of rules (`/api/implications/bulk-approve`).
// A circular rule fails that entry only; the rest proceed. Returns how
// many rules were created.
func (e *ImplicationEngine) BulkApprove(ctx context.Context, reqs []ApprovalRequest, applyNow bool) (int, []string, error) {
	approved := 0
	var failures []string
	for _, req := range reqs {
		if ctx.Err() != nil {
			return approved, failures, ctx.Err()
		}
		if _, err := e.Approve(ctx, req.SourceTag, req.ImpliedTag, req.Inference, req.Confidence, applyNow); err != nil {
			failures = append(failures, req.SourceTag+" -> "+req.ImpliedTag+": "+err.Error())
			continue
		}
		approved++
	}
	return approved, failures, nil
}

// AutoApprovePattern approves every current naming-pattern suggestion
// (`/api/implications/auto-approve-pattern`). Pattern rules carry fixed
// high confidence, so no threshold applies.
func (e *ImplicationEngine) AutoApprovePattern(ctx context.Context, applyNow bool) (int, error) {
	suggestions, err := e.Suggestions(ctx)
	if err != nil {
		return 0, err
	}
	approved := 0
	for _, s := range suggestions {
		if s.Inference != core.InferenceNamingPattern {
			continue
		}
		if _, err := e.Approve(ctx, s.SourceTag, s.ImpliedTag, s.Inference, s.Confidence, applyNow); err != nil {
			continue
		}
		approved++
	}
	return approved, nil
}

// AutoApproveConfident approves correlation suggestions at or above the
// given confidence (`/api/implications/auto-approve-confident`).
func (e *ImplicationEngine) AutoApproveConfident(ctx context.Context, minConfidence float64, applyNow bool) (int, error) {
	suggestions, err := e.Suggestions(ctx)
	if err != nil {
		return 0, err
	}
	approved := 0
	for _, s := range suggestions {
		if s.Inference != core.InferenceCorrelation || s.Confidence < minConfidence {
			continue
		}
		if _, err := e.Approve(ctx, s.SourceTag, s.ImpliedTag, s.Inference, s.Confidence, applyNow); err != nil {
			continue
		}
		approved++
	}
	return approved, nil
}

// BatchApply re-applies every active rule to existing images
// (`/api/implications/batch_apply`). Unlike ClearAndReapply it never
// removes anything, so it is safe to run while edits are in flight.
func (e *ImplicationEngine) BatchApply(ctx context.Context, progress func(done, total int)) error {
	rules, err := e.db.Implications().ListActive(ctx)
	if err != nil {
		return apperr.Fatal(err, "list active implication rules")
	}
	for i, r := range rules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.ApplyToExistingImages(ctx, r.SourceTagID, r.ImpliedTagID); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(rules))
		}
	}
	return nil
}

// ClearImplicationTags removes every implication-origin relation row
// without reapplying (`/api/implications/clear-tags`), then rebuilds the
// denormalized columns.
func (e *ImplicationEngine) ClearImplicationTags(ctx context.Context) error {
	if err := e.db.Tags().ClearOriginForAllImages(ctx, core.OriginImplication); err != nil {
		return apperr.Fatal(err, "clear implication-origin tags")
	}
	ids, err := e.db.Images().AllIDs(ctx)
	if err != nil {
		return apperr.Fatal(err, "list all image ids")
	}
	return rebuildDenormalizedForAll(ctx, e.db, ids)
}
