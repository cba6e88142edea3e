// Package dupreview implements the duplicate-review workflow: per-pair visual-diff enrichment, classification, queue
// pagination, and transactional action commit.
package dupreview

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"boorukeep/internal/apperr"
	"boorukeep/internal/cache"
	"boorukeep/internal/core"
	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
	"boorukeep/internal/tasks"
)

// QueueMode selects the pagination sort policy.
type QueueMode string

const (
	QueueModeDistance         QueueMode = "distance"
	QueueModeLikelyDuplicates QueueMode = "likely_duplicates"
	QueueModeDuplicateHunt    QueueMode = "duplicate_hunt"
	QueueModeDuplicateFirst   QueueMode = "duplicate_first"
)

// Service implements the duplicate-review workflow.
type Service struct {
	db     persistence.Database
	cache  *cache.Manager
	tasks  *tasks.Manager
	diffCfg DiffConfig
	bounds  Bounds

	thumbDirectory     string
	calibrationLogging bool
	calibrationLogPath string
}

// NewService constructs the duplicate-review service.
func NewService(db persistence.Database, cacheMgr *cache.Manager, taskMgr *tasks.Manager, diffCfg DiffConfig, bounds Bounds, thumbDirectory string, calibrationLogging bool, calibrationLogPath string) *Service {
	return &Service{
		db:                 db,
		cache:              cacheMgr,
		tasks:              taskMgr,
		diffCfg:            diffCfg,
		bounds:             bounds,
		thumbDirectory:     thumbDirectory,
		calibrationLogging: calibrationLogging,
		calibrationLogPath: calibrationLogPath,
	}
}

func (s *Service) thumbnailPath(md5 string) string {
	if s.thumbDirectory == "" || md5 == "" {
		return ""
	}
	return filepath.Join(s.thumbDirectory, md5+".webp")
}

// CacheStats reports coverage of the duplicate-pairs and suggestion
// caches, for the admin dashboard.
type CacheStats struct {
	PairCount       int
	SuggestionCount int
}

func (s *Service) CacheStats(ctx context.Context, maxDistance int) (CacheStats, error) {
	count, err := s.db.DuplicatePairs().Count(ctx)
	if err != nil {
		return CacheStats{}, apperr.Fatal(err, "dupreview: count pairs")
	}
	pairs, err := s.db.DuplicatePairs().All(ctx, maxDistance)
	if err != nil {
		return CacheStats{}, apperr.Fatal(err, "dupreview: list pairs")
	}
	suggested := 0
	for _, p := range pairs {
		if _, err := s.db.DuplicateSuggestions().Get(ctx, p.ImageA, p.ImageB); err == nil {
			suggested++
		}
	}
	return CacheStats{PairCount: count, SuggestionCount: suggested}, nil
}

// Scan enriches every duplicate_pairs row within maxDistance with a
// suggestion record, as a background task.
func (s *Service) Scan(maxDistance int) string {
	return s.tasks.Start("dupscan", func(ctx context.Context, h *tasks.Handle) (any, error) {
		pairs, err := s.db.DuplicatePairs().All(ctx, maxDistance)
		if err != nil {
			return nil, apperr.Fatal(err, "dupreview: list pairs")
		}

		enriched := 0
		for i, pair := range pairs {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			if err := s.enrichPair(ctx, pair.ImageA, pair.ImageB); err != nil {
				logger.Warn("dupreview: enrich pair failed", "image_a", pair.ImageA, "image_b", pair.ImageB, "error", err)
				continue
			}
			enriched++
			h.Progress(int(float64(i+1)/float64(len(pairs))*100), fmt.Sprintf("%d/%d pairs enriched", i+1, len(pairs)))
		}

		return map[string]int{"pairs": len(pairs), "enriched": enriched}, nil
	})
}

func (s *Service) enrichPair(ctx context.Context, imageA, imageB int64) error {
	a, err := s.db.Images().Get(ctx, imageA)
	if err != nil || a == nil {
		return apperr.NotFound("dupreview: image %d", imageA)
	}
	b, err := s.db.Images().Get(ctx, imageB)
	if err != nil || b == nil {
		return apperr.NotFound("dupreview: image %d", imageB)
	}

	suggestion, err := ComputeSuggestion(*a, *b, s.thumbnailPath(a.MD5), s.thumbnailPath(b.MD5), s.diffCfg)
	if err != nil {
		return err
	}
	return s.db.DuplicateSuggestions().Upsert(ctx, suggestion)
}

// QueueEntry is one row returned by Queue, joining the duplicate_pairs
// distance with its (possibly on-demand computed) suggestion.
type QueueEntry struct {
	ImageA         int64
	ImageB         int64
	Distance       int
	Suggestion     core.DuplicatePairSuggestion
	Classification Classification
	Confidence     float64
}

// Queue returns one page of reviewable pairs, sorted per mode, excluding
// any pair already covered by an image_relations row.
func (s *Service) Queue(ctx context.Context, maxDistance, offset, limit int, mode QueueMode, bounds Bounds) ([]QueueEntry, int, error) {
	pairs, err := s.db.DuplicatePairs().All(ctx, maxDistance)
	if err != nil {
		return nil, 0, apperr.Fatal(err, "dupreview: list pairs")
	}

	entries := make([]QueueEntry, 0, len(pairs))
	for _, p := range pairs {
		related, err := s.db.Relations().AnyRelationExists(ctx, p.ImageA, p.ImageB)
		if err != nil {
			return nil, 0, apperr.Fatal(err, "dupreview: check relation")
		}
		if related {
			continue
		}

		suggestion, err := s.db.DuplicateSuggestions().Get(ctx, p.ImageA, p.ImageB)
		if err != nil || suggestion == nil {
			if enrichErr := s.enrichPair(ctx, p.ImageA, p.ImageB); enrichErr != nil {
				logger.Warn("dupreview: on-demand enrich failed", "image_a", p.ImageA, "image_b", p.ImageB, "error", enrichErr)
				continue
			}
			suggestion, err = s.db.DuplicateSuggestions().Get(ctx, p.ImageA, p.ImageB)
			if err != nil || suggestion == nil {
				continue
			}
		}

		class, confidence := Classify(suggestion.FinalSignal, bounds)
		entries = append(entries, QueueEntry{
			ImageA:         p.ImageA,
			ImageB:         p.ImageB,
			Distance:       p.Distance,
			Suggestion:     *suggestion,
			Classification: class,
			Confidence:     confidence,
		})
	}

	entries = sortQueue(entries, mode, bounds)

	total := len(entries)
	if offset >= total {
		return []QueueEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return entries[offset:end], total, nil
}

func classRank(c Classification) int {
	switch c {
	case ClassLikelyDuplicate:
		return 0
	case ClassUncertain:
		return 1
	case ClassLikelyVariation:
		return 2
	default:
		return 3
	}
}

func sortQueue(entries []QueueEntry, mode QueueMode, bounds Bounds) []QueueEntry {
	switch mode {
	case QueueModeLikelyDuplicates:
		filtered := make([]QueueEntry, 0, len(entries))
		for _, e := range entries {
			if e.Suggestion.FinalSignal <= bounds.Lower {
				filtered = append(filtered, e)
			}
		}
		sort.Slice(filtered, func(i, j int) bool {
			return filtered[i].Suggestion.FinalSignal < filtered[j].Suggestion.FinalSignal
		})
		return filtered
	case QueueModeDuplicateHunt:
		sort.Slice(entries, func(i, j int) bool {
			ri, rj := classRank(entries[i].Classification), classRank(entries[j].Classification)
			if ri != rj {
				return ri < rj
			}
			if entries[i].Suggestion.FinalSignal != entries[j].Suggestion.FinalSignal {
				return entries[i].Suggestion.FinalSignal < entries[j].Suggestion.FinalSignal
			}
			if entries[i].Suggestion.LargestBlobRatio != entries[j].Suggestion.LargestBlobRatio {
				return entries[i].Suggestion.LargestBlobRatio > entries[j].Suggestion.LargestBlobRatio
			}
			return entries[i].Suggestion.BlobCount < entries[j].Suggestion.BlobCount
		})
	case QueueModeDuplicateFirst:
		sort.Slice(entries, func(i, j int) bool {
			ri, rj := classRank(entries[i].Classification), classRank(entries[j].Classification)
			if ri != rj {
				return ri < rj
			}
			return entries[i].Suggestion.FinalSignal < entries[j].Suggestion.FinalSignal
		})
	default: // QueueModeDistance
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Distance < entries[j].Distance
		})
	}
	return entries
}

// ActionKind is one of the duplicate-review commit actions.
type ActionKind string

const (
	ActionDeleteA      ActionKind = "delete_a"
	ActionDeleteB      ActionKind = "delete_b"
	ActionNonDuplicate ActionKind = "non_duplicate"
	ActionRelated      ActionKind = "related"
)

// Action is one queued review decision.
type Action struct {
	ImageA     int64
	ImageB     int64
	Kind       ActionKind
	Detail     string // parent_child_ab, parent_child_ba, or sibling (for ActionRelated)
	Suggestion Classification
}

// calibrationRecord is the optional appended JSON line used to tune the
// classification bounds later.
type calibrationRecord struct {
	BatchID        string          `json:"batch_id"`
	SuggestedClass Classification `json:"suggested_class"`
	ManualClass    string          `json:"manual_class"`
	Outcome        string          `json:"outcome"`
	Signal         float64         `json:"signal"`
}

func manualClassFor(kind ActionKind) string {
	switch kind {
	case ActionDeleteA, ActionDeleteB:
		return "duplicate"
	case ActionRelated:
		return "variation"
	default:
		return "not_duplicate"
	}
}

func outcomeFor(suggested Classification, manual string) string {
	switch suggested {
	case ClassLikelyDuplicate:
		if manual == "duplicate" {
			return "matches"
		}
		return "mismatches"
	case ClassLikelyVariation:
		if manual == "variation" || manual == "not_duplicate" {
			return "matches"
		}
		return "mismatches"
	default:
		return "uncertain"
	}
}

// Commit processes a batch of review actions sequentially under a
// background task, so calibration logging stays deterministic.
func (s *Service) Commit(actions []Action) string {
	batchID := uuid.NewString()
	return s.tasks.Start("dupcommit", func(ctx context.Context, h *tasks.Handle) (any, error) {
		processed := 0
		for i, action := range actions {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			if err := s.applyAction(ctx, action, batchID); err != nil {
				logger.Warn("dupreview: action failed", "image_a", action.ImageA, "image_b", action.ImageB, "action", action.Kind, "error", err)
				continue
			}
			processed++
			h.Progress(int(float64(i+1)/float64(len(actions))*100), fmt.Sprintf("%d/%d actions committed", i+1, len(actions)))
		}
		return map[string]int{"actions": len(actions), "processed": processed}, nil
	})
}

func (s *Service) applyAction(ctx context.Context, action Action, batchID string) error {
	a, err := s.db.Images().Get(ctx, action.ImageA)
	if err != nil {
		return apperr.NotFound("dupreview: image %d", action.ImageA)
	}
	b, err := s.db.Images().Get(ctx, action.ImageB)
	if err != nil {
		return apperr.NotFound("dupreview: image %d", action.ImageB)
	}

	var signal float64
	if suggestion, err := s.db.DuplicateSuggestions().Get(ctx, action.ImageA, action.ImageB); err == nil && suggestion != nil {
		signal = suggestion.FinalSignal
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return apperr.Fatal(err, "dupreview: begin commit transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	switch action.Kind {
	case ActionDeleteA:
		if err := s.deleteImage(ctx, tx, a); err != nil {
			return err
		}
		if err := tx.Relations().Create(ctx, nonDuplicateRelation(action.ImageA, action.ImageB)); err != nil {
			return apperr.Integrity(err, "dupreview: record non_duplicate relation")
		}
	case ActionDeleteB:
		if err := s.deleteImage(ctx, tx, b); err != nil {
			return err
		}
		if err := tx.Relations().Create(ctx, nonDuplicateRelation(action.ImageA, action.ImageB)); err != nil {
			return apperr.Integrity(err, "dupreview: record non_duplicate relation")
		}
	case ActionNonDuplicate:
		if err := tx.Relations().Create(ctx, nonDuplicateRelation(action.ImageA, action.ImageB)); err != nil {
			return apperr.Integrity(err, "dupreview: record non_duplicate relation")
		}
	case ActionRelated:
		rel, err := relatedRelation(action)
		if err != nil {
			return err
		}
		if err := tx.Relations().Create(ctx, rel); err != nil {
			return apperr.Integrity(err, "dupreview: record relation")
		}
	default:
		return apperr.Input("dupreview: unknown action %q", action.Kind)
	}

	if err := tx.DuplicatePairs().Remove(ctx, action.ImageA, action.ImageB); err != nil {
		return apperr.Fatal(err, "dupreview: remove pair from cache")
	}
	if err := tx.DuplicateSuggestions().Remove(ctx, action.ImageA, action.ImageB); err != nil {
		logger.Warn("dupreview: remove suggestion failed", "error", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Fatal(err, "dupreview: commit")
	}
	committed = true

	if s.cache != nil {
		_ = s.cache.InvalidateImage(ctx, action.ImageA)
		_ = s.cache.InvalidateImage(ctx, action.ImageB)
	}

	if s.calibrationLogging {
		manual := manualClassFor(action.Kind)
		s.logCalibration(calibrationRecord{
			BatchID:        batchID,
			SuggestedClass: action.Suggestion,
			ManualClass:    manual,
			Outcome:        outcomeFor(action.Suggestion, manual),
			Signal:         signal,
		})
	}

	return nil
}

func nonDuplicateRelation(a, b int64) core.ImageRelation {
	if a > b {
		a, b = b, a
	}
	return core.ImageRelation{
		ImageA:    a,
		ImageB:    b,
		Type:      core.RelationNonDuplicate,
		Source:    core.RelationSourceDuplicateReview,
		CreatedAt: time.Now().UTC(),
	}
}

func relatedRelation(action Action) (core.ImageRelation, error) {
	switch action.Detail {
	case "parent_child_ab":
		return core.ImageRelation{
			ImageA: action.ImageA, ImageB: action.ImageB,
			Type: core.RelationParentChild, Source: core.RelationSourceDuplicateReview,
			CreatedAt: time.Now().UTC(),
		}, nil
	case "parent_child_ba":
		return core.ImageRelation{
			ImageA: action.ImageB, ImageB: action.ImageA,
			Type: core.RelationParentChild, Source: core.RelationSourceDuplicateReview,
			CreatedAt: time.Now().UTC(),
		}, nil
	case "sibling", "":
		a, b := action.ImageA, action.ImageB
		if a > b {
			a, b = b, a
		}
		return core.ImageRelation{
			ImageA: a, ImageB: b,
			Type: core.RelationSibling, Source: core.RelationSourceDuplicateReview,
			CreatedAt: time.Now().UTC(),
		}, nil
	default:
		return core.ImageRelation{}, apperr.Input("dupreview: unknown relation detail %q", action.Detail)
	}
}

func (s *Service) deleteImage(ctx context.Context, tx persistence.Transaction, img *core.Image) error {
	if img == nil {
		return apperr.NotFound("dupreview: image already gone")
	}
	if err := tx.Images().Delete(ctx, img.ID); err != nil {
		return apperr.Fatal(err, "dupreview: delete image row %d", img.ID)
	}
	if err := os.Remove(img.Filepath); err != nil && !os.IsNotExist(err) {
		logger.Warn("dupreview: remove file failed", "path", img.Filepath, "error", err)
	}
	if thumb := s.thumbnailPath(img.MD5); thumb != "" {
		if err := os.Remove(thumb); err != nil && !os.IsNotExist(err) {
			logger.Warn("dupreview: remove thumbnail failed", "path", thumb, "error", err)
		}
	}
	return nil
}

func (s *Service) logCalibration(rec calibrationRecord) {
	if s.calibrationLogPath == "" {
		return
	}
	f, err := os.OpenFile(s.calibrationLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn("dupreview: open calibration log failed", "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		logger.Warn("dupreview: write calibration log failed", "error", err)
	}
}
