// Package rebuild implements the full rebuild engine: it
// clears the normalized tag relation, the source set, and the tags table,
// then re-derives everything from each image's retained raw metadata,
// honoring the current source priority and merge setting, and finally
// replays recategorization, denormalized-column regeneration, and the
// delta journal.
package rebuild

import (
	"context"
	"fmt"
	"time"

	"boorukeep/internal/apperr"
	"boorukeep/internal/cache"
	"boorukeep/internal/core"
	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
	"boorukeep/internal/tagrepo"
	"boorukeep/internal/tagsource"
)

// Monitor is the subset of the ingest service's lifecycle the rebuild
// engine needs: "Stops the monitor" before mutating the
// catalog out from under its worker pool.
type Monitor interface {
	Stop(timeout time.Duration) error
}

// Stats summarizes one rebuild run, returned for logging/the admin UI.
type Stats struct {
	ImagesReinserted int
	ImagesSkipped    int
	TagsRecategorized int
	DeltasReplayed   int
}

// Service is the rebuild engine.
type Service struct {
	db       persistence.Database
	tags     *tagrepo.Service
	cacheMgr *cache.Manager

	priority           []string
	useMergedByDefault bool
}

// NewService constructs the rebuild engine over the catalog store, the tag
// repository (for recategorization and denormalized regen), and the cache
// manager (for the post-rebuild bulk reload).
func NewService(db persistence.Database, tags *tagrepo.Service, cacheMgr *cache.Manager, priority []string, useMergedByDefault bool) *Service {
	return &Service{db: db, tags: tags, cacheMgr: cacheMgr, priority: priority, useMergedByDefault: useMergedByDefault}
}

// Run performs the full catalog rebuild. If monitor is
// non-nil it is stopped before the catalog is mutated; restarting it
// afterward is the caller's responsibility (e.g. the serve command
// restarts the ingest service once Run returns).
func (s *Service) Run(ctx context.Context, monitor Monitor) (Stats, error) {
	var stats Stats

	if monitor != nil {
		if err := monitor.Stop(30 * time.Second); err != nil {
			logger.Warn("rebuild: ingest monitor stop did not complete cleanly", "error", err)
		}
	}

	logger.Info("rebuild: starting full rebuild")

	if err := s.db.Tags().DeleteAll(ctx); err != nil {
		return stats, fmt.Errorf("rebuild: clear tags: %w", err)
	}
	if err := s.db.ImageSources().ClearAll(ctx); err != nil {
		return stats, fmt.Errorf("rebuild: clear image sources: %w", err)
	}

	imageIDs, err := s.db.RawMetadata().AllImages(ctx)
	if err != nil {
		return stats, fmt.Errorf("rebuild: list images with raw metadata: %w", err)
	}

	for _, imageID := range imageIDs {
		reinserted, err := s.reinsertImage(ctx, imageID)
		if err != nil {
			logger.Warn("rebuild: reinsert failed", "image_id", imageID, "error", err)
			stats.ImagesSkipped++
			continue
		}
		if reinserted {
			stats.ImagesReinserted++
		} else {
			stats.ImagesSkipped++
		}
	}

	moved, err := s.tags.Recategorize(ctx)
	if err != nil {
		return stats, fmt.Errorf("rebuild: recategorize: %w", err)
	}
	stats.TagsRecategorized = moved

	for _, imageID := range imageIDs {
		if err := s.regenerateDenormalized(ctx, imageID); err != nil {
			logger.Warn("rebuild: denormalized regen failed", "image_id", imageID, "error", err)
		}
	}

	replayed, err := s.replayDeltas(ctx, imageIDs)
	if err != nil {
		return stats, fmt.Errorf("rebuild: delta journal replay: %w", err)
	}
	stats.DeltasReplayed = replayed

	if s.cacheMgr != nil {
		if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
			logger.Warn("rebuild: bulk cache reload failed", "error", err)
		}
	}

	logger.Info("rebuild: finished", "reinserted", stats.ImagesReinserted, "skipped", stats.ImagesSkipped,
		"recategorized", stats.TagsRecategorized, "deltas_replayed", stats.DeltasReplayed)
	return stats, nil
}

// reinsertImage re-derives one image's active source, tags, and rating
// from its retained per-source raw metadata blobs.
func (s *Service) reinsertImage(ctx context.Context, imageID int64) (bool, error) {
	rawBySource, err := s.db.RawMetadata().AllForImage(ctx, imageID)
	if err != nil {
		return false, fmt.Errorf("load raw metadata for image %d: %w", imageID, err)
	}
	if len(rawBySource) == 0 {
		return false, nil
	}

	results := make(map[string]*core.RawSourceResult)
	for name, raw := range rawBySource {
		parsed, err := tagsource.ParseRaw(name, raw)
		if err != nil {
			if err != tagsource.ErrNoMatch {
				logger.Warn("rebuild: could not reparse raw metadata", "image_id", imageID, "source", name, "error", err)
			}
			continue
		}
		results[name] = parsed
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("begin reinsert transaction for image %d: %w", imageID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for name := range rawBySource {
		if err := tx.ImageSources().LinkSource(ctx, imageID, name); err != nil {
			return false, fmt.Errorf("relink source %s for image %d: %w", name, imageID, err)
		}
	}

	var activeSource string
	var tags core.CategorizedTags
	var rating core.Rating
	if len(results) > 0 {
		activeSource, tags, rating, _, _, _ = tagrepo.SelectActiveSource(results, s.priority, s.useMergedByDefault)
	}

	relation := make([]core.ImageTag, 0)
	for _, cat := range core.BaseCategories {
		for _, name := range tags.ForCategory(cat) {
			tag, err := tx.Tags().GetOrCreate(ctx, name, cat)
			if err != nil {
				return false, fmt.Errorf("get or create tag %s: %w", name, err)
			}
			relation = append(relation, core.ImageTag{ImageID: imageID, TagID: tag.ID, Origin: core.OriginOriginal})
		}
	}

	if activeSource != "" {
		if rating != core.RatingUnknown {
			ratingOrigin, ok := core.SourceTrust[activeSource]
			if !ok {
				ratingOrigin = core.OriginOriginal
			}
			ratingTag, err := tx.Tags().GetOrCreate(ctx, "rating:"+string(rating), core.CategoryRating)
			if err != nil {
				return false, fmt.Errorf("get or create rating tag: %w", err)
			}
			relation = append(relation, core.ImageTag{ImageID: imageID, TagID: ratingTag.ID, Origin: ratingOrigin})
		}
		if err := tx.Images().UpdateActiveSource(ctx, imageID, activeSource); err != nil {
			return false, fmt.Errorf("update active source for image %d: %w", imageID, err)
		}
	}

	if err := tx.Tags().ReplaceImageTags(ctx, imageID, relation); err != nil {
		return false, fmt.Errorf("replace image tags for %d: %w", imageID, err)
	}
	if err := tx.Images().UpdateDenormalizedTags(ctx, imageID, tags); err != nil {
		return false, fmt.Errorf("write denormalized tags for %d: %w", imageID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reinsert for image %d: %w", imageID, err)
	}
	committed = true
	return true, nil
}

// regenerateDenormalized refreshes one image's denormalized category
// columns after recategorization may have moved tags between categories.
func (s *Service) regenerateDenormalized(ctx context.Context, imageID int64) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return apperr.Fatal(err, "begin denorm regen transaction for image %d", imageID)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := tagrepo.RebuildDenormalized(ctx, tx, imageID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Fatal(err, "commit denorm regen for image %d", imageID)
	}
	committed = true
	return nil
}

// replayDeltas reapplies every image's tag delta journal on top of the
// freshly reinserted relation, so
// manual edits made since the last ingest survive a rebuild.
func (s *Service) replayDeltas(ctx context.Context, imageIDs []int64) (int, error) {
	replayed := 0
	for _, imageID := range imageIDs {
		img, err := s.db.Images().Get(ctx, imageID)
		if err != nil || img == nil {
			continue
		}
		deltas, err := s.db.DeltaJournal().ForImage(ctx, img.MD5)
		if err != nil {
			return replayed, fmt.Errorf("load deltas for image %d: %w", imageID, err)
		}
		if len(deltas) == 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return replayed, fmt.Errorf("begin delta replay transaction for image %d: %w", imageID, err)
		}
		committed := false
		func() {
			defer func() {
				if !committed {
					_ = tx.Rollback()
				}
			}()
			for _, d := range deltas {
				switch d.Operation {
				case core.DeltaAdd:
					tag, terr := tx.Tags().GetOrCreate(ctx, d.TagName, d.TagCategory)
					if terr != nil {
						err = terr
						return
					}
					if terr := tx.Tags().SetImageTag(ctx, imageID, tag.ID, core.OriginOriginal); terr != nil {
						err = terr
						return
					}
				case core.DeltaRemove:
					tag, terr := tx.Tags().GetByName(ctx, d.TagName)
					if terr != nil {
						err = terr
						return
					}
					if tag == nil {
						continue
					}
					if terr := tx.Tags().RemoveImageTag(ctx, imageID, tag.ID); terr != nil {
						err = terr
						return
					}
				}
			}
			if err != nil {
				return
			}
			if terr := tagrepo.RebuildDenormalized(ctx, tx, imageID); terr != nil {
				err = terr
				return
			}
			if terr := tx.Commit(); terr != nil {
				err = terr
				return
			}
			committed = true
		}()
		if err != nil {
			return replayed, fmt.Errorf("replay deltas for image %d: %w", imageID, err)
		}
		replayed += len(deltas)
	}
	return replayed, nil
}
