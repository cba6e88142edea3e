package ingest

import (
	"context"
	"os"
	"path/filepath"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
	"boorukeep/internal/logger"
	"boorukeep/internal/tagrepo"
)

// RetryTagging re-runs the source fallback chain
// against an image already in the catalog and rewrites its tags, sources,
// and raw metadata from whatever the sources return now. Existing source
// links and raw metadata for sources that no longer match are left in place;
// the active source, tags, and rating are selected from the fresh results only.
func (s *Service) RetryTagging(ctx context.Context, relFilepath string, skipLocalFallback bool) error {
	img, err := s.db.Images().GetByFilepath(ctx, relFilepath)
	if err != nil {
		return apperr.Fatal(err, "ingest: load image %s", relFilepath)
	}
	if img == nil {
		return apperr.NotFound("image not found: %s", relFilepath)
	}

	abs := s.absolutePath(relFilepath)
	data, err := os.ReadFile(abs)
	if err != nil {
		return apperr.Fatal(err, "ingest: read %s for retry", abs)
	}

	results := s.queryTagSources(ctx, img.MD5, data, abs, skipLocalFallback)
	if len(results) == 0 {
		return apperr.NotFound("no source returned data for %s", relFilepath)
	}
	return s.retag(ctx, img, results)
}

// BulkRetry runs RetryTagging over every image in the catalog. Per-image
// failures are logged and skipped so one dead upstream does not abort the
// whole pass. Returns how many images were successfully retagged.
func (s *Service) BulkRetry(ctx context.Context, skipLocalFallback bool, progress func(done, total int)) (int, error) {
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "ingest: list image ids for bulk retry")
	}

	retagged := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			return retagged, ctx.Err()
		}
		img, err := s.db.Images().Get(ctx, id)
		if err != nil || img == nil {
			continue
		}
		if err := s.RetryTagging(ctx, img.Filepath, skipLocalFallback); err != nil {
			logger.Warn("ingest: bulk retry failed for image", "filepath", img.Filepath, "error", err)
		} else {
			retagged++
		}
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
		logger.Warn("ingest: cache reload after bulk retry failed", "error", err)
	}
	return retagged, nil
}

// retag rewrites an existing image's source links, raw metadata, tag
// relation, denormalized columns, rating, and active source from a fresh
// set of source results, in one transaction. The delta journal is not
// touched: a retry re-derives machine state, and any manual edits are
// re-imposed by the next rebuild's replay.
func (s *Service) retag(ctx context.Context, img *core.Image, results map[string]*core.RawSourceResult) error {
	activeSource, tags, rating, postID, parentID, hasChildren := tagrepo.SelectActiveSource(results, s.cfg.Priority, s.useMergedByDefault)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return apperr.Fatal(err, "ingest: begin retag transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for name, raw := range results {
		if err := tx.ImageSources().LinkSource(ctx, img.ID, name); err != nil {
			return apperr.Fatal(err, "ingest: relink source %s", name)
		}
		if err := tx.RawMetadata().Put(ctx, img.ID, name, raw.RawJSON); err != nil {
			return apperr.Fatal(err, "ingest: refresh raw metadata for %s", name)
		}
	}

	relation := make([]core.ImageTag, 0)
	for _, catName := range core.BaseCategories {
		for _, name := range tags.ForCategory(catName) {
			tag, err := tx.Tags().GetOrCreate(ctx, name, catName)
			if err != nil {
				return apperr.Fatal(err, "ingest: get or create tag %s", name)
			}
			relation = append(relation, core.ImageTag{ImageID: img.ID, TagID: tag.ID, Origin: core.OriginOriginal})
		}
	}
	if rating != core.RatingUnknown {
		ratingOrigin := core.OriginOriginal
		if o, ok := core.SourceTrust[activeSource]; ok {
			ratingOrigin = o
		}
		ratingTag, err := tx.Tags().GetOrCreate(ctx, "rating:"+string(rating), core.CategoryRating)
		if err != nil {
			return apperr.Fatal(err, "ingest: get or create rating tag")
		}
		relation = append(relation, core.ImageTag{ImageID: img.ID, TagID: ratingTag.ID, Origin: ratingOrigin})
	}
	if err := tx.Tags().ReplaceImageTags(ctx, img.ID, relation); err != nil {
		return apperr.Fatal(err, "ingest: replace tags on retry for %d", img.ID)
	}
	if err := tx.Images().UpdateDenormalizedTags(ctx, img.ID, tags); err != nil {
		return apperr.Fatal(err, "ingest: rewrite denormalized tags for %d", img.ID)
	}

	img.ActiveSource = activeSource
	img.Rating = rating
	img.Score = tagrepo.ActiveScore(results, s.cfg.Priority)
	img.PostID = postID
	img.ParentID = parentID
	img.HasChildren = hasChildren
	if err := tx.Images().Update(ctx, img); err != nil {
		return apperr.Fatal(err, "ingest: update image after retry")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Fatal(err, "ingest: commit retry for %s", img.Filepath)
	}
	committed = true
	return nil
}

// RegenerateThumbnails writes a thumbnail for every catalog image that is
// missing one (the `/api/system/thumbnails` maintenance pass). Returns how
// many thumbnails were written.
func (s *Service) RegenerateThumbnails(ctx context.Context, progress func(done, total int)) (int, error) {
	if s.cfg.ThumbDirectory == "" {
		return 0, apperr.Input("no thumbnail directory configured")
	}
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "ingest: list image ids for thumbnail pass")
	}

	written := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		img, err := s.db.Images().Get(ctx, id)
		if err != nil || img == nil {
			continue
		}
		dest := filepath.Join(s.cfg.ThumbDirectory, img.MD5+".webp")
		if _, statErr := os.Stat(dest); statErr == nil {
			continue
		}
		if err := s.writeThumbnail(s.absolutePath(img.Filepath), img.MD5); err != nil {
			logger.Warn("ingest: thumbnail regeneration failed", "filepath", img.Filepath, "error", err)
			continue
		}
		written++
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	return written, nil
}

// absolutePath resolves a catalog-relative filepath against the managed
// image directory.
func (s *Service) absolutePath(rel string) string {
	return filepath.Join(s.cfg.ImageDirectory, rel)
}
