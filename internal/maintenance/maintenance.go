// Package maintenance bundles the catalog's administrative repair passes:
// the broken-images report with its retry and permanent-delete actions,
// orphan pruning, on-disk duplicate cleanup,
// bulk merged-source application, hash backfill, and semantic reindexing.
// Each pass is a single method so the HTTP layer and CLI can run it under
// the background task manager.
package maintenance

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"

	"boorukeep/internal/apperr"
	"boorukeep/internal/cache"
	"boorukeep/internal/config"
	"boorukeep/internal/core"
	"boorukeep/internal/hashing"
	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
	"boorukeep/internal/semantic"
	"boorukeep/internal/tagrepo"
)

// Issue classifies why an image appears in the broken-images report.
type Issue string

const (
	IssueMissingFile         Issue = "missing_file"
	IssueMissingPHash        Issue = "missing_phash"
	IssueInvalidEmbeddingDim Issue = "invalid_embedding_dim"
)

// BrokenImage is one row of the broken-images report.
type BrokenImage struct {
	ImageID  int64  `json:"image_id"`
	Filepath string `json:"filepath"`
	MD5      string `json:"md5"`
	Issue    Issue  `json:"issue"`
}

// ParseFunc decodes a retained raw-source payload; satisfied by
// tagsource.ParseRaw.
type ParseFunc func(sourceName string, raw []byte) (*core.RawSourceResult, error)

// Service runs the maintenance passes against the catalog store.
type Service struct {
	db       persistence.Database
	tags     *tagrepo.Service
	cacheMgr *cache.Manager
	embedder semantic.Embedder
	index    *semantic.Index

	bitLen       hashing.BitLength
	embeddingDim int
	ingestCfg    config.Ingest
	priority     []string
	parse        ParseFunc
}

// NewService constructs the maintenance service.
func NewService(db persistence.Database, tags *tagrepo.Service, cacheMgr *cache.Manager, embedder semantic.Embedder, index *semantic.Index, bitLen hashing.BitLength, embeddingDim int, ingestCfg config.Ingest, priority []string, parse ParseFunc) *Service {
	return &Service{
		db:           db,
		tags:         tags,
		cacheMgr:     cacheMgr,
		embedder:     embedder,
		index:        index,
		bitLen:       bitLen,
		embeddingDim: embeddingDim,
		ingestCfg:    ingestCfg,
		priority:     priority,
		parse:        parse,
	}
}

func (s *Service) absolutePath(rel string) string {
	return filepath.Join(s.ingestCfg.ImageDirectory, rel)
}

func (s *Service) thumbnailPath(md5Hash string) string {
	if s.ingestCfg.ThumbDirectory == "" {
		return ""
	}
	return filepath.Join(s.ingestCfg.ThumbDirectory, md5Hash+".webp")
}

// FindBroken walks the catalog and reports every image whose file is gone,
// whose pHash is missing, or whose stored embedding has the wrong
// dimension.
func (s *Service) FindBroken(ctx context.Context) ([]BrokenImage, error) {
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return nil, apperr.Fatal(err, "maintenance: list image ids")
	}

	var out []BrokenImage
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		img, err := s.db.Images().Get(ctx, id)
		if err != nil || img == nil {
			continue
		}
		if _, statErr := os.Stat(s.absolutePath(img.Filepath)); statErr != nil {
			out = append(out, BrokenImage{ImageID: id, Filepath: img.Filepath, MD5: img.MD5, Issue: IssueMissingFile})
			continue
		}
		if img.PHash == "" {
			out = append(out, BrokenImage{ImageID: id, Filepath: img.Filepath, MD5: img.MD5, Issue: IssueMissingPHash})
		}
		if len(img.Embedding) > 0 && len(img.Embedding) != s.embeddingDim {
			out = append(out, BrokenImage{ImageID: id, Filepath: img.Filepath, MD5: img.MD5, Issue: IssueInvalidEmbeddingDim})
		}
	}
	return out, nil
}

// Retry recomputes an image's hashes and embedding from its file,
// replacing whatever broken values the report flagged.
func (s *Service) Retry(ctx context.Context, relFilepath string) error {
	img, err := s.db.Images().GetByFilepath(ctx, relFilepath)
	if err != nil {
		return apperr.Fatal(err, "maintenance: load image %s", relFilepath)
	}
	if img == nil {
		return apperr.NotFound("image not found: %s", relFilepath)
	}

	abs := s.absolutePath(relFilepath)
	hashRes, err := hashing.Compute(abs, s.bitLen)
	if err != nil {
		return apperr.DataShape("maintenance: recompute hashes for %s: %v", relFilepath, err)
	}
	if err := s.db.Images().UpdateHashes(ctx, img.ID, hashRes.PHash, hashRes.ColorHash); err != nil {
		return apperr.Fatal(err, "maintenance: store hashes for %d", img.ID)
	}

	if s.embedder != nil {
		embedding, err := s.embedder.EmbedFile(ctx, abs)
		if err != nil {
			return apperr.DataShape("maintenance: recompute embedding for %s: %v", relFilepath, err)
		}
		if err := s.db.Images().UpdateEmbedding(ctx, img.ID, embedding); err != nil {
			return apperr.Fatal(err, "maintenance: store embedding for %d", img.ID)
		}
		if s.index != nil {
			if err := s.index.Upsert(img.ID, embedding); err != nil {
				logger.Warn("maintenance: index upsert failed", "image_id", img.ID, "error", err)
			}
		}
	}
	return nil
}

// DeletePermanent removes an image entirely: file, thumbnail, catalog
// rows (cascading to tags, sources, relations, caches), and the semantic
// index entry.
func (s *Service) DeletePermanent(ctx context.Context, relFilepath string) error {
	img, err := s.db.Images().GetByFilepath(ctx, relFilepath)
	if err != nil {
		return apperr.Fatal(err, "maintenance: load image %s", relFilepath)
	}
	if img == nil {
		return apperr.NotFound("image not found: %s", relFilepath)
	}

	if err := os.Remove(s.absolutePath(relFilepath)); err != nil && !os.IsNotExist(err) {
		logger.Warn("maintenance: file removal failed", "filepath", relFilepath, "error", err)
	}
	if thumb := s.thumbnailPath(img.MD5); thumb != "" {
		if err := os.Remove(thumb); err != nil && !os.IsNotExist(err) {
			logger.Warn("maintenance: thumbnail removal failed", "filepath", thumb, "error", err)
		}
	}
	if err := s.db.SimilarCache().InvalidateImage(ctx, img.ID); err != nil {
		logger.Warn("maintenance: similar-cache invalidation failed", "image_id", img.ID, "error", err)
	}
	if err := s.db.Images().Delete(ctx, img.ID); err != nil {
		return apperr.Fatal(err, "maintenance: delete image row %d", img.ID)
	}
	if s.index != nil {
		s.index.Remove(img.ID)
	}
	return s.cacheMgr.InvalidateAll(ctx)
}

// GenerateHashes backfills pHash and color hash for every image missing
// one (the `/api/similarity/generate-hashes` pass). Returns how many
// images were hashed.
func (s *Service) GenerateHashes(ctx context.Context, progress func(done, total int)) (int, error) {
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "maintenance: list image ids")
	}

	hashed := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			return hashed, ctx.Err()
		}
		img, err := s.db.Images().Get(ctx, id)
		if err != nil || img == nil || img.PHash != "" {
			continue
		}
		hashRes, err := hashing.Compute(s.absolutePath(img.Filepath), s.bitLen)
		if err != nil {
			logger.Warn("maintenance: hash backfill failed", "filepath", img.Filepath, "error", err)
			continue
		}
		if err := s.db.Images().UpdateHashes(ctx, id, hashRes.PHash, hashRes.ColorHash); err != nil {
			return hashed, apperr.Fatal(err, "maintenance: store hashes for %d", id)
		}
		hashed++
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	return hashed, nil
}

// CleanOrphans deletes tags with no remaining image association. Returns
// how many tags were pruned.
func (s *Service) CleanOrphans(ctx context.Context) (int, error) {
	tags, err := s.db.Tags().ListAll(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "maintenance: list tags")
	}

	pruned := 0
	for _, t := range tags {
		if ctx.Err() != nil {
			return pruned, ctx.Err()
		}
		count, err := s.db.Tags().UsageCount(ctx, t.ID)
		if err != nil {
			return pruned, apperr.Fatal(err, "maintenance: count usage for tag %d", t.ID)
		}
		if count > 0 {
			continue
		}
		if err := s.db.Tags().Delete(ctx, t.ID); err != nil {
			return pruned, apperr.Fatal(err, "maintenance: delete orphan tag %d", t.ID)
		}
		pruned++
	}
	if pruned > 0 {
		if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
			logger.Warn("maintenance: cache reload after orphan prune failed", "error", err)
		}
	}
	return pruned, nil
}

// DeduplicateFiles walks the managed image directory and removes any file
// whose MD5 belongs to a catalog row stored under a different path — the
// on-disk leftovers of interrupted ingests. Catalog rows are never
// touched. Returns how many files were removed.
func (s *Service) DeduplicateFiles(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.ingestCfg.ImageDirectory, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		sum := md5.Sum(data)
		hash := hex.EncodeToString(sum[:])
		img, err := s.db.Images().GetByMD5(ctx, hash)
		if err != nil || img == nil {
			return nil
		}
		rel, err := filepath.Rel(s.ingestCfg.ImageDirectory, path)
		if err != nil || rel == img.Filepath {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("maintenance: duplicate file removal failed", "path", path, "error", err)
			return nil
		}
		logger.Info("maintenance: removed duplicate file", "path", path, "canonical", img.Filepath)
		removed++
		return nil
	})
	return removed, err
}

// ApplyMergedSources switches every image with more than one contributing
// source onto the synthetic "merged" active source (the bulk form of
// `/api/switch_source` to merged). Returns how many images were switched.
func (s *Service) ApplyMergedSources(ctx context.Context, progress func(done, total int)) (int, error) {
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "maintenance: list image ids")
	}

	switched := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			return switched, ctx.Err()
		}
		img, err := s.db.Images().Get(ctx, id)
		if err != nil || img == nil || img.ActiveSource == core.MergedSourceName {
			continue
		}
		sources, err := s.db.ImageSources().SourcesFor(ctx, id)
		if err != nil || len(sources) < 2 {
			continue
		}
		if err := s.tags.SwitchSource(ctx, img.Filepath, core.MergedSourceName, s.priority, s.parse); err != nil {
			logger.Warn("maintenance: merged-source switch failed", "filepath", img.Filepath, "error", err)
			continue
		}
		switched++
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	if switched > 0 {
		if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
			logger.Warn("maintenance: cache reload after merged-source pass failed", "error", err)
		}
	}
	return switched, nil
}

// Reindex rebuilds the semantic ANN index from every embedding persisted
// in the catalog (the `/api/system/reindex` pass).
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, apperr.Input("no semantic index configured")
	}
	embeddings, err := s.db.Images().AllEmbeddings(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "maintenance: load embeddings")
	}
	if err := s.index.Build(embeddings); err != nil {
		return 0, apperr.DataShape("maintenance: rebuild semantic index: %v", err)
	}
	return len(embeddings), nil
}

// RecountTags reloads the derived tag-count indices from the normalized
// relation; usage counts are derivable, never authoritative. Returns the
// number of distinct tags counted.
func (s *Service) RecountTags(ctx context.Context) (int, error) {
	tags, err := s.db.Tags().ListAll(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "maintenance: list tags")
	}
	if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
		return 0, apperr.Fatal(err, "maintenance: reload derived indices")
	}
	return len(tags), nil
}
