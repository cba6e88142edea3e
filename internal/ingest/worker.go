package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
	"boorukeep/internal/hashing"
	"boorukeep/internal/logger"
	"boorukeep/internal/tagrepo"
	"boorukeep/internal/tagsource"
)

// origin distinguishes a file discovered in the managed image directory
// from one staged in the ingest directory, which controls what happens to
// the source file on a duplicate hit.
type origin int

const (
	originInPlace origin = iota
	originStaged
)

// artifactResult is the outcome of processing one file, reported back to
// the pool for logging/metrics.
type artifactResult struct {
	Path      string
	ImageID   int64
	Duplicate bool
	Rejected  bool
	Err       error
}

// processArtifact implements the per-artifact worker contract: MD5, dedup check, TagSource fan-out with fallbacks, hash/embedding
// compute, and transactional commit.
func (s *Service) processArtifact(ctx context.Context, path string, o origin) artifactResult {
	result := artifactResult{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Err = fmt.Errorf("ingest: read %s: %w", path, err)
		return result
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.db.Images().GetByMD5(ctx, hash)
	if err != nil {
		result.Err = fmt.Errorf("ingest: dedup lookup %s: %w", path, err)
		return result
	}
	if existing != nil {
		result.Duplicate = true
		result.ImageID = existing.ID
		if o == originStaged {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn("ingest: failed to remove staged duplicate", "path", path, "error", err)
			}
		} else {
			logger.Info("ingest: duplicate left in place", "path", path, "existing_image_id", existing.ID)
		}
		return result
	}

	results := s.queryTagSources(ctx, hash, data, path, false)

	hashRes, hashErr := hashing.Compute(path, s.bitLen)
	if hashErr != nil {
		logger.Warn("ingest: hash compute failed", "path", path, "error", hashErr)
	}

	var embedding []float32
	if s.embedder != nil {
		embedding, err = s.embedder.EmbedFile(ctx, path)
		if err != nil {
			logger.Warn("ingest: embedding compute failed", "path", path, "error", err)
		}
	}

	imageID, err := s.commit(ctx, path, hash, results, hashRes, embedding)
	if err != nil {
		result.Err = err
		if rejectErr := s.reject(path, err); rejectErr != nil {
			logger.Error("ingest: reject move failed", rejectErr, "path", path)
		}
		result.Rejected = true
		return result
	}

	result.ImageID = imageID

	if thumbErr := s.writeThumbnail(path, hash); thumbErr != nil {
		logger.Warn("ingest: thumbnail generation failed", "path", path, "error", thumbErr)
	}
	if s.index != nil && len(embedding) > 0 {
		if err := s.index.Upsert(imageID, embedding); err != nil {
			logger.Warn("ingest: semantic index upsert failed", "image_id", imageID, "error", err)
		}
	}

	s.markActivity()
	return result
}

// queryTagSources runs the ordered fallback chain: parallel booru
// fan-out, then SauceNAO, then Pixiv
// filename lookup (merged with the local tagger), then the local tagger
// alone. skipLocal suppresses the final local-tagger fallback (the
// "online-only" retry mode); the Pixiv merge still runs since Pixiv has
// no structured tags of its own.
func (s *Service) queryTagSources(ctx context.Context, md5Hash string, data []byte, path string, skipLocal bool) map[string]*core.RawSourceResult {
	if results := s.sources.Manager.QueryAll(ctx, md5Hash); len(results) > 0 {
		return results
	}

	if s.sources.SauceNAO != nil {
		if results := s.resolveSauceNAO(ctx, md5Hash, data, filepath.Base(path)); results != nil {
			return results
		}
	}

	if s.sources.Pixiv != nil {
		if results := s.resolvePixiv(ctx, path); results != nil {
			return results
		}
	}

	if !s.cfg.OnlineOnly && !skipLocal && s.sources.Local != nil {
		res, err := s.sources.Local.FetchByPath(ctx, path)
		if err == nil && res != nil {
			return map[string]*core.RawSourceResult{"local_tagger": res}
		}
		if err != nil && err != tagsource.ErrNoMatch {
			logger.Warn("ingest: local tagger failed", "path", path, "error", err)
		}
	}

	return nil
}

func (s *Service) resolveSauceNAO(ctx context.Context, md5Hash string, data []byte, filename string) map[string]*core.RawSourceResult {
	res, err := s.sources.SauceNAO.FetchByImage(ctx, data, filename)
	if err != nil {
		if err != tagsource.ErrNoMatch {
			logger.Warn("ingest: saucenao lookup failed", "md5", md5Hash, "error", err)
		}
		return nil
	}

	booru := strings.TrimPrefix(res.Source, "saucenao:")
	src, ok := s.sources.Manager.BySourceName(booru)
	if !ok {
		return nil
	}
	postFetcher, ok := src.(tagsource.PostIDFetcher)
	if !ok {
		return nil
	}
	resolved, err := postFetcher.FetchByPostID(ctx, res.PostID)
	if err != nil || resolved == nil {
		logger.Warn("ingest: saucenao post-id resolve failed", "source", booru, "post_id", res.PostID, "error", err)
		return nil
	}
	return map[string]*core.RawSourceResult{booru: resolved}
}

func (s *Service) resolvePixiv(ctx context.Context, path string) map[string]*core.RawSourceResult {
	illustID, ok := s.sources.Pixiv.IllustIDFromFilename(filepath.Base(path))
	if !ok {
		return nil
	}
	res, err := s.sources.Pixiv.FetchByPostID(ctx, illustID)
	if err != nil || res == nil {
		if err != nil && err != tagsource.ErrNoMatch {
			logger.Warn("ingest: pixiv lookup failed", "path", path, "error", err)
		}
		return nil
	}

	if s.sources.Local != nil {
		localRes, lerr := s.sources.Local.FetchByPath(ctx, path)
		if lerr == nil && localRes != nil {
			res.Tags = mergeCategorizedTagSets(res.Tags, localRes.Tags)
			if res.Rating == core.RatingUnknown {
				res.Rating = localRes.Rating
			}
		}
	}
	return map[string]*core.RawSourceResult{"pixiv": res}
}

// mergeCategorizedTagSets unions two categorized tag sets, used when the
// local AI tagger supplements Pixiv's untagged metadata.
func mergeCategorizedTagSets(a, b core.CategorizedTags) core.CategorizedTags {
	var out core.CategorizedTags
	for _, cat := range core.BaseCategories {
		seen := make(map[string]bool)
		var merged []string
		for _, name := range a.ForCategory(cat) {
			if !seen[name] {
				seen[name] = true
				merged = append(merged, name)
			}
		}
		for _, name := range b.ForCategory(cat) {
			if !seen[name] {
				seen[name] = true
				merged = append(merged, name)
			}
		}
		out.SetCategory(cat, merged)
	}
	return out
}

// commit performs the single transactional commit: image row, source
// links, raw metadata,
// normalized + denormalized tags, rating tag with trust-level origin,
// hashes, and embedding.
func (s *Service) commit(ctx context.Context, path, md5Hash string, results map[string]*core.RawSourceResult, hashRes hashing.Result, embedding []float32) (int64, error) {
	activeSource, tags, rating, postID, parentID, hasChildren := tagrepo.SelectActiveSource(results, s.cfg.Priority, s.useMergedByDefault)

	info, err := os.Stat(path)
	if err != nil {
		return 0, apperr.Fatal(err, "ingest: stat %s", path)
	}

	relFilepath := s.relativeFilepath(path)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, apperr.Fatal(err, "ingest: begin commit transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	img := &core.Image{
		MD5:          md5Hash,
		Filepath:     relFilepath,
		FileSize:     info.Size(),
		IngestedAt:   time.Now().UTC(),
		ActiveSource: activeSource,
		Tags:         tags,
		PostID:       postID,
		ParentID:     parentID,
		HasChildren:  hasChildren,
		PHash:        hashRes.PHash,
		ColorHash:    hashRes.ColorHash,
		Rating:       rating,
		Score:        tagrepo.ActiveScore(results, s.cfg.Priority),
		Embedding:    embedding,
	}
	if w, h, ok := decodeDimensions(path); ok {
		img.Width, img.Height = w, h
	}

	imageID, err := tx.Images().Create(ctx, img)
	if err != nil {
		return 0, apperr.Integrity(err, "ingest: create image row for %s", relFilepath)
	}

	for name, raw := range results {
		if err := tx.ImageSources().LinkSource(ctx, imageID, name); err != nil {
			return 0, apperr.Fatal(err, "ingest: link source %s", name)
		}
		if err := tx.RawMetadata().Put(ctx, imageID, name, raw.RawJSON); err != nil {
			return 0, apperr.Fatal(err, "ingest: store raw metadata for %s", name)
		}
	}

	relation := make([]core.ImageTag, 0)
	for _, catName := range core.BaseCategories {
		for _, name := range tags.ForCategory(catName) {
			tag, err := tx.Tags().GetOrCreate(ctx, name, catName)
			if err != nil {
				return 0, apperr.Fatal(err, "ingest: get or create tag %s", name)
			}
			relation = append(relation, core.ImageTag{ImageID: imageID, TagID: tag.ID, Origin: core.OriginOriginal})
		}
	}
	if err := tx.Tags().ReplaceImageTags(ctx, imageID, relation); err != nil {
		return 0, apperr.Fatal(err, "ingest: write image tags for %d", imageID)
	}
	if err := tx.Images().UpdateDenormalizedTags(ctx, imageID, tags); err != nil {
		return 0, apperr.Fatal(err, "ingest: write denormalized tags for %d", imageID)
	}

	if rating != core.RatingUnknown {
		ratingOrigin, ok := core.SourceTrust[activeSource]
		if !ok {
			ratingOrigin = core.OriginOriginal
		}
		ratingTag, err := tx.Tags().GetOrCreate(ctx, "rating:"+string(rating), core.CategoryRating)
		if err != nil {
			return 0, apperr.Fatal(err, "ingest: get or create rating tag")
		}
		if err := tx.Tags().SetImageTag(ctx, imageID, ratingTag.ID, ratingOrigin); err != nil {
			return 0, apperr.Fatal(err, "ingest: set rating tag")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Fatal(err, "ingest: commit image %s", relFilepath)
	}
	committed = true
	return imageID, nil
}

func (s *Service) relativeFilepath(path string) string {
	if rel, err := filepath.Rel(s.cfg.ImageDirectory, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return filepath.Base(path)
}

// reject moves a file that failed transactional commit into the reject
// subdirectory.
func (s *Service) reject(path string, cause error) error {
	if s.cfg.RejectDirectory == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.RejectDirectory, 0755); err != nil {
		return err
	}
	dest := filepath.Join(s.cfg.RejectDirectory, filepath.Base(path))
	logger.Warn("ingest: rejecting artifact", "path", path, "reason", cause)
	return os.Rename(path, dest)
}

func decodeDimensions(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// writeThumbnail decodes a representative frame the same way the hash
// engine does (still/video-middle-frame/zip-first-frame) and writes a
// fixed-max-dimension WebP thumbnail, keyed by MD5. x/image/webp only
// decodes, so encoding goes through chai2010/webp's cgo libwebp binding.
func (s *Service) writeThumbnail(path, md5Hash string) error {
	if s.cfg.ThumbDirectory == "" {
		return nil
	}
	img, err := decodeRepresentativeFrame(path)
	if err != nil {
		return err
	}

	maxDim := s.cfg.ThumbMaxDimension
	if maxDim <= 0 {
		maxDim = 512
	}
	thumb := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	if err := os.MkdirAll(s.cfg.ThumbDirectory, 0755); err != nil {
		return err
	}
	dest := filepath.Join(s.cfg.ThumbDirectory, md5Hash+".webp")
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	return webp.Encode(f, thumb, &webp.Options{Quality: 85})
}

func decodeRepresentativeFrame(path string) (image.Image, error) {
	switch hashing.ClassifyByExtension(path) {
	case hashing.KindVideo:
		return hashing.MiddleFrame(path, 0)
	case hashing.KindZipAnimation:
		return hashing.FirstZipFrame(path)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		return img, err
	}
}
