// Package tagrepo implements the tag model and mutation engine: categorized tag edits with delta-journal
// recording, source-priority merging for ingest/rebuild/switch-source, and
// recategorization. The implication graph lives in implication.go of this
// same package.
package tagrepo

import (
	"context"
	"fmt"
	"time"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
)

// booruQualitySources are sources whose tags are considered for the
// "merged" synthetic active source. Pixiv (filename lookup, no structured tags) and
// local_tagger (AI fallback) never count toward the "more than one
// booru-quality source matched" condition.
var booruQualitySources = map[string]bool{
	"danbooru": true, "e621": true, "gelbooru": true, "yandere": true,
}

// categoryPriority ranks base categories for merge reconciliation.
var categoryPriority = map[core.TagCategory]int{
	core.CategoryCharacter: 6,
	core.CategorySpecies:   5,
	core.CategoryCopyright: 4,
	core.CategoryArtist:    3,
	core.CategoryMeta:      2,
	core.CategoryGeneral:   1,
}

// Service is the tag repository's mutation engine, operating against the
// catalog store's repositories.
type Service struct {
	db persistence.Database
}

// NewService constructs a tag repository service over the catalog store.
func NewService(db persistence.Database) *Service {
	return &Service{db: db}
}

// EditTags implements the tag edit contract: it computes the
// delta against the image's current tags, replaces the image↔tag relation,
// rewrites the denormalized columns, creates/updates each tag's category,
// and appends journal deltas, all in one transaction.
func (s *Service) EditTags(ctx context.Context, filepath string, newTags core.CategorizedTags) error {
	newTags = normalizeCategorizedInput(newTags)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return apperr.Fatal(err, "begin edit transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	img, err := tx.Images().GetByFilepath(ctx, filepath)
	if err != nil {
		return apperr.Fatal(err, "load image %s", filepath)
	}
	if img == nil {
		return apperr.NotFound("image not found: %s", filepath)
	}

	oldTags, err := tx.Tags().ImageTags(ctx, img.ID)
	if err != nil {
		return apperr.Fatal(err, "load current tags for image %d", img.ID)
	}
	oldByName := make(map[string]core.ImageTag, len(oldTags))
	oldNameCategory := make(map[string]core.TagCategory, len(oldTags))
	for _, it := range oldTags {
		tag, err := tx.Tags().GetByID(ctx, it.TagID)
		if err != nil || tag == nil {
			continue
		}
		oldByName[tag.Name] = it
		oldNameCategory[tag.Name] = tag.Category
	}

	newFlat := flatten(newTags)
	newNames := make(map[string]bool, len(newFlat))
	for _, nf := range newFlat {
		newNames[nf.name] = true
	}

	now := time.Now().UTC()
	for name := range newNames {
		if _, existed := oldByName[name]; !existed {
			cat := categoryOf(newFlat, name)
			if err := tx.DeltaJournal().Append(ctx, core.TagDelta{
				ImageMD5: img.MD5, TagName: name, TagCategory: cat,
				Operation: core.DeltaAdd, Timestamp: now,
			}); err != nil {
				return apperr.Fatal(err, "append add delta for %s", name)
			}
		}
	}
	for name, cat := range oldNameCategory {
		if !newNames[name] {
			if err := tx.DeltaJournal().Append(ctx, core.TagDelta{
				ImageMD5: img.MD5, TagName: name, TagCategory: cat,
				Operation: core.DeltaRemove, Timestamp: now,
			}); err != nil {
				return apperr.Fatal(err, "append remove delta for %s", name)
			}
		}
	}

	newRelation := make([]core.ImageTag, 0, len(newFlat))
	for _, nf := range newFlat {
		tag, err := tx.Tags().GetOrCreate(ctx, nf.name, nf.category)
		if err != nil {
			return apperr.Fatal(err, "get or create tag %s", nf.name)
		}
		if tag.Category != nf.category {
			if err := tx.Tags().UpdateCategory(ctx, tag.ID, nf.category, tag.ExtendedCategory); err != nil {
				return apperr.Fatal(err, "update category for tag %s", nf.name)
			}
		}
		origin := core.OriginOriginal
		if existing, ok := oldByName[nf.name]; ok {
			origin = existing.Origin
		}
		newRelation = append(newRelation, core.ImageTag{ImageID: img.ID, TagID: tag.ID, Origin: origin})
	}

	if err := tx.Tags().ReplaceImageTags(ctx, img.ID, newRelation); err != nil {
		return apperr.Fatal(err, "replace image tags for %d", img.ID)
	}
	if err := tx.Images().UpdateDenormalizedTags(ctx, img.ID, newTags); err != nil {
		return apperr.Fatal(err, "rewrite denormalized tags for %d", img.ID)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Fatal(err, "commit tag edit")
	}
	committed = true
	return nil
}

// ClearDeltas drops the journal section for one image (the
// `/api/clear_deltas` endpoint).
func (s *Service) ClearDeltas(ctx context.Context, filepath string) error {
	img, err := s.db.Images().GetByFilepath(ctx, filepath)
	if err != nil {
		return apperr.Fatal(err, "load image %s", filepath)
	}
	if img == nil {
		return apperr.NotFound("image not found: %s", filepath)
	}
	return s.db.DeltaJournal().Clear(ctx, img.MD5)
}

// RebuildDenormalized recomputes an image's denormalized category columns
// from its current normalized image↔tag relation. Exported for the
// implication engine and rebuild engine, which mutate the relation
// directly and then need the denormalized view refreshed.
func RebuildDenormalized(ctx context.Context, tx persistence.Transaction, imageID int64) error {
	relation, err := tx.Tags().ImageTags(ctx, imageID)
	if err != nil {
		return fmt.Errorf("tagrepo: load relation for image %d: %w", imageID, err)
	}
	var tags core.CategorizedTags
	for _, it := range relation {
		tag, err := tx.Tags().GetByID(ctx, it.TagID)
		if err != nil || tag == nil {
			continue
		}
		if tag.Category == core.CategoryRating {
			continue
		}
		tags.SetCategory(tag.Category, append(tags.ForCategory(tag.Category), tag.Name))
	}
	return tx.Images().UpdateDenormalizedTags(ctx, imageID, tags)
}

// Recategorize scans general tags whose name exists elsewhere in the
// catalog under a more specific category and moves them there. Returns the number of tags moved.
func (s *Service) Recategorize(ctx context.Context) (int, error) {
	general, err := s.db.Tags().ListByCategory(ctx, core.CategoryGeneral)
	if err != nil {
		return 0, apperr.Fatal(err, "list general tags")
	}

	moved := 0
	for _, cat := range []core.TagCategory{
		core.CategoryCharacter, core.CategoryCopyright, core.CategoryArtist, core.CategorySpecies, core.CategoryMeta,
	} {
		specific, err := s.db.Tags().ListByCategory(ctx, cat)
		if err != nil {
			return moved, apperr.Fatal(err, "list %s tags", cat)
		}
		specificNames := make(map[string]bool, len(specific))
		for _, t := range specific {
			specificNames[t.Name] = true
		}
		for _, g := range general {
			if specificNames[g.Name] {
				if err := s.db.Tags().UpdateCategory(ctx, g.ID, cat, ""); err != nil {
					return moved, apperr.Fatal(err, "recategorize tag %s to %s", g.Name, cat)
				}
				moved++
			}
		}
	}
	return moved, nil
}

// flatName pairs a normalized tag name with the base category it was
// supplied under.
type flatName struct {
	name     string
	category core.TagCategory
}

func flatten(tags core.CategorizedTags) []flatName {
	var out []flatName
	for _, cat := range core.BaseCategories {
		for _, name := range tags.ForCategory(cat) {
			out = append(out, flatName{name: name, category: cat})
		}
	}
	return out
}

func categoryOf(flat []flatName, name string) core.TagCategory {
	for _, f := range flat {
		if f.name == name {
			return f.category
		}
	}
	return core.CategoryGeneral
}

func normalizeCategorizedInput(tags core.CategorizedTags) core.CategorizedTags {
	var out core.CategorizedTags
	for _, cat := range core.BaseCategories {
		out.SetCategory(cat, normalizeNames(tags.ForCategory(cat)))
	}
	return out
}

// SelectActiveSource scans the source priority list left-to-right and
// takes the first present
// source, unless USE_MERGED_SOURCES_BY_DEFAULT is set and more than one
// booru-quality source matched, in which case the synthetic "merged"
// source is selected and categorized tags are unioned with per-category
// priority reconciliation.
func SelectActiveSource(results map[string]*core.RawSourceResult, priority []string, useMergedByDefault bool) (activeSource string, tags core.CategorizedTags, rating core.Rating, postID, parentID string, hasChildren bool) {
	if len(results) == 0 {
		return "", core.CategorizedTags{}, core.RatingUnknown, "", "", false
	}

	firstMatch := firstInPriority(results, priority)

	booruCount := 0
	for name := range results {
		if booruQualitySources[name] {
			booruCount++
		}
	}

	if useMergedByDefault && booruCount > 1 {
		merged := mergeCategorizedTags(results, priority)
		r := results[firstMatch]
		return core.MergedSourceName, merged, r.Rating, r.PostID, r.ParentID, r.HasChildren
	}

	r := results[firstMatch]
	return firstMatch, r.Tags, r.Rating, r.PostID, r.ParentID, r.HasChildren
}

// ActiveScore returns the source-provided score carried by the active
// selection: the first-in-priority matched source's score, which also
// represents a merged selection. Scores are passthrough only — nothing in
// the catalog ever recomputes them.
func ActiveScore(results map[string]*core.RawSourceResult, priority []string) float64 {
	if len(results) == 0 {
		return 0
	}
	return results[firstInPriority(results, priority)].Score
}

// firstInPriority returns the first source name in priority order present
// in results, falling back to the lexicographically first matched source
// name if none of the priority list matched (so the caller always has a
// deterministic pick even with unconfigured sources).
func firstInPriority(results map[string]*core.RawSourceResult, priority []string) string {
	for _, name := range priority {
		if _, ok := results[name]; ok {
			return name
		}
	}
	var fallback string
	for name := range results {
		if fallback == "" || name < fallback {
			fallback = name
		}
	}
	return fallback
}

// mergeCategorizedTags unions every matched source's categorized tags,
// reconciling each tag name's category by categoryPriority when the same
// name appears under different categories across sources.
func mergeCategorizedTags(results map[string]*core.RawSourceResult, priority []string) core.CategorizedTags {
	assigned := make(map[string]core.TagCategory)

	// Iterate sources in priority order (then any unlisted ones) so merge
	// output is deterministic across runs for the same input set.
	ordered := orderedSourceNames(results, priority)
	for _, name := range ordered {
		r := results[name]
		for _, cat := range core.BaseCategories {
			for _, tagName := range r.Tags.ForCategory(cat) {
				if existing, ok := assigned[tagName]; !ok || categoryPriority[cat] > categoryPriority[existing] {
					assigned[tagName] = cat
				}
			}
		}
	}

	var out core.CategorizedTags
	for name, cat := range assigned {
		out.SetCategory(cat, append(out.ForCategory(cat), name))
	}
	return out
}

func orderedSourceNames(results map[string]*core.RawSourceResult, priority []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range priority {
		if _, ok := results[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	for name := range results {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// SwitchSource re-derives an image's tags from a single stored raw-source
// payload, or from the synthetic "merged" source over every retained
// payload.
func (s *Service) SwitchSource(ctx context.Context, filepath, source string, priority []string, parse func(sourceName string, raw []byte) (*core.RawSourceResult, error)) error {
	img, err := s.db.Images().GetByFilepath(ctx, filepath)
	if err != nil {
		return apperr.Fatal(err, "load image %s", filepath)
	}
	if img == nil {
		return apperr.NotFound("image not found: %s", filepath)
	}

	rawBySource, err := s.db.RawMetadata().AllForImage(ctx, img.ID)
	if err != nil {
		return apperr.Fatal(err, "load raw metadata for image %d", img.ID)
	}

	results := make(map[string]*core.RawSourceResult, len(rawBySource))
	for name, raw := range rawBySource {
		if source != core.MergedSourceName && name != source {
			continue
		}
		r, err := parse(name, raw)
		if err != nil {
			logger.Warn("switch_source: failed to parse raw metadata", "source", name, "image_id", img.ID, "error", err)
			continue
		}
		results[name] = r
	}
	if len(results) == 0 {
		return apperr.NotFound("no raw metadata for source %s on image %s", source, filepath)
	}

	activeSource, tags, rating, postID, parentID, hasChildren := SelectActiveSource(results, priority, source == core.MergedSourceName)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return apperr.Fatal(err, "begin switch-source transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	relation := make([]core.ImageTag, 0)
	for _, nf := range flatten(tags) {
		tag, err := tx.Tags().GetOrCreate(ctx, nf.name, nf.category)
		if err != nil {
			return apperr.Fatal(err, "get or create tag %s", nf.name)
		}
		relation = append(relation, core.ImageTag{ImageID: img.ID, TagID: tag.ID, Origin: core.OriginOriginal})
	}
	ratingOrigin := core.OriginOriginal
	if o, ok := core.SourceTrust[activeSource]; ok {
		ratingOrigin = o
	}
	ratingTag, err := tx.Tags().GetOrCreate(ctx, "rating:"+string(rating), core.CategoryRating)
	if err != nil {
		return apperr.Fatal(err, "get or create rating tag")
	}
	relation = append(relation, core.ImageTag{ImageID: img.ID, TagID: ratingTag.ID, Origin: ratingOrigin})

	if err := tx.Tags().ReplaceImageTags(ctx, img.ID, relation); err != nil {
		return apperr.Fatal(err, "replace tags on switch-source")
	}
	if err := RebuildDenormalized(ctx, tx, img.ID); err != nil {
		return apperr.Fatal(err, "rebuild denormalized columns")
	}
	img.ActiveSource = activeSource
	img.Rating = rating
	img.PostID = postID
	img.ParentID = parentID
	img.HasChildren = hasChildren
	if err := tx.Images().Update(ctx, img); err != nil {
		return apperr.Fatal(err, "update image after switch-source")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Fatal(err, "commit switch-source")
	}
	committed = true
	return nil
}

// RenameTag changes a tag's name in place.
func (s *Service) RenameTag(ctx context.Context, tagID int64, newName string) error {
	newName = Normalize(newName)
	tag, err := s.db.Tags().GetByID(ctx, tagID)
	if err != nil {
		return apperr.Fatal(err, "load tag %d", tagID)
	}
	if tag == nil {
		return apperr.NotFound("tag %d not found", tagID)
	}
	existing, err := s.db.Tags().GetByName(ctx, newName)
	if err != nil && apperr.CodeOf(err) != apperr.CodeNotFound {
		return apperr.Fatal(err, "check existing tag %s", newName)
	}
	if existing != nil && existing.ID != tagID {
		return s.MergeTags(ctx, tagID, existing.ID)
	}
	if err := s.db.Tags().Rename(ctx, tagID, newName); err != nil {
		return apperr.Fatal(err, "rename tag %d to %s", tagID, newName)
	}
	return nil
}

// MergeTags folds the source tag's image associations into the
// destination tag and deletes the source tag.
func (s *Service) MergeTags(ctx context.Context, sourceTagID, destTagID int64) error {
	if sourceTagID == destTagID {
		return nil
	}
	imageIDs, err := s.db.Tags().ImagesForTag(ctx, sourceTagID)
	if err != nil {
		return apperr.Fatal(err, "list images for tag %d", sourceTagID)
	}
	for _, imgID := range imageIDs {
		if err := s.db.Tags().SetImageTag(ctx, imgID, destTagID, core.OriginOriginal); err != nil {
			return apperr.Fatal(err, "merge tag onto image %d", imgID)
		}
		if err := s.db.Tags().RemoveImageTag(ctx, imgID, sourceTagID); err != nil {
			return apperr.Fatal(err, "remove source tag from image %d", imgID)
		}
	}
	return s.db.Tags().Delete(ctx, sourceTagID)
}

// DeleteTag removes a tag and all its image associations entirely.
func (s *Service) DeleteTag(ctx context.Context, tagID int64) error {
	return s.db.Tags().Delete(ctx, tagID)
}
