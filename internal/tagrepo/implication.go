package tagrepo

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
	"boorukeep/internal/persistence"
)

// singleParenRe matches tags shaped "name_(x)".
var singleParenRe = regexp.MustCompile(`^(.+)_\(([^)]+)\)$`)

// doubleParenRe matches tags shaped "a_(mid)_(franchise)".
var doubleParenRe = regexp.MustCompile(`^(.+)_\(([^)]+)\)_\(([^)]+)\)$`)

const (
	namingPatternConfidence       = 0.92
	namingPatternVariantConfidence = 0.95
)

// ImplicationEngine mines and applies tag implication rules.
type ImplicationEngine struct {
	db              persistence.Database
	minCoOccurrence int
	minConfidence   float64
	cacheTTL        time.Duration

	mu          sync.Mutex
	cached      []core.ImplicationSuggestion
	cachedAt    time.Time
}

// NewImplicationEngine constructs an engine with the implication-mining
// thresholds from config.
func NewImplicationEngine(db persistence.Database, minCoOccurrence int, minConfidence float64, cacheTTL time.Duration) *ImplicationEngine {
	return &ImplicationEngine{
		db:              db,
		minCoOccurrence: minCoOccurrence,
		minConfidence:   minConfidence,
		cacheTTL:        cacheTTL,
	}
}

// Suggestions returns the current mined suggestion set, serving from an
// in-process TTL cache; any approval invalidates the cache.
func (e *ImplicationEngine) Suggestions(ctx context.Context) ([]core.ImplicationSuggestion, error) {
	e.mu.Lock()
	if e.cached != nil && time.Since(e.cachedAt) < e.cacheTTL {
		cached := e.cached
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	naming, err := e.namingPatternSuggestions(ctx)
	if err != nil {
		return nil, err
	}
	corr, err := e.correlationSuggestions(ctx)
	if err != nil {
		return nil, err
	}
	all := append(naming, corr...)

	e.mu.Lock()
	e.cached = all
	e.cachedAt = time.Now()
	e.mu.Unlock()
	return all, nil
}

// InvalidateSuggestionCache forces the next Suggestions call to re-mine.
func (e *ImplicationEngine) InvalidateSuggestionCache() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

func (e *ImplicationEngine) namingPatternSuggestions(ctx context.Context) ([]core.ImplicationSuggestion, error) {
	characters, err := e.db.Tags().ListByCategory(ctx, core.CategoryCharacter)
	if err != nil {
		return nil, apperr.Fatal(err, "list character tags")
	}
	copyrights, err := e.db.Tags().ListByCategory(ctx, core.CategoryCopyright)
	if err != nil {
		return nil, apperr.Fatal(err, "list copyright tags")
	}
	copyrightSet := make(map[string]bool, len(copyrights))
	for _, t := range copyrights {
		copyrightSet[t.Name] = true
	}
	characterSet := make(map[string]bool, len(characters))
	for _, t := range characters {
		characterSet[t.Name] = true
	}

	var out []core.ImplicationSuggestion
	for _, c := range characters {
		if m := doubleParenRe.FindStringSubmatch(c.Name); m != nil {
			base := m[1] + "_(" + m[3] + ")"
			if characterSet[base] && base != c.Name {
				out = append(out, core.ImplicationSuggestion{
					SourceTag: c.Name, ImpliedTag: base,
					Inference: core.InferenceNamingPattern, Confidence: namingPatternVariantConfidence,
				})
				continue
			}
		}
		if m := singleParenRe.FindStringSubmatch(c.Name); m != nil {
			paren := m[2]
			if copyrightSet[paren] {
				out = append(out, core.ImplicationSuggestion{
					SourceTag: c.Name, ImpliedTag: paren,
					Inference: core.InferenceNamingPattern, Confidence: namingPatternConfidence,
				})
			}
		}
	}
	return out, nil
}

func (e *ImplicationEngine) correlationSuggestions(ctx context.Context) ([]core.ImplicationSuggestion, error) {
	characters, err := e.db.Tags().ListByCategory(ctx, core.CategoryCharacter)
	if err != nil {
		return nil, apperr.Fatal(err, "list character tags")
	}
	candidates, err := e.allowedExtendedCategoryTags(ctx)
	if err != nil {
		return nil, err
	}

	var out []core.ImplicationSuggestion
	for _, c := range characters {
		charImages, err := e.db.Tags().ImagesForTag(ctx, c.ID)
		if err != nil {
			return nil, apperr.Fatal(err, "list images for character tag %d", c.ID)
		}
		uses := len(charImages)
		if uses < e.minCoOccurrence {
			continue
		}
		charSet := make(map[int64]bool, uses)
		for _, id := range charImages {
			charSet[id] = true
		}

		for _, t := range candidates {
			if t.ID == c.ID {
				continue
			}
			otherImages, err := e.db.Tags().ImagesForTag(ctx, t.ID)
			if err != nil {
				continue
			}
			co := 0
			for _, id := range otherImages {
				if charSet[id] {
					co++
				}
			}
			if co == 0 {
				continue
			}
			frac := float64(co) / float64(uses)
			if frac >= e.minConfidence {
				out = append(out, core.ImplicationSuggestion{
					SourceTag: c.Name, ImpliedTag: t.Name,
					Inference: core.InferenceCorrelation, Confidence: frac, SampleSize: uses,
				})
			}
		}
	}
	return out, nil
}

func (e *ImplicationEngine) allowedExtendedCategoryTags(ctx context.Context) ([]core.Tag, error) {
	general, err := e.db.Tags().ListByCategory(ctx, core.CategoryGeneral)
	if err != nil {
		return nil, apperr.Fatal(err, "list general tags")
	}
	out := make([]core.Tag, 0, len(general))
	for _, t := range general {
		if t.ExtendedCategory != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// Preview computes the implication chain starting from impliedTagName and
// reports whether sourceTagName already appears in it — i.e. approving
// sourceTagName -> impliedTagName would close a cycle.
func (e *ImplicationEngine) Preview(ctx context.Context, sourceTagName, impliedTagName string) (chain []string, circular bool, err error) {
	impliedTag, err := e.db.Tags().GetByName(ctx, impliedTagName)
	if err != nil && apperr.CodeOf(err) != apperr.CodeNotFound {
		return nil, false, apperr.Fatal(err, "load implied tag %s", impliedTagName)
	}
	if impliedTag == nil {
		return nil, false, nil
	}

	visited := map[int64]bool{impliedTag.ID: true}
	frontier := []int64{impliedTag.ID}
	chain = append(chain, impliedTag.Name)

	for len(frontier) > 0 {
		var next []int64
		for _, id := range frontier {
			rules, err := e.db.Implications().ForSourceTag(ctx, id)
			if err != nil {
				return nil, false, apperr.Fatal(err, "walk implication chain from tag %d", id)
			}
			for _, r := range rules {
				if r.ImpliedTag == sourceTagName {
					circular = true
				}
				if !visited[r.ImpliedTagID] {
					visited[r.ImpliedTagID] = true
					chain = append(chain, r.ImpliedTag)
					next = append(next, r.ImpliedTagID)
				}
			}
		}
		frontier = next
	}
	return chain, circular, nil
}

// Approve inserts an implication rule, rejecting creation if it would
// close a cycle, and optionally applies it to every existing image that
// carries the source tag.
func (e *ImplicationEngine) Approve(ctx context.Context, sourceTagName, impliedTagName string, inference core.ImplicationInferenceType, confidence float64, applyNow bool) (int64, error) {
	sourceTagName = Normalize(sourceTagName)
	impliedTagName = Normalize(impliedTagName)

	_, circular, err := e.Preview(ctx, sourceTagName, impliedTagName)
	if err != nil {
		return 0, err
	}
	if circular {
		return 0, apperr.Input("circular implication detected: %s -> %s", sourceTagName, impliedTagName)
	}

	sourceTag, err := e.db.Tags().GetOrCreate(ctx, sourceTagName, guessTagCategory(sourceTagName))
	if err != nil {
		return 0, apperr.Fatal(err, "get or create source tag %s", sourceTagName)
	}
	impliedTag, err := e.db.Tags().GetOrCreate(ctx, impliedTagName, guessTagCategory(impliedTagName))
	if err != nil {
		return 0, apperr.Fatal(err, "get or create implied tag %s", impliedTagName)
	}

	id, err := e.db.Implications().Create(ctx, core.Implication{
		SourceTagID: sourceTag.ID, SourceTagName: sourceTag.Name,
		ImpliedTagID: impliedTag.ID, ImpliedTag: impliedTag.Name,
		Inference: inference, Confidence: confidence,
		Status: core.ImplicationActive, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, apperr.Fatal(err, "create implication rule")
	}
	e.InvalidateSuggestionCache()

	if applyNow {
		if err := e.ApplyToExistingImages(ctx, sourceTag.ID, impliedTag.ID); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Delete removes an implication rule.
func (e *ImplicationEngine) Delete(ctx context.Context, ruleID int64) error {
	e.InvalidateSuggestionCache()
	return e.db.Implications().Delete(ctx, ruleID)
}

// guessTagCategory infers a base category for a tag name that has no
// existing row yet; approvals always target character/copyright/general
// names per the naming-pattern and correlation miners, so general is the
// safe default when the name doesn't look like a rating.
func guessTagCategory(name string) core.TagCategory {
	if len(name) > 7 && name[:7] == "rating:" {
		return core.CategoryRating
	}
	return core.CategoryGeneral
}

// ApplyToExistingImages walks every image carrying sourceTagID and adds
// impliedTagID with origin `implication` where missing.
func (e *ImplicationEngine) ApplyToExistingImages(ctx context.Context, sourceTagID, impliedTagID int64) error {
	imageIDs, err := e.db.Tags().ImagesForTag(ctx, sourceTagID)
	if err != nil {
		return apperr.Fatal(err, "list images for tag %d", sourceTagID)
	}
	for _, imgID := range imageIDs {
		if err := e.db.Tags().SetImageTag(ctx, imgID, impliedTagID, core.OriginImplication); err != nil {
			return apperr.Fatal(err, "apply implication to image %d", imgID)
		}
	}
	return rebuildDenormalizedForAll(ctx, e.db, imageIDs)
}

// ClearAndReapply is the debug "clear and reapply" bulk operation: remove every implication-origin relation row, then recompute the
// transitive closure of active rules over each image's current tag set and
// write it back with origin `implication`.
func (e *ImplicationEngine) ClearAndReapply(ctx context.Context, progress func(done, total int)) error {
	if err := e.db.Tags().ClearOriginForAllImages(ctx, core.OriginImplication); err != nil {
		return apperr.Fatal(err, "clear implication-origin tags")
	}

	rules, err := e.db.Implications().ListActive(ctx)
	if err != nil {
		return apperr.Fatal(err, "list active implication rules")
	}
	bySource := make(map[int64][]core.Implication, len(rules))
	for _, r := range rules {
		bySource[r.SourceTagID] = append(bySource[r.SourceTagID], r)
	}

	imageIDs, err := e.db.Images().AllIDs(ctx)
	if err != nil {
		return apperr.Fatal(err, "list all image ids")
	}

	for i, imgID := range imageIDs {
		current, err := e.db.Tags().ImageTags(ctx, imgID)
		if err != nil {
			return apperr.Fatal(err, "load tags for image %d", imgID)
		}

		visited := make(map[int64]bool, len(current))
		frontier := make([]int64, 0, len(current))
		for _, it := range current {
			visited[it.TagID] = true
			frontier = append(frontier, it.TagID)
		}

		for len(frontier) > 0 {
			var next []int64
			for _, tagID := range frontier {
				for _, rule := range bySource[tagID] {
					if visited[rule.ImpliedTagID] {
						continue
					}
					visited[rule.ImpliedTagID] = true
					next = append(next, rule.ImpliedTagID)
					if err := e.db.Tags().SetImageTag(ctx, imgID, rule.ImpliedTagID, core.OriginImplication); err != nil {
						return apperr.Fatal(err, "apply closure tag to image %d", imgID)
					}
				}
			}
			frontier = next
		}

		if progress != nil {
			progress(i+1, len(imageIDs))
		}
	}

	return rebuildDenormalizedForAll(ctx, e.db, imageIDs)
}

func rebuildDenormalizedForAll(ctx context.Context, db persistence.Database, imageIDs []int64) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("tagrepo: begin denormalize transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, id := range imageIDs {
		if err := RebuildDenormalized(ctx, tx, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tagrepo: commit denormalize transaction: %w", err)
	}
	committed = true
	return nil
}
