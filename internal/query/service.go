package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"boorukeep/internal/apperr"
	"boorukeep/internal/cache"
	"boorukeep/internal/core"
	"boorukeep/internal/persistence"
)

// Service evaluates search expressions against the catalog store and
// paginates the result. Tag-name resolution and exclusion filtering go
// through the derived-index cache when one is attached; the catalog store
// remains the fallback so the service also works before the first cache
// load.
type Service struct {
	db               persistence.Database
	cache            *cache.Manager
	imagesPerPage    int
	maxImagesPerPage int
}

// NewService constructs the query service. A non-positive imagesPerPage or
// maxImagesPerPage falls back to 50 and 500. cacheMgr may be nil; the
// service then reads the catalog store directly for every lookup.
func NewService(db persistence.Database, cacheMgr *cache.Manager, imagesPerPage, maxImagesPerPage int) *Service {
	if imagesPerPage <= 0 {
		imagesPerPage = 50
	}
	if maxImagesPerPage <= 0 {
		maxImagesPerPage = 500
	}
	return &Service{db: db, cache: cacheMgr, imagesPerPage: imagesPerPage, maxImagesPerPage: maxImagesPerPage}
}

// Result is one page of a search.
type Result struct {
	Images     []core.Image
	TotalCount int
	Page       int
	PerPage    int
}

// Search evaluates expr and returns the requested page (1-indexed).
// perPage <= 0 uses the configured default; it is always clamped to
// maxImagesPerPage.
func (s *Service) Search(ctx context.Context, expr string, page, perPage int) (Result, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = s.imagesPerPage
	}
	if perPage > s.maxImagesPerPage {
		perPage = s.maxImagesPerPage
	}

	if strings.TrimSpace(expr) == "" {
		if result, ok, err := s.homepagePage(ctx, page, perPage); err != nil {
			return Result{}, err
		} else if ok {
			return result, nil
		}
	}

	ids, order, poolOrder, err := s.evaluate(ctx, Parse(expr))
	if err != nil {
		return Result{}, err
	}

	ordered := orderIDs(ids, order, poolOrder)

	total := len(ordered)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	pageIDs := ordered[start:end]

	images, err := s.db.Images().List(ctx, pageIDs)
	if err != nil {
		return Result{}, apperr.Fatal(err, "list page of search results")
	}
	byID := make(map[int64]core.Image, len(images))
	for _, img := range images {
		byID[img.ID] = img
	}
	out := make([]core.Image, 0, len(pageIDs))
	for _, id := range pageIDs {
		if img, ok := byID[id]; ok {
			out = append(out, img)
		}
	}

	return Result{Images: out, TotalCount: total, Page: page, PerPage: perPage}, nil
}

// homepagePage serves an unfiltered request from the pre-built randomized
// page buffer, popping the next ready page. A drained or missing buffer
// reports !ok and the caller falls through to the normal listing path.
func (s *Service) homepagePage(ctx context.Context, page, perPage int) (Result, bool, error) {
	if s.cache == nil {
		return Result{}, false, nil
	}
	pageIDs, ok := s.cache.PopHomepagePage()
	if !ok {
		return Result{}, false, nil
	}

	total, err := s.db.Images().CountAll(ctx)
	if err != nil {
		return Result{}, false, apperr.Fatal(err, "count images for homepage page")
	}
	images, err := s.db.Images().List(ctx, pageIDs)
	if err != nil {
		return Result{}, false, apperr.Fatal(err, "list homepage page")
	}
	byID := make(map[int64]core.Image, len(images))
	for _, img := range images {
		byID[img.ID] = img
	}
	out := make([]core.Image, 0, len(pageIDs))
	for _, id := range pageIDs {
		if img, ok := byID[id]; ok {
			out = append(out, img)
		}
	}
	return Result{Images: out, TotalCount: total, Page: page, PerPage: perPage}, true, nil
}

// resolveTagID maps a normalized tag name to its id, via the derived-index
// cache when present, else the catalog store. A cache miss still consults
// the store since the cache may lag a debounce interval behind an ingest.
func (s *Service) resolveTagID(ctx context.Context, name string) (int64, bool, error) {
	if s.cache != nil {
		if id, ok := s.cache.TagID(name); ok {
			return id, true, nil
		}
	}
	tag, err := s.db.Tags().GetByName(ctx, name)
	if err != nil {
		return 0, false, fmt.Errorf("query: look up tag %q: %w", name, err)
	}
	if tag == nil {
		return 0, false, nil
	}
	return tag.ID, true, nil
}

// evaluate builds the intersection/subtraction set described by expr's
// tokens.
func (s *Service) evaluate(ctx context.Context, expr Expression) (map[int64]bool, Order, []int64, error) {
	var result map[int64]bool
	excluded := make(map[int64]bool)
	order := OrderDefault
	var poolOrder []int64
	constrained := false

	intersect := func(ids []int64) {
		constrained = true
		set := make(map[int64]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		if result == nil {
			result = set
			return
		}
		for id := range result {
			if !set[id] {
				delete(result, id)
			}
		}
	}

	var excludedTagIDs []int64

	for _, tok := range expr.Tokens {
		switch tok.Kind {
		case FilterTagRequired:
			tagID, found, err := s.resolveTagID(ctx, tok.Value)
			if err != nil {
				return nil, order, nil, err
			}
			if !found {
				intersect(nil)
				continue
			}
			ids, err := s.db.Tags().ImagesForTag(ctx, tagID)
			if err != nil {
				return nil, order, nil, fmt.Errorf("query: list images for tag %q: %w", tok.Value, err)
			}
			intersect(ids)

		case FilterTagExcluded:
			tagID, found, err := s.resolveTagID(ctx, tok.Value)
			if err != nil {
				return nil, order, nil, err
			}
			if !found {
				continue
			}
			if s.cache != nil {
				excludedTagIDs = append(excludedTagIDs, tagID)
				continue
			}
			ids, err := s.db.Tags().ImagesForTag(ctx, tagID)
			if err != nil {
				return nil, order, nil, fmt.Errorf("query: list images for excluded tag %q: %w", tok.Value, err)
			}
			for _, id := range ids {
				excluded[id] = true
			}

		case FilterSource:
			ids, err := s.db.ImageSources().ImagesForSource(ctx, tok.Value)
			if err != nil {
				return nil, order, nil, fmt.Errorf("query: list images for source %q: %w", tok.Value, err)
			}
			intersect(ids)

		case FilterHasParent:
			ids, err := s.db.Images().IDsWithParent(ctx)
			if err != nil {
				return nil, order, nil, fmt.Errorf("query: list images with parent: %w", err)
			}
			intersect(ids)

		case FilterHasChild:
			ids, err := s.db.Images().IDsWithChildren(ctx)
			if err != nil {
				return nil, order, nil, fmt.Errorf("query: list images with children: %w", err)
			}
			intersect(ids)

		case FilterPool:
			pool, err := s.db.Pools().GetByName(ctx, tok.Value)
			if err != nil {
				if apperr.CodeOf(err) == apperr.CodeNotFound {
					intersect(nil)
					continue
				}
				return nil, order, nil, fmt.Errorf("query: look up pool %q: %w", tok.Value, err)
			}
			poolOrder = pool.ImageIDs
			intersect(pool.ImageIDs)

		case FilterOrder:
			order = tok.Order

		case FilterCategory:
			tags, err := s.db.Tags().ListByCategory(ctx, core.TagCategory(tok.Value))
			if err != nil {
				return nil, order, nil, fmt.Errorf("query: list tags for category %q: %w", tok.Value, err)
			}
			union := make(map[int64]bool)
			for _, tag := range tags {
				ids, err := s.db.Tags().ImagesForTag(ctx, tag.ID)
				if err != nil {
					return nil, order, nil, fmt.Errorf("query: list images for category tag %q: %w", tag.Name, err)
				}
				for _, id := range ids {
					union[id] = true
				}
			}
			unionSlice := make([]int64, 0, len(union))
			for id := range union {
				unionSlice = append(unionSlice, id)
			}
			intersect(unionSlice)

		case FilterFilename:
			ids, err := s.resolveFilename(ctx, tok.Value)
			if err != nil {
				return nil, order, nil, err
			}
			intersect(ids)
		}
	}

	if !constrained {
		all, err := s.db.Images().AllIDs(ctx)
		if err != nil {
			return nil, order, nil, fmt.Errorf("query: list all image ids: %w", err)
		}
		result = make(map[int64]bool, len(all))
		for _, id := range all {
			result[id] = true
		}
	}

	for id := range excluded {
		delete(result, id)
	}

	// With a cache attached, exclusion is checked per candidate against the
	// in-memory per-image tag-id arrays rather than loading each excluded
	// tag's full image set from the store.
	if len(excludedTagIDs) > 0 {
		excludedSet := make(map[int32]bool, len(excludedTagIDs))
		for _, id := range excludedTagIDs {
			excludedSet[int32(id)] = true
		}
		for id := range result {
			for _, tid := range s.cache.ImageTagIDs(id) {
				if excludedSet[tid] {
					delete(result, id)
					break
				}
			}
		}
	}
	return result, order, poolOrder, nil
}

func (s *Service) resolveFilename(ctx context.Context, token string) ([]int64, error) {
	if md5Re.MatchString(token) {
		img, err := s.db.Images().GetByMD5(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("query: look up md5 %q: %w", token, err)
		}
		if img == nil {
			return nil, nil
		}
		return []int64{img.ID}, nil
	}
	ids, err := s.db.Images().SearchByFilename(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("query: search filename %q: %w", token, err)
	}
	return ids, nil
}

// orderIDs sorts the matched id set per the requested order. Image id ordering is a
// faithful stand-in for insertion order since ids are assigned
// monotonically by AUTOINCREMENT.
func orderIDs(set map[int64]bool, order Order, poolOrder []int64) []int64 {
	if order == OrderDefault && poolOrder != nil {
		out := make([]int64, 0, len(set))
		for _, id := range poolOrder {
			if set[id] {
				out = append(out, id)
			}
		}
		return out
	}

	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	switch order {
	case OrderNew, OrderNewest:
		sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	default: // OrderDefault, OrderOld, OrderOldest
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	}
	return out
}
