package tagrepo

import (
	"context"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
)

// SetTagCategory moves a tag to a new base category and, for general tags,
// an optional extended category (the `/api/tag_categorize/*` entry point).
// A `rating:*` name can never leave the rating category, and an extended
// category is only valid on general tags.
func (s *Service) SetTagCategory(ctx context.Context, name string, category core.TagCategory, extended string) error {
	name = Normalize(name)

	valid := false
	for _, c := range core.BaseCategories {
		if c == category {
			valid = true
			break
		}
	}
	if category == core.CategoryRating {
		valid = true
	}
	if !valid {
		return apperr.Input("unknown tag category: %s", category)
	}
	if len(name) > 7 && name[:7] == "rating:" && category != core.CategoryRating {
		return apperr.Input("tag %s must stay in the rating category", name)
	}
	if extended != "" {
		if category != core.CategoryGeneral {
			return apperr.Input("extended category is only valid on general tags")
		}
		known := false
		for _, e := range core.ExtendedCategories {
			if e == extended {
				known = true
				break
			}
		}
		if !known {
			return apperr.Input("unknown extended category: %s", extended)
		}
	}

	tag, err := s.db.Tags().GetByName(ctx, name)
	if err != nil {
		return apperr.Fatal(err, "load tag %s", name)
	}
	if tag == nil {
		return apperr.NotFound("tag not found: %s", name)
	}
	if err := s.db.Tags().UpdateCategory(ctx, tag.ID, category, extended); err != nil {
		return apperr.Fatal(err, "set category for tag %s", name)
	}

	imageIDs, err := s.db.Tags().ImagesForTag(ctx, tag.ID)
	if err != nil {
		return apperr.Fatal(err, "list images for tag %s", name)
	}
	return rebuildDenormalizedForAll(ctx, s.db, imageIDs)
}

// RebuildAllDenormalized regenerates every image's denormalized category
// columns from the normalized relation (the `/api/system/
// rebuild_categorized` pass).
func (s *Service) RebuildAllDenormalized(ctx context.Context, progress func(done, total int)) error {
	ids, err := s.db.Images().AllIDs(ctx)
	if err != nil {
		return apperr.Fatal(err, "list all image ids")
	}

	const chunk = 200
	for start := 0; start < len(ids); start += chunk {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		if err := rebuildDenormalizedForAll(ctx, s.db, ids[start:end]); err != nil {
			return err
		}
		if progress != nil {
			progress(end, len(ids))
		}
	}
	return nil
}
