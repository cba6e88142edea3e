// Package tagsource implements the uniform TagSource interface over each
// external metadata provider
// and the bounded-concurrency fan-out that queries them for one artifact.
package tagsource

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"boorukeep/internal/core"
	"boorukeep/internal/logger"
)

// TagSource is implemented by every external metadata provider that can be
// queried by an artifact's MD5. SauceNAO and Pixiv are reached through the
// same interface but via different lookup keys (see SauceNAO/Pixiv below).
type TagSource interface {
	Name() string
	FetchByMD5(ctx context.Context, md5 string) (*core.RawSourceResult, error)
}

// PostIDFetcher is implemented by booru sources that can resolve a post by
// id, used after a SauceNAO match names a post on one of them.
type PostIDFetcher interface {
	TagSource
	FetchByPostID(ctx context.Context, postID string) (*core.RawSourceResult, error)
}

// ErrNoMatch is returned by a TagSource when the artifact is simply not
// known to that provider; it is not a transient failure.
var ErrNoMatch = fmt.Errorf("tagsource: no match")

// Manager fans a single artifact lookup out across every configured source,
// bounded by MaxConcurrency.
type Manager struct {
	sources        []TagSource
	maxConcurrency int
}

// NewManager builds a fan-out manager over sources, queried in the given
// order when MaxConcurrency permits immediate return-on-first-match
// policies layered on top by the caller (the ingest worker decides priority
// selection; Manager only parallelizes the queries).
func NewManager(sources []TagSource, maxConcurrency int) *Manager {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Manager{sources: sources, maxConcurrency: maxConcurrency}
}

// QueryAll queries every configured source concurrently and returns the
// results that actually matched, keyed by source name. Per-source network
// failures are logged and skipped; they
// never fail the overall query.
func (m *Manager) QueryAll(ctx context.Context, md5 string) map[string]*core.RawSourceResult {
	results := make(map[string]*core.RawSourceResult)
	sem := make(chan struct{}, m.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, src := range m.sources {
		wg.Add(1)
		sem <- struct{}{}
		go func(s TagSource) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.FetchByMD5(ctx, md5)
			if err != nil {
				if err != ErrNoMatch {
					logger.Warn("tagsource query failed", "source", s.Name(), "md5", md5, "error", err)
				}
				return
			}
			mu.Lock()
			results[s.Name()] = res
			mu.Unlock()
		}(src)
	}
	wg.Wait()
	return results
}

// BySourceName returns the configured booru source with the given name, so
// the ingest worker can resolve a SauceNAO match to a post-id fetch on the
// matching adapter.
func (m *Manager) BySourceName(name string) (TagSource, bool) {
	for _, s := range m.sources {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// parseCategorizedTagString splits a booru-style combined tag string (space
// separated, category-prefixed tokens like "character:aoi_(sample)") into
// core.CategorizedTags. Unprefixed tokens are general tags.
func parseCategorizedTagString(raw string) core.CategorizedTags {
	var tags core.CategorizedTags
	for _, tok := range strings.Fields(raw) {
		name := strings.ToLower(tok)
		switch {
		case strings.HasPrefix(name, "character:"):
			tags.Character = append(tags.Character, strings.TrimPrefix(name, "character:"))
		case strings.HasPrefix(name, "copyright:"):
			tags.Copyright = append(tags.Copyright, strings.TrimPrefix(name, "copyright:"))
		case strings.HasPrefix(name, "artist:"):
			tags.Artist = append(tags.Artist, strings.TrimPrefix(name, "artist:"))
		case strings.HasPrefix(name, "species:"):
			tags.Species = append(tags.Species, strings.TrimPrefix(name, "species:"))
		case strings.HasPrefix(name, "meta:"):
			tags.Meta = append(tags.Meta, strings.TrimPrefix(name, "meta:"))
		case strings.HasPrefix(name, "rating:"):
			// Rating is carried on RawSourceResult.Rating, not as a tag.
			continue
		default:
			tags.General = append(tags.General, strings.ReplaceAll(name, " ", "_"))
		}
	}
	return tags
}

func parseRating(s string) core.Rating {
	switch strings.ToLower(s) {
	case "g", "general", "s": // some boorus call "safe" rating "s"
		return core.RatingGeneral
	case "sensitive":
		return core.RatingSensitive
	case "q", "questionable":
		return core.RatingQuestion
	case "e", "explicit":
		return core.RatingExplicit
	default:
		return core.RatingUnknown
	}
}
