package tagrepo

import (
	"testing"

	"boorukeep/internal/core"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rating_explicit", "rating:explicit"},
		{"Blue Hair", "blue_hair"},
		{"  Solo  ", "solo"},
		{"already_fine", "already_fine"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func sourceResult(character, general []string, rating core.Rating) *core.RawSourceResult {
	return &core.RawSourceResult{
		Tags:   core.CategorizedTags{Character: character, General: general},
		Rating: rating,
	}
}

func TestSelectActiveSourceFollowsPriority(t *testing.T) {
	results := map[string]*core.RawSourceResult{
		"danbooru": sourceResult([]string{"aoi_(sample)"}, []string{"1girl"}, core.RatingGeneral),
		"e621":     sourceResult(nil, []string{"solo"}, core.RatingQuestion),
	}

	active, tags, rating, _, _, _ := SelectActiveSource(results, []string{"e621", "danbooru"}, false)
	if active != "e621" {
		t.Fatalf("active = %q, want e621", active)
	}
	if rating != core.RatingQuestion {
		t.Errorf("rating = %q, want questionable", rating)
	}
	if len(tags.General) != 1 || tags.General[0] != "solo" {
		t.Errorf("tags.General = %v, want [solo]", tags.General)
	}
}

func TestSelectActiveSourceMergesMultipleBoorus(t *testing.T) {
	results := map[string]*core.RawSourceResult{
		"danbooru": sourceResult([]string{"aoi_(sample)"}, []string{"1girl"}, core.RatingGeneral),
		"e621":     sourceResult(nil, []string{"solo"}, core.RatingGeneral),
	}

	active, tags, _, _, _, _ := SelectActiveSource(results, []string{"danbooru", "e621"}, true)
	if active != core.MergedSourceName {
		t.Fatalf("active = %q, want %q", active, core.MergedSourceName)
	}
	if len(tags.Character) != 1 {
		t.Errorf("merged character tags = %v, want [aoi_(sample)]", tags.Character)
	}
	if len(tags.General) != 2 {
		t.Errorf("merged general tags = %v, want both 1girl and solo", tags.General)
	}
}

// Merging with only one booru-quality match must behave exactly like
// selecting that source directly, even when a non-booru source also
// matched.
func TestSelectActiveSourceSingleBooruNeverMerges(t *testing.T) {
	results := map[string]*core.RawSourceResult{
		"danbooru":     sourceResult([]string{"aoi_(sample)"}, []string{"1girl"}, core.RatingGeneral),
		"local_tagger": sourceResult(nil, []string{"smile"}, core.RatingGeneral),
	}

	active, _, _, _, _, _ := SelectActiveSource(results, []string{"danbooru"}, true)
	if active != "danbooru" {
		t.Errorf("active = %q, want danbooru (merged requires >1 booru-quality source)", active)
	}
}

func TestSelectActiveSourceEmptyResults(t *testing.T) {
	active, _, rating, _, _, _ := SelectActiveSource(nil, []string{"danbooru"}, false)
	if active != "" || rating != core.RatingUnknown {
		t.Errorf("empty results: active=%q rating=%q, want empty/unknown", active, rating)
	}
}

// The same tag name supplied under different categories across sources
// must land in the highest-priority category (character > species >
// copyright > artist > meta > general).
func TestMergeCategorizedTagsCategoryPriority(t *testing.T) {
	results := map[string]*core.RawSourceResult{
		"danbooru": {Tags: core.CategorizedTags{General: []string{"ambiguous"}}},
		"e621":     {Tags: core.CategorizedTags{Character: []string{"ambiguous"}}},
	}

	merged := mergeCategorizedTags(results, []string{"danbooru", "e621"})
	if len(merged.Character) != 1 || merged.Character[0] != "ambiguous" {
		t.Errorf("Character = %v, want [ambiguous]", merged.Character)
	}
	if len(merged.General) != 0 {
		t.Errorf("General = %v, want empty (name reconciled upward)", merged.General)
	}
}

func TestFirstInPriorityFallsBackDeterministically(t *testing.T) {
	results := map[string]*core.RawSourceResult{
		"yandere":  {},
		"gelbooru": {},
	}
	// Neither source is in the priority list; the lexicographically first
	// name wins so repeated calls agree.
	if got := firstInPriority(results, []string{"danbooru"}); got != "gelbooru" {
		t.Errorf("firstInPriority = %q, want gelbooru", got)
	}
}
