package core

import "testing"

func TestCategorizedTagsSetAndGet(t *testing.T) {
	var c CategorizedTags
	c.SetCategory(CategoryCharacter, []string{"aoi_(sample)"})
	c.SetCategory(CategoryGeneral, []string{"1girl", "solo"})

	if got := c.ForCategory(CategoryCharacter); len(got) != 1 || got[0] != "aoi_(sample)" {
		t.Errorf("character category = %v, want [aoi_(sample)]", got)
	}
	if got := c.ForCategory(CategoryGeneral); len(got) != 2 {
		t.Errorf("general category = %v, want 2 tags", got)
	}
	if got := c.ForCategory(CategoryRating); got != nil {
		t.Errorf("rating category should have no denormalized slice, got %v", got)
	}
}

func TestSourceTrustLadder(t *testing.T) {
	cases := map[string]Origin{
		"danbooru":     OriginOriginal,
		"e621":         OriginOriginal,
		"local_tagger": OriginAIInference,
	}
	for source, want := range cases {
		if got := SourceTrust[source]; got != want {
			t.Errorf("SourceTrust[%s] = %s, want %s", source, got, want)
		}
	}
}

func TestBaseCategoriesExcludesRating(t *testing.T) {
	for _, cat := range BaseCategories {
		if cat == CategoryRating {
			t.Fatal("BaseCategories must not include the rating pseudo-category")
		}
	}
	if len(BaseCategories) != 6 {
		t.Errorf("expected 6 denormalized categories, got %d", len(BaseCategories))
	}
}
