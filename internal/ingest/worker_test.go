package ingest

import (
	"testing"

	"boorukeep/internal/core"
)

func TestMergeCategorizedTagSets(t *testing.T) {
	pixiv := core.CategorizedTags{General: []string{"original_art"}}
	local := core.CategorizedTags{
		Character: []string{"aoi_(sample)"},
		General:   []string{"1girl", "original_art"},
	}

	merged := mergeCategorizedTagSets(pixiv, local)

	if len(merged.Character) != 1 || merged.Character[0] != "aoi_(sample)" {
		t.Errorf("Character = %v, want [aoi_(sample)]", merged.Character)
	}
	if len(merged.General) != 2 {
		t.Errorf("General = %v, want deduplicated [original_art 1girl]", merged.General)
	}
	if merged.General[0] != "original_art" {
		t.Errorf("General[0] = %q, want first-set names preserved first", merged.General[0])
	}
}

func TestMergeCategorizedTagSetsEmptySides(t *testing.T) {
	var empty core.CategorizedTags
	other := core.CategorizedTags{General: []string{"solo"}}

	if got := mergeCategorizedTagSets(empty, other); len(got.General) != 1 {
		t.Errorf("merge with empty left = %v, want [solo]", got.General)
	}
	if got := mergeCategorizedTagSets(other, empty); len(got.General) != 1 {
		t.Errorf("merge with empty right = %v, want [solo]", got.General)
	}
}

func TestResolveMaxWorkersBounds(t *testing.T) {
	if got := resolveMaxWorkers(0); got < 1 {
		t.Errorf("resolveMaxWorkers(0) = %d, want at least 1", got)
	}
	if got := resolveMaxWorkers(2); got < 1 || got > 2 {
		t.Errorf("resolveMaxWorkers(2) = %d, want in [1,2] (capped by cores-1)", got)
	}
	if got := resolveMaxWorkers(1); got != 1 {
		t.Errorf("resolveMaxWorkers(1) = %d, want 1", got)
	}
}
