package similarity

import (
	"sort"
	"testing"

	"boorukeep/internal/core"
)

// hashes with known pairwise hamming distances: 0x00 vs 0x03 differ in 2
// bits, 0x00 vs 0xff in 8, 0x03 vs 0xff in 6.
func scanFixture() ([]int64, map[int64]string) {
	hashes := map[int64]string{
		1: "0000000000000000",
		2: "0000000000000003",
		3: "00000000000000ff",
	}
	return []int64{1, 2, 3}, hashes
}

func sortPairs(pairs []core.DuplicatePair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ImageA != pairs[j].ImageA {
			return pairs[i].ImageA < pairs[j].ImageA
		}
		return pairs[i].ImageB < pairs[j].ImageB
	})
}

func TestScanPairsSequentialThreshold(t *testing.T) {
	ids, hashes := scanFixture()

	pairs := scanPairsSequential(ids, hashes, 6)
	sortPairs(pairs)

	if len(pairs) != 2 {
		t.Fatalf("got %d pairs within distance 6, want 2", len(pairs))
	}
	if pairs[0].ImageA != 1 || pairs[0].ImageB != 2 || pairs[0].Distance != 2 {
		t.Errorf("pair 0 = %+v, want (1,2,d=2)", pairs[0])
	}
	if pairs[1].ImageA != 2 || pairs[1].ImageB != 3 || pairs[1].Distance != 6 {
		t.Errorf("pair 1 = %+v, want (2,3,d=6)", pairs[1])
	}
}

func TestScanPairsParallelMatchesSequential(t *testing.T) {
	ids, hashes := scanFixture()

	seq := scanPairsSequential(ids, hashes, 64)
	par := scanPairsParallel(ids, hashes, 64)
	sortPairs(seq)
	sortPairs(par)

	if len(seq) != len(par) {
		t.Fatalf("sequential found %d pairs, parallel %d", len(seq), len(par))
	}
	for i := range seq {
		if seq[i].ImageA != par[i].ImageA || seq[i].ImageB != par[i].ImageB || seq[i].Distance != par[i].Distance {
			t.Errorf("pair %d: sequential %+v vs parallel %+v", i, seq[i], par[i])
		}
	}
}

func TestScanPairsOrderingInvariant(t *testing.T) {
	ids, hashes := scanFixture()
	for _, p := range scanPairsParallel(ids, hashes, 64) {
		if p.ImageA >= p.ImageB {
			t.Errorf("pair %+v violates image_a < image_b", p)
		}
	}
}

func TestCategoryWeightPrefersExtended(t *testing.T) {
	styled := &core.Tag{Category: core.CategoryGeneral, ExtendedCategory: "17_Style_Art"}
	plain := &core.Tag{Category: core.CategoryGeneral}
	if categoryWeight(styled) <= categoryWeight(plain) {
		t.Errorf("extended style weight %v should exceed general baseline %v", categoryWeight(styled), categoryWeight(plain))
	}
	character := &core.Tag{Category: core.CategoryCharacter}
	if categoryWeight(character) <= categoryWeight(plain) {
		t.Errorf("character weight should exceed general baseline")
	}
}

func TestTagWeightDecreasesWithUsage(t *testing.T) {
	tag := &core.Tag{Category: core.CategoryGeneral}
	rare := tagWeight(tag, 2)
	common := tagWeight(tag, 100000)
	if rare <= common {
		t.Errorf("rare-tag weight %v should exceed common-tag weight %v", rare, common)
	}
}
