package dupreview

import "testing"

func TestClassify(t *testing.T) {
	bounds := Bounds{Lower: 0.012, Upper: 0.04}

	cases := []struct {
		signal float64
		want   Classification
	}{
		{0.0, ClassLikelyDuplicate},
		{0.012, ClassLikelyDuplicate},
		{0.025, ClassUncertain},
		{0.04, ClassLikelyVariation},
		{0.5, ClassLikelyVariation},
	}
	for _, c := range cases {
		got, confidence := Classify(c.signal, bounds)
		if got != c.want {
			t.Errorf("Classify(%v) = %q, want %q", c.signal, got, c.want)
		}
		if confidence < 0 || confidence > 1 {
			t.Errorf("Classify(%v) confidence = %v, want in [0,1]", c.signal, confidence)
		}
	}
}

func TestMetadataAdjustmentGuardedNearZeroVisual(t *testing.T) {
	// Near-identical pixel content (compositeVisual tiny) should not let a
	// large metadata mismatch dominate the final signal.
	adj := metadataAdjustment(0.5, 0.5, 1.0, 0.0001)
	if adj > 0.02 {
		t.Errorf("metadataAdjustment with tiny visual signal = %v, want small", adj)
	}
}

func TestMetadataAdjustmentCapped(t *testing.T) {
	adj := metadataAdjustment(0.0, 0.0, 1.0, 1.0)
	if adj > maxMetadataAdjustment {
		t.Errorf("metadataAdjustment = %v, want <= %v", adj, maxMetadataAdjustment)
	}
}

func TestRatioOf(t *testing.T) {
	if got := ratioOf(100, 200); got != 0.5 {
		t.Errorf("ratioOf(100, 200) = %v, want 0.5", got)
	}
	if got := ratioOf(0, 200); got != 0 {
		t.Errorf("ratioOf(0, 200) = %v, want 0", got)
	}
}
