package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	Reset()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Ingest.DebounceSeconds != 2 {
		t.Errorf("DebounceSeconds = %d, want 2", cfg.Ingest.DebounceSeconds)
	}
	if cfg.Similarity.PHashBits != 64 {
		t.Errorf("PHashBits = %d, want 64", cfg.Similarity.PHashBits)
	}
	if cfg.DuplicateReview.LowerBound != 0.012 || cfg.DuplicateReview.UpperBound != 0.04 {
		t.Errorf("unexpected duplicate review bounds: %+v", cfg.DuplicateReview)
	}
}

func TestPostProcessRejectsInvalidPHashBits(t *testing.T) {
	cfg := &Config{
		Similarity:      Similarity{PHashBits: 128},
		DuplicateReview: DuplicateReview{LowerBound: 0.01, UpperBound: 0.04},
	}
	if err := postProcessConfig(cfg); err == nil {
		t.Error("expected error for unsupported phash_bits value")
	}
}

func TestPostProcessRejectsBadBounds(t *testing.T) {
	cfg := &Config{
		Similarity:      Similarity{PHashBits: 64},
		DuplicateReview: DuplicateReview{LowerBound: 0.05, UpperBound: 0.04},
	}
	if err := postProcessConfig(cfg); err == nil {
		t.Error("expected error when lower_bound >= upper_bound")
	}
}
