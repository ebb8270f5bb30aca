package server

import (
	"testing"
)

func TestNormalizeConfig_ClampsMayflyBudget(t *testing.T) {
	defaults := testDefaults()

	cfg := JobConfig{
		Points:   circlePoints(0, 0, 1, 8),
		Strategy: "mayfly",
		Iters:    1_000_000_000,
		PopSize:  1_000_000,
	}
	got, err := normalizeConfig(cfg, defaults)
	if err != nil {
		t.Fatalf("normalizeConfig failed: %v", err)
	}
	if got.Iters != defaults.Mayfly.MaxIters {
		t.Errorf("Iters = %d, want cap %d", got.Iters, defaults.Mayfly.MaxIters)
	}
	if got.PopSize != defaults.Mayfly.MaxPopSize {
		t.Errorf("PopSize = %d, want cap %d", got.PopSize, defaults.Mayfly.MaxPopSize)
	}

	cfg.Iters, cfg.PopSize = 0, 0
	got, err = normalizeConfig(cfg, defaults)
	if err != nil {
		t.Fatalf("normalizeConfig failed: %v", err)
	}
	if got.Iters != defaults.Mayfly.Iters || got.PopSize != defaults.Mayfly.PopSize {
		t.Errorf("Expected defaults %d/%d, got %d/%d",
			defaults.Mayfly.Iters, defaults.Mayfly.PopSize, got.Iters, got.PopSize)
	}
}
