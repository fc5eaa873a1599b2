package risk

import (
	"context"
	"testing"

	"github.com/mbd888/cadence/internal/features"
	"github.com/mbd888/cadence/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	keysOnly := features.ExtractSample(typing(90, 220, 8, 14, 1), nil)
	samples := []LabeledSample{
		{UserID: "alice", Vector: normalSample(1)},
		{UserID: "bob", Vector: keysOnly},
	}
	if err := store.ReplaceSamples(ctx, samples); err != nil {
		t.Fatalf("ReplaceSamples: %v", err)
	}

	loaded, err := store.LoadSamples(ctx)
	if err != nil {
		t.Fatalf("LoadSamples: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(loaded))
	}
	if loaded[0].UserID != "alice" || !loaded[0].Vector.Observed(features.Pointer) {
		t.Errorf("unexpected first sample: %s observed=%v", loaded[0].UserID, loaded[0].Vector.Modalities())
	}
	if loaded[1].Vector.Observed(features.Pointer) || !loaded[1].Vector.Observed(features.Keystroke) {
		t.Errorf("modalities not preserved: %v", loaded[1].Vector.Modalities())
	}
	want, _ := keysOnly.Get("dwell_mean")
	got, _ := loaded[1].Vector.Get("dwell_mean")
	if got != want {
		t.Errorf("dwell_mean: got %f, want %f", got, want)
	}

	// Replace drops the previous set.
	if err := store.ReplaceSamples(ctx, samples[:1]); err != nil {
		t.Fatalf("ReplaceSamples: %v", err)
	}
	loaded, _ = store.LoadSamples(ctx)
	if len(loaded) != 1 {
		t.Errorf("expected 1 sample after replace, got %d", len(loaded))
	}
}
