package limits

import (
	"context"
	"testing"
	"time"
)

func TestOverridesSaveAndForCrateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	memory := int64(16 << 30)
	targets := 2
	timeout := 30 * time.Minute

	if err := s.Overrides().Save(ctx, "tokio", Override{Memory: &memory, Targets: &targets, Timeout: &timeout}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Overrides().ForCrate(ctx, "tokio")
	if err != nil {
		t.Fatalf("ForCrate: %v", err)
	}
	if got == nil {
		t.Fatal("ForCrate returned nil, want a stored override")
	}
	if *got.Memory != memory || *got.Targets != targets || *got.Timeout != timeout {
		t.Errorf("ForCrate = %+v, want memory=%d targets=%d timeout=%v", got, memory, targets, timeout)
	}
}

func TestOverridesForCrateWithNoRowReturnsNil(t *testing.T) {
	s := testStore(t)
	got, err := s.Overrides().ForCrate(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("ForCrate: %v", err)
	}
	if got != nil {
		t.Errorf("ForCrate = %+v, want nil", got)
	}
}

func TestOverridesSaveUpsertsExistingRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	first := int64(4 << 30)
	if err := s.Overrides().Save(ctx, "tokio", Override{Memory: &first}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := int64(8 << 30)
	if err := s.Overrides().Save(ctx, "tokio", Override{Memory: &second}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Overrides().ForCrate(ctx, "tokio")
	if err != nil {
		t.Fatalf("ForCrate: %v", err)
	}
	if got.Targets != nil {
		t.Errorf("Targets = %v, want nil after the second Save overwrote it", got.Targets)
	}
	if *got.Memory != second {
		t.Errorf("Memory = %d, want %d", *got.Memory, second)
	}
}

func TestOverridesAllListsEveryStoredCrate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	memory := int64(4 << 30)
	if err := s.Overrides().Save(ctx, "tokio", Override{Memory: &memory}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Overrides().Save(ctx, "serde", Override{Memory: &memory}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	all, err := s.Overrides().All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("All returned %d entries, want 2", len(all))
	}
	if _, ok := all["tokio"]; !ok {
		t.Error("All missing tokio")
	}
	if _, ok := all["serde"]; !ok {
		t.Error("All missing serde")
	}
}

func TestOverridesRemoveDeletesRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	memory := int64(4 << 30)
	if err := s.Overrides().Save(ctx, "tokio", Override{Memory: &memory}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Overrides().Remove(ctx, "tokio"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, err := s.Overrides().ForCrate(ctx, "tokio")
	if err != nil {
		t.Fatalf("ForCrate: %v", err)
	}
	if got != nil {
		t.Errorf("ForCrate = %+v, want nil after Remove", got)
	}
}
