package limits

import (
	"context"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
)

func TestBlacklistAddCrateThenIsBlacklisted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Blacklist().AddCrate(ctx, "malicious-crate"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}
	blacklisted, err := s.Blacklist().IsBlacklisted(ctx, "malicious-crate")
	if err != nil {
		t.Fatalf("IsBlacklisted: %v", err)
	}
	if !blacklisted {
		t.Error("IsBlacklisted = false, want true")
	}
}

func TestBlacklistAddCrateTwiceFailsAlreadyExists(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Blacklist().AddCrate(ctx, "malicious-crate"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}
	err := s.Blacklist().AddCrate(ctx, "malicious-crate")
	if !ctlerr.IsKind(err, ctlerr.AlreadyExists) {
		t.Fatalf("AddCrate second time = %v, want ctlerr.AlreadyExists", err)
	}
}

func TestBlacklistRemoveCrateNotPresentFailsNotFound(t *testing.T) {
	s := testStore(t)
	err := s.Blacklist().RemoveCrate(context.Background(), "never-blacklisted")
	if !ctlerr.IsKind(err, ctlerr.NotFound) {
		t.Fatalf("RemoveCrate = %v, want ctlerr.NotFound", err)
	}
}

func TestBlacklistRemoveCrateThenIsBlacklistedFalse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Blacklist().AddCrate(ctx, "malicious-crate"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}
	if err := s.Blacklist().RemoveCrate(ctx, "malicious-crate"); err != nil {
		t.Fatalf("RemoveCrate: %v", err)
	}
	blacklisted, err := s.Blacklist().IsBlacklisted(ctx, "malicious-crate")
	if err != nil {
		t.Fatalf("IsBlacklisted: %v", err)
	}
	if blacklisted {
		t.Error("IsBlacklisted = true, want false after RemoveCrate")
	}
}

func TestBlacklistListCratesSortedAscending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, crate := range []string{"zzz-crate", "aaa-crate", "mmm-crate"} {
		if err := s.Blacklist().AddCrate(ctx, crate); err != nil {
			t.Fatalf("AddCrate(%s): %v", crate, err)
		}
	}

	crates, err := s.Blacklist().ListCrates(ctx)
	if err != nil {
		t.Fatalf("ListCrates: %v", err)
	}
	want := []string{"aaa-crate", "mmm-crate", "zzz-crate"}
	if len(crates) != len(want) {
		t.Fatalf("ListCrates = %v, want %v", crates, want)
	}
	for i := range want {
		if crates[i] != want[i] {
			t.Errorf("ListCrates[%d] = %s, want %s", i, crates[i], want[i])
		}
	}
}
