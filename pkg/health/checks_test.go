package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestStorageCheckerReportsUnhealthyOnError(t *testing.T) {
	c := &StorageChecker{Storage: &fakePinger{err: errors.New("boom")}}
	r := c.Check(context.Background())
	if r.Healthy {
		t.Error("expected unhealthy result")
	}
	if c.Type() != CheckType("storage") {
		t.Errorf("Type() = %v, want storage", c.Type())
	}
}

func TestSandboxCheckerReportsHealthy(t *testing.T) {
	c := &SandboxChecker{Sandbox: &fakePinger{}}
	r := c.Check(context.Background())
	if !r.Healthy {
		t.Errorf("expected healthy result, got %q", r.Message)
	}
}

func TestAggregateReadyOnlyWhenAllHealthy(t *testing.T) {
	a := NewAggregate(map[string]Checker{
		"storage": &StorageChecker{Storage: &fakePinger{}},
		"sandbox": &SandboxChecker{Sandbox: &fakePinger{err: errors.New("unreachable")}},
		"cdn":     nil,
	})
	result := a.Run(context.Background())
	if result.Ready {
		t.Error("expected not ready when one checker fails")
	}
	if len(result.Checks) != 2 {
		t.Errorf("expected 2 recorded checks (nil skipped), got %d", len(result.Checks))
	}
	if !result.Checks["storage"].Healthy {
		t.Error("expected storage check to be healthy")
	}
}

func TestAggregateReadyWhenAllHealthy(t *testing.T) {
	a := NewAggregate(map[string]Checker{
		"storage": &StorageChecker{Storage: &fakePinger{}},
		"sandbox": &SandboxChecker{Sandbox: &fakePinger{}},
	})
	if !a.Run(context.Background()).Ready {
		t.Error("expected ready when every checker is healthy")
	}
}
