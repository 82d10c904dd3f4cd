package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBChecker probes the Postgres connection pool with a cheap PingContext.
type DBChecker struct {
	DB *sql.DB
}

func (c *DBChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.DB.PingContext(ctx)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("database ping failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "database reachable", CheckedAt: start, Duration: time.Since(start)}
}

func (c *DBChecker) Type() CheckType { return CheckType("database") }

// storagePinger is the slice of pkg/storage.Facade this package needs —
// named so tests can fake it without a real backend.
type storagePinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker probes the object-store backend via Facade.Ping.
type StorageChecker struct {
	Storage storagePinger
}

func (c *StorageChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := c.Storage.Ping(ctx); err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("object store unreachable: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "object store reachable", CheckedAt: start, Duration: time.Since(start)}
}

func (c *StorageChecker) Type() CheckType { return CheckType("storage") }

// sandboxPinger is the slice of pkg/sandbox.Runner this package needs.
type sandboxPinger interface {
	Ping(ctx context.Context) error
}

// SandboxChecker probes the containerd connection the queue runner builds
// against, without ever creating a container.
type SandboxChecker struct {
	Sandbox sandboxPinger
}

func (c *SandboxChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := c.Sandbox.Ping(ctx); err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("sandbox runtime unreachable: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "sandbox runtime reachable", CheckedAt: start, Duration: time.Since(start)}
}

func (c *SandboxChecker) Type() CheckType { return CheckType("sandbox") }

// AggregateResult is the combined outcome of every named checker in an
// Aggregate, shaped after pkg/api/health.go's readyHandler checks map.
type AggregateResult struct {
	Ready  bool
	Checks map[string]Result
}

// Aggregate runs a fixed, named set of checkers and reports whether all of
// them are healthy.
type Aggregate struct {
	checkers map[string]Checker
}

// NewAggregate builds an Aggregate from a name-to-checker map. A nil entry
// is skipped (e.g. a core built without CDN or with no sandbox configured).
func NewAggregate(checkers map[string]Checker) *Aggregate {
	return &Aggregate{checkers: checkers}
}

// Run executes every checker and returns the combined result.
func (a *Aggregate) Run(ctx context.Context) AggregateResult {
	result := AggregateResult{Ready: true, Checks: make(map[string]Result, len(a.checkers))}
	for name, checker := range a.checkers {
		if checker == nil {
			continue
		}
		r := checker.Check(ctx)
		result.Checks[name] = r
		if !r.Healthy {
			result.Ready = false
		}
	}
	return result
}
