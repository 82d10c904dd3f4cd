// Package dctx holds the Context aggregate spec.md §9 calls for: the
// cloneable, reference-counted handle bundle ("runtime handle, metrics
// provider, connection pool, blob store, and queue") the original threads
// through every subsystem. Grounded on pkg/manager/manager.go's
// aggregate-plus-constructor shape, simplified: no Raft FSM, no cluster
// membership, and an explicit Builder rather than a single constructor so a
// core can be assembled without CDN (spec.md §9) but never without a pool.
package dctx

import (
	"database/sql"
	"fmt"

	"github.com/cuemby/docsrs-core/pkg/cdn"
	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/events"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/metrics"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/cuemby/docsrs-core/pkg/releases"
	"github.com/cuemby/docsrs-core/pkg/storage"
	"github.com/rs/zerolog"
)

// Context is the cheap, cloneable handle bundle passed to every subsystem
// (watcher, runner, rebuild scheduler, CDN worker, metrics collector, CLI
// commands) instead of a global singleton.
type Context struct {
	DB       *sql.DB
	Storage  *storage.Facade
	Queue    *queue.Queue
	Releases *releases.Store
	Config   *config.Store
	Metrics  *metrics.ServiceCollector
	CDN      *cdn.Pipeline // optional: spec.md §9, "a core can run without CDN"
	Broker   *events.Broker
	Logger   zerolog.Logger
}

// Builder assembles a Context. Fields are attached with With* calls; Build
// fails only if no database pool was ever attached.
type Builder struct {
	ctx Context
}

// NewBuilder starts a Builder with a default component logger.
func NewBuilder() *Builder {
	return &Builder{ctx: Context{Logger: log.WithComponent("core")}}
}

func (b *Builder) WithDB(db *sql.DB) *Builder {
	b.ctx.DB = db
	return b
}

func (b *Builder) WithStorage(s *storage.Facade) *Builder {
	b.ctx.Storage = s
	return b
}

func (b *Builder) WithQueue(q *queue.Queue) *Builder {
	b.ctx.Queue = q
	return b
}

func (b *Builder) WithReleases(r *releases.Store) *Builder {
	b.ctx.Releases = r
	return b
}

func (b *Builder) WithConfig(c *config.Store) *Builder {
	b.ctx.Config = c
	return b
}

func (b *Builder) WithMetrics(m *metrics.ServiceCollector) *Builder {
	b.ctx.Metrics = m
	return b
}

// WithCDN attaches the optional CDN invalidation pipeline. Never called is a
// valid configuration: spec.md §9 requires a core to run without CDN.
func (b *Builder) WithCDN(p *cdn.Pipeline) *Builder {
	b.ctx.CDN = p
	return b
}

func (b *Builder) WithBroker(broker *events.Broker) *Builder {
	b.ctx.Broker = broker
	return b
}

// Build validates and returns the assembled Context. A nil pool is the only
// rejected configuration — every other subsystem is optional.
func (b *Builder) Build() (*Context, error) {
	if b.ctx.DB == nil {
		return nil, fmt.Errorf("dctx: no database pool attached")
	}
	ctx := b.ctx
	return &ctx, nil
}
