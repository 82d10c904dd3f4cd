package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cuemby/docsrs-core/pkg/cdn"
	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/db"
	"github.com/cuemby/docsrs-core/pkg/dctx"
	"github.com/cuemby/docsrs-core/pkg/events"
	"github.com/cuemby/docsrs-core/pkg/limits"
	"github.com/cuemby/docsrs-core/pkg/metrics"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/cuemby/docsrs-core/pkg/rebuild"
	"github.com/cuemby/docsrs-core/pkg/releases"
	"github.com/cuemby/docsrs-core/pkg/runner"
	"github.com/cuemby/docsrs-core/pkg/sandbox"
	"github.com/cuemby/docsrs-core/pkg/storage"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/cuemby/docsrs-core/pkg/watcher"
)

// defaultTarget is the target triple every release is always built for.
// otherTargets are only attempted once the default target build succeeds
// (spec.md §4.G step 3d).
const defaultTarget = "x86_64-unknown-linux-gnu"

var otherTargets = []string{
	"aarch64-unknown-linux-gnu",
	"i686-unknown-linux-gnu",
	"x86_64-apple-darwin",
	"x86_64-pc-windows-msvc",
}

// core bundles every wired subsystem a CLI command might need. Not every
// command uses every field (e.g. `queue get-last-seen-reference` only
// needs Config), but assembly is cheap and uniform across commands.
type core struct {
	dctx      *dctx.Context
	queue     *queue.Queue
	releases  *releases.Store
	config    *config.Store
	storage   *storage.Facade
	cdnPipe   *cdn.Pipeline
	cdnWorker *cdn.Worker
	broker    *events.Broker
	watcher   *watcher.Watcher
	runner    *runner.Runner
	rebuild   *rebuild.Scheduler
	sandbox   *sandbox.Runner
	limits    *limits.Store
}

// buildCore wires every subsystem daemonConfig describes. cdn and the
// registry watcher are both optional: spec.md §9 allows a core to run
// without CDN, and REGISTRY_URL is only required for the daemon's watcher
// and the `database synchronize` command, not one-shot builds.
func buildCore(ctx context.Context, cfg daemonConfig) (*core, error) {
	pool, err := db.Open(db.Options{
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxPoolSize,
		MaxIdleConns: cfg.MinPoolIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	cfgStore, err := config.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initializing config store: %w", err)
	}
	q, err := queue.New(ctx, pool, cfgStore, cfg.BuildAttempts)
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}
	rel, err := releases.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initializing releases store: %w", err)
	}
	limitsStore, err := limits.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initializing build limits store: %w", err)
	}
	q.SetBlacklist(limitsStore.Blacklist())

	if cfg.MaxQueuedRebuilds > 0 {
		if err := cfgStore.Set(ctx, types.ConfigKeyMaxQueuedRebuilds, strconv.Itoa(cfg.MaxQueuedRebuilds)); err != nil {
			return nil, fmt.Errorf("persisting max_queued_rebuilds: %w", err)
		}
	}
	rebuildSched := rebuild.New(cfgStore, q, rel)

	backend, err := buildStorageBackend(cfg)
	if err != nil {
		return nil, err
	}
	facade, err := storage.NewFacade(backend, cfg.ArchiveIndexCachePath, cfg.ArchiveIndexExpectedCount)
	if err != nil {
		return nil, fmt.Errorf("initializing storage facade: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	var cdnPipe *cdn.Pipeline
	var cdnWorker *cdn.Worker
	if cfg.CacheInvalidatableResponses {
		var vendor cdn.Vendor
		if cfg.FastlyAPIToken != "" {
			vendor = cdn.NewFastlyVendor(cdn.FastlyConfig{
				APIHost:             cfg.FastlyAPIHost,
				APIToken:            cfg.FastlyAPIToken,
				ServiceIDs:          cfg.FastlyServiceIDs,
				InvalidationBaseURL: cfg.CDNInvalidationBaseURL,
			}, cfg.CDNRequestsPerSecond, cfg.CDNRequestBurst)
		}

		var distributions []cdn.Distribution
		if cfg.CDNDistributionWebID != "" {
			distributions = append(distributions, cdn.Distribution{ID: cfg.CDNDistributionWebID, Kind: cdn.DistributionWeb})
		}
		if cfg.CDNDistributionStaticID != "" {
			distributions = append(distributions, cdn.Distribution{ID: cfg.CDNDistributionStaticID, Kind: cdn.DistributionStatic})
		}

		cdnPipe, err = cdn.New(ctx, pool, vendor, distributions)
		if err != nil {
			return nil, fmt.Errorf("initializing CDN invalidation pipeline: %w", err)
		}
		cdnWorker = cdn.NewWorker(pool, vendor, distributions)
	}

	var watch *watcher.Watcher
	if cfg.RegistryURL != "" && cfg.RegistryIndexPath != "" {
		var invalidator watcher.CDNInvalidator
		if cdnPipe != nil {
			invalidator = cdnPipe
		}
		watch = watcher.New(cfg.RegistryIndexPath, cfg.RegistryURL, cfgStore, q, rel, facade, invalidator, nil, broker)
	}

	sb, err := sandbox.New(sandbox.Config{
		Image:            cfg.ToolchainImage,
		WorkspaceDir:     cfg.Prefix,
		MemoryLimitBytes: cfg.BuildDefaultMemoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to sandbox runtime: %w", err)
	}

	targets := otherTargets
	if !cfg.IncludeDefaultTargets {
		targets = nil
	}
	var runnerCDN runner.CDNInvalidator
	if cdnPipe != nil {
		runnerCDN = cdnPipe
	}
	run := runner.New(q, rel, sb, runnerCDN, facade, defaultTarget, targets, cfg.BuildWorkspaceReinitializationInterval, cfg.DelayBetweenBuildAttempts, "docsrs-core")
	run.SetLimits(crateLimitsResolver{store: limitsStore, cfg: limits.Config{DefaultMemoryBytes: cfg.BuildDefaultMemoryLimit}})

	serviceMetrics := metrics.NewServiceCollector(q, pool)

	b := dctx.NewBuilder().
		WithDB(pool).
		WithStorage(facade).
		WithQueue(q).
		WithReleases(rel).
		WithConfig(cfgStore).
		WithMetrics(serviceMetrics).
		WithBroker(broker)
	if cdnPipe != nil {
		b = b.WithCDN(cdnPipe)
	}
	dc, err := b.Build()
	if err != nil {
		return nil, err
	}

	return &core{
		dctx:      dc,
		queue:     q,
		releases:  rel,
		config:    cfgStore,
		storage:   facade,
		cdnPipe:   cdnPipe,
		cdnWorker: cdnWorker,
		broker:    broker,
		watcher:   watch,
		runner:    run,
		rebuild:   rebuildSched,
		sandbox:   sb,
		limits:    limitsStore,
	}, nil
}

// crateLimitsResolver adapts *limits.Store to runner.LimitsResolver,
// converting limits.Limits to runner.CrateLimits at the package boundary so
// neither package imports the other's concrete types.
type crateLimitsResolver struct {
	store *limits.Store
	cfg   limits.Config
}

func (c crateLimitsResolver) ForCrate(ctx context.Context, crate string) (runner.CrateLimits, error) {
	l, err := c.store.ForCrate(ctx, c.cfg, crate)
	if err != nil {
		return runner.CrateLimits{}, err
	}
	return runner.CrateLimits{MemoryBytes: l.Memory, Timeout: l.Timeout}, nil
}

// Close releases the database pool. Background loops (watcher, runner,
// rebuild scheduler, metrics collector) are only started by the daemon
// command, which stops them itself before calling Close.
func (c *core) Close() error {
	return c.dctx.DB.Close()
}

func buildStorageBackend(cfg daemonConfig) (storage.Backend, error) {
	if cfg.StorageBackend == "memory" {
		return storage.NewMemoryBackend(), nil
	}
	sessCfg := aws.NewConfig()
	if cfg.S3Region != "" {
		sessCfg = sessCfg.WithRegion(cfg.S3Region)
	}
	if cfg.S3Endpoint != "" {
		sessCfg = sessCfg.WithEndpoint(cfg.S3Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("creating S3 session: %w", err)
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}
	return storage.NewS3Backend(sess, cfg.S3Bucket), nil
}
