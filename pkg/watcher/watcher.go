// Package watcher implements the registry watcher: a periodic loop that
// diffs the upstream crates.io index against the last commit it processed
// and turns the diff into crate/version add, delete, and yank events,
// mirroring pkg/reconciler's periodic diff-and-repair shape.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/events"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/cuemby/docsrs-core/pkg/releases"
	"github.com/cuemby/docsrs-core/pkg/storage"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/rs/zerolog"
)

// CDNInvalidator is the slice of pkg/cdn's pipeline the watcher needs:
// enqueuing a purge of a crate's surrogate key on add/delete/yank.
type CDNInvalidator interface {
	InvalidateCrate(ctx context.Context, crate string) error
}

const (
	// DefaultInterval is the tick period (spec default 60s).
	DefaultInterval = 60 * time.Second
	// DefaultGCInterval is how often git gc --auto runs on the index checkout.
	DefaultGCInterval = time.Hour
)

// Watcher is the registry watcher's main loop.
type Watcher struct {
	repo *gitRepo

	cfg        *config.Store
	queue      *queue.Queue
	releases   *releases.Store
	storage    *storage.Facade
	cdn        CDNInvalidator
	priorities *types.PriorityTable
	broker     *events.Broker

	interval   time.Duration
	gcInterval time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	lastGC time.Time
	stopCh chan struct{}
}

// New builds a Watcher cloning/fetching the index at repoPath from repoURL.
func New(
	repoPath, repoURL string,
	cfg *config.Store,
	q *queue.Queue,
	rel *releases.Store,
	facade *storage.Facade,
	cdn CDNInvalidator,
	priorities *types.PriorityTable,
	broker *events.Broker,
) *Watcher {
	return &Watcher{
		repo:       newGitRepo(repoPath, repoURL),
		cfg:        cfg,
		queue:      q,
		releases:   rel,
		storage:    facade,
		cdn:        cdn,
		priorities: priorities,
		broker:     broker,
		interval:   DefaultInterval,
		gcInterval: DefaultGCInterval,
		logger:     log.WithComponent("watcher"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the watch loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Msg("registry watcher started")

	for {
		select {
		case <-ticker.C:
			if err := w.tick(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("registry watch cycle failed")
			}
		case <-w.stopCh:
			w.logger.Info().Msg("registry watcher stopped")
			return
		}
	}
}

// tick runs one watch cycle per spec.md §4.F's five steps.
func (w *Watcher) tick(ctx context.Context) error {
	locked, err := w.queue.IsLocked(ctx)
	if err != nil {
		return fmt.Errorf("checking queue lock: %w", err)
	}
	if locked {
		w.logger.Warn().Msg("queue locked, skipping registry watch cycle")
		return nil
	}

	if err := w.repo.ensureCloned(ctx); err != nil {
		return err
	}
	if err := w.repo.fetch(ctx); err != nil {
		return err
	}
	head, err := w.repo.remoteHead(ctx)
	if err != nil {
		return err
	}

	lastSeen, err := w.cfg.Get(ctx, types.ConfigKeyLastSeenIndexReference)
	if ctlerr.IsKind(err, ctlerr.NotFound) {
		// Fresh install: adopt HEAD without queuing the existing backlog.
		w.logger.Info().Str("commit", head).Msg("no last-seen index reference, adopting current HEAD")
		return w.cfg.Set(ctx, types.ConfigKeyLastSeenIndexReference, head)
	}
	if err != nil {
		return fmt.Errorf("reading last-seen index reference: %w", err)
	}
	if lastSeen == head {
		return w.maybeGC(ctx)
	}

	commits, err := w.repo.commitsChronological(ctx, lastSeen, head)
	if err != nil {
		return err
	}
	for _, commit := range commits {
		if err := w.applyCommit(ctx, commit); err != nil {
			return fmt.Errorf("applying registry index commit %s: %w", commit, err)
		}
		if err := w.cfg.Set(ctx, types.ConfigKeyLastSeenIndexReference, commit); err != nil {
			return fmt.Errorf("persisting last-seen index reference: %w", err)
		}
	}

	return w.maybeGC(ctx)
}

func (w *Watcher) maybeGC(ctx context.Context) error {
	w.mu.Lock()
	due := time.Since(w.lastGC) > w.gcInterval
	w.mu.Unlock()
	if !due {
		return nil
	}
	if err := w.repo.gc(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastGC = time.Now()
	w.mu.Unlock()
	return nil
}

// applyCommit diffs one commit's index-file changes against its parent and
// applies every resulting crate/version event.
func (w *Watcher) applyCommit(ctx context.Context, commit string) error {
	files, err := w.repo.fileChanges(ctx, commit)
	if err != nil {
		return err
	}
	for _, fc := range files {
		oldExists := fc.Status != 'A'
		newExists := fc.Status != 'D'

		var oldContent, newContent string
		if oldExists {
			oldContent, oldExists, err = w.repo.showFile(ctx, commit+"^", fc.Path)
			if err != nil {
				return err
			}
		}
		if newExists {
			newContent, newExists, err = w.repo.showFile(ctx, commit, fc.Path)
			if err != nil {
				return err
			}
		}

		for _, ch := range diffIndexFile(oldContent, oldExists, newContent, newExists) {
			if err := w.applyChange(ctx, ch); err != nil {
				w.logger.Error().Err(err).Str("crate", ch.Crate).Str("version", ch.Version).
					Str("event", string(ch.Type)).Msg("failed to apply registry index change")
			}
		}
	}
	return nil
}

func (w *Watcher) applyChange(ctx context.Context, ch change) error {
	switch ch.Type {
	case events.CrateDeleted:
		if err := w.releases.DeleteCrate(ctx, ch.Crate); err != nil {
			return err
		}
		if err := w.queue.RemoveCrateFromQueue(ctx, ch.Crate); err != nil {
			return err
		}
		if err := w.storage.DeleteCrate(ctx, ch.Crate); err != nil {
			return err
		}
		w.invalidate(ctx, ch.Crate)
		w.publish(ch)

	case events.VersionDeleted:
		if err := w.releases.DeleteVersion(ctx, ch.Crate, ch.Version); err != nil {
			return err
		}
		if err := w.queue.RemoveVersionFromQueue(ctx, ch.Crate, ch.Version); err != nil {
			return err
		}
		if err := w.storage.DeleteVersion(ctx, ch.Crate, ch.Version); err != nil {
			return err
		}
		w.invalidate(ctx, ch.Crate)
		w.publish(ch)

	case events.VersionAdded:
		priority := w.priorities.Resolve(ch.Crate)
		if err := w.queue.AddCrate(ctx, ch.Crate, ch.Version, priority, "crates.io"); err != nil {
			return err
		}
		w.publish(ch)

	case events.VersionYanked, events.VersionUnyanked:
		has, err := w.releases.HasRelease(ctx, ch.Crate, ch.Version)
		if err != nil {
			return err
		}
		if has {
			if err := w.releases.SetYanked(ctx, ch.Crate, ch.Version, ch.Type == events.VersionYanked); err != nil {
				return err
			}
			w.publish(ch)
			return nil
		}
		queued, err := w.queue.HasBuildQueued(ctx, ch.Crate, ch.Version)
		if err != nil {
			return err
		}
		if queued {
			// The builder reads the current yank state at build time.
			return nil
		}
		w.logger.Error().Str("crate", ch.Crate).Str("version", ch.Version).
			Msg("yank change for release absent from both the database and the queue")
	}
	return nil
}

func (w *Watcher) invalidate(ctx context.Context, crate string) {
	if w.cdn == nil {
		return
	}
	if err := w.cdn.InvalidateCrate(ctx, crate); err != nil {
		w.logger.Error().Err(err).Str("crate", crate).Msg("enqueuing CDN invalidation failed")
	}
}

// Synchronize walks the full registry index at its current remote HEAD and
// enqueues, at PriorityConsistency, every release present upstream that is
// neither recorded in the database nor already queued — the `database
// synchronize` CLI command's implementation (spec.md §6). With dryRun it
// only counts what it would enqueue. It does not touch the last-seen index
// reference; that stays driven solely by the periodic tick.
func (w *Watcher) Synchronize(ctx context.Context, dryRun bool) (int, error) {
	if err := w.repo.ensureCloned(ctx); err != nil {
		return 0, err
	}
	if err := w.repo.fetch(ctx); err != nil {
		return 0, err
	}
	head, err := w.repo.remoteHead(ctx)
	if err != nil {
		return 0, err
	}

	paths, err := w.repo.listFiles(ctx, head)
	if err != nil {
		return 0, err
	}

	var enqueued int
	for _, path := range paths {
		if path == "config.json" {
			continue
		}
		content, exists, err := w.repo.showFile(ctx, head, path)
		if err != nil {
			return enqueued, err
		}
		if !exists {
			continue
		}
		crate, versions := parseIndexFile(content)
		if crate == "" {
			continue
		}
		for version := range versions {
			has, err := w.releases.HasRelease(ctx, crate, version)
			if err != nil {
				return enqueued, err
			}
			if has {
				continue
			}
			queued, err := w.queue.HasBuildQueued(ctx, crate, version)
			if err != nil {
				return enqueued, err
			}
			if queued {
				continue
			}
			enqueued++
			if dryRun {
				continue
			}
			if err := w.queue.AddCrate(ctx, crate, version, types.PriorityConsistency, "crates.io"); err != nil {
				return enqueued, err
			}
		}
	}
	return enqueued, nil
}

// RemoteHead clones/fetches the registry index and resolves its current
// remote HEAD, without touching the last-seen index reference or queuing
// anything — `queue set-last-seen-reference --head`'s implementation.
func (w *Watcher) RemoteHead(ctx context.Context) (string, error) {
	if err := w.repo.ensureCloned(ctx); err != nil {
		return "", err
	}
	if err := w.repo.fetch(ctx); err != nil {
		return "", err
	}
	return w.repo.remoteHead(ctx)
}

func (w *Watcher) publish(ch change) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(&events.Event{
		Type:    ch.Type,
		Crate:   ch.Crate,
		Version: ch.Version,
	})
}
