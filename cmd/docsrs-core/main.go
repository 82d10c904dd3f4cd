// Command docsrs-core is the build-control-plane binary: the registry
// watcher, queue runner, rebuild scheduler, CDN invalidation pipeline, and
// service metrics collector, plus the one-shot operator commands spec.md's
// CLI surface names. Structured like cmd/warren/main.go: a cobra root
// command, persistent logging flags initialized via cobra.OnInitialize,
// and one subcommand tree per concern.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/docsrs-core/pkg/adminsrv"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/health"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "docsrs-core",
	Short:   "docsrs-core runs the documentation build control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("docsrs-core version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(databaseCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the registry watcher, queue runner, rebuild scheduler, and CDN pipeline until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func runDaemon(ctx context.Context) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	logger := log.WithComponent("daemon")

	if c.watcher != nil {
		c.watcher.Start()
		defer c.watcher.Stop()
	} else {
		logger.Warn().Msg("REGISTRY_URL/REGISTRY_INDEX_PATH not set, registry watcher disabled")
	}
	c.runner.Start()
	defer c.runner.Stop()
	c.rebuild.Start()
	defer c.rebuild.Stop()
	if c.cdnWorker != nil {
		c.cdnWorker.Start()
		defer c.cdnWorker.Stop()
	}
	c.dctx.Metrics.Start()
	defer c.dctx.Metrics.Stop()

	checkers := map[string]health.Checker{
		"database": &health.DBChecker{DB: c.dctx.DB},
		"storage":  &health.StorageChecker{Storage: c.storage},
		"sandbox":  &health.SandboxChecker{Sandbox: c.sandbox},
	}
	aggregate := health.NewAggregate(checkers)
	admin := adminsrv.New(":9090", ":9091", aggregate, adminsrv.DefaultReadinessInterval)
	if err := admin.Start(); err != nil {
		return fmt.Errorf("starting admin server: %w", err)
	}
	defer admin.Stop(ctx)

	logger.Info().Msg("docsrs-core daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	return nil
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build commands",
}

var buildCrateCmd = &cobra.Command{
	Use:   "crate {name} {version}",
	Short: "Run a one-shot build of a single release, outside the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		c, err := buildCore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.runner.BuildOne(cmd.Context(), args[0], args[1])
	},
}

func init() {
	buildCmd.AddCommand(buildCrateCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and adjust the registry-index watch position",
}

var queueGetLastSeenCmd = &cobra.Command{
	Use:   "get-last-seen-reference",
	Short: "Print the last registry index commit the watcher has processed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		c, err := buildCore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		ref, err := c.config.Get(cmd.Context(), types.ConfigKeyLastSeenIndexReference)
		if ctlerr.IsKind(err, ctlerr.NotFound) {
			fmt.Println("(unset)")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(ref)
		return nil
	},
}

var setHead bool

var queueSetLastSeenCmd = &cobra.Command{
	Use:   "set-last-seen-reference [ref]",
	Short: "Set the registry index commit the watcher treats as already processed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		if !setHead && len(args) != 1 {
			return fmt.Errorf("either a ref argument or --head is required")
		}
		if setHead && len(args) != 0 {
			return fmt.Errorf("--head and a ref argument are mutually exclusive")
		}

		ctx := cmd.Context()
		c, err := buildCore(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		ref := ""
		if setHead {
			if c.watcher == nil {
				return fmt.Errorf("REGISTRY_URL/REGISTRY_INDEX_PATH must be set to resolve --head")
			}
			head, err := c.watcher.RemoteHead(ctx)
			if err != nil {
				return err
			}
			ref = head
		} else {
			ref = args[0]
		}

		return c.config.Set(ctx, types.ConfigKeyLastSeenIndexReference, ref)
	},
}

func init() {
	queueSetLastSeenCmd.Flags().BoolVar(&setHead, "head", false, "Adopt the registry index's current remote HEAD")
	queueCmd.AddCommand(queueGetLastSeenCmd, queueSetLastSeenCmd)
}

var databaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Delete and reconcile build records",
}

var databaseDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a crate or version's records, queue entries, and stored artifacts",
}

var databaseDeleteCrateCmd = &cobra.Command{
	Use:   "crate {name}",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := buildCore(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.releases.DeleteCrate(ctx, args[0]); err != nil {
			return err
		}
		if err := c.queue.RemoveCrateFromQueue(ctx, args[0]); err != nil {
			return err
		}
		return c.storage.DeleteCrate(ctx, args[0])
	},
}

var databaseDeleteVersionCmd = &cobra.Command{
	Use:   "version {name} {version}",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := buildCore(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.releases.DeleteVersion(ctx, args[0], args[1]); err != nil {
			return err
		}
		if err := c.queue.RemoveVersionFromQueue(ctx, args[0], args[1]); err != nil {
			return err
		}
		return c.storage.DeleteVersion(ctx, args[0], args[1])
	},
}

var syncDryRun bool

var databaseSynchronizeCmd = &cobra.Command{
	Use:   "synchronize",
	Short: "Diff the upstream registry index against the database and enqueue missing releases at CONSISTENCY priority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := buildCore(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		if c.watcher == nil {
			return fmt.Errorf("REGISTRY_URL/REGISTRY_INDEX_PATH must be set to synchronize")
		}

		enqueued, err := c.watcher.Synchronize(ctx, syncDryRun)
		if err != nil {
			return err
		}
		verb := "enqueued"
		if syncDryRun {
			verb = "would enqueue"
		}
		fmt.Printf("%s %d release(s)\n", verb, enqueued)
		return nil
	},
}

func init() {
	databaseSynchronizeCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Report what would be enqueued without changing the queue")
	databaseDeleteCmd.AddCommand(databaseDeleteCrateCmd, databaseDeleteVersionCmd)
	databaseCmd.AddCommand(databaseDeleteCmd, databaseSynchronizeCmd)
}
