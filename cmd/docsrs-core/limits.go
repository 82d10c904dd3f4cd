package main

import (
	"fmt"
	"time"

	"github.com/cuemby/docsrs-core/pkg/limits"
	"github.com/spf13/cobra"
)

func formatOverrideInt64(v *int64) string {
	if v == nil {
		return "(default)"
	}
	return fmt.Sprintf("%d", *v)
}

func formatOverrideInt(v *int) string {
	if v == nil {
		return "(default)"
	}
	return fmt.Sprintf("%d", *v)
}

func formatOverrideDuration(v *time.Duration) string {
	if v == nil {
		return "(default)"
	}
	return v.String()
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect and adjust per-crate sandbox resource limits and the build blacklist",
}

var limitsOverridesCmd = &cobra.Command{
	Use:   "overrides",
	Short: "Per-crate memory/targets/timeout overrides",
}

var limitsOverridesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every crate with a persisted limits override",
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

		all, err := c.limits.Overrides().All(cmd.Context())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("(no overrides set)")
			return nil
		}
		for crate, o := range all {
			fmt.Printf("%s: memory=%s targets=%s timeout=%s\n", crate, formatOverrideInt64(o.Memory), formatOverrideInt(o.Targets), formatOverrideDuration(o.Timeout))
		}
		return nil
	},
}

var (
	overrideMemoryBytes int64
	overrideTargets     int
	overrideTimeout     time.Duration
)

var limitsOverridesSetCmd = &cobra.Command{
	Use:   "set {crate}",
	Short: "Set or replace a crate's limits override",
	Args:  cobra.ExactArgs(1),
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

		var override limits.Override
		if cmd.Flags().Changed("memory-bytes") {
			override.Memory = &overrideMemoryBytes
		}
		if cmd.Flags().Changed("targets") {
			override.Targets = &overrideTargets
		}
		if cmd.Flags().Changed("timeout") {
			override.Timeout = &overrideTimeout
		}
		return c.limits.Overrides().Save(cmd.Context(), args[0], override)
	},
}

var limitsOverridesRemoveCmd = &cobra.Command{
	Use:   "remove {crate}",
	Short: "Remove a crate's limits override, reverting it to the control-plane defaults",
	Args:  cobra.ExactArgs(1),
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
		return c.limits.Overrides().Remove(cmd.Context(), args[0])
	},
}

var limitsBlacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Crates the queue refuses to build at all",
}

var limitsBlacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every blacklisted crate",
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

		crates, err := c.limits.Blacklist().ListCrates(cmd.Context())
		if err != nil {
			return err
		}
		if len(crates) == 0 {
			fmt.Println("(no crates blacklisted)")
			return nil
		}
		for _, crate := range crates {
			fmt.Println(crate)
		}
		return nil
	},
}

var limitsBlacklistAddCmd = &cobra.Command{
	Use:   "add {crate}",
	Short: "Blacklist a crate, refusing any further queue admission for it",
	Args:  cobra.ExactArgs(1),
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

		if err := c.limits.Blacklist().AddCrate(cmd.Context(), args[0]); err != nil {
			return err
		}
		return c.queue.RemoveCrateFromQueue(cmd.Context(), args[0])
	},
}

var limitsBlacklistRemoveCmd = &cobra.Command{
	Use:   "remove {crate}",
	Short: "Remove a crate from the blacklist",
	Args:  cobra.ExactArgs(1),
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
		return c.limits.Blacklist().RemoveCrate(cmd.Context(), args[0])
	},
}

func init() {
	limitsOverridesSetCmd.Flags().Int64Var(&overrideMemoryBytes, "memory-bytes", 0, "Memory ceiling override (can only raise the default, never lower it)")
	limitsOverridesSetCmd.Flags().IntVar(&overrideTargets, "targets", 0, "Number of targets override")
	limitsOverridesSetCmd.Flags().DurationVar(&overrideTimeout, "timeout", 0, "Build timeout override")

	limitsOverridesCmd.AddCommand(limitsOverridesListCmd, limitsOverridesSetCmd, limitsOverridesRemoveCmd)
	limitsBlacklistCmd.AddCommand(limitsBlacklistListCmd, limitsBlacklistAddCmd, limitsBlacklistRemoveCmd)
	limitsCmd.AddCommand(limitsOverridesCmd, limitsBlacklistCmd)
	rootCmd.AddCommand(limitsCmd)
}
