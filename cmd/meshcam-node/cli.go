package main

import (
    "time"

    "github.com/spf13/cobra"
)

// Options holds CLI options for the node.
type Options struct {
    ConfigPath string
    Tick       time.Duration
    Watch      bool
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
    var opts Options
    cmd := &cobra.Command{
        Use:           "meshcam-node",
        Short:         "Camera mesh coordination node",
        Long:          "meshcam-node runs one camera on the mesh: discovery, coordinator\nelection, task execution and standalone fallback.",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

    cmd.AddCommand(
        newRunCmd(&opts),
        newSimCmd(),
        newConfigCmd(&opts),
        newEventsCmd(&opts),
    )
    return cmd
}

func newRunCmd(opts *Options) *cobra.Command {
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run the device until interrupted",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            return run(cmd.Context(), *opts)
        },
    }
    cmd.Flags().DurationVar(&opts.Tick, "tick", 100*time.Millisecond, "coordination tick interval")
    cmd.Flags().BoolVar(&opts.Watch, "watch", true, "re-apply coordination settings when the config file changes")
    return cmd
}

func newConfigCmd(opts *Options) *cobra.Command {
    return &cobra.Command{
        Use:   "config",
        Short: "Print the effective configuration as YAML",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            return printConfig(cmd.OutOrStdout(), opts.ConfigPath)
        },
    }
}
