package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

func newRootCmd() *cobra.Command {
	var (
		envFile string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "vmkit",
		Short: "vmkit works with swap areas and simulates memory pressure.",
		Long: `vmkit formats and inspects swap areas and runs workloads that ` +
			`push the memory manager into swapping. Defaults are read from ` +
			`VMKIT_* environment variables, which may be set in a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
				&slog.HandlerOptions{Level: level})))

			return loadEnv(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"file with VMKIT_* settings, ignored if missing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log debug messages")

	rootCmd.AddCommand(newMkswapCmd())
	rootCmd.AddCommand(newSwapinfoCmd())
	rootCmd.AddCommand(newSimulateCmd())

	return rootCmd
}
