package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "gcalevents/internal/log"
)

var version = "0.1.0-dev"

var (
	configPath string
	debugFlag  bool
	rootCmd    = &cobra.Command{
		Use:           "gcalevents",
		Short:         "Import an ICS calendar feed into a local event store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/gcalevents/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newImportCmd(),
		newServeCmd(),
		newEventsCmd(),
		newExportCmd(),
	)

	// SIGINT/SIGTERM cancel the running command.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
	appLog.Debug("gcalevents exiting", "version", version)
}
