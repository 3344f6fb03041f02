package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/labfleet/pkg/api"
	"github.com/cuemby/labfleet/pkg/config"
	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/manager"
	"github.com/cuemby/labfleet/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "labfleet",
	Short: "labfleet - fleet manager for CML lab simulation workers",
	Long: `labfleet manages a fleet of CML lab simulation appliances running
on EC2: provisioning and importing workers, reconciling their state
against the cloud, syncing lab data from each appliance, and pausing
idle workers automatically.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"labfleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "Fleet manager API address")
	rootCmd.PersistentFlags().String("actor", "", "Actor recorded on mutating operations")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(labCmd)
	rootCmd.AddCommand(settingsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet manager",
	Long: `Run the fleet manager process: the background scheduler, the event
relay, and the HTTP API on the configured listen address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mgr, err := manager.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			_ = mgr.Stop()
			return fmt.Errorf("failed to start manager: %w", err)
		}

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.Server.ListenAddr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
		case err = <-errCh:
		}

		apiServer.Stop()
		if stopErr := mgr.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
}
