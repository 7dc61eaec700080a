package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/pkg/config"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/serverstore"
	"github.com/vaultsync/vaultsync/pkg/server"
)

var (
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
	Use:     "vaultsyncd",
	Short:   "vaultsyncd - end-to-end encrypted multi-device sync server",
	Long:    `vaultsyncd accepts device connections, stores encrypted change blobs, and fans them out to a user's other devices. It never sees plaintext.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vaultsyncd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config-file", "", "Path to config file (falls back to $QDSAPP_CONFIG_FILE, then a built-in search path)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format; overrides the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// loadSettings resolves the config file named by --config-file (or its
// environment/search-path fallbacks) and overlays any logging flags the
// caller gave explicitly, then initializes the global logger.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	flagValue, _ := cmd.Flags().GetString("config-file")
	settings, err := config.LoadResolved(flagValue)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		settings.LogLevel = log.Level(level)
	}
	if cmd.Flags().Changed("log-json") {
		settings.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(log.Config{Level: settings.LogLevel, JSONOutput: settings.LogJSON})
	return settings, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		srv, err := server.New(server.Config{
			ListenAddr:  settings.ListenAddr,
			MetricsAddr: settings.MetricsAddr,
			DataDir:     settings.DataDir,
			QuotaLimit:  settings.QuotaLimitBytes,
		})
		if err != nil {
			return fmt.Errorf("failed to build server: %w", err)
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("vaultsyncd: shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <days>",
	Short: "Remove devices (and users left without one) whose last login is older than the given number of days",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		var days int
		if _, err := fmt.Sscanf(args[0], "%d", &days); err != nil || days <= 0 {
			return fmt.Errorf("invalid <days> argument %q: must be a positive integer", args[0])
		}

		store, err := serverstore.Open(settings.DataDir, nil)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		removedDevices, removedUsers, err := store.CleanupStaleDevices(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		fmt.Printf("removed %d device(s), %d user(s) left without a device\n", removedDevices, removedUsers)
		return nil
	},
}
