package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/pdisk/pkg/catalog"
	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/remote"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once by the root command before any subcommand runs
var cfg config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pdisk",
	Short: "pdisk - VM disk image cache and copy-on-write volumes",
	Long: `pdisk attaches published VM images as copy-on-write volumes, saves
modified disks back as new signed images, and garbage-collects unused
volumes through a quarantine window.

The attach and detach commands are meant to be called by the hypervisor's
transfer manager hooks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-json") {
			cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
		}
		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pdisk version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", config.DefaultConfigPath, "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(identifierCmd)
	rootCmd.AddCommand(storeCmd)
}

func newStoreClient() (*volumestore.Client, error) {
	return volumestore.NewClient(cfg.Store, cfg.Retry.Policy())
}

func newCatalogClient() *catalog.Client {
	return catalog.NewClient(cfg.Catalog.Endpoint, cfg.Retry.Policy())
}

func newResolver() *manifest.Resolver {
	return manifest.NewResolver(newCatalogClient())
}

// newGateway runs commands for localhost in-process and over ssh otherwise
func newGateway() (remote.Gateway, error) {
	ssh, err := remote.NewSSHGateway(cfg.SSH, cfg.Retry.Policy())
	if err != nil {
		return nil, err
	}
	return remote.NewRouter(remote.NewLocalGateway(), ssh), nil
}

func newLedger() *storage.Ledger {
	return storage.NewLedger(cfg.Ledger.Path, cfg.Ledger.LockTimeout.Std())
}
