package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/pdisk/pkg/api"
	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/volume"
	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Run the reference volume store",
}

var storeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the volume store REST API",
	Long: `Serve the volume store REST API on server.listen.

Volume metadata is kept in a bbolt database under server.data_dir and
volume contents as files under server.volumes_dir. Requests to /disks/ use
the store.username and store.password credentials when set. /health,
/ready and /metrics are served without authentication.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Server.Listen
		}

		db, err := storage.NewBoltStore(filepath.Join(cfg.Server.DataDir, "volumes.db"), cfg.Ledger.LockTimeout.Std())
		if err != nil {
			return fmt.Errorf("failed to open volume database: %w", err)
		}
		defer db.Close()

		driver, err := volume.NewFileDriver(cfg.Server.VolumesDir)
		if err != nil {
			return err
		}

		opts := api.Options{
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
		}
		if cfg.Server.PublicHost != "" {
			opts.TransferBase = "http://" + cfg.Server.PublicHost
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", true, "")

		collector := metrics.NewCollector(db, cfg.Server.MetricsInterval.Std())
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(db, driver, opts)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(listen)
		}()

		fmt.Fprintf(os.Stderr, "Volume store listening on %s, press Ctrl+C to stop\n", listen)

		select {
		case <-cmd.Context().Done():
			fmt.Fprintln(os.Stderr, "Shutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("volume store error: %w", err)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(ctx)
	},
}

func init() {
	storeServeCmd.Flags().String("listen", "", "Listen address (default: server.listen)")
	storeCmd.AddCommand(storeServeCmd)
}
