package main

import (
	"fmt"

	"github.com/cuemby/pdisk/pkg/attach"
	"github.com/cuemby/pdisk/pkg/cache"
	"github.com/cuemby/pdisk/pkg/checksum"
	"github.com/cuemby/pdisk/pkg/detach"
	"github.com/cuemby/pdisk/pkg/notify"
	"github.com/cuemby/pdisk/pkg/reaper"
	"github.com/cuemby/pdisk/pkg/signing"
	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach SOURCE HOST:PATH",
	Short: "Attach an image or volume to a VM",
	Long: `Attach SOURCE to a VM at HOST:PATH, where PATH ends in
<vmID>/images/disk.<N>.

SOURCE is a catalog identifier, a manifest URL or a persisted volume
reference (pdisk:<host>:<port>:<uuid>). Images are cached on first use and
attached as a copy-on-write child; persisted volumes are attached directly.
The reference of the attached volume is printed on success.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		dest, err := attach.ParseDestination(args[1])
		if err != nil {
			return err
		}

		store, err := newStoreClient()
		if err != nil {
			return err
		}
		gw, err := newGateway()
		if err != nil {
			return err
		}
		opts := attach.Options{
			Attach:        cfg.Attach,
			Authorization: cfg.Authorization,
			StoreEndpoint: cfg.Store.Endpoint,
		}
		w := attach.New(opts, store, newResolver(), cache.NewPopulator(store), gw, newLedger())

		res, err := w.Attach(cmd.Context(), attach.Request{
			Source:      args[0],
			Destination: dest,
			Owner:       owner,
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), res.VolumeRef)
		return nil
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach HOST:PATH [HOST:PATH]",
	Short: "Detach the disks of a VM, optionally saving one",
	Long: `Detach every disk attached to the VM owning HOST:PATH.

With --save the disk at HOST:PATH is checksummed, flattened into a new
origin volume and published as a signed image. The second argument, the
transfer manager's destination, is accepted and ignored. The identifier of
the saved image is printed on success.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		save, _ := cmd.Flags().GetBool("save")
		catalogURL, _ := cmd.Flags().GetString("catalog")
		email, _ := cmd.Flags().GetString("email")
		comment, _ := cmd.Flags().GetString("comment")

		disk, err := attach.ParseDestination(args[0])
		if err != nil {
			return err
		}

		store, err := newStoreClient()
		if err != nil {
			return err
		}
		gw, err := newGateway()
		if err != nil {
			return err
		}
		deps := detach.Dependencies{
			Store:     store,
			Mounts:    newLedger(),
			Gateway:   gw,
			Resolver:  newResolver(),
			Publisher: newCatalogClient(),
			Notifier:  notify.New(cfg.Notify),
			Reaper:    reaper.New(store, cfg.Quarantine),
		}
		if save {
			if cfg.Signing.KeyFile == "" {
				return fmt.Errorf("signing.key_file is required to save images")
			}
			if deps.Signer, err = signing.LoadEd25519Signer(cfg.Signing.KeyFile); err != nil {
				return err
			}
			if deps.Checksum, err = checksum.New(cfg.Checksum, gw, store); err != nil {
				return err
			}
		}

		w := detach.New(detach.Options{
			DetachCommand: cfg.Attach.DetachCommand,
			StoreEndpoint: cfg.Store.Endpoint,
		}, deps)

		res, err := w.Detach(cmd.Context(), detach.Request{
			Disk:    disk,
			Owner:   owner,
			Save:    save,
			Catalog: catalogURL,
			Email:   email,
			Comment: comment,
		})
		if err != nil {
			return err
		}

		if res.Saved != nil {
			fmt.Fprintln(cmd.OutOrStdout(), res.Saved.Manifest.Identifier)
		}
		return nil
	},
}

func init() {
	attachCmd.Flags().String("owner", "", "User the VM belongs to")

	detachCmd.Flags().String("owner", "", "User the VM belongs to")
	detachCmd.Flags().Bool("save", false, "Save the disk as a new image")
	detachCmd.Flags().String("catalog", "", "Catalog endpoint to publish to (default: catalog.endpoint)")
	detachCmd.Flags().String("email", "", "Address notified when the image is saved")
	detachCmd.Flags().String("comment", "", "Comment stored in the new manifest")
}
