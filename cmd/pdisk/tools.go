package main

import (
	"fmt"
	"os"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/identifier"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/reaper"
	"github.com/spf13/cobra"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine UUID",
	Short: "Mark a volume for deletion",
	Long: `Mark a volume for deletion. The volume is handed to the quarantine
owner and deleted by a later sweep once quarantine.threshold has passed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStoreClient()
		if err != nil {
			return err
		}
		return reaper.New(store, cfg.Quarantine).Quarantine(cmd.Context(), args[0])
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete volumes whose quarantine has expired",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		if cmd.Flags().Changed("threshold") {
			threshold, _ := cmd.Flags().GetDuration("threshold")
			cfg.Quarantine.Threshold = config.Duration(threshold)
		}

		store, err := newStoreClient()
		if err != nil {
			return err
		}
		r := reaper.New(store, cfg.Quarantine)

		if watch {
			fmt.Fprintf(os.Stderr, "Sweeping every %s, press Ctrl+C to stop\n", cfg.Quarantine.SweepInterval.Std())
			r.Start(cmd.Context())
			<-cmd.Context().Done()
			r.Stop()
			return nil
		}

		res, err := r.Sweep(cmd.Context(), cfg.Quarantine.Threshold.Std())
		if err != nil {
			return err
		}
		for _, uuid := range res.Deleted {
			fmt.Fprintln(cmd.OutOrStdout(), uuid)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("failed to delete %d quarantined volumes: %v", len(res.Failed), res.Failed)
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve REFERENCE",
	Short: "Resolve an image reference",
	Long: `Resolve a catalog identifier or manifest URL and print the manifest.
Volume references are printed back unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, err := newResolver().Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if resolved.Manifest == nil {
			fmt.Fprintln(cmd.OutOrStdout(), resolved.Reference)
			return nil
		}

		data, err := manifest.Marshal(resolved.Manifest)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var identifierCmd = &cobra.Command{
	Use:   "identifier",
	Short: "Convert between SHA-1 digests and image identifiers",
}

var identifierEncodeCmd = &cobra.Command{
	Use:   "encode SHA1",
	Short: "Print the identifier of a SHA-1 digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identifier.Encode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var identifierDecodeCmd = &cobra.Command{
	Use:   "decode IDENTIFIER",
	Short: "Print the SHA-1 digest of an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		digest, err := identifier.Decode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), digest)
		return nil
	},
}

func init() {
	reapCmd.Flags().Duration("threshold", 0, "Quarantine age after which volumes are deleted (default: quarantine.threshold)")
	reapCmd.Flags().Bool("watch", false, "Keep sweeping every quarantine.sweep_interval")

	identifierCmd.AddCommand(identifierEncodeCmd)
	identifierCmd.AddCommand(identifierDecodeCmd)
}
