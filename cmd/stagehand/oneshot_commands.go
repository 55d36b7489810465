package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/internal/catalog"
	"stagehand/internal/logging"
	"stagehand/internal/normalize"
	"stagehand/internal/pipeline"
	"stagehand/internal/transfer"
)

// newNormalizeCommand runs metadata normalization directly against the data
// root, without a daemon. Useful for preparing a session before starting the
// pipeline, or for re-running normalization after fixing sidecars by hand.
func newNormalizeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [dataset-dir...]",
		Short: "Normalize dataset metadata in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dirs := args
			if len(dirs) == 0 {
				dirs, err = pipeline.DiscoverDatasetDirs(cfg.Paths.DataRoot)
				if err != nil {
					return err
				}
			}
			if len(dirs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dataset directories found")
				return nil
			}

			normalizer := normalize.New(cfg, logging.NewNop())
			var failed int
			for _, dir := range dirs {
				result, err := normalizer.Run(cmd.Context(), dir)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", dir, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sidecar(s), %d renamed, %d frame file(s) relocated\n",
					dir, len(result.Sidecars), result.Renamed, result.FramesMoved)
			}
			if failed > 0 {
				return fmt.Errorf("%d dataset(s) failed normalization", failed)
			}
			return nil
		},
	}
}

// newTransferCommand re-runs archival directly against the catalog. Copies
// are hash-verified and already-archived content is skipped, so this is safe
// to repeat after a partial or interrupted transfer.
func newTransferCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer",
		Short: "Archive reconstructed units to the archive root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := catalog.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			agent, err := transfer.New(cfg, store, logging.NewNop())
			if err != nil {
				return err
			}

			datasets, err := store.ListDatasets(cmd.Context())
			if err != nil {
				return err
			}
			var archived, skipped, failed int
			for _, ds := range datasets {
				summary, err := agent.ArchiveDataset(cmd.Context(), ds)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", ds.Title, err)
					failed++
					continue
				}
				archived += summary.Archived
				skipped += summary.Skipped
				failed += summary.Failed
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d unit(s), skipped %d, failed %d\n", archived, skipped, failed)
			if failed > 0 {
				return fmt.Errorf("%d unit(s) failed to archive", failed)
			}
			return nil
		},
	}
}
