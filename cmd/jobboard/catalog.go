package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/jobboard/engine"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Catalog registry maintenance",
}

var catalogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare the registry with the local layout",
	RunE: catalogRun(func(ctx context.Context, eng *engine.Engine) (any, error) {
		return eng.Catalog().SyncStatus(ctx)
	}),
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the registry with the local layout",
	Long: `Reconcile the registry with the local layout.

By default entries whose files are gone are removed and unregistered
local versions are added. --full also migrates the legacy layout and
copies registry-only versions back to disk. --bundles restores local
files from stored bundles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		bundles, _ := cmd.Flags().GetBool("bundles")
		return catalogRun(func(ctx context.Context, eng *engine.Engine) (any, error) {
			switch {
			case bundles:
				return eng.Catalog().SyncBundles(ctx)
			case full:
				return eng.Catalog().FullSync(ctx)
			default:
				return eng.Catalog().SyncWithLocalFilesystem(ctx)
			}
		})(cmd, args)
	},
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move legacy flat items into the versioned layout",
	RunE: catalogRun(func(ctx context.Context, eng *engine.Engine) (any, error) {
		return eng.Catalog().MigrateLegacyLayout(ctx)
	}),
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered items",
	RunE: catalogRun(func(ctx context.Context, eng *engine.Engine) (any, error) {
		return eng.Catalog().ListItems(ctx)
	}),
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogStatusCmd, catalogSyncCmd, catalogMigrateCmd, catalogListCmd)
	catalogSyncCmd.Flags().Bool("full", false, "run the full bidirectional sync")
	catalogSyncCmd.Flags().Bool("bundles", false, "restore local files from stored bundles")
}

// catalogRun builds and checks an engine without starting any backend,
// runs fn and prints its result as indented JSON.
func catalogRun(fn func(context.Context, *engine.Engine) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		eng, err := engine.Build(ctx, cfg, engine.WithLogger(logger))
		if err != nil {
			return err
		}
		defer eng.Stop(context.Background()) //nolint:errcheck // best-effort close

		if err := eng.Check(ctx); err != nil {
			return err
		}
		out, err := fn(ctx, eng)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
}
