package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDatasetsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "datasets",
		Aliases: []string{"dataset"},
		Short:   "Manage the dataset catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "register <name> <source>",
			Short: "Register a CSV, Parquet or JSON file, http(s) URL or s3:// object",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := e.open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				ds, err := a.Catalog.Register(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("failed to register dataset: %w", err)
				}
				if e.json {
					return writeJSON(cmd.OutOrStdout(), ds)
				}
				printDataset(cmd.OutOrStdout(), ds)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List registered datasets",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := e.open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				datasets, err := a.Catalog.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list datasets: %w", err)
				}
				if e.json {
					return writeJSON(cmd.OutOrStdout(), datasets)
				}
				if len(datasets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No datasets registered. Add one with: analyst datasets register <name> <source>")
					return nil
				}
				printDatasets(cmd.OutOrStdout(), datasets)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Show a dataset's profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := e.open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				ds, err := a.Catalog.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get dataset: %w", err)
				}
				if e.json {
					return writeJSON(cmd.OutOrStdout(), ds)
				}
				printDataset(cmd.OutOrStdout(), ds)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <name>",
			Short: "Remove a dataset from the catalog",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := e.open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.Catalog.Remove(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to remove dataset: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
