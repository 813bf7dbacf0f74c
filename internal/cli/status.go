package cli

import (
	"fmt"
	"io"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newStatusCmd(e *env) *cobra.Command {
	var showLog bool
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			pkg, err := a.Engine.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			out := cmd.OutOrStdout()
			if err := e.print(out, pkg); err != nil {
				return err
			}
			if showLog && !e.json {
				printLog(out, pkg.Log)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "include the stage execution log")
	return cmd
}

func printLog(w io.Writer, entries []pipeline.LogEntry) {
	fmt.Fprintln(w, "\nLog:")
	table := newTable(w, []string{"At", "Stage", "Outcome", "Attempt", "Duration", "Message"})
	for _, e := range entries {
		table.Append([]string{
			e.At.UTC().Format("15:04:05.000"),
			string(e.Stage),
			string(e.Outcome),
			fmt.Sprintf("%d", e.Attempt),
			e.Duration.String(),
			e.Message,
		})
	}
	table.Render()
}
