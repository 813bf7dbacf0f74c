package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/malbeclabs/analyst/config"
	"github.com/malbeclabs/analyst/internal/app"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newAskCmd(e *env) *cobra.Command {
	var (
		sources     []string
		autoApprove bool
		yes         bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the registered datasets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx, func(cfg *config.Config) {
				if autoApprove {
					cfg.Pipeline.AutoApprove = true
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			pkg, err := a.Engine.Submit(ctx, pipeline.Request{
				Question: strings.Join(args, " "),
				Sources:  sources,
			})
			if err != nil {
				return fmt.Errorf("failed to run question: %w", err)
			}
			pkg, err = e.settle(cmd, a, pkg, yes)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), pkg)
		},
	}
	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "query these datasets instead of ranking the catalog")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "execute generated queries without stopping for approval")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve the proposed queries without prompting")
	return cmd
}

// settle resolves a suspended run. With yes the queries are approved;
// otherwise the user is asked, and a run they defer stays resumable.
func (e *env) settle(cmd *cobra.Command, a *app.App, pkg *pipeline.Package, yes bool) (*pipeline.Package, error) {
	if !pkg.AwaitingApproval() {
		return pkg, nil
	}

	action := pipeline.ActionApprove
	if !yes {
		if e.json {
			return pkg, nil
		}
		out := cmd.OutOrStdout()
		printProposed(out, pkg)

		var ok bool
		action, ok = promptApproval(cmd.InOrStdin(), out)
		if !ok {
			return pkg, nil
		}
	}
	return resume(cmd.Context(), a, pkg.RequestID, pipeline.Decision{Action: action})
}

func resume(ctx context.Context, a *app.App, id string, d pipeline.Decision) (*pipeline.Package, error) {
	pkg, err := a.Engine.Resume(ctx, id, d)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidState) {
			return nil, fmt.Errorf("cannot resume run %s: %w", id, err)
		}
		return nil, fmt.Errorf("failed to resume run %s: %w", id, err)
	}
	return pkg, nil
}

// promptApproval asks once. It reports false when the user defers or input
// ends.
func promptApproval(in io.Reader, out io.Writer) (pipeline.Action, bool) {
	fmt.Fprint(out, "\nExecute these queries? [y]es / [n]o, cancel / [l]ater: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return "", false
	}
	return parseApproval(line)
}

func parseApproval(answer string) (pipeline.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "approve":
		return pipeline.ActionApprove, true
	case "n", "no", "cancel":
		return pipeline.ActionCancel, true
	default:
		return "", false
	}
}

func (e *env) print(w io.Writer, pkg *pipeline.Package) error {
	if e.json {
		return writeJSON(w, pkg)
	}
	printPackage(w, pkg)
	return nil
}
