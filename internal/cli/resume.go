package cli

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newResumeCmd(e *env) *cobra.Command {
	var (
		action string
		keep   []string
		sqls   []string
		note   string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "resume <request-id>",
		Short: "Approve, modify or cancel a run awaiting approval, or continue an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			decision, err := buildDecision(action, keep, sqls, note)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			pkg, err := a.Engine.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			switch {
			case pkg.AwaitingApproval() && decision != nil:
				pkg, err = resume(ctx, a, id, *decision)
			case pkg.AwaitingApproval():
				pkg, err = e.settle(cmd, a, pkg, yes)
			case decision != nil:
				return fmt.Errorf("run %s is %s, not awaiting approval", id, pkg.Status)
			default:
				pkg, err = a.Engine.Continue(ctx, id)
			}
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), pkg)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "decision to apply: approve, modify or cancel (prompts when empty)")
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "on modify, the proposed query ids to keep")
	cmd.Flags().StringArrayVar(&sqls, "sql", nil, "on modify, a replacement query as STEP_ID=SQL (repeatable)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve the proposed queries without prompting")
	return cmd
}

// buildDecision returns nil when no action was given.
func buildDecision(action string, keep, sqls []string, note string) (*pipeline.Decision, error) {
	if action == "" {
		if len(keep) > 0 || len(sqls) > 0 {
			return nil, fmt.Errorf("--keep and --sql need --action modify")
		}
		return nil, nil
	}

	d := &pipeline.Decision{Action: pipeline.Action(strings.ToLower(action)), QueryIDs: keep, Note: note}
	switch d.Action {
	case pipeline.ActionApprove, pipeline.ActionCancel:
		if len(keep) > 0 || len(sqls) > 0 {
			return nil, fmt.Errorf("--keep and --sql only apply to --action modify")
		}
	case pipeline.ActionModify:
		if len(keep) == 0 && len(sqls) == 0 {
			return nil, fmt.Errorf("--action modify needs --keep or --sql")
		}
		for _, s := range sqls {
			step, sql, ok := strings.Cut(s, "=")
			if !ok || strings.TrimSpace(step) == "" || strings.TrimSpace(sql) == "" {
				return nil, fmt.Errorf("invalid --sql %q: expected STEP_ID=SQL", s)
			}
			d.Queries = append(d.Queries, pipeline.ProposedQuery{StepID: strings.TrimSpace(step), SQL: strings.TrimSpace(sql)})
		}
	default:
		return nil, fmt.Errorf("invalid action %q: must be approve, modify or cancel", action)
	}
	return d, nil
}
