package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/metrics"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionModify  Action = "modify"
	ActionCancel  Action = "cancel"
)

type ProposedQuery struct {
	ID     string `json:"id,omitempty"`
	StepID string `json:"step_id,omitempty"`
	SQL    string `json:"sql"`
}

// Decision resolves a run suspended at the approval gate.
type Decision struct {
	Action Action `json:"action"`
	// QueryIDs keeps a subset of the proposed queries on modify.
	QueryIDs []string `json:"query_ids,omitempty"`
	// Queries adds replacement queries on modify.
	Queries []ProposedQuery `json:"queries,omitempty"`
	Note    string          `json:"note,omitempty"`
}

func (e *Engine) suspend(ctx context.Context, snap Snapshot) (*Package, error) {
	state, err := Merge(snap.State, gateDescriptor, Delta{
		FieldApproval: Approval{Status: ApprovalPending},
		FieldStatus:   StatusAwaitingApproval,
		FieldLog:      LogEntry{Stage: StageApprovalGate, Outcome: OutcomeSuspended, At: e.cfg.Clock.Now()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to suspend run %s: %w", snap.RequestID, err)
	}
	saved, err := e.persist(ctx, snap, state, StageApprovalGate)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalsTotal.WithLabelValues("pending").Inc()

	queries := 0
	if state.Queries != nil {
		queries = len(state.Queries.Queries)
	}
	e.log.Info("engine: awaiting approval", "request_id", saved.RequestID, "queries", queries)
	return NewPackage(saved.State), nil
}

// Resume applies a decision to a run suspended at the approval gate and
// drives it onward. A run that is not suspended, or whose approval was
// already resolved, fails with InvalidState and is left untouched.
func (e *Engine) Resume(ctx context.Context, requestID string, d Decision) (*Package, error) {
	snap, err := e.cfg.Store.Load(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", requestID, err)
	}

	state := snap.State
	if snap.Next != StageApprovalGate || state.Status != StatusAwaitingApproval ||
		state.Approval == nil || state.Approval.Status != ApprovalPending {
		return nil, invalidState("run %s is %s, not awaiting approval", requestID, state.Status)
	}

	approval, err := e.resolve(state, d)
	if err != nil {
		return nil, err
	}
	state = e.decide(state, approval)

	snap, err = e.transition(ctx, snap, state, StageApprovalGate)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, invalidState("approval for run %s was already resolved", requestID)
		}
		return nil, err
	}
	metrics.ApprovalsTotal.WithLabelValues(string(d.Action)).Inc()
	e.log.Info("engine: approval resolved", "request_id", requestID, "decision", approval.Status, "queries", len(approval.Queries))

	return e.advance(ctx, snap)
}

func (e *Engine) decide(state State, approval Approval) State {
	next, err := Merge(state, gateDescriptor, Delta{
		FieldApproval: approval,
		FieldStatus:   StatusRunning,
		FieldLog: LogEntry{
			Stage:   StageApprovalGate,
			Outcome: OutcomeDecided,
			Message: string(approval.Status),
			At:      e.cfg.Clock.Now(),
		},
	})
	if err != nil {
		e.log.Error("engine: failed to record approval", "request_id", state.RequestID, "error", err)
		return state
	}
	return next
}

func (e *Engine) resolve(state State, d Decision) (Approval, error) {
	now := e.cfg.Clock.Now()
	switch d.Action {
	case ActionApprove:
		return Approval{Status: ApprovalApproved, Note: d.Note, DecidedAt: now}, nil
	case ActionCancel:
		return Approval{Status: ApprovalCancelled, Note: d.Note, DecidedAt: now}, nil
	case ActionModify:
	default:
		return Approval{}, invalidState("unknown approval action %q", d.Action)
	}

	// Query ids must stay unique across kept and supplied queries so results
	// and evidence resolve to exactly one query.
	used := make(map[string]struct{}, len(d.QueryIDs)+len(d.Queries))
	candidates := make([]ProposedQuery, 0, len(d.QueryIDs)+len(d.Queries))
	for _, id := range d.QueryIDs {
		q, ok := findQuery(state.Queries, id)
		if !ok {
			return Approval{}, invalidState("run %s has no proposed query %q", state.RequestID, id)
		}
		if _, dup := used[id]; dup {
			return Approval{}, invalidState("query %q is kept more than once", id)
		}
		used[id] = struct{}{}
		candidates = append(candidates, ProposedQuery{ID: q.ID, StepID: q.StepID, SQL: q.SQL})
	}
	for _, q := range d.Queries {
		if q.ID == "" {
			continue
		}
		if _, dup := used[q.ID]; dup {
			return Approval{}, invalidState("query id %q is already in use", q.ID)
		}
		used[q.ID] = struct{}{}
	}
	candidates = append(candidates, d.Queries...)
	if len(candidates) == 0 {
		return Approval{}, NewError(KindQueryRejected, "modify needs at least one query")
	}

	approval := Approval{Status: ApprovalModified, Note: d.Note, DecidedAt: now}
	var reasons []string
	for i, c := range candidates {
		id := c.ID
		if id == "" {
			id = freshID(used, i+1)
		}
		verdict := e.cfg.Validator.Validate(c.SQL)
		if !verdict.Accepted {
			metrics.QueriesRejectedTotal.WithLabelValues(string(verdict.Reason)).Inc()
			approval.Rejected = append(approval.Rejected, RejectedQuery{
				StepID: c.StepID,
				SQL:    c.SQL,
				Reason: string(verdict.Reason),
				Detail: verdict.Detail,
			})
			reasons = append(reasons, fmt.Sprintf("%s: %s", id, verdict))
			continue
		}
		approval.Queries = append(approval.Queries, Query{
			ID:            id,
			StepID:        c.StepID,
			SQL:           verdict.SQL,
			Timeout:       verdict.Timeout,
			LimitInjected: verdict.LimitInjected,
		})
	}
	if len(approval.Queries) == 0 {
		return Approval{}, NewError(KindQueryRejected, "every modified query was rejected: %s", strings.Join(reasons, "; "))
	}
	return approval, nil
}

// freshID returns the first unused id of the form m<n>, starting at n.
func freshID(used map[string]struct{}, n int) string {
	for {
		id := fmt.Sprintf("m%d", n)
		if _, taken := used[id]; !taken {
			used[id] = struct{}{}
			return id
		}
		n++
	}
}

func findQuery(set *QuerySet, id string) (Query, bool) {
	if set == nil {
		return Query{}, false
	}
	for _, q := range set.Queries {
		if q.ID == id {
			return q, true
		}
	}
	return Query{}, false
}

func invalidState(format string, args ...any) *Error {
	return NewError(KindInvalidState, format, args...)
}
