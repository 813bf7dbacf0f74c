package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/analyst/pkg/metrics"
)

// Engine drives runs through the stages, persisting a snapshot at every
// transition so a run can be inspected, resumed at the approval gate, or
// continued after a restart.
type Engine struct {
	log    *slog.Logger
	cfg    Config
	stages map[StageName]Stage
	router *Router
}

type Request struct {
	// RequestID is generated when empty.
	RequestID string
	Question  string
	// Sources is an optional manual selection that bypasses source ranking.
	Sources []string
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate engine config: %w", err)
	}

	router, err := NewRouter(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	stages := make(map[StageName]Stage, len(cfg.Stages))
	for _, s := range cfg.Stages {
		name := s.Descriptor().Name
		switch {
		case name == "":
			return nil, errors.New("stage descriptor has no name")
		case name == StageApprovalGate || name.Terminal() || name == AnyStage:
			return nil, fmt.Errorf("stage name %q is reserved", name)
		}
		if _, ok := stages[name]; ok {
			return nil, fmt.Errorf("duplicate stage %q", name)
		}
		for _, f := range s.Descriptor().Writes {
			if !KnownField(f) {
				return nil, fmt.Errorf("stage %q declares unknown write field %q", name, f)
			}
		}
		stages[name] = s
	}
	if _, ok := stages[cfg.Entry]; !ok {
		return nil, fmt.Errorf("entry stage %q is not registered", cfg.Entry)
	}
	for _, rule := range router.Rules() {
		if rule.To.Terminal() || rule.To == StageApprovalGate {
			continue
		}
		if _, ok := stages[rule.To]; !ok {
			return nil, fmt.Errorf("routing rule %q targets unregistered stage %q", rule.Name, rule.To)
		}
	}

	return &Engine{
		log:    cfg.Logger,
		cfg:    cfg,
		stages: stages,
		router: router,
	}, nil
}

// Submit starts a run and drives it until it terminates or suspends at the
// approval gate.
func (e *Engine) Submit(ctx context.Context, req Request) (*Package, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, errors.New("question is required")
	}
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	now := e.cfg.Clock.Now()
	snap := Snapshot{
		RequestID: id,
		State:     NewState(id, question, req.Sources),
		Next:      e.cfg.Entry,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.cfg.Store.Save(ctx, snap, 0); err != nil {
		return nil, fmt.Errorf("failed to persist run %s: %w", id, err)
	}
	e.log.Info("engine: run submitted", "request_id", id, "manual_sources", len(req.Sources))

	return e.advance(ctx, snap)
}

// Get returns the current package of a run without advancing it.
func (e *Engine) Get(ctx context.Context, requestID string) (*Package, error) {
	snap, err := e.cfg.Store.Load(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", requestID, err)
	}
	return NewPackage(snap.State), nil
}

// Continue drives a run that was interrupted mid-flight, such as by a process
// restart. Suspended and terminal runs are returned unchanged. Stages whose
// output is already present are not run again.
func (e *Engine) Continue(ctx context.Context, requestID string) (*Package, error) {
	snap, err := e.cfg.Store.Load(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", requestID, err)
	}
	if snap.State.Status.Terminal() || snap.State.Status == StatusAwaitingApproval {
		return NewPackage(snap.State), nil
	}
	e.log.Info("engine: continuing run", "request_id", requestID, "next", snap.Next)
	return e.advance(ctx, snap)
}

func (e *Engine) advance(ctx context.Context, snap Snapshot) (*Package, error) {
	var err error
	for {
		if snap.Next.Terminal() {
			return NewPackage(snap.State), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("run %s interrupted before %q: %w", snap.RequestID, snap.Next, ctxErr)
		}

		if snap.Next == StageApprovalGate {
			approval := snap.State.Approval
			switch {
			case approval == nil && e.cfg.AutoApprove:
				state := e.decide(snap.State, Approval{Status: ApprovalApproved, Auto: true, DecidedAt: e.cfg.Clock.Now()})
				metrics.ApprovalsTotal.WithLabelValues("auto").Inc()
				if snap, err = e.transition(ctx, snap, state, StageApprovalGate); err != nil {
					return nil, err
				}
			case approval == nil:
				return e.suspend(ctx, snap)
			case approval.Status == ApprovalPending:
				return NewPackage(snap.State), nil
			default:
				if snap, err = e.transition(ctx, snap, snap.State, StageApprovalGate); err != nil {
					return nil, err
				}
			}
			continue
		}

		stage, ok := e.stages[snap.Next]
		if !ok {
			state := e.fail(snap.State, NewError(KindConfiguration, "stage %q is not registered", snap.Next), snap.Next)
			if snap, err = e.transition(ctx, snap, state, snap.Next); err != nil {
				return nil, err
			}
			continue
		}

		desc := stage.Descriptor()
		state := snap.State
		if e.completed(desc, state) {
			e.log.Debug("engine: stage output present, skipping", "request_id", snap.RequestID, "stage", desc.Name)
			state = e.appendLog(state, []LogEntry{{Stage: desc.Name, Outcome: OutcomeSkipped, At: e.cfg.Clock.Now()}})
		} else {
			state = e.execute(ctx, stage, desc, state)
		}

		// A cancelled caller must not turn into a failed run; the last
		// snapshot stays resumable.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("run %s interrupted during %q: %w", snap.RequestID, desc.Name, ctxErr)
		}
		if snap, err = e.transition(ctx, snap, state, desc.Name); err != nil {
			return nil, err
		}
	}
}

// execute runs one stage with its retry ceiling and merges the outcome.
func (e *Engine) execute(ctx context.Context, stage Stage, desc Descriptor, state State) State {
	if desc.Interruptible && !state.Approval.Granted() {
		return e.fail(state, NewError(KindInvalidState, "%s requires an approved plan", desc.Name), desc.Name)
	}

	maxAttempts := desc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitialInterval
	bo.MaxInterval = e.cfg.RetryMaxInterval
	bo.Reset()

	view := state.Project(desc.Reads)
	var entries []LogEntry
	for attempt := 1; ; attempt++ {
		start := e.cfg.Clock.Now()
		result := e.invoke(ctx, stage, view)
		elapsed := e.cfg.Clock.Since(start)

		metrics.StageDuration.WithLabelValues(string(desc.Name)).Observe(elapsed.Seconds())
		metrics.StageOutcomesTotal.WithLabelValues(string(desc.Name), string(result.Outcome)).Inc()

		entry := LogEntry{Stage: desc.Name, Outcome: result.Outcome, Attempt: attempt, Duration: elapsed, At: start}
		if result.Err != nil {
			entry.Message = result.Err.Message
		}
		entries = append(entries, entry)

		switch result.Outcome {
		case OutcomeDelta:
			merged, err := Merge(state, desc, result.Delta)
			if err != nil {
				e.log.Error("engine: stage delta rejected", "request_id", state.RequestID, "stage", desc.Name, "error", err)
				return e.fail(e.appendLog(state, entries), AsError(err), desc.Name)
			}
			e.log.Info("engine: stage completed", "request_id", state.RequestID, "stage", desc.Name, "attempt", attempt, "duration", elapsed)
			return e.appendLog(merged, entries)

		case OutcomeRetryable:
			reason := result.Err
			if reason == nil {
				reason = NewError(KindInternal, "stage asked for a retry without a reason")
			}
			if attempt >= maxAttempts {
				escalated := *reason
				escalated.Message = fmt.Sprintf("%s (gave up after %d attempts)", reason.Message, attempt)
				e.log.Warn("engine: stage retries exhausted", "request_id", state.RequestID, "stage", desc.Name, "attempts", attempt, "kind", reason.Kind)
				return e.fail(e.appendLog(state, entries), &escalated, desc.Name)
			}
			delay := bo.NextBackOff()
			e.log.Warn("engine: stage failed, retrying", "request_id", state.RequestID, "stage", desc.Name, "attempt", attempt, "kind", reason.Kind, "error", reason.Message, "delay", delay)
			if !e.sleep(ctx, delay) {
				return e.appendLog(state, entries)
			}

		case OutcomeFatal:
			reason := result.Err
			if reason == nil {
				reason = NewError(KindInternal, "stage failed without a reason")
			}
			e.log.Warn("engine: stage failed", "request_id", state.RequestID, "stage", desc.Name, "kind", reason.Kind, "error", reason.Message)
			return e.fail(e.appendLog(state, entries), reason, desc.Name)

		default:
			return e.fail(e.appendLog(state, entries), NewError(KindInternal, "stage returned unknown outcome %q", result.Outcome), desc.Name)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, stage Stage, view State) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine: stage panicked", "stage", stage.Descriptor().Name, "panic", r)
			result = Fail(NewError(KindInternal, "stage panicked: %v", r))
		}
	}()
	return stage.Run(ctx, view)
}

// transition routes from the stage that just ran and persists the result.
func (e *Engine) transition(ctx context.Context, snap Snapshot, state State, from StageName) (Snapshot, error) {
	next, rule, err := e.router.Next(from, state)
	if err != nil {
		e.log.Error("engine: routing failed", "request_id", snap.RequestID, "stage", from, "error", err)
		state = e.fail(state, AsError(err), from)
		next = EndFailed
	}

	if next.Terminal() {
		if next == EndFailed && state.Error == nil {
			kind := rule.Reason
			if kind == "" {
				kind = KindInternal
			}
			state = e.fail(state, NewError(kind, "run ended by routing rule %q", rule.Name), from)
		}
		state = e.orchestrate(state, Delta{FieldStatus: next.status()})
	}

	saved, err := e.persist(ctx, snap, state, next)
	if err != nil {
		return snap, err
	}

	if next.Terminal() {
		metrics.RunsTotal.WithLabelValues(string(state.Status)).Inc()
		attrs := []any{"request_id", snap.RequestID, "status", state.Status}
		if state.Error != nil {
			attrs = append(attrs, "stage", state.Error.Stage, "kind", state.Error.Kind)
		}
		e.log.Info("engine: run finished", attrs...)
	}
	return saved, nil
}

func (e *Engine) persist(ctx context.Context, prev Snapshot, state State, next StageName) (Snapshot, error) {
	snap := Snapshot{
		RequestID: prev.RequestID,
		State:     state,
		Next:      next,
		Version:   prev.Version + 1,
		CreatedAt: prev.CreatedAt,
		UpdatedAt: e.cfg.Clock.Now(),
	}
	if err := e.cfg.Store.Save(ctx, snap, prev.Version); err != nil {
		return prev, fmt.Errorf("failed to persist run %s: %w", prev.RequestID, err)
	}
	return snap, nil
}

// completed reports whether every field the stage owns is already present.
func (e *Engine) completed(desc Descriptor, state State) bool {
	owned := 0
	for _, f := range desc.Writes {
		if schema[f].mutable {
			continue
		}
		if !state.Populated(f) {
			return false
		}
		owned++
	}
	return owned > 0
}

func (e *Engine) fail(state State, err *Error, stage StageName) State {
	if err == nil {
		err = NewError(KindInternal, "unknown failure")
	}
	return e.orchestrate(state, Delta{FieldStatus: StatusFailed, FieldError: err.withStage(stage)})
}

func (e *Engine) appendLog(state State, entries []LogEntry) State {
	if len(entries) == 0 {
		return state
	}
	return e.orchestrate(state, Delta{FieldLog: entries})
}

func (e *Engine) orchestrate(state State, delta Delta) State {
	next, err := Merge(state, orchestratorDescriptor, delta)
	if err != nil {
		// Orchestrator fields are always writable; this only fires on a bad value type.
		e.log.Error("engine: failed to update run state", "request_id", state.RequestID, "error", err)
		return state
	}
	return next
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-e.cfg.Clock.After(d):
		return true
	}
}
