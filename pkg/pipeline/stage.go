package pipeline

import (
	"context"
	"slices"
)

type StageName string

const (
	StageInterpreter    StageName = "Question Interpreter"
	StageCapabilities   StageName = "Capability Response"
	StageAdvisor        StageName = "Data Advisor"
	StagePlanner        StageName = "Analysis Planner"
	StageExecutionAgent StageName = "Execution Agent"
	StageApprovalGate   StageName = "Approval Gate"
	StageExecutor       StageName = "Query Executor"
	StageSynthesizer    StageName = "Answer Synthesizer"
	StageInsights       StageName = "Insight Generator"
	StageVisualization  StageName = "Visualization Agent"
	StageGuardrails     StageName = "Confidence & Guardrails"

	stageOrchestrator StageName = "Orchestrator"
)

// Terminal markers returned by the router.
const (
	EndSucceeded StageName = "succeeded"
	EndFailed    StageName = "failed"
	EndCancelled StageName = "cancelled"
)

func (n StageName) Terminal() bool {
	return n == EndSucceeded || n == EndFailed || n == EndCancelled
}

func (n StageName) status() Status {
	switch n {
	case EndSucceeded:
		return StatusSucceeded
	case EndCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Descriptor is the static contract of a stage.
type Descriptor struct {
	Name   StageName
	Reads  []Field
	Writes []Field
	// Interruptible stages only run once the approval gate has been passed.
	Interruptible bool
	// MaxAttempts is the number of consecutive Retryable results tolerated
	// before the stage is escalated to Fatal. Zero uses the engine default.
	MaxAttempts int
}

func (d Descriptor) CanWrite(f Field) bool {
	return slices.Contains(d.Writes, f)
}

func (d Descriptor) CanRead(f Field) bool {
	return slices.Contains(d.Reads, f)
}

// Stage is one unit of pipeline work. Run only sees the fields the descriptor
// declares as reads and must be safe to invoke again with the same state
// after a Retryable result.
type Stage interface {
	Descriptor() Descriptor
	Run(ctx context.Context, state State) Result
}

type Outcome string

const (
	OutcomeDelta     Outcome = "delta"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSuspended Outcome = "suspended"
	OutcomeDecided   Outcome = "decided"
)

type Result struct {
	Outcome Outcome
	Delta   Delta
	Err     *Error
}

func Emit(delta Delta) Result {
	return Result{Outcome: OutcomeDelta, Delta: delta}
}

func Retry(err *Error) Result {
	return Result{Outcome: OutcomeRetryable, Err: err}
}

func Fail(err *Error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}

var (
	orchestratorDescriptor = Descriptor{
		Name:   stageOrchestrator,
		Writes: []Field{FieldStatus, FieldError, FieldLog},
	}
	gateDescriptor = Descriptor{
		Name:   StageApprovalGate,
		Reads:  []Field{FieldPlan, FieldQueries},
		Writes: []Field{FieldApproval, FieldStatus, FieldLog},
	}
)
