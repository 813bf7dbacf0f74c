package pipeline

import (
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// State is the record threaded through every stage of one request. A nil
// field has not been produced yet.
type State struct {
	RequestID     string   `json:"request_id"`
	Question      string   `json:"question"`
	ManualSources []string `json:"manual_sources,omitempty"`

	Intent         *Intent           `json:"intent,omitempty"`
	Capabilities   *Capabilities     `json:"capabilities,omitempty"`
	Sources        *SourceSelection  `json:"sources,omitempty"`
	Plan           *Plan             `json:"plan,omitempty"`
	Queries        *QuerySet         `json:"queries,omitempty"`
	Approval       *Approval         `json:"approval,omitempty"`
	Results        *ExecutionResults `json:"results,omitempty"`
	Answer         *Answer           `json:"answer,omitempty"`
	Insights       *InsightSet       `json:"insights,omitempty"`
	Visualizations *VisualizationSet `json:"visualizations,omitempty"`
	Confidence     *Confidence       `json:"confidence,omitempty"`

	Status Status     `json:"status"`
	Error  *Error     `json:"error,omitempty"`
	Log    []LogEntry `json:"log,omitempty"`
}

func NewState(requestID, question string, manualSources []string) State {
	return State{
		RequestID:     requestID,
		Question:      question,
		ManualSources: slices.Clone(manualSources),
		Status:        StatusRunning,
	}
}

type Intent struct {
	TaskType     string   `json:"task_type"`
	Entities     []string `json:"entities,omitempty"`
	Metrics      []string `json:"metrics,omitempty"`
	TimeWindow   string   `json:"time_window,omitempty"`
	Segments     []string `json:"segments,omitempty"`
	Confidence   float64  `json:"confidence"`
	IsCapability bool     `json:"is_capability"`
}

func (i Intent) clone() Intent {
	i.Entities = slices.Clone(i.Entities)
	i.Metrics = slices.Clone(i.Metrics)
	i.Segments = slices.Clone(i.Segments)
	return i
}

// Terms returns every entity, metric and segment the question mentions.
func (i Intent) Terms() []string {
	return slices.Concat(i.Metrics, i.Entities, i.Segments)
}

type Capabilities struct {
	Text     string   `json:"text"`
	Datasets []string `json:"datasets,omitempty"`
	Examples []string `json:"examples,omitempty"`
}

func (c Capabilities) clone() Capabilities {
	c.Datasets = slices.Clone(c.Datasets)
	c.Examples = slices.Clone(c.Examples)
	return c
}

type SelectedSource struct {
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
	Warnings   []string  `json:"warnings,omitempty"`
	RowCount   int64     `json:"row_count"`
	Quality    float64   `json:"quality"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

type SourceSelection struct {
	Sources  []SelectedSource `json:"sources"`
	Warnings []string         `json:"warnings,omitempty"`
	Manual   bool             `json:"manual"`
}

func (s SourceSelection) clone() SourceSelection {
	sources := make([]SelectedSource, len(s.Sources))
	for i, src := range s.Sources {
		src.Warnings = slices.Clone(src.Warnings)
		sources[i] = src
	}
	s.Sources = sources
	s.Warnings = slices.Clone(s.Warnings)
	return s
}

func (s SourceSelection) Names() []string {
	names := make([]string, 0, len(s.Sources))
	for _, src := range s.Sources {
		names = append(names, src.Name)
	}
	return names
}

func (s SourceSelection) Has(name string) bool {
	for _, src := range s.Sources {
		if src.Name == name {
			return true
		}
	}
	return false
}

type PlanStep struct {
	ID        string   `json:"id"`
	Number    int      `json:"number"`
	Goal      string   `json:"goal"`
	Sources   []string `json:"sources"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type Plan struct {
	Steps            []PlanStep `json:"steps"`
	Warnings         []string   `json:"warnings,omitempty"`
	EstimatedRuntime string     `json:"estimated_runtime,omitempty"`
}

func (p Plan) clone() Plan {
	steps := make([]PlanStep, len(p.Steps))
	for i, step := range p.Steps {
		step.Sources = slices.Clone(step.Sources)
		step.DependsOn = slices.Clone(step.DependsOn)
		steps[i] = step
	}
	p.Steps = steps
	p.Warnings = slices.Clone(p.Warnings)
	return p
}

type Query struct {
	ID            string        `json:"id"`
	StepID        string        `json:"step_id"`
	SQL           string        `json:"sql"`
	Explanation   string        `json:"explanation,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	LimitInjected bool          `json:"limit_injected,omitempty"`
}

type RejectedQuery struct {
	StepID string `json:"step_id,omitempty"`
	SQL    string `json:"sql"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type QuerySet struct {
	Queries  []Query         `json:"queries"`
	Rejected []RejectedQuery `json:"rejected,omitempty"`
}

func (q QuerySet) clone() QuerySet {
	q.Queries = slices.Clone(q.Queries)
	q.Rejected = slices.Clone(q.Rejected)
	return q
}

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalModified  ApprovalStatus = "modified"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

type Approval struct {
	Status ApprovalStatus `json:"status"`
	// Queries replaces the generated query set when Status is modified.
	Queries   []Query         `json:"queries,omitempty"`
	Rejected  []RejectedQuery `json:"rejected,omitempty"`
	Auto      bool            `json:"auto,omitempty"`
	Note      string          `json:"note,omitempty"`
	DecidedAt time.Time       `json:"decided_at,omitzero"`
}

func (a Approval) clone() Approval {
	a.Queries = slices.Clone(a.Queries)
	a.Rejected = slices.Clone(a.Rejected)
	return a
}

// Granted reports whether execution may proceed.
func (a *Approval) Granted() bool {
	return a != nil && (a.Status == ApprovalApproved || a.Status == ApprovalModified)
}

// ExecutableQueries returns the queries execution should run given the
// approval decision.
func (s State) ExecutableQueries() []Query {
	if s.Approval != nil && s.Approval.Status == ApprovalModified {
		return slices.Clone(s.Approval.Queries)
	}
	if s.Queries == nil {
		return nil
	}
	return slices.Clone(s.Queries.Queries)
}

type QueryError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type QueryResult struct {
	QueryID   string           `json:"query_id"`
	StepID    string           `json:"step_id"`
	SQL       string           `json:"sql"`
	Columns   []string         `json:"columns,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
	Elapsed   time.Duration    `json:"elapsed"`
	Error     *QueryError      `json:"error,omitempty"`
}

func (r QueryResult) OK() bool {
	return r.Error == nil
}

func (r QueryResult) clone() QueryResult {
	r.Columns = slices.Clone(r.Columns)
	if r.Rows != nil {
		rows := make([]map[string]any, len(r.Rows))
		for i, row := range r.Rows {
			rows[i] = maps.Clone(row)
		}
		r.Rows = rows
	}
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

type ExecutionResults struct {
	Results []QueryResult `json:"results"`
}

func (e ExecutionResults) clone() ExecutionResults {
	results := make([]QueryResult, len(e.Results))
	for i, r := range e.Results {
		results[i] = r.clone()
	}
	e.Results = results
	return e
}

func (e ExecutionResults) Succeeded() int {
	n := 0
	for _, r := range e.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

func (e ExecutionResults) Failed() []QueryResult {
	var failed []QueryResult
	for _, r := range e.Results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

// SuccessFraction is zero when nothing ran.
func (e ExecutionResults) SuccessFraction() float64 {
	if len(e.Results) == 0 {
		return 0
	}
	return float64(e.Succeeded()) / float64(len(e.Results))
}

func (e ExecutionResults) TotalRows() int {
	n := 0
	for _, r := range e.Results {
		if r.OK() {
			n += r.RowCount
		}
	}
	return n
}

type Answer struct {
	Text     string `json:"text"`
	Degraded bool   `json:"degraded,omitempty"`
}

type Insight struct {
	Text       string  `json:"text"`
	Evidence   string  `json:"evidence"`
	Category   string  `json:"category"`
	Metric     string  `json:"metric,omitempty"`
	Magnitude  float64 `json:"magnitude,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Anomaly struct {
	Evidence    string  `json:"evidence"`
	Column      string  `json:"column"`
	Label       string  `json:"label,omitempty"`
	Value       float64 `json:"value"`
	ZScore      float64 `json:"z_score"`
	Description string  `json:"description"`
}

type InsightSet struct {
	Insights  []Insight `json:"insights"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

func (i InsightSet) clone() InsightSet {
	i.Insights = slices.Clone(i.Insights)
	i.Anomalies = slices.Clone(i.Anomalies)
	return i
}

type ChartKind string

const (
	ChartBar     ChartKind = "bar"
	ChartLine    ChartKind = "line"
	ChartPie     ChartKind = "pie"
	ChartScatter ChartKind = "scatter"
	ChartTable   ChartKind = "table"
)

type Visualization struct {
	ID      string            `json:"id"`
	Kind    ChartKind         `json:"kind"`
	Title   string            `json:"title"`
	DataRef string            `json:"data_ref"`
	Config  map[string]string `json:"config,omitempty"`
}

type VisualizationSet struct {
	Charts []Visualization `json:"charts"`
}

func (v VisualizationSet) clone() VisualizationSet {
	charts := make([]Visualization, len(v.Charts))
	for i, c := range v.Charts {
		c.Config = maps.Clone(c.Config)
		charts[i] = c
	}
	v.Charts = charts
	return v
}

type Confidence struct {
	Overall         float64            `json:"overall"`
	Caveats         []string           `json:"caveats,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Signals         map[string]float64 `json:"signals,omitempty"`
}

func (c Confidence) clone() Confidence {
	c.Caveats = slices.Clone(c.Caveats)
	c.Recommendations = slices.Clone(c.Recommendations)
	c.Signals = maps.Clone(c.Signals)
	return c
}

type LogEntry struct {
	Stage    StageName     `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
	At       time.Time     `json:"at"`
}
