package pipeline

// Package is what the presentation layer receives: either the terminal
// result of a run or an awaiting-approval summary.
type Package struct {
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Question  string `json:"question"`

	Answer         string        `json:"answer,omitempty"`
	AnswerDegraded bool          `json:"answer_degraded,omitempty"`
	Capabilities   *Capabilities `json:"capabilities,omitempty"`

	Sources         []SelectedSource `json:"sources,omitempty"`
	Plan            *Plan            `json:"plan,omitempty"`
	ProposedQueries []Query          `json:"proposed_queries,omitempty"`
	RejectedQueries []RejectedQuery  `json:"rejected_queries,omitempty"`

	Tables    []QueryResult   `json:"tables,omitempty"`
	Charts    []Visualization `json:"charts,omitempty"`
	Insights  []Insight       `json:"insights,omitempty"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`

	Confidence      *float64 `json:"confidence,omitempty"`
	Caveats         []string `json:"caveats,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	ExecutedQueries int      `json:"executed_queries"`

	Error *Failure   `json:"error,omitempty"`
	Log   []LogEntry `json:"log,omitempty"`
}

// Failure is the user-facing error summary of a failed run.
type Failure struct {
	Stage  StageName `json:"stage"`
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

func (p *Package) AwaitingApproval() bool {
	return p.Status == StatusAwaitingApproval
}

// NewPackage builds the presentation view of a state.
func NewPackage(s State) *Package {
	s = s.Clone()
	p := &Package{
		RequestID:    s.RequestID,
		Status:       s.Status,
		Question:     s.Question,
		Capabilities: s.Capabilities,
		Plan:         s.Plan,
		Log:          s.Log,
	}
	if s.Sources != nil {
		p.Sources = s.Sources.Sources
	}
	if s.Queries != nil {
		p.ProposedQueries = s.Queries.Queries
		p.RejectedQueries = s.Queries.Rejected
	}
	if s.Approval != nil && s.Approval.Status == ApprovalModified {
		p.ProposedQueries = s.Approval.Queries
		p.RejectedQueries = append(p.RejectedQueries, s.Approval.Rejected...)
	}
	if s.Results != nil {
		p.ExecutedQueries = len(s.Results.Results)
		for _, r := range s.Results.Results {
			if r.OK() {
				p.Tables = append(p.Tables, r)
			}
		}
	}
	if s.Answer != nil {
		p.Answer = s.Answer.Text
		p.AnswerDegraded = s.Answer.Degraded
	}
	if s.Capabilities != nil && p.Answer == "" {
		p.Answer = s.Capabilities.Text
	}
	if s.Insights != nil {
		p.Insights = s.Insights.Insights
		p.Anomalies = s.Insights.Anomalies
	}
	if s.Visualizations != nil {
		p.Charts = s.Visualizations.Charts
	}
	if s.Confidence != nil {
		overall := s.Confidence.Overall
		p.Confidence = &overall
		p.Caveats = s.Confidence.Caveats
		p.Recommendations = s.Confidence.Recommendations
	}
	if s.Error != nil {
		p.Error = &Failure{
			Stage:  s.Error.Stage,
			Kind:   s.Error.Kind,
			Reason: s.Error.Message,
		}
	}
	return p
}
