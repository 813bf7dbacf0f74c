package pipeline

import (
	"errors"
	"fmt"
)

// AnyStage matches every source stage in a rule.
const AnyStage StageName = "*"

// Rule routes from one stage to the next when its predicate holds. Reason is
// recorded as the failure kind when the rule fails a run that carries no
// error yet.
type Rule struct {
	Name   string
	From   StageName
	When   func(State) bool
	To     StageName
	Reason ErrorKind
}

func (r Rule) matches(from StageName, s State) bool {
	if r.From != AnyStage && r.From != from {
		return false
	}
	return r.When == nil || r.When(s)
}

type Router struct {
	rules []Rule
}

func NewRouter(rules []Rule) (*Router, error) {
	if len(rules) == 0 {
		return nil, errors.New("at least one routing rule is required")
	}
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("routing rule %d has no name", i)
		}
		if _, ok := seen[r.Name]; ok {
			return nil, fmt.Errorf("duplicate routing rule %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.From == "" || r.To == "" {
			return nil, fmt.Errorf("routing rule %q needs both a source and a destination", r.Name)
		}
	}
	return &Router{rules: rules}, nil
}

// Next evaluates the rules in declared order; the first match wins. No match
// is a configuration error.
func (r *Router) Next(from StageName, s State) (StageName, Rule, error) {
	for _, rule := range r.rules {
		if rule.matches(from, s) {
			return rule.To, rule, nil
		}
	}
	e := NewError(KindConfiguration, "no routing rule matches after stage %q", from)
	e.Stage = from
	return "", Rule{}, e
}

func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// DefaultRules is the standard analysis flow.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "capability-question",
			From: StageInterpreter,
			When: func(s State) bool { return s.Intent != nil && s.Intent.IsCapability },
			To:   StageCapabilities,
		},
		{
			Name: "capability-answered",
			From: StageCapabilities,
			When: func(s State) bool { return s.Error == nil },
			To:   EndSucceeded,
		},
		{
			Name: "fatal",
			From: AnyStage,
			When: func(s State) bool { return s.Error != nil },
			To:   EndFailed,
		},
		{
			Name: "approval-before-execution",
			From: StageExecutionAgent,
			To:   StageApprovalGate,
		},
		{
			Name: "approval-cancelled",
			From: StageApprovalGate,
			When: func(s State) bool { return s.Approval != nil && s.Approval.Status == ApprovalCancelled },
			To:   EndCancelled,
		},
		{
			Name: "approval-granted",
			From: StageApprovalGate,
			When: func(s State) bool { return s.Approval.Granted() },
			To:   StageExecutor,
		},
		{
			Name:   "no-successful-queries",
			From:   StageExecutor,
			When:   func(s State) bool { return s.Results == nil || s.Results.Succeeded() == 0 },
			To:     EndFailed,
			Reason: KindAllQueriesFailed,
		},
		linear(StageInterpreter, StageAdvisor),
		linear(StageAdvisor, StagePlanner),
		linear(StagePlanner, StageExecutionAgent),
		linear(StageExecutor, StageSynthesizer),
		linear(StageSynthesizer, StageInsights),
		linear(StageInsights, StageVisualization),
		linear(StageVisualization, StageGuardrails),
		linear(StageGuardrails, EndSucceeded),
	}
}

func linear(from, to StageName) Rule {
	return Rule{
		Name: fmt.Sprintf("%s -> %s", from, to),
		From: from,
		To:   to,
	}
}
