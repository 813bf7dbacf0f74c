package pipeline

import (
	"fmt"
	"maps"
	"slices"
)

type Field string

const (
	FieldQuestion       Field = "question"
	FieldManualSources  Field = "manual_sources"
	FieldIntent         Field = "intent"
	FieldCapabilities   Field = "capabilities"
	FieldSources        Field = "sources"
	FieldPlan           Field = "plan"
	FieldQueries        Field = "queries"
	FieldApproval       Field = "approval"
	FieldResults        Field = "results"
	FieldAnswer         Field = "answer"
	FieldInsights       Field = "insights"
	FieldVisualizations Field = "visualizations"
	FieldConfidence     Field = "confidence"
	FieldStatus         Field = "status"
	FieldError          Field = "error"
	FieldLog            Field = "log"
)

// Delta is the set of fields a stage produced.
type Delta map[Field]any

type fieldSpec struct {
	// mutable fields may be written again once populated.
	mutable   bool
	populated func(*State) bool
	set       func(*State, any) error
	project   func(dst, src *State)
}

var schema = map[Field]fieldSpec{
	FieldQuestion: {
		populated: func(s *State) bool { return s.Question != "" },
		set:       func(*State, any) error { return fmt.Errorf("question is set at request entry") },
		project:   func(dst, src *State) { dst.Question = src.Question },
	},
	FieldManualSources: {
		populated: func(s *State) bool { return s.ManualSources != nil },
		set:       func(*State, any) error { return fmt.Errorf("manual sources are set at request entry") },
		project:   func(dst, src *State) { dst.ManualSources = slices.Clone(src.ManualSources) },
	},
	FieldIntent:         pointerField(func(s *State) **Intent { return &s.Intent }, Intent.clone),
	FieldCapabilities:   pointerField(func(s *State) **Capabilities { return &s.Capabilities }, Capabilities.clone),
	FieldSources:        pointerField(func(s *State) **SourceSelection { return &s.Sources }, SourceSelection.clone),
	FieldPlan:           pointerField(func(s *State) **Plan { return &s.Plan }, Plan.clone),
	FieldQueries:        pointerField(func(s *State) **QuerySet { return &s.Queries }, QuerySet.clone),
	FieldApproval:       mutableField(pointerField(func(s *State) **Approval { return &s.Approval }, Approval.clone)),
	FieldResults:        pointerField(func(s *State) **ExecutionResults { return &s.Results }, ExecutionResults.clone),
	FieldAnswer:         pointerField(func(s *State) **Answer { return &s.Answer }, func(a Answer) Answer { return a }),
	FieldInsights:       pointerField(func(s *State) **InsightSet { return &s.Insights }, InsightSet.clone),
	FieldVisualizations: pointerField(func(s *State) **VisualizationSet { return &s.Visualizations }, VisualizationSet.clone),
	FieldConfidence:     pointerField(func(s *State) **Confidence { return &s.Confidence }, Confidence.clone),
	FieldStatus: {
		mutable:   true,
		populated: func(s *State) bool { return s.Status != "" },
		set: func(s *State, v any) error {
			status, ok := v.(Status)
			if !ok {
				return fmt.Errorf("expected pipeline.Status, got %T", v)
			}
			s.Status = status
			return nil
		},
		project: func(dst, src *State) { dst.Status = src.Status },
	},
	FieldError: {
		mutable:   true,
		populated: func(s *State) bool { return s.Error != nil },
		set: func(s *State, v any) error {
			e, ok := v.(*Error)
			if !ok {
				return fmt.Errorf("expected *pipeline.Error, got %T", v)
			}
			s.Error = e.clone()
			return nil
		},
		project: func(dst, src *State) { dst.Error = src.Error.clone() },
	},
	// log is append-only: each write adds entries.
	FieldLog: {
		mutable:   true,
		populated: func(s *State) bool { return len(s.Log) > 0 },
		set: func(s *State, v any) error {
			switch entries := v.(type) {
			case []LogEntry:
				s.Log = slices.Concat(s.Log, entries)
			case LogEntry:
				s.Log = slices.Concat(s.Log, []LogEntry{entries})
			default:
				return fmt.Errorf("expected []pipeline.LogEntry, got %T", v)
			}
			return nil
		},
		project: func(dst, src *State) { dst.Log = slices.Clone(src.Log) },
	},
}

func pointerField[T any](get func(*State) **T, clone func(T) T) fieldSpec {
	return fieldSpec{
		populated: func(s *State) bool { return *get(s) != nil },
		set: func(s *State, v any) error {
			switch val := v.(type) {
			case T:
				c := clone(val)
				*get(s) = &c
			case *T:
				if val == nil {
					return fmt.Errorf("nil %T", val)
				}
				c := clone(*val)
				*get(s) = &c
			default:
				var zero T
				return fmt.Errorf("expected %T, got %T", zero, v)
			}
			return nil
		},
		project: func(dst, src *State) {
			if p := *get(src); p != nil {
				c := clone(*p)
				*get(dst) = &c
			}
		},
	}
}

func mutableField(spec fieldSpec) fieldSpec {
	spec.mutable = true
	return spec
}

// KnownField reports whether f is part of the state schema.
func KnownField(f Field) bool {
	_, ok := schema[f]
	return ok
}

// Populated reports whether f has been produced.
func (s State) Populated(f Field) bool {
	spec, ok := schema[f]
	if !ok {
		return false
	}
	return spec.populated(&s)
}

// Merge applies delta on behalf of the stage described by desc and returns
// the new state. The input state is left untouched and the merge is all or
// nothing: any rejected field leaves no partial update behind.
func Merge(state State, desc Descriptor, delta Delta) (State, error) {
	keys := slices.Sorted(maps.Keys(delta))

	for _, f := range keys {
		spec, ok := schema[f]
		if !ok {
			return state, schemaViolation(desc.Name, "unknown field %q", f)
		}
		if !desc.CanWrite(f) {
			return state, schemaViolation(desc.Name, "stage is not permitted to write %q", f)
		}
		if !spec.mutable && spec.populated(&state) {
			return state, schemaViolation(desc.Name, "field %q is already populated", f)
		}
	}

	// The shallow copy shares pointers with state; setters only ever replace
	// them, so state is never written through.
	next := state
	for _, f := range keys {
		if err := schema[f].set(&next, delta[f]); err != nil {
			return state, schemaViolation(desc.Name, "field %q: %v", f, err)
		}
	}
	return next, nil
}

// Project returns a deep copy of s holding only the given fields plus the
// request id.
func (s State) Project(fields []Field) State {
	view := State{RequestID: s.RequestID}
	for _, f := range fields {
		if spec, ok := schema[f]; ok {
			spec.project(&view, &s)
		}
	}
	return view
}

// Clone returns a deep copy of every field.
func (s State) Clone() State {
	return s.Project(slices.Collect(maps.Keys(schema)))
}

func schemaViolation(stage StageName, format string, args ...any) *Error {
	e := NewError(KindSchemaViolation, format, args...)
	e.Stage = stage
	return e
}
