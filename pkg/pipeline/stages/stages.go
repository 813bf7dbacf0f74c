// Package stages implements the analysis stages the pipeline engine drives:
// question interpretation, source selection, planning, query generation and
// execution, and the transforms that turn results into an answer.
package stages

import (
	"fmt"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// All builds every stage of the standard flow from one configuration.
func All(cfg Config) ([]pipeline.Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}

	builders := []func(Config) (pipeline.Stage, error){
		func(c Config) (pipeline.Stage, error) { return NewInterpreter(c) },
		func(c Config) (pipeline.Stage, error) { return NewCapabilities(c) },
		func(c Config) (pipeline.Stage, error) { return NewAdvisor(c) },
		func(c Config) (pipeline.Stage, error) { return NewPlanner(c) },
		func(c Config) (pipeline.Stage, error) { return NewExecutionAgent(c) },
		func(c Config) (pipeline.Stage, error) { return NewExecutor(c) },
		func(c Config) (pipeline.Stage, error) { return NewSynthesizer(c) },
		func(c Config) (pipeline.Stage, error) { return NewInsightGenerator(c) },
		func(c Config) (pipeline.Stage, error) { return NewVisualizer(c) },
		func(c Config) (pipeline.Stage, error) { return NewGuardrails(c) },
	}

	out := make([]pipeline.Stage, 0, len(builders))
	for _, build := range builders {
		stage, err := build(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	return out, nil
}
