package stages

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline/stages/prompts"
)

// Prompts contains the system prompts of the reasoning stages.
type Prompts struct {
	Interpret  string // Question classification and intent extraction
	Plan       string // Multi-step analysis plan
	Generate   string // SQL generation for one plan step
	Synthesize string // Direct answer from result tables
	Insights   string // Findings over result tables
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Interpret, err = loadPrompt("INTERPRET.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTERPRET: %w", err)
	}
	if p.Plan, err = loadPrompt("PLAN.md"); err != nil {
		return nil, fmt.Errorf("failed to load PLAN: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Synthesize, err = loadPrompt("SYNTHESIZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load SYNTHESIZE: %w", err)
	}
	if p.Insights, err = loadPrompt("INSIGHTS.md"); err != nil {
		return nil, fmt.Errorf("failed to load INSIGHTS: %w", err)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
