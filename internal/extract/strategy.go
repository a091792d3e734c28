package extract

import (
	"context"

	"github.com/rmarchant/webextract/internal/budget"
)

// Request is one extraction call.
type Request struct {
	Content      string
	Instructions string
	Schema       Schema
}

// Result is the structured value returned by a strategy. Value is the
// decoded document, already validated against the request schema; Raw is
// the provider's literal response.
type Result struct {
	Value map[string]any
	Raw   string
	// Attempts is how many provider calls the strategy made.
	Attempts int
}

// Strategy is one interchangeable extraction backend. All strategies
// satisfy the same contract so the pipeline stays provider-agnostic.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, req Request) (Result, error)
	// EstimateUnits reports the provider-specific unit count of content.
	EstimateUnits(content string) int
}

// defaultEstimate is the character heuristic shared by strategies that
// have no exact tokenizer.
func defaultEstimate(content string) int {
	return budget.EstimateTokens(content)
}
