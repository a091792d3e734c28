package budget

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestBudgetValidate(t *testing.T) {
	tests := []struct {
		name    string
		budget  Budget
		wantErr bool
	}{
		{"valid", Budget{TargetUnits: 100, SafetyMargin: 0.1}, false},
		{"zero target", Budget{TargetUnits: 0}, true},
		{"negative margin", Budget{TargetUnits: 10, SafetyMargin: -0.1}, true},
		{"margin of one", Budget{TargetUnits: 10, SafetyMargin: 1.0}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.budget.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTruncateUnderBudgetIsUnchanged(t *testing.T) {
	bud := New(nil)
	content := "<p>short</p>"
	out, err := bud.Truncate(content, Budget{TargetUnits: 100})
	require.NoError(t, err)
	assert.Equal(t, content, out.Content)
	assert.False(t, out.Truncated)
	assert.False(t, out.Degraded)
	assert.Equal(t, out.OriginalUnits, out.FinalUnits)
}

func TestTruncateCutsAtBlockBoundary(t *testing.T) {
	bud := New(nil)
	first := "<p>" + strings.Repeat("a", 100) + "</p>"
	second := "<p>" + strings.Repeat("b", 100) + "</p>"
	content := first + second

	out, err := bud.Truncate(content, Budget{TargetUnits: 30})
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.False(t, out.Degraded)
	assert.Equal(t, first, out.Content, "cut must land on the closing tag")
	assert.LessOrEqual(t, out.FinalUnits, 30)
}

func TestTruncateParagraphBoundary(t *testing.T) {
	bud := New(nil)
	content := strings.Repeat("x", 200) + "\n\n" + strings.Repeat("y", 200)

	out, err := bud.Truncate(content, Budget{TargetUnits: 60})
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.False(t, out.Degraded)
	assert.True(t, strings.HasSuffix(out.Content, "\n\n"))
}

func TestTruncateDegradedWhenNoBoundaryFits(t *testing.T) {
	bud := New(nil)
	content := "<div>" + strings.Repeat("z", 4000) + "</div>"

	out, err := bud.Truncate(content, Budget{TargetUnits: 50})
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.True(t, out.Degraded)
	assert.LessOrEqual(t, out.FinalUnits, 50)
	assert.LessOrEqual(t, out.FinalUnits, out.OriginalUnits)
}

func TestTruncateIdempotent(t *testing.T) {
	bud := New(nil)
	tests := []struct {
		name   string
		budget Budget
	}{
		{"no margin", Budget{TargetUnits: 100}},
		{"with margin", Budget{TargetUnits: 100, SafetyMargin: 0.2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			content := strings.Repeat("<p>"+strings.Repeat("w", 81)+"</p>", 10)

			first, err := bud.Truncate(content, tc.budget)
			require.NoError(t, err)
			require.True(t, first.Truncated)
			assert.LessOrEqual(t, first.FinalUnits, tc.budget.TargetUnits)

			second, err := bud.Truncate(first.Content, tc.budget)
			require.NoError(t, err)
			assert.False(t, second.Truncated, "truncated output must pass through untouched")
			assert.Equal(t, first.Content, second.Content)
			assert.Equal(t, first.FinalUnits, second.FinalUnits)
		})
	}
}

func TestTruncateDeterministic(t *testing.T) {
	bud := New(nil)
	content := strings.Repeat("<p>"+strings.Repeat("q", 64)+"</p>", 20)
	b := Budget{TargetUnits: 90, SafetyMargin: 0.1}

	first, err := bud.Truncate(content, b)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := bud.Truncate(content, b)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTruncateSafetyMargin(t *testing.T) {
	bud := New(nil)
	// 400 chars is ~100 tokens: over threshold 80 but under target 100.
	content := "<p>" + strings.Repeat("m", 340) + "</p>" + "<p>" + strings.Repeat("n", 53) + "</p>"
	out, err := bud.Truncate(content, Budget{TargetUnits: 100, SafetyMargin: 0.2})
	require.NoError(t, err)
	assert.True(t, out.Truncated, "content above the margin threshold is truncated")
}

func TestCounterFailureFallsBack(t *testing.T) {
	bud := New(func(string) (int, error) {
		return 0, errors.New("tokenizer unavailable")
	})
	content := "<p>hello world</p>"
	out, err := bud.Truncate(content, Budget{TargetUnits: 100})
	require.NoError(t, err)
	assert.Equal(t, EstimateTokens(content), out.OriginalUnits)
	assert.False(t, out.Truncated)
}

func TestTruncateInvalidBudget(t *testing.T) {
	bud := New(nil)
	_, err := bud.Truncate("content", Budget{TargetUnits: -1})
	require.Error(t, err)
}
