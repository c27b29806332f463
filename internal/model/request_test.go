package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusProcessing, StatusExecuting,
		StatusCompleted, StatusFailed, StatusCancelled,
	} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Status("archived").Valid())
	assert.False(t, Status("").Valid())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("urgent").Rank())
	assert.True(t, PriorityLow.Valid())
	assert.False(t, Priority("").Valid())
}

func TestValidateConfiguration(t *testing.T) {
	valid := Configuration{
		Keywords:   []string{"supply chain", "lithium"},
		Sources:    []string{"https://example.com/feed"},
		Depth:      2,
		Thresholds: map[string]float64{"relevance": 0.7},
	}
	require.NoError(t, ValidateConfiguration(valid))
}

func TestValidateConfiguration_Rejections(t *testing.T) {
	tests := []struct {
		name string
		cfg  Configuration
		want string
	}{
		{
			name: "no keywords",
			cfg:  Configuration{},
			want: "at least one keyword",
		},
		{
			name: "empty keyword",
			cfg:  Configuration{Keywords: []string{"ok", ""}},
			want: "keywords[1]",
		},
		{
			name: "oversized keyword",
			cfg:  Configuration{Keywords: []string{strings.Repeat("x", MaxKeywordLen+1)}},
			want: "maximum length",
		},
		{
			name: "too many keywords",
			cfg:  Configuration{Keywords: make([]string, MaxKeywords+1)},
			want: "maximum of",
		},
		{
			name: "negative depth",
			cfg:  Configuration{Keywords: []string{"k"}, Depth: -1},
			want: "depth",
		},
		{
			name: "threshold out of range",
			cfg: Configuration{
				Keywords:   []string{"k"},
				Thresholds: map[string]float64{"relevance": 1.5},
			},
			want: "threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Fill placeholder keywords so only the condition under test trips.
			for i := range tt.cfg.Keywords {
				if tt.cfg.Keywords[i] == "" && tt.name == "too many keywords" {
					tt.cfg.Keywords[i] = "k"
				}
			}
			err := ValidateConfiguration(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStatusView(t *testing.T) {
	req := Request{
		Status:       StatusExecuting,
		Priority:     PriorityHigh,
		AttemptCount: 2,
		MaxAttempts:  3,
		Progress:     Progress{CurrentStage: "extraction", Percentage: 45},
		Errors:       []RequestError{{Message: "timeout", Attempt: 1}},
	}
	view := StatusView(req)
	assert.Equal(t, StatusExecuting, view.Status)
	assert.Equal(t, PriorityHigh, view.Priority)
	assert.Equal(t, 2, view.AttemptCount)
	assert.Equal(t, "extraction", view.Progress.CurrentStage)
	assert.Len(t, view.Errors, 1)
}
