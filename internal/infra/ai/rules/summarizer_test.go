package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/medscan/internal/domain/inference"
)

func conf(f float64) *float64 { return &f }

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		in       inference.SummaryInput
		contains []string
		absent   []string
	}{
		{
			name:     "nodule with good confidence",
			in:       inference.SummaryInput{Findings: "nodule detected", Confidence: conf(0.9)},
			contains: []string{"Compare with prior imaging"},
			absent:   []string{"confirmation required"},
		},
		{
			name:     "urgent finding comes first",
			in:       inference.SummaryInput{Findings: "small nodule; acute subdural hematoma", Confidence: conf(0.8)},
			contains: []string{"Urgent neurosurgical review", "Compare with prior imaging"},
		},
		{
			name:     "normal study",
			in:       inference.SummaryInput{Findings: "Unremarkable chest", Confidence: conf(0.95)},
			contains: []string{"No acute findings"},
		},
		{
			name:     "missing confidence",
			in:       inference.SummaryInput{Findings: "something odd"},
			contains: []string{"Radiologist review", "confirmation required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := New().Summarize(context.Background(), tt.in)
			require.NoError(t, err)
			for _, c := range tt.contains {
				assert.Contains(t, out, c)
			}
			for _, a := range tt.absent {
				assert.NotContains(t, out, a)
			}
		})
	}
}

func TestSummarizeOrdersByUrgency(t *testing.T) {
	out, err := New().Summarize(context.Background(), inference.SummaryInput{
		Findings:   "nodule, hemorrhage",
		Confidence: conf(0.9),
	})
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "Urgent neurosurgical"), strings.Index(out, "Compare with prior"))
}

func TestSummarizeCapsItems(t *testing.T) {
	s := &Summarizer{MaxItems: 1}
	out, err := s.Summarize(context.Background(), inference.SummaryInput{
		Findings:   "fracture, effusion, nodule",
		Confidence: conf(0.9),
	})
	require.NoError(t, err)
	assert.Equal(t, "Orthopedic consultation and immobilization as clinically indicated.", out)
}
