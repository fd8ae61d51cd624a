package inference

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

// Task is the diagnostic task an endpoint serves. It doubles as the analysis type tag.
type Task string

const (
	TaskLung               Task = "lung"
	TaskBrain              Task = "brain"
	TaskBreast             Task = "breast"
	TaskModalityConversion Task = "modality-conversion"
	TaskGeneral            Task = "general"
)

// Route maps a scan to the task whose endpoint should read it.
func Route(t scans.Type, bodyRegion string) Task {
	r := strings.ToLower(bodyRegion)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(r, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("conversion", "synthetic"):
		return TaskModalityConversion
	case has("chest", "lung", "thorax", "pulmonary"):
		return TaskLung
	case has("brain", "head", "skull", "cranial"):
		return TaskBrain
	case has("breast", "mammo"):
		return TaskBreast
	}
	return TaskGeneral
}

// Request is one image sent for inference.
type Request struct {
	Task       Task
	Filename   string
	Image      []byte
	ScanType   scans.Type
	BodyRegion string
}

// Prediction is the normalized model output. Confidence is nil when the model sent none.
type Prediction struct {
	Confidence      *float64
	Findings        string
	Recommendations string
	Structured      json.RawMessage
	Raw             json.RawMessage
}

// Client calls the external inference endpoints.
// Errors match apperr.ErrInference.
type Client interface {
	Infer(ctx context.Context, req Request) (Prediction, error)
}

// SummaryInput is what the secondary report step sees.
type SummaryInput struct {
	ScanType   scans.Type
	BodyRegion string
	Task       Task
	Findings   string
	Confidence *float64
}

// Summarizer turns findings into recommendation text.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}
