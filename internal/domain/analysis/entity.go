package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

// AnalysisID identifier type
type AnalysisID string

// Status enum
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Result is the normalized output of one inference run.
type Result struct {
	// Findings is the finding text, or the serialized raw payload when the model returned no finding field.
	Findings        string          `json:"findings"`
	Structured      json.RawMessage `json:"structured,omitempty"`
	Recommendations string          `json:"recommendations,omitempty"`
}

// Analysis is one inference run over one image of a scan.
type Analysis struct {
	ID          AnalysisID   `json:"id"`
	ScanID      scans.ScanID `json:"scan_id"`
	ImageIndex  int          `json:"image_index"`
	Type        string       `json:"type"`
	Status      Status       `json:"status"`
	Confidence  *float64     `json:"confidence,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

var ErrInvariant = errors.New("analysis invariant violated")

// Validate checks the completed-only fields. Stores call it before every write.
func (a *Analysis) Validate() error {
	if a.Status == StatusCompleted {
		if a.Confidence == nil {
			return fmt.Errorf("%w: completed analysis without confidence", ErrInvariant)
		}
		if *a.Confidence < 0 || *a.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of [0,1]", ErrInvariant, *a.Confidence)
		}
		if a.Result == nil || strings.TrimSpace(a.Result.Findings) == "" {
			return fmt.Errorf("%w: completed analysis without findings", ErrInvariant)
		}
		return nil
	}
	if a.Confidence != nil {
		return fmt.Errorf("%w: confidence set on %s analysis", ErrInvariant, a.Status)
	}
	if a.Result != nil {
		return fmt.Errorf("%w: result set on %s analysis", ErrInvariant, a.Status)
	}
	return nil
}

// Matches reports whether a is the analysis of the (scan, image, type) tuple.
func (a *Analysis) Matches(scanID scans.ScanID, imageIndex int, typ string) bool {
	return a.ScanID == scanID && a.ImageIndex == imageIndex && a.Type == typ
}

// Start puts a into processing and drops any previous outcome.
func (a *Analysis) Start(at time.Time) {
	a.Status = StatusProcessing
	a.Confidence = nil
	a.Result = nil
	a.CompletedAt = nil
	a.StartedAt = &at
	a.UpdatedAt = at
}

// Complete records a successful outcome.
func (a *Analysis) Complete(confidence float64, res Result, at time.Time) {
	a.Status = StatusCompleted
	a.Confidence = &confidence
	a.Result = &res
	a.CompletedAt = &at
	a.UpdatedAt = at
}

// Fail records a failed outcome; confidence and result stay unset.
func (a *Analysis) Fail(at time.Time) {
	a.Status = StatusFailed
	a.Confidence = nil
	a.Result = nil
	a.CompletedAt = &at
	a.UpdatedAt = at
}

// Latest returns the most recently updated analysis, or nil.
func Latest(list []*Analysis) *Analysis {
	var out *Analysis
	for _, a := range list {
		if out == nil || a.UpdatedAt.After(out.UpdatedAt) {
			out = a
		}
	}
	return out
}
