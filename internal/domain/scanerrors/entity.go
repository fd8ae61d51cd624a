package scanerrors

import "time"

// Phase names the step of an analysis run that failed.
type Phase string

const (
	PhaseStorage       Phase = "storage"
	PhaseInference     Phase = "inference"
	PhaseOrchestration Phase = "orchestration"
	PhaseDispatch      Phase = "dispatch"
	PhaseSweep         Phase = "sweep"
)

// ScanError represents a persisted failure of one analysis run.
type ScanError struct {
	ID           int64     `json:"id"`
	ScanID       string    `json:"scan_id"`
	AnalysisID   string    `json:"analysis_id,omitempty"`
	AnalysisType string    `json:"analysis_type,omitempty"`
	Phase        Phase     `json:"phase"`
	Message      string    `json:"message"`
	DetailsJSON  string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt    time.Time `json:"created_at"`
}
