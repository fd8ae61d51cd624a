package analysis

import (
	"context"
	"time"

	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

// Repository port for persisting and querying analyses.
// Analyses are removed only through scans.Repository.Delete (cascade).
type Repository interface {
	ListByScan(ctx context.Context, scanID scans.ScanID) ([]*Analysis, error)
	Create(ctx context.Context, a *Analysis) error
	Update(ctx context.Context, a *Analysis) error
}

// Completion is sent once per finished run, successful or not.
type Completion struct {
	ScanID     scans.ScanID  `json:"scan_id"`
	AnalysisID AnalysisID    `json:"analysis_id"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	At         time.Time     `json:"at"`
}

// Publisher forwards completions outside the process.
type Publisher interface {
	PublishCompletion(ctx context.Context, c Completion) error
}

// StatusView is the polled status of a scan and its latest analysis.
type StatusView struct {
	ScanID          scans.ScanID `json:"scan_id"`
	ScanStatus      scans.Status `json:"scan_status"`
	AnalysisID      AnalysisID   `json:"analysis_id,omitempty"`
	AnalysisStatus  Status       `json:"analysis_status,omitempty"`
	Confidence      *float64     `json:"confidence,omitempty"`
	Findings        string       `json:"findings,omitempty"`
	Recommendations string       `json:"recommendations,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// StatusCache is an optional read-through cache for StatusView.
// Get reports ok=false on a miss; errors are never fatal to callers.
type StatusCache interface {
	Get(ctx context.Context, id scans.ScanID) (StatusView, bool, error)
	Set(ctx context.Context, v StatusView) error
	Invalidate(ctx context.Context, id scans.ScanID) error
}
