package scans

import (
	"fmt"
	"strings"
	"time"
)

// ID tipe untuk Scan
type ScanID string

// Type is the imaging modality of a scan.
type Type string

const (
	TypeXRay       Type = "x-ray"
	TypeCT         Type = "ct"
	TypeMRI        Type = "mri"
	TypeUltrasound Type = "ultrasound"
	TypePET        Type = "pet"
	TypeOther      Type = "other"
)

var knownTypes = map[Type]bool{
	TypeXRay: true, TypeCT: true, TypeMRI: true,
	TypeUltrasound: true, TypePET: true, TypeOther: true,
}

// ParseType accepts the canonical values plus a few spellings seen in uploads ("xray", "X-Ray").
func ParseType(s string) (Type, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "xray", "x_ray":
		v = string(TypeXRay)
	case "us":
		v = string(TypeUltrasound)
	}
	t := Type(v)
	if !knownTypes[t] {
		return "", fmt.Errorf("unknown scan type %q", s)
	}
	return t, nil
}

// Priority enum
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Tier orders priorities: urgent > high > medium > low. Unknown values sort last.
func (p Priority) Tier() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Tier() < 0 {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Status enum
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// AnalyzableFrom lists the states a new analysis run may start from.
// completed is included: the status is shared by every image of the scan,
// so analyzing another image (or the same one again) starts from there.
var AnalyzableFrom = []Status{StatusPending, StatusFailed, StatusCompleted}

// CanTransition reports whether from -> to is an edge of the scan state machine.
// archived is reachable from every other state; nothing leaves archived.
func CanTransition(from, to Status) bool {
	if from == StatusArchived {
		return false
	}
	switch to {
	case StatusProcessing:
		return from == StatusPending || from == StatusFailed || from == StatusCompleted
	case StatusCompleted, StatusFailed:
		return from == StatusProcessing
	case StatusArchived:
		return true
	default:
		return false
	}
}

// Aggregate Root: Scan
type Scan struct {
	ID                  ScanID     `json:"id"`
	PatientID           string     `json:"patient_id,omitempty"`
	Type                Type       `json:"type"`
	BodyRegion          string     `json:"body_region"`
	Priority            Priority   `json:"priority"`
	Status              Status     `json:"status"`
	ImagePaths          []string   `json:"image_paths"`
	Notes               string     `json:"notes,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Image returns the stored path of image idx.
func (s *Scan) Image(idx int) (string, bool) {
	if idx < 0 || idx >= len(s.ImagePaths) {
		return "", false
	}
	return s.ImagePaths[idx], true
}

// Update carries user-editable metadata. Nil fields are left unchanged; status is never editable here.
type Update struct {
	Type       *Type
	BodyRegion *string
	Priority   *Priority
	Notes      *string
}

// Apply copies the set fields of u onto s.
func (u Update) Apply(s *Scan) {
	if u.Type != nil {
		s.Type = *u.Type
	}
	if u.BodyRegion != nil {
		s.BodyRegion = *u.BodyRegion
	}
	if u.Priority != nil {
		s.Priority = *u.Priority
	}
	if u.Notes != nil {
		s.Notes = *u.Notes
	}
}
