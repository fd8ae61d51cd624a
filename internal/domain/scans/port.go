package scans

import (
	"context"
	"io"
	"time"
)

// Repository port (interface untuk persistence)
//
// Get, Update, Transition and Delete return an error matching apperr.ErrNotFound
// when the scan does not exist.
type Repository interface {
	Create(ctx context.Context, s *Scan) error
	Get(ctx context.Context, id ScanID) (*Scan, error)
	Update(ctx context.Context, id ScanID, u Update, at time.Time) (*Scan, error)
	// Delete removes the scan and its analyses. A processing scan is refused
	// with apperr.ErrConflict, checked atomically with the delete.
	Delete(ctx context.Context, id ScanID) error

	// Transition moves the scan to `to` only if its persisted status is one of
	// `from`; otherwise it returns apperr.ErrConflict and changes nothing.
	// Entering processing stamps ProcessingStartedAt, leaving it clears the stamp.
	Transition(ctx context.Context, id ScanID, from []Status, to Status, at time.Time) (*Scan, error)

	// ListByStatus returns scans with the given status ordered by created_at asc.
	ListByStatus(ctx context.Context, status Status) ([]*Scan, error)
	// ListStuck returns processing scans whose ProcessingStartedAt is before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*Scan, error)
}

// ImageStore port (interface untuk penyimpanan image)
type ImageStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}
