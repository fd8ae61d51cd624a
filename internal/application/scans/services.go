package scans

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/medscan/internal/application"
	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/medscan/internal/domain/scans"
)

// ImageRemover is implemented by image stores that can delete objects.
type ImageRemover interface {
	Delete(ctx context.Context, keys ...string) error
}

// Service implements use-cases untuk Scan records.
// Status is never edited here except by Archive.
type Service struct {
	Repo     domain.Repository
	Images   domain.ImageStore
	Failures scanerrors.Repository
	Cache    analysis.StatusCache // optional
	Clock    application.Clock
	Log      zerolog.Logger
}

//
// ==== USE CASES ====
//

// Image is one uploaded file.
type Image struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadCommand creates a pending scan from uploaded images.
type UploadCommand struct {
	PatientID  string  `validate:"required,max=64"`
	Type       string  `validate:"required,scan_type"`
	BodyRegion string  `validate:"max=128"`
	Priority   string  `validate:"omitempty,priority"`
	Notes      string  `validate:"max=4000"`
	Images     []Image `validate:"min=1,max=32"`
}

// Upload simpan semua image lalu bikin scan pending.
// Images already stored are removed again when a later step fails.
func (s *Service) Upload(ctx context.Context, cmd UploadCommand) (*domain.Scan, error) {
	const op = "scans.upload"

	typ, err := domain.ParseType(cmd.Type)
	if err != nil {
		return nil, apperr.E(apperr.KindInvalid, op, err)
	}
	prio := domain.PriorityMedium
	if cmd.Priority != "" {
		if prio, err = domain.ParsePriority(cmd.Priority); err != nil {
			return nil, apperr.E(apperr.KindInvalid, op, err)
		}
	}
	if len(cmd.Images) == 0 {
		return nil, apperr.E(apperr.KindInvalid, op, errors.New("at least one image is required"))
	}

	id := domain.ScanID(uuid.New().String())
	keys := make([]string, 0, len(cmd.Images))
	for i, img := range cmd.Images {
		key := ImageKey(id, i, img.Name)
		stored, err := s.Images.Upload(ctx, key, img.Body, img.Size, img.ContentType)
		if err != nil {
			s.cleanup(keys)
			return nil, apperr.E(apperr.KindStorage, op, fmt.Errorf("upload image %d: %w", i, err))
		}
		keys = append(keys, stored)
	}

	now := s.now()
	scan := &domain.Scan{
		ID:         id,
		PatientID:  cmd.PatientID,
		Type:       typ,
		BodyRegion: cmd.BodyRegion,
		Priority:   prio,
		Status:     domain.StatusPending,
		ImagePaths: keys,
		Notes:      cmd.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Repo.Create(ctx, scan); err != nil {
		s.cleanup(keys)
		return nil, err
	}

	s.Log.Info().
		Str("scan_id", string(id)).
		Str("type", string(typ)).
		Str("priority", string(prio)).
		Int("images", len(keys)).
		Msg("scan uploaded")
	return scan, nil
}

// Get ambil 1 scan by id
func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Get(ctx, id)
}

// UpdateCommand edits metadata. Empty pointers are left unchanged.
type UpdateCommand struct {
	Type       *string `json:"type,omitempty" validate:"omitempty,scan_type"`
	BodyRegion *string `json:"body_region,omitempty" validate:"omitempty,max=128"`
	Priority   *string `json:"priority,omitempty" validate:"omitempty,priority"`
	Notes      *string `json:"notes,omitempty" validate:"omitempty,max=4000"`
}

// Update changes metadata only. Archived scans are read-only.
func (s *Service) Update(ctx context.Context, id domain.ScanID, cmd UpdateCommand) (*domain.Scan, error) {
	const op = "scans.update"

	var u domain.Update
	if cmd.Type != nil {
		t, err := domain.ParseType(*cmd.Type)
		if err != nil {
			return nil, apperr.E(apperr.KindInvalid, op, err)
		}
		u.Type = &t
	}
	if cmd.Priority != nil {
		p, err := domain.ParsePriority(*cmd.Priority)
		if err != nil {
			return nil, apperr.E(apperr.KindInvalid, op, err)
		}
		u.Priority = &p
	}
	u.BodyRegion = cmd.BodyRegion
	u.Notes = cmd.Notes

	cur, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == domain.StatusArchived {
		return nil, apperr.Ef(apperr.KindConflict, op, "scan %s is archived", id)
	}

	scan, err := s.Repo.Update(ctx, id, u, s.now())
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return scan, nil
}

// Archive moves a scan from any state to archived. Admin only.
func (s *Service) Archive(ctx context.Context, p application.Principal, id domain.ScanID) (*domain.Scan, error) {
	const op = "scans.archive"
	if !p.IsAdmin() {
		return nil, apperr.E(apperr.KindPermission, op, errors.New("admin role required"))
	}

	from := []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed}
	scan, err := s.Repo.Transition(ctx, id, from, domain.StatusArchived, s.now())
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	s.Log.Info().Str("scan_id", string(id)).Str("by", p.Subject).Msg("scan archived")
	return scan, nil
}

// Delete removes a scan, its analyses and its images. Admin only.
// A processing scan cannot be deleted; archive it first or wait for the run.
func (s *Service) Delete(ctx context.Context, p application.Principal, id domain.ScanID) error {
	const op = "scans.delete"
	if !p.IsAdmin() {
		return apperr.E(apperr.KindPermission, op, errors.New("admin role required"))
	}

	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if scan.Status == domain.StatusProcessing {
		return apperr.Ef(apperr.KindConflict, op, "scan %s is processing", id)
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.cleanup(scan.ImagePaths)
	s.Log.Info().Str("scan_id", string(id)).Str("by", p.Subject).Msg("scan deleted")
	return nil
}

// Errors returns the failure log of a scan, newest first.
func (s *Service) Errors(ctx context.Context, id domain.ScanID, limit int) ([]*scanerrors.ScanError, error) {
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Failures.ListByScan(ctx, string(id), limit)
}

// ImageKey is the object key of image idx of a scan, e.g. "scans/<id>/0.png".
func ImageKey(id domain.ScanID, idx int, name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".dcm", ".nii", ".gz":
	default:
		ext = ".bin"
	}
	return fmt.Sprintf("scans/%s/%d%s", id, idx, ext)
}

// helper

func (s *Service) cleanup(keys []string) {
	rm, ok := s.Images.(ImageRemover)
	if !ok || len(keys) == 0 {
		return
	}
	// pakai context baru, request bisa saja sudah cancel
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rm.Delete(ctx, keys...); err != nil {
		s.Log.Warn().Err(err).Strs("keys", keys).Msg("image cleanup failed")
	}
}

func (s *Service) invalidate(ctx context.Context, id domain.ScanID) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, id); err != nil {
		s.Log.Debug().Err(err).Str("scan_id", string(id)).Msg("status cache invalidate")
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}
