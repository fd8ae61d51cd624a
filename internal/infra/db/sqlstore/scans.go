package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

var _ scans.Repository = (*ScanRepository)(nil)

type ScanRepository struct{ st *Store }

const scanColumns = `id, patient_id, scan_type, body_region, priority, status, image_paths, notes,
       processing_started_at, created_at, updated_at`

// Create insert Scan baru
func (r *ScanRepository) Create(ctx context.Context, s *scans.Scan) error {
	const q = `
INSERT INTO scans
(id, patient_id, scan_type, body_region, priority, status, image_paths, notes,
 processing_started_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`

	if s.ID == "" {
		s.ID = scans.ScanID(uuid.NewString())
	}
	if s.Status == "" {
		s.Status = scans.StatusPending
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	paths, err := encodePaths(s.ImagePaths)
	if err != nil {
		return apperr.E(apperr.KindInvalid, "scans.create", err)
	}

	_, err = r.st.db.ExecContext(ctx, r.st.q(q),
		string(s.ID), StringOrDash(s.PatientID), string(s.Type), s.BodyRegion, string(s.Priority),
		string(s.Status), paths, s.Notes,
		nullTime(s.ProcessingStartedAt), s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		if r.st.dialect.IsDuplicate(err) {
			return apperr.Ef(apperr.KindConflict, "scans.create", "scan %s already exists", s.ID)
		}
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// Get by ID
func (r *ScanRepository) Get(ctx context.Context, id scans.ScanID) (*scans.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM scans WHERE id=? LIMIT 1`
	s, err := scanRow(r.st.db.QueryRowContext(ctx, r.st.q(q), string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.KindNotFound, "scans.get", "scan %s", id)
	}
	return s, err
}

// Update metadata saja; status tidak pernah diubah di sini
func (r *ScanRepository) Update(ctx context.Context, id scans.ScanID, u scans.Update, at time.Time) (*scans.Scan, error) {
	tx, err := r.st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q := `SELECT ` + scanColumns + ` FROM scans WHERE id=? FOR UPDATE`
	s, err := scanRow(tx.QueryRowContext(ctx, r.st.q(q), string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.KindNotFound, "scans.update", "scan %s", id)
	}
	if err != nil {
		return nil, err
	}
	u.Apply(s)
	s.UpdatedAt = at.UTC()

	const uq = `UPDATE scans SET scan_type=?, body_region=?, priority=?, notes=?, updated_at=? WHERE id=?`
	if _, err := tx.ExecContext(ctx, r.st.q(uq),
		string(s.Type), s.BodyRegion, string(s.Priority), s.Notes, s.UpdatedAt, string(id),
	); err != nil {
		return nil, fmt.Errorf("update scan: %w", err)
	}
	return s, tx.Commit()
}

// Delete hapus scan beserta analyses-nya (cascade). Row scan dikunci dulu
// supaya Transition ke processing tidak bisa menyelip sebelum delete.
func (r *ScanRepository) Delete(ctx context.Context, id scans.ScanID) error {
	tx, err := r.st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, r.st.q(`SELECT status FROM scans WHERE id=? FOR UPDATE`), string(id)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Ef(apperr.KindNotFound, "scans.delete", "scan %s", id)
	}
	if err != nil {
		return fmt.Errorf("lock scan: %w", err)
	}
	if scans.Status(status) == scans.StatusProcessing {
		return apperr.Ef(apperr.KindConflict, "scans.delete", "scan %s is processing", id)
	}

	if _, err := tx.ExecContext(ctx, r.st.q(`DELETE FROM analyses WHERE scan_id=?`), string(id)); err != nil {
		return fmt.Errorf("delete analyses: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.st.q(`DELETE FROM scans WHERE id=? AND status<>?`), string(id), string(scans.StatusProcessing))
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Ef(apperr.KindNotFound, "scans.delete", "scan %s", id)
	}
	return tx.Commit()
}

// Transition compare-and-set status: hanya berhasil kalau status sekarang ada di `from`
func (r *ScanRepository) Transition(ctx context.Context, id scans.ScanID, from []scans.Status, to scans.Status, at time.Time) (*scans.Scan, error) {
	var started sql.NullTime
	if to == scans.StatusProcessing {
		started = sql.NullTime{Time: at.UTC(), Valid: true}
	}

	q := `UPDATE scans SET status=?, processing_started_at=?, updated_at=? WHERE id=? AND status IN (` + In(len(from)) + `)`
	args := []any{string(to), started, at.UTC(), string(id)}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := r.st.db.ExecContext(ctx, r.st.q(q), args...)
	if err != nil {
		return nil, fmt.Errorf("transition scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Ef(apperr.KindConflict, "scans.transition", "scan %s is %s, cannot move to %s", id, current.Status, to)
	}
	return current, nil
}

// ListByStatus urut created_at asc
func (r *ScanRepository) ListByStatus(ctx context.Context, status scans.Status) ([]*scans.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM scans WHERE status=? ORDER BY created_at ASC, id ASC`
	return r.list(ctx, q, string(status))
}

func (r *ScanRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]*scans.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM scans
WHERE status=? AND processing_started_at IS NOT NULL AND processing_started_at < ?
ORDER BY created_at ASC, id ASC`
	return r.list(ctx, q, string(scans.StatusProcessing), cutoff.UTC())
}

func (r *ScanRepository) list(ctx context.Context, q string, args ...any) ([]*scans.Scan, error) {
	rows, err := r.st.db.QueryContext(ctx, r.st.q(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scans.Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*scans.Scan, error) {
	var (
		s       scans.Scan
		id      string
		paths   string
		started sql.NullTime
	)
	if err := row.Scan(
		&id, &s.PatientID, &s.Type, &s.BodyRegion, &s.Priority, &s.Status, &paths, &s.Notes,
		&started, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.ID = scans.ScanID(id)
	if s.PatientID == "-" {
		s.PatientID = ""
	}
	decoded, err := decodePaths(paths)
	if err != nil {
		return nil, fmt.Errorf("decode image paths of %s: %w", id, err)
	}
	s.ImagePaths = decoded
	s.ProcessingStartedAt = timePtr(started)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}
