package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

var _ analysis.Repository = (*AnalysisRepository)(nil)

type AnalysisRepository struct{ st *Store }

// ListByScan urut image_index lalu created_at
func (r *AnalysisRepository) ListByScan(ctx context.Context, scanID scans.ScanID) ([]*analysis.Analysis, error) {
	const q = `
SELECT id, scan_id, image_index, analysis_type, status, confidence, result_json,
       started_at, completed_at, created_at, updated_at
FROM analyses
WHERE scan_id=?
ORDER BY image_index ASC, created_at ASC`

	rows, err := r.st.db.QueryContext(ctx, r.st.q(q), string(scanID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*analysis.Analysis
	for rows.Next() {
		a, err := analysisRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create insert analysis; invariant dicek dulu sebelum tulis
func (r *AnalysisRepository) Create(ctx context.Context, a *analysis.Analysis) error {
	if err := a.Validate(); err != nil {
		return apperr.E(apperr.KindInvalid, "analyses.create", err)
	}
	const q = `
INSERT INTO analyses
(id, scan_id, image_index, analysis_type, status, confidence, result_json,
 started_at, completed_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`

	if a.ID == "" {
		a.ID = analysis.AnalysisID(uuid.NewString())
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	result, err := encodeResult(a.Result)
	if err != nil {
		return apperr.E(apperr.KindInvalid, "analyses.create", err)
	}

	_, err = r.st.db.ExecContext(ctx, r.st.q(q),
		string(a.ID), string(a.ScanID), a.ImageIndex, a.Type, string(a.Status),
		nullFloat(a.Confidence), result,
		nullTime(a.StartedAt), nullTime(a.CompletedAt), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		if r.st.dialect.IsDuplicate(err) {
			return apperr.Ef(apperr.KindConflict, "analyses.create", "analysis for scan %s image %d type %s exists", a.ScanID, a.ImageIndex, a.Type)
		}
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// Update tulis ulang kolom hasil; invariant dicek dulu sebelum tulis
func (r *AnalysisRepository) Update(ctx context.Context, a *analysis.Analysis) error {
	if err := a.Validate(); err != nil {
		return apperr.E(apperr.KindInvalid, "analyses.update", err)
	}
	const q = `
UPDATE analyses
SET status=?, confidence=?, result_json=?, started_at=?, completed_at=?, updated_at=?
WHERE id=?`

	result, err := encodeResult(a.Result)
	if err != nil {
		return apperr.E(apperr.KindInvalid, "analyses.update", err)
	}
	res, err := r.st.db.ExecContext(ctx, r.st.q(q),
		string(a.Status), nullFloat(a.Confidence), result,
		nullTime(a.StartedAt), nullTime(a.CompletedAt), a.UpdatedAt.UTC(),
		string(a.ID),
	)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Ef(apperr.KindNotFound, "analyses.update", "analysis %s", a.ID)
	}
	return nil
}

func analysisRow(row rowScanner) (*analysis.Analysis, error) {
	var (
		a                      analysis.Analysis
		id, scanID             string
		confidence             sql.NullFloat64
		result                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(
		&id, &scanID, &a.ImageIndex, &a.Type, &a.Status, &confidence, &result,
		&startedAt, &completedAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.ID = analysis.AnalysisID(id)
	a.ScanID = scans.ScanID(scanID)
	a.Confidence = floatPtr(confidence)
	res, err := decodeResult(result)
	if err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", id, err)
	}
	a.Result = res
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
