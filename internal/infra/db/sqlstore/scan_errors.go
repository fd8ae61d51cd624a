package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bryanwahyu/medscan/internal/domain/scanerrors"
)

var _ scanerrors.Repository = (*ScanErrorRepository)(nil)

type ScanErrorRepository struct{ st *Store }

func (r *ScanErrorRepository) Save(ctx context.Context, e *scanerrors.ScanError) error {
	q := `
INSERT INTO scan_errors
  (scan_id, analysis_id, analysis_type, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?,?)`

	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	args := []any{
		StringOrDash(e.ScanID), e.AnalysisID, e.AnalysisType, StringOrDash(string(e.Phase)),
		msg, validJSON(e.DetailsJSON), e.CreatedAt.UTC(),
	}

	if r.st.dialect.Returning {
		q += ` RETURNING id`
		if err := r.st.db.QueryRowContext(ctx, r.st.q(q), args...).Scan(&e.ID); err != nil {
			return fmt.Errorf("insert scan error: %w", err)
		}
		return nil
	}
	res, err := r.st.db.ExecContext(ctx, r.st.q(q), args...)
	if err != nil {
		return fmt.Errorf("insert scan error: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListByScan newest first
func (r *ScanErrorRepository) ListByScan(ctx context.Context, scanID string, limit int) ([]*scanerrors.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, scan_id, analysis_id, analysis_type, phase, message, details_json, created_at
FROM scan_errors
WHERE scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.st.db.QueryContext(ctx, r.st.q(q), scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scanerrors.ScanError
	for rows.Next() {
		var e scanerrors.ScanError
		if err := rows.Scan(&e.ID, &e.ScanID, &e.AnalysisID, &e.AnalysisType, &e.Phase, &e.Message, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
