// Package memory is an in-process record store for development and tests.
// It honours the same contracts as the SQL adapters, including the
// conditional status transition and the analysis cascade on delete.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scanerrors"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

// DB holds all tables behind one lock.
type DB struct {
	mu        sync.RWMutex
	scans     map[scans.ScanID]*scans.Scan
	analyses  map[analysis.AnalysisID]*analysis.Analysis
	errs      []*scanerrors.ScanError
	nextErrID int64
}

func New() *DB {
	return &DB{
		scans:    make(map[scans.ScanID]*scans.Scan),
		analyses: make(map[analysis.AnalysisID]*analysis.Analysis),
	}
}

func (db *DB) Scans() *ScanRepository           { return &ScanRepository{db: db} }
func (db *DB) Analyses() *AnalysisRepository   { return &AnalysisRepository{db: db} }
func (db *DB) ScanErrors() *ScanErrorRepository { return &ScanErrorRepository{db: db} }

var (
	_ scans.Repository      = (*ScanRepository)(nil)
	_ analysis.Repository   = (*AnalysisRepository)(nil)
	_ scanerrors.Repository = (*ScanErrorRepository)(nil)
)

type ScanRepository struct{ db *DB }

func (r *ScanRepository) Create(_ context.Context, s *scans.Scan) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s.ID == "" {
		s.ID = scans.ScanID(uuid.NewString())
	}
	if _, exists := r.db.scans[s.ID]; exists {
		return apperr.Ef(apperr.KindConflict, "scans.create", "scan %s already exists", s.ID)
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = scans.StatusPending
	}
	r.db.scans[s.ID] = cloneScan(s)
	return nil
}

func (r *ScanRepository) Get(_ context.Context, id scans.ScanID) (*scans.Scan, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	s, ok := r.db.scans[id]
	if !ok {
		return nil, apperr.Ef(apperr.KindNotFound, "scans.get", "scan %s", id)
	}
	return cloneScan(s), nil
}

func (r *ScanRepository) Update(_ context.Context, id scans.ScanID, u scans.Update, at time.Time) (*scans.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.scans[id]
	if !ok {
		return nil, apperr.Ef(apperr.KindNotFound, "scans.update", "scan %s", id)
	}
	u.Apply(s)
	s.UpdatedAt = at
	return cloneScan(s), nil
}

func (r *ScanRepository) Delete(_ context.Context, id scans.ScanID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.scans[id]
	if !ok {
		return apperr.Ef(apperr.KindNotFound, "scans.delete", "scan %s", id)
	}
	if s.Status == scans.StatusProcessing {
		return apperr.Ef(apperr.KindConflict, "scans.delete", "scan %s is processing", id)
	}
	delete(r.db.scans, id)
	for aid, a := range r.db.analyses {
		if a.ScanID == id {
			delete(r.db.analyses, aid)
		}
	}
	return nil
}

func (r *ScanRepository) Transition(_ context.Context, id scans.ScanID, from []scans.Status, to scans.Status, at time.Time) (*scans.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.scans[id]
	if !ok {
		return nil, apperr.Ef(apperr.KindNotFound, "scans.transition", "scan %s", id)
	}
	if !slices.Contains(from, s.Status) {
		return nil, apperr.Ef(apperr.KindConflict, "scans.transition", "scan %s is %s, cannot move to %s", id, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = at
	if to == scans.StatusProcessing {
		t := at
		s.ProcessingStartedAt = &t
	} else {
		s.ProcessingStartedAt = nil
	}
	return cloneScan(s), nil
}

func (r *ScanRepository) ListByStatus(_ context.Context, status scans.Status) ([]*scans.Scan, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*scans.Scan
	for _, s := range r.db.scans {
		if s.Status == status {
			out = append(out, cloneScan(s))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *ScanRepository) ListStuck(_ context.Context, cutoff time.Time) ([]*scans.Scan, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*scans.Scan
	for _, s := range r.db.scans {
		if s.Status == scans.StatusProcessing && s.ProcessingStartedAt != nil && s.ProcessingStartedAt.Before(cutoff) {
			out = append(out, cloneScan(s))
		}
	}
	sortByCreated(out)
	return out, nil
}

type AnalysisRepository struct{ db *DB }

func (r *AnalysisRepository) ListByScan(_ context.Context, scanID scans.ScanID) ([]*analysis.Analysis, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*analysis.Analysis
	for _, a := range r.db.analyses {
		if a.ScanID == scanID {
			out = append(out, cloneAnalysis(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImageIndex != out[j].ImageIndex {
			return out[i].ImageIndex < out[j].ImageIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *AnalysisRepository) Create(_ context.Context, a *analysis.Analysis) error {
	if err := a.Validate(); err != nil {
		return apperr.E(apperr.KindInvalid, "analyses.create", err)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.scans[a.ScanID]; !ok {
		return apperr.Ef(apperr.KindNotFound, "analyses.create", "scan %s", a.ScanID)
	}
	if a.ID == "" {
		a.ID = analysis.AnalysisID(uuid.NewString())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	r.db.analyses[a.ID] = cloneAnalysis(a)
	return nil
}

func (r *AnalysisRepository) Update(_ context.Context, a *analysis.Analysis) error {
	if err := a.Validate(); err != nil {
		return apperr.E(apperr.KindInvalid, "analyses.update", err)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.analyses[a.ID]; !ok {
		return apperr.Ef(apperr.KindNotFound, "analyses.update", "analysis %s", a.ID)
	}
	r.db.analyses[a.ID] = cloneAnalysis(a)
	return nil
}

type ScanErrorRepository struct{ db *DB }

func (r *ScanErrorRepository) Save(_ context.Context, e *scanerrors.ScanError) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.nextErrID++
	e.ID = r.db.nextErrID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	r.db.errs = append(r.db.errs, &cp)
	return nil
}

// ListByScan returns the newest errors first.
func (r *ScanErrorRepository) ListByScan(_ context.Context, scanID string, limit int) ([]*scanerrors.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*scanerrors.ScanError
	for i := len(r.db.errs) - 1; i >= 0 && len(out) < limit; i-- {
		if e := r.db.errs[i]; e.ScanID == scanID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func sortByCreated(list []*scans.Scan) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func cloneScan(s *scans.Scan) *scans.Scan {
	cp := *s
	cp.ImagePaths = slices.Clone(s.ImagePaths)
	if s.ProcessingStartedAt != nil {
		t := *s.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	return &cp
}

func cloneAnalysis(a *analysis.Analysis) *analysis.Analysis {
	cp := *a
	if a.Confidence != nil {
		c := *a.Confidence
		cp.Confidence = &c
	}
	if a.Result != nil {
		res := *a.Result
		res.Structured = slices.Clone(a.Result.Structured)
		cp.Result = &res
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		cp.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
