package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/medscan/internal/application"
	domain "github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/inference"
	"github.com/bryanwahyu/medscan/internal/domain/scanerrors"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

const (
	DefaultRunTimeout        = 2 * time.Minute
	DefaultProcessingTimeout = 10 * time.Minute
	DefaultServiceTime       = 30 * time.Second

	// batas waktu untuk tulis status akhir, terpisah dari timeout run
	finalizeTimeout = 10 * time.Second
)

// Admission hands out per-scan leases. queue.Manager implements it.
type Admission interface {
	Acquire(id scans.ScanID) (token uint64, ok bool)
	Release(id scans.ScanID, token uint64)
	Held(id scans.ScanID) bool
}

// Dispatcher runs a job in the background without blocking the caller.
type Dispatcher interface {
	TrySubmit(job func(ctx context.Context)) error
}

// Service orchestrates analysis runs: admission, the status state machine,
// the background inference call and reconciliation of its outcome.
// Safe for concurrent use.
type Service struct {
	Scans      scans.Repository
	Analyses   domain.Repository
	Images     scans.ImageStore
	Inference  inference.Client
	Summarizer inference.Summarizer // optional
	Failures   scanerrors.Repository
	Dispatcher Dispatcher
	Admission  Admission
	Cache      domain.StatusCache // optional
	// Completions receives one message per finished run. Sends never block.
	Completions chan<- domain.Completion
	Clock       application.Clock
	Log         zerolog.Logger

	RunTimeout        time.Duration
	ProcessingTimeout time.Duration
	ServiceTime       time.Duration
}

// AnalyzeRequest selects the image of a scan to analyze.
type AnalyzeRequest struct {
	ScanID     scans.ScanID `json:"scan_id" validate:"required"`
	ImageIndex int          `json:"image_index" validate:"gte=0"`
}

// Ack is returned as soon as a run has been handed to the worker pool.
type Ack struct {
	ScanID         scans.ScanID      `json:"scan_id"`
	AnalysisID     domain.AnalysisID `json:"analysis_id,omitempty"`
	Status         scans.Status      `json:"status"`
	EstimatedTime  int64             `json:"estimated_time"`
	AlreadyRunning bool              `json:"already_running,omitempty"`
}

type job struct {
	scan     *scans.Scan
	analysis *domain.Analysis
	path     string
	task     inference.Task
	lease    uint64
}

// Analyze starts an asynchronous analysis of one image of a scan.
//
// A scan that is already processing is not started again: the returned Ack
// reports AlreadyRunning and the error wraps apperr.ErrConflict.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (Ack, error) {
	const op = "analysis.analyze"

	scan, err := s.Scans.Get(ctx, req.ScanID)
	if err != nil {
		return Ack{}, err
	}
	path, ok := scan.Image(req.ImageIndex)
	if !ok {
		return Ack{}, apperr.Ef(apperr.KindNotFound, op, "scan %s has no image %d", scan.ID, req.ImageIndex)
	}

	switch scan.Status {
	case scans.StatusProcessing:
		return s.running(scan.ID), apperr.Ef(apperr.KindConflict, op, "scan %s is already processing", scan.ID)
	case scans.StatusArchived:
		return Ack{}, apperr.Ef(apperr.KindConflict, op, "scan %s is archived", scan.ID)
	}

	token, ok := s.Admission.Acquire(scan.ID)
	if !ok {
		return s.running(scan.ID), apperr.Ef(apperr.KindConflict, op, "scan %s is already processing", scan.ID)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.Admission.Release(scan.ID, token)
		}
	}()

	task := inference.Route(scan.Type, scan.BodyRegion)
	now := s.now()

	scan, err = s.Scans.Transition(ctx, scan.ID, scans.AnalyzableFrom, scans.StatusProcessing, now)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return s.running(req.ScanID), err
		}
		return Ack{}, err
	}
	s.invalidate(ctx, scan.ID)

	a, err := s.prepare(ctx, scan.ID, req.ImageIndex, task, now)
	if err != nil {
		s.revert(ctx, scan.ID, now)
		s.record(ctx, scan.ID, nil, scanerrors.PhaseOrchestration, err)
		return Ack{}, err
	}
	// view yang di-cache di antara Transition dan prepare masih pegang analysis lama
	s.invalidate(ctx, scan.ID)

	j := job{scan: scan, analysis: a, path: path, task: task, lease: token}
	if err := s.Dispatcher.TrySubmit(func(ctx context.Context) { s.run(ctx, j) }); err != nil {
		s.fail(ctx, j, scanerrors.PhaseDispatch, err)
		return Ack{}, apperr.E(apperr.KindUnavailable, op, err)
	}
	handedOff = true

	s.Log.Info().
		Str("scan_id", string(scan.ID)).
		Str("analysis_id", string(a.ID)).
		Str("task", string(task)).
		Int("image_index", req.ImageIndex).
		Msg("analysis dispatched")

	return Ack{
		ScanID:        scan.ID,
		AnalysisID:    a.ID,
		Status:        scans.StatusProcessing,
		EstimatedTime: int64(s.serviceTime() / time.Second),
	}, nil
}

func (s *Service) running(id scans.ScanID) Ack {
	return Ack{
		ScanID:         id,
		Status:         scans.StatusProcessing,
		EstimatedTime:  int64(s.serviceTime() / time.Second),
		AlreadyRunning: true,
	}
}

// prepare reuses the analysis of (scan, image, task) or creates it, and puts it in processing.
func (s *Service) prepare(ctx context.Context, id scans.ScanID, idx int, task inference.Task, now time.Time) (*domain.Analysis, error) {
	list, err := s.Analyses.ListByScan(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.Matches(id, idx, string(task)) {
			a.Start(now)
			if err := s.Analyses.Update(ctx, a); err != nil {
				return nil, err
			}
			return a, nil
		}
	}
	a := &domain.Analysis{
		ScanID:     id,
		ImageIndex: idx,
		Type:       string(task),
		CreatedAt:  now,
	}
	a.Start(now)
	if err := s.Analyses.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// revert puts a scan whose run never started into failed.
func (s *Service) revert(ctx context.Context, id scans.ScanID, at time.Time) {
	if _, err := s.Scans.Transition(ctx, id, []scans.Status{scans.StatusProcessing}, scans.StatusFailed, at); err != nil {
		s.Log.Warn().Err(err).Str("scan_id", string(id)).Msg("revert to failed")
	}
	s.invalidate(ctx, id)
}

// run is the background unit of work. It always ends the run in completed or failed.
func (s *Service) run(base context.Context, j job) {
	defer s.Admission.Release(j.scan.ID, j.lease)
	start := s.now()

	ctx, cancel := context.WithTimeout(base, s.runTimeout())
	res, confidence, phase, err := s.execute(ctx, j)
	cancel()

	// status akhir tetap ditulis walau run sudah timeout
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(base), finalizeTimeout)
	defer wcancel()

	if err == nil {
		err = s.complete(wctx, j, confidence, res)
		phase = scanerrors.PhaseOrchestration
	}
	if err != nil {
		s.fail(wctx, j, phase, err)
		s.notify(j, domain.StatusFailed, err, s.now().Sub(start))
		return
	}
	s.Log.Info().
		Str("scan_id", string(j.scan.ID)).
		Str("analysis_id", string(j.analysis.ID)).
		Float64("confidence", confidence).
		Dur("took", s.now().Sub(start)).
		Msg("analysis completed")
	s.notify(j, domain.StatusCompleted, nil, s.now().Sub(start))
}

func (s *Service) execute(ctx context.Context, j job) (res domain.Result, confidence float64, phase scanerrors.Phase, err error) {
	phase = scanerrors.PhaseOrchestration
	defer func() {
		if r := recover(); r != nil {
			phase = scanerrors.PhaseOrchestration
			err = apperr.Ef(apperr.KindInternal, "analysis.run", "panic: %v", r)
		}
	}()

	img, err := s.Images.Read(ctx, j.path)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindStorage {
			err = apperr.E(apperr.KindStorage, "analysis.read_image", err)
		}
		return res, 0, scanerrors.PhaseStorage, err
	}

	pred, err := s.Inference.Infer(ctx, inference.Request{
		Task:       j.task,
		Filename:   filename(j.path),
		Image:      img,
		ScanType:   j.scan.Type,
		BodyRegion: j.scan.BodyRegion,
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInference {
			err = apperr.E(apperr.KindInference, "analysis.infer", err)
		}
		return res, 0, scanerrors.PhaseInference, err
	}

	if pred.Confidence != nil {
		confidence = *pred.Confidence
	}
	findings := strings.TrimSpace(pred.Findings)
	if findings == "" {
		findings = rawFindings(pred.Raw)
	}
	res = domain.Result{
		Findings:        findings,
		Structured:      pred.Structured,
		Recommendations: s.recommend(ctx, j, pred, findings),
	}
	return res, confidence, phase, nil
}

// recommend runs the summarizer. Its failure never fails the run.
func (s *Service) recommend(ctx context.Context, j job, pred inference.Prediction, findings string) string {
	fallback := strings.TrimSpace(pred.Recommendations)
	if fallback == "" {
		fallback = findings
	}
	if s.Summarizer == nil {
		return strings.TrimSpace(pred.Recommendations)
	}
	text, err := s.Summarizer.Summarize(ctx, inference.SummaryInput{
		ScanType:   j.scan.Type,
		BodyRegion: j.scan.BodyRegion,
		Task:       j.task,
		Findings:   findings,
		Confidence: pred.Confidence,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		s.Log.Warn().Err(err).Str("scan_id", string(j.scan.ID)).Msg("summarizer unavailable, using inference findings")
		return fallback
	}
	return strings.TrimSpace(text)
}

func (s *Service) complete(ctx context.Context, j job, confidence float64, res domain.Result) error {
	now := s.now()
	a := *j.analysis
	a.Complete(confidence, res, now)
	if err := s.Analyses.Update(ctx, &a); err != nil {
		return err
	}
	j.analysis.Complete(confidence, res, now)

	if _, err := s.Scans.Transition(ctx, j.scan.ID, []scans.Status{scans.StatusProcessing}, scans.StatusCompleted, now); err != nil {
		if !errors.Is(err, apperr.ErrConflict) {
			return err
		}
		// scan sudah diarsip atau di-sweep selama run berjalan
		s.Log.Warn().Err(err).Str("scan_id", string(j.scan.ID)).Msg("scan left processing during run")
	}
	s.invalidate(ctx, j.scan.ID)
	return nil
}

// fail records a failed run on both records and in the failure log.
func (s *Service) fail(ctx context.Context, j job, phase scanerrors.Phase, cause error) {
	now := s.now()
	log := s.Log.With().Str("scan_id", string(j.scan.ID)).Str("phase", string(phase)).Logger()

	j.analysis.Fail(now)
	if err := s.Analyses.Update(ctx, j.analysis); err != nil {
		log.Error().Err(err).Msg("mark analysis failed")
	}
	if _, err := s.Scans.Transition(ctx, j.scan.ID, []scans.Status{scans.StatusProcessing}, scans.StatusFailed, now); err != nil {
		log.Warn().Err(err).Msg("mark scan failed")
	}
	s.invalidate(ctx, j.scan.ID)
	s.record(ctx, j.scan.ID, j.analysis, phase, cause)
	log.Error().Err(cause).Msg("analysis failed")
}

func (s *Service) record(ctx context.Context, id scans.ScanID, a *domain.Analysis, phase scanerrors.Phase, cause error) {
	if s.Failures == nil {
		return
	}
	e := &scanerrors.ScanError{
		ScanID:    string(id),
		Phase:     phase,
		Message:   cause.Error(),
		CreatedAt: s.now(),
	}
	if a != nil {
		e.AnalysisID = string(a.ID)
		e.AnalysisType = a.Type
	}
	if details, err := json.Marshal(map[string]string{"kind": apperr.KindOf(cause).String()}); err == nil {
		e.DetailsJSON = string(details)
	}
	if err := s.Failures.Save(ctx, e); err != nil {
		s.Log.Error().Err(err).Str("scan_id", string(id)).Msg("save scan error")
	}
}

func (s *Service) notify(j job, status domain.Status, cause error, took time.Duration) {
	if s.Completions == nil {
		return
	}
	c := domain.Completion{
		ScanID:     j.scan.ID,
		AnalysisID: j.analysis.ID,
		Status:     status,
		Duration:   took,
		At:         s.now(),
	}
	if cause != nil {
		c.Error = cause.Error()
	}
	select {
	case s.Completions <- c:
	default:
		s.Log.Warn().Str("scan_id", string(j.scan.ID)).Msg("completion channel full, message dropped")
	}
}

// Status reports the scan status with its most recently updated analysis.
//
// Every write path changes the store first and invalidates the cache after.
// A view is therefore only kept in the cache when the scan still matches it
// after the Set; otherwise a transition raced the read and the entry is dropped.
func (s *Service) Status(ctx context.Context, id scans.ScanID) (domain.StatusView, error) {
	if s.Cache != nil {
		v, ok, err := s.Cache.Get(ctx, id)
		if err != nil {
			s.Log.Debug().Err(err).Msg("status cache get")
		} else if ok {
			return v, nil
		}
	}

	scan, err := s.Scans.Get(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	list, err := s.Analyses.ListByScan(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}

	view := domain.StatusView{
		ScanID:     scan.ID,
		ScanStatus: scan.Status,
		UpdatedAt:  scan.UpdatedAt,
	}
	if a := domain.Latest(list); a != nil {
		view.AnalysisID = a.ID
		view.AnalysisStatus = a.Status
		view.Confidence = a.Confidence
		if a.Result != nil {
			view.Findings = a.Result.Findings
			view.Recommendations = a.Result.Recommendations
		}
		if a.UpdatedAt.After(view.UpdatedAt) {
			view.UpdatedAt = a.UpdatedAt
		}
	}

	if s.Cache != nil {
		s.cache(ctx, scan, view)
	}
	return view, nil
}

// cache stores view, then drops it again if scan changed since it was read.
func (s *Service) cache(ctx context.Context, read *scans.Scan, view domain.StatusView) {
	if err := s.Cache.Set(ctx, view); err != nil {
		s.Log.Debug().Err(err).Msg("status cache set")
		return
	}
	now, err := s.Scans.Get(ctx, read.ID)
	if err == nil && now.Status == read.Status && now.UpdatedAt.Equal(read.UpdatedAt) {
		return
	}
	s.invalidate(ctx, read.ID)
}

// Sweep fails scans stuck in processing past ProcessingTimeout that no local
// run holds. It returns how many scans were reclaimed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.processingTimeout())
	stuck, err := s.Scans.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, scan := range stuck {
		if s.Admission.Held(scan.ID) {
			continue
		}
		if _, err := s.Scans.Transition(ctx, scan.ID, []scans.Status{scans.StatusProcessing}, scans.StatusFailed, now); err != nil {
			if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return reclaimed, err
		}

		list, err := s.Analyses.ListByScan(ctx, scan.ID)
		if err != nil {
			return reclaimed, err
		}
		var last *domain.Analysis
		for _, a := range list {
			if a.Status != domain.StatusProcessing {
				continue
			}
			a.Fail(now)
			if err := s.Analyses.Update(ctx, a); err != nil {
				return reclaimed, err
			}
			last = a
		}

		started := "unknown"
		if scan.ProcessingStartedAt != nil {
			started = scan.ProcessingStartedAt.Format(time.RFC3339)
		}
		s.record(ctx, scan.ID, last, scanerrors.PhaseSweep,
			apperr.Ef(apperr.KindUnavailable, "analysis.sweep", "processing since %s exceeded %s", started, s.processingTimeout()))
		s.invalidate(ctx, scan.ID)
		reclaimed++
	}

	if reclaimed > 0 {
		s.Log.Warn().Int("reclaimed", reclaimed).Time("cutoff", cutoff).Msg("stuck scans reclaimed")
	}
	return reclaimed, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.Log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (s *Service) invalidate(ctx context.Context, id scans.ScanID) {
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

func (s *Service) runTimeout() time.Duration {
	if s.RunTimeout <= 0 {
		return DefaultRunTimeout
	}
	return s.RunTimeout
}

func (s *Service) processingTimeout() time.Duration {
	if s.ProcessingTimeout <= 0 {
		return DefaultProcessingTimeout
	}
	return s.ProcessingTimeout
}

func (s *Service) serviceTime() time.Duration {
	if s.ServiceTime <= 0 {
		return DefaultServiceTime
	}
	return s.ServiceTime
}

// rawFindings serializes the payload as the findings text of last resort.
func rawFindings(raw json.RawMessage) string {
	if t := strings.TrimSpace(string(raw)); t != "" {
		return t
	}
	return "{}"
}

func filename(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 && i < len(path)-1 {
		return path[i+1:]
	}
	if path == "" {
		return "image"
	}
	return path
}
