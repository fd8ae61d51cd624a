package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/medscan/internal/application/queue"
	domain "github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/inference"
	"github.com/bryanwahyu/medscan/internal/domain/scanerrors"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
	"github.com/bryanwahyu/medscan/internal/infra/db/memory"
)

type fakeImages struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeImages) Upload(_ context.Context, key string, _ io.Reader, _ int64, _ string) (string, error) {
	return key, nil
}

func (f *fakeImages) Read(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[path]
	if !ok {
		return nil, apperr.Ef(apperr.KindStorage, "images.read", "object %s missing", path)
	}
	return b, nil
}

type fakeInference struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req inference.Request) (inference.Prediction, error)
}

func (f *fakeInference) Infer(ctx context.Context, req inference.Request) (inference.Prediction, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

type fakeSummarizer struct {
	text string
	err  error
}

func (f fakeSummarizer) Summarize(context.Context, inference.SummaryInput) (string, error) {
	return f.text, f.err
}

// inlineDispatcher runs the job before TrySubmit returns.
type inlineDispatcher struct{}

func (inlineDispatcher) TrySubmit(job func(ctx context.Context)) error {
	job(context.Background())
	return nil
}

type goDispatcher struct{ wg sync.WaitGroup }

func (d *goDispatcher) TrySubmit(job func(ctx context.Context)) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		job(context.Background())
	}()
	return nil
}

type fullDispatcher struct{}

func (fullDispatcher) TrySubmit(func(ctx context.Context)) error {
	return errors.New("worker pool: queue full")
}

type fakeCache struct {
	mu    sync.Mutex
	views map[scans.ScanID]domain.StatusView
	drops int
	// beforeSet runs once, before the first Set stores its view
	beforeSet func()
}

func (c *fakeCache) Get(_ context.Context, id scans.ScanID) (domain.StatusView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[id]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, v domain.StatusView) error {
	c.mu.Lock()
	hook := c.beforeSet
	c.beforeSet = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[v.ScanID] = v
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id scans.ScanID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, id)
	c.drops++
	return nil
}

type fixture struct {
	db          *memory.DB
	svc         *Service
	leases      *queue.Manager
	images      *fakeImages
	infer       *fakeInference
	completions chan domain.Completion
}

func newFixture(t *testing.T, fn func(context.Context, inference.Request) (inference.Prediction, error)) *fixture {
	t.Helper()
	db := memory.New()
	f := &fixture{
		db:          db,
		leases:      queue.NewManager(db.Scans(), 0, nil, nil, zerolog.Nop()),
		images:      &fakeImages{data: map[string][]byte{"scans/S1/0.png": []byte("png-bytes")}},
		infer:       &fakeInference{fn: fn},
		completions: make(chan domain.Completion, 64),
	}
	f.svc = &Service{
		Scans:       db.Scans(),
		Analyses:    db.Analyses(),
		Images:      f.images,
		Inference:   f.infer,
		Failures:    db.ScanErrors(),
		Dispatcher:  inlineDispatcher{},
		Admission:   f.leases,
		Completions: f.completions,
		Log:         zerolog.Nop(),
	}
	require.NoError(t, db.Scans().Create(context.Background(), &scans.Scan{
		ID:         "S1",
		PatientID:  "P1",
		Type:       scans.TypeXRay,
		BodyRegion: "chest",
		Priority:   scans.PriorityUrgent,
		ImagePaths: []string{"scans/S1/0.png"},
	}))
	return f
}

func labelOnly(context.Context, inference.Request) (inference.Prediction, error) {
	return inference.Normalize(inference.TaskLung, []byte(`{"label":"nodule detected"}`))
}

func (f *fixture) scan(t *testing.T) *scans.Scan {
	t.Helper()
	s, err := f.db.Scans().Get(context.Background(), "S1")
	require.NoError(t, err)
	return s
}

func (f *fixture) analyses(t *testing.T) []*domain.Analysis {
	t.Helper()
	list, err := f.db.Analyses().ListByScan(context.Background(), "S1")
	require.NoError(t, err)
	return list
}

func TestAnalyzeLabelWithoutConfidence(t *testing.T) {
	f := newFixture(t, labelOnly)

	ack, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, scans.StatusProcessing, ack.Status)
	assert.EqualValues(t, 30, ack.EstimatedTime)
	assert.False(t, ack.AlreadyRunning)

	assert.Equal(t, scans.StatusCompleted, f.scan(t).Status)
	list := f.analyses(t)
	require.Len(t, list, 1)
	a := list[0]
	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, string(inference.TaskLung), a.Type)
	require.NotNil(t, a.Confidence)
	assert.Zero(t, *a.Confidence)
	require.NotNil(t, a.Result)
	assert.Equal(t, "nodule detected", a.Result.Findings)
	require.NotNil(t, a.CompletedAt)

	c := <-f.completions
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.Equal(t, a.ID, c.AnalysisID)
	assert.False(t, f.leases.Held("S1"))
}

func TestAnalyzeFallsBackToRawPayload(t *testing.T) {
	f := newFixture(t, func(context.Context, inference.Request) (inference.Prediction, error) {
		return inference.Normalize(inference.TaskLung, []byte(`{"heatmap":"abc","confidence":0.4}`))
	})

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)

	a := f.analyses(t)[0]
	require.NotNil(t, a.Result)
	assert.JSONEq(t, `{"heatmap":"abc","confidence":0.4}`, a.Result.Findings)
	assert.InDelta(t, 0.4, *a.Confidence, 1e-9)
}

func TestAnalyzeSendsImageAndMetadata(t *testing.T) {
	var got inference.Request
	f := newFixture(t, func(_ context.Context, req inference.Request) (inference.Prediction, error) {
		got = req
		return labelOnly(context.Background(), req)
	})

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, inference.TaskLung, got.Task)
	assert.Equal(t, "0.png", got.Filename)
	assert.Equal(t, []byte("png-bytes"), got.Image)
	assert.Equal(t, scans.TypeXRay, got.ScanType)
	assert.Equal(t, "chest", got.BodyRegion)
}

func TestInferenceErrorFailsBothRecords(t *testing.T) {
	f := newFixture(t, func(context.Context, inference.Request) (inference.Prediction, error) {
		return inference.Prediction{}, apperr.Ef(apperr.KindInference, "inference.infer", "endpoint returned 500")
	})

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err, "failures are asynchronous")

	assert.Equal(t, scans.StatusFailed, f.scan(t).Status)
	a := f.analyses(t)[0]
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Nil(t, a.Confidence)
	assert.Nil(t, a.Result)

	errs, err := f.db.ScanErrors().ListByScan(context.Background(), "S1", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, scanerrors.PhaseInference, errs[0].Phase)
	assert.Equal(t, string(a.ID), errs[0].AnalysisID)

	c := <-f.completions
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.NotEmpty(t, c.Error)
}

func TestImageReadFailure(t *testing.T) {
	f := newFixture(t, labelOnly)
	f.images.data = map[string][]byte{}

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)

	assert.Equal(t, scans.StatusFailed, f.scan(t).Status)
	assert.Zero(t, f.infer.calls.Load())
	errs, err := f.db.ScanErrors().ListByScan(context.Background(), "S1", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, scanerrors.PhaseStorage, errs[0].Phase)
}

func TestPanicInRunFails(t *testing.T) {
	f := newFixture(t, func(context.Context, inference.Request) (inference.Prediction, error) {
		panic("model crashed")
	})

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, scans.StatusFailed, f.scan(t).Status)
	assert.Equal(t, domain.StatusFailed, f.analyses(t)[0].Status)
	assert.False(t, f.leases.Held("S1"))
}

func TestAnalyzeNotFound(t *testing.T) {
	f := newFixture(t, labelOnly)

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "missing-id"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1", ImageIndex: 3})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, scans.StatusPending, f.scan(t).Status)
}

func TestAnalyzeIsIdempotentUnderConcurrency(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req inference.Request) (inference.Prediction, error) {
		<-release
		return labelOnly(ctx, req)
	})
	d := &goDispatcher{}
	f.svc.Dispatcher = d

	const callers = 16
	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, apperr.ErrConflict):
				assert.True(t, ack.AlreadyRunning)
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(release)
	d.wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, callers-1, conflicts.Load())
	assert.EqualValues(t, 1, f.infer.calls.Load())
	assert.Len(t, f.analyses(t), 1)
	assert.Equal(t, scans.StatusCompleted, f.scan(t).Status)
}

func TestAnalyzeWhileProcessing(t *testing.T) {
	f := newFixture(t, labelOnly)
	_, err := f.db.Scans().Transition(context.Background(), "S1", scans.AnalyzableFrom, scans.StatusProcessing, time.Now())
	require.NoError(t, err)

	ack, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.True(t, ack.AlreadyRunning)
	assert.Equal(t, scans.StatusProcessing, ack.Status)
	assert.Zero(t, f.infer.calls.Load())
}

func TestCompletedScanCanBeAnalyzedAgain(t *testing.T) {
	f := newFixture(t, labelOnly)
	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	first := f.analyses(t)[0]

	ack, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	assert.False(t, ack.AlreadyRunning)
	assert.Equal(t, first.ID, ack.AnalysisID)
	assert.EqualValues(t, 2, f.infer.calls.Load())
	assert.Equal(t, scans.StatusCompleted, f.scan(t).Status)
	assert.Len(t, f.analyses(t), 1)
}

func TestArchivedIsNotAnalyzable(t *testing.T) {
	f := newFixture(t, labelOnly)
	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)

	_, err = f.db.Scans().Transition(context.Background(), "S1", []scans.Status{scans.StatusCompleted}, scans.StatusArchived, time.Now())
	require.NoError(t, err)
	ack, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.False(t, ack.AlreadyRunning)
	assert.EqualValues(t, 1, f.infer.calls.Load())
	assert.Equal(t, scans.StatusArchived, f.scan(t).Status)
}

func TestEveryImageOfAScanIsAnalyzed(t *testing.T) {
	f := newFixture(t, labelOnly)
	ctx := context.Background()
	f.images.data["scans/M1/0.png"] = []byte("first")
	f.images.data["scans/M1/1.png"] = []byte("second")
	require.NoError(t, f.db.Scans().Create(ctx, &scans.Scan{
		ID:         "M1",
		PatientID:  "P2",
		Type:       scans.TypeCT,
		BodyRegion: "chest",
		Priority:   scans.PriorityHigh,
		ImagePaths: []string{"scans/M1/0.png", "scans/M1/1.png"},
	}))

	_, err := f.svc.Analyze(ctx, AnalyzeRequest{ScanID: "M1", ImageIndex: 0})
	require.NoError(t, err)
	_, err = f.svc.Analyze(ctx, AnalyzeRequest{ScanID: "M1", ImageIndex: 1})
	require.NoError(t, err)

	list, err := f.db.Analyses().ListByScan(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for i, a := range list {
		assert.Equal(t, i, a.ImageIndex)
		assert.Equal(t, domain.StatusCompleted, a.Status)
	}
	m1, err := f.db.Scans().Get(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusCompleted, m1.Status)
}

func TestFailedScanCanBeRetried(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newFixture(t, func(ctx context.Context, req inference.Request) (inference.Prediction, error) {
		if fail.Load() {
			return inference.Prediction{}, apperr.Ef(apperr.KindInference, "inference.infer", "timeout")
		}
		return labelOnly(ctx, req)
	})

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	first := f.analyses(t)
	require.Len(t, first, 1)
	assert.Equal(t, domain.StatusFailed, first[0].Status)

	fail.Store(false)
	_, err = f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)

	second := f.analyses(t)
	require.Len(t, second, 1, "analysis of the same image and task is reused")
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, domain.StatusCompleted, second[0].Status)
	assert.Equal(t, scans.StatusCompleted, f.scan(t).Status)
}

func TestSummarizer(t *testing.T) {
	t.Run("used on success", func(t *testing.T) {
		f := newFixture(t, labelOnly)
		f.svc.Summarizer = fakeSummarizer{text: "CT follow-up in 3 months"}
		_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
		require.NoError(t, err)
		assert.Equal(t, "CT follow-up in 3 months", f.analyses(t)[0].Result.Recommendations)
	})

	t.Run("failure degrades to findings", func(t *testing.T) {
		f := newFixture(t, labelOnly)
		f.svc.Summarizer = fakeSummarizer{err: errors.New("llm quota")}
		_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
		require.NoError(t, err)

		a := f.analyses(t)[0]
		assert.Equal(t, domain.StatusCompleted, a.Status)
		assert.Equal(t, "nodule detected", a.Result.Recommendations)
	})

	t.Run("failure keeps model recommendations", func(t *testing.T) {
		f := newFixture(t, func(context.Context, inference.Request) (inference.Prediction, error) {
			return inference.Normalize(inference.TaskLung, []byte(`{"label":"mass","recommendation":"biopsy"}`))
		})
		f.svc.Summarizer = fakeSummarizer{err: errors.New("llm down")}
		_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
		require.NoError(t, err)
		assert.Equal(t, "biopsy", f.analyses(t)[0].Result.Recommendations)
	})
}

func TestPoolFullFailsScan(t *testing.T) {
	f := newFixture(t, labelOnly)
	f.svc.Dispatcher = fullDispatcher{}

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
	assert.Equal(t, scans.StatusFailed, f.scan(t).Status)
	assert.Equal(t, domain.StatusFailed, f.analyses(t)[0].Status)
	assert.False(t, f.leases.Held("S1"))

	errs, err := f.db.ScanErrors().ListByScan(context.Background(), "S1", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, scanerrors.PhaseDispatch, errs[0].Phase)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, func(context.Context, inference.Request) (inference.Prediction, error) {
		return inference.Normalize(inference.TaskLung, []byte(`{"finding":"clear","confidence":0.91,"recommendations":"none"}`))
	})
	cache := &fakeCache{views: map[scans.ScanID]domain.StatusView{}}
	f.svc.Cache = cache

	v, err := f.svc.Status(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusPending, v.ScanStatus)
	assert.Empty(t, v.AnalysisStatus)

	_, err = f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)
	assert.Positive(t, cache.drops)

	v, err = f.svc.Status(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusCompleted, v.ScanStatus)
	assert.Equal(t, domain.StatusCompleted, v.AnalysisStatus)
	require.NotNil(t, v.Confidence)
	assert.InDelta(t, 0.91, *v.Confidence, 1e-9)
	assert.Equal(t, "clear", v.Findings)
	assert.Equal(t, "none", v.Recommendations)

	body, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"scan_status":"completed"`)

	_, err = f.svc.Status(context.Background(), "nope")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestStatusNotCachedWhenRunFinishesDuringRead(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req inference.Request) (inference.Prediction, error) {
		<-release
		return labelOnly(ctx, req)
	})
	d := &goDispatcher{}
	f.svc.Dispatcher = d
	cache := &fakeCache{views: map[scans.ScanID]domain.StatusView{}}
	f.svc.Cache = cache

	_, err := f.svc.Analyze(context.Background(), AnalyzeRequest{ScanID: "S1"})
	require.NoError(t, err)

	// run selesai setelah Status membaca store tapi sebelum view disimpan
	cache.beforeSet = func() {
		close(release)
		d.wg.Wait()
	}
	v, err := f.svc.Status(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusProcessing, v.ScanStatus)
	require.Equal(t, scans.StatusCompleted, f.scan(t).Status)

	v, err = f.svc.Status(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusCompleted, v.ScanStatus)
	assert.Equal(t, domain.StatusCompleted, v.AnalysisStatus)
}

func TestStatusCachedWhileUnchanged(t *testing.T) {
	f := newFixture(t, labelOnly)
	cache := &fakeCache{views: map[scans.ScanID]domain.StatusView{}}
	f.svc.Cache = cache

	_, err := f.svc.Status(context.Background(), "S1")
	require.NoError(t, err)
	_, ok, err := cache.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepReclaimsStuckScans(t *testing.T) {
	f := newFixture(t, labelOnly)
	ctx := context.Background()
	f.svc.ProcessingTimeout = 10 * time.Minute
	require.NoError(t, f.db.Scans().Create(ctx, &scans.Scan{ID: "S2", Priority: scans.PriorityLow, ImagePaths: []string{"x"}}))

	old := time.Now().Add(-time.Hour)
	for _, id := range []scans.ScanID{"S1", "S2"} {
		_, err := f.db.Scans().Transition(ctx, id, scans.AnalyzableFrom, scans.StatusProcessing, old)
		require.NoError(t, err)
	}
	stale := &domain.Analysis{ScanID: "S1", Type: string(inference.TaskLung)}
	stale.Start(old)
	require.NoError(t, f.db.Analyses().Create(ctx, stale))

	// S2 masih dipegang run lokal
	_, ok := f.leases.Acquire("S2")
	require.True(t, ok)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, scans.StatusFailed, f.scan(t).Status)
	assert.Equal(t, domain.StatusFailed, f.analyses(t)[0].Status)
	s2, err := f.db.Scans().Get(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, scans.StatusProcessing, s2.Status)

	errs, err := f.db.ScanErrors().ListByScan(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, scanerrors.PhaseSweep, errs[0].Phase)

	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t, labelOnly)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestTimeoutDefaultsMatchConfig(t *testing.T) {
	var s Service
	assert.Equal(t, 10*time.Minute, s.processingTimeout())
	assert.Equal(t, 2*time.Minute, s.runTimeout())
}
