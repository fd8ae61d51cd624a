package queue

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/medscan/internal/application"
	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

// DefaultServiceTime is the per-item estimate used for queue wait times.
const DefaultServiceTime = 30 * time.Second

// Manager presents the ordered view of pending work and holds the in-process
// per-scan leases that keep a scan from running twice.
//
// The queue itself is not persisted: it is the set of pending scans in the
// record store. Leases and counters are transient bookkeeping.
type Manager struct {
	repo        scans.Repository
	serviceTime time.Duration
	publisher   analysis.Publisher
	clock       application.Clock
	log         zerolog.Logger

	mu        sync.Mutex
	leases    map[scans.ScanID]lease
	nextToken uint64
	completed int64
	failed    int64
}

// lease is one admission. token tells a run's own lease apart from a newer
// one taken for the same scan after Clear dropped the first.
type lease struct {
	token uint64
	at    time.Time
}

// Stats is the queueStats() view.
type Stats struct {
	Depth                int   `json:"depth"`
	EstimatedWaitSeconds int64 `json:"estimated_wait_seconds"`
	Active               int   `json:"active"`
	Completed            int64 `json:"completed"`
	Failed               int64 `json:"failed"`
}

// ClearResult reports what Clear dropped. Pending scans are never touched.
type ClearResult struct {
	ReleasedLeases int `json:"released_leases"`
	PendingKept    int `json:"pending_kept"`
}

// NewManager builds a Manager. serviceTime <= 0 uses DefaultServiceTime; publisher may be nil.
func NewManager(repo scans.Repository, serviceTime time.Duration, publisher analysis.Publisher, clock application.Clock, log zerolog.Logger) *Manager {
	if serviceTime <= 0 {
		serviceTime = DefaultServiceTime
	}
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &Manager{
		repo:        repo,
		serviceTime: serviceTime,
		publisher:   publisher,
		clock:       clock,
		log:         log.With().Str("component", "queue_manager").Logger(),
		leases:      make(map[scans.ScanID]lease),
	}
}

// List returns every pending scan ordered by priority tier (urgent first),
// then creation time (oldest first), then id.
func (m *Manager) List(ctx context.Context) ([]*scans.Scan, error) {
	pending, err := m.repo.ListByStatus(ctx, scans.StatusPending)
	if err != nil {
		return nil, err
	}
	out := make([]*scans.Scan, 0, len(pending))
	for _, s := range pending {
		// adapters filter already; a stale row must not leak into the queue
		if s.Status == scans.StatusPending {
			out = append(out, s)
		}
	}
	Order(out)
	return out, nil
}

// Order sorts scans in queue order in place.
func Order(list []*scans.Scan) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ta, tb := a.Priority.Tier(), b.Priority.Tier(); ta != tb {
			return ta > tb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// All is the lazy form of List. Nothing is read until the sequence is ranged
// over, and every range reads the store again.
func (m *Manager) All(ctx context.Context) iter.Seq2[*scans.Scan, error] {
	return func(yield func(*scans.Scan, error) bool) {
		list, err := m.List(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, s := range list {
			if !yield(s, nil) {
				return
			}
		}
	}
}

// Page returns one page of the ordered queue.
func (m *Manager) Page(ctx context.Context, page, pageSize int) (scans.PaginatedResult, error) {
	list, err := m.List(ctx)
	if err != nil {
		return scans.PaginatedResult{}, err
	}
	return scans.Paginate(list, page, pageSize), nil
}

// Stats computes depth and a coarse wait estimate (depth x service time).
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	pending, err := m.repo.ListByStatus(ctx, scans.StatusPending)
	if err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := len(pending)
	return Stats{
		Depth:                depth,
		EstimatedWaitSeconds: int64(depth) * int64(m.serviceTime/time.Second),
		Active:               len(m.leases),
		Completed:            m.completed,
		Failed:               m.failed,
	}, nil
}

// ServiceTime is the per-item estimate.
func (m *Manager) ServiceTime() time.Duration { return m.serviceTime }

// Clear drops transient bookkeeping: counters, and leases whose scan is no
// longer processing in the store. Admin only.
func (m *Manager) Clear(ctx context.Context, p application.Principal) (ClearResult, error) {
	if !p.IsAdmin() {
		return ClearResult{}, apperr.E(apperr.KindPermission, "queue.clear", errors.New("admin role required"))
	}

	m.mu.Lock()
	held := make([]scans.ScanID, 0, len(m.leases))
	for id := range m.leases {
		held = append(held, id)
	}
	m.mu.Unlock()

	var stale []scans.ScanID
	for _, id := range held {
		s, err := m.repo.Get(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) || (err == nil && s.Status != scans.StatusProcessing) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return ClearResult{}, err
		}
	}

	m.mu.Lock()
	for _, id := range stale {
		delete(m.leases, id)
	}
	m.completed, m.failed = 0, 0
	m.mu.Unlock()

	pending, err := m.repo.ListByStatus(ctx, scans.StatusPending)
	if err != nil {
		return ClearResult{}, err
	}
	m.log.Info().Str("by", p.Subject).Int("released_leases", len(stale)).Msg("queue bookkeeping cleared")
	return ClearResult{ReleasedLeases: len(stale), PendingKept: len(pending)}, nil
}

// Acquire takes the lease of scan id and returns its token. It reports false
// when the lease is already held.
func (m *Manager) Acquire(id scans.ScanID) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.leases[id]; held {
		return 0, false
	}
	m.nextToken++
	m.leases[id] = lease{token: m.nextToken, at: m.clock.Now()}
	return m.nextToken, true
}

// Release gives the lease back if token still owns it. Releasing a free or
// foreign lease is a no-op.
func (m *Manager) Release(id scans.ScanID, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok && l.token == token {
		delete(m.leases, id)
	}
}

// Held reports whether the lease of id is taken.
func (m *Manager) Held(id scans.ScanID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[id]
	return ok
}

// Observe consumes completion messages until ctx ends or ch is closed.
func (m *Manager) Observe(ctx context.Context, ch <-chan analysis.Completion) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			m.record(ctx, c)
		}
	}
}

func (m *Manager) record(ctx context.Context, c analysis.Completion) {
	m.mu.Lock()
	switch c.Status {
	case analysis.StatusCompleted:
		m.completed++
	case analysis.StatusFailed:
		m.failed++
	}
	m.mu.Unlock()

	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishCompletion(ctx, c); err != nil {
		m.log.Warn().Err(err).Str("scan_id", string(c.ScanID)).Msg("publish completion failed")
	}
}
