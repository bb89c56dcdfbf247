package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/repository"
)

// In-memory repository fakes mirroring the store-level guarantees the SQL
// implementations provide: atomic pair-key guard on insert, terminal-state
// guard on updates, monotonic watermarks.

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.SyncSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*models.SyncSession)}
}

func (r *fakeSessionRepo) Create(ctx context.Context, s *models.SyncSession) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions {
		if existing.PairKey == s.PairKey && !existing.Status.IsTerminal() {
			return false, nil
		}
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return true, nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id string) (*models.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) List(ctx context.Context, skip, take int) ([]*models.SyncSession, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*models.SyncSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	total := len(all)
	if skip >= total {
		return nil, total, nil
	}
	end := skip + take
	if end > total {
		end = total
	}
	return all[skip:end], total, nil
}

func (r *fakeSessionRepo) ListByStatus(ctx context.Context, statuses []models.SessionStatus) ([]*models.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[models.SessionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*models.SyncSession
	for _, s := range r.sessions {
		if want[s.Status] {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r *fakeSessionRepo) UpdateState(ctx context.Context, id string, status models.SessionStatus, step string, progress int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Status.IsTerminal() {
		return false, nil
	}
	s.Status = status
	s.CurrentStep = step
	s.Progress = progress
	return true, nil
}

func (r *fakeSessionRepo) Terminate(ctx context.Context, id string, status models.SessionStatus, errorMessage string, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Status.IsTerminal() {
		return false, nil
	}
	s.Status = status
	s.ErrorMessage = errorMessage
	s.CompletedAt = &completedAt
	if status == models.StatusCompleted {
		s.Progress = 100
	}
	return true, nil
}

type watermarkKey struct {
	table  string
	target string
}

type fakeWatermarkRepo struct {
	mu    sync.Mutex
	marks map[watermarkKey]int64
}

func newFakeWatermarkRepo() *fakeWatermarkRepo {
	return &fakeWatermarkRepo{marks: make(map[watermarkKey]int64)}
}

func (r *fakeWatermarkRepo) Get(ctx context.Context, table, targetNodeID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks[watermarkKey{table, targetNodeID}], nil
}

func (r *fakeWatermarkRepo) Advance(ctx context.Context, table, targetNodeID string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := watermarkKey{table, targetNodeID}
	if seq > r.marks[key] {
		r.marks[key] = seq
	}
	return nil
}

func (r *fakeWatermarkRepo) AllForTarget(ctx context.Context, targetNodeID string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int64)
	for key, seq := range r.marks {
		if key.target == targetNodeID {
			out[key.table] = seq
		}
	}
	return out, nil
}

type fakeChangeLogRepo struct {
	mu      sync.Mutex
	nextSeq map[string]int64
	records map[string][]*models.ChangeRecord
}

func newFakeChangeLogRepo() *fakeChangeLogRepo {
	return &fakeChangeLogRepo{
		nextSeq: make(map[string]int64),
		records: make(map[string][]*models.ChangeRecord),
	}
}

func (r *fakeChangeLogRepo) Record(ctx context.Context, rec *models.ChangeRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq[rec.Table]++
	cp := *rec
	cp.Sequence = r.nextSeq[rec.Table]
	r.records[rec.Table] = append(r.records[rec.Table], &cp)
	return cp.Sequence, nil
}

func (r *fakeChangeLogRepo) ListAfter(ctx context.Context, table string, afterSeq int64, limit int) ([]*models.ChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.ChangeRecord
	for _, rec := range r.records[table] {
		if rec.Sequence > afterSeq {
			cp := *rec
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeChangeLogRepo) MaxSequence(ctx context.Context, table string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq[table], nil
}

func (r *fakeChangeLogRepo) PendingCount(ctx context.Context, table string, afterSeq int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, rec := range r.records[table] {
		if rec.Sequence > afterSeq {
			count++
		}
	}
	return count, nil
}

// fakeApplier records batches without touching a database. Conflicts are not
// simulated; ApplyBatch tests that need them use the real repository logic.
type fakeApplier struct {
	mu      sync.Mutex
	batches [][]*models.ChangeRecord
	applied map[string]map[string]int64 // origin -> table -> max seq
	failErr error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: make(map[string]map[string]int64)}
}

func (a *fakeApplier) ApplyBatch(ctx context.Context, records []*models.ChangeRecord, policy repository.ConflictPolicy) (*repository.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failErr != nil {
		return nil, a.failErr
	}

	a.batches = append(a.batches, records)
	result := &repository.ApplyResult{AppliedThrough: make(map[string]int64)}
	for _, rec := range records {
		if a.applied[rec.OriginNodeID] == nil {
			a.applied[rec.OriginNodeID] = make(map[string]int64)
		}
		if rec.Sequence > a.applied[rec.OriginNodeID][rec.Table] {
			a.applied[rec.OriginNodeID][rec.Table] = rec.Sequence
			result.AppliedCount++
		} else {
			result.SkippedCount++
		}
		if rec.Sequence > result.AppliedThrough[rec.Table] {
			result.AppliedThrough[rec.Table] = rec.Sequence
		}
	}
	return result, nil
}

func (a *fakeApplier) AppliedWatermarks(ctx context.Context, originNodeID string) (map[string]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64)
	for table, seq := range a.applied[originNodeID] {
		out[table] = seq
	}
	return out, nil
}

// noopRunner satisfies SessionRunner without doing any transfer work, so
// lifecycle tests control session state explicitly.
type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, session *models.SyncSession) {}

func seedPeer(peers *PeerDirectory, nodeID string) {
	peers.Upsert(&models.PeerNode{
		NodeID:     nodeID,
		Address:    "192.168.1.50",
		Hostname:   nodeID,
		LastSeenAt: time.Now().UTC(),
	})
}
