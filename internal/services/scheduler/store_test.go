package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/magabrotheeeer/access-expiry/internal/models"
)

// memStore хранилище в памяти с теми же правилами ревизий, что и SQL-реализации.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]models.ScheduledJob
	dueErr   error
	claimErr error
	// beforeClaim вызывается перед ClaimJob, чтобы имитировать гонку с продлением.
	beforeClaim func(jobID string)
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]models.ScheduledJob)}
}

func (m *memStore) UpsertJob(_ context.Context, job *models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := int64(1)
	if old, ok := m.jobs[job.ID]; ok {
		rev = old.Revision + 1
	}
	job.Revision = rev
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	return ok, nil
}

func (m *memStore) ClaimJob(_ context.Context, jobID string, revision int64) (bool, error) {
	if m.beforeClaim != nil {
		m.beforeClaim(jobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	job, ok := m.jobs[jobID]
	if !ok || job.Revision != revision {
		return false, nil
	}
	delete(m.jobs, jobID)
	return true, nil
}

func (m *memStore) sorted() []models.ScheduledJob {
	out := make([]models.ScheduledJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].RunAt.Equal(out[k].RunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].RunAt.Before(out[k].RunAt)
	})
	return out
}

func (m *memStore) DueJobs(_ context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	var out []*models.ScheduledJob
	for _, j := range m.sorted() {
		if j.RunAt.After(now) || len(out) == limit {
			break
		}
		j := j
		out = append(out, &j)
	}
	return out, nil
}

func (m *memStore) NextRunAt(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	if len(all) == 0 {
		return time.Time{}, false, nil
	}
	return all[0].RunAt, true, nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &j, nil
}

func (m *memStore) ListJobs(_ context.Context, limit, offset int) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	var out []*models.ScheduledJob
	for i := offset; i < len(all) && len(out) < limit; i++ {
		j := all[i]
		out = append(out, &j)
	}
	return out, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
