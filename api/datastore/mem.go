package datastore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gantryproject/gantry/api/models"
	cache "github.com/patrickmn/go-cache"
)

// memStore is the in-process datastore. It backs single-node deployments and
// every package test; the mutex stands in for the redis store's scripted
// transactions.
type memStore struct {
	mu sync.Mutex

	running map[string]uint64
	global  uint64

	queues map[string][]*models.JobRequest

	limits map[string]uint64

	runners map[string]*models.RunnerRecord

	// TTL-bounded sets: webhook dedup, per-runner release markers, leases.
	seen     *cache.Cache
	released *cache.Cache
	leases   *cache.Cache

	dedupTTL time.Duration
}

// NewMem returns an empty in-memory datastore.
func NewMem() Datastore {
	return &memStore{
		running:  make(map[string]uint64),
		queues:   make(map[string][]*models.JobRequest),
		limits:   make(map[string]uint64),
		runners:  make(map[string]*models.RunnerRecord),
		seen:     cache.New(DefaultDedupTTL, 10*time.Minute),
		released: cache.New(cache.NoExpiration, 10*time.Minute),
		leases:   cache.New(cache.NoExpiration, time.Minute),
		dedupTTL: DefaultDedupTTL,
	}
}

type memProvider int

func (memProvider) Supports(u *url.URL) bool {
	return u.Scheme == "mem"
}

func (memProvider) String() string {
	return "mem"
}

func (memProvider) New(u *url.URL) (Datastore, error) {
	return NewMem(), nil
}

func init() {
	AddProvider(memProvider(0))
}

func (m *memStore) TryAdmit(ctx context.Context, org string, limit, maxTotal uint64) (models.Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running[org] >= limit {
		return models.DeniedOrgCap, nil
	}
	if m.global >= maxTotal {
		return models.DeniedGlobalCap, nil
	}
	m.running[org]++
	m.global++
	return models.Admitted, nil
}

func (m *memStore) Release(ctx context.Context, org string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clamped := false
	if m.running[org] > 0 {
		m.running[org]--
		if m.running[org] == 0 {
			delete(m.running, org)
		}
	} else {
		clamped = true
	}
	if m.global > 0 {
		m.global--
	} else {
		clamped = true
	}
	return clamped, nil
}

func (m *memStore) SetOrgRunning(ctx context.Context, org string, running uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if running == 0 {
		delete(m.running, org)
	} else {
		m.running[org] = running
	}
	return nil
}

func (m *memStore) SetGlobalRunning(ctx context.Context, running uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.global = running
	return nil
}

func (m *memStore) OrgRunning(ctx context.Context, org string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running[org], nil
}

func (m *memStore) GlobalRunning(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.global, nil
}

func (m *memStore) OrgRunningCounts(ctx context.Context) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.running))
	for org, n := range m.running {
		out[org] = n
	}
	return out, nil
}

func dedupKey(job *models.JobRequest) string {
	return fmt.Sprintf("job:%d", job.ID)
}

func (m *memStore) Enqueue(ctx context.Context, job *models.JobRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seen.Add(dedupKey(job), struct{}{}, m.dedupTTL); err != nil {
		return false, nil
	}
	j := *job
	m.queues[job.Org] = append(m.queues[job.Org], &j)
	return true, nil
}

func (m *memStore) EnqueueFront(ctx context.Context, job *models.JobRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := *job
	m.queues[job.Org] = append([]*models.JobRequest{&j}, m.queues[job.Org]...)
	return nil
}

func (m *memStore) Dequeue(ctx context.Context, org string) (*models.JobRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[org]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	if len(q) == 1 {
		delete(m.queues, org)
	} else {
		m.queues[org] = q[1:]
	}
	return head, nil
}

func (m *memStore) QueueLen(ctx context.Context, org string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return uint64(len(m.queues[org])), nil
}

func (m *memStore) NonEmptyOrgs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orgs := make([]string, 0, len(m.queues))
	for org, q := range m.queues {
		if len(q) > 0 {
			orgs = append(orgs, org)
		}
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (m *memStore) PurgeQueue(ctx context.Context, org string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := uint64(len(m.queues[org]))
	delete(m.queues, org)
	return n, nil
}

func (m *memStore) Override(ctx context.Context, org string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limits[org]
	return limit, ok, nil
}

func (m *memStore) SetOverride(ctx context.Context, org string, limit uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limits[org] = limit
	return nil
}

func (m *memStore) RemoveOverride(ctx context.Context, org string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.limits[org]
	delete(m.limits, org)
	return ok, nil
}

func (m *memStore) Overrides(ctx context.Context) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.limits))
	for org, limit := range m.limits {
		out[org] = limit
	}
	return out, nil
}

func (m *memStore) SetOverrides(ctx context.Context, limits map[string]uint64, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if replace {
		m.limits = make(map[string]uint64, len(limits))
	}
	for org, limit := range limits {
		if !replace {
			if _, ok := m.limits[org]; ok {
				continue
			}
		}
		m.limits[org] = limit
	}
	return nil
}

func (m *memStore) SaveRunner(ctx context.Context, rec *models.RunnerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.runners[rec.Name] = &r
	return nil
}

func (m *memStore) Runner(ctx context.Context, name string) (*models.RunnerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runners[name]
	if !ok {
		return nil, nil
	}
	r := *rec
	return &r, nil
}

func (m *memStore) Runners(ctx context.Context) ([]*models.RunnerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.RunnerRecord, 0, len(m.runners))
	for _, rec := range m.runners {
		r := *rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) RemoveRunner(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runners, name)
	return nil
}

func (m *memStore) MarkReleased(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.released.Add(name, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.leases.Get(key); ok && holder.(string) != owner {
		return false, nil
	}
	m.leases.Set(key, owner, ttl)
	return true, nil
}

func (m *memStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.leases.Get(key); ok && holder.(string) == owner {
		m.leases.Delete(key)
	}
	return nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) Close() error { return nil }
