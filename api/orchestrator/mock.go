package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-memory Client for tests. Phases are advanced by the test
// via SetPhase; Create failures are injected via CreateErr.
type Mock struct {
	mu        sync.Mutex
	workloads map[string]*Workload

	// CreateErr, when set, is returned by the next Create calls.
	CreateErr error
	// Creates counts Create calls, including failed ones.
	Creates int
	// ListErr, when set, is returned by List.
	ListErr error
}

// NewMock returns an empty mock orchestrator.
func NewMock() *Mock {
	return &Mock{workloads: make(map[string]*Workload)}
}

func (m *Mock) List(ctx context.Context) ([]*Workload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]*Workload, 0, len(m.workloads))
	for _, w := range m.workloads {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Mock) Create(ctx context.Context, spec *WorkloadSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Creates++
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	id := uuid.NewString()
	m.workloads[spec.Name] = &Workload{
		ID:        id,
		Name:      spec.Name,
		Org:       spec.Org,
		JobID:     spec.JobID,
		Phase:     PhasePending,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (m *Mock) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workloads, name)
	return nil
}

// SetPhase moves a workload to the given phase; it is a no-op for unknown
// names.
func (m *Mock) SetPhase(name string, phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workloads[name]; ok {
		w.Phase = phase
	}
}

// Inject adds a workload directly, simulating a pod left over from an
// earlier process.
func (m *Mock) Inject(w *Workload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	m.workloads[w.Name] = w
}

// Has reports whether a workload with the name exists.
func (m *Mock) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workloads[name]
	return ok
}
