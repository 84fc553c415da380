// Package registry publishes which service processes are currently running.
//
// The lifecycle manager registers a Record when it spawns a service and removes it on
// teardown. Nothing in the message path reads the registry; it exists for operators
// and tooling that want to see the live process set (for example through etcdctl).
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Lookup for a name with no record.
var ErrNotFound = errors.New("registry: service not registered")

// Record describes one running service process.
type Record struct {
	Name       string    `json:"name"`
	InstanceID string    `json:"instanceId"`
	Pid        int       `json:"pid"`
	ModuleRef  string    `json:"moduleRef"`
	StartedAt  time.Time `json:"startedAt"`
}

type Registry interface {
	Register(ctx context.Context, rec Record) error
	Deregister(ctx context.Context, name string) error
	Lookup(ctx context.Context, name string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// MemoryRegistry keeps records in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record)}
}

func (r *MemoryRegistry) Register(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Name] = rec
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
