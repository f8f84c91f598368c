// Package clients holds the authoritative name -> record map. The lifecycle
// controller is its only writer; readers get copies.
package clients

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/provision"
)

type Status string

const (
	StatusCreated Status = "Created"
	StatusRunning Status = "Running"
	StatusStopped Status = "Stopped"
)

// Record is one client. Handle is nil unless Status is Running.
type Record struct {
	Name         string
	Status       Status
	Spec         provision.Spec
	Handle       provision.Handle
	ConsoleAlias string
	// Settings holds every set command the backend accepted.
	Settings  map[string]string
	CreatedAt time.Time
}

func (r Record) clone() Record {
	r.Settings = maps.Clone(r.Settings)
	return r
}

type Registry struct {
	mu    sync.RWMutex
	items map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Record)}
}

func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[name]
	return ok
}

// Register adds a Created record for spec.
func (r *Registry) Register(spec provision.Spec) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[spec.Name]; ok {
		return Record{}, fmt.Errorf("client %q: %w", spec.Name, faults.ErrAlreadyExists)
	}
	rec := &Record{
		Name:      spec.Name,
		Status:    StatusCreated,
		Spec:      spec,
		Settings:  make(map[string]string),
		CreatedAt: time.Now(),
	}
	r.items[spec.Name] = rec
	return rec.clone(), nil
}

func (r *Registry) Find(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.items[name]
	if !ok {
		return Record{}, fmt.Errorf("client %q: %w", name, faults.ErrNotFound)
	}
	return rec.clone(), nil
}

func (r *Registry) SetStatus(name string, status Status) error {
	return r.Update(name, func(rec *Record) { rec.Status = status })
}

// Update applies fn to the stored record under the write lock.
func (r *Registry) Update(name string, fn func(rec *Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[name]
	if !ok {
		return fmt.Errorf("client %q: %w", name, faults.ErrNotFound)
	}
	fn(rec)
	return nil
}

// Remove detaches the record. The caller owns tearing down its handle.
func (r *Registry) Remove(name string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[name]
	if !ok {
		return Record{}, fmt.Errorf("client %q: %w", name, faults.ErrNotFound)
	}
	delete(r.items, name)
	return *rec, nil
}

// Snapshot returns every record sorted by name, as of one instant.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.items))
	for _, rec := range r.items {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
