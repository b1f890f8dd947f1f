package server

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbnvrw/frapalyzer/internal/frap"
)

var ErrAnalysisNotFound = errors.New("server: analysis not found")

type Entry struct {
	ID      string      `json:"id"`
	URI     string      `json:"uri"`
	Created time.Time   `json:"created"`
	Result  frap.Result `json:"result"`
}

// Registry keeps completed analyses in memory. IDs are UUIDv7 and sort in
// creation order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Add(uri string, res frap.Result) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ID: id.String(), URI: uri, Created: time.Now().UTC(), Result: res}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	return e, nil
}

func (r *Registry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrAnalysisNotFound
	}
	return e, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
