package party

import (
	"sort"
	"sync"
)

// Repository stores live parties. Update and View run fn atomically with
// respect to every other call on the same repository.
type Repository interface {
	Create(p *Party) error
	Update(id string, fn func(p *Party) error) error
	View(id string, fn func(p *Party)) error
	// Delete removes the party, marks it ended and returns it.
	Delete(id string) (*Party, bool)
	IDs() []string
}

// MemoryRepository is the in-process Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	parties map[string]*Party
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{parties: make(map[string]*Party)}
}

func (r *MemoryRepository) Create(p *Party) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parties[p.ID]; ok {
		return ErrExists
	}
	if p.Members == nil {
		p.Members = make(map[string]Member)
	}
	r.parties[p.ID] = p
	return nil
}

func (r *MemoryRepository) Update(id string, fn func(p *Party) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parties[id]
	if !ok {
		return ErrNotFound
	}
	if p.Ended {
		return ErrEnded
	}
	return fn(p)
}

func (r *MemoryRepository) View(id string, fn func(p *Party)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parties[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

func (r *MemoryRepository) Delete(id string) (*Party, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parties[id]
	if !ok {
		return nil, false
	}
	delete(r.parties, id)
	p.Ended = true
	return p, true
}

// IDs returns party ids sorted for stable iteration.
func (r *MemoryRepository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.parties))
	for id := range r.parties {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
