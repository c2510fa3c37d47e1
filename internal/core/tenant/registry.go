package tenant

import "sync"

// Registry owns every live lane, keyed by tenant id. Lanes are created
// lazily the first time a tenant takes a command and live until the
// registry shuts down.
//
// The RWMutex protects the map itself. It does not protect lane contents;
// each lane serialises its own work through its inbox.
type Registry struct {
	mu     sync.RWMutex
	lanes  map[int64]*Lane
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{lanes: make(map[int64]*Lane)}
}

// Lane returns the tenant's lane, creating it on first use. Returns nil
// after Close.
func (r *Registry) Lane(tenantID int64) *Lane {
	r.mu.RLock()
	l, ok := r.lanes[tenantID]
	closed := r.closed
	r.mu.RUnlock()
	if ok || closed {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if l, ok := r.lanes[tenantID]; ok {
		return l
	}
	l = NewLane(tenantID)
	r.lanes[tenantID] = l
	return l
}

// Peek returns the lane only if it already exists.
func (r *Registry) Peek(tenantID int64) (*Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lanes[tenantID]
	return l, ok
}

// All returns a snapshot of the live lanes. Safe for iteration.
func (r *Registry) All() []*Lane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Lane, 0, len(r.lanes))
	for _, l := range r.lanes {
		out = append(out, l)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lanes)
}

// Delete removes a lane and shuts down its goroutine.
func (r *Registry) Delete(tenantID int64) {
	r.mu.Lock()
	l, ok := r.lanes[tenantID]
	delete(r.lanes, tenantID)
	r.mu.Unlock()

	if ok {
		l.Close()
	}
}

// Close drains and stops every lane. New Lane calls return nil afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	lanes := make([]*Lane, 0, len(r.lanes))
	for _, l := range r.lanes {
		lanes = append(lanes, l)
	}
	r.lanes = map[int64]*Lane{}
	r.mu.Unlock()

	for _, l := range lanes {
		l.Close()
	}
}
