// Package mediastate is the crash recovery layer for the push fabric: the
// last good envelope of every tenant, mirrored to disk so a restart or a
// wedged store can still serve displays something, clearly marked stale.
package mediastate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bracketcast/bracketcast/internal/core/snapshot"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// memSize bounds the in-memory layer; tenants beyond it fall back to disk.
const memSize = 128

// Stored is the on-disk shape: the envelope plus its capture time, which
// staleness is measured against.
type Stored struct {
	CapturedAt time.Time          `json:"capturedAt"`
	Envelope   *snapshot.Envelope `json:"envelope"`
}

// Cache keeps the most recent envelope per tenant in an LRU with a JSON
// file behind it. Writes go to both; reads prefer memory and lazily warm
// it from disk.
type Cache struct {
	dir string
	clk clock.Clock
	mem *lru.Cache[int64, *Stored]
	mu  sync.Mutex // serialises file writes
}

func New(dir string, clk clock.Clock) (*Cache, error) {
	mem, err := lru.New[int64, *Stored](memSize)
	if err != nil {
		return nil, err
	}
	return &Cache{dir: dir, clk: clk, mem: mem}, nil
}

// Save records env as the tenant's latest snapshot, stamped with the
// current time. The file write is temp+rename so a crash mid-write leaves
// the previous copy intact.
func (c *Cache) Save(tenantID int64, env *snapshot.Envelope) error {
	st := &Stored{CapturedAt: c.clk.Now().UTC(), Envelope: env}
	c.mem.Add(tenantID, st)

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("media state: marshal tenant %d: %w", tenantID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	path := c.path(tenantID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("media state: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("media state: rename %s: %w", path, err)
	}
	return nil
}

// Load returns the tenant's stored envelope and capture time. A missing or
// unreadable file reports !ok; corruption costs the cache entry, never an
// error up the stack.
func (c *Cache) Load(tenantID int64) (*snapshot.Envelope, time.Time, bool) {
	if st, ok := c.mem.Get(tenantID); ok {
		return st.Envelope, st.CapturedAt, true
	}

	raw, err := os.ReadFile(c.path(tenantID))
	if err != nil {
		return nil, time.Time{}, false
	}
	var st Stored
	if err := json.Unmarshal(raw, &st); err != nil || st.Envelope == nil {
		telemetry.Warnf("media state: %s unreadable, ignoring: %v", c.path(tenantID), err)
		return nil, time.Time{}, false
	}
	c.mem.Add(tenantID, &st)
	return st.Envelope, st.CapturedAt, true
}

// Serve returns a copy of the cached envelope marked as a cache hit, with
// staleness measured against staleAfter. The stored copy is never mutated.
func (c *Cache) Serve(tenantID int64, staleAfter time.Duration) (*snapshot.Envelope, bool) {
	env, capturedAt, ok := c.Load(tenantID)
	if !ok {
		return nil, false
	}
	cp, err := copyEnvelope(env)
	if err != nil {
		telemetry.Warnf("media state: copy tenant %d envelope: %v", tenantID, err)
		return nil, false
	}
	cp.MarkCached(capturedAt, c.clk.Now().UTC(), staleAfter)
	return cp, true
}

// Forget drops the tenant from memory and disk.
func (c *Cache) Forget(tenantID int64) {
	c.mem.Remove(tenantID)
	c.mu.Lock()
	defer c.mu.Unlock()
	os.Remove(c.path(tenantID))
}

func (c *Cache) path(tenantID int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("media-state-%d.json", tenantID))
}

func copyEnvelope(env *snapshot.Envelope) (*snapshot.Envelope, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var cp snapshot.Envelope
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
