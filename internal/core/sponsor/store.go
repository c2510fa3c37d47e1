// Package sponsor stores each tenant's sponsor inventory and display
// settings in a per-tenant JSON file. The timer scheduler reads it on every
// rotation tick and writes back the advanced index, so all access funnels
// through one lock.
package sponsor

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// Screen anchor positions a sponsor item can occupy.
const (
	PosTopLeft      = "top-left"
	PosTopRight     = "top-right"
	PosBottomLeft   = "bottom-left"
	PosBottomRight  = "bottom-right"
	PosTopBanner    = "top-banner"
	PosBottomBanner = "bottom-banner"
)

// Rotation orders.
const (
	OrderSequential = "sequential"
	OrderRandom     = "random"
)

// legacyFile is the unsuffixed single-tenant file older installs wrote.
// Tenant 1 owns it: adopted on first load, rewritten on every save so a
// rollback keeps working.
const legacyFile = "sponsor-state.json"

// Item is one sponsor asset. An empty Image is allowed and stays in the
// rotation; displays render the name as a placeholder until the upload
// lands.
type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Image    string  `json:"image,omitempty"`
	Position string  `json:"position"`
	Order    int     `json:"order"`
	Active   bool    `json:"active"`
	WidthPx  int     `json:"widthPx,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
}

// Config is the tenant's display behaviour. Zero interval and durations
// fall back to the process defaults.
type Config struct {
	Enabled             bool   `json:"enabled"`
	RotationEnabled     bool   `json:"rotationEnabled"`
	RotationOrder       string `json:"rotationOrder"`
	RotationIntervalSec int    `json:"rotationIntervalSec,omitempty"`
	TransitionMs        int    `json:"transitionMs,omitempty"`
	CycleEnabled        bool   `json:"cycleEnabled"`
	ShowSec             int    `json:"showSec,omitempty"`
	HideSec             int    `json:"hideSec,omitempty"`
}

// State is the whole per-tenant blob.
type State struct {
	Items        []Item         `json:"items"`
	Config       Config         `json:"config"`
	CurrentIndex map[string]int `json:"currentIndex,omitempty"`
	LastUpdated  time.Time      `json:"lastUpdated"`
}

// ActiveAt returns the active items for one position, rotation order.
func (st *State) ActiveAt(position string) []Item {
	var out []Item
	for _, it := range st.Items {
		if it.Active && it.Position == position {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Positions returns every position that has at least one active item.
func (st *State) Positions() []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range st.Items {
		if it.Active && !seen[it.Position] {
			seen[it.Position] = true
			out = append(out, it.Position)
		}
	}
	sort.Strings(out)
	return out
}

// Store loads, mutates and persists sponsor state per tenant. Files are
// written temp+rename; a corrupt file is logged and replaced by defaults
// on the next save.
type Store struct {
	dir string

	mu     sync.Mutex
	states map[int64]*State
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, states: make(map[int64]*State)}
}

// Get returns a copy of the tenant's state.
func (s *Store) Get(tenantID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state(tenantID))
}

// SetConfig replaces the tenant's display settings.
func (s *Store) SetConfig(tenantID int64, cfg Config) (State, error) {
	if cfg.RotationOrder == "" {
		cfg.RotationOrder = OrderSequential
	}
	if cfg.RotationOrder != OrderSequential && cfg.RotationOrder != OrderRandom {
		return State{}, fault.New(fault.BadInput, "rotation order must be sequential or random, got %q", cfg.RotationOrder)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(tenantID)
	st.Config = cfg
	return copyState(st), s.persist(tenantID, st)
}

// UpsertItem adds or replaces one sponsor asset. A missing id means a new
// item.
func (s *Store) UpsertItem(tenantID int64, it Item) (State, error) {
	if it.Name == "" {
		return State{}, fault.New(fault.BadInput, "sponsor item needs a name")
	}
	if !validPosition(it.Position) {
		return State{}, fault.New(fault.BadInput, "unknown sponsor position %q", it.Position)
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(tenantID)
	replaced := false
	for i := range st.Items {
		if st.Items[i].ID == it.ID {
			st.Items[i] = it
			replaced = true
			break
		}
	}
	if !replaced {
		st.Items = append(st.Items, it)
	}
	return copyState(st), s.persist(tenantID, st)
}

// RemoveItem deletes one asset by id.
func (s *Store) RemoveItem(tenantID int64, itemID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(tenantID)
	kept := st.Items[:0]
	found := false
	for _, it := range st.Items {
		if it.ID == itemID {
			found = true
			continue
		}
		kept = append(kept, it)
	}
	if !found {
		return State{}, fault.New(fault.NotFound, "sponsor item %s not found", itemID)
	}
	st.Items = kept
	return copyState(st), s.persist(tenantID, st)
}

// Current returns the item the position's index points at.
func (s *Store) Current(tenantID int64, position string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(tenantID)
	items := st.ActiveAt(position)
	if len(items) == 0 {
		return Item{}, false
	}
	idx := st.CurrentIndex[position]
	if idx < 0 || idx >= len(items) {
		idx = 0
	}
	return items[idx], true
}

// Advance moves the position's index one step, sequential wrap or random
// without an immediate repeat, persists it and returns the new current
// item.
func (s *Store) Advance(tenantID int64, position string, rng *rand.Rand) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(tenantID)
	items := st.ActiveAt(position)
	if len(items) == 0 {
		return Item{}, fault.New(fault.NotFound, "no active sponsors at %s", position)
	}

	cur := st.CurrentIndex[position]
	if cur < 0 || cur >= len(items) {
		cur = 0
	}
	next := cur
	if len(items) > 1 {
		if st.Config.RotationOrder == OrderRandom && rng != nil {
			next = rng.Intn(len(items) - 1)
			if next >= cur {
				next++
			}
		} else {
			next = (cur + 1) % len(items)
		}
	}

	if st.CurrentIndex == nil {
		st.CurrentIndex = make(map[string]int)
	}
	st.CurrentIndex[position] = next
	return items[next], s.persist(tenantID, st)
}

// state returns the live pointer, loading from disk on first touch.
// Caller holds s.mu.
func (s *Store) state(tenantID int64) *State {
	if st, ok := s.states[tenantID]; ok {
		return st
	}
	st := s.load(tenantID)
	s.states[tenantID] = st
	return st
}

func (s *Store) load(tenantID int64) *State {
	paths := []string{s.path(tenantID)}
	if tenantID == 1 {
		paths = append(paths, filepath.Join(s.dir, legacyFile))
	}
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			telemetry.Warnf("sponsor: %s unreadable, starting fresh: %v", p, err)
			continue
		}
		if st.Config.RotationOrder == "" {
			st.Config.RotationOrder = OrderSequential
		}
		return &st
	}
	return &State{Config: Config{RotationOrder: OrderSequential}}
}

// persist writes the suffixed file, and for tenant 1 the legacy file too.
// Caller holds s.mu.
func (s *Store) persist(tenantID int64, st *State) error {
	st.LastUpdated = time.Now().UTC()
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, fmt.Sprintf("sponsor: marshal tenant %d", tenantID))
	}
	if err := writeAtomic(s.path(tenantID), raw); err != nil {
		return fault.Wrap(fault.Transient, err, fmt.Sprintf("sponsor: persist tenant %d", tenantID))
	}
	if tenantID == 1 {
		if err := writeAtomic(filepath.Join(s.dir, legacyFile), raw); err != nil {
			telemetry.Warnf("sponsor: legacy file sync failed: %v", err)
		}
	}
	return nil
}

func (s *Store) path(tenantID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("sponsor-state-%d.json", tenantID))
}

func writeAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func validPosition(p string) bool {
	switch p {
	case PosTopLeft, PosTopRight, PosBottomLeft, PosBottomRight, PosTopBanner, PosBottomBanner:
		return true
	}
	return false
}

func copyState(st *State) State {
	cp := *st
	cp.Items = append([]Item(nil), st.Items...)
	if st.CurrentIndex != nil {
		cp.CurrentIndex = make(map[string]int, len(st.CurrentIndex))
		for k, v := range st.CurrentIndex {
			cp.CurrentIndex[k] = v
		}
	}
	return cp
}
