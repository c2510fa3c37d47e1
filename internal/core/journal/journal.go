// Package journal keeps the per-tenant activity feed: every operator and
// system action as one line, held in a bounded in-memory ring for queries
// and appended to a JSONL file for the next restart. Journal writes never
// fail a command; a bad disk costs history, not results.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

const (
	// ringCap bounds the queryable window per tenant.
	ringCap = 1000
	// compactAfter is the file line count that triggers a rewrite down to
	// the ring contents.
	compactAfter = 5000
)

// Activity categories, inferred from the action tag when not set.
const (
	CategoryMatch   = "match"
	CategoryStation = "station"
	CategoryTimer   = "timer"
	CategorySponsor = "sponsor"
	CategorySystem  = "system"
	CategoryAdmin   = "admin"
)

// Entry is one journal line. Seq is monotonic per tenant and survives
// restarts; ID correlates the entry with the bus event it produced.
type Entry struct {
	Seq      int64          `json:"seq"`
	ID       string         `json:"id"`
	TenantID int64          `json:"tenantId"`
	At       time.Time      `json:"at"`
	Category string         `json:"category"`
	Actor    string         `json:"actor,omitempty"`
	Action   string         `json:"action"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Filter narrows Query results. Zero values mean no constraint.
type Filter struct {
	Category string
	Search   string // substring over actor, action and message
	Limit    int    // max entries returned, newest first; 0 means 100
}

// Journal owns one ring and one append-only file per tenant. Tenant logs
// are loaded lazily on first touch so idle tenants cost nothing.
type Journal struct {
	dir string
	bus *events.Bus

	mu      sync.Mutex
	tenants map[int64]*tenantLog
}

type tenantLog struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry
	f       *os.File
	lines   int
	path    string
}

func New(dir string, bus *events.Bus) *Journal {
	return &Journal{dir: dir, bus: bus, tenants: make(map[int64]*tenantLog)}
}

// Append records one activity line, publishes it on the bus and returns
// the stored entry. Category is inferred from the action when empty.
// Never returns an error: a failed file write is logged and the in-memory
// ring keeps the entry.
func (j *Journal) Append(tenantID int64, actor, action, message string, details map[string]any) *Entry {
	tl := j.tenant(tenantID)

	tl.mu.Lock()
	tl.seq++
	e := Entry{
		Seq:      tl.seq,
		ID:       uuid.NewString(),
		TenantID: tenantID,
		At:       time.Now().UTC(),
		Category: Categorize(action),
		Actor:    actor,
		Action:   action,
		Message:  message,
		Details:  details,
	}
	tl.entries = append(tl.entries, e)
	if len(tl.entries) > ringCap {
		tl.entries = tl.entries[len(tl.entries)-ringCap:]
	}
	tl.persist(e)
	tl.mu.Unlock()

	telemetry.Metrics.JournalEntries.Inc()
	if j.bus != nil {
		j.bus.Publish(events.Event{
			ID:        e.ID,
			Type:      events.EventActivityAppended,
			TenantID:  tenantID,
			Timestamp: e.At,
			Payload: events.ActivityNotice{
				Seq:      e.Seq,
				Category: e.Category,
				Actor:    e.Actor,
				Message:  e.Message,
			},
		})
	}
	return &e
}

// Query returns matching entries, newest first.
func (j *Journal) Query(tenantID int64, f Filter) []Entry {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	needle := strings.ToLower(f.Search)

	tl := j.tenant(tenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	out := make([]Entry, 0, limit)
	for i := len(tl.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := tl.entries[i]
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if needle != "" && !matches(e, needle) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// LastSeq returns the tenant's current sequence number.
func (j *Journal) LastSeq(tenantID int64) int64 {
	tl := j.tenant(tenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.seq
}

// BindBus subscribes the journal to events no command site journals:
// autonomous timer phases and governor mode flips. Operator commands
// append their own lines with the real actor, so started and cancelled
// timer phases are skipped here to keep the feed single-entry.
func (j *Journal) BindBus(bus *events.Bus) {
	bus.Subscribe(events.EventTimerLifecycle, func(e events.Event) error {
		tu, ok := e.Payload.(events.TimerUpdate)
		if !ok || tu.Phase == "started" || tu.Phase == "cancelled" {
			return nil
		}
		msg := fmt.Sprintf("DQ timer %s for %s", tu.Phase, tu.Participant)
		if tu.Reason != "" {
			msg += ": " + tu.Reason
		}
		j.Append(e.TenantID, "timer", "dq_timer_"+tu.Phase, msg, map[string]any{
			"matchId": tu.MatchID,
			"action":  tu.Action,
		})
		return nil
	})
	bus.Subscribe(events.EventGovernorMode, func(e events.Event) error {
		gm, ok := e.Payload.(events.GovernorModeChange)
		if !ok {
			return nil
		}
		j.Append(e.TenantID, "governor", "governor_mode",
			fmt.Sprintf("outbound rate mode %s -> %s (%s)", gm.Previous, gm.Current, gm.Reason), nil)
		return nil
	})
}

// Close flushes and closes every tenant file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for _, tl := range j.tenants {
		tl.mu.Lock()
		if tl.f != nil {
			if err := tl.f.Close(); err != nil && first == nil {
				first = err
			}
			tl.f = nil
		}
		tl.mu.Unlock()
	}
	return first
}

// Categorize maps an action tag to its feed category.
func Categorize(action string) string {
	a := strings.ToLower(action)
	switch {
	case strings.Contains(a, "station"):
		return CategoryStation
	case strings.Contains(a, "timer"), strings.Contains(a, "dq"):
		return CategoryTimer
	case strings.Contains(a, "sponsor"):
		return CategorySponsor
	case strings.Contains(a, "impersonat"), strings.Contains(a, "override"),
		strings.Contains(a, "bypass"), strings.Contains(a, "announcement"),
		strings.Contains(a, "quarantine"):
		return CategoryAdmin
	case strings.Contains(a, "governor"), strings.Contains(a, "poll"),
		strings.Contains(a, "startup"), strings.Contains(a, "shutdown"):
		return CategorySystem
	case strings.Contains(a, "result"), strings.Contains(a, "forfeit"),
		strings.Contains(a, "reopen"), strings.Contains(a, "underway"),
		strings.Contains(a, "bracket"), strings.Contains(a, "round"),
		strings.Contains(a, "lobby"), strings.Contains(a, "tournament"),
		strings.Contains(a, "participant"), strings.Contains(a, "event"):
		return CategoryMatch
	default:
		return CategorySystem
	}
}

func matches(e Entry, needle string) bool {
	return strings.Contains(strings.ToLower(e.Actor), needle) ||
		strings.Contains(strings.ToLower(e.Action), needle) ||
		strings.Contains(strings.ToLower(e.Message), needle)
}

// tenant returns the tenant's log, loading ring and sequence from the
// JSONL file on first touch.
func (j *Journal) tenant(tenantID int64) *tenantLog {
	j.mu.Lock()
	defer j.mu.Unlock()
	if tl, ok := j.tenants[tenantID]; ok {
		return tl
	}
	tl := &tenantLog{path: filepath.Join(j.dir, fmt.Sprintf("activity-%d.log", tenantID))}
	tl.load()
	j.tenants[tenantID] = tl
	return tl
}

// load seeds the ring from the tail of an existing file. Unparseable lines
// are skipped; the feed outlives a corrupt line.
func (tl *tenantLog) load() {
	f, err := os.Open(tl.path)
	if err == nil {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			tl.lines++
			var e Entry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				telemetry.Warnf("journal: %s line %d unreadable, skipping: %v", tl.path, tl.lines, err)
				continue
			}
			tl.entries = append(tl.entries, e)
			if len(tl.entries) > ringCap {
				tl.entries = tl.entries[len(tl.entries)-ringCap:]
			}
			if e.Seq > tl.seq {
				tl.seq = e.Seq
			}
		}
		f.Close()
	}

	out, err := os.OpenFile(tl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		telemetry.Warnf("journal: cannot open %s for append: %v", tl.path, err)
		return
	}
	tl.f = out
}

// persist appends one line and compacts the file down to the ring when it
// has grown past the high-water mark. Caller holds tl.mu.
func (tl *tenantLog) persist(e Entry) {
	if tl.f == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		telemetry.Warnf("journal: marshal entry %d: %v", e.Seq, err)
		return
	}
	if _, err := tl.f.Write(append(raw, '\n')); err != nil {
		telemetry.Warnf("journal: write %s: %v", tl.path, err)
		return
	}
	tl.lines++
	if tl.lines > compactAfter {
		tl.compact()
	}
}

// compact rewrites the file to exactly the ring contents via temp+rename.
// Caller holds tl.mu.
func (tl *tenantLog) compact() {
	tmp := tl.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		telemetry.Warnf("journal: compact %s: %v", tl.path, err)
		return
	}
	w := bufio.NewWriter(out)
	for _, e := range tl.entries {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		telemetry.Warnf("journal: compact flush %s: %v", tl.path, err)
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		telemetry.Warnf("journal: compact close %s: %v", tl.path, err)
		return
	}

	tl.f.Close()
	if err := os.Rename(tmp, tl.path); err != nil {
		telemetry.Warnf("journal: compact rename %s: %v", tl.path, err)
	}
	f, err := os.OpenFile(tl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		telemetry.Warnf("journal: reopen after compact %s: %v", tl.path, err)
		tl.f = nil
		return
	}
	tl.f = f
	tl.lines = len(tl.entries)
}
