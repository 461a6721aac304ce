// ABOUTME: Correlation table mapping request ids to completion callbacks
// ABOUTME: Keeps per-target replay buffers so requests survive a monitor reconnect

package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/pinion/internal/dedupe"
)

var (
	// ErrConnectionClosed completes requests whose connection went away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotifyID is returned when registering an entry without a correlation id.
	ErrNotifyID = errors.New("notify frames have no correlation id")

	// ErrDuplicateID is returned when an id is already pending.
	ErrDuplicateID = errors.New("correlation id already pending")
)

const (
	resolvedTTL  = 5 * time.Minute
	resolvedSize = 4096
)

// Callback receives the response body or the error that completed a request.
// It is invoked at most once per entry, outside the table's lock.
type Callback func(body json.RawMessage, err error)

// Entry is an outstanding request.
type Entry struct {
	ID       uint64
	TargetID string
	ModuleID string
	Body     json.RawMessage

	// ConnID binds the entry to one connection; Abandon completes it when that
	// connection closes.
	ConnID string

	// Replay entries stay in the target's replay buffer until answered.
	Replay bool
	Issued time.Time

	callback Callback
}

// Table is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	next     uint64
	pending  map[uint64]*Entry
	byTarget map[string][]uint64
	resolved *dedupe.Cache[uint64]
	logger   *slog.Logger
}

// NewTable creates an empty table whose ids start at 1.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending:  make(map[uint64]*Entry),
		byTarget: make(map[string][]uint64),
		resolved: dedupe.New[uint64](resolvedTTL, resolvedSize),
		logger:   logger.With("component", "correlation"),
	}
}

// NextID allocates a fresh correlation id. Ids are never zero and never reused.
func (t *Table) NextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next
}

// Register records e as pending with cb as its completion.
func (t *Table) Register(e Entry, cb Callback) error {
	if e.ID == 0 {
		return ErrNotifyID
	}
	if e.Issued.IsZero() {
		e.Issued = time.Now()
	}
	e.callback = cb

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[e.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, e.ID)
	}
	t.pending[e.ID] = &e
	if e.Replay {
		t.byTarget[e.TargetID] = append(t.byTarget[e.TargetID], e.ID)
	}
	return nil
}

// Resolve completes the entry for id. Unknown ids are logged and dropped.
func (t *Table) Resolve(id uint64, body json.RawMessage, err error) bool {
	entry, ok := t.take(id)
	if !ok {
		if t.resolved.Seen(id) {
			t.logger.Debug("duplicate response", "id", id)
		} else {
			t.logger.Warn("unknown response id", "id", id)
		}
		return false
	}
	t.resolved.Mark(id)
	entry.complete(body, err)
	return true
}

// Cancel completes a pending entry with err. Returns false when id already completed.
func (t *Table) Cancel(id uint64, err error) bool {
	entry, ok := t.take(id)
	if !ok {
		return false
	}
	entry.complete(nil, err)
	return true
}

// Forget removes a pending entry without running its callback.
func (t *Table) Forget(id uint64) bool {
	_, ok := t.take(id)
	return ok
}

// Replay returns the replay entries for targetID in issue order. They remain pending.
func (t *Table) Replay(targetID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byTarget[targetID]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.pending[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Abandon completes every non-replay entry bound to connID with err.
func (t *Table) Abandon(connID string, err error) int {
	t.mu.Lock()
	var doomed []*Entry
	for id, e := range t.pending {
		if e.Replay || e.ConnID != connID {
			continue
		}
		delete(t.pending, id)
		doomed = append(doomed, e)
	}
	t.mu.Unlock()

	return completeAll(doomed, err)
}

// FailAll completes every pending entry with err.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	doomed := make([]*Entry, 0, len(t.pending))
	for _, e := range t.pending {
		doomed = append(doomed, e)
	}
	t.pending = make(map[uint64]*Entry)
	t.byTarget = make(map[string][]uint64)
	t.mu.Unlock()

	return completeAll(doomed, err)
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending returns the number of replay entries buffered for targetID.
func (t *Table) Pending(targetID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTarget[targetID])
}

func (t *Table) take(id uint64) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	if e.Replay {
		ids := t.byTarget[e.TargetID]
		for i, candidate := range ids {
			if candidate == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(t.byTarget, e.TargetID)
		} else {
			t.byTarget[e.TargetID] = ids
		}
	}
	return e, true
}

func (e *Entry) complete(body json.RawMessage, err error) {
	if e.callback != nil {
		e.callback(body, err)
	}
}

func completeAll(entries []*Entry, err error) int {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for _, e := range entries {
		e.complete(nil, err)
	}
	return len(entries)
}
