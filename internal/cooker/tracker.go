package cooker

import (
	"strconv"
	"sync"
	"time"

	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
)

// PendingCommand describes the command whose reply is expected next.
// The ID exists for logging only: the cooker echoes no identifier, so a
// reply is matched to whatever command was written last.
type PendingCommand struct {
	ID       string
	Key      protocol.CommandKey
	IssuedAt time.Time
}

// Tracker holds at most one pending command. Recording a new command
// replaces the previous one without warning.
type Tracker struct {
	mu      sync.Mutex
	pending *PendingCommand
	seq     uint64
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record stores key as the pending command under a fresh ID.
func (t *Tracker) Record(key protocol.CommandKey) PendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	now := t.now()
	pc := PendingCommand{
		ID:       strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(t.seq, 10),
		Key:      key,
		IssuedAt: now,
	}
	t.pending = &pc
	return pc
}

// TakeAndClear returns the pending command and empties the slot.
func (t *Tracker) TakeAndClear() (PendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return PendingCommand{}, false
	}
	pc := *t.pending
	t.pending = nil
	return pc, true
}

// Pending returns the pending command without clearing it.
func (t *Tracker) Pending() (PendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return PendingCommand{}, false
	}
	return *t.pending, true
}

// Expire clears the slot only if it still holds the command with id.
func (t *Tracker) Expire(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil || t.pending.ID != id {
		return false
	}
	t.pending = nil
	return true
}

// Clear empties the slot.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}
