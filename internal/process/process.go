// Package process defines the per-agent process control block and the
// table that tracks every live process the engine is driving.
package process

import (
	"errors"
	"sync"

	"github.com/ocx/agentkernel/internal/backend"
)

// ErrPIDNotFound is the sentinel callers can errors.Is against when a
// lookup names a pid the table has never seen or has already removed.
var ErrPIDNotFound = errors.New("process: pid not found")

// State is the lifecycle stage of an agent process.
type State string

const (
	Ready            State = "Ready"
	Running          State = "Running"
	Paused           State = "Paused"
	WaitingForMemory State = "WaitingForMemory"
	Finished         State = "Finished"
)

// Process is the control block for one agent generation session: a
// private model instance (carrying its own KV cache), its token history,
// and the cursor marking how much of that history the backend has
// digested.
type Process struct {
	PID     uint64
	OwnerID uint64
	State   State

	Model   backend.Model
	Sampler *Sampler

	Tokens    []uint32
	IndexPos  int
	MaxTokens int

	// SyscallBuffer accumulates freshly detokenized text across steps so a
	// "[[...]]" tool invocation split across many tokens can still be
	// recognized. Cleared on a match; truncated on overflow.
	SyscallBuffer string
}

// New constructs a Ready process from a tokenized prompt.
func New(pid, ownerID uint64, model backend.Model, promptTokens []uint32, maxTokens int) *Process {
	return &Process{
		PID:       pid,
		OwnerID:   ownerID,
		State:     Ready,
		Model:     model,
		Tokens:    promptTokens,
		IndexPos:  0,
		MaxTokens: maxTokens,
	}
}

func (p *Process) IsFinished() bool {
	return p.State == Finished
}

// SpecialTokens holds the family-specific token ids the engine resolved at
// LOAD time, used by step_process to decide when to stop.
type SpecialTokens struct {
	EOS uint32
	EOT uint32
}

// Table is the mutex-guarded collection of every live process, keyed by
// pid. Grounded on the teacher's RWMutex+map registry shape, reused across
// this codebase for the catalogue and the memory manager.
type Table struct {
	mu      sync.RWMutex
	procs   map[uint64]*Process
	nextPID uint64
}

// NewTable creates an empty process table; pids are assigned starting at 1.
func NewTable() *Table {
	return &Table{procs: make(map[uint64]*Process), nextPID: 1}
}

// Insert builds a process with the next pid, stores it, and returns it.
func (t *Table) Insert(ownerID uint64, model backend.Model, promptTokens []uint32, maxTokens int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.nextPID
	t.nextPID++
	proc := New(pid, ownerID, model, promptTokens, maxTokens)
	t.procs[pid] = proc
	return proc
}

// Get looks up a process by pid.
func (t *Table) Get(pid uint64) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

// ActivePIDs returns a snapshot of every tracked pid, in no particular
// order. Scheduler ticks must iterate over a snapshot taken at tick start
// so late insertions (e.g. a SPAWN syscall mid-tick) don't get an extra
// step within the same tick.
func (t *Table) ActivePIDs() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint64, 0, len(t.procs))
	for pid := range t.procs {
		out = append(out, pid)
	}
	return out
}

// FinishedPIDs returns every pid currently in the Finished state.
func (t *Table) FinishedPIDs() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []uint64
	for pid, p := range t.procs {
		if p.State == Finished {
			out = append(out, pid)
		}
	}
	return out
}

// OwnerOf returns the owning client id for pid, if tracked.
func (t *Table) OwnerOf(pid uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	if !ok {
		return 0, false
	}
	return p.OwnerID, true
}

// Remove deletes a process outright (kill_process).
func (t *Table) Remove(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Terminate marks a process Finished without removing it, so it is reaped
// on the next tick's finished-pid sweep.
func (t *Table) Terminate(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[pid]; ok {
		p.State = Finished
	}
}

// SetWaitingForMemory transitions pid into WaitingForMemory, driven by an
// OOM that queued an async swap.
func (t *Table) SetWaitingForMemory(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[pid]; ok {
		p.State = WaitingForMemory
	}
}

// SetReadyIfWaiting transitions pid back to Ready if it was
// WaitingForMemory, driven by a completed swap event. Returns whether the
// transition happened.
func (t *Table) SetReadyIfWaiting(pid uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok || p.State != WaitingForMemory {
		return false
	}
	p.State = Ready
	return true
}

// Count returns the number of tracked processes.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}
