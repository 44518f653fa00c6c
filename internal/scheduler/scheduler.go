// Package scheduler drives one cooperative tick of the running agent
// population: resume anything whose memory swap completed, advance every
// active process by one token, intercept completed "[[...]]" syscalls, and
// reap whatever finished along the way.
package scheduler

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/agentkernel/internal/engine"
	"github.com/ocx/agentkernel/internal/memproc"
	"github.com/ocx/agentkernel/internal/prompting"
	"github.com/ocx/agentkernel/internal/protocol"
	"github.com/ocx/agentkernel/internal/sandbox"
)

// ClientWriter is the minimal surface a tick needs to fan DATA frames out
// to the client owning a process. *transport.Client satisfies it.
type ClientWriter interface {
	QueueWrite(frame []byte)
}

// ClientRegistry looks up the connection owning a client id. Owned and
// populated by the listener loop, not by the scheduler itself.
type ClientRegistry interface {
	Get(clientID uint64) (ClientWriter, bool)
}

// TickStats summarizes one tick, for metrics and tests.
type TickStats struct {
	Duration        time.Duration
	Stepped         int
	SyscallsRun     int
	ProcessesReaped int
}

// Scheduler owns a single tick of the event loop. It holds no goroutine of
// its own — the caller (normally cmd/agentkerneld's accept loop) invokes
// Tick once per iteration after draining ready I/O.
type Scheduler struct {
	engine  *engine.Engine
	memory  *memproc.Manager
	clients ClientRegistry
	tools   *sandbox.Executor

	// family is read by the syscall handlers to format system/inter-process
	// injections; kept in sync with the dispatcher's own activeFamily by
	// whoever owns both (cmd/agentkerneld's main wiring).
	family prompting.Family
}

// New builds a Scheduler. tools may be nil, in which case PYTHON:/
// WRITE_FILE:/READ_FILE:/LS/CALC: syscalls are reported as unavailable
// instead of panicking.
func New(e *engine.Engine, m *memproc.Manager, clients ClientRegistry, tools *sandbox.Executor) *Scheduler {
	return &Scheduler{engine: e, memory: m, clients: clients, tools: tools}
}

// SetFamily updates the family used to format syscall-loop injections.
func (s *Scheduler) SetFamily(family prompting.Family) { s.family = family }

// Tick runs exactly one scheduler iteration. It is a no-op if no model is
// loaded.
func (s *Scheduler) Tick() TickStats {
	start := time.Now()
	stats := TickStats{}
	if !s.engine.Loaded() {
		stats.Duration = time.Since(start)
		return stats
	}

	s.drainSwapEvents()

	for _, pid := range s.engine.ListActivePIDs() {
		stats.Stepped++
		if s.stepOneSafely(pid) {
			stats.SyscallsRun++
		}
	}

	stats.ProcessesReaped = s.reapFinished()
	stats.Duration = time.Since(start)
	return stats
}

func (s *Scheduler) drainSwapEvents() {
	for _, event := range s.memory.PollSwapEvents() {
		resumed := s.engine.SetProcessReadyIfWaiting(event.PID)
		if event.Success {
			slog.Info("scheduler: swap complete", "pid", event.PID, "resumed", resumed)
		} else {
			slog.Warn("scheduler: swap failed", "pid", event.PID, "resumed", resumed, "error", event.Err)
		}
	}
}

// stepOneSafely recovers a panic from a single pid's step so one
// misbehaving process can't take the whole tick down with it.
func (s *Scheduler) stepOneSafely(pid uint64) (ranSyscall bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: recovered panic stepping process, killing it", "pid", pid, "panic", r)
			s.memory.ReleaseProcess(pid)
			s.engine.KillProcess(pid)
			ranSyscall = false
		}
	}()
	return s.stepOne(pid)
}

// stepOne advances pid by one token, dispatching a completed syscall if the
// emitted text closes one, and fanning the token out to its owner. It
// reports whether a syscall was dispatched this step.
func (s *Scheduler) stepOne(pid uint64) (ranSyscall bool) {
	text, ownerID, emitted, err := s.engine.StepProcess(pid)
	if err != nil {
		slog.Warn("scheduler: step failed, killing process", "pid", pid, "error", err)
		s.memory.ReleaseProcess(pid)
		s.engine.KillProcess(pid)
		return false
	}
	if !emitted {
		return false
	}

	if command, ok := s.engine.FeedSyscallBuffer(pid, text); ok {
		inner := strings.TrimSpace(command[2 : len(command)-2])
		slog.Info("scheduler: syscall", "pid", pid, "owner", ownerID, "command", command)
		s.dispatchSyscall(pid, inner)
		ranSyscall = true
	}

	if ownerID > 0 {
		s.sendData(ownerID, text)
	}
	return ranSyscall
}

func (s *Scheduler) dispatchSyscall(pid uint64, content string) {
	switch {
	case strings.HasPrefix(content, "SPAWN:"):
		s.handleSpawn(pid, content)
	case strings.HasPrefix(content, "SEND:"):
		s.handleSend(pid, content)
	case strings.HasPrefix(content, "PYTHON:"),
		strings.HasPrefix(content, "WRITE_FILE:"),
		strings.HasPrefix(content, "READ_FILE:"),
		strings.HasPrefix(content, "LS"),
		strings.HasPrefix(content, "CALC:"):
		s.handleToolCall(pid, content)
	}
}

func (s *Scheduler) handleSpawn(pid uint64, content string) {
	prompt := strings.TrimSpace(strings.TrimPrefix(content, "SPAWN:"))
	newPID, err := s.engine.SpawnProcess(prompt, 0)
	if err != nil {
		s.inject(pid, "ERROR: "+err.Error())
		return
	}
	msg := "SUCCESS: Worker Created (PID " + formatPID(newPID) + ").\n" +
		"STOP SPAWNING NEW PROCESSES.\n" +
		"NEXT ACTION: Use [[SEND: " + formatPID(newPID) + " | <your_question>]] immediately."
	s.inject(pid, msg)
}

func (s *Scheduler) handleSend(pid uint64, content string) {
	parts := strings.SplitN(strings.TrimPrefix(content, "SEND:"), "|", 2)
	if len(parts) != 2 {
		return
	}
	targetRaw := strings.TrimSpace(parts[0])
	message := strings.TrimSpace(parts[1])

	targetPID, err := strconv.ParseUint(targetRaw, 10, 64)
	if err != nil {
		s.inject(pid, "ERROR: Invalid PID format '"+targetRaw+"'. You must use a numeric PID (e.g., [[SEND: 2 | ...]]).")
		return
	}

	formatted := prompting.FormatInterprocessUserMessage(pid, message, s.family)
	if injErr := s.engine.InjectContext(targetPID, formatted); injErr != nil {
		s.inject(pid, "ERROR: Target PID not found (Process does not exist).")
		return
	}
	s.inject(pid, "MESSAGE SENT. Waiting for reply... (Do not send again).")
}

func (s *Scheduler) handleToolCall(pid uint64, content string) {
	if s.tools == nil {
		s.inject(pid, "Output:\nSysCall Error: sandboxed tool execution is not configured.")
		return
	}
	outcome := s.tools.Execute(pid, content)
	s.inject(pid, "Output:\n"+outcome.Output)
	if outcome.ShouldKillProcess {
		s.memory.ReleaseProcess(pid)
		s.engine.KillProcess(pid)
	}
}

func (s *Scheduler) inject(pid uint64, message string) {
	_ = s.engine.InjectContext(pid, prompting.FormatSystemInjection(message, s.family))
}

func (s *Scheduler) reapFinished() int {
	finished := s.engine.ListFinishedPIDs()
	for _, pid := range finished {
		if ownerID, ok := s.engine.ProcessOwnerID(pid); ok && ownerID > 0 {
			s.sendData(ownerID, "\n[PROCESS_FINISHED pid="+formatPID(pid)+"]\n")
		}
		s.memory.ReleaseProcess(pid)
		s.engine.KillProcess(pid)
	}
	return len(finished)
}

func (s *Scheduler) sendData(ownerID uint64, text string) {
	if s.clients == nil {
		return
	}
	client, ok := s.clients.Get(ownerID)
	if !ok {
		return
	}
	client.QueueWrite(protocol.ResponseData([]byte(text)))
}

func formatPID(pid uint64) string {
	return strconv.FormatUint(pid, 10)
}
