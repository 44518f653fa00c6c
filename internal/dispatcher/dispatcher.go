// Package dispatcher matches one parsed command against the shared engine,
// memory manager, and model catalogue, and produces exactly one framed
// response per command.
package dispatcher

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ocx/agentkernel/internal/catalog"
	"github.com/ocx/agentkernel/internal/engine"
	"github.com/ocx/agentkernel/internal/memproc"
	"github.com/ocx/agentkernel/internal/process"
	"github.com/ocx/agentkernel/internal/prompting"
	"github.com/ocx/agentkernel/internal/protocol"
)

// Dispatcher owns the running command/error/signal counters and the
// shutdown flag the main event loop polls every iteration. The command
// loop is serial, so the counters need no synchronization from dispatch
// itself; the mutex exists only so STATUS (and the metrics endpoint, once
// wired) can be read from another goroutine without racing.
type Dispatcher struct {
	mu sync.Mutex

	engine  *engine.Engine
	catalog *catalog.Catalog
	memory  *memproc.Manager

	startedAt time.Time

	activeFamily prompting.Family
	shutdown     bool

	totalCommands    uint64
	totalErrors      uint64
	totalExecStarted uint64
	totalSignals     uint64
}

// New builds a Dispatcher wired against the shared engine, memory manager,
// and catalogue.
func New(e *engine.Engine, c *catalog.Catalog, m *memproc.Manager) *Dispatcher {
	return &Dispatcher{
		engine:    e,
		catalog:   c,
		memory:    m,
		startedAt: time.Now(),
	}
}

// ShutdownRequested reports whether a SHUTDOWN command has been processed.
// The main loop checks this at the top of every iteration and, once true,
// drains the current iteration and exits.
func (d *Dispatcher) ShutdownRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown
}

// ActiveFamily reports the family the dispatcher believes is currently
// loaded, so the scheduler can format syscall injections consistently
// with whatever LOAD/SELECT_MODEL last settled on.
func (d *Dispatcher) ActiveFamily() prompting.Family {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeFamily
}

// Dispatch handles one parsed (header, payload) pair for clientID, returning
// a fully serialized response frame, and keeps the running command/error
// counters current.
func (d *Dispatcher) Dispatch(header protocol.CommandHeader, payload []byte, clientID uint64) []byte {
	resp := d.route(header, payload, clientID)

	d.mu.Lock()
	d.totalCommands++
	if !protocol.IsSuccess(resp) {
		d.totalErrors++
	}
	d.mu.Unlock()

	return resp
}

func (d *Dispatcher) route(header protocol.CommandHeader, payload []byte, clientID uint64) []byte {
	switch header.OpCode {
	case protocol.OpPing:
		return protocol.ResponseOK(protocol.CodePing, "PONG")
	case protocol.OpLoad:
		return d.handleLoad(payload)
	case protocol.OpListModels:
		return d.handleListModels()
	case protocol.OpSelectModel:
		return d.handleSelectModel(payload)
	case protocol.OpModelInfo:
		return d.handleModelInfo(payload)
	case protocol.OpExec:
		return d.handleExec(payload, clientID)
	case protocol.OpSetGen:
		return d.handleSetGen(payload)
	case protocol.OpGetGen:
		return d.handleGetGen()
	case protocol.OpTerm:
		return d.handleTerm(payload)
	case protocol.OpKill:
		return d.handleKill(payload)
	case protocol.OpStatus:
		return d.handleStatus(payload)
	case protocol.OpShutdown:
		return d.handleShutdown()
	case protocol.OpMemWrite:
		return d.handleMemW(payload)
	default:
		return protocol.ResponseErr(protocol.CodeBadHeader, fmt.Sprintf("unknown opcode: %s", header.OpCode))
	}
}

func (d *Dispatcher) handleLoad(payload []byte) []byte {
	_ = d.catalog.Refresh()

	selector := strings.TrimSpace(string(payload))
	entry, err := d.catalog.ResolveLoadTarget(selector)
	if err != nil {
		return protocol.ResponseErr(protocol.CodeModelSelector, err.Error())
	}

	if err := d.engine.Load(entry.Path, entry.Family, entry.TokenizerPath); err != nil {
		return protocol.ResponseErr(protocol.CodeLoadFailed, err.Error())
	}

	d.mu.Lock()
	d.activeFamily = entry.Family
	d.mu.Unlock()
	_ = d.catalog.SetSelected(entry.ID)

	return protocol.ResponseOK(protocol.CodeGeneric, fmt.Sprintf("Master Model Loaded. family=%s path=%s", entry.Family, entry.Path))
}

func (d *Dispatcher) handleListModels() []byte {
	_ = d.catalog.Refresh()
	return protocol.ResponseOK(protocol.CodeGeneric, d.catalog.FormatList())
}

func (d *Dispatcher) handleSelectModel(payload []byte) []byte {
	_ = d.catalog.Refresh()

	id := strings.TrimSpace(string(payload))
	if id == "" {
		return protocol.ResponseErr(protocol.CodeModelNotFound, "SELECT_MODEL requires a model id")
	}
	if err := d.catalog.SetSelected(id); err != nil {
		return protocol.ResponseErr(protocol.CodeModelNotFound, err.Error())
	}
	if entry, ok := d.catalog.FindByID(id); ok {
		d.mu.Lock()
		d.activeFamily = entry.Family
		d.mu.Unlock()
	}
	return protocol.ResponseOK(protocol.CodeGeneric, fmt.Sprintf("Selected model '%s'.", id))
}

func (d *Dispatcher) handleModelInfo(payload []byte) []byte {
	_ = d.catalog.Refresh()

	id := strings.TrimSpace(string(payload))
	if id == "" {
		if entry, ok := d.catalog.SelectedEntry(); ok {
			id = entry.ID
		}
	}
	if id == "" {
		return protocol.ResponseErr(protocol.CodeModelNotFound, "MODEL_INFO requires a model id or an active selected model")
	}

	info, err := d.catalog.FormatInfo(id)
	if err != nil {
		return protocol.ResponseErr(protocol.CodeModelNotFound, err.Error())
	}
	return protocol.ResponseOK(protocol.CodeGeneric, info)
}

// handleExec performs workload-aware model selection before spawning: parse
// a leading "capability=<tag>;" hint, else classify the prompt text; reload
// the engine first if the best-match model's family differs from the
// family currently active.
func (d *Dispatcher) handleExec(payload []byte, clientID uint64) []byte {
	raw := string(payload)
	class, prompt := splitWorkloadHint(raw)

	_ = d.catalog.Refresh()
	if entry, ok := d.catalog.SelectForWorkload(class); ok {
		d.mu.Lock()
		reload := d.activeFamily != entry.Family
		d.mu.Unlock()

		if reload {
			if err := d.engine.Load(entry.Path, entry.Family, entry.TokenizerPath); err != nil {
				return protocol.ResponseErr(protocol.CodeSchedulerLoadFailed, err.Error())
			}
			d.mu.Lock()
			d.activeFamily = entry.Family
			d.mu.Unlock()
			_ = d.catalog.SetSelected(entry.ID)
		}
	}

	if !d.engine.Loaded() {
		return protocol.ResponseErr(protocol.CodeNoModel, "No Model Loaded")
	}

	pid, err := d.engine.SpawnProcess(prompt, clientID)
	if err != nil {
		return protocol.ResponseErr(protocol.CodeSpawnFailed, err.Error())
	}

	maxTokens := d.engine.GenerationConfig().MaxTokens
	if maxTokens > 0 {
		if _, err := d.memory.RegisterProcess(pid, maxTokens, true); err != nil {
			d.engine.KillProcess(pid)
			return protocol.ResponseErr(protocol.CodeMemoryAdmission, err.Error())
		}
	}

	d.mu.Lock()
	d.totalExecStarted++
	d.mu.Unlock()

	return protocol.ResponseOK(protocol.CodeGeneric, fmt.Sprintf("Process Started PID: %d", pid))
}

// splitWorkloadHint extracts a leading "capability=<tag>;" prefix if present,
// else classifies the whole prompt by keyword.
func splitWorkloadHint(raw string) (catalog.WorkloadClass, string) {
	if class, ok := catalog.ParseWorkloadHint(raw); ok {
		if idx := strings.IndexByte(raw, ';'); idx >= 0 {
			return class, raw[idx+1:]
		}
		return class, raw
	}
	return catalog.InferWorkloadClass(raw), raw
}

func (d *Dispatcher) handleSetGen(payload []byte) []byte {
	if !d.engine.Loaded() {
		return protocol.ResponseErr(protocol.CodeNoModel, "No Model Loaded")
	}
	cfg, err := parseGenerationPayload(strings.TrimSpace(string(payload)), d.engine.GenerationConfig())
	if err != nil {
		return protocol.ResponseErr(protocol.CodeSetGenInvalid, err.Error())
	}
	d.engine.SetGenerationConfig(cfg)
	return protocol.ResponseOK(protocol.CodeSetGen, cfg.String())
}

func (d *Dispatcher) handleGetGen() []byte {
	if !d.engine.Loaded() {
		return protocol.ResponseErr(protocol.CodeNoModel, "No Model Loaded")
	}
	return protocol.ResponseOK(protocol.CodeGetGen, d.engine.GenerationConfig().String())
}

// parseGenerationPayload parses semicolon/comma-separated key=value pairs,
// applying each on top of base and validating ranges per key.
func parseGenerationPayload(payload string, base prompting.GenerationConfig) (prompting.GenerationConfig, error) {
	if payload == "" {
		return prompting.GenerationConfig{}, fmt.Errorf("SET_GEN payload is empty. Use key=value pairs.")
	}

	cfg := base
	for _, item := range strings.FieldsFunc(payload, func(r rune) bool { return r == ',' || r == ';' }) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			return prompting.GenerationConfig{}, fmt.Errorf("invalid item '%s'. Expected key=value", item)
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])

		switch key {
		case "temperature", "temp":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return prompting.GenerationConfig{}, fmt.Errorf("invalid temperature '%s'.", value)
			}
			if v < 0.0 || v > 2.0 {
				return prompting.GenerationConfig{}, fmt.Errorf("temperature must be in [0.0, 2.0]")
			}
			cfg.Temperature = v
		case "top_p", "topp":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return prompting.GenerationConfig{}, fmt.Errorf("invalid top_p '%s'.", value)
			}
			if v < 0.0 || v > 1.0 {
				return prompting.GenerationConfig{}, fmt.Errorf("top_p must be in [0.0, 1.0]")
			}
			cfg.TopP = v
		case "seed":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return prompting.GenerationConfig{}, fmt.Errorf("invalid seed '%s'.", value)
			}
			cfg.Seed = v
		case "max_tokens", "max_new_tokens":
			v, err := strconv.Atoi(value)
			if err != nil {
				return prompting.GenerationConfig{}, fmt.Errorf("invalid max_tokens '%s'.", value)
			}
			if v <= 0 {
				return prompting.GenerationConfig{}, fmt.Errorf("max_tokens must be > 0")
			}
			cfg.MaxTokens = v
		default:
			return prompting.GenerationConfig{}, fmt.Errorf("unknown SET_GEN key '%s'.", key)
		}
	}
	return cfg, nil
}

func (d *Dispatcher) handleTerm(payload []byte) []byte {
	pid, errResp := d.parsePID(payload, "TERM")
	if errResp != nil {
		return errResp
	}
	d.engine.TerminateProcess(pid)
	d.memory.ReleaseProcess(pid)
	d.mu.Lock()
	d.totalSignals++
	d.mu.Unlock()
	return protocol.ResponseOK(protocol.CodeTerm, fmt.Sprintf("Termination requested for PID %d", pid))
}

func (d *Dispatcher) handleKill(payload []byte) []byte {
	pid, errResp := d.parsePID(payload, "KILL")
	if errResp != nil {
		return errResp
	}
	d.engine.KillProcess(pid)
	d.memory.ReleaseProcess(pid)
	d.mu.Lock()
	d.totalSignals++
	d.mu.Unlock()
	return protocol.ResponseOK(protocol.CodeKill, fmt.Sprintf("Killed PID %d", pid))
}

// parsePID validates a TERM/KILL pid payload, returning an error frame (with
// a nil pid) on a missing, non-numeric, or unknown pid.
func (d *Dispatcher) parsePID(payload []byte, opName string) (uint64, []byte) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, protocol.ResponseErr(protocol.CodeMissingPID, fmt.Sprintf("%s requires PID payload", opName))
	}
	pid, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, protocol.ResponseErr(protocol.CodeInvalidPID, fmt.Sprintf("%s payload must be numeric PID", opName))
	}
	if _, ok := d.engine.ProcessOwnerID(pid); !ok {
		return 0, protocol.ResponseErr(protocol.CodePIDNotFound, fmt.Sprintf("PID %d not found", pid))
	}
	return pid, nil
}

func (d *Dispatcher) handleShutdown() []byte {
	d.mu.Lock()
	d.shutdown = true
	d.totalSignals++
	d.mu.Unlock()
	return protocol.ResponseOK(protocol.CodeShutdown, "Kernel shutdown requested")
}

func (d *Dispatcher) handleStatus(payload []byte) []byte {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return protocol.ResponseOK(protocol.CodeStatus, d.globalStatusLine())
	}

	pid, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return protocol.ResponseErr(protocol.CodeStatusInvalid, "STATUS payload must be empty or numeric PID")
	}
	line, ok := d.engine.ProcessStatusLine(pid)
	if !ok {
		return protocol.ResponseErr(protocol.CodePIDNotFound, fmt.Sprintf("PID %d not found", pid))
	}
	return protocol.ResponseOK(protocol.CodeStatus, line)
}

func (d *Dispatcher) globalStatusLine() string {
	d.mu.Lock()
	uptime := time.Since(d.startedAt).Seconds()
	totalCommands, totalErrors := d.totalCommands, d.totalErrors
	totalExecStarted, totalSignals := d.totalExecStarted, d.totalSignals
	d.mu.Unlock()

	active := d.engine.ListActivePIDs()
	nonFinished := active[:0:0]
	for _, pid := range active {
		if state, ok := d.engine.ProcessState(pid); ok && state != process.Finished {
			nonFinished = append(nonFinished, pid)
		}
	}
	waiting := d.engine.ListWaitingPIDs()
	mem := d.memory.Stats()

	return fmt.Sprintf(
		"uptime_s=%.0f total_commands=%d total_errors=%d total_exec_started=%d total_signals=%d "+
			"active_processes=%d waiting_processes=%d active_pids=%v waiting_pids=%v "+
			"generation=temperature:%v top_p:%v seed:%d max_tokens:%d "+
			"mem_alloc_bytes=%d mem_evictions=%d mem_swap_count=%d mem_swap_faults=%d "+
			"mem_swap_failures=%d mem_oom_events=%d mem_free_blocks=%d mem_total_blocks=%d "+
			"mem_tracked_pids=%d mem_pending_swaps=%d mem_waiting_pids=%d",
		uptime, totalCommands, totalErrors, totalExecStarted, totalSignals,
		len(nonFinished), len(waiting), nonFinished, waiting,
		d.engine.GenerationConfig().Temperature, d.engine.GenerationConfig().TopP,
		d.engine.GenerationConfig().Seed, d.engine.GenerationConfig().MaxTokens,
		mem.AllocBytes, mem.Evictions, mem.SwapCount, mem.SwapFaults,
		mem.SwapFailures, mem.OOMEvents, mem.FreeBlocks, mem.TotalBlocks,
		mem.TrackedPIDs, mem.PendingSwaps, mem.WaitingPIDs,
	)
}

// handleMemW resolves the payload's pid/raw-bytes framing (see
// parseMemWPayload) and writes through to the memory manager. A write that
// lands a pid in the async-swap queue is also reflected into the process
// table so the scheduler's digestion loop skips it until the swap resolves.
func (d *Dispatcher) handleMemW(payload []byte) []byte {
	pid, raw, ok := parseMemWPayload(payload)
	if !ok {
		return protocol.ResponseErr(protocol.CodeMemWInvalid, "MEMW payload must be '<pid>\\n<raw-bytes>' or '<pid>|<text>'")
	}

	msg, err := d.memory.WriteForPIDBytes(pid, raw)
	if err != nil {
		return protocol.ResponseErr(protocol.CodeMemWFailed, err.Error())
	}

	if d.memory.IsWaiting(pid) {
		d.engine.SetProcessWaitingForMemory(pid)
		return protocol.ResponseOK(protocol.CodeMemWQueued, msg)
	}
	return protocol.ResponseOK(protocol.CodeMemW, msg)
}

// parseMemWPayload interprets MEMW's opaque payload bytes. It first tries
// the binary form "<pid>\n<raw bytes>"; if the bytes before the first
// newline fail to parse as a decimal pid, or nothing follows that newline,
// it falls back to the text form "<pid>|<utf-8 text>".
func parseMemWPayload(payload []byte) (pid uint64, raw []byte, ok bool) {
	if len(payload) == 0 {
		return 0, nil, false
	}

	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		if p, err := strconv.ParseUint(strings.TrimSpace(string(payload[:idx])), 10, 64); err == nil {
			tail := payload[idx+1:]
			if len(tail) > 0 {
				return p, tail, true
			}
		}
	}

	if idx := bytes.IndexByte(payload, '|'); idx >= 0 {
		if p, err := strconv.ParseUint(strings.TrimSpace(string(payload[:idx])), 10, 64); err == nil {
			return p, payload[idx+1:], true
		}
	}

	return 0, nil, false
}
