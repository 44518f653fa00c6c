// Package engine drives the process table: loading a model, spawning
// generation sessions against it, and stepping each one forward by exactly
// one token per call.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ocx/agentkernel/internal/backend"
	"github.com/ocx/agentkernel/internal/process"
	"github.com/ocx/agentkernel/internal/prompting"
)

// specialTokens holds the per-family token ids resolved at Load time.
type specialTokens struct {
	eos uint32
	eot uint32
}

// tokenHaver is an optional interface a backend.Model may implement to
// report whether a named special token exists in its vocabulary. The
// reference backend does not implement it, so resolution always succeeds —
// a real cgo-bound tokenizer would implement it and let resolveSpecialTokens
// genuinely fail on an incompatible GGUF/tokenizer pairing.
type tokenHaver interface {
	HasToken(name string) bool
}

func hasToken(m backend.Model, name string) bool {
	if th, ok := m.(tokenHaver); ok {
		return th.HasToken(name)
	}
	return true
}

// candidateToken maps a token name to a deterministic synthetic id in the
// reserved special-token range (see backend.specialTokenRange), so the
// reference backend's byte-level vocabulary never collides with one.
func candidateToken(name string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	// Keep out of {0, 2}: 0 is unused, 2 is the legacy literal stop id
	// checked independently of EOS/EOT in step_process.
	id := h % 297
	if id == 0 || id == 2 {
		id = 3
	}
	return id
}

// resolveSpecialTokens implements the per-family token table from the
// special-token resolution spec: each family tries an ordered list of EOS
// candidates and a required EOT (or, for Mistral/Unknown, an EOS-equals-EOT
// shortcut), plus additional required tokens that must exist in the
// tokenizer's vocabulary.
func resolveSpecialTokens(m backend.Model, family prompting.Family) (specialTokens, error) {
	switch family {
	case prompting.Llama:
		eos, ok := firstAvailable(m, "<|end_of_text|>", "</s>")
		if !ok {
			return specialTokens{}, fmt.Errorf("engine: Llama tokenizer is missing both EOS candidates <|end_of_text|> and </s>")
		}
		if !hasToken(m, "<|eot_id|>") {
			return specialTokens{}, fmt.Errorf("engine: Llama tokenizer is missing required token <|eot_id|>")
		}
		if !hasToken(m, "<|start_header_id|>") || !hasToken(m, "<|end_header_id|>") {
			return specialTokens{}, fmt.Errorf("engine: Llama tokenizer is missing required header tokens <|start_header_id|>/<|end_header_id|>")
		}
		return specialTokens{eos: candidateToken(eos), eot: candidateToken("<|eot_id|>")}, nil

	case prompting.Qwen:
		eos, ok := firstAvailable(m, "<|endoftext|>", "</s>")
		if !ok {
			return specialTokens{}, fmt.Errorf("engine: Qwen tokenizer is missing both EOS candidates <|endoftext|> and </s>")
		}
		if !hasToken(m, "<|im_end|>") {
			return specialTokens{}, fmt.Errorf("engine: Qwen tokenizer is missing required token <|im_end|>")
		}
		if !hasToken(m, "<|im_start|>") {
			return specialTokens{}, fmt.Errorf("engine: Qwen tokenizer is missing required token <|im_start|>")
		}
		return specialTokens{eos: candidateToken(eos), eot: candidateToken("<|im_end|>")}, nil

	case prompting.Mistral:
		eos, ok := firstAvailable(m, "</s>", "<|end_of_text|>")
		if !ok {
			return specialTokens{}, fmt.Errorf("engine: Mistral tokenizer is missing both EOS candidates </s> and <|end_of_text|>")
		}
		id := candidateToken(eos)
		return specialTokens{eos: id, eot: id}, nil

	default: // Unknown
		eos, ok := firstAvailable(m, "<|end_of_text|>", "</s>", "<|endoftext|>")
		if !ok {
			// Fall back to the legacy literal id 2, which step_process
			// already checks independently of EOS/EOT.
			return specialTokens{eos: 2, eot: 2}, nil
		}
		id := candidateToken(eos)
		return specialTokens{eos: id, eot: id}, nil
	}
}

func firstAvailable(m backend.Model, candidates ...string) (string, bool) {
	for _, c := range candidates {
		if hasToken(m, c) {
			return c, true
		}
	}
	return "", false
}

// Engine owns the currently loaded model (if any), the active family, the
// generation sampler defaults, and the table of spawned processes.
type Engine struct {
	load   backend.Loader
	model  backend.Model
	family prompting.Family
	path   string

	tokenizerPath string
	special       specialTokens
	genConfig     prompting.GenerationConfig

	table *process.Table
}

// New creates an engine with no model loaded. loader supplies the backend
// adapter Load uses; production wiring passes backend.LoadReference (or a
// real cgo-bound loader), tests can pass a fake.
func New(loader backend.Loader) *Engine {
	return &Engine{load: loader, table: process.NewTable()}
}

// Load loads a model from path for family, resolving its tokenizer and
// special tokens, and replaces any previously loaded model. A failed load
// never disturbs the engine's existing model: nothing is assigned until
// every step has succeeded, so on error the prior model stays usable.
func (e *Engine) Load(path string, family prompting.Family, tokenizerHint string) error {
	model, err := e.load(path, family)
	if err != nil {
		return fmt.Errorf("engine: loading model: %w", err)
	}

	tokPath, err := resolveTokenizerPath(path, tokenizerHint)
	if err != nil {
		return err
	}

	special, err := resolveSpecialTokens(model, family)
	if err != nil {
		return err
	}

	e.model = model
	e.family = family
	e.path = path
	e.tokenizerPath = tokPath
	e.special = special
	e.genConfig = prompting.DefaultsFor(family)
	return nil
}

// resolveTokenizerPath tries, in order: the hint, a tokenizer.json sibling
// of the model file, ./tokenizer.json, then ./models/tokenizer.json.
func resolveTokenizerPath(modelPath, hint string) (string, error) {
	candidates := []string{}
	if hint != "" {
		candidates = append(candidates, hint)
	}
	candidates = append(candidates,
		filepath.Join(filepath.Dir(modelPath), "tokenizer.json"),
		"tokenizer.json",
		filepath.Join("models", "tokenizer.json"),
	)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("engine: no tokenizer found; tried %s", strings.Join(candidates, ", "))
}

// Loaded reports whether a model is currently loaded.
func (e *Engine) Loaded() bool { return e.model != nil }

// Family returns the active family (Unknown if no model is loaded).
func (e *Engine) Family() prompting.Family { return e.family }

// GenerationConfig returns the current sampler configuration.
func (e *Engine) GenerationConfig() prompting.GenerationConfig { return e.genConfig }

// SetGenerationConfig replaces the sampler configuration in effect for
// newly spawned processes.
func (e *Engine) SetGenerationConfig(cfg prompting.GenerationConfig) { e.genConfig = cfg }

// SpawnProcess tokenizes prompt, obtains a per-process model instance
// (cloned cheaply if the backend supports it, else reloaded from disk),
// and inserts a new Ready process owned by ownerID.
func (e *Engine) SpawnProcess(prompt string, ownerID uint64) (uint64, error) {
	if e.model == nil {
		return 0, fmt.Errorf("engine: no model loaded")
	}

	instance, ok := e.model.DuplicateIfSupported()
	if !ok {
		reloaded, err := e.load(e.path, e.family)
		if err != nil {
			return 0, fmt.Errorf("engine: reloading model for new process: %w", err)
		}
		instance = reloaded
	}

	tokens, err := instance.Tokenize(prompt)
	if err != nil {
		return 0, fmt.Errorf("engine: tokenizing prompt: %w", err)
	}

	proc := e.table.Insert(ownerID, instance, tokens, e.genConfig.MaxTokens)
	proc.Sampler = process.NewSampler(e.genConfig.Seed+proc.PID, e.genConfig.Temperature, e.genConfig.TopP)
	return proc.PID, nil
}

// StepProcess runs one scheduler step for pid: a no-op for processes that
// are Finished, WaitingForMemory, or Paused. Otherwise it digests any
// not-yet-seen tokens one forward pass at a time, then samples exactly one
// new token, checks the stop conditions, and returns the newly detokenized
// text and the owning client id.
func (e *Engine) StepProcess(pid uint64) (text string, ownerID uint64, emitted bool, err error) {
	proc, ok := e.table.Get(pid)
	if !ok {
		return "", 0, false, fmt.Errorf("engine: pid %d not found: %w", pid, process.ErrPIDNotFound)
	}
	if proc.State == process.Finished || proc.State == process.WaitingForMemory || proc.State == process.Paused {
		return "", proc.OwnerID, false, nil
	}
	proc.State = process.Running

	// Digestion loop: one forward pass per not-yet-seen token.
	for proc.IndexPos < len(proc.Tokens) {
		tok := proc.Tokens[proc.IndexPos]
		logits, ferr := proc.Model.Forward(tok, proc.IndexPos)
		if ferr != nil {
			return "", proc.OwnerID, false, fmt.Errorf("engine: forward pass for pid %d: %w", pid, ferr)
		}
		proc.IndexPos++

		if proc.IndexPos == len(proc.Tokens) {
			nextToken := proc.Sampler.Sample(logits)
			proc.Tokens = append(proc.Tokens, nextToken)

			decoded, derr := proc.Model.Detokenize(nextToken)

			if e.shouldStop(nextToken, decoded, len(proc.Tokens), proc.MaxTokens) {
				proc.State = process.Finished
			}

			if derr != nil {
				return "", proc.OwnerID, false, nil
			}
			return decoded, proc.OwnerID, true, nil
		}
	}

	return "", proc.OwnerID, false, nil
}

func (e *Engine) shouldStop(token uint32, text string, tokenCount, maxTokens int) bool {
	if token == e.special.eos || token == e.special.eot || token == 2 {
		return true
	}
	if prompting.ShouldStopOnText(e.family, text) {
		return true
	}
	return maxTokens > 0 && tokenCount >= maxTokens
}

// InjectContext tokenizes "\n{text}\n" and appends it to pid's token
// vector, marking it Running so the next step digests the injected tokens
// before emitting a new one.
func (e *Engine) InjectContext(pid uint64, text string) error {
	proc, ok := e.table.Get(pid)
	if !ok {
		return fmt.Errorf("engine: pid %d not found: %w", pid, process.ErrPIDNotFound)
	}
	tokens, err := proc.Model.Tokenize("\n" + text + "\n")
	if err != nil {
		return fmt.Errorf("engine: tokenizing injected context: %w", err)
	}
	proc.Tokens = append(proc.Tokens, tokens...)
	if proc.State != process.WaitingForMemory {
		proc.State = process.Running
	}
	return nil
}

// TerminateProcess marks pid Finished so the next tick's sweep reaps it.
func (e *Engine) TerminateProcess(pid uint64) { e.table.Terminate(pid) }

// KillProcess removes pid's record outright, with no further notification.
func (e *Engine) KillProcess(pid uint64) { e.table.Remove(pid) }

// SetProcessWaitingForMemory parks pid pending an async swap.
func (e *Engine) SetProcessWaitingForMemory(pid uint64) { e.table.SetWaitingForMemory(pid) }

// SetProcessReadyIfWaiting resumes pid once its swap event arrives.
func (e *Engine) SetProcessReadyIfWaiting(pid uint64) bool { return e.table.SetReadyIfWaiting(pid) }

// ListActivePIDs returns a snapshot of every tracked pid.
func (e *Engine) ListActivePIDs() []uint64 { return e.table.ActivePIDs() }

// ListFinishedPIDs returns every pid currently Finished.
func (e *Engine) ListFinishedPIDs() []uint64 { return e.table.FinishedPIDs() }

// ListWaitingPIDs returns every pid currently parked WaitingForMemory.
func (e *Engine) ListWaitingPIDs() []uint64 {
	var out []uint64
	for _, pid := range e.table.ActivePIDs() {
		if state, ok := e.ProcessState(pid); ok && state == process.WaitingForMemory {
			out = append(out, pid)
		}
	}
	return out
}

// FeedSyscallBuffer appends freshly emitted text to pid's syscall buffer
// and extracts the first complete "[[...]]" command if one is now present,
// clearing the buffer on a match (including the surrounding brackets in
// the returned command). The buffer is also cleared once it exceeds 8000
// bytes without ever closing, so a model that never emits "]]" can't
// accumulate unbounded text.
func (e *Engine) FeedSyscallBuffer(pid uint64, text string) (command string, ok bool) {
	proc, found := e.table.Get(pid)
	if !found {
		return "", false
	}
	proc.SyscallBuffer += text

	if start := strings.Index(proc.SyscallBuffer, "[["); start >= 0 {
		if endOffset := strings.Index(proc.SyscallBuffer[start:], "]]"); endOffset >= 0 {
			end := start + endOffset + 2
			command = proc.SyscallBuffer[start:end]
			proc.SyscallBuffer = ""
			return command, true
		}
	}

	if len(proc.SyscallBuffer) > 8000 {
		proc.SyscallBuffer = ""
	}
	return "", false
}

// ProcessOwnerID returns the owning client id for pid, if tracked.
func (e *Engine) ProcessOwnerID(pid uint64) (uint64, bool) { return e.table.OwnerOf(pid) }

// ProcessState returns pid's current lifecycle state.
func (e *Engine) ProcessState(pid uint64) (process.State, bool) {
	proc, ok := e.table.Get(pid)
	if !ok {
		return "", false
	}
	return proc.State, true
}

// ProcessStatusLine renders the per-pid STATUS response line.
func (e *Engine) ProcessStatusLine(pid uint64) (string, bool) {
	proc, ok := e.table.Get(pid)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("pid=%d owner=%d state=%s tokens=%d index_pos=%d max_tokens=%d",
		proc.PID, proc.OwnerID, proc.State, len(proc.Tokens), proc.IndexPos, proc.MaxTokens), true
}
