// Package backend defines the uniform adapter surface over family-specific
// quantized model implementations, and a deterministic reference
// implementation used where no cgo-bound inference library is linked in.
package backend

import (
	"fmt"
	"sync"

	"github.com/ocx/agentkernel/internal/prompting"
)

// Model is the adapter surface the engine drives. A real implementation
// wraps a quantized transformer (GGUF weights plus a KV cache); the
// reference implementation in this package stands in for that so the rest
// of the kernel — process table, scheduler tick, syscall interception — is
// fully exercisable without a linked inference backend.
type Model interface {
	// Forward runs one single-token forward pass at the given position and
	// returns logits over the vocabulary.
	Forward(token uint32, position int) ([]float32, error)

	// Tokenize converts text to token ids using the model's tokenizer.
	Tokenize(text string) ([]uint32, error)

	// Detokenize converts a single token id back to text.
	Detokenize(token uint32) (string, error)

	// DuplicateIfSupported returns a cheap clone sharing read-only weights
	// but with a fresh KV cache, and true, if the backend supports it.
	// Backends that cannot cheaply duplicate (most real cgo-bound ones)
	// return (nil, false); callers must then reload from disk.
	DuplicateIfSupported() (Model, bool)
}

// Loader loads a Model from a GGUF file for a given prompt family.
type Loader func(path string, family prompting.Family) (Model, error)

// vocabSize bounds the reference backend's synthetic vocabulary: Forward
// returns this many logits, so a sampled token can be any id below it,
// including the low ids the engine assigns to EOS/EOT during Load.
const vocabSize = 32000

// ReferenceModel is a deterministic stand-in for a real quantized
// transformer. It has no weights: Forward produces a logit vector that is a
// pure function of (token, position), so generation is reproducible without
// randomness, which keeps it exercisable in tests without a sampler mock.
// DuplicateIfSupported always succeeds, matching backend.rs's Llama case —
// see SPEC_FULL.md's design notes for why the reference intentionally
// favors the "cheap duplication" path over the "force reload" path.
type ReferenceModel struct {
	mu     sync.Mutex
	path   string
	family prompting.Family
	seed   uint64
}

// LoadReference implements Loader against the reference backend. It never
// touches the filesystem beyond checking the path is non-empty — GGUF
// parsing itself is out of scope for this repository (see Non-goals).
func LoadReference(path string, family prompting.Family) (Model, error) {
	if path == "" {
		return nil, fmt.Errorf("backend: empty model path")
	}
	return &ReferenceModel{path: path, family: family, seed: hashPath(path)}, nil
}

func hashPath(path string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	return h
}

// Forward returns a deterministic logit vector: the (token,position) pair
// seeds a small linear congruential sequence so successive calls at
// different positions vary while staying reproducible.
func (m *ReferenceModel) Forward(token uint32, position int) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.seed ^ uint64(token)<<32 ^ uint64(position)
	logits := make([]float32, vocabSize)
	for i := range logits {
		state = state*6364136223846793005 + 1442695040888963407
		logits[i] = float32(int32(state>>33)) / float32(1<<30)
	}
	return logits, nil
}

// Tokenize performs a byte-level tokenization: each input byte becomes one
// token id (offset to keep ids out of the reserved special-token range).
// This is intentionally simple — the reference backend needs a stable,
// invertible mapping, not a realistic subword vocabulary.
func (m *ReferenceModel) Tokenize(text string) ([]uint32, error) {
	ids := make([]uint32, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, uint32(text[i])+specialTokenRange)
	}
	return ids, nil
}

// Detokenize inverts Tokenize for ordinary byte tokens; special-token ids
// (EOS/EOT/etc, assigned by the engine's special-token table) decode to the
// empty string since they carry no displayable text.
func (m *ReferenceModel) Detokenize(token uint32) (string, error) {
	if token < specialTokenRange {
		return "", nil
	}
	b := byte(token - specialTokenRange)
	if b == 0 {
		return "", nil
	}
	return string([]byte{b}), nil
}

// DuplicateIfSupported clones the reference model. It carries no mutable
// weight state (only an immutable seed derived from the path), so cloning
// is always safe and cheap — unlike a real cgo-bound backend, which would
// return (nil, false) and force the slow reload path.
func (m *ReferenceModel) DuplicateIfSupported() (Model, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &ReferenceModel{path: m.path, family: m.family, seed: m.seed}, true
}

// specialTokenRange separates ordinary byte tokens (0..255, offset up) from
// the special-token ids the engine assigns per family (EOS/EOT/etc, which
// live below this offset so they can never collide with a tokenized byte).
const specialTokenRange = 300
