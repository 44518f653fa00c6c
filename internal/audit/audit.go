// Package audit implements a tamper-evident, hash-chained record of every
// syscall a running process executes, grounded on the teacher's
// internal/evidence evidence-chain design (genesis record, Hash/
// PreviousHash linkage, append-only, integrity-verifiable) but scoped down
// to a single chain per kernel process instead of a per-tenant multi-chain
// vault.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one immutable entry in the chain: a syscall a pid attempted,
// its outcome, and the hash linkage back to the previous record.
type Record struct {
	Seq          uint64    `json:"seq"`
	PID          uint64    `json:"pid"`
	Mode         string    `json:"mode"`
	Command      string    `json:"command"`
	Success      bool      `json:"success"`
	Killed       bool      `json:"killed"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previous_hash"`
}

// computeHash hashes every field but Hash itself with blake2b-256, so the
// chain's collision resistance doesn't depend on crypto/sha256 alone.
func (r Record) computeHash() (string, error) {
	r.Hash = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("audit: marshaling record for hashing: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether r's stored hash matches its recomputed content
// hash.
func (r Record) Verify() bool {
	want, err := r.computeHash()
	return err == nil && want == r.Hash
}

// Chain is a single append-only, mutex-guarded hash chain. The kernel
// keeps exactly one Chain for its whole process lifetime.
type Chain struct {
	mu       sync.Mutex
	id       string
	records  []Record
	lastHash string
	nextSeq  uint64
}

// NewChain starts a fresh chain with a genesis record, mirroring the
// teacher's NewEvidenceChain convention of seeding LastHash with a known
// all-zero value rather than leaving it empty. Each chain gets a random
// id so multiple kernel runs writing to the same audit log can be told
// apart when records are later cross-referenced.
func NewChain() *Chain {
	return &Chain{id: uuid.NewString(), lastHash: genesisHash, nextSeq: 1}
}

// ID returns the chain's random identifier.
func (c *Chain) ID() string {
	return c.id
}

// Append records one syscall outcome, links it to the previous record's
// hash, and returns the stored Record (with its Hash/PreviousHash/Seq
// filled in).
func (c *Chain) Append(pid uint64, mode, command string, success, killed bool, duration time.Duration) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := Record{
		Seq:          c.nextSeq,
		PID:          pid,
		Mode:         mode,
		Command:      command,
		Success:      success,
		Killed:       killed,
		DurationMS:   duration.Milliseconds(),
		Timestamp:    time.Now(),
		PreviousHash: c.lastHash,
	}
	hash, err := rec.computeHash()
	if err != nil {
		return Record{}, err
	}
	rec.Hash = hash

	c.records = append(c.records, rec)
	c.lastHash = hash
	c.nextSeq++
	return rec, nil
}

// Records returns a snapshot of every record appended so far, in order.
func (c *Chain) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Validate walks the whole chain checking every record's own hash and its
// linkage to the previous record. It reports the index of the first
// broken record, or -1 if the chain is intact.
func (c *Chain) Validate() (ok bool, brokenAt int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := genesisHash
	for i, rec := range c.records {
		if rec.PreviousHash != prev {
			return false, i
		}
		if !rec.Verify() {
			return false, i
		}
		prev = rec.Hash
	}
	return true, -1
}

// Len returns the number of records appended so far.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
