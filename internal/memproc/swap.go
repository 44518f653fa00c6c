package memproc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SwapJob is one pid's payload queued for the swap worker.
type SwapJob struct {
	PID     uint64
	Payload []byte
}

type swapResult struct {
	PID uint64
	Err error
}

// swapWorker owns the dedicated goroutine that persists swap payloads to
// disk via the atomic-rename protocol and reports results back through a
// polled channel. The job channel is never closed: once enabled, the worker
// runs for the life of the process and swap cannot be disabled again.
type swapWorker struct {
	base string
	jobs chan SwapJob

	pendingMu sync.Mutex
	pending   int

	bufMu     sync.Mutex
	resultBuf []swapResult
}

func newSwapWorker(base string, queueDepth int) (*swapWorker, error) {
	resolvedBase, err := resolveSwapBase(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(resolvedBase, 0o755); err != nil {
		return nil, fmt.Errorf("memproc: creating swap dir: %w", err)
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}

	w := &swapWorker{
		base: resolvedBase,
		jobs: make(chan SwapJob, queueDepth),
	}
	go w.run()
	return w, nil
}

func (w *swapWorker) run() {
	for job := range w.jobs {
		stem := fmt.Sprintf("pid_%d_%d", job.PID, time.Now().UnixNano())
		err := persistSwapPayload(w.base, stem, job.Payload)

		w.bufMu.Lock()
		w.resultBuf = append(w.resultBuf, swapResult{PID: job.PID, Err: err})
		w.bufMu.Unlock()

		w.pendingMu.Lock()
		w.pending--
		w.pendingMu.Unlock()
	}
}

func (w *swapWorker) enqueue(job SwapJob) {
	w.pendingMu.Lock()
	w.pending++
	w.pendingMu.Unlock()
	w.jobs <- job
}

func (w *swapWorker) pendingCount() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.pending
}

func (w *swapWorker) drainResults() []swapResult {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	if len(w.resultBuf) == 0 {
		return nil
	}
	out := w.resultBuf
	w.resultBuf = nil
	return out
}

// persistSwapPayload writes payload for stem under base using the
// create-tmp / write / fsync / rename protocol. Both the tmp and final
// paths must resolve to direct children of base. On any failure the tmp
// file is removed so no partial artifact remains.
func persistSwapPayload(base, stem string, payload []byte) error {
	if strings.ContainsAny(stem, `/\`) {
		return fmt.Errorf("memproc: unsafe swap stem %q", stem)
	}

	tmpPath := filepath.Join(base, stem+".tmp")
	finalPath := filepath.Join(base, stem+".swap")

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("memproc: creating swap tmp file: %w", err)
	}

	if _, werr := f.Write(payload); werr != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memproc: writing swap payload: %w", werr)
	}
	if serr := f.Sync(); serr != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memproc: fsyncing swap payload: %w", serr)
	}
	if cerr := f.Close(); cerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memproc: closing swap tmp file: %w", cerr)
	}

	if rerr := os.Rename(tmpPath, finalPath); rerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memproc: renaming swap payload: %w", rerr)
	}
	return nil
}

// resolveSwapBase rejects swap directories that don't canonicalize to a
// subpath of <cwd>/workspace, and rejects relative inputs that try to climb
// out via "..", absolute segments, or volume/prefix components.
func resolveSwapBase(base string) (string, error) {
	if filepath.IsAbs(base) {
		return validateUnderWorkspace(base)
	}
	for _, part := range strings.Split(filepath.ToSlash(base), "/") {
		if part == ".." {
			return "", fmt.Errorf("memproc: swap base %q escapes workspace", base)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("memproc: resolving cwd: %w", err)
	}
	abs := filepath.Join(cwd, base)
	return validateUnderWorkspace(abs)
}

func validateUnderWorkspace(abs string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("memproc: resolving cwd: %w", err)
	}
	workspace := filepath.Join(cwd, "workspace")

	clean := filepath.Clean(abs)
	rel, err := filepath.Rel(workspace, clean)
	if err != nil {
		return "", fmt.Errorf("memproc: swap base %q not under workspace: %w", abs, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("memproc: swap base %q escapes workspace", abs)
	}
	return clean, nil
}
