// Package memproc implements the paged tensor memory manager: a fixed pool
// of fixed-size blocks, a page table per tensor, LRU eviction, and an
// asynchronous swap-to-disk path for pids under memory pressure.
package memproc

import (
	"container/list"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrTensorNotFound is returned when a write targets a tensor id that was
// never allocated (or was already released).
var ErrTensorNotFound = errors.New("memproc: tensor not found")

// ErrOOM is returned when eviction could not free enough blocks to satisfy
// a write, even after running LRU eviction over every tensor but the one
// being written.
var ErrOOM = errors.New("memproc: out of memory")

// TensorID identifies one tensor's page list within the pool.
type TensorID uint64

// Counters are the monotonic (mostly) counters the STATUS response surfaces.
type Counters struct {
	AllocBytes   uint64
	Evictions    uint64
	SwapCount    uint64
	SwapFaults   uint64
	SwapFailures uint64
	OOMEvents    uint64
}

// Stats is a point-in-time snapshot of pool occupancy plus the counters.
type Stats struct {
	Counters
	FreeBlocks  int
	TotalBlocks int
	TrackedPIDs int
	PendingSwaps int
	WaitingPIDs int
}

// Manager owns the block pool, the per-tensor page tables, the pid
// registrations, and (optionally) the async swap worker.
type Manager struct {
	mu sync.Mutex

	blockSize        int
	hiddenDim        int
	elementsPerBlock int
	bytesPerBlock    int
	numBlocks        int
	quota            int

	blocks     [][]float32
	freeBlocks []int

	pageTables  map[TensorID][]int
	lru         *list.List
	lruElems    map[TensorID]*list.Element
	nextTensor  TensorID

	pidToTensor map[uint64]TensorID
	pidSlots    map[uint64]int
	waitingPIDs map[uint64]bool

	counters Counters

	swap   *swapWorker
	mirror *Mirror
}

// Config parameterizes pool construction.
type Config struct {
	BlockSize     int
	HiddenDim     int
	TotalMemoryMB int
	// Quota bounds the token slots a single pid may register. There is no
	// externally fixed value for this; it is a local admission-control knob
	// sized to keep a handful of large contexts from starving the rest of
	// the pool (see DESIGN.md).
	Quota int
}

// NewManager constructs the block pool per the documented sizing formula:
// elementsPerBlock = blockSize*hiddenDim, bytesPerBlock = 4*elementsPerBlock,
// numBlocks = floor(totalMemoryMB*2^20 / bytesPerBlock). Pool construction
// failure (zero blocks) is fatal, mirroring the reference allocator.
func NewManager(cfg Config) (*Manager, error) {
	elementsPerBlock := cfg.BlockSize * cfg.HiddenDim
	bytesPerBlock := 4 * elementsPerBlock
	if bytesPerBlock <= 0 {
		return nil, fmt.Errorf("memproc: invalid block geometry (block_size=%d hidden_dim=%d)", cfg.BlockSize, cfg.HiddenDim)
	}
	totalBytes := uint64(cfg.TotalMemoryMB) << 20
	numBlocks := int(totalBytes / uint64(bytesPerBlock))
	if numBlocks <= 0 {
		return nil, fmt.Errorf("memproc: pool construction failed, 0 blocks from %dMB at %d bytes/block", cfg.TotalMemoryMB, bytesPerBlock)
	}

	quota := cfg.Quota
	if quota <= 0 {
		quota = 8192
	}

	m := &Manager{
		blockSize:        cfg.BlockSize,
		hiddenDim:        cfg.HiddenDim,
		elementsPerBlock: elementsPerBlock,
		bytesPerBlock:    bytesPerBlock,
		numBlocks:        numBlocks,
		quota:            quota,
		blocks:           make([][]float32, numBlocks),
		freeBlocks:       make([]int, numBlocks),
		pageTables:       make(map[TensorID][]int),
		lru:              list.New(),
		lruElems:         make(map[TensorID]*list.Element),
		pidToTensor:      make(map[uint64]TensorID),
		pidSlots:         make(map[uint64]int),
		waitingPIDs:      make(map[uint64]bool),
	}
	for i := 0; i < numBlocks; i++ {
		m.blocks[i] = make([]float32, elementsPerBlock)
		m.freeBlocks[i] = numBlocks - 1 - i // pop from the back, lowest index first out
	}
	return m, nil
}

// Stats returns a snapshot of pool occupancy and counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, waiting := 0, len(m.waitingPIDs)
	if m.swap != nil {
		pending = m.swap.pendingCount()
	}
	return Stats{
		Counters:     m.counters,
		FreeBlocks:   len(m.freeBlocks),
		TotalBlocks:  m.numBlocks,
		TrackedPIDs:  len(m.pidToTensor),
		PendingSwaps: pending,
		WaitingPIDs:  waiting,
	}
}

// Alloc mints a new tensor id with an empty page list and touches LRU.
func (m *Manager) Alloc() TensorID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked()
}

func (m *Manager) allocLocked() TensorID {
	m.nextTensor++
	tid := m.nextTensor
	m.pageTables[tid] = nil
	m.touchLRULocked(tid)
	return tid
}

// RegisterProcess wires a pid to a tensor. If active is false this is a
// no-op returning 0 (the pid isn't live in the process table, so there is
// nothing to reserve memory for). token_slots of 0 or greater than quota is
// rejected and counted as an OOM event. Registering an already-known pid
// just refreshes its slot count and LRU position.
func (m *Manager) RegisterProcess(pid uint64, tokenSlots int, active bool) (TensorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !active {
		return 0, nil
	}
	if tokenSlots == 0 || tokenSlots > m.quota {
		m.counters.OOMEvents++
		return 0, fmt.Errorf("token_slots %d out of range (quota %d)", tokenSlots, m.quota)
	}

	if tid, ok := m.pidToTensor[pid]; ok {
		m.pidSlots[pid] = tokenSlots
		m.touchLRULocked(tid)
		return tid, nil
	}

	tid := m.allocLocked()
	m.pidToTensor[pid] = tid
	m.pidSlots[pid] = tokenSlots
	return tid, nil
}

// ReleaseProcess drops a pid's tensor entirely, returning its blocks to the
// free list without counting the release as an eviction.
func (m *Manager) ReleaseProcess(pid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tid, ok := m.pidToTensor[pid]
	if !ok {
		return
	}
	m.releaseBlocksLocked(tid)
	delete(m.pageTables, tid)
	if elem, ok := m.lruElems[tid]; ok {
		m.lru.Remove(elem)
		delete(m.lruElems, tid)
	}
	delete(m.pidToTensor, pid)
	delete(m.pidSlots, pid)
	delete(m.waitingPIDs, pid)
}

// WriteFromBytes reinterprets raw as a little-endian float32 sequence and
// (re)writes tid's page list with it, running LRU eviction (protecting tid)
// if the pool is short on free blocks. Returns a descriptive success
// message, or an error whose message begins "OOM:" if eviction still
// couldn't free enough blocks.
func (m *Manager) WriteFromBytes(tid TensorID, raw []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeFromBytesLocked(tid, raw)
}

func (m *Manager) writeFromBytesLocked(tid TensorID, raw []byte) (string, error) {
	if _, ok := m.pageTables[tid]; !ok {
		return "", fmt.Errorf("tensor %d not found: %w", tid, ErrTensorNotFound)
	}

	values := bytesToFloat32LE(raw)
	blocksNeeded := ceilDiv(len(values), m.elementsPerBlock)
	if blocksNeeded == 0 {
		blocksNeeded = 1
	}

	m.releaseBlocksLocked(tid)

	if len(m.freeBlocks) < blocksNeeded {
		m.evictForLocked(tid, blocksNeeded)
	}
	if len(m.freeBlocks) < blocksNeeded {
		m.counters.OOMEvents++
		return "", fmt.Errorf("OOM: need %d blocks, only %d free: %w", blocksNeeded, len(m.freeBlocks), ErrOOM)
	}

	page := make([]int, 0, blocksNeeded)
	for i := 0; i < blocksNeeded; i++ {
		idx := m.popFreeLocked()
		start := i * m.elementsPerBlock
		end := start + m.elementsPerBlock
		if end > len(values) {
			end = len(values)
		}
		buf := m.blocks[idx]
		n := copy(buf, values[start:end])
		for j := n; j < m.elementsPerBlock; j++ {
			buf[j] = 0
		}
		page = append(page, idx)
	}
	m.pageTables[tid] = page
	m.counters.AllocBytes += uint64(blocksNeeded * m.bytesPerBlock)
	m.touchLRULocked(tid)

	if m.mirror != nil {
		m.mirror.WriteAsync(tid, raw)
	}

	return fmt.Sprintf("wrote %d bytes across %d blocks for tensor %d", len(raw), blocksNeeded, tid), nil
}

// SetMirror attaches an optional diagnostic Redis mirror; every
// write_from_bytes afterward best-effort-copies its payload there. Passing
// nil detaches it.
func (m *Manager) SetMirror(mirror *Mirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror = mirror
}

// WriteForPIDBytes resolves the tensor registered to pid and writes raw to
// it. If that write fails with an OOM error and async swap is enabled, the
// write is instead queued as a swap job and reported as success; the pid is
// marked waiting until the swap worker posts a result. If swap is disabled,
// the OOM error propagates unchanged.
func (m *Manager) WriteForPIDBytes(pid uint64, raw []byte) (string, error) {
	m.mu.Lock()
	tid, ok := m.pidToTensor[pid]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("pid %d not registered", pid)
	}
	msg, err := m.writeFromBytesLocked(tid, raw)
	if err == nil || !isOOM(err) || m.swap == nil {
		m.mu.Unlock()
		return msg, err
	}

	m.counters.SwapFaults++
	m.waitingPIDs[pid] = true
	m.mu.Unlock()

	m.swap.enqueue(SwapJob{PID: pid, Payload: raw})
	return fmt.Sprintf("OOM: PID %d queued for async swap (%d bytes)", pid, len(raw)), nil
}

// SwapEvent reports the outcome of one completed asynchronous swap job.
type SwapEvent struct {
	PID     uint64
	Success bool
	Err     error
}

// PollSwapEvents drains every swap result available right now without
// blocking, updating waiting-pid state and counters as it goes.
func (m *Manager) PollSwapEvents() []SwapEvent {
	if m.swap == nil {
		return nil
	}
	results := m.swap.drainResults()

	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]SwapEvent, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			delete(m.waitingPIDs, r.PID)
			m.counters.SwapCount++
		} else {
			m.counters.SwapFailures++
		}
		events = append(events, SwapEvent{PID: r.PID, Success: r.Err == nil, Err: r.Err})
	}
	return events
}

// IsWaiting reports whether pid is currently blocked on an in-flight swap.
func (m *Manager) IsWaiting(pid uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitingPIDs[pid]
}

// EnableSwap starts the asynchronous swap worker rooted at base.
func (m *Manager) EnableSwap(base string, queueDepth int) error {
	w, err := newSwapWorker(base, queueDepth)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.swap = w
	m.mu.Unlock()
	return nil
}

func (m *Manager) releaseBlocksLocked(tid TensorID) {
	for _, idx := range m.pageTables[tid] {
		m.freeBlocks = append(m.freeBlocks, idx)
	}
	m.pageTables[tid] = nil
}

func (m *Manager) popFreeLocked() int {
	n := len(m.freeBlocks)
	idx := m.freeBlocks[n-1]
	m.freeBlocks = m.freeBlocks[:n-1]
	return idx
}

func (m *Manager) touchLRULocked(tid TensorID) {
	if elem, ok := m.lruElems[tid]; ok {
		m.lru.Remove(elem)
	}
	m.lruElems[tid] = m.lru.PushBack(tid)
}

// evictForLocked evicts tensors until at least `need` blocks are free while
// never touching tidProtected's page list, per the documented
// rotation-with-guard scheme.
func (m *Manager) evictForLocked(tidProtected TensorID, need int) {
	guard := 0
	maxGuard := len(m.pageTables) + 1

	for len(m.freeBlocks) < need && guard <= maxGuard {
		front := m.lru.Front()
		if front == nil {
			return
		}
		tid := front.Value.(TensorID)
		m.lru.MoveToBack(front)
		guard++

		if tid == tidProtected {
			continue
		}
		page := m.pageTables[tid]
		if len(page) == 0 {
			continue
		}
		m.releaseBlocksLocked(tid)
		m.counters.Evictions++
	}
}

func isOOM(err error) bool {
	return errors.Is(err, ErrOOM)
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func bytesToFloat32LE(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
