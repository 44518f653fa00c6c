package catalog

import (
	"fmt"
	"sync"
	"time"
)

// SelectionRecord is one change of the catalog's selected model.
type SelectionRecord struct {
	Version int
	ModelID string
	SetAt   time.Time
	SetBy   string
	Active  bool
}

// SelectionHistory tracks every SELECT_MODEL change so a previous selection
// can be restored, e.g. after an operator selects a model that turns out
// not to load cleanly.
type SelectionHistory struct {
	mu      sync.RWMutex
	records []*SelectionRecord
	active  int
}

// NewSelectionHistory creates an empty history.
func NewSelectionHistory() *SelectionHistory {
	return &SelectionHistory{}
}

// Push records a new selection and makes it active.
func (h *SelectionHistory) Push(modelID, setBy string) *SelectionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.records {
		r.Active = false
	}

	rec := &SelectionRecord{
		Version: len(h.records) + 1,
		ModelID: modelID,
		SetAt:   time.Now(),
		SetBy:   setBy,
		Active:  true,
	}
	h.records = append(h.records, rec)
	h.active = rec.Version
	return rec
}

// Rollback reactivates a previous selection by version number.
func (h *SelectionHistory) Rollback(version int) (*SelectionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if version < 1 || version > len(h.records) {
		return nil, fmt.Errorf("catalog: invalid selection version %d (range 1-%d)", version, len(h.records))
	}
	for _, r := range h.records {
		r.Active = false
	}
	target := h.records[version-1]
	target.Active = true
	h.active = version
	return target, nil
}

// Active returns the currently active selection record, if any.
func (h *SelectionHistory) Active() (*SelectionRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active < 1 || h.active > len(h.records) {
		return nil, false
	}
	return h.records[h.active-1], true
}

// History returns every recorded selection, oldest first.
func (h *SelectionHistory) History() []*SelectionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*SelectionRecord, len(h.records))
	copy(out, h.records)
	return out
}
