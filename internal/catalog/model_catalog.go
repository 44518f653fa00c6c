// Package catalog discovers GGUF model files on disk, classifies them by
// family and workload fitness, and tracks which model is currently
// selected for new LOAD operations.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ocx/agentkernel/internal/prompting"
)

// WorkloadClass is the capability bucket a model is best suited for.
type WorkloadClass string

const (
	WorkloadFast      WorkloadClass = "fast"
	WorkloadCode      WorkloadClass = "code"
	WorkloadReasoning WorkloadClass = "reasoning"
	WorkloadGeneral   WorkloadClass = "general"
)

// Entry describes one discovered model file.
type Entry struct {
	ID            string
	Path          string
	Family        prompting.Family
	TokenizerPath string
}

// Catalog discovers and tracks the models under a root directory.
type Catalog struct {
	mu         sync.RWMutex
	modelsDir  string
	entries    map[string]*Entry
	selectedID string
	history    *SelectionHistory
}

// NewCatalog creates an empty catalog rooted at modelsDir. Call Discover to
// populate it.
func NewCatalog(modelsDir string) *Catalog {
	return &Catalog{
		modelsDir: modelsDir,
		entries:   make(map[string]*Entry),
		history:   NewSelectionHistory(),
	}
}

// Discover walks modelsDir recursively, registering every .gguf file found.
// It never clears existing entries first; call Refresh for that.
func (c *Catalog) Discover() error {
	files, err := collectGGUFFiles(c.modelsDir)
	if err != nil {
		return fmt.Errorf("catalog: discovering models under %s: %w", c.modelsDir, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, path := range files {
		entry := c.buildEntryLocked(path)
		c.entries[entry.ID] = entry
	}
	slog.Info("catalog: discovered models", "count", len(files), "models_dir", c.modelsDir)
	return nil
}

// Refresh clears and re-discovers every model under modelsDir.
func (c *Catalog) Refresh() error {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
	return c.Discover()
}

func (c *Catalog) buildEntryLocked(path string) *Entry {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id := buildModelID(c.modelsDir, path)
	return &Entry{
		ID:            id,
		Path:          path,
		Family:        prompting.InferFamily(stem),
		TokenizerPath: inferTokenizerPath(path),
	}
}

// SetSelected marks id as the active model for future LOAD operations
// without a selector argument. Returns an error if id is unknown.
func (c *Catalog) SetSelected(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return fmt.Errorf("catalog: unknown model id %q", id)
	}
	c.selectedID = id
	c.history.Push(id, "operator")
	return nil
}

// RollbackSelection restores a previously active selection by its history
// version (see SelectionHistory.Push/Rollback), e.g. after a bad
// SELECT_MODEL choice.
func (c *Catalog) RollbackSelection(version int) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.history.Rollback(version)
	if err != nil {
		return nil, err
	}
	e, ok := c.entries[rec.ModelID]
	if !ok {
		return nil, fmt.Errorf("catalog: selection history points at unknown model %q", rec.ModelID)
	}
	c.selectedID = rec.ModelID
	return e, nil
}

// History returns every SELECT_MODEL change recorded so far.
func (c *Catalog) History() []*SelectionRecord {
	return c.history.History()
}

// SelectedEntry returns the entry currently selected, if any.
func (c *Catalog) SelectedEntry() (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selectedID == "" {
		return nil, false
	}
	e, ok := c.entries[c.selectedID]
	return e, ok
}

// FindByID looks up an entry by its exact id.
func (c *Catalog) FindByID(id string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// ResolveLoadTarget decides which entry a LOAD with the given selector
// string should load. An empty selector resolves to the currently selected
// entry (error if none). A non-empty selector is tried first as an exact
// model id (ids may themselves contain "/"), then — only if it looks like a
// path (ends in ".gguf" or contains a path separator) — as a direct,
// not-necessarily-catalogued filesystem path.
func (c *Catalog) ResolveLoadTarget(selector string) (*Entry, error) {
	if selector == "" {
		if e, ok := c.SelectedEntry(); ok {
			return e, nil
		}
		return nil, fmt.Errorf("catalog: no model selected and no selector given")
	}

	if e, ok := c.FindByID(selector); ok {
		return e, nil
	}

	if strings.HasSuffix(selector, ".gguf") || strings.ContainsAny(selector, "/\\") {
		stem := strings.TrimSuffix(filepath.Base(selector), filepath.Ext(selector))
		return &Entry{
			ID:            selector,
			Path:          selector,
			Family:        prompting.InferFamily(stem),
			TokenizerPath: inferTokenizerPath(selector),
		}, nil
	}

	return nil, fmt.Errorf("catalog: model %q not found", selector)
}

// familyPreference lists, per workload class, the families preferred in
// order when multiple candidates tie on nothing else.
var familyPreference = map[WorkloadClass][]prompting.Family{
	WorkloadFast:      {prompting.Llama, prompting.Qwen, prompting.Mistral},
	WorkloadGeneral:   {prompting.Llama, prompting.Qwen, prompting.Mistral},
	WorkloadCode:      {prompting.Qwen, prompting.Llama, prompting.Mistral},
	WorkloadReasoning: {prompting.Qwen, prompting.Llama, prompting.Mistral},
}

// SelectForWorkload picks the best entry for a workload class: family
// preference order first, then larger models for WorkloadCode and
// WorkloadReasoning, smaller ones for WorkloadFast and WorkloadGeneral.
// Remaining ties, and catalogues with no preferred family at all, resolve
// to the lowest id.
func (c *Catalog) SelectForWorkload(class WorkloadClass) (*Entry, bool) {
	c.mu.RLock()
	candidates := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	prefs := familyPreference[class]
	rank := func(f prompting.Family) int {
		for i, pref := range prefs {
			if pref == f {
				return i
			}
		}
		return len(prefs)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i].Family), rank(candidates[j].Family)
		if ri != rj {
			return ri < rj
		}
		if ri == len(prefs) {
			return false
		}
		si, sj := modelSizeHint(candidates[i].ID), modelSizeHint(candidates[j].ID)
		if class == WorkloadCode || class == WorkloadReasoning {
			return si > sj
		}
		return si < sj
	})

	return candidates[0], true
}

// FormatList renders the LIST_MODELS payload: one "<marker><id>\t<family>"
// line per discovered model, sorted by id, where the marker is "*" for the
// selected model and a space otherwise.
func (c *Catalog) FormatList() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		e := c.entries[id]
		marker := " "
		if id == c.selectedID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s%s\t%s\n", marker, id, e.Family)
	}
	return b.String()
}

// FormatInfo renders the MODEL_INFO payload for one entry.
func (c *Catalog) FormatInfo(id string) (string, error) {
	e, ok := c.FindByID(id)
	if !ok {
		return "", fmt.Errorf("catalog: model %q not found", id)
	}
	return fmt.Sprintf("id=%s path=%s family=%s tokenizer=%s", e.ID, e.Path, e.Family, e.TokenizerPath), nil
}

// InferWorkloadClass classifies free-form request text into a workload
// class by Italian/English keyword matching.
func InferWorkloadClass(text string) WorkloadClass {
	lower := strings.ToLower(text)

	codeWords := []string{"python", "rust", "codice", "debug", "refactor"}
	reasoningWords := []string{"ragiona", "reason", "analizza", "dimostra"}
	fastWords := []string{"breve", "short", "riassumi", "ping"}

	for _, w := range codeWords {
		if strings.Contains(lower, w) {
			return WorkloadCode
		}
	}
	for _, w := range reasoningWords {
		if strings.Contains(lower, w) {
			return WorkloadReasoning
		}
	}
	for _, w := range fastWords {
		if strings.Contains(lower, w) {
			return WorkloadFast
		}
	}
	return WorkloadGeneral
}

var workloadHintRe = regexp.MustCompile(`^capability=([a-zA-Z]+);`)

// ParseWorkloadHint extracts a leading "capability=<tag>;" prefix from a
// selector string and maps it to a WorkloadClass.
func ParseWorkloadHint(selector string) (WorkloadClass, bool) {
	m := workloadHintRe.FindStringSubmatch(selector)
	if m == nil {
		return "", false
	}
	switch strings.ToLower(m[1]) {
	case "fast":
		return WorkloadFast, true
	case "code":
		return WorkloadCode, true
	case "reasoning":
		return WorkloadReasoning, true
	case "general":
		return WorkloadGeneral, true
	default:
		return "", false
	}
}

var leadingDigitsRe = regexp.MustCompile(`(\d+)`)

// modelSizeHint extracts the first run of digits in a model id as a crude
// parameter-count-in-billions proxy (e.g. "Mistral-7B" -> 7; note that
// "Llama-3-8B" -> 3, since the version digit comes first).
func modelSizeHint(id string) int {
	m := leadingDigitsRe.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func buildModelID(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, filepath.Ext(rel))
}

func inferTokenizerPath(modelPath string) string {
	dir := filepath.Dir(modelPath)
	return filepath.Join(dir, "tokenizer.json")
}

func collectGGUFFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".gguf") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
