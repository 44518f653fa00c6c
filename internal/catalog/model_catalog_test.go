package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ocx/agentkernel/internal/prompting"
)

func writeFakeModel(t *testing.T, dir, relPath string) string {
	t.Helper()
	full := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte("fake-gguf"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return full
}

func TestFamilyInferenceFromName(t *testing.T) {
	dir := t.TempDir()
	writeFakeModel(t, dir, "llama/Meta-Llama-3-8B.gguf")
	writeFakeModel(t, dir, "qwen/Qwen2.5-14B.gguf")

	c := NewCatalog(dir)
	if err := c.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	found := 0
	for _, e := range c.entries {
		switch {
		case e.Path == filepath.Join(dir, "llama/Meta-Llama-3-8B.gguf"):
			if e.Family != prompting.Llama {
				t.Errorf("expected Llama family, got %v", e.Family)
			}
			found++
		case e.Path == filepath.Join(dir, "qwen/Qwen2.5-14B.gguf"):
			if e.Family != prompting.Qwen {
				t.Errorf("expected Qwen family, got %v", e.Family)
			}
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected to match both fake models, matched %d", found)
	}
}

func TestDiscoversModelsRecursivelyInFamilySubdirs(t *testing.T) {
	dir := t.TempDir()
	writeFakeModel(t, dir, "a/b/c/deep-model.gguf")
	writeFakeModel(t, dir, "top-model.gguf")
	writeFakeModel(t, dir, "ignored.txt")

	c := NewCatalog(dir)
	if err := c.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(c.entries) != 2 {
		t.Fatalf("expected 2 gguf entries, got %d: %+v", len(c.entries), c.entries)
	}
}

func TestResolveLoadTargetPrefersModelIDEvenIfContainsSlash(t *testing.T) {
	dir := t.TempDir()
	writeFakeModel(t, dir, "family/weird-id.gguf")

	c := NewCatalog(dir)
	if err := c.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var id string
	for existing := range c.entries {
		id = existing
	}

	e, err := c.ResolveLoadTarget(id)
	if err != nil {
		t.Fatalf("ResolveLoadTarget: %v", err)
	}
	if e.ID != id {
		t.Errorf("expected exact id match, got %q", e.ID)
	}
}

func TestResolveLoadTargetFallsBackToDirectPath(t *testing.T) {
	c := NewCatalog(t.TempDir())

	e, err := c.ResolveLoadTarget("/somewhere/else/Qwen2.5-Coder-7B.gguf")
	if err != nil {
		t.Fatalf("ResolveLoadTarget: %v", err)
	}
	if e.Family != prompting.Qwen {
		t.Errorf("expected family inferred from the path stem, got %v", e.Family)
	}
}

func TestResolveLoadTargetErrorsOnUnknownNonPathSelector(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if _, err := c.ResolveLoadTarget("not-a-path-or-known-id"); err == nil {
		t.Error("expected an error for a selector that is neither a known id nor path-shaped")
	}
}

func TestParseAndInferWorkload(t *testing.T) {
	if class, ok := ParseWorkloadHint("capability=reasoning;why does this happen"); !ok || class != WorkloadReasoning {
		t.Errorf("got class=%v ok=%v", class, ok)
	}
	if _, ok := ParseWorkloadHint("no hint here"); ok {
		t.Error("expected no hint to be found")
	}

	if got := InferWorkloadClass("please debug this python script"); got != WorkloadCode {
		t.Errorf("expected code classification, got %v", got)
	}
	if got := InferWorkloadClass("ragiona su questo problema"); got != WorkloadReasoning {
		t.Errorf("expected reasoning classification for Italian keyword, got %v", got)
	}
	if got := InferWorkloadClass("riassumi in breve"); got != WorkloadFast {
		t.Errorf("expected fast classification, got %v", got)
	}
	if got := InferWorkloadClass("tell me about the weather"); got != WorkloadGeneral {
		t.Errorf("expected general classification, got %v", got)
	}
}

func TestSetSelectedRejectsUnknownID(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if err := c.SetSelected("nope"); err == nil {
		t.Error("expected error selecting an unknown model id")
	}
}

func TestSelectionHistoryRollback(t *testing.T) {
	dir := t.TempDir()
	writeFakeModel(t, dir, "one.gguf")
	writeFakeModel(t, dir, "two.gguf")

	c := NewCatalog(dir)
	if err := c.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var ids []string
	for id := range c.entries {
		ids = append(ids, id)
	}

	if err := c.SetSelected(ids[0]); err != nil {
		t.Fatalf("SetSelected: %v", err)
	}
	if err := c.SetSelected(ids[1]); err != nil {
		t.Fatalf("SetSelected: %v", err)
	}

	e, err := c.RollbackSelection(1)
	if err != nil {
		t.Fatalf("RollbackSelection: %v", err)
	}
	if e.ID != ids[0] {
		t.Errorf("expected rollback to restore %q, got %q", ids[0], e.ID)
	}

	sel, ok := c.SelectedEntry()
	if !ok || sel.ID != ids[0] {
		t.Errorf("expected selected entry to reflect rollback, got %+v ok=%v", sel, ok)
	}
}

func TestModelSizeHintExtractsLeadingDigits(t *testing.T) {
	cases := map[string]int{
		"Llama-3-8B":   3,
		"Qwen2.5-14B":  2,
		"no-digits":    0,
	}
	for id, want := range cases {
		if got := modelSizeHint(id); got != want {
			t.Errorf("modelSizeHint(%q) = %d, want %d", id, got, want)
		}
	}
}
