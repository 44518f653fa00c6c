package dispatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ocx/agentkernel/internal/backend"
	"github.com/ocx/agentkernel/internal/catalog"
	"github.com/ocx/agentkernel/internal/engine"
	"github.com/ocx/agentkernel/internal/memproc"
	"github.com/ocx/agentkernel/internal/protocol"
)

// parseFrame splits a serialized response frame into its status prefix,
// code, and payload, for assertions.
func parseFrame(t *testing.T, frame []byte) (status, code, payload string) {
	t.Helper()
	s := string(frame)
	headerEnd := strings.Index(s, "\r\n")
	if headerEnd < 0 {
		t.Fatalf("frame missing header terminator: %q", s)
	}
	header := strings.Fields(s[:headerEnd])
	if len(header) != 3 {
		t.Fatalf("expected 3 header tokens, got %v", header)
	}
	return header[0], header[1], s[headerEnd+2:]
}

func writeModel(t *testing.T, dir, relPath string) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte("fake-gguf"), 0o644); err != nil {
		t.Fatalf("WriteFile model: %v", err)
	}
	tokPath := filepath.Join(filepath.Dir(full), "tokenizer.json")
	if err := os.WriteFile(tokPath, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile tokenizer: %v", err)
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	writeModel(t, dir, "llama/Meta-Llama-3-8B.gguf")
	writeModel(t, dir, "qwen/Qwen2.5-14B.gguf")

	cat := catalog.NewCatalog(dir)
	if err := cat.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	eng := engine.New(backend.LoadReference)
	mem, err := memproc.NewManager(memproc.Config{BlockSize: 4, HiddenDim: 4, TotalMemoryMB: 1, Quota: 4096})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return New(eng, cat, mem), dir
}

func TestPingRespondsPong(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpPing}, nil, 1)
	status, code, payload := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodePing || payload != "PONG" {
		t.Fatalf("unexpected PING response: %s %s %q", status, code, payload)
	}
}

func TestLoadWithoutSelectorAndNoSelectionFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, nil, 1)
	status, code, _ := parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeModelSelector {
		t.Fatalf("expected MODEL_SELECTOR error, got %s %s", status, code)
	}
}

func TestLoadByIDThenExecSpawnsProcess(t *testing.T) {
	d, _ := newTestDispatcher(t)

	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, []byte("llama/Meta-Llama-3-8B"), 1)
	status, code, _ := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeGeneric {
		t.Fatalf("expected LOAD success, got %s %s", status, code)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpExec}, []byte("hello there"), 7)
	status, code, payload := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeGeneric {
		t.Fatalf("expected EXEC success, got %s %s %q", status, code, payload)
	}
	if !strings.Contains(payload, "Process Started PID:") {
		t.Fatalf("unexpected EXEC payload: %q", payload)
	}
}

func TestExecWithoutModelLoadedReportsNoModel(t *testing.T) {
	d, dir := newTestDispatcher(t)
	// Remove every .gguf so workload selection can never pick a model.
	os.RemoveAll(dir)

	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpExec}, []byte("ping"), 1)
	status, code, _ := parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeNoModel {
		t.Fatalf("expected NO_MODEL, got %s %s", status, code)
	}
}

func TestSetGenAndGetGenRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, []byte("llama/Meta-Llama-3-8B"), 1)

	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpSetGen}, []byte("temperature=1.2;max_tokens=10"), 1)
	status, code, payload := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeSetGen {
		t.Fatalf("expected SET_GEN success, got %s %s", status, code)
	}
	if !strings.Contains(payload, "temperature=1.2") || !strings.Contains(payload, "max_tokens=10") {
		t.Fatalf("unexpected SET_GEN payload: %q", payload)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpGetGen}, nil, 1)
	_, code, payload = parseFrame(t, frame)
	if code != protocol.CodeGetGen || !strings.Contains(payload, "temperature=1.2") {
		t.Fatalf("GET_GEN did not reflect prior SET_GEN: %q", payload)
	}
}

func TestSetGenRejectsOutOfRangeTemperature(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, []byte("llama/Meta-Llama-3-8B"), 1)

	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpSetGen}, []byte("temperature=5"), 1)
	status, code, _ := parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeSetGenInvalid {
		t.Fatalf("expected SET_GEN_INVALID, got %s %s", status, code)
	}
}

func TestTermAndKillRequirePid(t *testing.T) {
	d, _ := newTestDispatcher(t)

	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpTerm}, nil, 1)
	status, code, _ := parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeMissingPID {
		t.Fatalf("expected MISSING_PID, got %s %s", status, code)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpKill}, []byte("not-a-pid"), 1)
	status, code, _ = parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeInvalidPID {
		t.Fatalf("expected INVALID_PID, got %s %s", status, code)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpKill}, []byte("999"), 1)
	status, code, _ = parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodePIDNotFound {
		t.Fatalf("expected PID_NOT_FOUND, got %s %s", status, code)
	}
}

func TestKillRemovesSpawnedProcess(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, []byte("llama/Meta-Llama-3-8B"), 1)
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpExec}, []byte("hi"), 1)
	_, _, payload := parseFrame(t, frame)
	pid := pidFromPayload(t, payload)

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpKill}, []byte(strconv.FormatUint(pid, 10)), 1)
	status, code, _ := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeKill {
		t.Fatalf("expected KILL success, got %s %s", status, code)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpKill}, []byte(strconv.FormatUint(pid, 10)), 1)
	status, code, _ = parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodePIDNotFound {
		t.Fatalf("expected a second KILL to report PID_NOT_FOUND, got %s %s", status, code)
	}
}

func TestStatusGlobalSnapshotAndPerProcessLine(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, []byte("llama/Meta-Llama-3-8B"), 1)
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpExec}, []byte("hi"), 1)
	_, _, execPayload := parseFrame(t, frame)
	pid := pidFromPayload(t, execPayload)

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpStatus}, nil, 1)
	status, code, payload := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeStatus {
		t.Fatalf("expected STATUS success, got %s %s", status, code)
	}
	if !strings.Contains(payload, "total_exec_started=1") {
		t.Fatalf("expected total_exec_started=1 in global status, got %q", payload)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpStatus}, []byte(strconv.FormatUint(pid, 10)), 1)
	status, code, payload = parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeStatus {
		t.Fatalf("expected per-pid STATUS success, got %s %s", status, code)
	}
	if !strings.Contains(payload, fmt.Sprintf("pid=%d", pid)) {
		t.Fatalf("expected per-pid status line to name the pid: %q", payload)
	}

	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpStatus}, []byte("not-numeric"), 1)
	status, code, _ = parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeStatusInvalid {
		t.Fatalf("expected STATUS_INVALID, got %s %s", status, code)
	}
}

func TestMemWTextFormWritesThroughAfterRegistration(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpLoad}, []byte("llama/Meta-Llama-3-8B"), 1)
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpExec}, []byte("hi"), 1)
	_, _, execPayload := parseFrame(t, frame)
	pid := pidFromPayload(t, execPayload)

	memw := fmt.Sprintf("%d|abcdefgh", pid)
	frame = d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpMemWrite}, []byte(memw), 1)
	status, code, _ := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeMemW {
		t.Fatalf("expected MEMW success, got %s %s", status, code)
	}
}

func TestMemWEmptyPayloadIsInvalid(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpMemWrite}, nil, 1)
	status, code, _ := parseFrame(t, frame)
	if status != "-ERR" || code != protocol.CodeMemWInvalid {
		t.Fatalf("expected MEMW_INVALID, got %s %s", status, code)
	}
}

func TestShutdownSetsFlag(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if d.ShutdownRequested() {
		t.Fatal("expected shutdown to start false")
	}
	frame := d.Dispatch(protocol.CommandHeader{OpCode: protocol.OpShutdown}, nil, 1)
	status, code, _ := parseFrame(t, frame)
	if status != "+OK" || code != protocol.CodeShutdown {
		t.Fatalf("expected SHUTDOWN success, got %s %s", status, code)
	}
	if !d.ShutdownRequested() {
		t.Fatal("expected shutdown flag to be set")
	}
}

func pidFromPayload(t *testing.T, payload string) uint64 {
	t.Helper()
	const marker = "Process Started PID: "
	idx := strings.Index(payload, marker)
	if idx < 0 {
		t.Fatalf("payload missing pid marker: %q", payload)
	}
	pid, err := strconv.ParseUint(strings.TrimSpace(payload[idx+len(marker):]), 10, 64)
	if err != nil {
		t.Fatalf("parsing pid from payload %q: %v", payload, err)
	}
	return pid
}
