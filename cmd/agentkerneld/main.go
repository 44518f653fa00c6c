// Command agentkerneld runs the single-node agent kernel: it loads the
// runtime config, wires the memory manager, model catalogue, sandboxed
// tool executor, engine, dispatcher and scheduler together, and drives the
// cooperative event loop over the control-protocol TCP listener.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ocx/agentkernel/internal/audit"
	"github.com/ocx/agentkernel/internal/backend"
	"github.com/ocx/agentkernel/internal/catalog"
	"github.com/ocx/agentkernel/internal/config"
	"github.com/ocx/agentkernel/internal/dispatcher"
	"github.com/ocx/agentkernel/internal/engine"
	"github.com/ocx/agentkernel/internal/memproc"
	"github.com/ocx/agentkernel/internal/metrics"
	"github.com/ocx/agentkernel/internal/protocol"
	"github.com/ocx/agentkernel/internal/sandbox"
	"github.com/ocx/agentkernel/internal/scheduler"
	"github.com/ocx/agentkernel/internal/transport"
)

// tickInterval bounds how long the main loop waits for new I/O before
// running the next scheduler tick. The reference implementation polls
// with a 5ms timeout; transport.ReadDeadline already drives the per-read
// non-blocking behavior, so this is the cadence at which idle connections
// are revisited.
const tickInterval = 5 * time.Millisecond

// clientRegistry maps client ids to their transport.Client, satisfying
// scheduler.ClientRegistry without the scheduler package importing
// transport.
type clientRegistry struct {
	mu      sync.Mutex
	clients map[uint64]*transport.Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[uint64]*transport.Client)}
}

func (r *clientRegistry) Get(id uint64) (scheduler.ClientWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *clientRegistry) add(c *transport.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

func (r *clientRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *clientRegistry) snapshot() []*transport.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*transport.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func main() {
	cfg := config.Get()

	level := slog.LevelInfo
	if err := (&level).UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("agentkerneld starting", "listen", cfg.Listen.Addr, "models_dir", cfg.Paths.ModelsDir)

	if err := os.MkdirAll(cfg.Paths.WorkspaceDir, 0o755); err != nil {
		slog.Error("failed to create workspace dir", "error", err)
		os.Exit(1)
	}

	mem, err := memproc.NewManager(memproc.Config{
		BlockSize:     cfg.Memory.BlockSize,
		HiddenDim:     cfg.Memory.HiddenDim,
		TotalMemoryMB: cfg.Memory.TotalMemoryMB,
		Quota:         cfg.Memory.TokenSlotQuotaPerPID,
	})
	if err != nil {
		slog.Error("fatal: memory pool construction failed", "error", err)
		os.Exit(1)
	}
	if cfg.Swap.Enabled {
		if err := mem.EnableSwap(cfg.Swap.Dir, 64); err != nil {
			slog.Warn("async swap disabled", "error", err)
		}
	}
	if cfg.Mirror.RedisAddr != "" {
		if mirror, err := memproc.NewMirror(cfg.Mirror.RedisAddr, cfg.Mirror.RedisPassword, cfg.Mirror.RedisDB); err != nil {
			slog.Warn("tensor mirror unavailable, continuing without it", "error", err)
		} else {
			mem.SetMirror(mirror)
		}
	}

	cat := catalog.NewCatalog(cfg.Paths.ModelsDir)
	if err := cat.Discover(); err != nil {
		slog.Warn("initial model catalogue discovery failed", "error", err)
	}

	met := metrics.New()

	chain := audit.NewChain()
	var pool *sandbox.ContainerPool
	if cfg.Sandbox.Mode == config.SandboxContainer {
		pool = sandbox.NewContainerPool(cfg.Paths.WorkspaceDir, cfg.Sandbox.PoolMax)
	}
	tools, err := sandbox.NewExecutor(sandbox.Config{
		WorkspaceRoot:     cfg.Paths.WorkspaceDir,
		Mode:              sandboxModeFrom(cfg.Sandbox.Mode),
		Timeout:           time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		AllowHostFallback: cfg.Sandbox.AllowHostFallback,
		WindowSeconds:     cfg.Sandbox.WindowSeconds,
		MaxCallsPerWindow: cfg.Sandbox.MaxCallsPerWindow,
		ErrorBurstKill:    cfg.Sandbox.ErrorBurstKill,
		Pool:              pool,
		Chain:             chain,
		OnCall: func(mode sandbox.Mode, success, kill bool, killReason string, duration time.Duration) {
			met.RecordSandboxCall(string(mode), success, kill, killReason, duration)
		},
	})
	if err != nil {
		slog.Error("fatal: sandbox executor construction failed", "error", err)
		os.Exit(1)
	}

	eng := engine.New(backend.LoadReference)
	disp := dispatcher.New(eng, cat, mem)

	registry := newClientRegistry()
	sched := scheduler.New(eng, mem, registry, tools)

	ln, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		slog.Error("fatal: control socket listen failed", "error", err, "addr", cfg.Listen.Addr)
		os.Exit(1)
	}
	slog.Info("control socket listening", "addr", cfg.Listen.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := met.Serve(ctx, cfg.Metrics.Addr); err != nil {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	go acceptLoop(ctx, ln, registry)

	runEventLoop(ctx, disp, sched, registry, met)

	slog.Info("agentkerneld shutting down")
	_ = ln.Close()
}

func sandboxModeFrom(mode config.SandboxMode) sandbox.Mode {
	switch mode {
	case config.SandboxContainer:
		return sandbox.Container
	case config.SandboxWasm:
		return sandbox.Wasm
	default:
		return sandbox.Host
	}
}

var nextClientID uint64 = 1
var clientIDMu sync.Mutex

func allocClientID() uint64 {
	clientIDMu.Lock()
	defer clientIDMu.Unlock()
	id := nextClientID
	nextClientID++
	return id
}

// acceptLoop accepts connections until ctx is cancelled, registering each
// one with the shared client registry so the event loop can poll it.
func acceptLoop(ctx context.Context, ln net.Listener, registry *clientRegistry) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			slog.Warn("accept failed", "error", err)
			continue
		}
		client := transport.NewClient(allocClientID(), conn)
		registry.add(client)
		slog.Debug("client connected", "client_id", client.ID, "remote", conn.RemoteAddr())
	}
}

// runEventLoop is the single-threaded cooperative core: on every iteration
// it drains ready I/O across every registered client, dispatches whatever
// commands that produced, then runs exactly one scheduler tick. SHUTDOWN
// is observed at the top of the next iteration, draining the current one
// first.
func runEventLoop(ctx context.Context, disp *dispatcher.Dispatcher, sched *scheduler.Scheduler, registry *clientRegistry, met *metrics.Metrics) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if disp.ShutdownRequested() {
			return
		}

		for _, client := range registry.snapshot() {
			cmds, closeConn := client.ReadAvailable()
			for _, cmd := range cmds {
				if cmd.Err != nil {
					client.QueueWrite(protocol.ResponseErr(protocol.CodeBadHeader, cmd.Err.Error()))
					continue
				}
				resp := disp.Dispatch(cmd.Header, cmd.Payload, client.ID)
				client.QueueWrite(resp)
			}
			if client.HasPendingWrite() {
				if client.Flush() {
					closeConn = true
				}
			}
			if closeConn {
				_ = client.Conn.Close()
				registry.remove(client.ID)
			}
		}

		sched.SetFamily(disp.ActiveFamily())
		stats := sched.Tick()
		met.RecordTick(stats.Duration, stats.Stepped, stats.SyscallsRun, stats.ProcessesReaped)
	}
}
