// Command orchestratord wires the core session-orchestration components
// together with the ambient stack and a reference agent-runtime adapter, and
// runs a short smoke sequence. It does not expose an HTTP/WebSocket
// transport — that surface lives outside this repository's scope.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/agentruntime/acp"
	"github.com/kandev/sessionsup/internal/agentruntime/filewatch"
	"github.com/kandev/sessionsup/internal/agentruntime/mockrt"
	"github.com/kandev/sessionsup/internal/common/config"
	"github.com/kandev/sessionsup/internal/common/idcodec"
	"github.com/kandev/sessionsup/internal/common/logger"
	"github.com/kandev/sessionsup/internal/core/eventbus"
	"github.com/kandev/sessionsup/internal/core/eventbus/membus"
	"github.com/kandev/sessionsup/internal/core/eventbus/natsbus"
	"github.com/kandev/sessionsup/internal/core/process"
	"github.com/kandev/sessionsup/internal/core/supervisor"
	"github.com/kandev/sessionsup/internal/core/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	tp, err := newTracerProvider()
	if err != nil {
		return fmt.Errorf("build tracer provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	bus, closeBus, err := newBus(cfg.Events)
	if err != nil {
		return fmt.Errorf("build event bus: %w", err)
	}
	defer closeBus()

	factory, err := newAgentRuntimeFactory(cfg.AgentRuntime)
	if err != nil {
		return fmt.Errorf("build agent runtime: %w", err)
	}

	sup := supervisor.New(factory, bus, supervisor.Config{
		MaxWorkers:            cfg.Supervisor.MaxWorkers,
		IdlePreemptThreshold:  cfg.Supervisor.IdlePreemptThreshold(),
		DefaultPermissionMode: process.PermissionMode(cfg.Supervisor.DefaultPermissionMode),
		DefaultIdleTimeout:    cfg.Supervisor.IdleTimeout(),
		SessionIDWait:         cfg.Supervisor.SessionIDWait(),
	})

	trk := tracker.New(bus, sup, tracker.Config{
		Decay: cfg.ExternalTracker.Decay(),
		Grace: cfg.ExternalTracker.Grace(),
	})

	if cfg.AgentRuntime.WatchDir != "" {
		watcher, err := filewatch.New(bus, cfg.AgentRuntime.WatchDir, "")
		if err != nil {
			return fmt.Errorf("build file watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
		defer watcher.Close()
	}

	bus.SubscribeAll(func(evt eventbus.Event) {
		log.Debug("event", zap.String("kind", string(evt.Kind)))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	projectID := idcodec.EncodeProjectPath(".")
	admission, err := sup.StartSession(ctx, projectID, ".", "hello", process.ModeDefault)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if admission.Queued {
		log.Info("session queued", zap.String("queue_id", admission.QueueID), zap.Int("position", admission.Position))
		return nil
	}

	log.Info("session started", zap.String("process_id", admission.Process.ID()))
	log.Info("external ownership check",
		zap.String("session_id", admission.Process.SessionID()),
		zap.Bool("external", trk.IsExternal(admission.Process.SessionID())))
	return nil
}

// newTracerProvider builds the console-exporter TracerProvider described by
// the ambient stack: spans are logged through the structured logger rather
// than written to stdout directly, so they carry the same fields and
// destination as everything else this process emits. Swapping in an OTLP
// exporter later only touches this function.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(&consoleSpanExporter{log: logger.Default()}),
	), nil
}

// consoleSpanExporter is a minimal sdktrace.SpanExporter that logs finished
// spans at debug level. It exists so the default build has no dependency on
// an external collector.
type consoleSpanExporter struct {
	log *logger.Logger
}

func (e *consoleSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.log.Debug("span",
			zap.String("name", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())))
	}
	return nil
}

func (e *consoleSpanExporter) Shutdown(ctx context.Context) error { return nil }

// newBus selects the NATS-backed bus when Events.NATSURL is configured,
// falling back to the in-memory bus otherwise. The returned close func is
// always safe to defer unconditionally.
func newBus(cfg config.EventsConfig) (eventbus.Bus, func() error, error) {
	if cfg.NATSURL == "" {
		bus := membus.New()
		return bus, func() error { return nil }, nil
	}

	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	bus := natsbus.New(conn, cfg.Namespace)
	return bus, func() error {
		conn.Close()
		return nil
	}, nil
}

// newAgentRuntimeFactory selects the ACP-backed factory when configured,
// falling back to the scripted mock runtime otherwise.
func newAgentRuntimeFactory(cfg config.AgentRuntimeConfig) (agentruntime.Factory, error) {
	switch cfg.Kind {
	case "acp":
		if cfg.Command == "" {
			return nil, fmt.Errorf("acp runtime requires agentRuntime.command")
		}
		return acp.New(cfg.Command), nil
	case "mock", "":
		return mockrt.New(mockrt.Script{}), nil
	default:
		return nil, fmt.Errorf("unknown agent runtime kind %q", cfg.Kind)
	}
}
