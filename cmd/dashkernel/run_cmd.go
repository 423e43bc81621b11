package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/dashboard"
	"github.com/Mindburn-Labs/dashkernel/pkg/eventbus"
	"github.com/Mindburn-Labs/dashkernel/pkg/journal"
)

// scriptStep is one command of a script file. Async steps are dispatched
// without waiting for their event.
type scriptStep struct {
	contracts.Command
	Async bool
}

// runScriptCmd implements `dashkernel run`.
//
// Exit codes:
//
//	0 = every command resolved
//	1 = at least one command failed or was rejected
//	2 = runtime error
func runScriptCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scriptPath  string
		seedPath    string
		watch       string
		configPath  string
		journalPath string
		timeout     time.Duration
	)
	cmd.StringVar(&scriptPath, "script", "", "Path to a JSON array of commands (REQUIRED)")
	cmd.StringVar(&seedPath, "seed", "", "Path to a JSON seed of entities and permissions")
	cmd.StringVar(&watch, "watch", "", "CEL expression over `event`; only matching events are printed")
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&journalPath, "journal", "", "Write the hash-chained event journal to this file")
	cmd.DurationVar(&timeout, "timeout", 30*time.Second, "Upper bound for each command and for draining async commands")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if scriptPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -script is required")
		return 2
	}

	steps, err := readScript(scriptPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var printFilter eventbus.Predicate
	if watch != "" {
		if printFilter, err = eventbus.CompilePredicate(watch); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: -watch: %v\n", err)
			return 2
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subs, err := startSubsystems(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer subs.Close()
	if seedPath != "" {
		if err := seedBackend(ctx, subs.backend, cfg.Workspace, seedPath); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	var journalOpts []journal.Option
	if journalPath != "" {
		f, err := os.Create(journalPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer func() { _ = f.Close() }()
		journalOpts = append(journalOpts, journal.WithSink(f))
	}
	jr := journal.New(journalOpts...)

	engine, err := dashboard.NewEngine(dashboard.EngineConfig{
		Backend:          subs.backend,
		Workspace:        cfg.Workspace,
		Features:         cfg.Features,
		Options:          dashboard.Options{ConnectedTTL: cfg.QueryTTL},
		StrictReducers:   cfg.Dev,
		Logger:           logger,
		Telemetry:        subs.telemetry,
		Journal:          jr,
		SchedulerOptions: subs.schedOpts,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer engine.Close()

	var (
		mu     sync.Mutex
		failed bool
	)
	engine.Bus.Subscribe(nil, func(evt contracts.Event) {
		mu.Lock()
		defer mu.Unlock()
		if evt.Failed() {
			failed = true
		}
		if printFilter != nil && !printFilter(evt) {
			return
		}
		raw, err := contracts.EncodeEvent(evt)
		if err == nil {
			_, err = stdout.Write(append(raw, '\n'))
		}
		if err != nil {
			logger.Error("write event", "event_type", evt.Type, "error", err)
		}
	})

	for i, step := range steps {
		if step.Async {
			engine.Dispatch(ctx, step.Command)
			continue
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := engine.DispatchAndWait(stepCtx, step.Command)
		cancel()
		if err != nil && ctx.Err() != nil {
			_, _ = fmt.Fprintf(stderr, "Error: interrupted at step %d: %v\n", i, err)
			return 2
		}
		if err != nil {
			logger.Warn("step produced no event", "step", i, "command_type", step.Type, "error", err)
		}
	}
	if err := drain(ctx, engine, timeout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := jr.Verify(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: journal: %v\n", err)
		return 2
	}
	logger.Info("script finished", "events", jr.Len(), "journal_head", jr.Head())

	mu.Lock()
	defer mu.Unlock()
	if failed {
		return 1
	}
	return 0
}

func readScript(path string) ([]scriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %q: %w", path, err)
	}
	cmds, err := contracts.DecodeCommands(data)
	if err != nil {
		return nil, fmt.Errorf("parse script %q: %w", path, err)
	}
	// A single command object carries no step options.
	var opts []struct {
		Async bool `json:"async"`
	}
	_ = json.Unmarshal(data, &opts)

	steps := make([]scriptStep, len(cmds))
	for i, c := range cmds {
		steps[i] = scriptStep{Command: c, Async: i < len(opts) && opts[i].Async}
	}
	return steps, nil
}

// drain waits until no lane is running.
func drain(ctx context.Context, engine *dashboard.Engine, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for engine.Scheduler.Running() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("lanes still running after timeout")
		case <-tick.C:
		}
	}
	return nil
}
