package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/backend/sqlbackend"
	"github.com/Mindburn-Labs/dashkernel/pkg/config"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel"
	"github.com/Mindburn-Labs/dashkernel/pkg/limiter"
	"github.com/Mindburn-Labs/dashkernel/pkg/observability"
)

// seedFile pre-populates a backend before a script runs.
type seedFile struct {
	Entities    []*backend.Entity   `json:"entities"`
	Permissions backend.Permissions `json:"permissions"`
}

// subsystems are the collaborators of one run, closed in reverse order.
type subsystems struct {
	backend   backend.Backend
	telemetry *observability.Provider
	schedOpts []kernel.Option
	closers   []func()
}

func (s *subsystems) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Dev {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func startSubsystems(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*subsystems, error) {
	s := &subsystems{}

	switch cfg.BackendDriver {
	case "memory":
		s.backend = backend.NewMemory()
	default:
		b, err := sqlbackend.Open(ctx, cfg.BackendDriver, cfg.BackendDSN)
		if err != nil {
			return nil, err
		}
		s.backend = b
		s.closers = append(s.closers, func() { _ = b.Close() })
	}

	s.schedOpts = append(s.schedOpts,
		kernel.WithDefaultTimeout(cfg.InvokeTimeout),
		kernel.WithMaxInFlight(cfg.MaxInFlight),
	)

	if cfg.LimitRPS > 0 {
		policy := limiter.Policy{RPS: cfg.LimitRPS, Burst: cfg.LimitBurst}
		var store limiter.Store = limiter.NewLocalStore()
		if cfg.RedisAddr != "" {
			rs := limiter.NewRedisStore(cfg.RedisAddr, "", 0)
			if err := rs.Ping(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("redis limiter at %s: %w", cfg.RedisAddr, err)
			}
			s.closers = append(s.closers, func() { _ = rs.Close() })
			store = rs
		}
		s.schedOpts = append(s.schedOpts, kernel.WithLimiter(store, policy))
		logger.Info("invoke backpressure enabled", "rps", policy.RPS, "burst", policy.Burst, "redis", cfg.RedisAddr != "")
	}

	if cfg.Telemetry {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		if !cfg.Dev {
			obsCfg.Environment = "production"
		}
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.telemetry = p
		s.closers = append(s.closers, func() {
			if err := p.Shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		})
	}
	return s, nil
}

// seedBackend applies a seed file through whatever seeding the backend supports.
func seedBackend(ctx context.Context, b backend.Backend, workspace, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed %q: %w", path, err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed %q: %w", path, err)
	}

	switch sb := b.(type) {
	case *backend.Memory:
		sb.Seed(workspace, seed.Entities...)
		sb.SetPermissions(workspace, seed.Permissions)
	case *sqlbackend.Backend:
		for _, e := range seed.Entities {
			if _, err := sb.CreateEntity(ctx, workspace, e); err != nil {
				return fmt.Errorf("seed %s: %w", e.Ref, err)
			}
		}
		for name, granted := range seed.Permissions {
			if err := sb.SetPermission(ctx, workspace, name, granted); err != nil {
				return fmt.Errorf("seed permission %s: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("backend %T cannot be seeded", b)
	}
	return nil
}
