package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"warden/internal/adapter/procman"
	"warden/internal/adapter/rpc"
	"warden/internal/infra/config"
	"warden/internal/infra/logger"
	"warden/internal/infra/middleware"
	"warden/internal/infra/tracer"
	"warden/internal/security"
	"warden/internal/usecase/scheduling"
	"warden/internal/usecase/supervision"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`warden - Agent supervision and control plane

USAGE:
    warden [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: WARDEN_* variables override config

EXAMPLES:
    warden                               # Run with config.yaml (or defaults)
    warden --config /etc/warden.yaml     # Run with a custom config`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// buildAuthenticator picks the RPC authenticator from config. With no
// tokens configured the server accepts any client, which is only sane
// on a loopback bind.
func buildAuthenticator(cfg config.AuthConfig) (security.Authenticator, error) {
	switch cfg.Type {
	case "static":
		if len(cfg.Tokens) == 0 {
			return nil, fmt.Errorf("rpc auth type %q requires at least one token", cfg.Type)
		}
		return security.NewStaticTokenAuth(cfg.Tokens), nil
	case "", "none":
		return security.AllowAllAuth{}, nil
	default:
		return nil, fmt.Errorf("unknown rpc auth type: %s", cfg.Type)
	}
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	rootCtx := context.Background()
	tracerShutdown, err := tracer.Setup(rootCtx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(rootCtx)

	// 3. Control plane (bus, telemetry, fault detector, supervisor,
	// policy, gateway, compliance, audit).
	sctx, err := supervision.New(cfg, log)
	if err != nil {
		return fmt.Errorf("supervision: %w", err)
	}
	defer func() {
		if err := sctx.Close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	if cfg.Security.SigningKey != "" {
		minter, err := security.NewTokenMinter(cfg.Security.SigningKey)
		if err != nil {
			return fmt.Errorf("token minter: %w", err)
		}
		sctx.Policy.SetTokenVerifier(minter)
	}

	// 4. Process manager
	var procs *procman.Manager
	if cfg.Procman.Enabled {
		procs = procman.NewManager(cfg.Procman, sctx.Supervisor, log)
		sctx.Supervisor.SetProcessController(procs)
		sctx.Supervisor.SetUsageSampler(procman.NewProcSampler())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Procman.KillGrace+5*time.Second)
			defer cancel()
			procs.Stop(stopCtx)
		}()
	}

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 6. Maintenance jobs
	scheduler := scheduling.New(log)
	if schedule := cfg.Supervisor.HealthCheckSchedule; schedule != "" {
		if err := scheduler.AddJob("health_check", schedule, func(jobCtx context.Context) error {
			sctx.PeriodicHealthCheck(jobCtx)
			return nil
		}); err != nil {
			return fmt.Errorf("health check schedule: %w", err)
		}
	}
	if sctx.Audit != nil {
		if err := scheduler.AddJob("audit_retention", "@every 1h", func(jobCtx context.Context) error {
			removed, err := sctx.Audit.EnforceRetention(jobCtx)
			if removed > 0 {
				log.Info("audit retention enforced", "removed", removed)
			}
			return err
		}); err != nil {
			return fmt.Errorf("audit retention schedule: %w", err)
		}
	}
	scheduler.Start(rootCtx)
	defer scheduler.Stop()

	// 7. RPC server
	var srv *rpc.Server
	if cfg.RPC.Enabled {
		auth, err := buildAuthenticator(cfg.RPC.Auth)
		if err != nil {
			return fmt.Errorf("rpc auth: %w", err)
		}
		srv = rpc.NewServer(sctx.Bus, auth, cfg.RPC.Addr, log)
		if cfg.RPC.RateLimitPerMin > 0 {
			srv.SetRateLimit(middleware.RateLimitConfig{
				RequestsPerMin: cfg.RPC.RateLimitPerMin,
				BurstSize:      cfg.RPC.RateLimitBurst,
				TrustedProxies: cfg.RPC.TrustedProxies,
			})
		}
		rpc.RegisterDefaultHandlers(srv, rpc.HandlerDeps{
			Supervisor: sctx.Supervisor,
			Telemetry:  sctx.Telemetry,
			Policy:     sctx.Policy,
			Gateway:    sctx.Gateway,
			Compliance: sctx.Compliance,
			Procs:      procs,
			Logger:     log,
		})
		srv.RegisterHandler("scheduler.status", func(context.Context, *security.ClientInfo, json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(scheduler.Status())
		})
		srv.RegisterHandler("telemetry.profile", func(context.Context, *security.ClientInfo, json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(srv.Profile())
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("rpc server error", "error", err)
				cancel()
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := srv.Stop(stopCtx); err != nil {
				log.Error("rpc stop error", "error", err)
			}
		}()
	}

	log.Info("warden started",
		"rpc", cfg.RPC.Enabled,
		"rpc_addr", cfg.RPC.Addr,
		"procman", cfg.Procman.Enabled,
		"compliance", cfg.Compliance.Enabled,
		"health_check", cfg.Supervisor.HealthCheckSchedule,
		"recovery_preset", cfg.Fault.RecoveryPreset,
	)

	<-ctx.Done()
	log.Info("warden shutting down")
	return nil
}
