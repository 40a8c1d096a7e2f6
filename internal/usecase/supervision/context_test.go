package supervision

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/usecase/compliance"
	"warden/internal/usecase/supervisor"
)

// liveSampler reports the fixed usage until the pid has been terminated;
// a killed process no longer produces samples.
type liveSampler struct {
	procs *nopProcs
	usage supervisor.ResourceUsage
}

func (s liveSampler) SampleUsage(pid domain.Pid) (supervisor.ResourceUsage, bool) {
	for _, p := range s.procs.terminated {
		if p == pid {
			return supervisor.ResourceUsage{}, false
		}
	}
	return s.usage, true
}

type nopProcs struct{ terminated []domain.Pid }

func (p *nopProcs) Terminate(pid domain.Pid) error {
	p.terminated = append(p.terminated, pid)
	return nil
}

func (p *nopProcs) Respawn(domain.AgentSpec) (domain.Pid, error) {
	return 0, domain.ErrNotAvailable
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Compliance.Enabled = true
	cfg.Compliance.StorePath = filepath.Join(t.TempDir(), "warden.db")
	cfg.Security.Audit.Enabled = true
	cfg.Security.Audit.Path = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.RPC.Enabled = false
	return cfg
}

func TestNewWiresComponentGraph(t *testing.T) {
	c, err := New(testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	for name, v := range map[string]any{
		"bus":        c.Bus,
		"telemetry":  c.Telemetry,
		"detector":   c.Detector,
		"supervisor": c.Supervisor,
		"policy":     c.Policy,
		"gateway":    c.Gateway,
		"compliance": c.Compliance,
		"store":      c.Store,
		"audit":      c.Audit,
	} {
		if v == nil {
			t.Errorf("%s not constructed", name)
		}
	}
	// The local fallback backend is always registered.
	if health, ok := c.Gateway.BackendHealth(domain.ProviderLocalFallback); !ok || health != 1.0 {
		t.Errorf("local backend health = %v ok=%v", health, ok)
	}
}

func TestLifecycleFlowsIntoCompliance(t *testing.T) {
	c, err := New(testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	procs := &nopProcs{}
	c.Supervisor.SetProcessController(procs)

	id, err := c.Supervisor.Spawn(ctx, domain.AgentSpec{Name: "worker"}, 4100)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	rec, ok := c.Compliance.Record(id)
	if !ok {
		t.Fatal("spawn did not reach the compliance tracker")
	}
	if rec.RiskLevel != compliance.RiskMinimal {
		t.Errorf("risk level = %v, want Minimal", rec.RiskLevel)
	}

	c.Supervisor.Exit(ctx, 4100, 0)
	rec, _ = c.Compliance.Record(id)
	if rec.ExitedAt.IsZero() {
		t.Error("exit did not close out the compliance record")
	}
}

func TestPeriodicHealthCheckHandlesEachFaultOnce(t *testing.T) {
	cfg := testConfig(t)
	// Tiny memory ceiling so every sampled agent faults.
	cfg.Fault.Limits.MemoryBytes = 1
	c, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	procs := &nopProcs{}
	c.Supervisor.SetProcessController(procs)
	c.Supervisor.SetUsageSampler(liveSampler{procs: procs, usage: supervisor.ResourceUsage{MemoryBytes: 64}})

	if _, err := c.Supervisor.Spawn(ctx, domain.AgentSpec{Name: "a"}, 4200); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := c.Supervisor.Spawn(ctx, domain.AgentSpec{Name: "b"}, 4201); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	handled := c.PeriodicHealthCheck(ctx)
	if handled != 2 {
		t.Errorf("handled = %d, want 2", handled)
	}
	if c.PeriodicHealthCheck(ctx) != 0 {
		t.Error("second sweep should be clean")
	}
}

func TestCloseIsIdempotentOnNilOptionals(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compliance.Enabled = false
	cfg.Security.Audit.Enabled = false
	c, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Store != nil || c.Audit != nil {
		t.Error("optional components should be nil when disabled")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
