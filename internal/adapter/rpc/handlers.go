package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"warden/internal/adapter/procman"
	"warden/internal/domain"
	"warden/internal/security"
	"warden/internal/usecase/compliance"
	"warden/internal/usecase/gateway"
	"warden/internal/usecase/policy"
	"warden/internal/usecase/supervisor"
	"warden/internal/usecase/telemetry"
)

// HandlerDeps holds the control-plane components the RPC handlers call into.
// Components may be nil when a subsystem is disabled; handlers then degrade
// to an EAGAIN-class error instead of panicking.
type HandlerDeps struct {
	Supervisor *supervisor.Supervisor
	Telemetry  *telemetry.Aggregator
	Policy     *policy.Controller
	Gateway    *gateway.Gateway
	Compliance *compliance.Tracker
	Procs      *procman.Manager
	Logger     *slog.Logger
}

// maxProcExport caps the caller-supplied telemetry.proc buffer size.
const maxProcExport = 64 * 1024

var llmRequestSchema = jsonschema.MustCompileString("llm_request.json", `{
	"type": "object",
	"required": ["agent_id", "prompt"],
	"properties": {
		"agent_id": {"type": "integer", "minimum": 0},
		"prompt": {"type": "string", "minLength": 1},
		"max_tokens": {"type": "integer", "minimum": 1},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"preferred_provider": {"type": "string"},
		"system_message": {"type": "string"},
		"timeout_ms": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`)

// requireAdmin wraps a mutating handler with a role check. Tokens carrying
// no roles are treated as admin so single-operator deployments keep working.
func requireAdmin(handler Handler) Handler {
	return func(ctx context.Context, client *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if len(client.Roles) > 0 && !client.HasRole("admin") {
			return nil, domain.NewSubSystemError("rpc", "authorize", domain.ErrPermissionDenied, "admin role required")
		}
		return handler(ctx, client, payload)
	}
}

// RegisterDefaultHandlers registers the syscall-style RPC surface.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("telemetry.get", telemetryGetHandler(deps))
	s.RegisterHandler("telemetry.proc", telemetryProcHandler(deps))
	s.RegisterHandler("policy.update", requireAdmin(policyUpdateHandler(deps)))
	s.RegisterHandler("agent.info", agentInfoHandler(deps))
	s.RegisterHandler("agent.list", agentListHandler(deps))
	s.RegisterHandler("llm.request", llmRequestHandler(deps))
	s.RegisterHandler("compliance.export", complianceExportHandler(deps))
	s.RegisterHandler("compliance.report", complianceReportHandler(deps))
	s.RegisterHandler("gateway.metrics", gatewayMetricsHandler(deps))
	s.RegisterHandler("proc.launch", requireAdmin(procLaunchHandler(deps)))
	s.RegisterHandler("proc.terminate", requireAdmin(procTerminateHandler(deps)))
	s.RegisterHandler("proc.poll", procPollHandler(deps))
	s.RegisterHandler("proc.list", procListHandler(deps))
}

// --- telemetry ---

func telemetryGetHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if deps.Telemetry == nil {
			return nil, domain.NewSubSystemError("rpc", "telemetry.get", domain.ErrNotInitialized, "telemetry disabled")
		}
		return json.Marshal(deps.Telemetry.Snapshot())
	}
}

type telemetryProcRequest struct {
	Size int `json:"size"`
}

type telemetryProcResponse struct {
	BytesWritten int    `json:"bytes_written"`
	Text         string `json:"text"`
}

func telemetryProcHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Telemetry == nil {
			return nil, domain.NewSubSystemError("rpc", "telemetry.proc", domain.ErrNotInitialized, "telemetry disabled")
		}
		var req telemetryProcRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.NewSubSystemError("rpc", "telemetry.proc", domain.ErrInvalidInput, err.Error())
			}
		}
		if req.Size < 0 {
			return nil, domain.NewSubSystemError("rpc", "telemetry.proc", domain.ErrInvalidInput, "negative buffer size")
		}
		if req.Size == 0 || req.Size > maxProcExport {
			req.Size = maxProcExport
		}
		buf := make([]byte, req.Size)
		n := deps.Telemetry.ExportProc(buf)
		return json.Marshal(telemetryProcResponse{BytesWritten: n, Text: string(buf[:n])})
	}
}

// --- policy ---

type policyUpdateRequest struct {
	AgentID     domain.AgentID `json:"agent_id"`
	PatchType   string         `json:"patch_type"`
	Capability  string         `json:"capability,omitempty"`
	Scope       *domain.Scope  `json:"scope,omitempty"`
	MaxRestarts uint32         `json:"max_restarts,omitempty"`
}

func policyUpdateHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, client *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Policy == nil {
			return nil, domain.NewSubSystemError("rpc", "policy.update", domain.ErrNotInitialized, "policy engine disabled")
		}
		var req policyUpdateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewSubSystemError("rpc", "policy.update", domain.ErrInvalidInput, err.Error())
		}

		var patch domain.PolicyPatch
		switch domain.PatchKind(req.PatchType) {
		case domain.PatchAddCapability:
			c, err := domain.ParseCapability(req.Capability)
			if err != nil {
				return nil, err
			}
			patch = domain.AddCapabilityPatch(c)
		case domain.PatchRemoveCapability:
			c, err := domain.ParseCapability(req.Capability)
			if err != nil {
				return nil, err
			}
			patch = domain.RemoveCapabilityPatch(c)
		case domain.PatchUpdateScope:
			if req.Scope == nil {
				return nil, domain.NewSubSystemError("rpc", "policy.update", domain.ErrInvalidPatch, "update_scope requires a scope")
			}
			patch = domain.UpdateScopePatch(*req.Scope)
		case domain.PatchEnableAutoRestart:
			patch = domain.EnableAutoRestartPatch(req.MaxRestarts)
		case domain.PatchDisableAutoRestart:
			patch = domain.DisableAutoRestartPatch()
		default:
			return nil, domain.NewSubSystemError("rpc", "policy.update", domain.ErrInvalidPatch, req.PatchType)
		}

		if err := deps.Policy.UpdatePolicy(ctx, client.Name, req.AgentID, patch); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"applied": true})
	}
}

// --- agents ---

type agentInfoRequest struct {
	AgentID domain.AgentID `json:"agent_id"`
}

type agentInfoResponse struct {
	Text string `json:"text"`
}

func agentInfoHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Supervisor == nil {
			return nil, domain.NewSubSystemError("rpc", "agent.info", domain.ErrNotInitialized, "supervisor disabled")
		}
		var req agentInfoRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewSubSystemError("rpc", "agent.info", domain.ErrInvalidInput, err.Error())
		}
		meta, ok := deps.Supervisor.Agent(req.AgentID)
		if !ok {
			return nil, domain.NewSubSystemError("rpc", "agent.info", domain.ErrAgentNotFound, fmt.Sprintf("agent %d", req.AgentID))
		}
		return json.Marshal(agentInfoResponse{Text: renderAgentInfo(meta)})
	}
}

func renderAgentInfo(meta domain.AgentMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent ID:      %d\n", meta.AgentID)
	fmt.Fprintf(&b, "PID:           %d\n", meta.Pid)
	fmt.Fprintf(&b, "Name:          %s\n", meta.Name)
	fmt.Fprintf(&b, "Active:        %t\n", meta.Active)
	fmt.Fprintf(&b, "Auto-Restart:  %t (max %d)\n", meta.AutoRestart, meta.MaxRestarts)
	fmt.Fprintf(&b, "Restarts:      %d\n", meta.RestartCount)
	fmt.Fprintf(&b, "Uptime:        %s\n", meta.Uptime().Round(time.Second))
	fmt.Fprintf(&b, "Capabilities:  %d\n", len(meta.Capabilities))
	return b.String()
}

func agentListHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if deps.Supervisor == nil {
			return nil, domain.NewSubSystemError("rpc", "agent.list", domain.ErrNotInitialized, "supervisor disabled")
		}
		return json.Marshal(deps.Supervisor.Agents())
	}
}

// --- llm ---

func llmRequestHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Gateway == nil {
			return nil, domain.NewSubSystemError("rpc", "llm.request", domain.ErrNotInitialized, "gateway disabled")
		}
		var raw any
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, domain.NewSubSystemError("rpc", "llm.request", domain.ErrInvalidInput, err.Error())
		}
		if err := llmRequestSchema.Validate(raw); err != nil {
			return nil, domain.NewSubSystemError("rpc", "llm.request", domain.ErrInvalidInput, err.Error())
		}
		var req domain.LLMRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewSubSystemError("rpc", "llm.request", domain.ErrInvalidInput, err.Error())
		}

		resp, err := deps.Gateway.RouteRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

// --- reports ---

type complianceExportRequest struct {
	Framework string `json:"framework,omitempty"`
}

func complianceExportHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req complianceExportRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.NewSubSystemError("rpc", "compliance.export", domain.ErrInvalidInput, err.Error())
			}
		}
		if req.Framework == "eu_ai_act" {
			return json.Marshal(deps.Policy.ExportEUAIActReport())
		}
		return json.Marshal(deps.Policy.ExportCompliance())
	}
}

type complianceReportRequest struct {
	Format string `json:"format,omitempty"` // "json" (default) or "text"
}

func complianceReportHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Compliance == nil {
			return nil, domain.NewSubSystemError("rpc", "compliance.report", domain.ErrNotInitialized, "compliance disabled")
		}
		var req complianceReportRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.NewSubSystemError("rpc", "compliance.report", domain.ErrInvalidInput, err.Error())
			}
		}
		report := deps.Compliance.GenerateReport()
		if req.Format == "text" {
			return json.Marshal(map[string]string{"text": report.ToText()})
		}
		return json.Marshal(report)
	}
}

// --- managed processes ---

type procLaunchRequest struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`
	AutoRestart bool     `json:"auto_restart,omitempty"`
	MaxRestarts uint32   `json:"max_restarts,omitempty"`
}

type procLaunchResponse struct {
	AgentID domain.AgentID `json:"agent_id"`
	Pid     domain.Pid     `json:"pid"`
}

func procLaunchHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Procs == nil {
			return nil, domain.NewSubSystemError("rpc", "proc.launch", domain.ErrNotInitialized, "process manager disabled")
		}
		var req procLaunchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewSubSystemError("rpc", "proc.launch", domain.ErrInvalidInput, err.Error())
		}
		if req.Command == "" {
			return nil, domain.NewSubSystemError("rpc", "proc.launch", domain.ErrInvalidInput, "command is required")
		}
		spec := domain.AgentSpec{
			Name:        req.Name,
			AutoRestart: req.AutoRestart,
			MaxRestarts: req.MaxRestarts,
		}
		id, pid, err := deps.Procs.Launch(ctx, spec, req.Command, req.Args, req.WorkDir)
		if err != nil {
			return nil, err
		}
		return json.Marshal(procLaunchResponse{AgentID: id, Pid: pid})
	}
}

type procPidRequest struct {
	Pid domain.Pid `json:"pid"`
}

func procTerminateHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Procs == nil {
			return nil, domain.NewSubSystemError("rpc", "proc.terminate", domain.ErrNotInitialized, "process manager disabled")
		}
		var req procPidRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewSubSystemError("rpc", "proc.terminate", domain.ErrInvalidInput, err.Error())
		}
		if err := deps.Procs.Terminate(req.Pid); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"terminated": true})
	}
}

func procPollHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Procs == nil {
			return nil, domain.NewSubSystemError("rpc", "proc.poll", domain.ErrNotInitialized, "process manager disabled")
		}
		var req procPidRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewSubSystemError("rpc", "proc.poll", domain.ErrInvalidInput, err.Error())
		}
		out, err := deps.Procs.Poll(req.Pid)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"output": out})
	}
}

func procListHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if deps.Procs == nil {
			return nil, domain.NewSubSystemError("rpc", "proc.list", domain.ErrNotInitialized, "process manager disabled")
		}
		return json.Marshal(deps.Procs.List())
	}
}

func gatewayMetricsHandler(deps HandlerDeps) Handler {
	return func(_ context.Context, _ *security.ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if deps.Gateway == nil {
			return nil, domain.NewSubSystemError("rpc", "gateway.metrics", domain.ErrNotInitialized, "gateway disabled")
		}
		return json.Marshal(deps.Gateway.Metrics())
	}
}
