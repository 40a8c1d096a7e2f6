package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSupervisor(cfg, ve)
	validateFault(cfg, ve)
	validateTelemetry(cfg, ve)
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateRPC(cfg, ve)
	validateCompliance(cfg, ve)
	validateProcman(cfg, ve)
	validateSecurity(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	if cfg.Supervisor.RestartBackoff < 0 {
		ve.Add("supervisor.restart_backoff must be >= 0")
	}
	if cfg.Supervisor.HealthCheckSchedule == "" {
		ve.Add("supervisor.health_check_schedule must not be empty")
	}
}

var validRecoveryPresets = map[string]bool{
	"default":    true,
	"permissive": true,
	"strict":     true,
}

func validateFault(cfg *Config, ve *ValidationError) {
	if !validRecoveryPresets[cfg.Fault.RecoveryPreset] {
		ve.Add("fault.recovery_preset %q is invalid (want: default, permissive, strict)", cfg.Fault.RecoveryPreset)
	}
}

func validateTelemetry(cfg *Config, ve *ValidationError) {
	if cfg.Telemetry.EventBufferSize <= 0 {
		ve.Add("telemetry.event_buffer_size must be > 0")
	}
}

var validFallbackPolicies = map[string]bool{
	"local_only":            true,
	"cost_optimized":        true,
	"reliability_optimized": true,
	"explicit":              true,
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !validFallbackPolicies[cfg.Gateway.FallbackPolicy] {
		ve.Add("gateway.fallback_policy %q is invalid (want: local_only, cost_optimized, reliability_optimized, explicit)", cfg.Gateway.FallbackPolicy)
	}
	if cfg.Gateway.FallbackPolicy == "explicit" && len(cfg.Gateway.ExplicitOrder) == 0 {
		ve.Add("gateway.explicit_order must not be empty when fallback_policy is explicit")
	}
	if cfg.Gateway.RateLimitCap <= 0 {
		ve.Add("gateway.rate_limit_capacity must be > 0")
	}
	if cfg.Gateway.RateLimitPerSec <= 0 {
		ve.Add("gateway.rate_limit_per_sec must be > 0")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be > 0")
	}
}

var validProviderNames = map[string]bool{
	"gpt4":   true,
	"claude": true,
	"gemini": true,
	"local":  true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if !validProviderNames[p.Name] {
			ve.Add("llm.providers[%d].name %q is invalid (want: gpt4, claude, gemini, local)", i, p.Name)
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.APIKey == "" && p.Name != "local" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via WARDEN_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
	}

	if cfg.LLM.CircuitBreaker.Enabled {
		if cfg.LLM.CircuitBreaker.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cfg.LLM.CircuitBreaker.Timeout <= 0 {
			ve.Add("llm.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

func validateRPC(cfg *Config, ve *ValidationError) {
	if !cfg.RPC.Enabled {
		return
	}
	if cfg.RPC.Addr == "" {
		ve.Add("rpc.addr is required when rpc is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.RPC.Addr); err != nil {
		ve.Add("rpc.addr %q is not a valid host:port", cfg.RPC.Addr)
	}
	if cfg.RPC.Auth.Type != "" && cfg.RPC.Auth.Type != "static" {
		ve.Add("rpc.auth.type %q is invalid (want: static)", cfg.RPC.Auth.Type)
	}
	if cfg.RPC.Auth.Type == "static" && len(cfg.RPC.Auth.Tokens) == 0 {
		ve.Add("rpc.auth.tokens must not be empty when auth type is static")
	}
}

func validateCompliance(cfg *Config, ve *ValidationError) {
	if !cfg.Compliance.Enabled {
		return
	}
	if cfg.Compliance.StorePath == "" {
		ve.Add("compliance.store_path is required when compliance is enabled")
	}
}

func validateProcman(cfg *Config, ve *ValidationError) {
	if !cfg.Procman.Enabled {
		return
	}
	if cfg.Procman.OutputMax <= 0 {
		ve.Add("procman.output_max must be > 0 when procman is enabled")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	if cfg.Security.Audit.Enabled && cfg.Security.Audit.Path == "" {
		ve.Add("security.audit.path is required when audit is enabled")
	}
}
