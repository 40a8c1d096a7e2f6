package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level control plane configuration.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Fault      FaultConfig      `yaml:"fault"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	LLM        LLMConfig        `yaml:"llm"`
	RPC        RPCConfig        `yaml:"rpc"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Procman    ProcmanConfig    `yaml:"procman"`
	Security   SecurityConfig   `yaml:"security"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// SupervisorConfig holds agent lifecycle settings.
type SupervisorConfig struct {
	MaxRestarts         uint32        `yaml:"max_restarts"`
	RestartBackoff      time.Duration `yaml:"restart_backoff"`
	HealthCheckSchedule string        `yaml:"health_check_schedule"` // cron expression
	WatchdogTimeout     time.Duration `yaml:"watchdog_timeout"`
}

// FaultConfig holds fault detection and recovery settings.
type FaultConfig struct {
	RecoveryPreset string       `yaml:"recovery_preset"` // "default", "permissive", "strict"
	Limits         LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds per-agent resource ceilings. Zero means unlimited.
type LimitsConfig struct {
	CPUQuotaUS        uint64 `yaml:"cpu_quota_us"`
	MemoryBytes       uint64 `yaml:"memory_bytes"`
	SyscallRateLimit  uint64 `yaml:"syscall_rate_limit"`
	WatchdogTimeoutUS uint64 `yaml:"watchdog_timeout_us"`
}

// TelemetryConfig holds event aggregation settings.
type TelemetryConfig struct {
	EventBufferSize int `yaml:"event_buffer_size"`
}

// GatewayConfig holds LLM gateway routing and rate limiting settings.
type GatewayConfig struct {
	FallbackPolicy  string        `yaml:"fallback_policy"` // "local_only", "cost_optimized", "reliability_optimized", "explicit"
	ExplicitOrder   []string      `yaml:"explicit_order,omitempty"`
	RateLimitCap    float64       `yaml:"rate_limit_capacity"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// LLMConfig holds backend provider settings.
type LLMConfig struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM backends.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ProviderConfig holds settings for a single LLM backend.
type ProviderConfig struct {
	Name        string        `yaml:"name"` // "gpt4", "claude", "gemini", "local"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
}

// RPCConfig holds WebSocket control surface settings.
type RPCConfig struct {
	Enabled          bool       `yaml:"enabled"`
	Addr             string     `yaml:"addr"`
	Auth             AuthConfig `yaml:"auth"`
	RateLimitPerMin  int        `yaml:"rate_limit_per_min"` // HTTP requests per client IP; 0 disables
	RateLimitBurst   int        `yaml:"rate_limit_burst"`
	TrustedProxies   []string   `yaml:"trusted_proxies,omitempty"`
}

// AuthConfig holds RPC authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single RPC auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// ComplianceConfig holds regulatory reporting settings.
type ComplianceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StorePath string `yaml:"store_path"` // sqlite database file
	Framework string `yaml:"framework"`  // e.g. "eu_ai_act"
}

// ProcmanConfig holds managed process settings.
type ProcmanConfig struct {
	Enabled   bool          `yaml:"enabled"`
	OutputMax int           `yaml:"output_max"` // per-process output ring size in bytes
	KillGrace time.Duration `yaml:"kill_grace"` // SIGTERM to SIGKILL delay
}

// SecurityConfig holds audit and token signing settings.
// SigningKey is read from WARDEN_TOKEN_SIGNING_KEY when empty.
type SecurityConfig struct {
	Audit      AuditConfig `yaml:"audit"`
	SigningKey string      `yaml:"signing_key,omitempty"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.warden.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".warden")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Supervisor: SupervisorConfig{
			MaxRestarts:         3,
			RestartBackoff:      time.Second,
			HealthCheckSchedule: "@every 5s",
			WatchdogTimeout:     30 * time.Second,
		},
		Fault: FaultConfig{
			RecoveryPreset: "default",
		},
		Telemetry: TelemetryConfig{
			EventBufferSize: 1024,
		},
		Gateway: GatewayConfig{
			FallbackPolicy:  "cost_optimized",
			RateLimitCap:    30,
			RateLimitPerSec: 10,
			RequestTimeout:  30 * time.Second,
		},
		LLM: LLMConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		RPC: RPCConfig{
			Enabled:         true,
			Addr:            ":8090",
			RateLimitPerMin: 600,
			RateLimitBurst:  100,
		},
		Compliance: ComplianceConfig{
			Enabled:   false,
			StorePath: filepath.Join(dataDir, "compliance.db"),
			Framework: "eu_ai_act",
		},
		Procman: ProcmanConfig{
			Enabled:   true,
			OutputMax: 1024 * 1024,
			KillGrace: 5 * time.Second,
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled: true,
				Path:    filepath.Join(dataDir, "audit.jsonl"),
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	hasIncludes := len(cfg.Includes) > 0
	if hasIncludes {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("WARDEN_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps WARDEN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WARDEN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WARDEN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WARDEN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("WARDEN_RPC_ENABLED"); v == "false" {
		cfg.RPC.Enabled = false
	}
	if v := os.Getenv("WARDEN_RPC_ADDR"); v != "" {
		cfg.RPC.Addr = v
	}

	if v := os.Getenv("WARDEN_SUPERVISOR_MAX_RESTARTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Supervisor.MaxRestarts = uint32(n)
		}
	}
	if v := os.Getenv("WARDEN_SUPERVISOR_RESTART_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.RestartBackoff = d
		}
	}
	if v := os.Getenv("WARDEN_SUPERVISOR_HEALTH_CHECK_SCHEDULE"); v != "" {
		cfg.Supervisor.HealthCheckSchedule = v
	}

	if v := os.Getenv("WARDEN_FAULT_RECOVERY_PRESET"); v != "" {
		cfg.Fault.RecoveryPreset = v
	}

	if v := os.Getenv("WARDEN_TELEMETRY_EVENT_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Telemetry.EventBufferSize = n
		}
	}

	if v := os.Getenv("WARDEN_GATEWAY_FALLBACK_POLICY"); v != "" {
		cfg.Gateway.FallbackPolicy = v
	}
	if v := os.Getenv("WARDEN_GATEWAY_EXPLICIT_ORDER"); v != "" {
		cfg.Gateway.ExplicitOrder = splitAndTrim(v, ",")
	}
	if v := os.Getenv("WARDEN_GATEWAY_RATE_LIMIT_CAPACITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Gateway.RateLimitCap = f
		}
	}
	if v := os.Getenv("WARDEN_GATEWAY_RATE_LIMIT_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Gateway.RateLimitPerSec = f
		}
	}
	if v := os.Getenv("WARDEN_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.RequestTimeout = d
		}
	}

	if v := os.Getenv("WARDEN_COMPLIANCE_ENABLED"); v == "true" {
		cfg.Compliance.Enabled = true
	}
	if v := os.Getenv("WARDEN_COMPLIANCE_STORE_PATH"); v != "" {
		cfg.Compliance.StorePath = v
	}
	if v := os.Getenv("WARDEN_COMPLIANCE_FRAMEWORK"); v != "" {
		cfg.Compliance.Framework = v
	}

	if v := os.Getenv("WARDEN_PROCMAN_ENABLED"); v == "false" {
		cfg.Procman.Enabled = false
	}
	if v := os.Getenv("WARDEN_PROCMAN_OUTPUT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Procman.OutputMax = n
		}
	}

	if v := os.Getenv("WARDEN_SECURITY_AUDIT_ENABLED"); v == "true" {
		cfg.Security.Audit.Enabled = true
	} else if v == "false" {
		cfg.Security.Audit.Enabled = false
	}
	if v := os.Getenv("WARDEN_SECURITY_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}
	if v := os.Getenv("WARDEN_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Security.SigningKey = v
	}

	// Per-provider API key overrides: WARDEN_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("WARDEN_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	for i := range cfg.RPC.Auth.Tokens {
		tok := cfg.RPC.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("rpc auth token %s: %w", cfg.RPC.Auth.Tokens[i].Name, err)
			}
			cfg.RPC.Auth.Tokens[i].Token = decrypted
		}
	}

	if strings.HasPrefix(cfg.Security.SigningKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Security.SigningKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("token signing key: %w", err)
		}
		cfg.Security.SigningKey = decrypted
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
