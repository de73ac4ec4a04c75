package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig     `yaml:"server"`
	Auth           AuthConfig       `yaml:"auth"`
	RateLimit      RateLimitConfig  `yaml:"rate_limit"`
	Storage        StorageConfig    `yaml:"storage"`
	Ports          PortsConfig      `yaml:"ports"`
	Driver         DriverConfig     `yaml:"driver"`
	Lifecycle      LifecycleConfig  `yaml:"lifecycle"`
	Reconciliation ReconcileConfig  `yaml:"reconciliation"`
	Shutdown       ShutdownConfig   `yaml:"shutdown"`
	Challenges     ChallengesConfig `yaml:"challenges"`
	Observability  ObsConfig        `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr           string `yaml:"listen_addr"`
	Version              string `yaml:"version"`
	ReadTimeoutSeconds   int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds  int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds   int    `yaml:"idle_timeout_seconds"`
	HealthPublic         bool   `yaml:"health_public"`
	TLSCertFile          string `yaml:"tls_cert_file"`
	TLSKeyFile           string `yaml:"tls_key_file"`
	TLSClientCAFile      string `yaml:"tls_client_ca_file"`
	TLSRequireClientCert bool   `yaml:"tls_require_client_cert"`
}

type AuthConfig struct {
	Mode            string `yaml:"mode"`
	BearerToken     string `yaml:"bearer_token"`
	HMACSecret      string `yaml:"hmac_secret"`
	HMACSkewSeconds int    `yaml:"hmac_skew_seconds"`
	NonceTTLSeconds int    `yaml:"nonce_ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	GlobalRPS      float64 `yaml:"global_rps"`
	GlobalBurst    int     `yaml:"global_burst"`
	PerClientRPS   float64 `yaml:"per_client_rps"`
	PerClientBurst int     `yaml:"per_client_burst"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type PortsConfig struct {
	RangeStart int    `yaml:"range_start"`
	RangeEnd   int    `yaml:"range_end"`
	HostIP     string `yaml:"host_ip"`
	URLScheme  string `yaml:"url_scheme"`
}

type DriverConfig struct {
	Image                 string   `yaml:"image"`
	ContainerPrefix       string   `yaml:"container_prefix"`
	ManagedLabel          string   `yaml:"managed_label"`
	ContainerPort         int      `yaml:"container_port"`
	BindIP                string   `yaml:"bind_ip"`
	Env                   []string `yaml:"env"`
	AutoRemove            bool     `yaml:"auto_remove"`
	PullMissing           bool     `yaml:"pull_missing"`
	ContainerMemoryBytes  int64    `yaml:"container_memory_bytes"`
	ContainerCPUCores     float64  `yaml:"container_cpu_cores"`
	ContainerPidsLimit    int64    `yaml:"container_pids_limit"`
	CreateTimeoutSeconds  int      `yaml:"create_timeout_seconds"`
	StopTimeoutSeconds    int      `yaml:"stop_timeout_seconds"`
	InspectTimeoutSeconds int      `yaml:"inspect_timeout_seconds"`
	ListTimeoutSeconds    int      `yaml:"list_timeout_seconds"`
	StopGraceSeconds      int      `yaml:"stop_grace_seconds"`
}

type LifecycleConfig struct {
	AllocationAttempts   int `yaml:"allocation_attempts"`
	ExpiryDays           int `yaml:"expiry_days"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type ShutdownConfig struct {
	Parallelism    int `yaml:"parallelism"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ChallengesConfig struct {
	FallbackLimit         int    `yaml:"fallback_limit"`
	FallbackMaxDifficulty int    `yaml:"fallback_max_difficulty"`
	FetchTimeoutSeconds   int    `yaml:"fetch_timeout_seconds"`
	ScoreWebhookURL       string `yaml:"score_webhook_url"`
	ScoreWebhookSecret    string `yaml:"score_webhook_secret"`
	ScoreWebhookIssuer    string `yaml:"score_webhook_issuer"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Idle is how long a running instance may go without access before the
// sweeper expires it.
func (c LifecycleConfig) Idle() time.Duration {
	return time.Duration(c.ExpiryDays) * 24 * time.Hour
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":9000",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 60,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		Auth: AuthConfig{
			Mode:            "hmac",
			HMACSkewSeconds: 300,
			NonceTTLSeconds: 360,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			GlobalRPS:      100,
			GlobalBurst:    200,
			PerClientRPS:   5,
			PerClientBurst: 10,
		},
		Storage: StorageConfig{
			DBPath: "/var/lib/sandbox-agent/sandbox.db",
		},
		Ports: PortsConfig{
			RangeStart: 3001,
			RangeEnd:   3999,
			HostIP:     "localhost",
			URLScheme:  "http",
		},
		Driver: DriverConfig{
			Image:                 "bkimminich/juice-shop",
			ContainerPrefix:       "juice_shop",
			ManagedLabel:          "managed-by=lti-juice-shop",
			ContainerPort:         3000,
			Env:                   []string{"NODE_ENV=unsafe"},
			AutoRemove:            true,
			PullMissing:           true,
			ContainerMemoryBytes:  1024 * 1024 * 1024,
			ContainerCPUCores:     1.0,
			ContainerPidsLimit:    512,
			CreateTimeoutSeconds:  30,
			StopTimeoutSeconds:    20,
			InspectTimeoutSeconds: 10,
			ListTimeoutSeconds:    10,
			StopGraceSeconds:      10,
		},
		Lifecycle: LifecycleConfig{
			AllocationAttempts:   3,
			ExpiryDays:           7,
			SweepIntervalSeconds: 3600,
		},
		Reconciliation: ReconcileConfig{IntervalSeconds: 300},
		Shutdown:       ShutdownConfig{Parallelism: 8, TimeoutSeconds: 60},
		Challenges: ChallengesConfig{
			FallbackLimit:         5,
			FallbackMaxDifficulty: 2,
			FetchTimeoutSeconds:   10,
			ScoreWebhookIssuer:    "sandbox-agent",
		},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("SANDBOX_AGENT_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "SANDBOX_AGENT_LISTEN_ADDR")
	setString(&cfg.Server.Version, "SANDBOX_AGENT_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "SANDBOX_AGENT_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "SANDBOX_AGENT_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "SANDBOX_AGENT_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "SANDBOX_AGENT_HEALTH_PUBLIC")
	setString(&cfg.Server.TLSCertFile, "SANDBOX_AGENT_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "SANDBOX_AGENT_TLS_KEY_FILE")
	setString(&cfg.Server.TLSClientCAFile, "SANDBOX_AGENT_TLS_CLIENT_CA_FILE")
	setBool(&cfg.Server.TLSRequireClientCert, "SANDBOX_AGENT_TLS_REQUIRE_CLIENT_CERT")

	setString(&cfg.Auth.Mode, "SANDBOX_AGENT_AUTH_MODE")
	setString(&cfg.Auth.BearerToken, "SANDBOX_AGENT_TOKEN")
	setString(&cfg.Auth.HMACSecret, "SANDBOX_AGENT_HMAC_SECRET")
	setInt(&cfg.Auth.HMACSkewSeconds, "SANDBOX_AGENT_HMAC_SKEW_SECONDS")
	setInt(&cfg.Auth.NonceTTLSeconds, "SANDBOX_AGENT_NONCE_TTL_SECONDS")

	setBool(&cfg.RateLimit.Enabled, "SANDBOX_AGENT_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "SANDBOX_AGENT_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "SANDBOX_AGENT_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerClientRPS, "SANDBOX_AGENT_RATE_LIMIT_PER_CLIENT_RPS")
	setInt(&cfg.RateLimit.PerClientBurst, "SANDBOX_AGENT_RATE_LIMIT_PER_CLIENT_BURST")

	// Unprefixed names are still read for existing deployments.
	setString(&cfg.Storage.DBPath, "DB_PATH")
	setString(&cfg.Storage.DBPath, "SANDBOX_AGENT_DB_PATH")

	setInt(&cfg.Ports.RangeStart, "PORT_RANGE_START")
	setInt(&cfg.Ports.RangeEnd, "PORT_RANGE_END")
	setString(&cfg.Ports.HostIP, "HOST_IP")
	setString(&cfg.Ports.URLScheme, "SANDBOX_AGENT_URL_SCHEME")

	setString(&cfg.Driver.Image, "SANDBOX_AGENT_IMAGE")
	setString(&cfg.Driver.ContainerPrefix, "SANDBOX_AGENT_CONTAINER_PREFIX")
	setString(&cfg.Driver.ManagedLabel, "SANDBOX_AGENT_MANAGED_LABEL")
	setInt(&cfg.Driver.ContainerPort, "SANDBOX_AGENT_CONTAINER_PORT")
	setString(&cfg.Driver.BindIP, "SANDBOX_AGENT_BIND_IP")
	setCSV(&cfg.Driver.Env, "SANDBOX_AGENT_CONTAINER_ENV")
	setBool(&cfg.Driver.AutoRemove, "SANDBOX_AGENT_AUTO_REMOVE")
	setBool(&cfg.Driver.PullMissing, "SANDBOX_AGENT_PULL_MISSING")
	setInt64(&cfg.Driver.ContainerMemoryBytes, "CONTAINER_MEMORY_BYTES")
	setFloat64(&cfg.Driver.ContainerCPUCores, "CONTAINER_CPU_CORES")
	setInt64(&cfg.Driver.ContainerPidsLimit, "CONTAINER_PIDS_LIMIT")
	setInt(&cfg.Driver.CreateTimeoutSeconds, "SANDBOX_AGENT_CREATE_TIMEOUT_SECONDS")
	setInt(&cfg.Driver.StopTimeoutSeconds, "SANDBOX_AGENT_STOP_TIMEOUT_SECONDS")
	setInt(&cfg.Driver.InspectTimeoutSeconds, "SANDBOX_AGENT_INSPECT_TIMEOUT_SECONDS")
	setInt(&cfg.Driver.ListTimeoutSeconds, "SANDBOX_AGENT_LIST_TIMEOUT_SECONDS")
	setInt(&cfg.Driver.StopGraceSeconds, "SANDBOX_AGENT_STOP_GRACE_SECONDS")

	setInt(&cfg.Lifecycle.AllocationAttempts, "SANDBOX_AGENT_ALLOCATION_ATTEMPTS")
	setInt(&cfg.Lifecycle.ExpiryDays, "INSTANCE_EXPIRY_DAYS")
	setInt(&cfg.Lifecycle.SweepIntervalSeconds, "SANDBOX_AGENT_SWEEP_INTERVAL_SECONDS")

	setInt(&cfg.Reconciliation.IntervalSeconds, "SANDBOX_AGENT_RECONCILE_INTERVAL_SECONDS")

	setInt(&cfg.Shutdown.Parallelism, "SANDBOX_AGENT_SHUTDOWN_PARALLELISM")
	setInt(&cfg.Shutdown.TimeoutSeconds, "SANDBOX_AGENT_SHUTDOWN_TIMEOUT_SECONDS")

	setInt(&cfg.Challenges.FallbackLimit, "SANDBOX_AGENT_FALLBACK_LIMIT")
	setInt(&cfg.Challenges.FallbackMaxDifficulty, "SANDBOX_AGENT_FALLBACK_MAX_DIFFICULTY")
	setInt(&cfg.Challenges.FetchTimeoutSeconds, "SANDBOX_AGENT_CHALLENGE_FETCH_TIMEOUT_SECONDS")
	setString(&cfg.Challenges.ScoreWebhookURL, "SANDBOX_AGENT_SCORE_WEBHOOK_URL")
	setString(&cfg.Challenges.ScoreWebhookSecret, "SANDBOX_AGENT_SCORE_WEBHOOK_SECRET")
	setString(&cfg.Challenges.ScoreWebhookIssuer, "SANDBOX_AGENT_SCORE_WEBHOOK_ISSUER")

	setString(&cfg.Observability.LogLevel, "SANDBOX_AGENT_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "SANDBOX_AGENT_METRICS_PATH")
	setBool(&cfg.Observability.EnablePprof, "SANDBOX_AGENT_ENABLE_PPROF")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Storage.DBPath == "" {
		return errors.New("db path is required")
	}
	if cfg.Ports.RangeStart < 1 || cfg.Ports.RangeEnd > 65535 {
		return errors.New("port range must be within 1-65535")
	}
	if cfg.Ports.RangeStart > cfg.Ports.RangeEnd {
		return errors.New("port range start cannot exceed end")
	}
	if cfg.Ports.HostIP == "" {
		return errors.New("HOST_IP is required")
	}
	switch cfg.Ports.URLScheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid url scheme: %s", cfg.Ports.URLScheme)
	}
	if cfg.Driver.Image == "" {
		return errors.New("container image is required")
	}
	if cfg.Driver.ManagedLabel == "" || !strings.Contains(cfg.Driver.ManagedLabel, "=") {
		return errors.New("managed label must have the form key=value")
	}
	if cfg.Driver.ContainerPort <= 0 || cfg.Driver.ContainerPort > 65535 {
		return errors.New("container port must be within 1-65535")
	}
	if cfg.Driver.CreateTimeoutSeconds <= 0 || cfg.Driver.StopTimeoutSeconds <= 0 ||
		cfg.Driver.InspectTimeoutSeconds <= 0 || cfg.Driver.ListTimeoutSeconds <= 0 {
		return errors.New("driver timeouts must be > 0")
	}
	if cfg.Driver.StopGraceSeconds < 0 || cfg.Driver.StopGraceSeconds >= cfg.Driver.StopTimeoutSeconds {
		return errors.New("stop grace must be >= 0 and below the stop timeout")
	}
	if cfg.Lifecycle.AllocationAttempts <= 0 {
		return errors.New("allocation attempts must be > 0")
	}
	if cfg.Lifecycle.ExpiryDays <= 0 {
		return errors.New("INSTANCE_EXPIRY_DAYS must be > 0")
	}
	if cfg.Lifecycle.SweepIntervalSeconds <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if cfg.Shutdown.Parallelism <= 0 || cfg.Shutdown.TimeoutSeconds <= 0 {
		return errors.New("shutdown parallelism and timeout must be > 0")
	}
	if cfg.Challenges.FallbackLimit < 0 || cfg.Challenges.FetchTimeoutSeconds <= 0 {
		return errors.New("invalid challenge settings")
	}
	if cfg.Challenges.ScoreWebhookURL != "" && cfg.Challenges.ScoreWebhookSecret == "" {
		return errors.New("SANDBOX_AGENT_SCORE_WEBHOOK_SECRET is required when a score webhook is set")
	}
	mode := strings.ToLower(cfg.Auth.Mode)
	switch mode {
	case "bearer", "hmac", "either":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if mode == "bearer" && cfg.Auth.BearerToken == "" {
		return errors.New("SANDBOX_AGENT_TOKEN is required in bearer mode")
	}
	if mode == "hmac" && cfg.Auth.HMACSecret == "" {
		return errors.New("SANDBOX_AGENT_HMAC_SECRET is required in hmac mode")
	}
	if mode == "either" && cfg.Auth.BearerToken == "" && cfg.Auth.HMACSecret == "" {
		return errors.New("either mode requires at least one auth secret (token or hmac)")
	}
	if cfg.Auth.HMACSkewSeconds <= 0 {
		return errors.New("hmac skew must be > 0")
	}
	if cfg.Auth.NonceTTLSeconds <= 0 {
		return errors.New("nonce ttl must be > 0")
	}
	if cfg.Auth.NonceTTLSeconds < cfg.Auth.HMACSkewSeconds+60 {
		return errors.New("nonce ttl must be >= hmac skew + 60 seconds")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerClientRPS <= 0 || cfg.RateLimit.PerClientBurst <= 0 {
			return errors.New("per-client rate limit values must be > 0")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setCSV(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
