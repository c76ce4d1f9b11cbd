// Package config loads the modelworker configuration from a file, a .env file and
// MODELWORKER_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelworker/internal/common/fsutil"
	"modelworker/internal/params"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODELWORKER_"

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Server  ServerConfig   `json:"server" yaml:"server" toml:"server"`
	Log     LogConfig      `json:"log" yaml:"log" toml:"log"`
	Tracing TracingConfig  `json:"tracing" yaml:"tracing" toml:"tracing"`
	Storage StorageConfig  `json:"storage" yaml:"storage" toml:"storage"`
	Manager ManagerConfig  `json:"manager" yaml:"manager" toml:"manager"`
	Chat    ChatConfig     `json:"chat" yaml:"chat" toml:"chat"`
	Remote  []RemoteConfig `json:"remote" yaml:"remote" toml:"remote"`
	// ModelsDir is scanned for *.gguf files served with ModelsProvider.
	ModelsDir      string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelsProvider string `json:"models_provider" yaml:"models_provider" toml:"models_provider"`
	DefaultModel   string `json:"default_model" yaml:"default_model" toml:"default_model"`
	// Models are free-form entries walked by the provider's parameter schema.
	Models []map[string]any `json:"models" yaml:"models" toml:"models"`
}

type ServerConfig struct {
	Addr                   string   `json:"addr" yaml:"addr" toml:"addr"`
	MaxBodyBytes           int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	GenerateTimeoutSeconds int      `json:"generate_timeout_seconds" yaml:"generate_timeout_seconds" toml:"generate_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	RequestLogLevel        string   `json:"request_log_level" yaml:"request_log_level" toml:"request_log_level"`
	CORSEnabled            bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins            []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods            []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders            []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`
}

type LogConfig struct {
	// debug, info, warn or error.
	Level string `json:"level" yaml:"level" toml:"level"`
	// json or console.
	Format string `json:"format" yaml:"format" toml:"format"`
	// Dir additionally writes JSON logs to timestamped files; MaxFiles are kept.
	Dir      string `json:"dir" yaml:"dir" toml:"dir"`
	MaxFiles int    `json:"max_files" yaml:"max_files" toml:"max_files"`
}

type TracingConfig struct {
	// none, stdout or otlp.
	Exporter    string `json:"exporter" yaml:"exporter" toml:"exporter"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `json:"insecure" yaml:"insecure" toml:"insecure"`
	ServiceName string `json:"service_name" yaml:"service_name" toml:"service_name"`
	Environment string `json:"environment" yaml:"environment" toml:"environment"`
}

type StorageConfig struct {
	// memory or sqlite.
	Driver string `json:"driver" yaml:"driver" toml:"driver"`
	Path   string `json:"path" yaml:"path" toml:"path"`
	// EmbedMessages stores messages inside the conversation row instead of the
	// message table.
	EmbedMessages bool `json:"embed_messages" yaml:"embed_messages" toml:"embed_messages"`
}

type ManagerConfig struct {
	MaxQueueDepth       int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds      int `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	DrainTimeoutSeconds int `json:"drain_timeout_seconds" yaml:"drain_timeout_seconds" toml:"drain_timeout_seconds"`
	KernelPoolSize      int `json:"kernel_pool_size" yaml:"kernel_pool_size" toml:"kernel_pool_size"`
	// PreloadDefault loads the default model at startup instead of on first use.
	PreloadDefault bool `json:"preload_default" yaml:"preload_default" toml:"preload_default"`
}

type ChatConfig struct {
	Enabled        *bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
	Language       string `json:"language" yaml:"language" toml:"language"`
	CacheEnable    bool   `json:"cache_enable" yaml:"cache_enable" toml:"cache_enable"`
	CacheSize      int    `json:"cache_size" yaml:"cache_size" toml:"cache_size"`
	Retries        int    `json:"retries" yaml:"retries" toml:"retries"`
	Parallel       int    `json:"parallel" yaml:"parallel" toml:"parallel"`
	PersistWorkers int    `json:"persist_workers" yaml:"persist_workers" toml:"persist_workers"`
}

type RemoteConfig struct {
	Model          string `json:"model" yaml:"model" toml:"model"`
	Host           string `json:"host" yaml:"host" toml:"host"`
	Port           int    `json:"port" yaml:"port" toml:"port"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides cfg from MODELWORKER_* variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	str("ADDR", &c.Server.Addr)
	str("MODELS_DIR", &c.ModelsDir)
	str("MODELS_PROVIDER", &c.ModelsProvider)
	str("DEFAULT_MODEL", &c.DefaultModel)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_DIR", &c.Log.Dir)
	str("TRACING_EXPORTER", &c.Tracing.Exporter)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_PATH", &c.Storage.Path)
	str("CHAT_LANGUAGE", &c.Chat.Language)
	if v, ok := os.LookupEnv(EnvPrefix + "CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = SplitCSV(v)
		c.Server.CORSEnabled = len(c.Server.CORSOrigins) > 0
	}
	for key, dst := range map[string]*int{
		"MAX_QUEUE_DEPTH":  &c.Manager.MaxQueueDepth,
		"MAX_WAIT_SECONDS": &c.Manager.MaxWaitSeconds,
		"KERNEL_POOL_SIZE": &c.Manager.KernelPoolSize,
		"CHAT_RETRIES":     &c.Chat.Retries,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills every unspecified value.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if len(c.Server.CORSMethods) == 0 {
		c.Server.CORSMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(c.Server.CORSHeaders) == 0 {
		c.Server.CORSHeaders = []string{"Content-Type", "X-Log-Level", "DBGPT-Trace-Span-Id"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.MaxFiles <= 0 {
		c.Log.MaxFiles = 10
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "modelworker"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" && c.Storage.Driver == "sqlite" {
		c.Storage.Path = "~/.modelworker/chat_history.db"
	}
	if c.Manager.MaxQueueDepth <= 0 {
		c.Manager.MaxQueueDepth = 32
	}
	if c.Manager.MaxWaitSeconds <= 0 {
		c.Manager.MaxWaitSeconds = 30
	}
	if c.Manager.DrainTimeoutSeconds <= 0 {
		c.Manager.DrainTimeoutSeconds = 30
	}
	if c.Manager.KernelPoolSize <= 0 {
		c.Manager.KernelPoolSize = 4
	}
	if c.Chat.Enabled == nil {
		on := true
		c.Chat.Enabled = &on
	}
	if c.Chat.Language == "" {
		c.Chat.Language = "en"
	}
	if c.Chat.CacheSize <= 0 {
		c.Chat.CacheSize = 256
	}
	if c.Chat.Retries <= 0 {
		c.Chat.Retries = 1
	}
	if c.Chat.Parallel <= 0 {
		c.Chat.Parallel = 1
	}
	if c.Chat.PersistWorkers <= 0 {
		c.Chat.PersistWorkers = 4
	}
	if c.ModelsProvider == "" {
		c.ModelsProvider = params.ProviderLlamaServer
	}
	for i := range c.Remote {
		if c.Remote[i].Host == "" {
			c.Remote[i].Host = "127.0.0.1"
		}
	}
	c.ModelsDir = fsutil.ResolvePath(c.ModelsDir)
	c.Storage.Path = fsutil.ResolvePath(c.Storage.Path)
	c.Log.Dir = fsutil.ResolvePath(c.Log.Dir)
}

// Deploys walks every Models entry through its provider schema. Weight paths are
// resolved against the home directory.
func (c *Config) Deploys() ([]params.Deploy, error) {
	out := make([]params.Deploy, 0, len(c.Models))
	for i, raw := range c.Models {
		d, err := params.ParseDeploy(raw)
		if err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
		if d.Path != "" {
			d.Path = fsutil.ResolvePath(d.Path)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s ServerConfig) GenerateTimeout() time.Duration {
	return time.Duration(s.GenerateTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func (m ManagerConfig) MaxWait() time.Duration { return time.Duration(m.MaxWaitSeconds) * time.Second }

func (m ManagerConfig) DrainTimeout() time.Duration {
	return time.Duration(m.DrainTimeoutSeconds) * time.Second
}

func (r RemoteConfig) Timeout() time.Duration { return time.Duration(r.TimeoutSeconds) * time.Second }

// SplitCSV splits a comma-separated list, trimming blanks and dropping empty items.
func SplitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
