// Package runtimeconfig loads the taskroom service configuration from a YAML
// file, an optional .env file and the process environment, in increasing
// order of precedence.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/taskroom/internal/ociref"
	"github.com/buildkite/taskroom/internal/paths"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ChannelMemory = "memory"
	ChannelRedis  = "redis"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	SandboxDocker  = "docker"
	SandboxProcess = "process"
)

type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	MaxConcurrentTasks      int    `yaml:"max_concurrent_tasks"`
	MaxQueuedTasks          int    `yaml:"max_queued_tasks"`
	AnswerTimeoutSeconds    int64  `yaml:"answer_timeout_seconds"`
	ResultInlineLimit       int    `yaml:"result_inline_limit"`
	ProvisionTimeoutSeconds int64  `yaml:"provision_timeout_seconds"`
	TaskRetentionSeconds    int64  `yaml:"task_retention_seconds"`
	SweepIntervalSeconds    int64  `yaml:"sweep_interval_seconds"`
	LivenessCheckSeconds    int64  `yaml:"liveness_check_seconds"`
	RepositoryPattern       string `yaml:"repository_pattern"`

	Channel ChannelConfig `yaml:"channel"`
	Store   StoreConfig   `yaml:"store"`
	Sandbox SandboxConfig `yaml:"sandbox"`

	// secrets holds the values of Sandbox.SecretEnvNames resolved at load
	// time. It is never serialised.
	secrets map[string]string
}

type ChannelConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Empty keeps the database in memory.
	Path string `yaml:"path"`
}

type SandboxConfig struct {
	Backend   string            `yaml:"backend"`
	Image     string            `yaml:"image"`
	CPUs      float64           `yaml:"cpus"`
	MemoryMiB int64             `yaml:"memory_mib"`
	Command   []string          `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	// SecretEnvNames lists variables copied from the orchestrator's
	// environment into every sandbox without being logged.
	SecretEnvNames []string      `yaml:"secret_env_names"`
	Docker         DockerConfig  `yaml:"docker"`
	Process        ProcessConfig `yaml:"process"`
}

type DockerConfig struct {
	Binary  string `yaml:"binary"`
	Network string `yaml:"network"`
}

type ProcessConfig struct {
	WorkRoot         string `yaml:"work_root"`
	StopGraceSeconds int64  `yaml:"stop_grace_seconds"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:                "info",
		MaxConcurrentTasks:      3,
		AnswerTimeoutSeconds:    600,
		ResultInlineLimit:       4000,
		ProvisionTimeoutSeconds: 600,
		TaskRetentionSeconds:    3600,
		SweepIntervalSeconds:    5,
		LivenessCheckSeconds:    30,
		RepositoryPattern:       `^https://github\.com/\S+$`,
		Channel:                 ChannelConfig{Prefix: "taskroom"},
		Store:                   StoreConfig{Backend: StoreMemory},
		Sandbox: SandboxConfig{
			Backend:        SandboxDocker,
			Image:          "ghcr.io/buildkite/taskroom-sandbox:latest",
			CPUs:           1,
			MemoryMiB:      2048,
			SecretEnvNames: []string{"GITHUB_PAT"},
			Docker:         DockerConfig{Binary: "docker"},
			Process:        ProcessConfig{StopGraceSeconds: 5},
		},
	}
}

func Path() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file, then .env in the working directory and in the
// config directory, then the process environment. It returns the validated
// config and the config file path.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	envFiles := []string{".env", filepath.Join(filepath.Dir(path), ".env")}
	cfg, err := LoadFrom(path, envFiles...)
	return cfg, path, err
}

// LoadFrom is Load with explicit file locations. Missing files are skipped.
func LoadFrom(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	dotenv, err := readDotenv(envFiles)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.resolveSecrets(lookup)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readDotenv(files []string) (map[string]string, error) {
	merged := map[string]string{}
	for _, file := range files {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			continue
		}
		values, err := godotenv.Read(file)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CONCURRENT_TASKS", &c.MaxConcurrentTasks},
		{"MAX_QUEUED_TASKS", &c.MaxQueuedTasks},
		{"RESULT_INLINE_LIMIT", &c.ResultInlineLimit},
	}
	for _, item := range ints {
		if raw, ok := lookup(item.key); ok && strings.TrimSpace(raw) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%s: %w", item.key, err)
			}
			*item.dst = n
		}
	}

	seconds := []struct {
		key string
		dst *int64
	}{
		{"ANSWER_TIMEOUT_SECONDS", &c.AnswerTimeoutSeconds},
		{"PROVISION_TIMEOUT_SECONDS", &c.ProvisionTimeoutSeconds},
		{"TASK_RETENTION_SECONDS", &c.TaskRetentionSeconds},
		{"SWEEP_INTERVAL_SECONDS", &c.SweepIntervalSeconds},
		{"LIVENESS_CHECK_SECONDS", &c.LivenessCheckSeconds},
	}
	for _, item := range seconds {
		if raw, ok := lookup(item.key); ok && strings.TrimSpace(raw) != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", item.key, err)
			}
			*item.dst = n
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"TASKROOM_LISTEN", &c.Listen},
		{"TASKROOM_LOG_LEVEL", &c.LogLevel},
		{"REPOSITORY_PATTERN", &c.RepositoryPattern},
		{"TASKROOM_CHANNEL", &c.Channel.Backend},
		{"REDIS_URL", &c.Channel.RedisURL},
		{"TASKROOM_CHANNEL_PREFIX", &c.Channel.Prefix},
		{"TASKROOM_STORE", &c.Store.Backend},
		{"TASKROOM_STORE_PATH", &c.Store.Path},
		{"TASKROOM_SANDBOX_BACKEND", &c.Sandbox.Backend},
		{"TASKROOM_SANDBOX_IMAGE", &c.Sandbox.Image},
	}
	for _, item := range strs {
		if raw, ok := lookup(item.key); ok && strings.TrimSpace(raw) != "" {
			*item.dst = strings.TrimSpace(raw)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Channel.Backend = strings.ToLower(strings.TrimSpace(c.Channel.Backend))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Sandbox.Backend = strings.ToLower(strings.TrimSpace(c.Sandbox.Backend))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.Channel.Backend == "" {
		c.Channel.Backend = ChannelMemory
		if c.Channel.RedisURL != "" {
			c.Channel.Backend = ChannelRedis
		}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
}

func (c *Config) resolveSecrets(lookup lookupFunc) {
	c.secrets = map[string]string{}
	for _, name := range c.Sandbox.SecretEnvNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, ok := lookup(name); ok && v != "" {
			c.secrets[name] = v
		}
	}
}

func (c Config) Validate() error {
	var problems []string
	if c.MaxConcurrentTasks < 1 {
		problems = append(problems, "max_concurrent_tasks must be at least 1")
	}
	if c.MaxQueuedTasks < 0 {
		problems = append(problems, "max_queued_tasks must not be negative")
	}
	if c.ResultInlineLimit < 1 {
		problems = append(problems, "result_inline_limit must be at least 1")
	}
	for name, v := range map[string]int64{
		"answer_timeout_seconds":    c.AnswerTimeoutSeconds,
		"provision_timeout_seconds": c.ProvisionTimeoutSeconds,
		"task_retention_seconds":    c.TaskRetentionSeconds,
		"sweep_interval_seconds":    c.SweepIntervalSeconds,
		"liveness_check_seconds":    c.LivenessCheckSeconds,
	} {
		if v <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if _, err := regexp.Compile(c.RepositoryPattern); err != nil {
		problems = append(problems, fmt.Sprintf("repository_pattern: %v", err))
	}
	switch c.Channel.Backend {
	case "", ChannelMemory:
	case ChannelRedis:
		if c.Channel.RedisURL == "" {
			problems = append(problems, "channel.redis_url (or REDIS_URL) is required for the redis channel")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown channel backend %q", c.Channel.Backend))
	}
	switch c.Store.Backend {
	case StoreMemory, StoreSQLite:
	default:
		problems = append(problems, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Sandbox.Backend {
	case SandboxDocker:
		if strings.TrimSpace(c.Sandbox.Image) == "" {
			problems = append(problems, "sandbox.image is required for the docker backend")
		} else if _, err := ociref.Parse(c.Sandbox.Image); err != nil {
			problems = append(problems, fmt.Sprintf("sandbox.image: %v", err))
		}
	case SandboxProcess:
		if len(c.Sandbox.Command) == 0 {
			problems = append(problems, "sandbox.command is required for the process backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown sandbox backend %q", c.Sandbox.Backend))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// SecretEnv returns the resolved secret values for sandboxes.
func (c Config) SecretEnv() map[string]string {
	out := make(map[string]string, len(c.secrets))
	for k, v := range c.secrets {
		out[k] = v
	}
	return out
}

// SecretNames returns the names of the secrets that resolved to a value.
func (c Config) SecretNames() []string {
	names := make([]string, 0, len(c.secrets))
	for k := range c.secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func (c Config) AnswerTimeout() time.Duration    { return seconds(c.AnswerTimeoutSeconds) }
func (c Config) ProvisionTimeout() time.Duration { return seconds(c.ProvisionTimeoutSeconds) }
func (c Config) TaskRetention() time.Duration    { return seconds(c.TaskRetentionSeconds) }
func (c Config) SweepInterval() time.Duration    { return seconds(c.SweepIntervalSeconds) }
func (c Config) LivenessCheck() time.Duration    { return seconds(c.LivenessCheckSeconds) }
func (c Config) StopGrace() time.Duration        { return seconds(c.Sandbox.Process.StopGraceSeconds) }

// Redacted returns the YAML form of c. Secret values are never included;
// only their names appear under sandbox.secret_env_names.
func (c Config) Redacted() ([]byte, error) {
	return yaml.Marshal(c)
}
