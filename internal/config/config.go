// Package config resolves which world a project talks to: environment
// variables, optionally layered over a named target from .lobby/targets.json.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
)

// Environment variable names.
const (
	EnvWorldURL         = "WORLD_URL"
	EnvWorldID          = "WORLD_ID"
	EnvAdminCode        = "ADMIN_CODE"
	EnvTarget           = "HYPERFY_TARGET"
	EnvTargetConfirm    = "HYPERFY_TARGET_CONFIRM"
	EnvBidirectional    = "BIDIRECTIONAL_SYNC"
	EnvStrictConflicts  = "SYNC_STRICT_CONFLICTS"
	EnvActivityRedisURL = "LOBBY_ACTIVITY_REDIS_URL"
	EnvHealthAddr       = "LOBBY_HEALTH_ADDR"
)

// TargetFiles are tried in order under .lobby. JSON is valid YAML, so one
// decoder reads both.
var TargetFiles = []string{"targets.json", "targets.yml", "targets.yaml"}

// Target is one named remote.
type Target struct {
	WorldURL  string `yaml:"worldUrl"`
	WorldID   string `yaml:"worldId,omitempty"`
	AdminCode string `yaml:"adminCode,omitempty"`
	// Confirm marks a production target: commands ask before touching it.
	Confirm bool `yaml:"confirm,omitempty"`
}

// Config is the resolved connection and behaviour settings for a project.
type Config struct {
	Root       string
	TargetName string
	WorldURL   string
	WorldID    string
	AdminCode  string
	// ConfirmRequired is set for production targets unless
	// HYPERFY_TARGET_CONFIRM pre-approves them.
	ConfirmRequired  bool
	Bidirectional    bool
	StrictConflicts  bool
	ActivityRedisURL string
	HealthAddr       string
}

// Getenv looks up an environment variable. os.Getenv satisfies it.
type Getenv func(string) string

// LoadTargets reads the project's named targets. A project without a
// targets file has no targets.
func LoadTargets(root string) (map[string]Target, string, error) {
	for _, name := range TargetFiles {
		path := filepath.Join(root, project.StateDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, fmt.Errorf("failed to read targets: %w", err)
		}
		targets, err := parseTargets(data)
		if err != nil {
			return nil, path, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return targets, path, nil
	}
	return map[string]Target{}, "", nil
}

// parseTargets accepts either {"targets": {...}} or a bare name → target map.
func parseTargets(data []byte) (map[string]Target, error) {
	var wrapped struct {
		Targets map[string]Target `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && wrapped.Targets != nil {
		return wrapped.Targets, nil
	}
	targets := map[string]Target{}
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// Load resolves the configuration for root. targetName (from --target) wins
// over HYPERFY_TARGET. Explicit environment values override the target's
// fields.
func Load(root, targetName string, getenv Getenv) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := &Config{
		Root:             root,
		TargetName:       strings.TrimSpace(targetName),
		ActivityRedisURL: env(EnvActivityRedisURL),
		HealthAddr:       env(EnvHealthAddr),
	}
	if cfg.TargetName == "" {
		cfg.TargetName = env(EnvTarget)
	}

	if cfg.TargetName != "" {
		targets, path, err := LoadTargets(root)
		if err != nil {
			return nil, err
		}
		target, ok := targets[cfg.TargetName]
		if !ok {
			return nil, unknownTarget(cfg.TargetName, targets, path)
		}
		cfg.WorldURL = target.WorldURL
		cfg.WorldID = target.WorldID
		cfg.AdminCode = target.AdminCode
		cfg.ConfirmRequired = target.Confirm
	}

	if v := env(EnvWorldURL); v != "" {
		cfg.WorldURL = v
	}
	if v := env(EnvWorldID); v != "" {
		cfg.WorldID = v
	}
	if v := getenv(EnvAdminCode); v != "" {
		cfg.AdminCode = v
	}

	var err error
	if cfg.Bidirectional, err = parseBool(env(EnvBidirectional), true); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvBidirectional, err)
	}
	if cfg.StrictConflicts, err = parseBool(env(EnvStrictConflicts), true); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvStrictConflicts, err)
	}
	preApproved, err := parseBool(env(EnvTargetConfirm), false)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvTargetConfirm, err)
	}
	if preApproved {
		cfg.ConfirmRequired = false
	}

	return cfg, nil
}

// Validate checks the world URL and normalizes it.
func (c *Config) Validate() error {
	if c.WorldURL == "" {
		return errcode.New(errcode.MissingWorldURL, "")
	}
	u, err := url.Parse(c.WorldURL)
	if err != nil {
		return fmt.Errorf("invalid world URL %q: %w", c.WorldURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid world URL %q: scheme must be http or https", c.WorldURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid world URL %q: missing host", c.WorldURL)
	}
	c.WorldURL = strings.TrimRight(c.WorldURL, "/")

	if c.ActivityRedisURL != "" {
		if _, err := url.Parse(c.ActivityRedisURL); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvActivityRedisURL, err)
		}
	}
	return nil
}

// Describe returns a short label for the world, used in prompts and logs.
func (c *Config) Describe() string {
	label := c.WorldURL
	if c.TargetName != "" {
		label = fmt.Sprintf("%s (%s)", c.TargetName, c.WorldURL)
	}
	if c.WorldID != "" {
		label += " world " + c.WorldID
	}
	return label
}

func unknownTarget(name string, targets map[string]Target, path string) error {
	if len(targets) == 0 {
		return fmt.Errorf("unknown target %q: no targets defined in %s", name, filepath.Join(project.StateDir, TargetFiles[0]))
	}
	known := make([]string, 0, len(targets))
	for k := range targets {
		known = append(known, k)
	}
	sort.Strings(known)
	return fmt.Errorf("unknown target %q in %s (known: %s)", name, path, strings.Join(known, ", "))
}

func parseBool(s string, def bool) (bool, error) {
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return def, fmt.Errorf("expected a boolean, got %q", s)
}
