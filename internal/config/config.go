// Package config loads and hot-reloads the proxy's declarative YAML
// configuration: listen addresses, routing targets, pool behavior,
// authentication users, the plugin load order, and resource limits.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Listen  []ListenEntry           `yaml:"listen"`
	Targets map[string]TargetConfig `yaml:"targets"`
	Pool    PoolDefaults            `yaml:"pool"`
	Auth    AuthConfig              `yaml:"auth"`
	Plugins []PluginConfig          `yaml:"plugins"`
	Limits  LimitsConfig            `yaml:"limits"`
	Admin   AdminConfig             `yaml:"admin"`
}

// AdminConfig configures the REST/dashboard/metrics control-plane server.
type AdminConfig struct {
	Address string `yaml:"address,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// ListenEntry is one address the proxy accepts frontend connections
// on, with an optional per-listener TLS certificate.
type ListenEntry struct {
	Address string     `yaml:"address"`
	TLS     *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig names the certificate/key pair for a listener.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// PoolDefaults configures connection-pool behavior, either as the
// global default or as a per-target override.
type PoolDefaults struct {
	Mode                string        `yaml:"mode" json:"mode"` // session | transaction | statement
	MinConnections      *int          `yaml:"min_connections,omitempty" json:"min_connections,omitempty"`
	MaxConnections      *int          `yaml:"max_connections,omitempty" json:"max_connections,omitempty"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	IdleTimeout         time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	MaxLifetime         time.Duration `yaml:"max_lifetime,omitempty" json:"max_lifetime,omitempty"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty" json:"health_check_interval,omitempty"`
	ResetQuery          string        `yaml:"reset_query,omitempty" json:"reset_query,omitempty"`
}

// TargetConfig describes one backend PostgreSQL server this proxy
// pools connections to.
type TargetConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	Role        string `yaml:"role" json:"role,omitempty"` // primary | replica
	DBName      string `yaml:"dbname" json:"dbname"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`

	Pool PoolDefaults `yaml:"pool,omitempty" json:"pool,omitempty"`
}

// EffectivePassword resolves the configured password, preferring an
// explicit value over PasswordEnv.
func (t TargetConfig) EffectivePassword() string {
	if t.Password != "" {
		return t.Password
	}
	if t.PasswordEnv != "" {
		return os.Getenv(t.PasswordEnv)
	}
	return ""
}

func mergeInt(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

func mergeDuration(override, fallback time.Duration) time.Duration {
	if override != 0 {
		return override
	}
	return fallback
}

// Effective merges t.Pool over defaults, returning a fully resolved
// PoolDefaults with no nil/zero fields left to interpret.
func (t TargetConfig) Effective(defaults PoolDefaults) PoolDefaults {
	mode := t.Pool.Mode
	if mode == "" {
		mode = defaults.Mode
	}
	resetQuery := t.Pool.ResetQuery
	if resetQuery == "" {
		resetQuery = defaults.ResetQuery
	}
	return PoolDefaults{
		Mode:                mode,
		MinConnections:      intPtr(mergeInt(t.Pool.MinConnections, intOrZero(defaults.MinConnections))),
		MaxConnections:      intPtr(mergeInt(t.Pool.MaxConnections, intOrZero(defaults.MaxConnections))),
		ConnectTimeout:      mergeDuration(t.Pool.ConnectTimeout, defaults.ConnectTimeout),
		IdleTimeout:         mergeDuration(t.Pool.IdleTimeout, defaults.IdleTimeout),
		MaxLifetime:         mergeDuration(t.Pool.MaxLifetime, defaults.MaxLifetime),
		HealthCheckInterval: mergeDuration(t.Pool.HealthCheckInterval, defaults.HealthCheckInterval),
		ResetQuery:          resetQuery,
	}
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func intPtr(v int) *int { return &v }

// Redacted returns a copy of t with the password masked, for logging.
func (t TargetConfig) Redacted() TargetConfig {
	c := t
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// AuthConfig lists the users the proxy will authenticate frontend
// connections as, independent of the credentials it uses to
// authenticate itself to each target.
type AuthConfig struct {
	Users map[string]UserConfig `yaml:"users"`
}

// UserConfig is one frontend-facing user's credential and method.
type UserConfig struct {
	Method      string `yaml:"method"` // cleartext | md5 | scram-sha-256
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// EffectivePassword resolves the configured password, preferring an
// explicit value over PasswordEnv.
func (u UserConfig) EffectivePassword() string {
	if u.Password != "" {
		return u.Password
	}
	if u.PasswordEnv != "" {
		return os.Getenv(u.PasswordEnv)
	}
	return ""
}

// PluginConfig names one plugin to load, its priority relative to
// other plugins sharing a hook, and its free-form settings.
type PluginConfig struct {
	Name     string         `yaml:"name"`
	Priority int            `yaml:"priority"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// LimitsConfig bounds message sizes, acquire waits, and health probes.
type LimitsConfig struct {
	MaxMessageSize             int           `yaml:"max_message_size,omitempty"`
	MaxMessageSizeCopy         int           `yaml:"max_message_size_copy,omitempty"`
	AcquireTimeout             time.Duration `yaml:"acquire_timeout,omitempty"`
	HealthCheckFailureThreshold int          `yaml:"health_check_failure_threshold,omitempty"`
	HealthCheckTimeout         time.Duration `yaml:"health_check_timeout,omitempty"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, env-substitutes, and parses the YAML config file at
// path. Unknown top-level or nested keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, &InvalidError{Err: fmt.Errorf("parsing config file: %w", err)}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, &InvalidError{Err: err}
	}

	return cfg, nil
}

// InvalidError wraps a config load/validation failure, distinguished
// from other error kinds so main can map it to the ConfigInvalid exit
// code without string-matching.
type InvalidError struct {
	Err error
}

func (e *InvalidError) Error() string { return e.Err.Error() }
func (e *InvalidError) Unwrap() error { return e.Err }

func applyDefaults(cfg *Config) {
	if cfg.Pool.Mode == "" {
		cfg.Pool.Mode = "transaction"
	}
	if intOrZero(cfg.Pool.MinConnections) == 0 {
		cfg.Pool.MinConnections = intPtr(2)
	}
	if intOrZero(cfg.Pool.MaxConnections) == 0 {
		cfg.Pool.MaxConnections = intPtr(20)
	}
	if cfg.Pool.ConnectTimeout == 0 {
		cfg.Pool.ConnectTimeout = 5 * time.Second
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.MaxLifetime == 0 {
		cfg.Pool.MaxLifetime = 30 * time.Minute
	}
	if cfg.Pool.HealthCheckInterval == 0 {
		cfg.Pool.HealthCheckInterval = 10 * time.Second
	}
	if cfg.Pool.ResetQuery == "" {
		cfg.Pool.ResetQuery = "DISCARD ALL"
	}
	if cfg.Limits.MaxMessageSize == 0 {
		cfg.Limits.MaxMessageSize = 1 << 20
	}
	if cfg.Limits.MaxMessageSizeCopy == 0 {
		cfg.Limits.MaxMessageSizeCopy = 1 << 30
	}
	if cfg.Limits.AcquireTimeout == 0 {
		cfg.Limits.AcquireTimeout = 10 * time.Second
	}
	if cfg.Limits.HealthCheckFailureThreshold == 0 {
		cfg.Limits.HealthCheckFailureThreshold = 3
	}
	if cfg.Limits.HealthCheckTimeout == 0 {
		cfg.Limits.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = "0.0.0.0:9090"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Listen) == 0 {
		return fmt.Errorf("at least one listen entry is required")
	}
	for i, l := range cfg.Listen {
		if l.Address == "" {
			return fmt.Errorf("listen[%d]: address is required", i)
		}
	}
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for name, t := range cfg.Targets {
		if t.Host == "" {
			return fmt.Errorf("target %q: host is required", name)
		}
		if t.Port == 0 {
			return fmt.Errorf("target %q: port is required", name)
		}
		if t.DBName == "" {
			return fmt.Errorf("target %q: dbname is required", name)
		}
		if t.Username == "" {
			return fmt.Errorf("target %q: username is required", name)
		}
		if t.Role != "" && t.Role != "primary" && t.Role != "replica" {
			return fmt.Errorf("target %q: role must be primary or replica, got %q", name, t.Role)
		}
	}
	switch cfg.Pool.Mode {
	case "session", "transaction", "statement":
	default:
		return fmt.Errorf("pool.mode must be session, transaction, or statement, got %q", cfg.Pool.Mode)
	}
	for user, u := range cfg.Auth.Users {
		switch u.Method {
		case "cleartext", "md5", "scram-sha-256":
		default:
			return fmt.Errorf("auth user %q: unsupported method %q", user, u.Method)
		}
	}
	return nil
}

// Watcher watches the config file for changes and calls back with the
// newly loaded Config, debounced to absorb editors that write a file
// in multiple steps.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
