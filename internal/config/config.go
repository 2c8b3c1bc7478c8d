// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the proxy.
type Config struct {
	Server           ServerConfig               `toml:"server"`
	Logging          LoggingConfig              `toml:"logging"`
	SessionPools     map[string]SessionPool     `toml:"session_pools"`
	HTTPDestinations map[string]HTTPDestination `toml:"http_destinations"`
	Chat             map[string]Chat            `toml:"chat"`

	Path string `toml:"-"` // File the config was loaded from (CLI/env only)

	logger *zap.SugaredLogger
}

// ServerConfig holds settings of the public listener.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=connections, 2=messages, 3=payloads
}

// SessionPool holds the limits of one pool of client connections.
// Listen addresses serve the control-plane API of the pool.
type SessionPool struct {
	Listen                   []string `toml:"listen"`
	MaxConnections           int      `toml:"max_connections"`
	PipelineDepth            int      `toml:"pipeline_depth"`
	ListenErrorTimeout       Duration `toml:"listen_error_timeout"`
	MaxPayloadSize           int64    `toml:"max_payload_size"`
	NewConnectionIdleTimeout Duration `toml:"new_connection_idle_timeout"`
	ClientMinIdleTimeout     Duration `toml:"client_min_idle_timeout"`
	ClientMaxIdleTimeout     Duration `toml:"client_max_idle_timeout"`
	ClientDefaultIdleTimeout Duration `toml:"client_default_idle_timeout"`
	InactivityHandlers       []string `toml:"inactivity_handlers"`
	WeakContentType          bool     `toml:"weak_content_type"`
}

// HTTPDestination describes a backend reachable through the dispatcher.
type HTTPDestination struct {
	Addresses      []string `toml:"addresses"`
	MaxConnections int      `toml:"max_connections"` // per address
	QueueLimit     int      `toml:"queue_limit"`
	Backoff        Duration `toml:"backoff"`
	KeepAlive      Duration `toml:"keep_alive"`
	Timeout        Duration `toml:"timeout"` // 0 = caller context only
	Pipeline       bool     `toml:"pipeline"`
	PipelineDepth  int      `toml:"pipeline_depth"`
	Host           string   `toml:"override_host_header"`
}

// Chat binds a public route to a session pool and its backends.
type Chat struct {
	Route                 string            `toml:"route"`
	SessionPool           string            `toml:"session_pool"`
	HTTPRoute             string            `toml:"http_route"` // destination for plain HTTP requests on Route
	Authorize             string            `toml:"authorize"`
	MessageHandlers       map[string]string `toml:"message_handlers"`
	AllowEmptySubprotocol bool              `toml:"allow_empty_subprotocol"`
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultSessionPool returns the limits used for unset pool fields.
func DefaultSessionPool() SessionPool {
	return SessionPool{
		MaxConnections:           1000,
		PipelineDepth:            2,
		ListenErrorTimeout:       Duration(100 * time.Millisecond),
		MaxPayloadSize:           10 << 20,
		NewConnectionIdleTimeout: Duration(60 * time.Second),
		ClientMinIdleTimeout:     Duration(time.Second),
		ClientMaxIdleTimeout:     Duration(2 * time.Hour),
		ClientDefaultIdleTimeout: Duration(time.Second),
	}
}

// DefaultHTTPDestination returns the dispatcher settings used for unset destination fields.
func DefaultHTTPDestination() HTTPDestination {
	return HTTPDestination{
		MaxConnections: 100,
		QueueLimit:     1000,
		Backoff:        Duration(time.Second),
		KeepAlive:      Duration(60 * time.Second),
		PipelineDepth:  2,
	}
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
		SessionPools:     make(map[string]SessionPool),
		HTTPDestinations: make(map[string]HTTPDestination),
		Chat:             make(map[string]Chat),
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("chatproxy", flag.ContinueOnError)
	path := fs.String("config", "", "Path to the TOML config file")
	listen := fs.String("listen", "", "Public listen address")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	configPath := "config/chatproxy.toml"
	if v := os.Getenv("CHATPROXY_CONFIG"); v != "" {
		configPath = v
	}
	if *path != "" {
		configPath = *path
	}

	cfg, err := LoadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.Path = configPath
		cfg.applyDefaults()
	}

	cfg.applyEnv()

	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, cfg.Validate()
}

// LoadFile reads a TOML file on top of the defaults, without env or flag overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadTOML(path); err != nil {
		return nil, err
	}
	cfg.Path = path
	cfg.applyDefaults()
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyDefaults fills zero-valued pool and destination fields.
func (c *Config) applyDefaults() {
	pd := DefaultSessionPool()
	for name, p := range c.SessionPools {
		if p.MaxConnections == 0 {
			p.MaxConnections = pd.MaxConnections
		}
		if p.PipelineDepth == 0 {
			p.PipelineDepth = pd.PipelineDepth
		}
		if p.ListenErrorTimeout == 0 {
			p.ListenErrorTimeout = pd.ListenErrorTimeout
		}
		if p.MaxPayloadSize == 0 {
			p.MaxPayloadSize = pd.MaxPayloadSize
		}
		if p.NewConnectionIdleTimeout == 0 {
			p.NewConnectionIdleTimeout = pd.NewConnectionIdleTimeout
		}
		if p.ClientMinIdleTimeout == 0 {
			p.ClientMinIdleTimeout = pd.ClientMinIdleTimeout
		}
		if p.ClientMaxIdleTimeout == 0 {
			p.ClientMaxIdleTimeout = pd.ClientMaxIdleTimeout
		}
		if p.ClientDefaultIdleTimeout == 0 {
			p.ClientDefaultIdleTimeout = pd.ClientDefaultIdleTimeout
		}
		c.SessionPools[name] = p
	}

	dd := DefaultHTTPDestination()
	for name, d := range c.HTTPDestinations {
		if d.MaxConnections == 0 {
			d.MaxConnections = dd.MaxConnections
		}
		if d.QueueLimit == 0 {
			d.QueueLimit = dd.QueueLimit
		}
		if d.Backoff == 0 {
			d.Backoff = dd.Backoff
		}
		if d.KeepAlive == 0 {
			d.KeepAlive = dd.KeepAlive
		}
		if d.PipelineDepth == 0 {
			d.PipelineDepth = dd.PipelineDepth
		}
		c.HTTPDestinations[name] = d
	}

	for name, ch := range c.Chat {
		if ch.Route == "" {
			ch.Route = "/" + name
		}
		c.Chat[name] = ch
	}
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATPROXY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CHATPROXY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATPROXY_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Validate checks the references between pools, destinations and chat handlers.
func (c *Config) Validate() error {
	for _, name := range SortedKeys(c.SessionPools) {
		p := c.SessionPools[name]
		if p.ClientMinIdleTimeout > p.ClientMaxIdleTimeout {
			return fmt.Errorf("session pool %q: client_min_idle_timeout exceeds client_max_idle_timeout", name)
		}
		for _, dest := range p.InactivityHandlers {
			if _, ok := c.HTTPDestinations[dest]; !ok {
				return fmt.Errorf("session pool %q: unknown inactivity handler destination %q", name, dest)
			}
		}
	}
	for _, name := range SortedKeys(c.HTTPDestinations) {
		if len(c.HTTPDestinations[name].Addresses) == 0 {
			return fmt.Errorf("http destination %q: no addresses", name)
		}
	}
	for _, name := range SortedKeys(c.Chat) {
		ch := c.Chat[name]
		if _, ok := c.SessionPools[ch.SessionPool]; !ok {
			return fmt.Errorf("chat %q: unknown session pool %q", name, ch.SessionPool)
		}
		refs := []string{ch.Authorize, ch.HTTPRoute}
		for _, dest := range ch.MessageHandlers {
			refs = append(refs, dest)
		}
		for _, dest := range refs {
			if dest == "" {
				continue
			}
			if _, ok := c.HTTPDestinations[dest]; !ok {
				return fmt.Errorf("chat %q: unknown http destination %q", name, dest)
			}
		}
	}
	return nil
}

// Verbosity returns the configured verbosity level (0-3).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// SortedKeys returns the keys of m in order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
