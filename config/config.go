package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every setting name when read from the environment
const EnvPrefix = "SCHEDULES_RUNNER_"

// DefaultSettingsFile is the base name searched when no settings file is given
const DefaultSettingsFile = "settings"

// Fetch modes
const (
	FetchStrict  = "strict"
	FetchLenient = "lenient"
)

// ErrInvalid is wrapped by every configuration error
var ErrInvalid = errors.New("invalid configuration")

// Config holds the resolved settings of the runner
type Config struct {
	// Scheduler server
	Server string
	Token  string

	// Root directory of the per-execution script tree
	Logs string

	// Poll loop
	PollInterval time.Duration
	FetchMode    string

	// Lifecycle
	Interpreter    string
	MaxConcurrency int
	ReportExit     bool
	ShutdownGrace  time.Duration

	// Optional local surfaces
	StatusAddr  string
	JournalPath string

	// Logging
	LogLevel  string
	LogFormat string

	// SettingsFile is the file that was actually read, empty if none
	SettingsFile string
}

// LoadOptions carries the values supplied on the command line
type LoadOptions struct {
	// Token overrides any file or environment token when non-empty
	Token string
	// SettingsFile is a path or base name; empty means DefaultSettingsFile
	SettingsFile string
}

// Defaults returns the built-in configuration without server, token or logs
func Defaults() *Config {
	return &Config{
		PollInterval:  10 * time.Second,
		FetchMode:     FetchLenient,
		Interpreter:   "bash",
		ShutdownGrace: 30 * time.Second,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load resolves settings from defaults, the settings file, the environment
// and finally the command line, then validates the result.
func Load(opts LoadOptions) (*Config, error) {
	// Load .env file if it exists; real environment variables win
	_ = godotenv.Load()

	cfg := Defaults()

	values, path, err := readSettingsFile(opts.SettingsFile)
	if err != nil {
		return nil, err
	}
	cfg.SettingsFile = path

	if err := cfg.apply(values); err != nil {
		return nil, err
	}
	if err := cfg.apply(envValues()); err != nil {
		return nil, err
	}

	if opts.Token != "" {
		cfg.Token = opts.Token
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads config with defaults for testing
func LoadWithDefaults() *Config {
	cfg := Defaults()
	cfg.Server = "http://127.0.0.1:8080"
	cfg.Token = "test-token"
	cfg.Logs = os.TempDir()
	return cfg
}

// Validate checks that the required settings are present and well formed
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: token is required (use -t or %sTOKEN)", ErrInvalid, EnvPrefix)
	}
	if c.Server == "" {
		return fmt.Errorf("%w: server is required", ErrInvalid)
	}
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server must be an absolute http(s) URL, got %q", ErrInvalid, c.Server)
	}
	if c.Logs == "" {
		return fmt.Errorf("%w: logs is required", ErrInvalid)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	}
	if c.FetchMode != FetchStrict && c.FetchMode != FetchLenient {
		return fmt.Errorf("%w: fetch_mode must be %q or %q, got %q", ErrInvalid, FetchStrict, FetchLenient, c.FetchMode)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: max_concurrency must not be negative", ErrInvalid)
	}
	if c.Interpreter == "" {
		return fmt.Errorf("%w: interpreter is required", ErrInvalid)
	}
	return nil
}

// StrictFetch reports whether a failed fetch must stop the runner
func (c *Config) StrictFetch() bool {
	return c.FetchMode == FetchStrict
}

func (c *Config) normalize() {
	c.Token = strings.TrimSpace(c.Token)
	c.Server = strings.TrimRight(strings.TrimSpace(c.Server), "/")
	if c.Logs != "" {
		c.Logs = filepath.Clean(c.Logs)
		if abs, err := filepath.Abs(c.Logs); err == nil {
			c.Logs = abs
		}
	}
	c.FetchMode = strings.ToLower(c.FetchMode)
}

// apply copies recognised keys onto the config
func (c *Config) apply(values map[string]string) error {
	for key, value := range values {
		var err error
		switch key {
		case "server":
			c.Server = value
		case "token":
			c.Token = value
		case "logs":
			c.Logs = value
		case "poll_interval":
			c.PollInterval, err = parseDuration(value)
		case "fetch_mode":
			c.FetchMode = value
		case "interpreter":
			c.Interpreter = value
		case "max_concurrency":
			c.MaxConcurrency, err = strconv.Atoi(value)
		case "report_exit":
			c.ReportExit, err = strconv.ParseBool(value)
		case "shutdown_grace":
			c.ShutdownGrace, err = parseDuration(value)
		case "status_addr":
			c.StatusAddr = value
		case "journal":
			c.JournalPath = value
		case "log_level":
			c.LogLevel = value
		case "log_format":
			c.LogFormat = value
		}
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err)
		}
	}
	return nil
}

// settingKeys lists every key the runner understands
var settingKeys = []string{
	"server", "token", "logs", "poll_interval", "fetch_mode", "interpreter",
	"max_concurrency", "report_exit", "shutdown_grace", "status_addr", "journal",
	"log_level", "log_format",
}

func envValues() map[string]string {
	values := make(map[string]string)
	for _, key := range settingKeys {
		if value := os.Getenv(EnvPrefix + strings.ToUpper(key)); value != "" {
			values[key] = value
		}
	}
	return values
}

// readSettingsFile finds and parses the settings file. A missing default
// file is not an error; a missing explicit one is.
func readSettingsFile(name string) (map[string]string, string, error) {
	explicit := name != ""
	if !explicit {
		name = DefaultSettingsFile
	}

	path := findSettingsFile(name)
	if path == "" {
		if explicit {
			return nil, "", fmt.Errorf("%w: settings file %q not found", ErrInvalid, name)
		}
		return map[string]string{}, "", nil
	}

	var (
		values map[string]string
		err    error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		values, err = readYAML(path)
	default:
		values, err = readDotenv(path)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return values, path, nil
}

func findSettingsFile(name string) string {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = append(candidates, name+".yaml", name+".yml", name+".env")
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		values[settingKey(key)] = fmt.Sprint(value)
	}
	return values, nil
}

func readDotenv(path string) (map[string]string, error) {
	raw, err := godotenv.Read(path)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		values[settingKey(key)] = value
	}
	return values, nil
}

// settingKey accepts both "poll_interval" and "SCHEDULES_RUNNER_POLL_INTERVAL"
func settingKey(key string) string {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(strings.ToUpper(key), EnvPrefix) {
		key = key[len(EnvPrefix):]
	}
	return strings.ToLower(key)
}

// parseDuration accepts Go durations ("15s") and bare integers as seconds
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}
