// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for companion.
//
// Supports TOML, JSON and YAML configuration files, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - an explicit --config path
//   - ~/.companion/config.toml
//   - ~/.companion/config.json
//   - ~/.companion/config.yaml
//   - Built-in defaults
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete companion configuration.
type Config struct {
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`
	Ollama OllamaConfig `toml:"ollama" json:"ollama" yaml:"ollama"`
	Chat   ChatConfig   `toml:"chat" json:"chat" yaml:"chat"`
	Log    LogConfig    `toml:"log" json:"log" yaml:"log"`
}

// ServerConfig configures the browser UI server.
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:8501)
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
	// SessionIdleTimeout ends sessions idle this long; "0s" disables expiry
	SessionIdleTimeout Duration `toml:"session_idle_timeout" json:"session_idle_timeout" yaml:"session_idle_timeout"`
	// SweepInterval is how often idle sessions are looked for
	SweepInterval Duration `toml:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval"`
}

// OllamaConfig configures the model server connection.
type OllamaConfig struct {
	// URL is the Ollama base URL (default: http://localhost:11434)
	URL string `toml:"url" json:"url" yaml:"url"`
	// Timeout bounds non-streaming requests; streams are not bounded
	Timeout Duration `toml:"timeout" json:"timeout" yaml:"timeout"`
}

// ChatConfig configures conversations.
type ChatConfig struct {
	// DefaultModel is selected for new sessions
	DefaultModel string `toml:"default_model" json:"default_model" yaml:"default_model"`
	// SystemPrompt replaces the built-in system instruction when set
	SystemPrompt string `toml:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
	// Greeting replaces the opening ai message when set
	Greeting string `toml:"greeting" json:"greeting" yaml:"greeting"`
	// MaxHistory caps the messages sent per turn; 0 sends the whole transcript
	MaxHistory int `toml:"max_history" json:"max_history" yaml:"max_history"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" json:"level" yaml:"level"`
	// Format is console or json
	Format string `toml:"format" json:"format" yaml:"format"`
}

// Duration is a time.Duration written as a string such as "30m" in every
// supported file format.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default values.
const (
	DefaultAddr      = "127.0.0.1:8501"
	DefaultOllamaURL = "http://localhost:11434"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a new Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               DefaultAddr,
			SessionIdleTimeout: Duration(30 * time.Minute),
			SweepInterval:      Duration(time.Minute),
		},
		Ollama: OllamaConfig{
			URL:     DefaultOllamaURL,
			Timeout: Duration(30 * time.Second),
		},
		Chat: ChatConfig{
			DefaultModel: model.DefaultModel,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// configFileNames lists the files Load looks for, in order.
var configFileNames = []string{"config.toml", "config.json", "config.yaml", "config.yml"}

// ConfigDir returns the companion configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".companion"), nil
}

// DefaultPath returns the path of the default TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileNames[0]), nil
}

// FindConfigFile returns the first existing config file in ConfigDir, or
// "" when there is none.
func FindConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	for _, name := range configFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// Format is a config file encoding.
type Format int

const (
	FormatTOML Format = iota
	FormatJSON
	FormatYAML
)

// FormatFor picks the format from the file extension. Unknown extensions
// are treated as TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from the first file FindConfigFile
// reports when path is empty. With no file the defaults are used.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := FindConfigFile()
		if err != nil {
			return nil, err
		}
		path = found
	}

	cfg := Default()
	if path != "" {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads a config file without environment overrides. It is
// used when reloading a watched file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Decode(cfg, data, FormatFor(path)); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Decode decodes data in the given format into cfg. Fields absent from
// data keep their current values.
func Decode(cfg *Config, data []byte, f Format) error {
	switch f {
	case FormatJSON:
		return json.Unmarshal(data, cfg)
	case FormatYAML:
		return yaml.Unmarshal(data, cfg)
	default:
		_, err := toml.Decode(string(data), cfg)
		return err
	}
}

// fillDefaults restores defaults for fields a file left empty.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.SweepInterval <= 0 {
		c.Server.SweepInterval = d.Server.SweepInterval
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = d.Ollama.URL
	}
	c.Ollama.URL = strings.TrimSuffix(c.Ollama.URL, "/")
	if c.Ollama.Timeout <= 0 {
		c.Ollama.Timeout = d.Ollama.Timeout
	}
	if c.Chat.DefaultModel == "" {
		c.Chat.DefaultModel = d.Chat.DefaultModel
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default TOML file.
func Save(cfg *Config) error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes cfg to path in the format its extension names.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveTo(cfg *Config, path string) error {
	data, err := Encode(cfg, FormatFor(path))
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Encode renders cfg in the given format.
func Encode(cfg *Config, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# companion configuration file\n")
		buf.WriteString("# Generated by companion - edit with care\n\n")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"console", "json"}
)

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, ValidationError{"server.addr", fmt.Sprintf("invalid listen address %q", c.Server.Addr)})
	}
	if c.Server.SessionIdleTimeout < 0 {
		errs = append(errs, ValidationError{"server.session_idle_timeout", "must not be negative"})
	}

	if u, err := url.Parse(c.Ollama.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{"ollama.url", fmt.Sprintf("must be an http(s) URL, got %q", c.Ollama.URL)})
	}

	if !model.IsAllowed(c.Chat.DefaultModel) {
		errs = append(errs, ValidationError{"chat.default_model", fmt.Sprintf("must be one of %s", strings.Join(model.AllowedIDs(), ", "))})
	}
	if c.Chat.MaxHistory < 0 {
		errs = append(errs, ValidationError{"chat.max_history", "must not be negative"})
	}

	if !contains(validLogLevels, c.Log.Level) {
		errs = append(errs, ValidationError{"log.level", fmt.Sprintf("must be one of %s", strings.Join(validLogLevels, ", "))})
	}
	if !contains(validLogFormats, c.Log.Format) {
		errs = append(errs, ValidationError{"log.format", fmt.Sprintf("must be one of %s", strings.Join(validLogFormats, ", "))})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - COMPANION_ADDR: overrides server.addr
//   - COMPANION_OLLAMA_URL: overrides ollama.url
//   - COMPANION_MODEL: overrides chat.default_model
//   - COMPANION_LOG_LEVEL: overrides log.level
//   - COMPANION_MAX_HISTORY: overrides chat.max_history (ignored if not a number)
func (c *Config) ApplyEnvOverrides() {
	if addr := os.Getenv("COMPANION_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if u := os.Getenv("COMPANION_OLLAMA_URL"); u != "" {
		c.Ollama.URL = u
	}
	if m := os.Getenv("COMPANION_MODEL"); m != "" {
		c.Chat.DefaultModel = m
	}
	if level := os.Getenv("COMPANION_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if h := os.Getenv("COMPANION_MAX_HISTORY"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			c.Chat.MaxHistory = n
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// ErrUnknownKey is returned by Get and Set for keys that name no field.
var ErrUnknownKey = errors.New("unknown config key")

// Get retrieves a configuration value using dot notation (e.g. "chat.max_history").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if d, ok := field.Interface().(Duration); ok {
		return d.String(), nil
	}
	return field.Interface(), nil
}

// Set parses value and stores it at key (e.g. "server.addr"). The config
// is not validated; call Validate before using it.
func (c *Config) Set(key, value string) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}

	if _, ok := field.Interface().(Duration); ok {
		var d Duration
		if err := d.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: expected an integer: %w", key, err)
		}
		field.SetInt(int64(n))
	default:
		return fmt.Errorf("%s: unsupported type %s", key, field.Kind())
	}
	return nil
}

// lookup walks dot-separated toml names down the struct tree.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, fmt.Errorf("%w: empty key", ErrUnknownKey)
	}

	v := reflect.ValueOf(c).Elem()
	parts := strings.Split(key, ".")
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("%w: %s is a section", ErrUnknownKey, key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%w: %s is not a section", ErrUnknownKey, strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// GetAllKeys returns every settable key in dot notation.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := prefix + f.Tag.Get("toml")
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, name+".")
				continue
			}
			keys = append(keys, name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// UTILITY
// =============================================================================

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as indented JSON for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
