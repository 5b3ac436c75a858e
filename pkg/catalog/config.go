// Package catalog names the tool servers a process may use and hands their
// launch settings to an mcpmgr.Manager. Server definitions are read from
// YAML, TOML or JSON files; ${VAR} references are expanded from the
// environment before parsing.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

// Format identifies a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Server is one server entry in a configuration file.
type Server struct {
	Command          string            `yaml:"command" toml:"command" json:"command"`
	Args             []string          `yaml:"args" toml:"args" json:"args,omitempty"`
	Env              map[string]string `yaml:"env" toml:"env" json:"env,omitempty"`
	Dir              string            `yaml:"dir" toml:"dir" json:"dir,omitempty"`
	Framing          string            `yaml:"framing" toml:"framing" json:"framing,omitempty"`
	HandshakeTimeout Duration          `yaml:"handshake_timeout" toml:"handshake_timeout" json:"handshakeTimeout,omitempty"`
	CallTimeout      Duration          `yaml:"call_timeout" toml:"call_timeout" json:"callTimeout,omitempty"`
	LogJSONRPC       bool              `yaml:"log_jsonrpc" toml:"log_jsonrpc" json:"logJsonRpc,omitempty"`
	Disabled         bool              `yaml:"disabled" toml:"disabled" json:"disabled,omitempty"`
}

// Defaults apply to every server that leaves the field empty.
type Defaults struct {
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout" json:"handshakeTimeout,omitempty"`
	CallTimeout      Duration `yaml:"call_timeout" toml:"call_timeout" json:"callTimeout,omitempty"`
	Framing          string   `yaml:"framing" toml:"framing" json:"framing,omitempty"`
}

// File is the parsed configuration. Servers may be listed under "servers" or
// under "mcpServers", the layout used by desktop MCP clients; a name may only
// appear once across both.
type File struct {
	Defaults   Defaults          `yaml:"defaults" toml:"defaults" json:"defaults"`
	Servers    map[string]Server `yaml:"servers" toml:"servers" json:"servers,omitempty"`
	MCPServers map[string]Server `yaml:"mcpServers" toml:"mcpServers" json:"mcpServers,omitempty"`
}

// Load reads a configuration file, choosing the syntax from its extension.
func Load(path string) (*File, error) {
	format, err := formatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration data in the given format.
func Parse(data []byte, format Format) (*File, error) {
	expanded := expandEnvVars(string(data))

	var cfg File
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func formatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("cannot infer config format from %q", path)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks every server entry and reports all problems at once.
func (f *File) Validate() error {
	var errs []error
	for name := range f.MCPServers {
		if _, dup := f.Servers[name]; dup {
			errs = append(errs, fmt.Errorf("server %q is defined in both servers and mcpServers", name))
		}
	}
	for _, name := range f.Names() {
		cfg, _ := f.ServerConfig(name)
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Names returns every server name, enabled or not, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Servers)+len(f.MCPServers))
	seen := make(map[string]bool)
	for _, m := range []map[string]Server{f.Servers, f.MCPServers} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func (f *File) lookup(name string) (Server, bool) {
	if s, ok := f.Servers[name]; ok {
		return s, true
	}
	s, ok := f.MCPServers[name]
	return s, ok
}

// ServerConfig converts the named entry, with defaults applied, into the
// manager's launch configuration.
func (f *File) ServerConfig(name string) (mcpmgr.ServerConfig, bool) {
	s, ok := f.lookup(name)
	if !ok {
		return mcpmgr.ServerConfig{}, false
	}
	cfg := mcpmgr.ServerConfig{
		Name:             name,
		Command:          s.Command,
		Args:             s.Args,
		Env:              s.Env,
		Dir:              s.Dir,
		Framing:          mcpmgr.Framing(firstNonEmpty(s.Framing, f.Defaults.Framing)),
		HandshakeTimeout: time.Duration(s.HandshakeTimeout),
		CallTimeout:      time.Duration(s.CallTimeout),
		LogJSONRPC:       s.LogJSONRPC,
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = time.Duration(f.Defaults.HandshakeTimeout)
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Duration(f.Defaults.CallTimeout)
	}
	return cfg.Clone(), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
