package mcpmgr

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Helpers for comparing and copying ServerConfig values.

// SameLaunch reports whether a and b would start the same subprocess. Timeouts
// and logging hooks are ignored because they do not change the child.
func SameLaunch(a, b ServerConfig) bool {
	return a.Command == b.Command &&
		slices.Equal(a.Args, b.Args) &&
		maps.Equal(a.Env, b.Env) &&
		a.Dir == b.Dir &&
		a.framing() == b.framing()
}

// Clone returns a deep copy of the config so callers cannot mutate a
// connected server's launch settings.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Env = maps.Clone(c.Env)
	return out
}

// Validate checks that the config can be launched.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("mcpmgr: server name is required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("mcpmgr: command missing for %q", c.Name)
	}
	switch c.framing() {
	case FramingNewline, FramingContentLength:
	default:
		return fmt.Errorf("mcpmgr: unsupported framing %q for %q", c.Framing, c.Name)
	}
	return nil
}

func (c ServerConfig) framing() Framing {
	if c.Framing == "" {
		return FramingNewline
	}
	return c.Framing
}

// flattenEnv renders env as sorted KEY=VALUE pairs.
func flattenEnv(values map[string]string) []string {
	keys := slices.Sorted(maps.Keys(values))
	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
