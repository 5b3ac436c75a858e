package mcpgateway

import (
	"maps"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
)

type featureIndex struct {
	ns NamespaceStrategy

	mu sync.RWMutex

	tools       map[string]toolTarget
	serverTools map[string][]string
}

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:          ns,
		tools:       make(map[string]toolTarget),
		serverTools: make(map[string][]string),
	}
}

// UpdateTools replaces the tools known for serverID. It returns the gateway
// names to unregister and the tools to register in their place.
func (f *featureIndex) UpdateTools(serverID string, upstream []*mcp.Tool) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed = f.removeToolsLocked(serverID)
	added = make([]toolRegistration, 0, len(upstream))
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil || tool.Name == "" {
			continue
		}
		gatewayName := f.ns.ToolName(serverID, tool.Name)
		if owner, taken := f.tools[gatewayName]; taken && owner.ServerID != serverID {
			continue
		}
		clone := cloneTool(tool, gatewayName, serverID)
		target := toolTarget{GatewayName: gatewayName, ServerID: serverID, NativeName: tool.Name}
		f.tools[gatewayName] = target
		added = append(added, toolRegistration{Tool: clone, Target: target})
		names = append(names, gatewayName)
	}
	f.serverTools[serverID] = names
	return removed, added
}

// RemoveServer forgets every tool of serverID and returns their gateway names.
func (f *featureIndex) RemoveServer(serverID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeToolsLocked(serverID)
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

// ToolNames returns every registered gateway tool name, sorted.
func (f *featureIndex) ToolNames() []string {
	f.mu.RLock()
	names := make([]string, 0, len(f.tools))
	for name := range f.tools {
		names = append(names, name)
	}
	f.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (f *featureIndex) removeToolsLocked(serverID string) []string {
	names := f.serverTools[serverID]
	if len(names) == 0 {
		delete(f.serverTools, serverID)
		return nil
	}
	for _, name := range names {
		delete(f.tools, name)
	}
	delete(f.serverTools, serverID)
	return append([]string(nil), names...)
}

func cloneTool(tool *mcp.Tool, gatewayName, serverID string) *mcp.Tool {
	if tool == nil {
		return nil
	}
	clone := *tool
	clone.Name = gatewayName
	clone.InputSchema = objectSchema(tool.InputSchema)
	if tool.OutputSchema != nil && !isObjectSchema(tool.OutputSchema) {
		clone.OutputSchema = nil
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

// objectSchema returns schema when it describes an object, and an open object
// schema otherwise. mcp.Server refuses tools whose input is not an object.
func objectSchema(schema any) any {
	if isObjectSchema(schema) {
		return schema
	}
	return map[string]any{"type": "object"}
}

func isObjectSchema(schema any) bool {
	switch s := schema.(type) {
	case *jsonschema.Schema:
		return s != nil && s.Type == "object"
	case map[string]any:
		return s["type"] == "object"
	default:
		return false
	}
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
