package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NotificationSchema identifies an MCP notification method.
type NotificationSchema string

const (
	NotificationSchemaToolListChanged NotificationSchema = "notifications/tools/list_changed"
	NotificationSchemaProgress        NotificationSchema = "notifications/progress"
	NotificationSchemaLogging         NotificationSchema = "notifications/message"
	NotificationSchemaCancelled       NotificationSchema = "notifications/cancelled"
)

// AnyServer registers a handler for notifications from every server.
const AnyServer = "*"

// NotificationPayload carries the raw params of a notification so callers can
// decode the shape they expect.
type NotificationPayload struct {
	ServerID string
	Method   NotificationSchema
	Params   json.RawMessage
}

// Decode unmarshals the params into v.
func (p NotificationPayload) Decode(v any) error {
	if len(p.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", p.Method, err)
	}
	return nil
}

// Progress decodes a notifications/progress payload.
func (p NotificationPayload) Progress() (*mcp.ProgressNotificationParams, error) {
	var params mcp.ProgressNotificationParams
	if err := p.Decode(&params); err != nil {
		return nil, err
	}
	return &params, nil
}

// NotificationHandlerFunc handles one notification from a tool server.
type NotificationHandlerFunc func(context.Context, NotificationPayload)

// ToolListChangedFunc is called with the new tool list after a server
// announced a change and the cache was refreshed.
type ToolListChangedFunc func(serverID string, tools []*mcp.Tool)

type notificationRegistry struct {
	mu       sync.RWMutex
	raw      map[string]map[NotificationSchema][]NotificationHandlerFunc
	toolList map[string][]ToolListChangedFunc
}

func newNotificationRegistry() *notificationRegistry {
	return &notificationRegistry{
		raw:      make(map[string]map[NotificationSchema][]NotificationHandlerFunc),
		toolList: make(map[string][]ToolListChangedFunc),
	}
}

// AddNotificationHandler registers a handler for the given notification method
// on serverID, or on every server when serverID is AnyServer. Handlers survive
// reconnects and run in arrival order on a per-connection goroutine. A
// handler that falls behind by more than 64 notifications causes newer ones
// on that connection to be dropped; tool calls are not held up.
func (m *Manager) AddNotificationHandler(serverID string, schema NotificationSchema, handler NotificationHandlerFunc) {
	if handler == nil {
		return
	}
	r := m.notifications
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.raw[serverID]; !ok {
		r.raw[serverID] = make(map[NotificationSchema][]NotificationHandlerFunc)
	}
	r.raw[serverID][schema] = append(r.raw[serverID][schema], handler)
}

// OnToolListChanged registers a handler that receives the refreshed tool list
// of serverID (or of every server for AnyServer).
func (m *Manager) OnToolListChanged(serverID string, handler ToolListChangedFunc) {
	if handler == nil {
		return
	}
	r := m.notifications
	r.mu.Lock()
	r.toolList[serverID] = append(r.toolList[serverID], handler)
	r.mu.Unlock()
}

func (m *Manager) dispatchNotification(serverID, method string, params json.RawMessage) {
	schema := NotificationSchema(method)
	r := m.notifications
	r.mu.RLock()
	handlers := slices.Concat(r.raw[serverID][schema], r.raw[AnyServer][schema])
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	payload := NotificationPayload{ServerID: serverID, Method: schema, Params: params}
	ctx := context.Background()
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.options.Logger.Error("notification handler panicked", "server", serverID, "method", method, "panic", p)
				}
			}()
			h(ctx, payload)
		}()
	}
}

func (m *Manager) dispatchToolsChanged(serverID string, tools []*mcp.Tool) {
	r := m.notifications
	r.mu.RLock()
	handlers := slices.Concat(r.toolList[serverID], r.toolList[AnyServer])
	r.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.options.Logger.Error("tool list handler panicked", "server", serverID, "panic", p)
				}
			}()
			h(serverID, tools)
		}()
	}
}
