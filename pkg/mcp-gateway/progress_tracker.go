package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

type progressCarrier interface {
	mcp.Params
	GetProgressToken() any
	SetProgressToken(any)
}

// progressTracker routes upstream progress notifications to the downstream
// session that made the call. Every upstream call carries a gateway-issued
// token; the caller's own token is restored when forwarding.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	ctx   context.Context
	sink  progressSink
	token any
	seq   uint64
}

// progressCleanupGrace keeps a route alive briefly after the call returns so
// notifications queued behind the response still reach the caller.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track swaps the caller's progress token in params for a gateway token bound
// to serverID and returns a release func. Calls without a token are left
// untouched.
func (pt *progressTracker) track(ctx context.Context, serverID string, sink progressSink, params progressCarrier) func() {
	if params == nil || sink == nil {
		return func() {}
	}
	downstream := params.GetProgressToken()
	if downstream == nil {
		return func() {}
	}
	normalized, ok := normalizeProgressToken(downstream)
	if !ok {
		pt.logWarn("progress token unsupported", serverID, downstream)
		return func() {}
	}
	upstream := pt.nextToken(serverID)
	ensureProgressMeta(params)
	params.SetProgressToken(upstream)
	return pt.register(ctx, serverID, upstream, normalized, sink)
}

func (pt *progressTracker) nextToken(serverID string) string {
	return fmt.Sprintf("gw/%s/%d", serverID, pt.counter.Add(1))
}

func (pt *progressTracker) register(ctx context.Context, serverID string, upstream, downstream any, sink progressSink) func() {
	key, ok := progressMapKey(serverID, upstream)
	if !ok {
		pt.logWarn("progress token unsupported", serverID, upstream)
		return func() {}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.routes[key] = progressRoute{ctx: context.WithoutCancel(ctx), sink: sink, token: downstream, seq: seq}
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, seq)
	}
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.routes[key]; ok && current.seq == seq {
		delete(pt.routes, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(serverID string, token any) (progressRoute, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return progressRoute{}, false
	}
	key, ok := progressMapKey(serverID, normalized)
	if !ok {
		return progressRoute{}, false
	}
	pt.mu.RLock()
	route, ok := pt.routes[key]
	pt.mu.RUnlock()
	return route, ok
}

// forward delivers an upstream notification to the session that owns its
// token. It reports whether a route existed.
func (pt *progressTracker) forward(serverID string, params *mcp.ProgressNotificationParams) (bool, error) {
	if params == nil {
		return false, nil
	}
	route, ok := pt.lookup(serverID, params.ProgressToken)
	if !ok {
		return false, nil
	}
	out := *params
	out.ProgressToken = route.token
	return true, route.sink.NotifyProgress(route.ctx, &out)
}

func (pt *progressTracker) logWarn(msg, serverID string, token any) {
	if pt.logger == nil {
		return
	}
	pt.logger.Warn(msg, "server", serverID, "token", token)
}

func progressMapKey(serverID string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return serverID + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", serverID, v), true
	default:
		return "", false
	}
}

// normalizeProgressToken reduces a token decoded from JSON to string or int64.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Trunc(v) != v {
			return nil, false
		}
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func ensureProgressMeta(params progressCarrier) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
}
