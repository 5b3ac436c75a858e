package mcpmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
	// StateFailed is absorbing: a failed connection is never reused.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) terminal() bool { return s == StateClosed || s == StateFailed }

var (
	errHandshakeDeadline = errors.New("handshake deadline exceeded")
	errCallDeadline      = errors.New("call deadline exceeded")
)

const notificationQueueSize = 64

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	id        int64
	method    string
	tool      string
	createdAt time.Time
	ch        chan callResult
}

type toolEntry struct {
	tool   *mcp.Tool
	schema *jsonschema.Resolved
}

// connectionParams carries what a Connection needs besides its transport.
// Timeouts in config are already resolved against the manager defaults.
type connectionParams struct {
	config         ServerConfig
	options        ManagerOptions
	rpcLogger      RPCLogger
	onNotification func(method string, params json.RawMessage)
	onToolsChanged func(tools []*mcp.Tool)
}

// Connection is one live session with a tool server. It multiplexes
// concurrent requests over a single transport and correlates responses by id.
type Connection struct {
	id        string
	name      string
	cfg       ServerConfig
	opts      ManagerOptions
	transport Transport
	codec     Codec
	logger    *slog.Logger
	rpcLogger RPCLogger

	onNotification func(string, json.RawMessage)
	onToolsChanged func([]*mcp.Tool)

	mu         sync.Mutex
	state      State
	err        error
	tools      []*mcp.Tool
	toolIndex  map[string]toolEntry
	initResult *mcp.InitializeResult
	pending    map[int64]*pendingRequest

	// malformed is only touched by readLoop.
	malformed int

	refreshMu     sync.Mutex
	refreshQueued atomic.Bool

	notifyCh chan *Notification
	done     chan struct{}
}

func newConnection(t Transport, p connectionParams) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:             id,
		name:           p.config.Name,
		cfg:            p.config,
		opts:           p.options,
		transport:      t,
		logger:         p.options.Logger.With("server", p.config.Name, "connection", id),
		rpcLogger:      p.rpcLogger,
		onNotification: p.onNotification,
		onToolsChanged: p.onToolsChanged,
		state:          StateConnecting,
		toolIndex:      map[string]toolEntry{},
		pending:        map[int64]*pendingRequest{},
		notifyCh:       make(chan *Notification, notificationQueueSize),
		done:           make(chan struct{}),
	}
}

// ID returns the unique id of this connection instance.
func (c *Connection) ID() string { return c.id }

// Name returns the server name the connection was registered under.
func (c *Connection) Name() string { return c.name }

// Config returns a copy of the launch configuration.
func (c *Connection) Config() ServerConfig { return c.cfg.Clone() }

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached Closed or Failed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil while the connection is
// alive.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pid returns the tool server's process id, or 0 when the connection does not
// own a process.
func (c *Connection) Pid() int {
	if st, ok := c.transport.(*StdioTransport); ok {
		return st.Pid()
	}
	return 0
}

// InitializeResult returns what the server reported during the handshake.
func (c *Connection) InitializeResult() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult
}

// Tools returns the cached tool descriptors. It never contacts the server.
func (c *Connection) Tools() ([]*mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, c.unavailableLocked("list tools", "")
	}
	return cloneTools(c.tools), nil
}

// pendingCount is used by tests to check the pending table is drained.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// handshake starts the read loop, negotiates the protocol and discovers the
// server's tools. On failure the transport is closed and the connection is
// Failed.
func (c *Connection) handshake(ctx context.Context) error {
	const op = "connect"
	if !c.advance(StateHandshaking, StateConnecting) {
		return newError(op, c.name, "", ErrConnectionClosed, nil)
	}
	go c.readLoop()
	go c.dispatchLoop()

	timeout := c.cfg.HandshakeTimeout
	hctx, cancel := context.WithTimeoutCause(ctx, timeout, errHandshakeDeadline)
	defer cancel()

	initResult, tools, err := c.negotiate(hctx)
	if err != nil {
		kind := ErrHandshakeRejected
		switch {
		case ctx.Err() != nil:
			kind = ctx.Err()
		case context.Cause(hctx) == errHandshakeDeadline:
			kind = ErrHandshakeTimeout
			err = fmt.Errorf("no answer within %s", timeout)
		}
		c.abort(kind, err)
		return newError(op, c.name, "", kind, err)
	}

	list, index := c.indexTools(tools)
	c.mu.Lock()
	if c.state != StateHandshaking {
		cause := c.err
		c.mu.Unlock()
		return newError(op, c.name, "", ErrHandshakeRejected, cause)
	}
	c.initResult = initResult
	c.tools = list
	c.toolIndex = index
	c.state = StateReady
	c.mu.Unlock()
	c.observe(StateHandshaking, StateReady, nil)

	attrs := []any{"tools", len(list)}
	if initResult.ServerInfo != nil {
		attrs = append(attrs, "server_name", initResult.ServerInfo.Name, "server_version", initResult.ServerInfo.Version)
	}
	c.logger.Info("tool server ready", attrs...)
	return nil
}

func (c *Connection) negotiate(ctx context.Context) (*mcp.InitializeResult, []*mcp.Tool, error) {
	clientName := c.opts.DefaultClientName
	if clientName == "" {
		clientName = c.name
	}
	params := &mcp.InitializeParams{
		ProtocolVersion: c.opts.ProtocolVersion,
		ClientInfo:      &mcp.Implementation{Name: clientName, Version: c.opts.DefaultClientVersion},
		Capabilities:    &mcp.ClientCapabilities{},
	}
	raw, err := c.roundTrip(ctx, methodInitialize, params, "")
	if err != nil {
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}
	if !isObject(raw) {
		return nil, nil, fmt.Errorf("initialize: result is not an object: %s", truncate(raw, 64))
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, fmt.Errorf("initialize: decode result: %w", err)
	}

	note, err := c.codec.EncodeNotification(methodInitialized, &mcp.InitializedParams{})
	if err != nil {
		return nil, nil, err
	}
	if err := c.send(ctx, note); err != nil {
		return nil, nil, fmt.Errorf("initialized: %w", err)
	}

	tools, err := c.discoverTools(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &res, tools, nil
}

// discoverTools walks tools/list until the server stops returning a cursor.
func (c *Connection) discoverTools(ctx context.Context) ([]*mcp.Tool, error) {
	tools := []*mcp.Tool{}
	seen := map[string]bool{}
	cursor := ""
	for {
		raw, err := c.roundTrip(ctx, methodToolsList, &mcp.ListToolsParams{Cursor: cursor}, "")
		if err != nil {
			if cursor == "" && isMethodNotFound(err) {
				return tools, nil
			}
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("tools/list: decode result: %w", err)
		}
		for _, tool := range res.Tools {
			if tool != nil && tool.Name != "" {
				tools = append(tools, tool)
			}
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("tools/list: cursor %q repeated", res.NextCursor)
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}

func (c *Connection) indexTools(tools []*mcp.Tool) ([]*mcp.Tool, map[string]toolEntry) {
	list := make([]*mcp.Tool, 0, len(tools))
	index := make(map[string]toolEntry, len(tools))
	for _, tool := range tools {
		if _, dup := index[tool.Name]; dup {
			c.logger.Warn("duplicate tool name; keeping first", "tool", tool.Name)
			continue
		}
		entry := toolEntry{tool: tool}
		if c.opts.ValidateArguments {
			schema, err := compileInputSchema(tool)
			if err != nil {
				c.logger.Debug("input schema unusable; arguments will not be checked", "tool", tool.Name, "error", err)
			}
			entry.schema = schema
		}
		index[tool.Name] = entry
		list = append(list, tool)
	}
	return list, index
}

// RefreshTools re-runs discovery and swaps the cache in one step.
func (c *Connection) RefreshTools(ctx context.Context) ([]*mcp.Tool, error) {
	const op = "refresh tools"
	c.mu.Lock()
	if c.state != StateReady {
		err := c.unavailableLocked(op, "")
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	tools, err := c.discoverTools(ctx)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, newError(op, c.name, "", ErrServerError, err)
		}
		if ctx.Err() != nil {
			return nil, newError(op, c.name, "", ctx.Err(), err)
		}
		return nil, withContext(op, c.name, "", err)
	}
	list, index := c.indexTools(tools)

	c.mu.Lock()
	if c.state != StateReady {
		err := c.unavailableLocked(op, "")
		c.mu.Unlock()
		return nil, err
	}
	c.tools = list
	c.toolIndex = index
	c.mu.Unlock()

	c.logger.Debug("tool list refreshed", "tools", len(list))
	if c.onToolsChanged != nil {
		c.onToolsChanged(cloneTools(list))
	}
	return cloneTools(list), nil
}

func (c *Connection) scheduleRefresh() {
	if c.opts.DisableToolRefresh || c.State() != StateReady {
		return
	}
	if !c.refreshQueued.CompareAndSwap(false, true) {
		return
	}
	go func() {
		c.refreshMu.Lock()
		defer c.refreshMu.Unlock()
		c.refreshQueued.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		defer cancel()
		if _, err := c.RefreshTools(ctx); err != nil {
			c.logger.Warn("tool list refresh failed", "error", err)
		}
	}()
}

// Invoke calls a cached tool. Unknown tools and, when enabled, arguments that
// fail the tool's input schema are rejected without writing to the server.
func (c *Connection) Invoke(ctx context.Context, params *mcp.CallToolParams) (json.RawMessage, error) {
	const op = "call tool"
	if params == nil || params.Name == "" {
		return nil, newError(op, c.name, "", ErrUnknownTool, errors.New("tool name is required"))
	}
	tool := params.Name

	c.mu.Lock()
	if c.state != StateReady {
		err := c.unavailableLocked(op, tool)
		c.mu.Unlock()
		return nil, err
	}
	entry, ok := c.toolIndex[tool]
	c.mu.Unlock()
	if !ok {
		return nil, newError(op, c.name, tool, ErrUnknownTool, nil)
	}
	if c.opts.ValidateArguments {
		if err := validateArguments(entry.schema, params.Arguments); err != nil {
			return nil, newError(op, c.name, tool, ErrInvalidArguments, err)
		}
	}

	timeout := c.cfg.CallTimeout
	cctx, cancel := context.WithTimeoutCause(ctx, timeout, errCallDeadline)
	defer cancel()

	start := time.Now()
	raw, err := c.roundTrip(cctx, methodToolsCall, params, tool)
	if err != nil {
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			err = newError(op, c.name, tool, ErrServerError, rpcErr)
		case ctx.Err() != nil:
			err = newError(op, c.name, tool, ctx.Err(), context.Cause(ctx))
		case context.Cause(cctx) == errCallDeadline:
			err = newError(op, c.name, tool, ErrInvocationTimeout, fmt.Errorf("no response within %s", timeout))
		default:
			err = withContext(op, c.name, tool, err)
		}
	}
	c.opts.Observer.ObserveInvoke(InvokeObservation{
		Server:       c.name,
		ConnectionID: c.id,
		Tool:         tool,
		Duration:     time.Since(start),
		Err:          err,
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// roundTrip sends one request and waits for its response. Error replies are
// returned as *RPCError; teardown errors as *Error.
func (c *Connection) roundTrip(ctx context.Context, method string, params any, tool string) (json.RawMessage, error) {
	frame, id, err := c.codec.EncodeRequest(method, params)
	if err != nil {
		return nil, newError("", c.name, tool, ErrInvalidArguments, err)
	}
	p := &pendingRequest{
		id:        id,
		method:    method,
		tool:      tool,
		createdAt: time.Now(),
		ch:        make(chan callResult, 1),
	}

	c.mu.Lock()
	if c.state != StateHandshaking && c.state != StateReady {
		err := c.unavailableLocked("", tool)
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.send(ctx, frame); err != nil {
		c.removePending(id)
		return nil, newError("", c.name, tool, ErrConnectionLost, err)
	}

	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-ctx.Done():
		if c.removePending(id) != nil && method != methodInitialize {
			c.cancelRemote(id, context.Cause(ctx))
		}
		return nil, ctx.Err()
	}
}

// cancelRemote tells the server we stopped waiting. The server may still
// finish the work.
func (c *Connection) cancelRemote(id int64, reason error) {
	msg := "request abandoned"
	if reason != nil {
		msg = reason.Error()
	}
	frame, err := c.codec.EncodeNotification(methodCancelled, &mcp.CancelledParams{RequestID: id, Reason: msg})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := c.send(ctx, frame); err != nil {
			c.logger.Debug("cancel notification not delivered", "request", id, "error", err)
		}
	}()
}

func (c *Connection) removePending(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Connection) send(ctx context.Context, frame []byte) error {
	if err := c.transport.Send(ctx, frame); err != nil {
		if errors.Is(err, errStreamBroken) {
			// The server would read a truncated frame; nothing after it can
			// be trusted. Closing may wait out the kill grace, so not here.
			go c.fail(err)
		}
		return err
	}
	c.logRPC(RPCDirectionSend, frame)
	return nil
}

func (c *Connection) logRPC(direction RPCDirection, frame []byte) {
	if c.rpcLogger == nil {
		return
	}
	c.rpcLogger(RPCLogEvent{Direction: direction, Message: frame, ServerID: c.name})
}

func (c *Connection) readLoop() {
	ctx := context.Background()
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			if terr := c.transport.Err(); terr != nil {
				err = terr
			}
			c.fail(err)
			return
		}
		c.logRPC(RPCDirectionReceive, frame)

		msg, err := Decode(frame)
		if err != nil {
			c.malformed++
			c.logger.Warn("dropping malformed frame", "error", err, "consecutive", c.malformed)
			if c.malformed > c.opts.MaxMalformedFrames {
				c.fail(fmt.Errorf("%d consecutive malformed frames: %w", c.malformed, err))
				return
			}
			continue
		}
		c.malformed = 0

		switch m := msg.(type) {
		case *Response:
			c.resolve(m)
		case *Notification:
			c.handleNotification(m)
		case *Request:
			c.handleRequest(m)
		}
	}
}

func (c *Connection) resolve(resp *Response) {
	p := c.removePending(resp.ID)
	if p == nil {
		c.logger.Debug("dropping response for unknown request", "id", resp.ID)
		return
	}
	if resp.Error != nil {
		p.ch <- callResult{err: resp.Error}
		return
	}
	result := resp.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	p.ch <- callResult{result: result}
}

func (c *Connection) handleNotification(n *Notification) {
	if n.Method == methodToolsListChanged {
		c.scheduleRefresh()
	}
	if c.onNotification == nil {
		return
	}
	// Never block the read loop on slow handlers; responses share it.
	select {
	case c.notifyCh <- n:
	case <-c.done:
	default:
		c.logger.Warn("notification queue full; dropping", "method", n.Method, "queued", cap(c.notifyCh))
	}
}

func (c *Connection) dispatchLoop() {
	for {
		select {
		case n := <-c.notifyCh:
			c.dispatch(n)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) dispatch(n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", "method", n.Method, "panic", r)
		}
	}()
	c.onNotification(n.Method, n.Params)
}

// handleRequest answers server-initiated requests. Only ping is supported.
func (c *Connection) handleRequest(req *Request) {
	var (
		frame []byte
		err   error
	)
	if req.Method == methodPing {
		frame, err = c.codec.EncodeResponse(req.ID, nil, nil)
	} else {
		frame, err = c.codec.EncodeResponse(req.ID, nil, &RPCError{
			Code:    CodeMethodNotFound,
			Message: "method not found: " + req.Method,
		})
	}
	if err != nil {
		c.logger.Debug("cannot encode reply", "method", req.Method, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := c.send(ctx, frame); err != nil {
			c.logger.Debug("reply not delivered", "method", req.Method, "error", err)
		}
	}()
}

// fail handles a lost stream in either direction.
func (c *Connection) fail(cause error) {
	if final, ok := c.terminate(StateFailed, ErrConnectionLost, cause); ok && final == StateFailed {
		c.logger.Warn("connection lost", "error", cause)
		_ = c.transport.Close(context.Background())
	}
}

func (c *Connection) abort(kind, cause error) {
	c.terminate(StateFailed, kind, cause)
	_ = c.transport.Close(context.Background())
}

// terminate moves the connection to a terminal state and fails every pending
// request. A failure while closing is reported as a clean close. It returns
// the state reached and whether this call made the transition.
func (c *Connection) terminate(final State, kind, cause error) (State, bool) {
	c.mu.Lock()
	from := c.state
	if from.terminal() {
		c.mu.Unlock()
		return from, false
	}
	if from == StateClosing {
		final, kind, cause = StateClosed, ErrConnectionClosed, nil
	}
	c.state = final
	c.err = newError("", c.name, "", kind, cause)
	pending := c.pending
	c.pending = map[int64]*pendingRequest{}
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- callResult{err: newError("", c.name, p.tool, kind, cause)}
	}
	close(c.done)
	var obsErr error
	if final == StateFailed {
		obsErr = c.err
	}
	c.observe(from, final, obsErr)
	return final, true
}

// Close shuts the connection down and fails pending requests with
// ErrConnectionClosed. It is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	from := c.state
	switch {
	case from.terminal():
		c.mu.Unlock()
		return c.transport.Close(ctx)
	case from == StateClosing:
		c.mu.Unlock()
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state = StateClosing
	c.mu.Unlock()
	c.observe(from, StateClosing, nil)

	err := c.transport.Close(ctx)
	c.terminate(StateClosed, ErrConnectionClosed, nil)
	c.logger.Debug("connection closed")
	return err
}

// advance moves from one of the given states to next.
func (c *Connection) advance(next State, from ...State) bool {
	c.mu.Lock()
	cur := c.state
	ok := false
	for _, s := range from {
		if cur == s {
			ok = true
			break
		}
	}
	if ok {
		c.state = next
	}
	c.mu.Unlock()
	if ok {
		c.observe(cur, next, nil)
	}
	return ok
}

func (c *Connection) observe(from, to State, err error) {
	c.opts.Observer.ObserveConnection(ConnectionObservation{
		Server:       c.name,
		ConnectionID: c.id,
		From:         from,
		To:           to,
		Err:          err,
	})
}

// unavailableLocked explains why the connection cannot serve op. c.mu must be
// held.
func (c *Connection) unavailableLocked(op, tool string) error {
	if c.state.terminal() && c.err != nil {
		return withContext(op, c.name, tool, c.err)
	}
	if c.state == StateClosing {
		return newError(op, c.name, tool, ErrConnectionClosed, nil)
	}
	return newError(op, c.name, tool, ErrNotReady, fmt.Errorf("state %s", c.state))
}

func cloneTools(tools []*mcp.Tool) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(tools))
	for _, t := range tools {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
