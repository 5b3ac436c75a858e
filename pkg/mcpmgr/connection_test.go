package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-stdio-manager-go/internal/toolserver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeConnection wires a Connection to an in-process scripted server.
func pipeConnection(t *testing.T, opts toolserver.Options, configure func(*connectionParams)) *Connection {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	srv := toolserver.New(opts)
	srv.Exit = func(int) { _ = serverW.Close() }
	go func() {
		_ = srv.Serve(context.Background(), serverR, serverW, io.Discard)
		_ = serverW.Close()
	}()

	framing := FramingNewline
	if opts.Framing == string(FramingContentLength) {
		framing = FramingContentLength
	}
	params := connectionParams{
		config: ServerConfig{
			Name:             "pipe",
			Command:          "pipe",
			Framing:          framing,
			HandshakeTimeout: 2 * time.Second,
			CallTimeout:      2 * time.Second,
		},
		options: (&ManagerOptions{Logger: quietLogger()}).normalized(),
	}
	if configure != nil {
		configure(&params)
	}
	conn := newConnection(newStreamTransport(clientR, clientW, framing, 1<<20), params)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func readyConnection(t *testing.T, opts toolserver.Options, configure func(*connectionParams)) *Connection {
	t.Helper()
	conn := pipeConnection(t, opts, configure)
	if err := conn.handshake(context.Background()); err != nil {
		t.Fatalf("handshake() error = %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type structured[T any] struct {
	StructuredContent T `json:"structuredContent"`
}

func decodeStructured[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out structured[T]
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode result %s: %v", raw, err)
	}
	return out.StructuredContent
}

func call(name string, args any) *mcp.CallToolParams {
	return &mcp.CallToolParams{Name: name, Arguments: args}
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []string
	invokes []InvokeObservation
}

func (r *recordingObserver) ObserveConnection(o ConnectionObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, o.From.String()+">"+o.To.String())
}

func (r *recordingObserver) ObserveInvoke(o InvokeObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokes = append(r.invokes, o)
}

func TestConnectionHandshakeDiscoversPaginatedTools(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{Name: "paged", PageSize: 3}, nil)
	if conn.State() != StateReady {
		t.Fatalf("State() = %s, want ready", conn.State())
	}
	tools, err := conn.Tools()
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	if len(tools) != 11 {
		t.Fatalf("discovered %d tools, want 11", len(tools))
	}
	info := conn.InitializeResult()
	if info == nil || info.ServerInfo == nil || info.ServerInfo.Name != "paged" {
		t.Fatalf("InitializeResult() = %#v", info)
	}
}

func TestConnectionRoutesOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{ReverseBatch: 3}, nil)

	type outcome struct {
		want string
		got  string
		err  error
	}
	results := make(chan outcome, 3)
	for _, text := range []string{"first", "second", "third"} {
		go func() {
			raw, err := conn.Invoke(context.Background(), call("echo", map[string]any{"text": text}))
			if err != nil {
				results <- outcome{want: text, err: err}
				return
			}
			got := decodeStructured[map[string]string](t, raw)
			results <- outcome{want: text, got: got["text"]}
		}()
	}
	for range 3 {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("Invoke(%q) error = %v", r.want, r.err)
			}
			if r.got != r.want {
				t.Fatalf("Invoke(%q) resolved with %q", r.want, r.got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("invocations did not complete")
		}
	}
	if n := conn.pendingCount(); n != 0 {
		t.Fatalf("pending table holds %d entries after completion", n)
	}
}

func TestConnectionUnknownToolWritesNothing(t *testing.T) {
	t.Parallel()

	var sends atomic.Int32
	conn := readyConnection(t, toolserver.Options{}, func(p *connectionParams) {
		p.rpcLogger = func(e RPCLogEvent) {
			if e.Direction == RPCDirectionSend {
				sends.Add(1)
			}
		}
	})
	before := sends.Load()
	_, err := conn.Invoke(context.Background(), call("does-not-exist", nil))
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Invoke() error = %v, want ErrUnknownTool", err)
	}
	if after := sends.Load(); after != before {
		t.Fatalf("unknown tool wrote %d frames", after-before)
	}
}

func TestConnectionValidatesArgumentsBeforeSending(t *testing.T) {
	t.Parallel()

	var sends atomic.Int32
	conn := readyConnection(t, toolserver.Options{}, func(p *connectionParams) {
		p.options.ValidateArguments = true
		p.rpcLogger = func(e RPCLogEvent) {
			if e.Direction == RPCDirectionSend {
				sends.Add(1)
			}
		}
	})
	before := sends.Load()
	for _, args := range []any{map[string]any{}, map[string]any{"text": 5}} {
		if _, err := conn.Invoke(context.Background(), call("echo", args)); !errors.Is(err, ErrInvalidArguments) {
			t.Fatalf("Invoke(%v) error = %v, want ErrInvalidArguments", args, err)
		}
	}
	if sends.Load() != before {
		t.Fatalf("invalid arguments reached the server")
	}
	if _, err := conn.Invoke(context.Background(), call("echo", map[string]any{"text": "ok"})); err != nil {
		t.Fatalf("Invoke(valid) error = %v", err)
	}
}

func TestConnectionFailsPendingWhenServerExits(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{}, nil)
	errs := make(chan error, 4)
	for range 3 {
		go func() {
			_, err := conn.Invoke(context.Background(), call("hang", nil))
			errs <- err
		}()
	}
	waitFor(t, "three pending calls", func() bool { return conn.pendingCount() == 3 })
	go func() {
		_, err := conn.Invoke(context.Background(), call("crash", nil))
		errs <- err
	}()

	for range 4 {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("pending call error = %v, want ErrConnectionLost", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("pending calls were not failed")
		}
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done() not closed")
	}
	if conn.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", conn.State())
	}
	if conn.pendingCount() != 0 {
		t.Fatalf("pending table not drained")
	}
	if _, err := conn.Invoke(context.Background(), call("echo", map[string]any{"text": "x"})); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Invoke() after failure error = %v", err)
	}
}

func TestConnectionInvocationTimeoutSendsCancel(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{}, func(p *connectionParams) {
		p.config.CallTimeout = 100 * time.Millisecond
	})
	_, err := conn.Invoke(context.Background(), call("hang", nil))
	if !errors.Is(err, ErrInvocationTimeout) {
		t.Fatalf("Invoke() error = %v, want ErrInvocationTimeout", err)
	}
	if conn.pendingCount() != 0 {
		t.Fatalf("timed out request left in the pending table")
	}

	// initialize and tools/list used ids 1 and 2.
	waitFor(t, "cancel notification", func() bool {
		raw, err := conn.Invoke(context.Background(), call("cancelled", nil))
		if err != nil {
			return false
		}
		got := decodeStructured[map[string][]string](t, raw)
		return slices.Contains(got["ids"], "3")
	})
}

func TestConnectionCallerCancellation(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := conn.Invoke(ctx, call("hang", nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Invoke() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrInvocationTimeout) {
		t.Fatalf("caller cancellation reported as timeout")
	}
	if conn.State() != StateReady {
		t.Fatalf("cancellation must not affect the connection, state %s", conn.State())
	}
}

func TestConnectionServerErrorReply(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{}, nil)
	_, err := conn.Invoke(context.Background(), call("fail", nil))
	if !errors.Is(err, ErrServerError) {
		t.Fatalf("Invoke() error = %v, want ErrServerError", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("RPCError = %#v", rpcErr)
	}
	var mErr *Error
	if !errors.As(err, &mErr) || mErr.Server != "pipe" || mErr.Tool != "fail" {
		t.Fatalf("error context = %#v", mErr)
	}
}

func TestConnectionToleratesStrayOutput(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{StrayOutput: []string{
		"npm WARN something",
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","id":999,"result":{}}`,
	}}, nil)
	if _, err := conn.Invoke(context.Background(), call("echo", map[string]any{"text": "x"})); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
}

func TestConnectionTooManyMalformedFramesIsFatal(t *testing.T) {
	t.Parallel()

	conn := pipeConnection(t, toolserver.Options{StrayOutput: []string{"a", "b", "c"}}, func(p *connectionParams) {
		p.options.MaxMalformedFrames = 2
	})
	err := conn.handshake(context.Background())
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("handshake() error = %v, want ErrHandshakeRejected", err)
	}
	if conn.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", conn.State())
	}
}

func TestConnectionHandshakeTimeout(t *testing.T) {
	t.Parallel()

	conn := pipeConnection(t, toolserver.Options{HandshakeDelay: 500 * time.Millisecond}, func(p *connectionParams) {
		p.config.HandshakeTimeout = 50 * time.Millisecond
	})
	err := conn.handshake(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("handshake() error = %v, want ErrHandshakeTimeout", err)
	}
	if conn.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", conn.State())
	}
	if _, err := conn.Tools(); err == nil {
		t.Fatalf("Tools() on failed connection returned no error")
	}
}

func TestConnectionHandshakeRejected(t *testing.T) {
	t.Parallel()

	conn := pipeConnection(t, toolserver.Options{RejectInitialize: true}, nil)
	err := conn.handshake(context.Background())
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("handshake() error = %v, want ErrHandshakeRejected", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("RPCError = %#v", rpcErr)
	}
}

func TestConnectionWithoutToolsList(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{NoToolsList: true}, nil)
	tools, err := conn.Tools()
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("Tools() = %d tools, want none", len(tools))
	}
}

func TestConnectionAnswersServerPing(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{PingClient: true}, nil)
	waitFor(t, "ping reply", func() bool {
		raw, err := conn.Invoke(context.Background(), call("pinged", nil))
		if err != nil {
			return false
		}
		return decodeStructured[map[string]bool](t, raw)["replied"]
	})
}

func TestConnectionRefreshesOnToolListChanged(t *testing.T) {
	t.Parallel()

	changed := make(chan []*mcp.Tool, 4)
	conn := readyConnection(t, toolserver.Options{}, func(p *connectionParams) {
		p.onToolsChanged = func(tools []*mcp.Tool) {
			select {
			case changed <- tools:
			default:
			}
		}
	})
	if _, err := conn.Invoke(context.Background(), call("grown", nil)); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("grown tool exists before grow: %v", err)
	}
	if _, err := conn.Invoke(context.Background(), call("grow", nil)); err != nil {
		t.Fatalf("Invoke(grow) error = %v", err)
	}
	select {
	case tools := <-changed:
		if !slices.ContainsFunc(tools, func(tool *mcp.Tool) bool { return tool.Name == "grown" }) {
			t.Fatalf("refreshed tools lack grown")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("tool list was not refreshed")
	}
	if _, err := conn.Invoke(context.Background(), call("grown", map[string]any{"text": "hi"})); err != nil {
		t.Fatalf("Invoke(grown) error = %v", err)
	}
}

func TestConnectionDispatchesNotifications(t *testing.T) {
	t.Parallel()

	notes := make(chan string, 8)
	conn := readyConnection(t, toolserver.Options{}, func(p *connectionParams) {
		p.onNotification = func(method string, params json.RawMessage) {
			notes <- fmt.Sprintf("%s %s", method, params)
		}
	})
	params := &mcp.CallToolParams{Meta: mcp.Meta{"progressToken": "tok"}, Name: "progress"}
	if _, err := conn.Invoke(context.Background(), params); err != nil {
		t.Fatalf("Invoke(progress) error = %v", err)
	}
	for i := 1; i <= 2; i++ {
		select {
		case note := <-notes:
			want := fmt.Sprintf(`notifications/progress {"progress":%d,"progressToken":"tok","total":2}`, i)
			if note != want {
				t.Fatalf("notification = %s, want %s", note, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("progress notification %d not delivered", i)
		}
	}
}

func TestConnectionSlowNotificationHandlerDoesNotBlockCalls(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var handled atomic.Int32
	conn := readyConnection(t, toolserver.Options{NotifyBeforeReply: 3 * notificationQueueSize}, func(p *connectionParams) {
		p.onNotification = func(string, json.RawMessage) {
			handled.Add(1)
			<-release
		}
	})
	t.Cleanup(func() { close(release) })

	raw, err := conn.Invoke(context.Background(), call("echo", map[string]any{"text": "through"}))
	if err != nil {
		t.Fatalf("Invoke(echo) error = %v", err)
	}
	if got := decodeStructured[map[string]string](t, raw)["text"]; got != "through" {
		t.Fatalf("echo = %q, want through", got)
	}
	if conn.State() != StateReady {
		t.Fatalf("State() = %s, want ready", conn.State())
	}
	if n := handled.Load(); n > 1 {
		t.Fatalf("handler ran %d times while blocked", n)
	}
}

func TestConnectionCloseFailsPending(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	conn := readyConnection(t, toolserver.Options{}, func(p *connectionParams) {
		p.options.Observer = obs
	})
	errs := make(chan error, 1)
	go func() {
		_, err := conn.Invoke(context.Background(), call("hang", nil))
		errs <- err
	}()
	waitFor(t, "pending call", func() bool { return conn.pendingCount() == 1 })

	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("pending call error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pending call not failed by Close")
	}
	if conn.State() != StateClosed {
		t.Fatalf("State() = %s, want closed", conn.State())
	}
	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := conn.Tools(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Tools() after close error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"connecting>handshaking", "handshaking>ready", "ready>closing", "closing>closed"}
	if !slices.Equal(obs.states, want) {
		t.Fatalf("transitions = %v, want %v", obs.states, want)
	}
	if len(obs.invokes) != 1 || obs.invokes[0].Tool != "hang" || !errors.Is(obs.invokes[0].Err, ErrConnectionClosed) {
		t.Fatalf("invoke observations = %+v", obs.invokes)
	}
}

func TestConnectionContentLengthFraming(t *testing.T) {
	t.Parallel()

	conn := readyConnection(t, toolserver.Options{Framing: string(FramingContentLength)}, nil)
	raw, err := conn.Invoke(context.Background(), call("add", map[string]any{"a": 2, "b": 3}))
	if err != nil {
		t.Fatalf("Invoke(add) error = %v", err)
	}
	if got := decodeStructured[map[string]float64](t, raw)["sum"]; got != 5 {
		t.Fatalf("sum = %v, want 5", got)
	}
}
