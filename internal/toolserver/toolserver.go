// Package toolserver is a scripted MCP tool server speaking JSON-RPC over a
// reader/writer pair. Tests run it as a child process to exercise the
// manager against real pipes, including misbehaving servers.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// EnvHelper marks a process as a tool server helper.
	EnvHelper = "MCPMGR_TOOLSERVER_HELPER"
	// EnvOptions carries the JSON encoded Options for a helper process.
	EnvOptions = "MCPMGR_TOOLSERVER_OPTIONS"
)

// Options scripts the server's behaviour.
type Options struct {
	Name    string `json:"name,omitempty"`
	Framing string `json:"framing,omitempty"`

	// HandshakeDelay postpones the initialize reply.
	HandshakeDelay time.Duration `json:"handshakeDelay,omitempty"`
	// RejectInitialize answers initialize with an error.
	RejectInitialize bool `json:"rejectInitialize,omitempty"`
	// NoToolsList answers tools/list with method not found.
	NoToolsList bool `json:"noToolsList,omitempty"`
	// PageSize splits tools/list into pages of this many tools.
	PageSize int `json:"pageSize,omitempty"`
	// ReverseBatch holds tools/call replies until this many are queued and
	// then sends them newest first.
	ReverseBatch int `json:"reverseBatch,omitempty"`
	// StrayOutput writes non-protocol lines to stdout before serving.
	StrayOutput []string `json:"strayOutput,omitempty"`
	// StderrLines are written to stderr at startup.
	StderrLines []string `json:"stderrLines,omitempty"`
	// PingClient sends a ping request after the initialized notification.
	PingClient bool `json:"pingClient,omitempty"`
	// StallAfterToolsList stops reading requests once the last tools/list
	// page is sent, so the client's writes eventually fill the pipe.
	StallAfterToolsList bool `json:"stallAfterToolsList,omitempty"`
	// NotifyBeforeReply sends this many notifications/message before every
	// tools/call reply.
	NotifyBeforeReply int `json:"notifyBeforeReply,omitempty"`
	// IgnoreSIGTERM makes a helper process survive SIGTERM and keep running
	// after stdin is closed, so only SIGKILL stops it.
	IgnoreSIGTERM bool `json:"ignoreSigterm,omitempty"`
}

// HelperEnv returns the environment that turns a re-executed test binary
// into a tool server with opts.
func HelperEnv(opts Options) map[string]string {
	data, _ := json.Marshal(opts)
	return map[string]string{EnvHelper: "1", EnvOptions: string(data)}
}

// IsHelper reports whether the current process was started as a helper.
func IsHelper() bool { return os.Getenv(EnvHelper) == "1" }

// RunHelper serves on stdin/stdout using options from the environment and
// returns the process exit code.
func RunHelper() int {
	var opts Options
	if raw := os.Getenv(EnvOptions); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			fmt.Fprintf(os.Stderr, "toolserver: bad options: %v\n", err)
			return 2
		}
	}
	if opts.IgnoreSIGTERM {
		signal.Ignore(syscall.SIGTERM)
	}
	srv := New(opts)
	if err := srv.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "toolserver: %v\n", err)
		return 1
	}
	if opts.IgnoreSIGTERM {
		time.Sleep(time.Hour)
	}
	return 0
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const clientPingID = `"server-ping"`

// Server is a scripted tool server. A Server serves one stream.
type Server struct {
	opts Options
	// Exit is called by the crash tool. Defaults to os.Exit.
	Exit func(code int)

	wmu sync.Mutex
	w   io.Writer

	mu          sync.Mutex
	tools       []*mcp.Tool
	queued      []message
	cancelled   []string
	pingReplied bool
	stalled     bool
}

// New returns a server with the default tool set.
func New(opts Options) *Server {
	return &Server{opts: opts, Exit: os.Exit, tools: defaultTools()}
}

func defaultTools() []*mcp.Tool {
	object := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	empty := object(map[string]any{})
	return []*mcp.Tool{
		{Name: "echo", Description: "Echo the text argument", InputSchema: object(map[string]any{"text": str}, "text")},
		{Name: "add", Description: "Add two numbers", InputSchema: object(map[string]any{"a": num, "b": num}, "a", "b")},
		{Name: "slow", Description: "Reply after ms milliseconds", InputSchema: object(map[string]any{"ms": num, "tag": str})},
		{Name: "hang", Description: "Never reply", InputSchema: empty},
		{Name: "fail", Description: "Reply with a JSON-RPC error", InputSchema: empty},
		{Name: "error_result", Description: "Reply with an isError result", InputSchema: empty},
		{Name: "crash", Description: "Exit the process", InputSchema: empty},
		{Name: "grow", Description: "Add the grown tool and announce it", InputSchema: empty},
		{Name: "progress", Description: "Report progress twice", InputSchema: empty},
		{Name: "pinged", Description: "Report whether the client answered our ping", InputSchema: empty},
		{Name: "cancelled", Description: "List request ids the client cancelled", InputSchema: empty},
	}
}

// Serve handles requests from r until it is exhausted.
func (s *Server) Serve(ctx context.Context, r io.Reader, w, stderr io.Writer) error {
	s.w = w
	for _, line := range s.opts.StderrLines {
		fmt.Fprintln(stderr, line)
	}
	for _, line := range s.opts.StrayOutput {
		s.writeRaw([]byte(line))
	}

	read := s.frameReader(bufio.NewReaderSize(r, 64*1024))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg message
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		switch {
		case msg.Method == "":
			if string(msg.ID) == clientPingID {
				s.mu.Lock()
				s.pingReplied = msg.Error == nil
				s.mu.Unlock()
			}
		case len(msg.ID) == 0:
			s.handleNotification(msg)
		default:
			s.handleRequest(msg)
		}
		if s.isStalled() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Hour):
				return nil
			}
		}
	}
}

func (s *Server) isStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

func (s *Server) handleNotification(msg message) {
	switch msg.Method {
	case "notifications/initialized":
		if s.opts.PingClient {
			s.write(message{ID: json.RawMessage(clientPingID), Method: "ping"})
		}
	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if json.Unmarshal(msg.Params, &params) == nil {
			s.mu.Lock()
			s.cancelled = append(s.cancelled, string(params.RequestID))
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleRequest(msg message) {
	switch msg.Method {
	case "initialize":
		s.initialize(msg)
	case "tools/list":
		s.listTools(msg)
	case "tools/call":
		s.callTool(msg)
	case "ping":
		s.reply(msg.ID, map[string]any{})
	default:
		s.fail(msg.ID, -32601, "method not found: "+msg.Method)
	}
}

func (s *Server) initialize(msg message) {
	if s.opts.HandshakeDelay > 0 {
		time.Sleep(s.opts.HandshakeDelay)
	}
	if s.opts.RejectInitialize {
		s.fail(msg.ID, -32602, "unsupported protocol version")
		return
	}
	var params mcp.InitializeParams
	_ = json.Unmarshal(msg.Params, &params)
	version := params.ProtocolVersion
	if version == "" {
		version = "2025-06-18"
	}
	name := s.opts.Name
	if name == "" {
		name = "toolserver"
	}
	s.reply(msg.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{ListChanged: true}},
		ServerInfo:      &mcp.Implementation{Name: name, Version: "0.1.0"},
	})
}

func (s *Server) listTools(msg message) {
	if s.opts.NoToolsList {
		s.fail(msg.ID, -32601, "method not found: tools/list")
		return
	}
	var params mcp.ListToolsParams
	_ = json.Unmarshal(msg.Params, &params)

	s.mu.Lock()
	tools := slices.Clone(s.tools)
	s.mu.Unlock()

	start := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 || n > len(tools) {
			s.fail(msg.ID, -32602, "bad cursor")
			return
		}
		start = n
	}
	end := len(tools)
	if s.opts.PageSize > 0 && start+s.opts.PageSize < end {
		end = start + s.opts.PageSize
	}
	res := &mcp.ListToolsResult{Tools: tools[start:end]}
	if end < len(tools) {
		res.NextCursor = strconv.Itoa(end)
	} else if s.opts.StallAfterToolsList {
		s.mu.Lock()
		s.stalled = true
		s.mu.Unlock()
	}
	s.reply(msg.ID, res)
}

func (s *Server) callTool(msg message) {
	var params struct {
		Meta      map[string]any  `json:"_meta,omitempty"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.fail(msg.ID, -32602, err.Error())
		return
	}
	var args map[string]any
	_ = json.Unmarshal(params.Arguments, &args)

	for i := range s.opts.NotifyBeforeReply {
		s.write(message{Method: "notifications/message", Params: mustJSON(map[string]any{
			"level": "info",
			"data":  i,
		})})
	}

	switch params.Name {
	case "echo", "grown":
		text, _ := args["text"].(string)
		s.toolResult(msg.ID, text, map[string]any{"text": text})
	case "add":
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		sum := a + b
		s.toolResult(msg.ID, strconv.FormatFloat(sum, 'f', -1, 64), map[string]any{"sum": sum})
	case "slow":
		ms, _ := args["ms"].(float64)
		tag, _ := args["tag"].(string)
		go func() {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			s.toolResult(msg.ID, tag, map[string]any{"tag": tag})
		}()
	case "hang":
	case "fail":
		s.fail(msg.ID, -32000, "tool failed")
	case "error_result":
		s.reply(msg.ID, &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "something went wrong"}},
			IsError: true,
		})
	case "crash":
		s.Exit(3)
	case "grow":
		s.mu.Lock()
		if !slices.ContainsFunc(s.tools, func(t *mcp.Tool) bool { return t.Name == "grown" }) {
			s.tools = append(s.tools, &mcp.Tool{
				Name:        "grown",
				Description: "Added at runtime",
				InputSchema: map[string]any{"type": "object"},
			})
		}
		s.mu.Unlock()
		s.write(message{Method: "notifications/tools/list_changed"})
		s.toolResult(msg.ID, "grown", nil)
	case "progress":
		token := params.Meta["progressToken"]
		if token != nil {
			for i := 1; i <= 2; i++ {
				s.write(message{Method: "notifications/progress", Params: mustJSON(map[string]any{
					"progressToken": token,
					"progress":      i,
					"total":         2,
				})})
			}
		}
		s.toolResult(msg.ID, "done", nil)
	case "pinged":
		s.mu.Lock()
		replied := s.pingReplied
		s.mu.Unlock()
		s.toolResult(msg.ID, strconv.FormatBool(replied), map[string]any{"replied": replied})
	case "cancelled":
		s.mu.Lock()
		ids := slices.Clone(s.cancelled)
		s.mu.Unlock()
		s.toolResult(msg.ID, strings.Join(ids, ","), map[string]any{"ids": ids})
	default:
		s.fail(msg.ID, -32602, "unknown tool: "+params.Name)
	}
}

func (s *Server) toolResult(id json.RawMessage, text string, structured map[string]any) {
	res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
	if structured != nil {
		res.StructuredContent = structured
	}
	resp := message{ID: id, Result: res}
	if s.opts.ReverseBatch <= 0 {
		s.write(resp)
		return
	}
	s.mu.Lock()
	s.queued = append(s.queued, resp)
	var flush []message
	if len(s.queued) >= s.opts.ReverseBatch {
		flush = s.queued
		s.queued = nil
	}
	s.mu.Unlock()
	for i := len(flush) - 1; i >= 0; i-- {
		s.write(flush[i])
	}
}

func (s *Server) reply(id json.RawMessage, result any) {
	s.write(message{ID: id, Result: result})
}

func (s *Server) fail(id json.RawMessage, code int64, text string) {
	s.write(message{ID: id, Error: &rpcError{Code: code, Message: text}})
}

func (s *Server) write(msg message) {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeRaw(data)
}

func (s *Server) writeRaw(payload []byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.opts.Framing == "content-length" {
		fmt.Fprintf(s.w, "Content-Length: %d\r\n\r\n%s", len(payload), payload)
		return
	}
	_, _ = s.w.Write(append(payload, '\n'))
}

func (s *Server) frameReader(br *bufio.Reader) func() ([]byte, error) {
	if s.opts.Framing == "content-length" {
		return func() ([]byte, error) {
			length := -1
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return nil, err
				}
				line = strings.TrimRight(line, "\r\n")
				if line == "" {
					if length >= 0 {
						break
					}
					continue
				}
				if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
					length, _ = strconv.Atoi(strings.TrimSpace(value))
				}
			}
			buf := make([]byte, length)
			_, err := io.ReadFull(br, buf)
			return buf, err
		}
	}
	return func() ([]byte, error) {
		for {
			line, err := br.ReadBytes('\n')
			trimmed := strings.TrimSpace(string(line))
			if trimmed != "" {
				return []byte(trimmed), nil
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
