package mcpmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the manager. Match them with errors.Is; errors
// returned by a Connection or the Manager wrap one of these, or the caller's
// context error when the caller gave up first.
var (
	ErrSpawn             = errors.New("spawn failed")
	ErrWrite             = errors.New("write failed")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrInvalidArguments  = errors.New("invalid tool arguments")
	ErrInvocationTimeout = errors.New("invocation timed out")
	ErrNotConnected      = errors.New("not connected")
	ErrNotReady          = errors.New("connection not ready")
	ErrAlreadyConnected  = errors.New("already connected with a different configuration")
	ErrServerError       = errors.New("server returned an error")
)

// Error attaches operation, server and tool context to an error kind.
type Error struct {
	Op     string
	Server string
	Tool   string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("mcpmgr: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Server != "" {
		fmt.Fprintf(&b, "server %q ", e.Server)
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, "tool %q ", e.Tool)
	}
	kind := "failed"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	b.WriteString(kind)
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil && e.Err != e.Kind {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(op, server, tool string, kind, cause error) *Error {
	return &Error{Op: op, Server: server, Tool: tool, Kind: kind, Err: cause}
}

// withContext re-labels an error produced deeper in the stack with the
// caller's operation while keeping its kind. Errors without a known kind are
// treated as lost connections so raw I/O errors never leak.
func withContext(op, server, tool string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		out := *e
		out.Op = op
		if out.Server == "" {
			out.Server = server
		}
		if out.Tool == "" {
			out.Tool = tool
		}
		return &out
	}
	return newError(op, server, tool, ErrConnectionLost, err)
}

// RPCError is the JSON-RPC error object returned by a tool server.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes used on the wire.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
)

func isMethodNotFound(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == CodeMethodNotFound
	}
	return false
}
