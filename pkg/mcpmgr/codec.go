package mcpmgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

const jsonRPCVersion = "2.0"

// Method names spoken with tool servers.
const (
	methodInitialize           = "initialize"
	methodInitialized          = "notifications/initialized"
	methodToolsList            = "tools/list"
	methodToolsCall            = "tools/call"
	methodPing                 = "ping"
	methodCancelled            = "notifications/cancelled"
	methodToolsListChanged     = "notifications/tools/list_changed"
	methodProgressNotification = "notifications/progress"
)

// Message is one decoded inbound JSON-RPC message: *Response, *Notification
// or *Request.
type Message interface {
	isMessage()
}

// Response answers a request we sent, matched by ID.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *RPCError
}

// Notification is a message without an id. It never answers a request.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Request is a call initiated by the tool server. ID is kept verbatim so the
// reply echoes it exactly.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

func (*Response) isMessage()     {}
func (*Notification) isMessage() {}
func (*Request) isMessage()      {}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Codec encodes outbound messages and hands out correlation ids. One Codec
// belongs to one connection, so ids are unique for the connection's lifetime.
type Codec struct {
	nextID atomic.Int64
}

// EncodeRequest encodes a request with a fresh id.
func (c *Codec) EncodeRequest(method string, params any) ([]byte, int64, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, 0, err
	}
	id := c.nextID.Add(1)
	data, err := json.Marshal(wireMessage{
		JSONRPC: jsonRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s: %w", method, err)
	}
	return data, id, nil
}

// EncodeNotification encodes a message that expects no reply.
func (c *Codec) EncodeNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wireMessage{JSONRPC: jsonRPCVersion, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return data, nil
}

// EncodeResponse encodes a reply to a server-initiated request. A nil result
// without an error is sent as an empty object.
func (c *Codec) EncodeResponse(id json.RawMessage, result any, rpcErr *RPCError) ([]byte, error) {
	out := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := marshalParams(result)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			raw = json.RawMessage("{}")
		}
		out.Result = raw
	}
	return json.Marshal(out)
}

// Decode parses one frame. Structurally invalid frames fail with
// ErrMalformedMessage; well-formed messages of unknown kinds decode normally
// and are left to the caller to ignore.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object: %q", ErrMalformedMessage, truncate(trimmed, 64))
	}
	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if w.JSONRPC != "" && w.JSONRPC != jsonRPCVersion {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformedMessage, w.JSONRPC)
	}
	hasID := len(w.ID) > 0 && !bytes.Equal(w.ID, []byte("null"))
	switch {
	case w.Method != "" && hasID:
		return &Request{ID: w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case hasID:
		id, err := parseID(w.ID)
		if err != nil {
			return nil, err
		}
		if hasResult := len(w.Result) > 0; hasResult == (w.Error != nil) {
			return nil, fmt.Errorf("%w: response %d must carry exactly one of result and error", ErrMalformedMessage, id)
		}
		return &Response{ID: id, Result: w.Result, Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("%w: message has neither id nor method", ErrMalformedMessage)
	}
}

// parseID accepts integer ids and their string rendering, since some servers
// echo ids as strings.
func parseID(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: unrecognised response id %s", ErrMalformedMessage, raw)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
