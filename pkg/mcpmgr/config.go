package mcpmgr

import (
	"log/slog"
	"time"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates one JSON-RPC frame for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC frame when logging is enabled.
type RPCLogger func(RPCLogEvent)

// Framing selects how JSON-RPC messages are delimited on the child's pipes.
type Framing string

const (
	// FramingNewline writes one JSON document per line.
	FramingNewline Framing = "newline"
	// FramingContentLength prefixes each document with a Content-Length
	// header block.
	FramingContentLength Framing = "content-length"
)

// ServerConfig describes a tool server launched as a subprocess and spoken
// to over its stdin/stdout. A config is immutable once the server is
// connected.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// Dir is the working directory of the child. Empty inherits ours.
	Dir     string
	Framing Framing

	// HandshakeTimeout bounds initialize plus tool discovery. Zero uses
	// ManagerOptions.DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// CallTimeout bounds each tools/call. Zero uses
	// ManagerOptions.DefaultCallTimeout.
	CallTimeout time.Duration

	LogJSONRPC bool
	RPCLogger  RPCLogger
	// OnError is called once when the connection is lost unexpectedly.
	OnError func(error)
}

// ConflictPolicy decides what Connect does when a live connection exists
// under the same name with a different launch configuration.
type ConflictPolicy int

const (
	// ConflictReject fails the call with ErrAlreadyConnected.
	ConflictReject ConflictPolicy = iota
	// ConflictReconnect closes the live connection and dials the new config.
	ConflictReconnect
)

const (
	defaultProtocolVersion    = "2025-06-18"
	defaultClientVersion      = "1.0.0"
	defaultHandshakeTimeout   = 10 * time.Second
	defaultCallTimeout        = 60 * time.Second
	defaultKillGrace          = 2 * time.Second
	defaultMaxMalformedFrames = 8
	defaultMaxFrameBytes      = 16 << 20
)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, the server name is used.
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// ProtocolVersion is sent in the initialize request.
	ProtocolVersion string
	// DefaultHandshakeTimeout applies when a ServerConfig omits one.
	DefaultHandshakeTimeout time.Duration
	// DefaultCallTimeout applies when a ServerConfig omits one.
	DefaultCallTimeout time.Duration
	// KillGrace is how long a child gets to exit after SIGTERM before it is
	// killed.
	KillGrace time.Duration
	// MaxMalformedFrames is the number of consecutive unparseable frames a
	// connection tolerates before it is considered lost.
	MaxMalformedFrames int
	// MaxFrameBytes caps the size of a single inbound frame.
	MaxFrameBytes int
	// ConflictPolicy controls reconnects with a changed configuration.
	ConflictPolicy ConflictPolicy
	// DisableToolRefresh stops connections from re-running discovery when a
	// server announces notifications/tools/list_changed.
	DisableToolRefresh bool
	// ValidateArguments checks tool arguments against the advertised input
	// schema before anything is written to the server.
	ValidateArguments bool
	// DefaultLogJSONRPC logs JSON-RPC traffic at debug level for all servers
	// unless a per-server RPCLogger is set.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Observer receives connection and invocation events, e.g. for metrics.
	Observer Observer
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.DefaultClientVersion == "" {
		opts.DefaultClientVersion = defaultClientVersion
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = defaultProtocolVersion
	}
	if opts.DefaultHandshakeTimeout <= 0 {
		opts.DefaultHandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.DefaultCallTimeout <= 0 {
		opts.DefaultCallTimeout = defaultCallTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.MaxMalformedFrames <= 0 {
		opts.MaxMalformedFrames = defaultMaxMalformedFrames
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return opts
}
