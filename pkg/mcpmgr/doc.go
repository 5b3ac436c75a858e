// Package mcpmgr runs Model Context Protocol tool servers as child processes
// and speaks JSON-RPC 2.0 to them over stdin/stdout. It owns process
// lifecycle, the initialize handshake, tool discovery, request correlation
// and notification fan-out so callers only deal in server names and tools.
//
// # Core entry points
//
//   - Manager is the long-lived registry, keyed by server name. Construct it
//     with NewManager, then call Connect / ConnectServer, CallTool or
//     ExecuteTool, and Disconnect / DisconnectAll.
//   - ServerConfig declares how a server is launched: command, arguments,
//     environment, framing and per-server timeouts.
//   - ManagerOptions sets client identity, default timeouts, the kill grace
//     period, malformed-frame tolerance, conflict policy, JSON-RPC logging and
//     an optional Observer for metrics.
//   - Connection is one live child process. The Manager creates them; they are
//     exposed for callers that want a single server without the registry.
//
// Concurrent Connect calls for the same name share one spawn and handshake.
// A server only becomes visible once its tool list is known, and it leaves
// the registry on its own when the process exits. Register OnServerRemoved to
// learn about that, and AddNotificationHandler or OnToolListChanged to follow
// server-initiated notifications.
//
// Errors carry operation, server and tool context in *Error and wrap one of
// the Err* kinds, so errors.Is(err, ErrInvocationTimeout) and friends work on
// everything the package returns.
package mcpmgr
