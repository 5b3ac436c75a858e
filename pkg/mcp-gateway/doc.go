// Package mcpgateway republishes the tools of every stdio server held by an
// mcpmgr.Manager through one Streamable HTTP MCP endpoint. Tool names are
// namespaced per server, the published set follows list changes and server
// loss, and progress notifications are routed back to the calling session.
// Bearer-token authentication and CORS are optional.
package mcpgateway
