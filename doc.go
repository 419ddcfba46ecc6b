// Package mcpserve implements a persistent-connection MCP-style protocol
// server. Clients open a long-lived connection, negotiate a session with
// mcp.initialize, discover server capabilities with tools.list, and invoke
// them with schema-validated arguments through tool.invoke, receiving
// synchronous results, structured errors, or asynchronous progress and
// stream notifications.
//
// The package is organized around four components: SessionManager owns the
// connection-to-session mapping, ToolRegistry owns the invocable tools and
// their input schemas, ProtocolHandler decodes frames and drives the
// per-session state machine, and Server ties them together with one
// connection loop per client. Transports implementing ServerTransport are
// provided for WebSocket, Server-Sent Events, and stdio.
package mcpserve
