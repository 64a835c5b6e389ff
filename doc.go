// Package toolhost implements a host-side client for Model Context Protocol
// (MCP) tool servers. It manages a registry of configured servers, spawns
// each one as a subprocess speaking newline-delimited JSON-RPC over stdio
// (or attaches over Server-Sent Events), negotiates capabilities through the
// initialize handshake, and multiplexes concurrent tool, resource, and
// prompt calls onto each connection with per-request correlation and
// timeouts.
//
// The package is aimed at orchestrators that need to invoke externally
// developed tools they do not control: a misbehaving server can stall or
// emit garbage without affecting other connections or crashing the host.
package toolhost
