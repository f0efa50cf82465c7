// Package tools exposes the editor peer to agents as an MCP server.
//
// Each tool maps to one peer command executed through the dispatcher. Tool
// failures are reported as error results carrying a message the agent can
// act on; they are never returned as protocol errors.
package tools
