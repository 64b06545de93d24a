// Package protocol defines the wire-level constants of the JSON-RPC 2.0
// surface exposed over {base_path}/{token} (§4.8).
package protocol

// RPC method name constants. This surface is intentionally small: valet
// exposes exactly the methods a single capability broker needs, not the
// larger multi-tenant gateway's method catalog.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// ProtocolVersion is the MCP protocol date advertised by initialize.
const ProtocolVersion = "2024-11-05"

// ServerName and ServerVersion populate initialize's serverInfo.
const (
	ServerName    = "valet"
	ServerVersion = "0.1.0"
)
