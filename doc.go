// Package mcpfn hosts a user-authored Model Context Protocol (MCP) provider
// inside a serverless dispatcher that delivers batches of JSON-RPC messages
// as events. It keeps per-invocation configuration and extension hooks
// isolated across warm reuses of one process, lets a synthesized in-process
// client exercise the provider through the full MCP handshake, and turns
// arbitrary handler failures into protocol-shaped errors without losing the
// correlation between a request id and its reply.
//
// The same provider can also be served over stdio or HTTP+SSE for local and
// long-lived deployments.
package mcpfn
