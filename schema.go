package mcpfn

import (
	"encoding/json"
	"fmt"
)

// MustString enforces string representation for fields that can be either
// string or integer in the protocol specification, such as request IDs.
// It handles automatic conversion during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent a
// request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It is forwarded verbatim through the dispatcher: a handler failure that is
// already a JSONRPCError keeps its code, message, and data on the wire.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains identity metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes which capability tables a provider exposes.
// It is derived from registry contents and never cached; a key is present
// exactly when the corresponding table is non-empty.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities represents client capabilities advertised during the
// handshake. The synthesized bridge client advertises none.
type ClientCapabilities struct{}

// Tool is the public descriptor of a registered tool, as produced by
// ListTools. Handler references are never part of the descriptor.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is the public descriptor of a registered resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is the public descriptor of a registered resource's URI
// template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt is the public descriptor of a registered prompt.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes a single argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Event is one inbound invocation delivered by the serverless host. Which
// fields are populated depends on Action.
type Event struct {
	// Action selects the operation: "discover", "mcp.request", "mcp.batch",
	// "oauth", or "callbacks".
	Action string `json:"action"`

	// Args carries free-form provider configuration. It may be a JSON object
	// or a JSON string containing an encoded object.
	Args json.RawMessage `json:"args,omitempty"`

	// ParticipantJSON identifies the remote client on whose behalf messages
	// are dispatched: {"clientInfo": {"name", "version"}}. It may be a JSON
	// object or a JSON string containing one.
	ParticipantJSON json.RawMessage `json:"participantJson,omitempty"`

	// Messages is the ordered batch of protocol messages for mcp.* actions.
	// Each element may be a JSON object or a JSON string containing one.
	Messages []json.RawMessage `json:"messages,omitempty"`

	OAuthAction string          `json:"oauthAction,omitempty"`
	OAuthInput  json.RawMessage `json:"oauthInput,omitempty"`

	CallbackAction string          `json:"callbackAction,omitempty"`
	CallbackInput  json.RawMessage `json:"callbackInput,omitempty"`
}

// Result is the envelope returned for every invocation. Exactly one payload
// field is populated on success; Error is populated when Success is false.
// Callers always receive a well-formed Result, never a raw fault.
type Result struct {
	Success   bool             `json:"success"`
	Discovery *Discovery       `json:"discovery,omitempty"`
	Responses []JSONRPCMessage `json:"responses,omitempty"`
	OAuth     any              `json:"oauth,omitempty"`
	Callbacks any              `json:"callbacks,omitempty"`
	Error     *ResultError     `json:"error,omitempty"`
}

// ResultError is the top-level error payload of a failed invocation. Code is
// a stable action-scoped string; Message keeps the full diagnostic detail.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Discovery describes everything a provider exposes, as returned by the
// "discover" action.
type Discovery struct {
	Tools             []Tool             `json:"tools"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	Prompts           []Prompt           `json:"prompts"`
	Capabilities      ServerCapabilities `json:"capabilities"`
	Implementation    Info               `json:"implementation"`
	Instructions      string             `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type participantJSON struct {
	ClientInfo Info `json:"clientInfo"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type listResourceTemplatesResult struct {
	Templates []ResourceTemplate `json:"resourceTemplates"`
}

type listPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for
	// communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the method name of the handshake request.
	MethodInitialize = "initialize"
	// MethodPing is the method name of the liveness check.
	MethodPing = "ping"

	// MethodToolsList is the method name for retrieving registered tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList is the method name for listing registered resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading a resource by URI.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing resource
	// URI templates.
	MethodResourcesTemplatesList = "resources/templates/list"

	// MethodPromptsList is the method name for listing registered prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a prompt by name.
	MethodPromptsGet = "prompts/get"

	protocolVersion = "2024-11-05"

	methodNotificationsInitialized = "notifications/initialized"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into
// MustString, handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	case nil:
		*m = ""
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
