package mcpfn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolHandler executes a tool call. The returned value is marshaled verbatim
// as the call result.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ResourceHandler attempts to read a resource by URI. Returning a nil value
// with a nil error declines the URI and lets the next registered handler
// try it.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

// PromptHandler renders a prompt. The returned value is marshaled verbatim
// as the get result.
type PromptHandler func(ctx context.Context, args map[string]string) (any, error)

// ToolOptions carries the optional metadata of a tool registration.
type ToolOptions struct {
	Title       string
	Description string
	// InputSchema is a JSON Schema object. When empty, an accept-anything
	// object schema is advertised.
	InputSchema json.RawMessage
}

// ResourceOptions carries the optional metadata of a resource registration.
type ResourceOptions struct {
	Title       string
	Description string
	// MimeType defaults to "text/plain" when empty.
	MimeType string
}

// PromptOptions carries the optional metadata of a prompt registration.
type PromptOptions struct {
	Title       string
	Description string
	Arguments   []PromptArgument
}

type toolEntry struct {
	name    string
	opts    ToolOptions
	handler ToolHandler
}

type resourceEntry struct {
	uriTemplate string
	opts        ResourceOptions
	handler     ResourceHandler
}

type promptEntry struct {
	name    string
	opts    PromptOptions
	handler PromptHandler
}

// Server is a provider's capability registry. Tools, resources, and prompts
// are kept in registration order; re-registering a name replaces the entry
// in place without moving it.
//
// Server is safe for concurrent use. Handlers run on the caller's goroutine.
type Server struct {
	info         Info
	instructions string

	mu            sync.RWMutex
	tools         []*toolEntry
	toolIndex     map[string]*toolEntry
	resources     []*resourceEntry
	resourceIndex map[string]*resourceEntry
	prompts       []*promptEntry
	promptIndex   map[string]*promptEntry
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithInstructions sets the usage instructions advertised during the
// handshake and in discovery.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates an empty registry identified by info.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:          info,
		toolIndex:     make(map[string]*toolEntry),
		resourceIndex: make(map[string]*resourceEntry),
		promptIndex:   make(map[string]*promptEntry),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Info returns the server identity.
func (s *Server) Info() Info {
	return s.info
}

// Instructions returns the usage instructions, if any.
func (s *Server) Instructions() string {
	return s.instructions
}

// ToolRegistration is an in-progress tool registration awaiting a handler.
type ToolRegistration struct {
	srv  *Server
	name string
	opts ToolOptions
}

// Tool reserves a tool slot under name. The tool becomes callable once
// Handle attaches a handler; until then calls to it fail.
func (s *Server) Tool(name string, opts ToolOptions) *ToolRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertTool(name, opts, nil)
	return &ToolRegistration{srv: s, name: name, opts: opts}
}

// Handle attaches the handler to the reserved slot.
func (r *ToolRegistration) Handle(h ToolHandler) {
	r.srv.mu.Lock()
	defer r.srv.mu.Unlock()
	r.srv.upsertTool(r.name, r.opts, h)
}

// RegisterTool registers a tool and its handler in one call.
func (s *Server) RegisterTool(name string, opts ToolOptions, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertTool(name, opts, h)
}

func (s *Server) upsertTool(name string, opts ToolOptions, h ToolHandler) {
	if e, ok := s.toolIndex[name]; ok {
		e.opts = opts
		e.handler = h
		return
	}
	e := &toolEntry{name: name, opts: opts, handler: h}
	s.tools = append(s.tools, e)
	s.toolIndex[name] = e
}

// ResourceRegistration is an in-progress resource registration awaiting a
// handler.
type ResourceRegistration struct {
	srv         *Server
	uriTemplate string
	opts        ResourceOptions
}

// Resource reserves a resource slot under uriTemplate.
func (s *Server) Resource(uriTemplate string, opts ResourceOptions) *ResourceRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertResource(uriTemplate, opts, nil)
	return &ResourceRegistration{srv: s, uriTemplate: uriTemplate, opts: opts}
}

// Handle attaches the handler to the reserved slot.
func (r *ResourceRegistration) Handle(h ResourceHandler) {
	r.srv.mu.Lock()
	defer r.srv.mu.Unlock()
	r.srv.upsertResource(r.uriTemplate, r.opts, h)
}

// RegisterResource registers a resource and its handler in one call.
func (s *Server) RegisterResource(uriTemplate string, opts ResourceOptions, h ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertResource(uriTemplate, opts, h)
}

func (s *Server) upsertResource(uriTemplate string, opts ResourceOptions, h ResourceHandler) {
	if e, ok := s.resourceIndex[uriTemplate]; ok {
		e.opts = opts
		e.handler = h
		return
	}
	e := &resourceEntry{uriTemplate: uriTemplate, opts: opts, handler: h}
	s.resources = append(s.resources, e)
	s.resourceIndex[uriTemplate] = e
}

// PromptRegistration is an in-progress prompt registration awaiting a
// handler.
type PromptRegistration struct {
	srv  *Server
	name string
	opts PromptOptions
}

// Prompt reserves a prompt slot under name.
func (s *Server) Prompt(name string, opts PromptOptions) *PromptRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPrompt(name, opts, nil)
	return &PromptRegistration{srv: s, name: name, opts: opts}
}

// Handle attaches the handler to the reserved slot.
func (r *PromptRegistration) Handle(h PromptHandler) {
	r.srv.mu.Lock()
	defer r.srv.mu.Unlock()
	r.srv.upsertPrompt(r.name, r.opts, h)
}

// RegisterPrompt registers a prompt and its handler in one call.
func (s *Server) RegisterPrompt(name string, opts PromptOptions, h PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPrompt(name, opts, h)
}

func (s *Server) upsertPrompt(name string, opts PromptOptions, h PromptHandler) {
	if e, ok := s.promptIndex[name]; ok {
		e.opts = opts
		e.handler = h
		return
	}
	e := &promptEntry{name: name, opts: opts, handler: h}
	s.prompts = append(s.prompts, e)
	s.promptIndex[name] = e
}

var defaultInputSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ListTools returns tool descriptors in registration order.
func (s *Server) ListTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, e := range s.tools {
		schema := e.opts.InputSchema
		if len(schema) == 0 {
			schema = defaultInputSchema
		}
		tools = append(tools, Tool{
			Name:        e.name,
			Description: e.opts.Description,
			InputSchema: schema,
		})
	}
	return tools
}

// ListResources returns resource descriptors in registration order. The
// advertised URI is the registered template.
func (s *Server) ListResources() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := make([]Resource, 0, len(s.resources))
	for _, e := range s.resources {
		resources = append(resources, Resource{
			URI:         e.uriTemplate,
			Name:        resourceDisplayName(e),
			Description: e.opts.Description,
			MimeType:    resourceMimeType(e),
		})
	}
	return resources
}

// ListResourceTemplates returns resource template descriptors in
// registration order.
func (s *Server) ListResourceTemplates() []ResourceTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]ResourceTemplate, 0, len(s.resources))
	for _, e := range s.resources {
		templates = append(templates, ResourceTemplate{
			URITemplate: e.uriTemplate,
			Name:        resourceDisplayName(e),
			Description: e.opts.Description,
			MimeType:    resourceMimeType(e),
		})
	}
	return templates
}

func resourceDisplayName(e *resourceEntry) string {
	if e.opts.Title != "" {
		return e.opts.Title
	}
	return e.uriTemplate
}

func resourceMimeType(e *resourceEntry) string {
	if e.opts.MimeType != "" {
		return e.opts.MimeType
	}
	return "text/plain"
}

// ListPrompts returns prompt descriptors in registration order.
func (s *Server) ListPrompts() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prompts := make([]Prompt, 0, len(s.prompts))
	for _, e := range s.prompts {
		prompts = append(prompts, Prompt{
			Name:        e.name,
			Description: e.opts.Description,
			Arguments:   e.opts.Arguments,
		})
	}
	return prompts
}

// CallTool invokes the named tool and returns its result verbatim.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.RLock()
	e, ok := s.toolIndex[name]
	s.mu.RUnlock()

	if !ok {
		return nil, UnknownCapabilityError{Kind: "tool", Name: name}
	}
	if e.handler == nil {
		return nil, fmt.Errorf("tool %q has no handler", name)
	}
	return e.handler(ctx, args)
}

// ReadResource probes registered resource handlers in registration order and
// returns the first non-nil result. A handler returning (nil, nil) declines
// the URI; a handler error aborts the scan.
//
// A handler that claims broadly can shadow later registrations, so providers
// should register specific templates before catch-alls.
func (s *Server) ReadResource(ctx context.Context, uri string) (any, error) {
	s.mu.RLock()
	entries := make([]*resourceEntry, len(s.resources))
	copy(entries, s.resources)
	s.mu.RUnlock()

	for _, e := range entries {
		if e.handler == nil {
			continue
		}
		res, err := e.handler(ctx, uri)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, UnknownCapabilityError{Kind: "resource", Name: uri}
}

// GetPrompt renders the named prompt and returns its result verbatim.
func (s *Server) GetPrompt(ctx context.Context, name string, args map[string]string) (any, error) {
	s.mu.RLock()
	e, ok := s.promptIndex[name]
	s.mu.RUnlock()

	if !ok {
		return nil, UnknownCapabilityError{Kind: "prompt", Name: name}
	}
	if e.handler == nil {
		return nil, fmt.Errorf("prompt %q has no handler", name)
	}
	return e.handler(ctx, args)
}

// Capabilities derives the advertised capabilities from the current registry
// contents. An empty registry advertises nothing.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var caps ServerCapabilities
	if len(s.tools) > 0 {
		caps.Tools = &ToolsCapability{ListChanged: false}
	}
	if len(s.resources) > 0 {
		caps.Resources = &ResourcesCapability{ListChanged: false, Subscribe: false}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &PromptsCapability{ListChanged: false}
	}
	return caps
}
