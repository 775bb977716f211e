package mcpfn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// serverSession speaks the protocol on behalf of a Server over one Session.
// It owns the handshake gate: registry methods are rejected until the client
// has sent initialize followed by notifications/initialized.
type serverSession struct {
	session Session
	srv     *Server
	logger  *slog.Logger

	sendTimeout time.Duration

	initialized bool
}

func newServerSession(session Session, srv *Server, logger *slog.Logger) *serverSession {
	return &serverSession{
		session:     session,
		srv:         srv,
		logger:      logger.With(slog.String("sessionID", session.ID())),
		sendTimeout: 30 * time.Second,
	}
}

// run consumes the session's messages until it terminates.
func (s *serverSession) run() {
	for msg := range s.session.Messages() {
		s.handleMessage(msg)
	}
}

func (s *serverSession) handleMessage(msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
		return
	}

	switch msg.Method {
	case MethodPing:
		s.sendResult(msg.ID, json.RawMessage("{}"))
	case MethodInitialize:
		s.handleInitialize(msg)
	case methodNotificationsInitialized:
		s.initialized = true
	case MethodToolsList, MethodToolsCall,
		MethodResourcesList, MethodResourcesRead, MethodResourcesTemplatesList,
		MethodPromptsList, MethodPromptsGet:
		if !s.initialized {
			s.sendError(msg.ID, &JSONRPCError{
				Code:    jsonRPCInvalidRequestCode,
				Message: "session not initialized",
			})
			return
		}
		go s.handleRegistryMethod(msg)
	default:
		if msg.ID == "" {
			s.logger.Info("ignoring unknown notification", slog.String("method", msg.Method))
			return
		}
		s.sendError(msg.ID, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	}
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.sendError(msg.ID, &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("invalid initialize params: %s", err),
			})
			return
		}
	}

	if params.ProtocolVersion != "" && params.ProtocolVersion != protocolVersion {
		s.sendError(msg.ID, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unsupported protocol version: %s", params.ProtocolVersion),
			Data:    map[string]any{"supported": protocolVersion},
		})
		return
	}

	res := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.srv.Capabilities(),
		ServerInfo:      s.srv.Info(),
		Instructions:    s.srv.Instructions(),
	}
	resBs, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("failed to marshal initialize result", slog.String("err", err.Error()))
		return
	}
	s.sendResult(msg.ID, resBs)
}

func (s *serverSession) handleRegistryMethod(msg JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
			s.sendError(msg.ID, &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("handler panic: %v", r),
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	var (
		result any
		err    error
	)

	switch msg.Method {
	case MethodToolsList:
		result = listToolsResult{Tools: s.srv.ListTools()}
	case MethodToolsCall:
		var params callToolParams
		if err = json.Unmarshal(msg.Params, &params); err != nil {
			err = &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("invalid params: %s", err),
			}
			break
		}
		result, err = s.srv.CallTool(ctx, params.Name, params.Arguments)
	case MethodResourcesList:
		result = listResourcesResult{Resources: s.srv.ListResources()}
	case MethodResourcesRead:
		var params readResourceParams
		if err = json.Unmarshal(msg.Params, &params); err != nil {
			err = &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("invalid params: %s", err),
			}
			break
		}
		result, err = s.srv.ReadResource(ctx, params.URI)
	case MethodResourcesTemplatesList:
		result = listResourceTemplatesResult{Templates: s.srv.ListResourceTemplates()}
	case MethodPromptsList:
		result = listPromptsResult{Prompts: s.srv.ListPrompts()}
	case MethodPromptsGet:
		var params getPromptParams
		if err = json.Unmarshal(msg.Params, &params); err != nil {
			err = &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("invalid params: %s", err),
			}
			break
		}
		result, err = s.srv.GetPrompt(ctx, params.Name, params.Arguments)
	}

	if err != nil {
		s.sendError(msg.ID, toJSONRPCError(err))
		return
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		s.sendError(msg.ID, &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to marshal result: %s", err),
		})
		return
	}
	s.sendResult(msg.ID, resBs)
}

func (s *serverSession) sendResult(id MustString, result json.RawMessage) {
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	})
}

func (s *serverSession) sendError(id MustString, jerr *JSONRPCError) {
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   jerr,
	})
}

func (s *serverSession) send(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

// Serve accepts sessions from transport and runs the protocol loop for each
// until ctx is done, then shuts the transport down.
func Serve(ctx context.Context, srv *Server, transport ServerTransport, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for session := range transport.Sessions() {
			go newServerSession(session, srv, logger).run()
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return transport.Shutdown(shutdownCtx)
}
