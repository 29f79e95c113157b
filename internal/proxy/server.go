package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/treasurer"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// Machine-readable error codes returned in HTTP error bodies.
const (
	CodeInvalidURL      = "INVALID_URL"
	CodeInvalidProtocol = "INVALID_PROTOCOL"
	CodeMissingSession  = "MISSING_SESSION"
	CodeUnknownSession  = "UNKNOWN_SESSION"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeInternalError   = "INTERNAL_ERROR"
)

const maxRequestBody = 4 << 20

// Server is the HTTP front door. It validates the target URL, creates a
// bridge per session on MCP initialize, dispatches subsequent messages by
// the mcp-session-id header, and tears sessions down on DELETE.
type Server struct {
	treasurer  treasurer.Treasurer
	httpClient *http.Client
	registry   *Registry
	maxPending int
	log        *slog.Logger
}

// ServerOptions configures the proxy server.
type ServerOptions struct {
	Treasurer treasurer.Treasurer

	// HTTPClient is shared by every upstream transport. Nil gets a default.
	HTTPClient *http.Client

	// MaxPending caps in-flight upstream requests per bridge.
	MaxPending int

	Log *slog.Logger
}

// NewServer creates a proxy server.
func NewServer(opts ServerOptions) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		treasurer:  opts.Treasurer,
		httpClient: opts.HTTPClient,
		registry:   NewRegistry(),
		maxPending: opts.MaxPending,
		log:        log,
	}
}

// Handler returns the HTTP handler serving the /mcp endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

// Sessions exposes the registry, for shutdown and tests.
func (s *Server) Sessions() *Registry {
	return s.registry
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidMessage, "method not allowed")
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, "failed to read request body")
		return
	}

	env, err := x402.ParseMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, err.Error())
		return
	}

	sessionID := r.Header.Get(transport.HeaderKeySessionID)
	var sess *Session
	if sessionID != "" {
		var ok bool
		sess, ok = s.registry.Get(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, CodeUnknownSession, fmt.Sprintf("unknown session %q", sessionID))
			return
		}
	} else {
		if env.Kind != x402.KindRequest || env.Method != string(mcp.MethodInitialize) {
			writeError(w, http.StatusBadRequest, CodeMissingSession, "mcp-session-id header is required after initialize")
			return
		}
		sess, err = s.createSession(r)
		if err != nil {
			var verr *validationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.code, verr.message)
				return
			}
			writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
			return
		}
	}

	s.dispatch(w, r, sess, env)
}

// createSession validates the target URL and builds the upstream
// transport, middleware, bridge, and session for a new conversation.
func (s *Server) createSession(r *http.Request) (*Session, error) {
	target, err := validateTarget(r.URL.Query().Get("target"))
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := s.log.With("session", id)

	upstream := NewUpstream(target, s.httpClient, log)
	middleware := NewPaymentMiddleware(s.treasurer, log)
	bridge := NewBridge(upstream, middleware, BridgeOptions{
		MaxPending: s.maxPending,
		Log:        log,
	})
	sess := NewSession(id, bridge, log)
	bridge.SetOnClose(func() {
		s.registry.Remove(id)
	})

	s.registry.Add(sess)
	log.Info("session created", "target", target.String())
	return sess, nil
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sess *Session, env *x402.Envelope) {
	if version := r.Header.Get(transport.HeaderKeyProtocolVersion); version != "" {
		sess.bridge.upstream.SetProtocolVersion(version)
	}

	if env.Kind != x402.KindRequest {
		if err := sess.HandleNotification(r.Context(), env); err != nil {
			s.log.Warn("failed to forward message", "session", sess.ID, "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
			return
		}
		w.Header().Set(transport.HeaderKeySessionID, sess.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	response, err := sess.HandleRequest(r.Context(), env)
	if err != nil {
		s.writeRequestError(w, sess, env, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(transport.HeaderKeySessionID, sess.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// writeRequestError surfaces a failed request as a JSON-RPC error so the
// MCP client sees a response for the id it sent. Session loss is the
// exception: that is a 404 so the client knows to re-initialize.
func (s *Server) writeRequestError(w http.ResponseWriter, sess *Session, env *x402.Envelope, err error) {
	if errors.Is(err, x402.ErrBridgeClosed) || errors.Is(err, x402.ErrUnknownSession) {
		writeError(w, http.StatusNotFound, CodeUnknownSession, "session terminated")
		return
	}

	code := mcp.INTERNAL_ERROR
	switch {
	case errors.Is(err, x402.ErrBackpressureExceeded):
		code = -32000
	case errors.Is(err, x402.ErrDuplicateRequest):
		code = mcp.INVALID_REQUEST
	}
	s.log.Warn("request failed", "session", sess.ID, "method", env.Method, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(transport.HeaderKeySessionID, sess.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(x402.NewErrorResponse(env.ID, code, err.Error()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(transport.HeaderKeySessionID)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, CodeMissingSession, "mcp-session-id header is required")
		return
	}

	sess, ok := s.registry.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, CodeUnknownSession, fmt.Sprintf("unknown session %q", sessionID))
		return
	}

	sess.Close()
	s.registry.Remove(sessionID)
	s.log.Info("session deleted", "session", sessionID)
	w.WriteHeader(http.StatusOK)
}

// validationError is a target-URL rejection with its machine-readable code.
type validationError struct {
	code    string
	message string
}

func (e *validationError) Error() string {
	return e.message
}

// validateTarget parses the target query parameter. Only absolute http and
// https URLs are accepted; private addresses are fine, the proxy is for
// internal use.
func validateTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, &validationError{CodeInvalidURL, "target query parameter is required"}
	}
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, &validationError{CodeInvalidURL, fmt.Sprintf("invalid target URL: %q", raw)}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, &validationError{CodeInvalidProtocol, fmt.Sprintf("unsupported target protocol: %q", target.Scheme)}
	}
	return target, nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
