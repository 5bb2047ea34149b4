// Package server exposes the rule engine over JSON/HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/petal-labs/petalrules/bus"
	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Service    *engine.Service
	Bus        bus.EventBus
	EventStore bus.EventStore
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the PetalRules HTTP API server.
type Server struct {
	service    *engine.Service
	bus        bus.EventBus
	eventStore bus.EventStore
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		service:    cfg.Service,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the rule API onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	mux.HandleFunc("POST /api/rules/validate", s.handleValidateRule)
	mux.HandleFunc("POST /api/rules/combine", s.handleCombineRules)
	mux.HandleFunc("POST /api/rules/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)

	if s.bus != nil {
		events := sse.NewSSEHandler(s.eventStore, s.bus, s.resolveRuleID)
		mux.Handle("GET /api/events", events)
		mux.Handle("GET /api/rules/{id}/events", events)
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

// writeJSON encodes without HTML escaping so comparators such as ">" stay
// readable in rule text and ASTs.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// apiError is the error envelope returned by every route.
type apiError struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Position *int   `json:"position,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

// statusForCode maps an error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case engine.CodeLexError, engine.CodeParseError, engine.CodeInvalidAST,
		engine.CodeEmptyInput, engine.CodeTooDeep, engine.CodeBadRequest:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeConflict:
		return http.StatusConflict
	case engine.CodeMissingAttribute, engine.CodeTypeMismatch, engine.CodeUnsupportedValue:
		return http.StatusUnprocessableEntity
	case engine.CodeBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// writeServiceError classifies err and writes the matching response. This is
// the only place errors are turned into statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := engine.ErrorCode(err)
	if isMaxBytesError(err) {
		code = engine.CodeBodyTooLarge
	}
	status := statusForCode(code)

	body := apiError{Error: err.Error(), Code: code}
	var (
		lexErr   *expr.LexError
		parseErr *expr.ParseError
	)
	switch {
	case errors.As(err, &lexErr):
		body.Position = &lexErr.Pos
	case errors.As(err, &parseErr):
		body.Position = &parseErr.Pos
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
		body.Error = "internal error"
		if code == engine.CodeStoreError {
			body.Error = "rule store unavailable"
		}
	}
	writeJSON(w, status, body)
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
