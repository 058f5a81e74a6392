package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatgate/chatgate/pkg/identity"
	"github.com/chatgate/chatgate/pkg/ollama"
	"github.com/chatgate/chatgate/pkg/proxy"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSONError(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}

// classify maps an error onto an HTTP status and error type. Unknown errors
// are reported as internal without their text.
func classify(err error) (code int, errType string, message string) {
	switch {
	case errors.Is(err, proxy.ErrInvalidRequest), errors.Is(err, identity.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request_error", err.Error()
	case errors.Is(err, identity.ErrBadCredentials):
		return http.StatusUnauthorized, "authentication_error", err.Error()
	case errors.Is(err, identity.ErrProtected):
		return http.StatusForbidden, "permission_error", err.Error()
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, identity.ErrConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, ollama.ErrTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout", err.Error()
	case errors.Is(err, ollama.ErrUnavailable), errors.Is(err, ollama.ErrProtocol):
		return http.StatusBadGateway, "upstream_error", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

// writeError reports err to the client. Nothing is written when the client
// already went away.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	code, errType, message := classify(err)
	if code == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSONError(w, code, errType, message)
}
