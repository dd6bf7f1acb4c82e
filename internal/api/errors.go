package api

import (
	"errors"
	"net/http"

	"github.com/kenneth/native-sign-gateway/internal/content"
	"github.com/kenneth/native-sign-gateway/internal/keyvault"
	"github.com/kenneth/native-sign-gateway/internal/middleware"
	"github.com/kenneth/native-sign-gateway/internal/pool"
	"github.com/kenneth/native-sign-gateway/internal/remote"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps a gateway error to an HTTP status and error kind. Callers
// rely on the kind to tell a shim coverage gap from a rejected identity or
// a stale key version.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, remote.ErrIllegalAccess):
		return http.StatusBadGateway, "illegal_access"
	case errors.Is(err, keyvault.ErrCrypto):
		return http.StatusBadGateway, "key_crypto"
	case errors.Is(err, keyvault.ErrFetch):
		return http.StatusBadGateway, "key_fetch"
	case errors.Is(err, content.ErrContentDecrypt):
		return http.StatusUnprocessableEntity, "content_decrypt"
	}

	kind := pool.ErrorKind(err)
	switch kind {
	case "borrow_timeout":
		return http.StatusServiceUnavailable, kind
	case "invalid_request":
		return http.StatusBadRequest, kind
	case "unsupported_operation":
		return http.StatusNotImplemented, kind
	case "canceled":
		return http.StatusRequestTimeout, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	h.writeError(w, r, status, kind, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, kind string, err error) {
	requestID := middleware.RequestID(r.Context())
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID,
		"path":       r.URL.Path,
		"kind":       kind,
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind, RequestID: requestID})
}
