// Package api exposes the gateway operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/kenneth/native-sign-gateway/internal/keyvault"
	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 16 << 20

// Gateway is the service behind the API.
type Gateway interface {
	SignHeaders(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error)
	ResolveKey(ctx context.Context, version *int64) (keyvault.Key, error)
	CurrentKey(ctx context.Context) (keyvault.Key, error)
	DecryptAndDecompress(ctx context.Context, blob, hexKey string) (string, error)
	DecryptItem(ctx context.Context, blob string, version int64) (string, error)
	ClearKeys(ctx context.Context) error
	KeyStatus() keyvault.Status
}

// Options configures a Handler.
type Options struct {
	Gateway Gateway
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// Ready reports whether the service can take traffic.
	Ready func(ctx context.Context) error
	// Details adds fields to the health response.
	Details func() map[string]interface{}
	// APIKeys guard /api/v1 when set.
	APIKeys []string
}

// Handler handles HTTP requests for gateway operations.
type Handler struct {
	gateway Gateway
	logger  *logrus.Logger
	metrics *metrics.Metrics
	ready   func(ctx context.Context) error
	details func() map[string]interface{}
	apiKeys []string
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handler{
		gateway: opts.Gateway,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ready:   opts.Ready,
		details: opts.Details,
		apiKeys: opts.APIKeys,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler(h.details)).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.ready)).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(APIKeyMiddleware(h.apiKeys, h.logger))
	v1.HandleFunc("/sign", h.handleSign).Methods(http.MethodPost)
	v1.HandleFunc("/sign", h.handleSignQuery).Methods(http.MethodGet)
	v1.HandleFunc("/keys/current", h.handleCurrentKey).Methods(http.MethodGet)
	v1.HandleFunc("/keys/status", h.handleKeyStatus).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{version:[0-9]+}", h.handleGetKey).Methods(http.MethodGet)
	v1.HandleFunc("/keys", h.handleClearKeys).Methods(http.MethodDelete)
	v1.HandleFunc("/decrypt", h.handleDecrypt).Methods(http.MethodPost)
}

// SignRequest is the body of POST /api/v1/sign. Headers is either an array
// of {"name","value"} pairs, a JSON object, or the CRLF serialized form.
type SignRequest struct {
	URL     string          `json:"url"`
	Headers json.RawMessage `json:"headers,omitempty"`
}

// KeyResponse is returned by the key endpoints.
type KeyResponse struct {
	Version *int64 `json:"keyver,omitempty"`
	Key     string `json:"key"`
}

// DecryptRequest is the body of POST /api/v1/decrypt. Either Key or
// KeyVersion must be set; with KeyVersion the register key is resolved
// by the gateway.
type DecryptRequest struct {
	Content    string `json:"content"`
	Key        string `json:"key,omitempty"`
	KeyVersion *int64 `json:"keyver,omitempty"`
}

// DecryptResponse is returned by POST /api/v1/decrypt.
type DecryptResponse struct {
	Content string `json:"content"`
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	headers, err := parseHeaders(req.Headers)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	h.sign(w, r, req.URL, headers)
}

func (h *Handler) handleSignQuery(w http.ResponseWriter, r *http.Request) {
	h.sign(w, r, r.URL.Query().Get("url"), nil)
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request, url string, headers []signer.HeaderPair) {
	if strings.TrimSpace(url) == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", signer.ErrEmptyURL)
		return
	}
	result, err := h.gateway.SignHeaders(r.Context(), url, headers)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(mux.Vars(r)["version"], 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	k, err := h.gateway.ResolveKey(r.Context(), &version)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	if k.Version != version {
		h.logger.WithFields(logrus.Fields{
			"requested": version,
			"keyver":    k.Version,
		}).Warn("Serving register key under a different version")
	}
	writeJSON(w, http.StatusOK, KeyResponse{Version: &k.Version, Key: k.Hex()})
}

func (h *Handler) handleCurrentKey(w http.ResponseWriter, r *http.Request) {
	k, err := h.gateway.CurrentKey(r.Context())
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, KeyResponse{Version: &k.Version, Key: k.Hex()})
}

func (h *Handler) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.KeyStatus())
}

func (h *Handler) handleClearKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.ClearKeys(r.Context()); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Content == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("content is required"))
		return
	}

	var (
		text string
		err  error
	)
	switch {
	case req.Key != "":
		text, err = h.gateway.DecryptAndDecompress(r.Context(), req.Content, req.Key)
	case req.KeyVersion != nil:
		text, err = h.gateway.DecryptItem(r.Context(), req.Content, *req.KeyVersion)
	default:
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("key or keyver is required"))
		return
	}
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DecryptResponse{Content: text})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseHeaders accepts the three request header encodings. Object keys have
// no order in JSON, so they are sorted to keep signatures reproducible.
func parseHeaders(raw json.RawMessage) ([]signer.HeaderPair, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var pairs []signer.HeaderPair
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return nil, fmt.Errorf("invalid headers: %w", err)
		}
		return pairs, nil
	case '{':
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid headers: %w", err)
		}
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		pairs := make([]signer.HeaderPair, 0, len(names))
		for _, k := range names {
			pairs = append(pairs, signer.HeaderPair{Name: k, Value: m[k]})
		}
		return pairs, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid headers: %w", err)
		}
		return parseSerialized(s)
	default:
		return nil, errors.New("invalid headers: expected array, object or string")
	}
}

// parseSerialized reverses signer.SerializeHeaders.
func parseSerialized(s string) ([]signer.HeaderPair, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "\r\n")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("invalid headers: %d serialized fields, want name/value pairs", len(parts))
	}
	pairs := make([]signer.HeaderPair, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		pairs = append(pairs, signer.HeaderPair{Name: parts[i], Value: parts[i+1]})
	}
	return pairs, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
