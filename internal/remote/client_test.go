package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/crypto"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSigner records what it was asked to sign.
type stubSigner struct {
	url     string
	headers []signer.HeaderPair
	err     error
}

func (s *stubSigner) SignHeaders(ctx context.Context, u string, headers []signer.HeaderPair) (*signer.HeaderMap, error) {
	s.url = u
	s.headers = headers
	if s.err != nil {
		return nil, s.err
	}
	h := signer.NewHeaderMap()
	h.Set("X-Argus", "argus")
	h.Set("X-Khronos", "1700000000")
	return h, nil
}

func testClient(t *testing.T, baseURL string, s HeaderSigner, retries int) *Client {
	t.Helper()
	cfg := config.Default().Remote
	cfg.BaseURL = baseURL
	cfg.MaxRetries = retries
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	c, err := New(Options{
		Config: cfg,
		Signer: s,
		Clock:  func() time.Time { return time.UnixMilli(1700000000123) },
		Logger: logger,
	})
	require.NoError(t, err)
	return c
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, gz bool, env interface{}) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	if gz {
		data, err = crypto.Gzip(data)
		require.NoError(t, err)
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func TestRegisterKey(t *testing.T) {
	var gotReq RegisterKeyRequest
	var gotQuery url.Values
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, RegisterKeyPath, r.URL.Path)
		gotQuery = r.URL.Query()
		gotHeader = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeEnvelope(t, w, true, map[string]interface{}{
			"code":    0,
			"message": "success",
			"data":    map[string]interface{}{"key": "BLOB", "keyver": 7},
		})
	}))
	defer srv.Close()

	s := &stubSigner{}
	c := testClient(t, srv.URL, s, 0)

	resp, err := c.RegisterKey(context.Background(), RegisterKeyRequest{Content: "abc", KeyVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Version)
	assert.Equal(t, "BLOB", resp.Key)

	assert.Equal(t, RegisterKeyRequest{Content: "abc", KeyVersion: 1}, gotReq)
	assert.Equal(t, "933935730452521", gotQuery.Get("device_id"))
	assert.Equal(t, "1700000000123", gotQuery.Get("_rticket"))
	assert.Equal(t, "argus", gotHeader.Get("X-Argus"))
	assert.Equal(t, "101", gotHeader.Get("lc"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "1700000000123", gotHeader.Get("x-ss-req-ticket"))

	// The signer saw the exact URL that was requested, with ordered params.
	assert.True(t, strings.HasPrefix(s.url, srv.URL+RegisterKeyPath+"?iid=933935730456617&device_id="))
	assert.Equal(t, "Cookie", s.headers[0].Name)
	assert.Equal(t, "Content-Type", s.headers[len(s.headers)-1].Name)
}

func TestDo_IllegalAccess(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]interface{}
	}{
		{"code", map[string]interface{}{"code": 110, "message": "denied"}},
		{"message", map[string]interface{}{"code": 1, "message": "ILLEGAL_ACCESS"}},
		{"message with success code", map[string]interface{}{"code": 0, "message": "ILLEGAL_ACCESS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(t, w, false, tt.env)
			}))
			defer srv.Close()

			_, err := testClient(t, srv.URL, &stubSigner{}, 0).RegisterKey(context.Background(), RegisterKeyRequest{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrIllegalAccess)
			var apiErr *APIError
			assert.ErrorAs(t, err, &apiErr)
		})
	}
}

func TestDo_IllegalAccessOnErrorStatus(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(status)
				w.Write([]byte(`{"code":110,"message":"denied"}`))
			}))
			defer srv.Close()

			_, err := testClient(t, srv.URL, &stubSigner{}, 3).RegisterKey(context.Background(), RegisterKeyRequest{})
			assert.ErrorIs(t, err, ErrIllegalAccess)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, status, apiErr.Status)
			assert.Equal(t, CodeIllegalAccess, apiErr.Code)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestDo_OtherAPIErrorIsNotIllegalAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, false, map[string]interface{}{"code": 100, "message": "busy"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, &stubSigner{}, 0).RegisterKey(context.Background(), RegisterKeyRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 100, apiErr.Code)
	assert.NotErrorIs(t, err, ErrIllegalAccess)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(t, w, false, map[string]interface{}{"code": 0, "data": map[string]interface{}{"key": "K", "keyver": 2}})
	}))
	defer srv.Close()

	resp, err := testClient(t, srv.URL, &stubSigner{}, 1).RegisterKey(context.Background(), RegisterKeyRequest{Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Version)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, &stubSigner{}, 3).RegisterKey(context.Background(), RegisterKeyRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDo_SignFailure(t *testing.T) {
	boom := errors.New("no engine")
	_, err := testClient(t, "http://127.0.0.1:1", &stubSigner{err: boom}, 0).RegisterKey(context.Background(), RegisterKeyRequest{})
	assert.ErrorIs(t, err, boom)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Config: config.RemoteConfig{BaseURL: "http://x"}})
	assert.Error(t, err)
	_, err = New(Options{Config: config.RemoteConfig{}, Signer: &stubSigner{}})
	assert.Error(t, err)
}

func TestBuildURL(t *testing.T) {
	c := testClient(t, "https://api.example.com/", &stubSigner{}, 0)
	got := c.BuildURL("/reading/x", []Param{{"b", "2"}, {"a", "x y"}, {"c", "é"}})
	assert.Equal(t, "https://api.example.com/reading/x?b=2&a=x+y&c=%C3%A9", got)
}
