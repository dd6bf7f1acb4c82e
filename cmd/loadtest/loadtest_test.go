package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, percentile(values, 50))
	assert.Equal(t, 10.0, percentile(values, 95))
	assert.Equal(t, 1.0, percentile(values, 1))
	assert.Equal(t, 0.0, percentile(nil, 50))
}

func TestRun(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sign", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if n.Add(1)%5 == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"kind":"borrow_timeout"}`))
			return
		}
		w.Write([]byte(`{"X-Argus":"a"}`))
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	res, err := Run(context.Background(), Config{
		GatewayURL: srv.URL,
		TargetURL:  "https://api.example.com/x",
		APIKey:     "k",
		Workers:    2,
		QPS:        100,
		Duration:   200 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	assert.Greater(t, res.Requests, 5)
	assert.Greater(t, res.Errors, 0)
	assert.Equal(t, res.Errors, res.ErrorKinds["borrow_timeout"])
	assert.Greater(t, res.Throughput, 0.0)
	assert.LessOrEqual(t, res.P50, res.P99)

	var buf bytes.Buffer
	PrintResults(&buf, res)
	assert.Contains(t, buf.String(), "borrow_timeout")
}

func TestRun_NoWorkers(t *testing.T) {
	_, err := Run(context.Background(), Config{}, logrus.New())
	assert.Error(t, err)
}

func TestBaselineRegression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baselines", "sign.json")

	_, err := AnalyzeRegression(&Results{}, path, 10)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, SaveBaseline(path, &Results{Throughput: 100, P95: 10}))

	reg, err := AnalyzeRegression(&Results{Throughput: 95, P95: 10.5}, path, 10)
	require.NoError(t, err)
	assert.False(t, reg.Significant)
	assert.InDelta(t, 5.0, reg.ThroughputChange, 0.001)

	reg, err = AnalyzeRegression(&Results{Throughput: 100, P95: 20}, path, 10)
	require.NoError(t, err)
	assert.True(t, reg.Significant)
	assert.InDelta(t, 100.0, reg.P95Change, 0.001)
}
