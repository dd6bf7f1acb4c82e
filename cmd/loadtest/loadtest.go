package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config describes one load test run.
type Config struct {
	GatewayURL string
	TargetURL  string
	APIKey     string
	Workers    int
	QPS        int
	Duration   time.Duration
	Client     *http.Client
}

// Results summarises a run. Latencies are in milliseconds.
type Results struct {
	Requests   int            `json:"requests"`
	Errors     int            `json:"errors"`
	ErrorKinds map[string]int `json:"error_kinds,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
	Throughput float64        `json:"throughput_rps"`
	P50        float64        `json:"p50_ms"`
	P95        float64        `json:"p95_ms"`
	P99        float64        `json:"p99_ms"`
	Max        float64        `json:"max_ms"`
}

// ErrorRate returns the failed share of requests.
func (r *Results) ErrorRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Requests)
}

type sample struct {
	latency time.Duration
	kind    string
}

// Run signs cfg.TargetURL from cfg.Workers goroutines until cfg.Duration
// elapses or ctx is done.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Results, error) {
	if cfg.Workers < 1 {
		return nil, errors.New("at least one worker is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]interface{}{
		"url": cfg.TargetURL,
		"headers": []map[string]string{
			{"name": "Accept", "value": "application/json; charset=utf-8,application/x-protobuf"},
			{"name": "lc", "value": "101"},
		},
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(cfg.GatewayURL, "/") + "/api/v1/sign"

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []sample
		wg      sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			var tick <-chan time.Time
			if cfg.QPS > 0 {
				t := time.NewTicker(time.Second / time.Duration(cfg.QPS))
				defer t.Stop()
				tick = t.C
			}
			for {
				if tick != nil {
					select {
					case <-ctx.Done():
						return
					case <-tick:
					}
				} else if ctx.Err() != nil {
					return
				}

				s := signOnce(ctx, cfg, endpoint, body)
				if ctx.Err() != nil && s.kind != "" {
					// Cut off by the end of the run, not a gateway failure.
					return
				}
				if s.kind != "" {
					logger.WithFields(logrus.Fields{"worker": worker, "kind": s.kind}).Debug("Sign request failed")
				}
				mu.Lock()
				samples = append(samples, s)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	return summarize(samples, time.Since(start)), nil
}

func signOnce(ctx context.Context, cfg Config, endpoint string, body []byte) sample {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return sample{kind: "request"}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	start := time.Now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return sample{latency: time.Since(start), kind: "transport"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Kind string `json:"kind"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Kind == "" {
			e.Kind = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return sample{latency: time.Since(start), kind: e.Kind}
	}
	io.Copy(io.Discard, resp.Body)
	return sample{latency: time.Since(start)}
}

func summarize(samples []sample, elapsed time.Duration) *Results {
	r := &Results{Requests: len(samples), Elapsed: elapsed, ErrorKinds: map[string]int{}}
	latencies := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.kind != "" {
			r.Errors++
			r.ErrorKinds[s.kind]++
			continue
		}
		latencies = append(latencies, float64(s.latency)/float64(time.Millisecond))
	}
	if elapsed > 0 {
		r.Throughput = float64(len(latencies)) / elapsed.Seconds()
	}
	sort.Float64s(latencies)
	r.P50 = percentile(latencies, 50)
	r.P95 = percentile(latencies, 95)
	r.P99 = percentile(latencies, 99)
	if n := len(latencies); n > 0 {
		r.Max = latencies[n-1]
	}
	return r
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// PrintResults writes a human readable summary.
func PrintResults(w io.Writer, r *Results) {
	fmt.Fprintln(w, "--- Sign Load Test Results ---")
	fmt.Fprintf(w, "Requests:   %d (%d errors, %.2f%%)\n", r.Requests, r.Errors, r.ErrorRate()*100)
	fmt.Fprintf(w, "Elapsed:    %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Throughput: %.1f req/s\n", r.Throughput)
	fmt.Fprintf(w, "Latency:    p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms\n", r.P50, r.P95, r.P99, r.Max)
	kinds := make([]string, 0, len(r.ErrorKinds))
	for k := range r.ErrorKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %d\n", k, r.ErrorKinds[k])
	}
	fmt.Fprintln(w)
}

// Regression compares a run with its baseline. Changes are percentages;
// positive means worse.
type Regression struct {
	ThroughputChange float64
	P95Change        float64
	Threshold        float64
	Significant      bool
}

// SaveBaseline stores r as the baseline.
func SaveBaseline(path string, r *Results) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create baseline dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// AnalyzeRegression compares r with the baseline at path.
func AnalyzeRegression(r *Results, path string, threshold float64) (*Regression, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var base Results
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid baseline %s: %w", path, err)
	}

	reg := &Regression{Threshold: threshold}
	if base.Throughput > 0 {
		reg.ThroughputChange = (base.Throughput - r.Throughput) / base.Throughput * 100
	}
	if base.P95 > 0 {
		reg.P95Change = (r.P95 - base.P95) / base.P95 * 100
	}
	reg.Significant = reg.ThroughputChange > threshold || reg.P95Change > threshold
	return reg, nil
}

// PrintRegression writes the comparison with the baseline.
func PrintRegression(w io.Writer, reg *Regression) {
	fmt.Fprintln(w, "--- Regression Analysis ---")
	fmt.Fprintf(w, "Throughput: %+.1f%% (threshold %.1f%%)\n", -reg.ThroughputChange, reg.Threshold)
	fmt.Fprintf(w, "P95:        %+.1f%%\n", reg.P95Change)
	fmt.Fprintln(w)
}
