// Command loadtest drives concurrent signing load against a running gateway
// and compares the result with a stored baseline.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		gatewayURL     = flag.String("gateway-url", "http://localhost:8080", "Gateway base URL")
		targetURL      = flag.String("target-url", "https://api5-normal-sinfonlineb.fqnovel.com/reading/bookapi/detail/v/?book_id=7143038691944959011", "URL to sign")
		apiKey         = flag.String("api-key", "", "Bearer token for /api/v1")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 20, "Requests per second per worker (0 for unthrottled)")
		timeout        = flag.Duration("timeout", 10*time.Second, "Per request timeout")
		baselineFile   = flag.String("baseline", "testdata/baselines/sign_load_test_baseline.json", "Baseline file")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "Update the baseline file instead of checking regression")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := Config{
		GatewayURL: *gatewayURL,
		TargetURL:  *targetURL,
		APIKey:     *apiKey,
		Workers:    *workers,
		QPS:        *qps,
		Duration:   *duration,
		Client:     &http.Client{Timeout: *timeout},
	}

	if err := run(ctx, cfg, *baselineFile, *threshold, *updateBaseline, logger); err != nil {
		logger.WithError(err).Error("Load test failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, baselineFile string, threshold float64, updateBaseline bool, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"gateway":  cfg.GatewayURL,
		"workers":  cfg.Workers,
		"qps":      cfg.QPS,
		"duration": cfg.Duration,
	}).Info("Starting sign load test")

	results, err := Run(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("sign load test failed: %w", err)
	}
	PrintResults(os.Stdout, results)

	if updateBaseline {
		if err := SaveBaseline(baselineFile, results); err != nil {
			return err
		}
		fmt.Println("Baseline updated for sign load test")
		return nil
	}

	regression, err := AnalyzeRegression(results, baselineFile, threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No baseline found - run with -update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	PrintRegression(os.Stdout, regression)

	if regression.Significant {
		return fmt.Errorf("significant regression detected in sign load test")
	}
	fmt.Println("Sign load test passed")
	return nil
}
