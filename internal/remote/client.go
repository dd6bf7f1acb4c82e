// Package remote talks to the upstream content API: every request carries
// the device identity as query parameters, fixed client headers and the
// signature headers produced by the signing engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/crypto"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/sirupsen/logrus"
)

// RegisterKeyPath is the register key exchange endpoint.
const RegisterKeyPath = "/reading/crypt/registerkey"

// HeaderSigner signs outbound requests.
type HeaderSigner interface {
	SignHeaders(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error)
}

// Param is one query parameter.
type Param struct {
	Key   string
	Value string
}

// Options configures a Client.
type Options struct {
	Config     config.RemoteConfig
	Signer     HeaderSigner
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *logrus.Logger
}

// Client is an upstream API client.
type Client struct {
	cfg    config.RemoteConfig
	signer HeaderSigner
	http   *http.Client
	clock  func() time.Time
	logger *logrus.Logger
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Signer == nil {
		return nil, errors.New("remote: signer is required")
	}
	if _, err := url.Parse(opts.Config.BaseURL); err != nil || opts.Config.BaseURL == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", opts.Config.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Config.Timeout}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{
		cfg:    opts.Config,
		signer: opts.Signer,
		http:   hc,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// CommonParams returns the device query parameters in wire order.
func (c *Client) CommonParams(now time.Time) []Param {
	d := c.cfg.Device
	return []Param{
		{"iid", d.InstallID},
		{"device_id", d.DeviceID},
		{"ac", "wifi"},
		{"channel", d.Channel},
		{"aid", d.AID},
		{"app_name", d.AppName},
		{"version_code", d.VersionCode},
		{"version_name", d.VersionName},
		{"device_platform", "android"},
		{"os", "android"},
		{"ssmix", "a"},
		{"device_type", d.DeviceType},
		{"device_brand", d.DeviceBrand},
		{"language", "zh"},
		{"os_api", d.OSAPI},
		{"os_version", d.OSVersion},
		{"manifest_version_code", d.ManifestVersionCode},
		{"resolution", d.Resolution},
		{"dpi", d.DPI},
		{"update_version_code", d.UpdateVersionCode},
		{"_rticket", strconv.FormatInt(now.UnixMilli(), 10)},
		{"host_abi", d.HostABI},
		{"dragon_device_type", "phone"},
		{"pv_player", d.VersionCode},
		{"compliance_status", "0"},
		{"need_personal_recommend", "1"},
		{"player_so_load", "1"},
		{"is_android_pad_screen", "0"},
		{"rom_version", d.ROMVersion},
		{"cdid", d.CDID},
	}
}

// CommonHeaders returns the fixed client headers in wire order.
func (c *Client) CommonHeaders(now time.Time) []signer.HeaderPair {
	ms := now.UnixMilli()
	return []signer.HeaderPair{
		{Name: "Cookie", Value: c.cfg.Cookie},
		{Name: "User-Agent", Value: c.cfg.UserAgent},
		{Name: "Accept", Value: "application/json; charset=utf-8,application/x-protobuf"},
		{Name: "Accept-Encoding", Value: "gzip"},
		{Name: "x-xs-from-web", Value: "0"},
		{Name: "x-ss-req-ticket", Value: strconv.FormatInt(ms, 10)},
		{Name: "x-reading-request", Value: fmt.Sprintf("%d-%d", ms, rand.Int63n(2000000000))},
		{Name: "x-vc-bdturing-sdk-version", Value: "3.7.2.cn"},
		{Name: "lc", Value: "101"},
		{Name: "sdk-version", Value: "2"},
		{Name: "passport-sdk-version", Value: "50564"},
		{Name: "x-tt-store-region", Value: "cn-zj"},
		{Name: "x-tt-store-region-src", Value: "did"},
	}
}

// BuildURL joins path to the base URL and appends params in order.
func (c *Client) BuildURL(path string, params []Param) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(c.cfg.BaseURL, "/"))
	sb.WriteString(path)
	for i, p := range params {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.Value))
	}
	return sb.String()
}

// Do sends a signed request and decodes the envelope's data into out.
func (c *Client) Do(ctx context.Context, method, path string, extra []Param, body, out interface{}) error {
	now := c.clock()
	fullURL := c.BuildURL(path, append(c.CommonParams(now), extra...))

	headers := c.CommonHeaders(now)
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		headers = append(headers, signer.HeaderPair{Name: "Content-Type", Value: "application/json"})
	}

	signed, err := c.signer.SignHeaders(ctx, fullURL, headers)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", path, err)
	}

	var env Envelope
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, h := range signed.Pairs() {
			req.Header.Set(h.Name, h.Value)
		}
		for _, h := range headers {
			req.Header.Set(h.Name, h.Value)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := readBody(resp)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			apiErr := statusError(resp.StatusCode, data)
			if resp.StatusCode >= http.StatusInternalServerError && !errors.Is(apiErr, ErrIllegalAccess) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response envelope: %w", err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"path": path,
			"wait": wait,
		}).Warn("Upstream request failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if env.Code != 0 || env.Message == MessageIllegalAccess {
		return &APIError{Status: http.StatusOK, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", path, err)
		}
	}
	return nil
}

// statusError builds the error for a non-200 response, keeping the
// envelope's code and message when the body carries one.
func statusError(status int, data []byte) *APIError {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && (env.Code != 0 || env.Message != "") {
		return &APIError{Status: status, Code: env.Code, Message: env.Message}
	}
	return &APIError{Status: status, Message: http.StatusText(status)}
}

// readBody reads the response body, inflating gzip whether or not the
// server labelled it.
func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") || crypto.IsGzip(data) {
		if data, err = crypto.Gunzip(data); err != nil {
			return nil, fmt.Errorf("failed to inflate response body: %w", err)
		}
	}
	return data, nil
}

// RegisterKey performs the register key exchange.
func (c *Client) RegisterKey(ctx context.Context, req RegisterKeyRequest) (*RegisterKeyResponse, error) {
	var resp RegisterKeyResponse
	if err := c.Do(ctx, http.MethodPost, RegisterKeyPath, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
