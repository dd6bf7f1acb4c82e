package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SIGNGW_"

// ApplyEnv overrides fields from SIGNGW_* environment variables. Unset or
// unparsable variables leave the current value in place.
func (c *Config) ApplyEnv() {
	c.LogLevel = envDefault("LOG_LEVEL", c.LogLevel)

	c.Server.ListenAddr = envDefault("LISTEN_ADDR", c.Server.ListenAddr)

	c.Pool.Mode = envDefault("POOL_MODE", c.Pool.Mode)
	c.Pool.Size = envIntDefault("POOL_SIZE", c.Pool.Size)
	c.Pool.BorrowTimeout = envDurationDefault("POOL_BORROW_TIMEOUT", c.Pool.BorrowTimeout)
	c.Pool.MaxBorrowRetries = envIntDefault("POOL_MAX_BORROW_RETRIES", c.Pool.MaxBorrowRetries)

	c.Emulator.Verbose = envBoolDefault("EMULATOR_VERBOSE", c.Emulator.Verbose)

	c.Resources.Provider = envDefault("RESOURCES_PROVIDER", c.Resources.Provider)
	c.Resources.Dir = envDefault("RESOURCES_DIR", c.Resources.Dir)
	c.Resources.S3.Bucket = envDefault("RESOURCES_S3_BUCKET", c.Resources.S3.Bucket)
	c.Resources.S3.Region = envDefault("RESOURCES_S3_REGION", c.Resources.S3.Region)
	c.Resources.S3.Endpoint = envDefault("RESOURCES_S3_ENDPOINT", c.Resources.S3.Endpoint)
	c.Resources.S3.AccessKey = envDefault("RESOURCES_S3_ACCESS_KEY", c.Resources.S3.AccessKey)
	c.Resources.S3.SecretKey = envDefault("RESOURCES_S3_SECRET_KEY", c.Resources.S3.SecretKey)

	c.Remote.BaseURL = envDefault("REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.Cookie = envDefault("REMOTE_COOKIE", c.Remote.Cookie)
	c.Remote.Device.InstallID = envDefault("DEVICE_INSTALL_ID", c.Remote.Device.InstallID)
	c.Remote.Device.DeviceID = envDefault("DEVICE_ID", c.Remote.Device.DeviceID)
	c.Remote.Device.CDID = envDefault("DEVICE_CDID", c.Remote.Device.CDID)
	if c.Remote.Device.CDID == "" {
		c.Remote.Device.CDID = uuid.NewString()
	}

	c.KeyVault.Mirror.Enabled = envBoolDefault("REDIS_ENABLED", c.KeyVault.Mirror.Enabled)
	c.KeyVault.Mirror.Addr = envDefault("REDIS_ADDR", c.KeyVault.Mirror.Addr)
	c.KeyVault.Mirror.Password = envDefault("REDIS_PASSWORD", c.KeyVault.Mirror.Password)

	c.Tracing.Enabled = envBoolDefault("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = envDefault("TRACING_ENDPOINT", c.Tracing.Endpoint)

	if v := os.Getenv(EnvPrefix + "API_KEYS"); v != "" {
		c.Server.APIKeys = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "STRIP_HEADERS"); v != "" {
		c.Signer.StripHeaders = splitList(v)
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func envDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
