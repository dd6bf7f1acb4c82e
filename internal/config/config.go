package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pool modes.
const (
	PoolModePool   = "pool"
	PoolModeLocked = "locked"
)

// Config holds the gateway configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Emulator  EmulatorConfig  `yaml:"emulator"`
	Resources ResourcesConfig `yaml:"resources"`
	Remote    RemoteConfig    `yaml:"remote"`
	KeyVault  KeyVaultConfig  `yaml:"keyvault"`
	Signer    SignerConfig    `yaml:"signer"`
	Audit     AuditConfig     `yaml:"audit"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Hardware  HardwareConfig  `yaml:"hardware"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeys, when non-empty, are the bearer tokens accepted on /api/v1.
	APIKeys         []string      `yaml:"api_keys"`
}

// PoolConfig selects how signing engines are shared between callers.
type PoolConfig struct {
	Mode             string        `yaml:"mode"`
	Size             int           `yaml:"size"`
	BorrowTimeout    time.Duration `yaml:"borrow_timeout"`
	MaxBorrowRetries int           `yaml:"max_borrow_retries"`
}

// EmulatorConfig describes the signing module and the virtual process hosting it.
type EmulatorConfig struct {
	ModuleName  string `yaml:"module_name"`
	AuxLibName  string `yaml:"aux_lib_name"`
	PackageName string `yaml:"package_name"`
	CertName    string `yaml:"cert_name"`
	RootFSName  string `yaml:"rootfs_name"`
	ProcessName string `yaml:"process_name"`
	UID         int    `yaml:"uid"`
	InstallPath string `yaml:"install_path"`
	StoragePath string `yaml:"storage_path"`
	EntrySymbol string `yaml:"entry_symbol"`
	EntryOffset uint64 `yaml:"entry_offset"`
	Verbose     bool   `yaml:"verbose"`
}

// ResourcesConfig selects where packaged resources come from.
type ResourcesConfig struct {
	Provider string   `yaml:"provider"`
	Dir      string   `yaml:"dir"`
	CacheDir string   `yaml:"cache_dir"`
	S3       S3Config `yaml:"s3"`
}

// S3Config configures the S3 resource provider.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RemoteConfig configures the upstream content API.
type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	UserAgent  string        `yaml:"user_agent"`
	Cookie     string        `yaml:"cookie"`
	Device     DeviceConfig  `yaml:"device"`
}

// DeviceConfig is the device identity sent with every upstream request.
type DeviceConfig struct {
	InstallID           string `yaml:"install_id"`
	DeviceID            string `yaml:"device_id"`
	CDID                string `yaml:"cdid"`
	AID                 string `yaml:"aid"`
	AppName             string `yaml:"app_name"`
	Channel             string `yaml:"channel"`
	VersionCode         string `yaml:"version_code"`
	VersionName         string `yaml:"version_name"`
	UpdateVersionCode   string `yaml:"update_version_code"`
	ManifestVersionCode string `yaml:"manifest_version_code"`
	DeviceType          string `yaml:"device_type"`
	DeviceBrand         string `yaml:"device_brand"`
	ROMVersion          string `yaml:"rom_version"`
	Resolution          string `yaml:"resolution"`
	DPI                 string `yaml:"dpi"`
	HostABI             string `yaml:"host_abi"`
	OSAPI               string `yaml:"os_api"`
	OSVersion           string `yaml:"os_version"`
}

// KeyVaultConfig configures register key exchange and caching.
type KeyVaultConfig struct {
	PSK    string      `yaml:"psk"`
	Marker int64       `yaml:"marker"`
	Warmup bool        `yaml:"warmup"`
	Mirror RedisConfig `yaml:"mirror"`
}

// RedisConfig configures the optional Redis key mirror.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// SignerConfig configures signature post-processing.
type SignerConfig struct {
	StripHeaders  []string `yaml:"strip_headers"`
	ExpectHeaders []string `yaml:"expect_headers"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled"`
	MaxEvents          int        `yaml:"max_events"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys"`
	Sink               SinkConfig `yaml:"sink"`
}

// SinkConfig configures where audit events go.
type SinkConfig struct {
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HardwareConfig toggles AES hardware acceleration reporting.
type HardwareConfig struct {
	EnableAESNI    bool `yaml:"enable_aesni"`
	EnableARMv8AES bool `yaml:"enable_armv8_aes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			Mode:             PoolModePool,
			Size:             2,
			BorrowTimeout:    2 * time.Second,
			MaxBorrowRetries: 5,
		},
		Emulator: EmulatorConfig{
			ModuleName:  "libmetasec_ml.so",
			AuxLibName:  "libc++_shared.so",
			PackageName: "base.apk",
			CertName:    "ms_16777218.bin",
			RootFSName:  "rootfs",
			ProcessName: "com.dragon.read.oversea.gp",
			UID:         10074,
			InstallPath: "/data/app/com.dragon.read.oversea.gp-q5NyjSN9BLSTVBJ54kg7YA==/base.apk",
			StoragePath: "/data/user/0/com.dragon.read.oversea.gp/files/.msdata",
			EntrySymbol: "ms_sign",
			EntryOffset: 0x168c80,
		},
		Resources: ResourcesConfig{
			Provider: "dir",
			Dir:      "resources",
		},
		Remote: RemoteConfig{
			BaseURL:    "https://api5-normal-sinfonlineb.fqnovel.com",
			Timeout:    15 * time.Second,
			MaxRetries: 2,
			UserAgent:  "com.dragon.read.oversea.gp/68132 (Linux; U; Android 10; zh_CN; OnePlus11; Build/V291IR;tt-ok/3.12.13.4-tiktok)",
			Cookie:     "store-region=cn-zj; store-region-src=did; install_id=933935730456617",
			Device: DeviceConfig{
				InstallID:           "933935730456617",
				DeviceID:            "933935730452521",
				CDID:                "17f05006-423a-4172-be4b-7d26a42f2f4a",
				AID:                 "1967",
				AppName:             "novelapp",
				Channel:             "googleplay",
				VersionCode:         "68132",
				VersionName:         "6.8.1.32",
				UpdateVersionCode:   "68132",
				ManifestVersionCode: "68132",
				DeviceType:          "OnePlus11",
				DeviceBrand:         "OnePlus",
				ROMVersion:          "V291IR+release-keys",
				Resolution:          "3200*1440",
				DPI:                 "640",
				HostABI:             "arm64-v8a",
				OSAPI:               "32",
				OSVersion:           "13",
			},
		},
		KeyVault: KeyVaultConfig{
			PSK:    "ac25c67ddd8f38c1b37a2348828e222e",
			Warmup: true,
			Mirror: RedisConfig{
				KeyPrefix: "signgw:registerkey:",
				TTL:       24 * time.Hour,
			},
		},
		Signer: SignerConfig{
			StripHeaders:  []string{"X-Neptune"},
			ExpectHeaders: []string{"X-Argus"},
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
			Sink:      SinkConfig{Type: "stdout"},
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "native-sign-gateway",
			SampleRatio: 1.0,
		},
		Hardware: HardwareConfig{
			EnableAESNI:    true,
			EnableARMv8AES: true,
		},
	}
}

// Load reads the configuration file at path (if any), then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Pool.Mode {
	case PoolModePool, PoolModeLocked:
	default:
		return fmt.Errorf("pool.mode must be %q or %q, got %q", PoolModePool, PoolModeLocked, c.Pool.Mode)
	}
	if c.Pool.Mode == PoolModePool && c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1")
	}
	if c.Pool.BorrowTimeout <= 0 {
		return fmt.Errorf("pool.borrow_timeout must be positive")
	}
	if c.Pool.MaxBorrowRetries < 0 {
		return fmt.Errorf("pool.max_borrow_retries must not be negative")
	}

	if c.Emulator.ModuleName == "" {
		return fmt.Errorf("emulator.module_name is required")
	}
	if c.Emulator.EntrySymbol == "" && c.Emulator.EntryOffset == 0 {
		return fmt.Errorf("emulator.entry_symbol or emulator.entry_offset is required")
	}

	switch c.Resources.Provider {
	case "dir":
		if c.Resources.Dir == "" {
			return fmt.Errorf("resources.dir is required for the dir provider")
		}
	case "s3":
		if c.Resources.S3.Bucket == "" {
			return fmt.Errorf("resources.s3.bucket is required for the s3 provider")
		}
	default:
		return fmt.Errorf("unknown resources.provider: %s", c.Resources.Provider)
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.Device.DeviceID == "" {
		return fmt.Errorf("remote.device.device_id is required")
	}

	if len(c.KeyVault.PSK) != 32 {
		return fmt.Errorf("keyvault.psk must be 32 hex characters")
	}
	if c.KeyVault.Mirror.Enabled && c.KeyVault.Mirror.Addr == "" {
		return fmt.Errorf("keyvault.mirror.addr is required when the mirror is enabled")
	}

	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("unknown tracing.exporter: %s", c.Tracing.Exporter)
		}
	}

	return nil
}
