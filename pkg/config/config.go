package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/telemetry"
)

const (
	DefaultManifestFileName = "MANIFEST"
	DefaultImageFileName    = "flash.img"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

type Config struct {
	Version int `json:"version"`

	// Flash configuration. An empty FlashImage selects a volatile in-memory device.
	FlashImage     string `json:"flash_image"`
	FlashSize      uint32 `json:"flash_size"`
	BaseSector     uint32 `json:"base_sector"`
	StorageRegions int    `json:"storage_regions"`

	// Service configuration
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`

	// TLS configuration
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
	TLSCAFile   string `json:"tls_ca_file"`

	// Request rate limiting; a RateLimit of zero accepts every request
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config keeping its flash image in dataDir
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		FlashImage:     filepath.Join(dataDir, DefaultImageFileName),
		FlashSize:      16 * flash.SectorSize, // 64KB part
		BaseSector:     0,
		StorageRegions: 1, // one sector dedicated to storage

		ListenAddr: "localhost:50051",
		LogLevel:   log.LevelInfo.String(),

		TLSEnabled: false,
		RateLimit:  0,
		RateBurst:  32,

		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.FlashSize == 0 || c.FlashSize%flash.SectorSize != 0 {
		return fmt.Errorf("%w: flash size %d is not a positive multiple of the %d byte sector",
			ErrInvalidConfig, c.FlashSize, flash.SectorSize)
	}

	if c.StorageRegions <= 0 {
		return fmt.Errorf("%w: storage regions must be positive", ErrInvalidConfig)
	}

	sectors := uint64(c.FlashSize / flash.SectorSize)
	if uint64(c.BaseSector)+uint64(c.StorageRegions) > sectors {
		return fmt.Errorf("%w: %d storage regions from sector %d exceed the %d sectors of flash",
			ErrInvalidConfig, c.StorageRegions, c.BaseSector, sectors)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address not specified", ErrInvalidConfig)
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("%w: TLS enabled without certificate and key files", ErrInvalidConfig)
	}

	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		return fmt.Errorf("%w: invalid rate limit %v with burst %d", ErrInvalidConfig, c.RateLimit, c.RateBurst)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// LoadConfigFromManifest loads the configuration stored in dataDir
func LoadConfigFromManifest(dataDir string) (*Config, error) {
	manifestPath := filepath.Join(dataDir, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveManifest saves the configuration to the manifest file in dataDir
func (c *Config) SaveManifest(dataDir string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dataDir, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// LoadFromEnv applies FLASHSTORE_* environment overrides. Unparseable
// numbers are reported rather than ignored.
func (c *Config) LoadFromEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("FLASHSTORE_FLASH_IMAGE"); val != "" {
		c.FlashImage = val
	}

	if val := os.Getenv("FLASHSTORE_FLASH_SIZE"); val != "" {
		size, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return fmt.Errorf("%w: FLASHSTORE_FLASH_SIZE: %v", ErrInvalidConfig, err)
		}
		c.FlashSize = uint32(size)
	}

	if val := os.Getenv("FLASHSTORE_BASE_SECTOR"); val != "" {
		sector, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return fmt.Errorf("%w: FLASHSTORE_BASE_SECTOR: %v", ErrInvalidConfig, err)
		}
		c.BaseSector = uint32(sector)
	}

	if val := os.Getenv("FLASHSTORE_STORAGE_REGIONS"); val != "" {
		regions, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: FLASHSTORE_STORAGE_REGIONS: %v", ErrInvalidConfig, err)
		}
		c.StorageRegions = regions
	}

	if val := os.Getenv("FLASHSTORE_LISTEN_ADDR"); val != "" {
		c.ListenAddr = val
	}

	if val := os.Getenv("FLASHSTORE_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv("FLASHSTORE_TLS_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: FLASHSTORE_TLS_ENABLED: %v", ErrInvalidConfig, err)
		}
		c.TLSEnabled = enabled
	}

	if val := os.Getenv("FLASHSTORE_TLS_CERT_FILE"); val != "" {
		c.TLSCertFile = val
	}

	if val := os.Getenv("FLASHSTORE_TLS_KEY_FILE"); val != "" {
		c.TLSKeyFile = val
	}

	if val := os.Getenv("FLASHSTORE_TLS_CA_FILE"); val != "" {
		c.TLSCAFile = val
	}

	if val := os.Getenv("FLASHSTORE_RATE_LIMIT"); val != "" {
		limit, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%w: FLASHSTORE_RATE_LIMIT: %v", ErrInvalidConfig, err)
		}
		c.RateLimit = limit
	}

	if val := os.Getenv("FLASHSTORE_RATE_BURST"); val != "" {
		burst, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: FLASHSTORE_RATE_BURST: %v", ErrInvalidConfig, err)
		}
		c.RateBurst = burst
	}

	c.Telemetry.LoadFromEnv()
	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
