package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	NodeID             string            `json:"nodeId"`
	BasePort           int               `json:"basePort"`
	DatabasePath       string            `json:"databasePath"`
	DatabaseURL        string            `json:"databaseUrl"`
	Security           Security          `json:"security"`
	Discovery          Discovery         `json:"discovery"`
	Transfer           Transfer          `json:"transfer"`
	Watchdog           Watchdog          `json:"watchdog"`
	AttachmentStorage  AttachmentStorage `json:"attachmentStorage"`
	SynchronizedTables []string          `json:"synchronizedTables"`
}

// Security configuration. The registration key is the shared secret
// authenticating inter-node transfer requests. Either the plaintext key or
// a bcrypt hash of it may be configured; the hash wins when both are set.
type Security struct {
	RegistrationKey     string `json:"registrationKey"`
	RegistrationKeyHash string `json:"registrationKeyHash"`
	KeyHeader           string `json:"keyHeader"`
}

// Discovery configuration for the multicast presence beacon
type Discovery struct {
	Group                   string `json:"group"`
	AnnounceIntervalSeconds int    `json:"announceIntervalSeconds"`
	PeerTTLSeconds          int    `json:"peerTtlSeconds"`
}

// Transfer configuration bounds batches and retries
type Transfer struct {
	BatchMaxRecords    int `json:"batchMaxRecords"`
	BatchMaxBytes      int `json:"batchMaxBytes"`
	AttachmentChunkKB  int `json:"attachmentChunkKb"`
	MaxAttempts        int `json:"maxAttempts"`
	RetryInitialMS     int `json:"retryInitialMs"`
	RequestTimeoutSecs int `json:"requestTimeoutSeconds"`
}

// Watchdog configuration for stuck-session recovery
type Watchdog struct {
	IntervalSeconds           int `json:"intervalSeconds"`
	MaxSessionDurationMinutes int `json:"maxSessionDurationMinutes"`
}

// AttachmentStorage configures where received file content lands
type AttachmentStorage struct {
	BasePath string `json:"basePath"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// TransferPort is the port the sync API listens on
func (c *Config) TransferPort() int { return c.BasePort }

// HealthPort is conventionally one above the base port
func (c *Config) HealthPort() int { return c.BasePort + 1 }

// DiscoveryPort is the UDP port of the multicast group
func (c *Config) DiscoveryPort() int { return c.BasePort + 2 }

// TransferAddress returns the TCP listen address for the sync API
func (c *Config) TransferAddress() string { return fmt.Sprintf(":%d", c.TransferPort()) }

// HealthAddress returns the TCP listen address for the health check
func (c *Config) HealthAddress() string { return fmt.Sprintf(":%d", c.HealthPort()) }

// AnnounceInterval returns the beacon period as a duration
func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Discovery.AnnounceIntervalSeconds) * time.Second
}

// PeerTTL returns how long a silent peer stays in the directory
func (c *Config) PeerTTL() time.Duration {
	return time.Duration(c.Discovery.PeerTTLSeconds) * time.Second
}

// WatchdogInterval returns the sweep period as a duration
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalSeconds) * time.Second
}

// MaxSessionDuration returns how long a session may run before the watchdog
// cancels it
func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.Watchdog.MaxSessionDurationMinutes) * time.Minute
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		BasePort:     7390,
		DatabasePath: "nodesync.db",
		Security: Security{
			RegistrationKey: "CHANGE_THIS_TO_A_SHARED_REGISTRATION_KEY",
			KeyHeader:       "X-Registration-Key",
		},
		Discovery: Discovery{
			Group:                   "239.83.17.44",
			AnnounceIntervalSeconds: 10,
			PeerTTLSeconds:          60,
		},
		Transfer: Transfer{
			BatchMaxRecords:    200,
			BatchMaxBytes:      4 << 20,
			AttachmentChunkKB:  512,
			MaxAttempts:        5,
			RetryInitialMS:     500,
			RequestTimeoutSecs: 30,
		},
		Watchdog: Watchdog{
			IntervalSeconds:           60,
			MaxSessionDurationMinutes: 30,
		},
		AttachmentStorage: AttachmentStorage{
			BasePath: "./attachments",
		},
		SynchronizedTables: []string{
			"products", "product_images", "inventory_items", "orders", "balances",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if port := os.Getenv("BASE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.BasePort = p
		}
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if key := os.Getenv("REGISTRATION_KEY"); key != "" {
		cfg.Security.RegistrationKey = key
	}
	if hash := os.Getenv("REGISTRATION_KEY_HASH"); hash != "" {
		cfg.Security.RegistrationKeyHash = hash
	}
	if group := os.Getenv("DISCOVERY_GROUP"); group != "" {
		cfg.Discovery.Group = group
	}
	if basePath := os.Getenv("ATTACHMENT_STORAGE_PATH"); basePath != "" {
		cfg.AttachmentStorage.BasePath = basePath
	}
	if minutes := os.Getenv("MAX_SESSION_DURATION_MINUTES"); minutes != "" {
		if m, err := strconv.Atoi(minutes); err == nil && m > 0 {
			cfg.Watchdog.MaxSessionDurationMinutes = m
		}
	}

	// A node cannot sync without a stable identity
	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("NODE_ID unset and hostname unavailable: %w", err)
		}
		cfg.NodeID = hostname
	}

	// Ensure attachment storage directory exists
	if err := os.MkdirAll(cfg.AttachmentStorage.BasePath, 0755); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(cfg.AttachmentStorage.BasePath)
	if err != nil {
		return nil, err
	}
	cfg.AttachmentStorage.BasePath = absPath

	return cfg, nil
}
