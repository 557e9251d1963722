// Package config provides configuration management for the CSE.
// It loads configuration from YAML files and environment variables using
// Viper, with defaults and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is the configuration file the CSE loads when no
// --config flag is given.
const DefaultConfigPath = "config/config.yaml"

// Config is the complete configuration of a CSE instance.
//
// Configuration can be loaded from:
//   - YAML file (config/config.yaml)
//   - Environment variables (prefixed with CSEWEAVE_)
//
// Example:
//
//	cfg, err := config.Load("config/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Environment selects the logging profile ("development", "production").
	Environment string `mapstructure:"environment"`

	CSE           CSEConfig           `mapstructure:"cse"`
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Security      SecurityConfig      `mapstructure:"security"`
	Registrar     RegistrarConfig     `mapstructure:"registrar"`
	Announcements AnnouncementsConfig `mapstructure:"announcements"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// CSEConfig identifies the hosting CSE and pins the protocol-level knobs.
type CSEConfig struct {
	// CSEID is the CSE identifier, with leading slash (e.g. "/id-in").
	CSEID string `mapstructure:"cse_id"`

	// ResourceName is the CSEBase resource name (first srn segment).
	ResourceName string `mapstructure:"resource_name"`

	// ServiceProviderID is the M2M service provider id (e.g. "sp.example").
	ServiceProviderID string `mapstructure:"service_provider_id"`

	// Type is the CSE deployment role: "IN", "MN", or "ASN".
	Type string `mapstructure:"type"`

	// SupportedReleaseVersions lists the accepted rvi values.
	SupportedReleaseVersions []string `mapstructure:"supported_release_versions"`

	// ReleaseVersion is the release the CSE itself announces.
	ReleaseVersion string `mapstructure:"release_version"`

	// DefaultSerialization is "json" or "cbor".
	DefaultSerialization string `mapstructure:"default_serialization"`

	// MaxExpirationDelta bounds resource et values.
	MaxExpirationDelta time.Duration `mapstructure:"max_expiration_delta"`

	// RequestExpirationDelta is the default request deadline.
	RequestExpirationDelta time.Duration `mapstructure:"request_expiration_delta"`

	// CheckExpirationsInterval is the TTL sweep period.
	CheckExpirationsInterval time.Duration `mapstructure:"check_expirations_interval"`

	// IDLength is the length of generated resource identifiers.
	IDLength int `mapstructure:"id_length"`

	// FlexBlockingPreference resolves flexBlocking requests:
	// "blocking" or "nonblocking".
	FlexBlockingPreference string `mapstructure:"flex_blocking_preference"`

	// SortDiscoveredResources orders discovery results by resource name.
	SortDiscoveredResources bool `mapstructure:"sort_discovered_resources"`

	// EnableRemoteCSE enables CSR handling and request forwarding.
	EnableRemoteCSE bool `mapstructure:"enable_remote_cse"`

	// PointOfAccess lists the URLs peers may reach this CSE at.
	PointOfAccess []string `mapstructure:"point_of_access"`
}

// ServerConfig contains HTTP binding configuration.
type ServerConfig struct {
	// Host is the network interface to bind to.
	Host string `mapstructure:"host"`

	// Port is the HTTP server port.
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out response writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string `mapstructure:"gin_mode"`

	// AllowPatchForDelete maps HTTP PATCH to the DELETE primitive.
	AllowPatchForDelete bool `mapstructure:"allow_patch_for_delete"`

	// MaxConcurrentRequests bounds primitives in flight; excess requests
	// are rejected with RSC 5000. Zero means unbounded.
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "redis", "postgres", or "memory".
	Backend string `mapstructure:"backend"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis client configuration for the document backend.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `mapstructure:"addr"`

	// Password for Redis authentication (optional).
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `mapstructure:"pool_size"`

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PostgresConfig contains settings for the relational backend.
type PostgresConfig struct {
	// DSN is the database connection string.
	DSN string `mapstructure:"dsn"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SecurityConfig controls access-control evaluation.
type SecurityConfig struct {
	// EnableACPChecks turns access-control evaluation on.
	EnableACPChecks bool `mapstructure:"enable_acp_checks"`

	// FullAccessAdmin lets AdminOriginator bypass ACP checks.
	FullAccessAdmin bool `mapstructure:"full_access_admin"`

	// AdminOriginator is the privileged originator identifier.
	AdminOriginator string `mapstructure:"admin_originator"`
}

// RegistrarConfig points an MN/ASN CSE at its registrar.
type RegistrarConfig struct {
	// Address is the registrar's point of access URL.
	Address string `mapstructure:"address"`

	// CSEID is the registrar's CSE-ID, with leading slash.
	CSEID string `mapstructure:"cse_id"`

	// ResourceName is the registrar's CSEBase resource name.
	ResourceName string `mapstructure:"resource_name"`

	// CheckInterval is the registration retry and liveness probe period.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// Serialization is the encoding used towards the registrar.
	Serialization string `mapstructure:"serialization"`

	// ExcludeCSRFromDiscovery hides the registrar CSR in discovery results.
	ExcludeCSRFromDiscovery bool `mapstructure:"exclude_csr_from_discovery"`
}

// AnnouncementsConfig controls resource announcement behavior.
type AnnouncementsConfig struct {
	// AllowAnnouncementsToHostingCSE permits at entries naming this CSE.
	AllowAnnouncementsToHostingCSE bool `mapstructure:"allow_announcements_to_hosting_cse"`

	// DelayAfterRegistration postpones announcements after a peer registers.
	DelayAfterRegistration time.Duration `mapstructure:"delay_after_registration"`

	// CheckInterval is the announcement retry tick.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// NotificationsConfig tunes the subscription engine.
type NotificationsConfig struct {
	// AsyncSubscriptionNotifications delivers on the worker pool instead
	// of inline.
	AsyncSubscriptionNotifications bool `mapstructure:"async_subscription_notifications"`

	// EnableSubscriptionVerificationRequests sends vrq probes on
	// subscription creation.
	EnableSubscriptionVerificationRequests bool `mapstructure:"enable_subscription_verification_requests"`

	// WorkerCount is the delivery worker pool size.
	WorkerCount int `mapstructure:"worker_count"`

	// QueueSize caps pending deliveries before backpressure.
	QueueSize int `mapstructure:"queue_size"`

	// DeliveryTimeout bounds one notification POST.
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// Load reads the configuration from the given path, applying defaults and
// CSEWEAVE_-prefixed environment overrides. A missing file is not an error;
// the defaults plus environment produce a runnable single-CSE setup.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CSEWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func isNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	v.SetDefault("cse.cse_id", "/id-in")
	v.SetDefault("cse.resource_name", "cse-in")
	v.SetDefault("cse.service_provider_id", "sp.example")
	v.SetDefault("cse.type", "IN")
	v.SetDefault("cse.supported_release_versions", []string{"2a", "3", "4", "5"})
	v.SetDefault("cse.release_version", "4")
	v.SetDefault("cse.default_serialization", "json")
	v.SetDefault("cse.max_expiration_delta", 5*365*24*time.Hour)
	v.SetDefault("cse.request_expiration_delta", 10*time.Second)
	v.SetDefault("cse.check_expirations_interval", 60*time.Second)
	v.SetDefault("cse.id_length", 10)
	v.SetDefault("cse.flex_blocking_preference", "blocking")
	v.SetDefault("cse.sort_discovered_resources", true)
	v.SetDefault("cse.enable_remote_cse", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.max_concurrent_requests", 256)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.dial_timeout", 5*time.Second)
	v.SetDefault("storage.redis.read_timeout", 3*time.Second)
	v.SetDefault("storage.redis.write_timeout", 3*time.Second)
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("security.enable_acp_checks", true)
	v.SetDefault("security.full_access_admin", true)
	v.SetDefault("security.admin_originator", "CAdmin")

	v.SetDefault("registrar.check_interval", 30*time.Second)
	v.SetDefault("registrar.serialization", "json")

	v.SetDefault("announcements.allow_announcements_to_hosting_cse", true)
	v.SetDefault("announcements.delay_after_registration", 3*time.Second)
	v.SetDefault("announcements.check_interval", 10*time.Second)

	v.SetDefault("notifications.async_subscription_notifications", true)
	v.SetDefault("notifications.enable_subscription_verification_requests", true)
	v.SetDefault("notifications.worker_count", 10)
	v.SetDefault("notifications.queue_size", 1000)
	v.SetDefault("notifications.delivery_timeout", 10*time.Second)
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.CSE.CSEID, "/") {
		return fmt.Errorf("cse.cse_id must begin with '/': %q", c.CSE.CSEID)
	}
	if c.CSE.ResourceName == "" {
		return errors.New("cse.resource_name must not be empty")
	}
	switch c.CSE.Type {
	case "IN", "MN", "ASN":
	default:
		return fmt.Errorf("cse.type must be IN, MN, or ASN: %q", c.CSE.Type)
	}
	switch c.CSE.DefaultSerialization {
	case "json", "cbor":
	default:
		return fmt.Errorf("cse.default_serialization must be json or cbor: %q", c.CSE.DefaultSerialization)
	}
	if c.CSE.IDLength < 4 || c.CSE.IDLength > 32 {
		return fmt.Errorf("cse.id_length must be between 4 and 32: %d", c.CSE.IDLength)
	}
	if len(c.CSE.SupportedReleaseVersions) == 0 {
		return errors.New("cse.supported_release_versions must not be empty")
	}
	switch c.CSE.FlexBlockingPreference {
	case "blocking", "nonblocking":
	default:
		return fmt.Errorf("cse.flex_blocking_preference must be blocking or nonblocking: %q", c.CSE.FlexBlockingPreference)
	}

	switch c.Storage.Backend {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("storage.backend must be redis, postgres, or memory: %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.Postgres.DSN == "" {
		return errors.New("storage.postgres.dsn is required for the postgres backend")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	if c.CSE.Type != "IN" && c.Registrar.Address == "" {
		return errors.New("registrar.address is required for MN/ASN CSEs")
	}
	if c.Registrar.Address != "" && c.Registrar.CSEID == "" {
		return errors.New("registrar.cse_id is required when registrar.address is set")
	}

	if c.Notifications.WorkerCount < 1 {
		return fmt.Errorf("notifications.worker_count must be positive: %d", c.Notifications.WorkerCount)
	}

	return nil
}

// SupportsRelease reports whether rvi is one of the accepted release
// version indicators.
func (c *Config) SupportsRelease(rvi string) bool {
	for _, v := range c.CSE.SupportedReleaseVersions {
		if v == rvi {
			return true
		}
	}
	return false
}
