// Package config loads the chunkbus YAML configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/mepoo"
	"github.com/coachpo/chunkbus/internal/popo"
	"github.com/coachpo/chunkbus/internal/telemetry"
)

// DefaultPath is read when no path is given and CHUNKBUS_CONFIG is unset.
const DefaultPath = "config/chunkbus.yaml"

// PoolConfig describes one size class of the chunk pool.
type PoolConfig struct {
	PayloadSize datasize.ByteSize `yaml:"payload_size" json:"payload_size"`
	ChunkCount  uint32            `yaml:"chunk_count" json:"chunk_count"`
}

// SubscriberConfig sets subscriber port defaults.
type SubscriberConfig struct {
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	MaxChunksHeld int `yaml:"max_chunks_held" json:"max_chunks_held"`
}

// PublisherConfig sets publisher port defaults.
type PublisherConfig struct {
	MaxSubscribers     int `yaml:"max_subscribers" json:"max_subscribers"`
	MaxChunksAllocated int `yaml:"max_chunks_allocated" json:"max_chunks_allocated"`
}

// BrokerConfig identifies the broker and paces its discovery loop.
type BrokerConfig struct {
	ID                uint16        `yaml:"id" json:"id"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" json:"discovery_interval"`
}

// SegmentConfig selects a named shared-memory segment as chunk backing store.
type SegmentConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Name    string `yaml:"name" json:"name"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure" json:"otlp_insecure"`
	ServiceName   string `yaml:"service_name" json:"service_name"`
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
}

// AppConfig is the complete chunkbus configuration.
type AppConfig struct {
	Environment Environment      `yaml:"environment" json:"environment"`
	Mempool     []PoolConfig     `yaml:"mempool" json:"mempool"`
	Subscriber  SubscriberConfig `yaml:"subscriber" json:"subscriber"`
	Publisher   PublisherConfig  `yaml:"publisher" json:"publisher"`
	Broker      BrokerConfig     `yaml:"broker" json:"broker"`
	Segment     SegmentConfig    `yaml:"segment" json:"segment"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Mempool: []PoolConfig{
			{PayloadSize: 128 * datasize.B, ChunkCount: 27000},
		},
		Subscriber: SubscriberConfig{
			QueueCapacity: popo.DefaultQueueCapacity,
			MaxChunksHeld: popo.DefaultMaxChunksHeld,
		},
		Publisher: PublisherConfig{
			MaxSubscribers:     popo.DefaultMaxSubscribers,
			MaxChunksAllocated: popo.DefaultMaxChunksAllocated,
		},
		Broker: BrokerConfig{
			ID:                1,
			DiscoveryInterval: time.Millisecond,
		},
		Segment: SegmentConfig{
			Enabled: false,
			Name:    "chunkbus",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			OTLPInsecure:  false,
			ServiceName:   "chunkbus",
			EnableMetrics: true,
		},
	}
}

// Load reads path with precedence defaults → YAML → environment variables and
// validates the result. A missing file is an error.
func Load(ctx context.Context, path string) (AppConfig, error) {
	_ = ctx
	cfg := Default()
	if err := cfg.loadYAML(resolvePath(path)); err != nil {
		return AppConfig{}, err
	}
	return cfg.finish()
}

// LoadOrDefault behaves like Load but falls back to the defaults when the file
// does not exist.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	_ = ctx
	cfg := Default()
	if err := cfg.loadYAML(resolvePath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	return cfg.finish()
}

func resolvePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CHUNKBUS_CONFIG"))
	}
	if path == "" {
		path = DefaultPath
	}
	return filepath.Clean(path)
}

func (c *AppConfig) finish() (AppConfig, error) {
	c.loadEnv()
	c.Normalise()
	if err := c.Validate(); err != nil {
		return AppConfig{}, err
	}
	return *c, nil
}

func (c *AppConfig) loadYAML(path string) error {
	file, err := os.Open(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	raw, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage("unmarshal config"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return nil
}

func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("CHUNKBUS_ENV")); env != "" {
		c.Environment = Environment(env)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Normalise trims strings and fills zero values with defaults.
func (c *AppConfig) Normalise() {
	def := Default()
	c.Environment = normalizeEnvironment(c.Environment)
	if c.Environment == "" {
		c.Environment = def.Environment
	}
	if c.Subscriber.QueueCapacity == 0 {
		c.Subscriber.QueueCapacity = def.Subscriber.QueueCapacity
	}
	if c.Subscriber.MaxChunksHeld == 0 {
		c.Subscriber.MaxChunksHeld = def.Subscriber.MaxChunksHeld
	}
	if c.Publisher.MaxSubscribers == 0 {
		c.Publisher.MaxSubscribers = def.Publisher.MaxSubscribers
	}
	if c.Publisher.MaxChunksAllocated == 0 {
		c.Publisher.MaxChunksAllocated = def.Publisher.MaxChunksAllocated
	}
	if c.Broker.DiscoveryInterval == 0 {
		c.Broker.DiscoveryInterval = def.Broker.DiscoveryInterval
	}
	c.Segment.Name = strings.TrimSpace(c.Segment.Name)
	if c.Segment.Name == "" {
		c.Segment.Name = def.Segment.Name
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return invalid("environment must be one of development, staging, production", "environment", string(c.Environment))
	}
	if _, err := c.MempoolConfig(); err != nil {
		return err
	}
	if c.Subscriber.QueueCapacity < 0 {
		return invalid("subscriber queue_capacity must be > 0", "queue_capacity", strconv.Itoa(c.Subscriber.QueueCapacity))
	}
	if c.Subscriber.MaxChunksHeld < 0 {
		return invalid("subscriber max_chunks_held must be > 0", "max_chunks_held", strconv.Itoa(c.Subscriber.MaxChunksHeld))
	}
	if c.Publisher.MaxSubscribers < 0 {
		return invalid("publisher max_subscribers must be > 0", "max_subscribers", strconv.Itoa(c.Publisher.MaxSubscribers))
	}
	if c.Publisher.MaxChunksAllocated < 0 {
		return invalid("publisher max_chunks_allocated must be > 0", "max_chunks_allocated", strconv.Itoa(c.Publisher.MaxChunksAllocated))
	}
	if c.Broker.DiscoveryInterval < 0 {
		return invalid("broker discovery_interval must be > 0", "discovery_interval", c.Broker.DiscoveryInterval.String())
	}
	if c.Segment.Enabled && strings.ContainsAny(c.Segment.Name, "/\x00") {
		return invalid("segment name must not contain '/'", "name", c.Segment.Name)
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return invalid("telemetry service_name required", "service_name", "")
	}
	return nil
}

func invalid(msg, key, value string) error {
	return errs.New("config", errs.CodeInvalid, errs.WithMessage(msg), errs.WithField(key, value))
}

// MempoolConfig converts the mempool section into an allocator configuration.
func (c AppConfig) MempoolConfig() (mepoo.Config, error) {
	var cfg mepoo.Config
	for i, pool := range c.Mempool {
		if pool.PayloadSize.Bytes() > math.MaxUint32 {
			return mepoo.Config{}, invalid("mempool payload_size exceeds 4GB", "pool", strconv.Itoa(i))
		}
		cfg.Add(uint32(pool.PayloadSize.Bytes()), pool.ChunkCount)
	}
	if err := cfg.Validate(); err != nil {
		return mepoo.Config{}, errs.New("config", errs.CodeInvalid, errs.WithMessage("invalid mempool section"), errs.WithCause(err))
	}
	return cfg, nil
}

// TelemetryConfig derives the telemetry provider configuration.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Environment = string(c.Environment)
	tc.EnableMetrics = c.Telemetry.EnableMetrics
	tc.Enabled = c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint != ""
	tc.OTLPInsecure = c.Telemetry.OTLPInsecure
	if c.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.ServiceName != "" {
		tc.ServiceName = c.Telemetry.ServiceName
	}
	return tc
}

// RequiredMemory returns the management and chunk memory the mempool needs.
func (c AppConfig) RequiredMemory() (management, chunks datasize.ByteSize, err error) {
	cfg, err := c.MempoolConfig()
	if err != nil {
		return 0, 0, err
	}
	return datasize.ByteSize(mepoo.RequiredManagementMemorySize(cfg)), datasize.ByteSize(mepoo.RequiredChunkMemorySize(cfg)), nil
}

// JSON renders the configuration for diagnostics.
func (c AppConfig) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
