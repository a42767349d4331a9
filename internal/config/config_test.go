package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/coachpo/chunkbus/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunkbus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("CHUNKBUS_ENV", "")
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Environment != EnvDev || len(cfg.Mempool) != 1 || cfg.Mempool[0].ChunkCount != 27000 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("CHUNKBUS_ENV", "")
	t.Setenv("OTEL_SERVICE_NAME", "")
	path := writeConfig(t, `
environment: PROD
mempool:
  - payload_size: 128B
    chunk_count: 100
  - payload_size: 4KB
    chunk_count: 10
subscriber:
  queue_capacity: 64
publisher:
  max_subscribers: 4
  max_chunks_allocated: 2
broker:
  id: 7
  discovery_interval: 5ms
segment:
  enabled: true
  name: " radar "
telemetry:
  otlp_endpoint: " http://localhost:4318 "
  service_name: bench
  enable_metrics: true
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected production environment, got %q", cfg.Environment)
	}
	if len(cfg.Mempool) != 2 || cfg.Mempool[1].PayloadSize != 4*datasize.KB || cfg.Mempool[1].ChunkCount != 10 {
		t.Fatalf("unexpected mempool %+v", cfg.Mempool)
	}
	if cfg.Subscriber.QueueCapacity != 64 || cfg.Subscriber.MaxChunksHeld != 256 {
		t.Fatalf("unexpected subscriber section %+v", cfg.Subscriber)
	}
	if cfg.Publisher.MaxSubscribers != 4 || cfg.Publisher.MaxChunksAllocated != 2 {
		t.Fatalf("unexpected publisher section %+v", cfg.Publisher)
	}
	if cfg.Broker.ID != 7 || cfg.Broker.DiscoveryInterval != 5*time.Millisecond {
		t.Fatalf("unexpected broker section %+v", cfg.Broker)
	}
	if !cfg.Segment.Enabled || cfg.Segment.Name != "radar" {
		t.Fatalf("unexpected segment section %+v", cfg.Segment)
	}
	if cfg.Telemetry.OTLPEndpoint != "http://localhost:4318" {
		t.Fatalf("expected trimmed endpoint, got %q", cfg.Telemetry.OTLPEndpoint)
	}

	mcfg, err := cfg.MempoolConfig()
	if err != nil {
		t.Fatalf("MempoolConfig failed: %v", err)
	}
	if len(mcfg.Pools) != 2 || mcfg.Pools[0].PayloadSize != 128 || mcfg.Pools[1].PayloadSize != 4096 {
		t.Fatalf("unexpected mepoo config %+v", mcfg)
	}

	tc := cfg.TelemetryConfig()
	if !tc.Enabled || tc.ServiceName != "bench" || tc.Environment != "production" {
		t.Fatalf("unexpected telemetry config %+v", tc)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHUNKBUS_ENV", "staging")
	t.Setenv("OTEL_SERVICE_NAME", "from-env")
	path := writeConfig(t, "environment: development\n")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging || cfg.Telemetry.ServiceName != "from-env" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	t.Setenv("CHUNKBUS_ENV", "")
	cases := map[string]string{
		"environment":   "environment: qa\n",
		"empty mempool": "mempool: []\n",
		"descending":    "mempool:\n  - payload_size: 1KB\n    chunk_count: 1\n  - payload_size: 128B\n    chunk_count: 1\n",
		"zero count":    "mempool:\n  - payload_size: 128B\n    chunk_count: 0\n",
		"queue":         "subscriber:\n  queue_capacity: -1\n",
		"segment name":  "segment:\n  enabled: true\n  name: a/b\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			if !errs.Is(err, errs.CodeInvalid) {
				t.Fatalf("expected invalid config error, got %v", err)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(context.Background(), writeConfig(t, "mempool: [\n"))
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestRequiredMemoryAndJSON(t *testing.T) {
	cfg := Default()
	mgmt, chunks, err := cfg.RequiredMemory()
	if err != nil {
		t.Fatalf("RequiredMemory failed: %v", err)
	}
	if chunks != datasize.ByteSize(27000*(64+128)) {
		t.Fatalf("unexpected chunk memory %d", chunks)
	}
	if mgmt == 0 {
		t.Fatal("expected management memory")
	}

	raw, err := cfg.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if !strings.Contains(string(raw), `"chunk_count": 27000`) {
		t.Fatalf("unexpected JSON %s", raw)
	}
}
