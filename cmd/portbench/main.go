// Command portbench wires a broker with publisher and subscriber ports and
// measures end-to-end chunk delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/coachpo/chunkbus/internal/broker"
	"github.com/coachpo/chunkbus/internal/config"
	"github.com/coachpo/chunkbus/internal/mepoo"
	"github.com/coachpo/chunkbus/internal/observability"
	"github.com/coachpo/chunkbus/internal/popo"
	"github.com/coachpo/chunkbus/internal/queue"
	"github.com/coachpo/chunkbus/internal/shm"
	"github.com/coachpo/chunkbus/internal/telemetry"
)

const (
	loggerPrefix             = "portbench "
	brokerShutdownTimeout    = 2 * time.Second
	memoryShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	scenario   string
	publishers int
	samples    int
	rate       float64
	report     string
}

type runReport struct {
	RunID       string             `json:"run_id"`
	Environment config.Environment `json:"environment"`
	Backing     string             `json:"backing"`
	Management  datasize.ByteSize  `json:"management_memory"`
	ChunkMemory datasize.ByteSize  `json:"chunk_memory"`
	Scenarios   []scenarioReport   `json:"scenarios"`
	Pools       []mepoo.PoolStats  `json:"pools"`
	Broker      broker.Stats       `json:"broker"`
}

func main() {
	opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Printf)); err != nil {
		logger.Printf("set GOMAXPROCS: %v", err)
	}

	if err := run(ctx, logger, opts); err != nil {
		logger.Fatalf("portbench: %v", err)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: %s)", config.DefaultPath))
	flag.StringVar(&opts.scenario, "scenario", "all", "Scenario to run: sp, mp, oversize or all")
	flag.IntVar(&opts.publishers, "publishers", 27, "Publisher count of the mp scenario")
	flag.IntVar(&opts.samples, "samples", 1000, "Chunks sent per publisher")
	flag.Float64Var(&opts.rate, "rate", 0, "Per-publisher send rate in chunks/s (0 = unlimited)")
	flag.StringVar(&opts.report, "report", "-", "Write the JSON report to this file ('-' for stdout)")
	flag.Parse()
	return opts
}

func run(ctx context.Context, logger *log.Logger, opts options) error {
	cfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Printf("configuration initialised: env=%s, pools=%d, broker=%d", cfg.Environment, len(cfg.Mempool), cfg.Broker.ID)

	runID := uuid.New()
	telemetryCfg := cfg.TelemetryConfig()
	telemetryCfg.RunID = runID.String()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	memory, backing, release, err := configureMemory(cfg, provider)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return err
	}
	shutdown := shutdownConfig{memory: memory, release: release, telemetry: provider}
	defer func() { performShutdown(logger, shutdown) }()
	logger.Printf("chunk memory ready: backing=%s, run=%s", backing, runID)

	scope, err := popo.NewScope(cfg.Broker.ID, memory, popo.WithRunID(runID))
	if err != nil {
		return err
	}
	portLogger := observability.NewStdLogger(logger, cfg.Environment == config.EnvDev)
	observability.SetLogger(portLogger)
	b, err := broker.New(scope, portLogger, broker.Options{
		DiscoveryInterval: cfg.Broker.DiscoveryInterval,
		Meter:             provider.Meter("chunkbus/broker"),
	})
	if err != nil {
		return err
	}
	shutdown.broker = b
	if err := b.Start(ctx); err != nil {
		return err
	}

	h := &harness{cfg: cfg, scope: scope, broker: b, opts: portOptionsFor(cfg, provider)}
	mgmt, chunks, err := cfg.RequiredMemory()
	if err != nil {
		return err
	}
	report := runReport{
		RunID:       scope.RunID().String(),
		Environment: cfg.Environment,
		Backing:     backing,
		Management:  mgmt,
		ChunkMemory: chunks,
	}

	plan := scenarios(opts)
	if len(plan) == 0 && strings.ToLower(opts.scenario) != "oversize" {
		return fmt.Errorf("unknown scenario %q", opts.scenario)
	}
	for _, sc := range plan {
		logger.Printf("scenario %s: publishers=%d queue=%s samples=%d", sc.Name, sc.Publishers, sc.Kind, sc.Samples)
		res, err := h.run(ctx, sc)
		res.ChunksInUse = inUse(memory)
		report.Scenarios = append(report.Scenarios, res)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		logger.Printf("scenario %s: sent=%d received=%d lost=%t in %v", res.Name, res.Sent, res.Received, res.Lost, res.Duration)
	}
	if name := strings.ToLower(opts.scenario); name == "all" || name == "oversize" {
		res, err := h.oversize()
		report.Scenarios = append(report.Scenarios, res)
		if err != nil {
			return fmt.Errorf("scenario oversize: %w", err)
		}
		logger.Printf("scenario oversize: rejected %s request", res.Payload)
	}

	report.Pools = memory.Stats()
	report.Broker = b.Stats()
	return writeReport(opts.report, report)
}

type shutdownConfig struct {
	broker    *broker.Broker
	memory    *mepoo.MemoryManager
	release   func()
	telemetry *telemetry.Provider
}

func performShutdown(logger *log.Logger, cfg shutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(ctx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.broker != nil {
		shutdownStep("stopping broker", brokerShutdownTimeout, func(context.Context) error {
			return cfg.broker.Close()
		})
	}
	if cfg.memory != nil {
		shutdownStep("waiting for chunks", memoryShutdownTimeout, cfg.memory.Shutdown)
	}
	if cfg.release != nil {
		cfg.release()
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func scenarios(opts options) []scenarioSpec {
	sp := scenarioSpec{Name: "sp", Publishers: 1, Kind: queue.SingleProducer, Samples: opts.samples, Rate: opts.rate}
	mp := scenarioSpec{Name: "mp", Publishers: opts.publishers, Kind: queue.MultiProducer, Samples: opts.samples, Rate: opts.rate}
	switch strings.ToLower(opts.scenario) {
	case "sp":
		return []scenarioSpec{sp}
	case "mp":
		return []scenarioSpec{mp}
	case "all":
		return []scenarioSpec{sp, mp}
	default:
		return nil
	}
}

// configureMemory lays the pools out on a shared-memory segment when one is
// configured and on the heap otherwise.
func configureMemory(cfg config.AppConfig, provider *telemetry.Provider) (*mepoo.MemoryManager, string, func(), error) {
	poolCfg, err := cfg.MempoolConfig()
	if err != nil {
		return nil, "", nil, err
	}
	memory := mepoo.NewMemoryManager(mepoo.WithMeter(provider.Meter("chunkbus/mepoo")))
	if !cfg.Segment.Enabled {
		if err := memory.ConfigureHeap(poolCfg); err != nil {
			return nil, "", nil, err
		}
		return memory, "heap", func() {}, nil
	}

	mgmt := mepoo.RequiredManagementMemorySize(poolCfg)
	seg, err := shm.Create(cfg.Segment.Name, mepoo.RequiredFullMemorySize(poolCfg))
	if err != nil {
		return nil, "", nil, err
	}
	release := func() {
		_ = seg.Unlink()
		_ = seg.Close()
	}
	payload := seg.Payload()
	if err := memory.Configure(poolCfg, mepoo.NewAllocator(payload[:mgmt]), mepoo.NewAllocator(payload[mgmt:])); err != nil {
		release()
		return nil, "", nil, err
	}
	return memory, "shm:" + seg.Path(), release, nil
}

func portOptionsFor(cfg config.AppConfig, provider *telemetry.Provider) portOptions {
	meter := provider.Meter("chunkbus/popo")
	return portOptions{
		publisher: []popo.PublisherOption{
			popo.WithMaxSubscribers(cfg.Publisher.MaxSubscribers),
			popo.WithMaxChunksAllocated(cfg.Publisher.MaxChunksAllocated),
			popo.WithPublisherMeter(meter),
		},
		subscriber: []popo.SubscriberOption{
			popo.WithMaxChunksHeld(cfg.Subscriber.MaxChunksHeld),
			popo.WithSubscriberMeter(meter),
		},
	}
}

func inUse(memory *mepoo.MemoryManager) uint32 {
	var used uint32
	for _, st := range memory.Stats() {
		used += st.Used
	}
	return used
}

func writeReport(path string, report runReport) error {
	var out io.Writer = os.Stdout
	if path != "" && path != "-" {
		file, err := os.Create(path) // #nosec G304 -- path is operator controlled.
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer func() { _ = file.Close() }()
		out = file
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
