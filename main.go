package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/frontend"
	"github.com/cwsl/radio_observer/pipeline"
	"github.com/cwsl/radio_observer/recorder"
	"github.com/cwsl/radio_observer/spectral"
)

// DebugMode enables verbose logging in every package
var DebugMode bool

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Environment variable takes precedence over the flag and the config file
	DebugMode = *debug || config.Logging.Debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	setDebugMode(DebugMode)
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		log.Fatalf("Observer failed: %v", err)
	}
	log.Println("Observer stopped")
}

func setDebugMode(on bool) {
	spectral.DebugMode = on
	recorder.DebugMode = on
	frontend.DebugMode = on
	pipeline.DebugMode = on
}

// observer holds everything built from a configuration
type observer struct {
	waterfall *pipeline.Waterfall
	registry  *recorder.Registry
	bus       *events.Bus[events.Bolid]
	metrics   *PrometheusMetrics
	frontend  frontend.Frontend
}

// buildObserver wires the processor, recorders and frontend. Listeners are
// attached by the caller.
func buildObserver(config *Config, metrics *PrometheusMetrics) (*observer, error) {
	proc, err := spectral.NewProcessor(spectral.Config{
		Bins:         config.FFT.Bins,
		Overlap:      config.FFT.Overlap,
		Window:       config.FFT.Window,
		IQGain:       config.FFT.IQGain,
		IQPhaseShift: config.FFT.IQPhaseShift,
		ChunkBytes:   config.Buffer.ChunkMB << 20,
		Policy:       config.Buffer.policy,
		Origin:       config.Station.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}

	var recMetrics recorder.Metrics
	var rtpMetrics frontend.RTPMetrics
	if metrics != nil {
		proc.SetMetrics(metrics)
		recMetrics = metrics
		rtpMetrics = metrics
	}

	wcfg := pipeline.Config{
		SafetyFactor: config.Buffer.SafetyFactor,
		MemoryLimit:  uint64(config.Buffer.MaxMemoryMB) << 20,
	}
	if !config.Buffer.SkipHostCheck {
		wcfg.Available = pipeline.HostMemory
	}
	waterfall := pipeline.NewWaterfall(proc, wcfg)

	bus := events.NewBus[events.Bolid]()
	registry := recorder.DefaultRegistry()
	env := recorder.Env{Bus: bus, Metrics: recMetrics}
	for i, opts := range config.Recorders {
		rec, err := registry.Create(opts, env)
		if err != nil {
			return nil, fmt.Errorf("failed to create recorders[%d]: %w", i, err)
		}
		waterfall.AddRecorder(rec)
		log.Printf("Recorder %s (%s) added", rec.Name(), opts.Type)
	}

	fe, err := newFrontend(config.Frontend, rtpMetrics)
	if err != nil {
		return nil, err
	}

	return &observer{
		waterfall: waterfall,
		registry:  registry,
		bus:       bus,
		metrics:   metrics,
		frontend:  fe,
	}, nil
}

func newFrontend(fc FrontendConfig, metrics frontend.RTPMetrics) (frontend.Frontend, error) {
	switch fc.Type {
	case "wav":
		return &frontend.WAVFrontend{Path: fc.Path, Start: fc.start}, nil
	case "raw":
		return &frontend.RawFrontend{Path: fc.Path, SampleRate: fc.SampleRate, Start: fc.start}, nil
	case "tcp":
		return &frontend.RawTCPFrontend{
			Address:    fc.Address,
			SampleRate: fc.SampleRate,
			Timeout:    time.Duration(fc.DialTimeout) * time.Second,
		}, nil
	case "rtp":
		return &frontend.RTPFrontend{
			Address:    fc.Address,
			Interface:  fc.Interface,
			SampleRate: fc.SampleRate,
			SSRC:       fc.SSRC,
			Payload:    fc.Payload,
			Metrics:    metrics,
		}, nil
	default:
		return nil, fmt.Errorf("unknown frontend type: %s", fc.Type)
	}
}

func run(ctx context.Context, config *Config) error {
	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled || (config.MQTT.Enabled && config.MQTT.PublishInterval > 0) {
		metrics = NewPrometheusMetrics()
	}

	obs, err := buildObserver(config, metrics)
	if err != nil {
		return err
	}

	obs.bus.Subscribe(func(ev events.Bolid) {
		if DebugMode {
			log.Printf("DEBUG: Bolid %s published to %d listeners", ev.ID, obs.bus.Len())
		}
	})

	var catalog *EventCatalog
	if config.Catalog.Enabled {
		catalog, err = OpenEventCatalog(config.Catalog.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := catalog.Close(); err != nil {
				log.Printf("Error closing catalog: %v", err)
			}
		}()
		catalog.Subscribe(obs.bus)
	}

	if config.MQTT.Enabled {
		var gatherer prometheus.Gatherer
		if metrics != nil {
			gatherer = metrics.Registry()
		}
		publisher, err := NewMQTTPublisher(&config.MQTT, config.Station, gatherer)
		if err != nil {
			// MQTT is optional; the observer keeps recording without it
			log.Printf("Warning: MQTT disabled: %v", err)
		} else {
			defer publisher.Disconnect()
			publisher.Subscribe(obs.bus)
			publisher.StartPublisher(ctx)
		}
	}

	if config.Status.Enabled {
		var ws *BolidWebSocketHandler
		if config.Status.WebSocket {
			ws = NewBolidWebSocketHandler()
			defer ws.Close()
			ws.Subscribe(obs.bus)
		}
		var promMetrics *PrometheusMetrics
		if config.Prometheus.Enabled {
			promMetrics = metrics
		}
		status := NewStatusServer(config, obs.waterfall, obs.registry, catalog, ws, promMetrics)
		status.Start()
		defer status.Close()
	}

	if metrics != nil {
		metrics.StartPolling(ctx, obs.waterfall, 10*time.Second)
	}

	return pipeline.New(obs.frontend, obs.waterfall).Run(ctx)
}
