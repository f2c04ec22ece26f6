// Command loom runs the event-bus runtime: the bus itself plus the thin
// collaborators around it (dashboard gateway, tool broker, cron publisher,
// optional audio pipeline).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/basket/loom/internal/audio"
	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/cron"
	"github.com/basket/loom/internal/gateway"
	otelPkg "github.com/basket/loom/internal/otel"
	"github.com/basket/loom/internal/telemetry"
	"github.com/basket/loom/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s up                       Start the runtime in the foreground
  %s down                     Stop a running runtime (reads the pidfile)
  %s status                   Query the running runtime's /healthz

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LOOM_HOME               Data directory (default: ~/.loom)
`)
}

func main() {
	flag.Usage = printUsage
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "up"
	if args := flag.Args(); len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "up":
		os.Exit(runUp(ctx, *quiet))
	case "down":
		os.Exit(runDown())
	case "status":
		os.Exit(runStatus())
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runUp(ctx context.Context, quiet bool) int {
	homeDir, err := config.HomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve home:", err)
		return 1
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create home:", err)
		return 1
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logging:", err)
		return 1
	}
	defer logCloser.Close()
	logger.Info("startup phase", "phase", "logging_ready", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	// Bus construction: capacities and the global budget come from cfg.Bus
	// (zero values fall back to the bus package's reference defaults);
	// metrics are optional and nil-safe.
	busMetrics, err := bus.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("bus metrics disabled", "error", err)
		busMetrics = nil
	}
	eventBus := bus.NewBus(bus.Config{
		GlobalLimit:        cfg.Bus.GlobalLimit,
		MaxPayloadBytes:    cfg.Bus.MaxPayloadBytes,
		RealtimeCapacity:   cfg.Bus.RealtimeCapacity,
		BatchedCapacity:    cfg.Bus.BatchedCapacity,
		BackgroundCapacity: cfg.Bus.BackgroundCapacity,
		Logger:             logger,
		Metrics:            busMetrics,
	})
	if err := eventBus.Start(); err != nil {
		fatalStartup(logger, "E_BUS_START", err)
	}
	defer eventBus.Close()
	logger.Info("startup phase", "phase", "bus_started")

	// Tool broker: built-ins first, then operator manifests layered over
	// them, with the manifest dir watched for hot reload.
	broker := tools.NewBroker(eventBus, logger)
	if err := tools.RegisterBuiltins(broker); err != nil {
		fatalStartup(logger, "E_TOOLS_INIT", err)
	}
	manifestDir := cfg.Tools.ManifestDir
	if manifestDir == "" {
		manifestDir = filepath.Join(homeDir, "tools")
	}
	if manifests, err := tools.LoadManifests(manifestDir); err != nil {
		logger.Warn("tool manifests skipped", "error", err)
	} else if err := broker.ApplyManifests(manifests); err != nil {
		logger.Warn("tool manifests not applied", "error", err)
	}
	go broker.Run(ctx)

	watcher := config.NewWatcher(homeDir, manifestDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("file watcher disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				manifests, err := tools.LoadManifests(manifestDir)
				if err != nil {
					logger.Warn("tool manifest reload failed", "error", err)
					continue
				}
				if err := broker.ApplyManifests(manifests); err != nil {
					logger.Warn("tool manifest reload failed", "error", err)
				}
			}
		}()
	}
	logger.Info("startup phase", "phase", "tool_broker_started", "manifest_dir", manifestDir)

	// Cron scheduler: config-driven publications plus the heartbeat.
	schedules := make([]cron.Schedule, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		schedules = append(schedules, cron.Schedule{
			Name:      s.Name,
			CronExpr:  s.CronExpr,
			Topic:     s.Topic,
			EventType: s.EventType,
			Payload:   s.Payload,
		})
	}
	cronSched, err := cron.NewScheduler(cron.Config{Schedules: schedules, Bus: eventBus, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	// Audio ingestion pipeline: off by default (no microphone driver in
	// this runtime). When enabled, it feeds the reserved
	// audio.voiced/vad/transcript topics from a file replay or synthetic
	// source instead of real hardware.
	if cfg.Audio.Enabled {
		sampleRate := cfg.Audio.SampleRate
		if sampleRate <= 0 {
			sampleRate = 16000
		}
		var source audio.Source
		if cfg.Audio.SourcePath != "" {
			source = &audio.FileSource{Path: cfg.Audio.SourcePath, SampleRate: sampleRate}
		} else {
			source = &audio.SineSource{SampleRate: sampleRate, FreqHz: 440}
		}
		detector := &audio.Detector{Source: source, Bus: eventBus, SessionID: cfg.Audio.SessionID, Logger: logger}
		go detector.Run(ctx)
		transcript := &audio.TranscriptStage{Bus: eventBus, SessionID: cfg.Audio.SessionID, Logger: logger}
		go transcript.Run(ctx)
		logger.Info("startup phase", "phase", "audio_pipeline_started", "source_path", cfg.Audio.SourcePath)
	}

	if err := writePIDFile(homeDir); err != nil {
		logger.Warn("pidfile not written", "error", err)
	}
	defer removePIDFile(homeDir)

	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			Addr:         cfg.Gateway.Addr,
			AuthToken:    cfg.Gateway.AuthToken,
			AllowOrigins: cfg.Gateway.AllowOrigins,
			Bus:          eventBus,
			Logger:       logger,
		})
		go func() {
			if err := gw.Start(ctx); err != nil {
				logger.Error("gateway exited", "error", err)
			}
		}()
		logger.Info("startup phase", "phase", "gateway_started", "addr", cfg.Gateway.Addr)
	}

	logger.Info("loom up", "home", homeDir)
	<-ctx.Done()
	logger.Info("loom shutting down")
	return 0
}

func runDown() int {
	homeDir, err := config.HomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve home:", err)
		return 1
	}
	pid, err := readPIDFile(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loom does not appear to be running:", err)
		return 1
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find process:", err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, "signal process:", err)
		return 1
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return 0
}

func runStatus() int {
	homeDir, err := config.HomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve home:", err)
		return 1
	}
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	if !cfg.Gateway.Enabled {
		fmt.Fprintln(os.Stderr, "gateway disabled; no status endpoint")
		return 1
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + cfg.Gateway.Addr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "loom is not responding:", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(body)))
	return 0
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	logger.Error("startup failed", "code", code, "error", err)
	os.Exit(1)
}

func pidFilePath(homeDir string) string {
	return filepath.Join(homeDir, "loom.pid")
}

func writePIDFile(homeDir string) error {
	return os.WriteFile(pidFilePath(homeDir), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(homeDir string) (int, error) {
	data, err := os.ReadFile(pidFilePath(homeDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile: %w", err)
	}
	return pid, nil
}

func removePIDFile(homeDir string) {
	_ = os.Remove(pidFilePath(homeDir))
}
