// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillcast/teleprompter-engine/internal/audio"
	"github.com/quillcast/teleprompter-engine/internal/backend"
	"github.com/quillcast/teleprompter-engine/internal/backend/external"
	"github.com/quillcast/teleprompter-engine/internal/backend/platform"
	"github.com/quillcast/teleprompter-engine/internal/config"
	"github.com/quillcast/teleprompter-engine/internal/health"
	"github.com/quillcast/teleprompter-engine/internal/locale"
	"github.com/quillcast/teleprompter-engine/internal/lock"
	"github.com/quillcast/teleprompter-engine/internal/matcher"
	"github.com/quillcast/teleprompter-engine/internal/menu"
	"github.com/quillcast/teleprompter-engine/internal/publish"
	"github.com/quillcast/teleprompter-engine/internal/session"
	"github.com/quillcast/teleprompter-engine/internal/stream"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func run(args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(args) > 0 && (args[0] == "--version" || args[0] == "-v") {
		fmt.Printf("teleprompter-engine %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return nil
	}

	cfgPath := config.ConfigFilePath
	if len(args) > 0 {
		cfgPath = args[0]
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Warn("no config file found, using defaults", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	} else if backupPath, err := config.BackupConfig(cfgPath, config.DefaultBackupDir); err != nil {
		logger.Warn("config backup failed", "error", err)
	} else {
		logger.Info("config backed up", "path", backupPath)
	}

	pageText, err := loadScript(args)
	if err != nil {
		return err
	}

	fl, err := lock.NewFileLock("/run/teleprompter-engine.lock")
	if err != nil {
		return fmt.Errorf("single-instance lock: %w", err)
	}
	if err := fl.Acquire(5 * time.Second); err != nil {
		return fmt.Errorf("another teleprompter-engine instance is already running: %w", err)
	}
	defer fl.Release()

	micUID, err := pickMicrophone(cfg)
	if err != nil {
		return fmt.Errorf("microphone selection: %w", err)
	}
	logger.Info("selected microphone", "uid", micUID)

	be, err := buildBackend(cfg, cfgPath, pageText, logger)
	if err != nil {
		return fmt.Errorf("backend setup: %w", err)
	}

	hub := publish.NewHub(logger)
	metrics := health.NewEngineMetrics()

	kind := matcher.Cumulative
	if be.Kind() == backend.ExternalStream {
		kind = matcher.Segment
	}

	ctrl := session.NewController(session.Config{
		Backend:     be,
		BackendKind: kind,
		Backoff:     stream.NewBackoff(cfg.Stream.InitialRestartDelay, cfg.Stream.MaxRestartDelay, cfg.Stream.MaxRestartAttempts),
		Logger:      logger,
		Observer: session.Observer{
			OnCursor: func(recognized, matchStart int) {
				metrics.RecognizedCharCount.Set(float64(recognized))
				hub.Publish(publish.State{RecognizedCharCount: recognized, MatchStart: matchStart, IsListening: true})
			},
			OnListening: func(on bool) {
				hub.Publish(publish.State{IsListening: on})
			},
			OnError: func(err error) {
				hub.Publish(publish.State{Error: err.Error()})
			},
			OnAdvancePage: func() {
				hub.Publish(publish.State{ShouldAdvancePage: true})
			},
		},
		AutoNextPage:      cfg.Engine.AutoNextPage,
		AutoNextPageDelay: cfg.Engine.AutoNextPageDelay,
	}, pageText)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	devMon := audio.NewDeviceMonitor("/proc/asound", "/sys/bus/usb/devices", func(removed, added []audio.DeviceIdentity) {
		if len(removed) == 0 {
			return
		}
		logger.Warn("microphone hot-swap detected, suppressing stale transcripts", "removed", len(removed), "added", len(added))
		ctrl.SwitchDevice()
	})
	go func() { _ = devMon.Watch(ctx, 3*time.Second) }()

	mux := http.NewServeMux()
	mux.Handle("/state", hub)
	mux.Handle("/metrics/prometheus", metrics.Handler())
	mux.Handle("/healthz", health.NewHandler(ctrl))
	mux.Handle("/metrics", health.NewHandler(ctrl))

	addr := cfg.Monitor.HealthAddr
	if addr == "" {
		addr = "127.0.0.1:9998"
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving observable state and metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	_ = ctrl.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func loadScript(args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("usage: teleprompter-engine <config.yaml> <script.txt>")
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

// pickMicrophone prompts with an interactive picker (§4.1's device
// selection) when no device has been pinned in configuration.
func pickMicrophone(cfg *config.Config) (string, error) {
	if cfg.Engine.SelectedMicUID != "" {
		return cfg.Engine.SelectedMicUID, nil
	}

	uid := menu.Input(os.Stdin, os.Stdout, "Microphone device UID (blank = system default)")
	if uid == "" {
		return "default", nil
	}
	return uid, nil
}

func buildBackend(cfg *config.Config, cfgPath, pageText string, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Engine.SpeechEngineMode {
	case "external":
		d := external.New()
		if err := d.Configure(external.Config{
			ExecutablePath: cfg.Engine.ExternalExecutablePath,
			ModelPath:      cfg.Engine.ExternalModelPath,
			Language:       cfg.Engine.ExternalLanguage,
			DisableGPU:     cfg.Engine.ExternalDisableGPU,
			Logger:         logger,
			OnExecutableResolved: func(resolved string) {
				cfg.Engine.ExternalExecutablePath = resolved
				if err := cfg.Save(cfgPath); err != nil {
					logger.Warn("failed to persist resolved recognizer path", "path", resolved, "error", err)
				}
			},
		}); err != nil {
			return nil, err
		}
		return d, nil
	default:
		rec, err := newPlatformRecognizer()
		if err != nil {
			return nil, err
		}
		b := platform.New(rec)
		if err := b.Configure(platform.Config{
			LocaleCfg: locale.Config{SpeechLocale: cfg.Engine.SpeechLocale},
			PageText:  pageText,
		}); err != nil {
			return nil, err
		}
		return b, nil
	}
}

// newPlatformRecognizer constructs the concrete platform speech recognizer.
// This module has no portable OS speech API to call into directly, so the
// demo CLI wires the portaudio capture stream straight to the platform
// seam via a capture-backed recognizer: the actual recognition call is a
// narrow interface production builds replace with the real OS API behind
// a build tag.
func newPlatformRecognizer() (platform.Recognizer, error) {
	cap, err := audio.NewCapture(audio.DefaultCaptureConfig())
	if err != nil {
		return nil, err
	}
	return &captureRecognizer{capture: cap}, nil
}

// captureRecognizer is a minimal Recognizer that only opens and forwards
// the audio stream; it does not perform actual speech recognition. It
// exists so this CLI can exercise the full capture -> backend -> matcher
// -> publish pipeline without a live OS speech API.
type captureRecognizer struct {
	capture *audio.Capture
}

// SupportedLocales returns nil: this stub has no real OS speech API behind
// it, so locale resolution falls back to the unnegotiated preference chain.
func (r *captureRecognizer) SupportedLocales() []string { return nil }

func (r *captureRecognizer) Start(ctx context.Context, localeTag string, onHypothesis func(string), onError func(error)) error {
	if err := r.capture.Open(); err != nil {
		onError(err)
		return err
	}
	go func() {
		if err := r.capture.Start(ctx); err != nil {
			onError(err)
		}
	}()
	return nil
}

func (r *captureRecognizer) Feed(frame []float32) error { return nil }

func (r *captureRecognizer) Stop() error {
	return r.capture.Stop()
}
