// Command audiographd is the audio connection server: it owns the
// hardware driver, hosts the client graph, and serves the control
// socket and diagnostics surface described across spec.md.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiograph/audiographd/internal/client"
	"github.com/audiograph/audiographd/internal/config"
	"github.com/audiograph/audiographd/internal/diag"
	"github.com/audiograph/audiographd/internal/driver"
	"github.com/audiograph/audiographd/internal/engine"
	"github.com/audiograph/audiographd/internal/fifo"
	"github.com/audiograph/audiographd/internal/graph"
	"github.com/audiograph/audiographd/internal/metrics"
	"github.com/audiograph/audiographd/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting audiographd",
		"server_dir", cfg.ServerDir,
		"sample_rate", cfg.SampleRate,
		"period_frames", cfg.PeriodFrames,
		"driver", cfg.DriverName,
		"realtime", cfg.Realtime,
	)

	// Startup cleanup of any sockets/FIFOs left behind by a prior,
	// uncleanly terminated run (spec.md §6).
	if err := fifo.CleanDir(cfg.ServerDir); err != nil {
		logger.Warn("failed to clean stale server-dir entries", "error", err)
	}

	drv, closeDriver, err := buildDriver(cfg)
	if err != nil {
		logger.Error("failed to build driver", "error", err)
		os.Exit(1)
	}
	defer closeDriver()

	eng, err := engine.New(engine.Config{
		ServerDir:         cfg.ServerDir,
		PortMax:           cfg.PortMax,
		SampleRate:        cfg.SampleRate,
		PeriodFrames:      cfg.PeriodFrames,
		Realtime:          cfg.Realtime,
		RTPriority:        cfg.RTPriority,
		ClientTimeoutMsec: cfg.ClientTimeoutMsec,
	}, drv, logger.With("subsystem", "engine"))
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	if _, err := eng.RegisterPortType("32 bit float mono audio", cfg.PeriodFrames*4, cfg.PortMax, sumMix); err != nil {
		logger.Error("failed to register default port type", "error", err)
		os.Exit(1)
	}

	eng.SetSelfConnectMode(parseSelfConnectMode(cfg.SelfConnectMode))

	driverClient, err := eng.CreateClient("driver", client.Driver, nil)
	if err != nil {
		logger.Error("failed to create driver client", "error", err)
		os.Exit(1)
	}
	eng.SetDriverClient(driverClient.ID)

	wd := watchdog.New(time.Duration(cfg.WatchdogSeconds)*time.Second, watchdog.SIGKILLer{}, logger.With("subsystem", "watchdog"))
	eng.SetWatchdog(wd)
	go wd.Run()
	defer wd.Stop()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go func() {
		if err := eng.ServeRequests(); err != nil {
			logger.Error("request server stopped", "error", err)
		}
	}()

	startZombieReaper(appCtx, eng, cfg.PeriodUsecs())

	var diagSrv *http.Server
	if cfg.DiagAddr != "" {
		collector := metrics.NewCollector(eng, eng, time.Now())
		prometheus.MustRegister(collector)
		diagSrv = &http.Server{
			Addr:         cfg.DiagAddr,
			Handler:      diag.NewServer(eng, eng),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("diagnostics server listening", "addr", cfg.DiagAddr)
			if err := diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("diagnostics server error", "error", err)
			}
		}()
	}

	abortCh := make(chan error, 1)
	if err := drv.Start(); err != nil {
		logger.Error("failed to start driver", "error", err)
		os.Exit(1)
	}
	go runAudioThread(appCtx, eng, drv, abortCh)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-abortCh:
		logger.Error("audio thread aborted", "error", err)
	}

	appCancel()
	_ = drv.Stop()

	if diagSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := diagSrv.Shutdown(ctx); err != nil {
			logger.Error("diagnostics server shutdown error", "error", err)
		}
	}

	logger.Info("audiographd stopped")
}

// runAudioThread is the hardware-period-driven loop: wait, run one
// cycle, repeat, until ctx is cancelled or the engine aborts (spec.md
// §4.4, §7 "Ten consecutive such delays abort the audio thread").
func runAudioThread(ctx context.Context, eng *engine.Engine, drv driver.Driver, abortCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		nframes, delayedUsecs, err := drv.Wait()
		if err != nil {
			abortCh <- fmt.Errorf("driver wait: %w", err)
			return
		}
		if err := eng.RunCycle(nframes, delayedUsecs); err != nil {
			var abortErr *engine.AbortError
			if errors.As(err, &abortErr) {
				abortCh <- err
				return
			}
		}
	}
}

// startZombieReaper runs the control-thread side of the two-stage
// client removal policy: every period it removes clients the audio
// thread has already zombified (spec.md §4.6 "Two-stage removal").
func startZombieReaper(ctx context.Context, eng *engine.Engine, periodUsecs int64) {
	interval := time.Duration(periodUsecs) * time.Microsecond
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eng.ReapZombies()
			}
		}
	}()
}

// buildDriver constructs the configured hardware driver and returns a
// cleanup function that releases any backing resources.
func buildDriver(cfg *config.Config) (driver.Driver, func(), error) {
	switch cfg.DriverName {
	case "portaudio":
		pa, err := driver.NewPortAudioDriver(cfg.PeriodFrames, cfg.InChannels, cfg.OutChannels, float64(cfg.SampleRate))
		if err != nil {
			return nil, func() {}, fmt.Errorf("portaudio driver: %w", err)
		}
		return pa, func() { _ = pa.Close() }, nil
	default:
		periodUsecs := cfg.PeriodUsecs()
		return driver.NewNullDriver(cfg.PeriodFrames, periodUsecs), func() {}, nil
	}
}

func parseSelfConnectMode(s string) graph.SelfConnectMode {
	switch s {
	case "fail-external":
		return graph.SelfConnectFailExternal
	case "fail-all":
		return graph.SelfConnectFailAll
	default:
		return graph.SelfConnectAllow
	}
}

// sumMix is the default mixdown for the engine's one built-in port
// type: every connected source is summed sample-by-sample into dst
// (spec.md §3 "Mixdown function").
func sumMix(dst []float32, sources [][]float32) {
	for i := range dst {
		dst[i] = 0
	}
	for _, src := range sources {
		n := len(src)
		if n > len(dst) {
			n = len(dst)
		}
		for i := 0; i < n; i++ {
			dst[i] += src[i]
		}
	}
}
