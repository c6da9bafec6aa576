// deepdive-refine runs the offline calibration refiner: it records sweep
// and ground-truth streams between triggers, solves on demand or after an
// idle timeout, and persists successful solves to the calibration store
// and the report directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/AvatarWorld/deepdive/internal/api"
	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/calstore"
	"github.com/AvatarWorld/deepdive/internal/config"
	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/ingest"
	"github.com/AvatarWorld/deepdive/internal/refine"
	"github.com/AvatarWorld/deepdive/internal/report"
	"github.com/AvatarWorld/deepdive/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	idleTimeout = flag.Duration("idle", 10*time.Second, "Solve after this long without sweeps while recording (0 disables)")
)

func main() {
	flag.Parse()
	log.Printf("deepdive-refine %s (%s)", version.Version, version.GitSHA)

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	httpAddr := cfg.GetHTTPAddr()
	if *listen != "" {
		httpAddr = *listen
	}

	reg := device.NewRegistry()
	store, err := calstore.Open(cfg.GetCalibrationPath())
	if err != nil {
		log.Fatalf("failed to open calibration store: %v", err)
	}
	defer store.Close()
	if err := store.LoadRegistry(reg); err != nil {
		log.Printf("no stored calibration loaded: %v", err)
	}

	refiner := refine.NewRefiner(reg, refineConfig(cfg))

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handleDevice := func(m ingest.DeviceMessage) {
		if m.Tracker != nil {
			reg.AddTracker(m.Tracker.Device())
			log.Printf("registered tracker %s", m.Tracker.Serial)
		}
		if m.Lighthouse != nil {
			reg.AddLighthouse(m.Lighthouse.Device())
			log.Printf("registered lighthouse %s", m.Lighthouse.Serial)
		}
	}
	handleCorrection := func(m ingest.CorrectionMessage) {
		refiner.AddCorrection(refine.CorrectionSample{Time: m.Time, Pose: m.Transform()})
	}

	listeners := []*ingest.UDPListener{
		ingest.SweepListener(cfg.GetPulseAddr(), ingest.Handlers{Sweep: refiner.AddSweep}),
		ingest.DeviceListener(cfg.GetDeviceAddr(), ingest.Handlers{Device: handleDevice}),
		ingest.CorrectionListener(cfg.GetCorrectionAddr(), ingest.Handlers{Correction: handleCorrection}),
	}
	for _, l := range listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("listener %s terminated: %v", l.Addr(), err)
			}
		}()
	}

	// Solve automatically once the sweep stream goes quiet mid-recording.
	if *idleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					last := refiner.IdleSince()
					if refiner.State() != refine.StateAccumulating || last.IsZero() {
						continue
					}
					if time.Since(last) < *idleTimeout {
						continue
					}
					log.Printf("no sweeps for %s, solving", *idleTimeout)
					if _, msg, err := refiner.Trigger(ctx); err != nil {
						log.Printf("idle solve failed: %v (%s)", err, msg)
					}
				}
			}
		}()
	}

	// Persist each new successful solve.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var seen *refine.Result
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := refiner.LastResult()
				if res == nil || res == seen {
					continue
				}
				seen = res
				if err := store.SaveRegistry(reg); err != nil {
					log.Printf("failed to save calibration: %v", err)
				} else {
					log.Printf("calibration saved to %s", cfg.GetCalibrationPath())
				}
				if dir := cfg.GetReportDir(); dir != "" {
					if err := writeReports(dir, res); err != nil {
						log.Printf("failed to write reports: %v", err)
					}
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		api.NewServer(reg, refiner, nil, nil).Routes(mux)

		server := &http.Server{
			Addr:    httpAddr,
			Handler: api.LoggingMiddleware(mux),
		}
		go func() {
			log.Printf("http server listening on %s", httpAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	wg.Wait()
	log.Print("deepdive-refine stopped")
}

func writeReports(dir string, res *refine.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().Format("20060102-150405")

	if len(res.Trajectory) > 0 {
		path := filepath.Join(dir, fmt.Sprintf("trajectory-%s.svg", stamp))
		if err := report.SaveTrajectoryPlot(res, path); err != nil {
			return err
		}
		log.Printf("wrote %s", path)
	}
	if len(res.Performance) > 0 {
		csvPath := filepath.Join(dir, fmt.Sprintf("performance-%s.csv", stamp))
		f, err := os.Create(csvPath)
		if err != nil {
			return err
		}
		if err := report.WritePerformanceCSV(f, res); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Printf("wrote %s", csvPath)

		htmlPath := filepath.Join(dir, fmt.Sprintf("errors-%s.html", stamp))
		h, err := os.Create(htmlPath)
		if err != nil {
			return err
		}
		if err := report.RenderErrorChart(h, res); err != nil {
			h.Close()
			return err
		}
		if err := h.Close(); err != nil {
			return err
		}
		log.Printf("wrote %s", htmlPath)
	}
	return nil
}

func refineConfig(cfg *config.Config) refine.Config {
	rc := refine.DefaultRefineConfig()
	rc.Resolution = cfg.GetResolution()
	rc.Smoothing = cfg.GetSmoothing()
	rc.HuberDelta = cfg.GetHuberDelta()
	rc.Planar = cfg.GetPlanar()
	rc.Thresholds = bundle.Thresholds{
		MaxAngle:    cfg.GetMaxAngleDegrees() * math.Pi / 180,
		MinDuration: cfg.GetMinDuration(),
		MinCount:    cfg.GetMinPulseCount(),
	}
	rc.Freeze = refine.FreezeFlags{
		World:            cfg.GetFreezeWorld(),
		Lighthouses:      cfg.GetFreezeBeacons(),
		Params:           cfg.GetFreezeParams(),
		BodyFromHead:     cfg.GetFreezeTrackers(),
		TrackingFromHead: cfg.GetFreezeTrackers(),
		Sensors:          cfg.GetFreezeSensors(),
	}
	rc.Solver.MaxIterations = cfg.GetMaxIterations()
	rc.Solver.Timeout = cfg.GetSolveTimeout()
	rc.Solver.Workers = cfg.GetSolveWorkers()
	rc.Bootstrap.FOV = cfg.GetBootstrapFOV()
	rc.Bootstrap.Iterations = cfg.GetBootstrapIterations()
	return rc
}
