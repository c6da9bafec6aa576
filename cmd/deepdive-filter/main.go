// deepdive-filter runs the real-time pose estimator for one tracker:
// UDP ingest of sweep/IMU/device streams, a fixed-rate filter loop, and
// an HTTP surface with a websocket pose feed.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AvatarWorld/deepdive/internal/api"
	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/calstore"
	"github.com/AvatarWorld/deepdive/internal/config"
	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/filter"
	"github.com/AvatarWorld/deepdive/internal/ingest"
	"github.com/AvatarWorld/deepdive/internal/refine"
	"github.com/AvatarWorld/deepdive/internal/timeutil"
	"github.com/AvatarWorld/deepdive/internal/track"
	"github.com/AvatarWorld/deepdive/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file")
	serial     = flag.String("serial", "", "Tracker serial (overrides config)")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()
	log.Printf("deepdive-filter %s (%s)", version.Version, version.GitSHA)

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	trackerSerial := cfg.GetTrackerSerial()
	if *serial != "" {
		trackerSerial = *serial
	}
	if trackerSerial == "" {
		log.Fatal("tracker serial is required (set -serial or tracker_serial)")
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

	flt, err := filter.New(filterConfig(cfg))
	if err != nil {
		log.Fatalf("failed to build filter: %v", err)
	}

	refiner := refine.NewRefiner(reg, refineConfig(cfg))
	hub := api.NewHub()

	trackCfg := track.Config{
		Serial:     trackerSerial,
		Rate:       cfg.GetFilterRateHz(),
		Thresholds: thresholds(cfg),
	}
	daemon := track.New(trackCfg, reg, flt, timeutil.RealClock{}, hub, refiner)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listeners := []*ingest.UDPListener{
		ingest.SweepListener(cfg.GetPulseAddr(), ingest.Handlers{Sweep: daemon.HandleSweep}),
		ingest.IMUListener(cfg.GetIMUAddr(), ingest.Handlers{IMU: daemon.HandleIMU}),
		ingest.DeviceListener(cfg.GetDeviceAddr(), ingest.Handlers{Device: daemon.HandleDevice}),
		ingest.CorrectionListener(cfg.GetCorrectionAddr(), ingest.Handlers{Correction: daemon.HandleCorrection}),
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

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := daemon.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("tracking loop terminated: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		status := func() api.FilterStatus {
			return api.FilterStatus{Fused: flt.Fused(), Mode: cfg.GetFilterMode()}
		}
		api.NewServer(reg, refiner, status, hub).Routes(mux)

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
	log.Print("deepdive-filter stopped")
}

func thresholds(cfg *config.Config) bundle.Thresholds {
	return bundle.Thresholds{
		MaxAngle:    cfg.GetMaxAngleDegrees() * math.Pi / 180,
		MinDuration: cfg.GetMinDuration(),
		MinCount:    cfg.GetMinPulseCount(),
	}
}

func filterConfig(cfg *config.Config) filter.Config {
	mode := filter.ModeFull
	if cfg.GetFilterMode() == "reduced" {
		mode = filter.ModeReduced
	}
	fc := filter.DefaultConfig(mode)
	fc.AngleVar = cfg.GetAngleVar()
	fc.AccelVar = cfg.GetAccelVar()
	fc.GyroVar = cfg.GetGyroVar()
	fc.MaxDt = cfg.GetMaxDt()
	return fc
}

func refineConfig(cfg *config.Config) refine.Config {
	rc := refine.DefaultRefineConfig()
	rc.Resolution = cfg.GetResolution()
	rc.Smoothing = cfg.GetSmoothing()
	rc.HuberDelta = cfg.GetHuberDelta()
	rc.Planar = cfg.GetPlanar()
	rc.Thresholds = thresholds(cfg)
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
