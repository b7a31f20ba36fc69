// Package app assembles a running tracker from its configuration: the
// session, the frame pipeline and the operator surfaces around it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/worldtrack/internal/config"
	"github.com/banshee-data/worldtrack/internal/db"
	"github.com/banshee-data/worldtrack/internal/gate"
	"github.com/banshee-data/worldtrack/internal/health"
	"github.com/banshee-data/worldtrack/internal/mainloop"
	"github.com/banshee-data/worldtrack/internal/monitor"
	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/pipeline"
	"github.com/banshee-data/worldtrack/internal/scene"
	"github.com/banshee-data/worldtrack/internal/session"
	"github.com/banshee-data/worldtrack/internal/telemetry"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/banshee-data/worldtrack/internal/tracking"
	"golang.org/x/sync/errgroup"
)

// App is one tracker instance.
type App struct {
	cfg   *config.Config
	clock timeutil.Clock

	db        *db.DB
	store     *db.ObjectStore
	scene     *scene.Scene
	cache     *tracking.Cache
	session   *session.SyntheticSession
	origin    *origin.Manager
	loop      *mainloop.Loop
	pipeline  *pipeline.Pipeline
	reporter  *health.Reporter
	forwarder *telemetry.Forwarder
	web       *monitor.WebServer
	grpcLis   net.Listener
}

// New builds every component named by cfg. Nothing runs until Run.
func New(cfg *config.Config, clock timeutil.Clock) (*App, error) {
	if cfg == nil {
		cfg = config.Empty()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	a := &App{cfg: cfg, clock: clock}

	var sinks scene.Fanout
	a.scene = scene.New(cfg.GetMarkerPhysicalSize())
	sinks = append(sinks, a.scene)

	if path := cfg.GetDBPath(); path != "" {
		d, err := db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.db = d
		a.store = db.NewObjectStore(d, clock)
		sinks = append(sinks, a.store)
		diagf("journalling run %s to %s", a.store.RunID(), path)
	}

	a.cache = tracking.NewCache(clock)

	synth := session.DefaultSyntheticConfig()
	synth.FrameRate = cfg.GetFrameRate()
	a.session = session.NewSyntheticSession(synth, clock, nil)

	a.origin = origin.NewManager(a.session, session.DefaultConfiguration(), cfg.GetRelocalizePolicy(), clock)
	a.origin.AddObserver(a.cache)
	if a.store != nil {
		a.origin.AddObserver(a.store)
	}

	var emitter pipeline.Emitter = telemetry.Discard{}
	if ep := cfg.GetRemoteEndpoint(); ep != "" {
		f, err := telemetry.NewForwarder(telemetry.Options{
			Endpoint: ep,
			Buffer:   cfg.GetTelemetryBuffer(),
			Snapshot: telemetry.SnapshotOptions{
				Quality:  cfg.GetSnapshotQuality(),
				MaxWidth: cfg.GetSnapshotMaxWidth(),
			},
			Clock: clock,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.forwarder = f
		emitter = f
	}

	a.loop = mainloop.New(0)
	p, err := pipeline.New(pipeline.Config{
		MarkerSize:      cfg.GetMarkerPhysicalSize(),
		DefaultMarkerID: cfg.GetDefaultMarkerID(),
		Snapshots:       cfg.GetSnapshotEnabled() && a.forwarder != nil,
	}, pipeline.Deps{
		Gate:     gate.New(),
		Detector: session.SyntheticDetector{Latency: cfg.GetDetectorLatency()},
		Cache:    a.cache,
		Origin:   a.origin,
		Executor: a.loop,
		Sink:     sinks,
		Emitter:  emitter,
		Clock:    clock,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.pipeline = p
	a.session.SetHandler(func(f *session.Frame) { p.HandleFrame(f) })

	a.reporter = health.NewReporter(clock)
	a.session.SetObserver(session.Observers{p, a.reporter})

	if addr := cfg.GetGRPCListen(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("listen grpc %s: %w", addr, err)
		}
		a.grpcLis = lis
	}

	if addr := cfg.GetHTTPListen(); addr != "" {
		wc := monitor.WebServerConfig{
			Address: addr,
			Tracker: p,
			Scene:   a.scene,
			Health:  a.reporter,
			DB:      a.db,
		}
		if a.store != nil {
			wc.Journal = a.store
		}
		if a.forwarder != nil {
			wc.Telemetry = a.forwarder
		}
		a.web = monitor.NewWebServer(wc)
	}

	return a, nil
}

// Pipeline returns the frame pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Session returns the camera session.
func (a *App) Session() *session.SyntheticSession { return a.session }

// Scene returns the rendered scene.
func (a *App) Scene() *scene.Scene { return a.scene }

// Store returns the journal, or nil when journalling is disabled.
func (a *App) Store() *db.ObjectStore { return a.store }

// Reporter returns the health reporter.
func (a *App) Reporter() *health.Reporter { return a.reporter }

// GRPCAddr returns the gRPC listen address, or "" when disabled.
func (a *App) GRPCAddr() string {
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}

// Run starts the session and serves until ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.session.Run(session.DefaultConfiguration(), session.RunOptions{}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	a.reporter.SessionStarted()
	diagf("tracking started (policy %s, marker size %.3fm)", a.origin.Policy(), a.cfg.GetMarkerPhysicalSize())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.loop.Run(ctx) })
	g.Go(func() error { return a.session.Serve(ctx) })
	if a.forwarder != nil {
		a.forwarder.Start(ctx)
	}
	if a.web != nil {
		g.Go(func() error { return a.web.Start(ctx) })
	}
	if a.grpcLis != nil {
		lis := a.grpcLis
		g.Go(func() error { return a.reporter.Serve(ctx, lis) })
	}
	if every := a.cfg.GetStatsInterval(); every > 0 {
		g.Go(func() error {
			a.logStats(ctx, every)
			return nil
		})
	}

	err := g.Wait()
	a.session.Pause()
	a.reporter.SessionStopped()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *App) logStats(ctx context.Context, every time.Duration) {
	ticker := a.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s := a.pipeline.Stats()
			diagf("frames=%d dropped=%d empty=%d detections=%d created=%d updated=%d objects=%d epoch=%d",
				s.Frames, s.Dropped, s.Empty, s.Detections, s.Created, s.Updated, s.Objects, s.OriginEpoch)
			if s.DetectorErrors > 0 || s.DispatchErrors > 0 || s.RelocalizeErrors > 0 {
				opsf("detector_errors=%d dispatch_errors=%d relocalize_errors=%d",
					s.DetectorErrors, s.DispatchErrors, s.RelocalizeErrors)
			}
			if a.forwarder != nil {
				ts := a.forwarder.Stats()
				tracef("telemetry sent=%d dropped=%d failed=%d oversize=%d", ts.Sent, ts.Dropped, ts.Failed, ts.Oversize)
			}
		}
	}
}

// Close releases the journal and the telemetry connection.
func (a *App) Close() error {
	var errs []error
	if a.forwarder != nil {
		errs = append(errs, a.forwarder.Close())
	}
	if a.grpcLis != nil {
		if err := a.grpcLis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
