// Package health reports camera-session state over the standard gRPC
// health protocol. Session failures and interruptions are surfaced as
// NOT_SERVING; nothing here attempts recovery.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/worldtrack/internal/session"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service is the health-checked service name.
const Service = "worldtrack.Tracker"

// State is the session state as seen by the operator.
type State string

const (
	StateStarting    State = "starting"
	StateTracking    State = "tracking"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
)

// Status is a snapshot of the reported state.
type Status struct {
	State State     `json:"state"`
	Error string    `json:"error,omitempty"`
	Since time.Time `json:"since"`
}

// Reporter is a session.Observer that mirrors session state into a gRPC
// health server.
type Reporter struct {
	srv   *grpchealth.Server
	clock timeutil.Clock

	mu     sync.Mutex
	status Status
}

// NewReporter creates a reporter in the starting state.
func NewReporter(clock timeutil.Clock) *Reporter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &Reporter{srv: grpchealth.NewServer(), clock: clock}
	r.set(StateStarting, nil)
	return r
}

func (r *Reporter) set(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(s, err)
}

// setLocked updates the status and the gRPC health server together. r.mu
// must be held.
func (r *Reporter) setLocked(s State, err error) {
	prev := r.status.State
	r.status = Status{State: s, Since: r.clock.Now()}
	if err != nil {
		r.status.Error = err.Error()
	}

	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if s == StateTracking {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(Service, serving)
	r.srv.SetServingStatus("", serving)
	if prev != s {
		diagf("session %s -> %s", prev, s)
	}
}

// SessionStarted marks the session as tracking.
func (r *Reporter) SessionStarted() {
	r.set(StateTracking, nil)
}

// SessionStopped marks the session as deliberately stopped.
func (r *Reporter) SessionStopped() {
	r.set(StateStopped, nil)
}

// SessionFailed implements session.Observer.
func (r *Reporter) SessionFailed(err error) {
	opsf("session failed: %v", err)
	r.set(StateFailed, err)
}

// SessionInterrupted implements session.Observer.
func (r *Reporter) SessionInterrupted() {
	r.set(StateInterrupted, nil)
}

// SessionInterruptionEnded implements session.Observer. A failed session
// stays failed.
func (r *Reporter) SessionInterruptionEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.State == StateFailed {
		return
	}
	r.setLocked(StateTracking, nil)
}

// Status returns the current state.
func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HealthServer exposes the underlying health service.
func (r *Reporter) HealthServer() healthpb.HealthServer {
	return r.srv
}

// Register adds the health and reflection services to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
	reflection.Register(s)
}

// Serve runs a gRPC server on lis until ctx is done, then stops it
// gracefully.
func (r *Reporter) Serve(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	r.Register(s)

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(lis) }()
	diagf("gRPC health listening on %s", lis.Addr())

	select {
	case <-ctx.Done():
		r.srv.Shutdown()
		s.GracefulStop()
		return nil
	case err := <-errc:
		return fmt.Errorf("grpc serve: %w", err)
	}
}

var _ session.Observer = (*Reporter)(nil)
