// Package telemetry is the best-effort channel that reports camera state
// and frame snapshots to a remote endpoint. Events are protobuf-encoded
// structpb envelopes sent as single UDP datagrams. Nothing is acknowledged
// or retried.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/worldtrack/internal/timeutil"
)

// Options configure a Forwarder.
type Options struct {
	// Endpoint is the remote host:port.
	Endpoint string
	// Buffer is the number of events queued before new ones are dropped.
	Buffer int
	// LogInterval is how often drop and failure summaries are logged.
	LogInterval time.Duration
	Snapshot    SnapshotOptions
	Clock       timeutil.Clock
}

// Stats count what happened to emitted events.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Oversize uint64 `json:"oversize"`
}

type event struct {
	name    string
	payload any
}

// Forwarder sends events asynchronously. Emit never blocks: when the
// buffer is full the event is dropped and counted.
type Forwarder struct {
	conn    *net.UDPConn
	address string
	opts    Options
	clock   timeutil.Clock

	mu     sync.RWMutex
	ch     chan event
	closed bool

	seq      atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	oversize atomic.Uint64
}

// NewForwarder resolves opts.Endpoint and dials it.
func NewForwarder(opts Options) (*Forwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve telemetry endpoint: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry connection: %w", err)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Forwarder{
		conn:    conn,
		address: addr.String(),
		opts:    opts,
		clock:   opts.Clock,
		ch:      make(chan event, opts.Buffer),
	}, nil
}

// Address returns the resolved endpoint.
func (f *Forwarder) Address() string {
	return f.address
}

// Start runs the sending goroutine until ctx is done or Close is called.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		var (
			failedCount int
			lastError   error
		)
		ticker := f.clock.NewTicker(f.opts.LogInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.ch:
				if !ok {
					return
				}
				if err := f.send(ev); err != nil {
					failedCount++
					lastError = err
					tracef("%s not sent: %v", ev.name, err)
				}
			case <-ticker.C():
				if failedCount > 0 && lastError != nil {
					opsf("%d telemetry events failed (latest: %v), %d dropped so far", failedCount, lastError, f.dropped.Load())
					failedCount = 0
					lastError = nil
				}
			}
		}
	}()

	diagf("sending telemetry to %s", f.address)
}

// errOversize marks envelopes too large for one datagram.
var errOversize = errors.New("envelope exceeds datagram size")

func (f *Forwarder) send(ev event) error {
	b, err := Marshal(ev.name, f.seq.Add(1), f.clock.Now(), ev.payload, f.opts.Snapshot)
	if err != nil {
		f.failed.Add(1)
		return err
	}
	if len(b) > MaxDatagram {
		f.oversize.Add(1)
		return fmt.Errorf("%w: %d bytes", errOversize, len(b))
	}
	if _, err := f.conn.Write(b); err != nil {
		f.failed.Add(1)
		return err
	}
	f.sent.Add(1)
	return nil
}

// Emit queues an event without blocking. Payloads are encoded on the
// sending goroutine, so callers must not mutate them afterwards.
func (f *Forwarder) Emit(name string, payload any) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped.Add(1)
		return
	}
	select {
	case f.ch <- event{name: name, payload: payload}:
	default:
		f.dropped.Add(1)
	}
}

// Stats returns the event counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Sent:     f.sent.Load(),
		Dropped:  f.dropped.Load(),
		Failed:   f.failed.Load(),
		Oversize: f.oversize.Load(),
	}
}

// Close stops accepting events and closes the connection. Events still
// queued are counted as failed.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	return f.conn.Close()
}

// Discard is an emitter that drops everything.
type Discard struct{}

// Emit implements the pipeline emitter.
func (Discard) Emit(string, any) {}
