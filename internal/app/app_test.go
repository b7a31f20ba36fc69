package app

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/worldtrack/internal/config"
	"github.com/banshee-data/worldtrack/internal/health"
	"github.com/banshee-data/worldtrack/internal/monitoring"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var t0 = time.Date(2026, 4, 8, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// syncBuffer is shared by every package logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:         ptr(filepath.Join(t.TempDir(), "worldtrack.db")),
		RemoteEndpoint: ptr(""),
		HTTPListen:     ptr(""),
		GRPCListen:     ptr("127.0.0.1:0"),
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MarkerPhysicalSize = ptr(-1.0)
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marker_physical_size")
}

func TestNew_Disabled(t *testing.T) {
	cfg := &config.Config{
		DBPath:         ptr(""),
		RemoteEndpoint: ptr(""),
		HTTPListen:     ptr(""),
		GRPCListen:     ptr(""),
	}
	a, err := New(cfg, timeutil.NewMockClock(t0))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Store())
	assert.Nil(t, a.forwarder)
	assert.Nil(t, a.web)
	assert.Empty(t, a.GRPCAddr())
	assert.NotNil(t, a.Pipeline())
}

func TestNew_Telemetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.RemoteEndpoint = ptr("127.0.0.1:9")
	cfg.HTTPListen = ptr("127.0.0.1:0")
	a, err := New(cfg, timeutil.NewMockClock(t0))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.forwarder)
	assert.Equal(t, "127.0.0.1:9", a.forwarder.Address())
	assert.NotNil(t, a.web)
}

func TestApp_Run(t *testing.T) {
	logs := &syncBuffer{}
	SetLogWriters(monitoring.Streams(logs, nil, false))
	defer SetLogWriters(monitoring.LogWriters{})

	clock := timeutil.NewMockClock(t0)
	a, err := New(testConfig(t), clock)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		a.Session().Tick()
		return a.Scene().Len() == 3
	}, 5*time.Second, 5*time.Millisecond, "every visible marker gets a node")

	require.Eventually(t, func() bool {
		return a.Pipeline().Stats().Created == 3
	}, 5*time.Second, 5*time.Millisecond)

	stats := a.Pipeline().Stats()
	assert.GreaterOrEqual(t, stats.OriginEpoch, uint64(1), "new markers relocalize the origin")

	objs, err := a.Store().ListObjects(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, []int{5, 7, 23}, []int{objs[0].MarkerID, objs[1].MarkerID, objs[2].MarkerID})

	evs, err := a.Store().ListRelocalizations(context.Background())
	require.NoError(t, err)
	assert.Len(t, evs, int(stats.OriginEpoch))

	conn, err := grpc.NewClient(a.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: health.Service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	ev, err := a.Pipeline().ResetWorldOrigin(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.OriginEpoch+1, ev.Epoch)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, health.StateStopped, a.Reporter().Status().State)
	assert.Regexp(t, `\[app\] [0-9/]+ [0-9:.]+ tracking started \(policy every_new`, logs.String())
}
