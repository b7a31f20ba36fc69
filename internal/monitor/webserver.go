// Package monitor serves the operator's HTTP view of a running tracker:
// health, the camera readout, the scene, and origin resets.
package monitor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/banshee-data/worldtrack/internal/db"
	"github.com/banshee-data/worldtrack/internal/health"
	"github.com/banshee-data/worldtrack/internal/httputil"
	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/pipeline"
	"github.com/banshee-data/worldtrack/internal/scene"
	"github.com/banshee-data/worldtrack/internal/telemetry"
	"github.com/banshee-data/worldtrack/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// Tracker is the part of the pipeline the web server reads and drives.
type Tracker interface {
	Stats() pipeline.Stats
	Camera() (pipeline.CameraState, bool)
	ResetWorldOrigin(ctx context.Context) (origin.Event, error)
}

// HealthSource reports the session state.
type HealthSource interface {
	Status() health.Status
}

// TelemetrySource reports forwarder counters.
type TelemetrySource interface {
	Stats() telemetry.Stats
}

// Journal lists journalled relocalizations.
type Journal interface {
	ListRelocalizations(ctx context.Context) ([]origin.Event, error)
	TransformHistory(ctx context.Context, objectID string, limit int) ([]db.TransformRecord, error)
}

// WebServer handles the HTTP interface of the tracker.
type WebServer struct {
	address   string
	server    *http.Server
	tracker   Tracker
	scene     *scene.Scene
	health    HealthSource
	telemetry TelemetrySource
	journal   Journal
	db        *db.DB
}

// WebServerConfig contains configuration options for the web server.
// Health, Telemetry, Journal and DB are optional.
type WebServerConfig struct {
	Address   string
	Tracker   Tracker
	Scene     *scene.Scene
	Health    HealthSource
	Telemetry TelemetrySource
	Journal   Journal
	DB        *db.DB
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		tracker:   config.Tracker,
		scene:     config.Scene,
		health:    config.Health,
		telemetry: config.Telemetry,
		journal:   config.Journal,
		db:        config.DB,
	}

	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return ws
}

// Handler returns the server's routes.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		diagf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	diagf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		opsf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			opsf("HTTP server force close error: %v", err)
		}
	}

	diagf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/status", ws.handleAPIStatus)
	mux.HandleFunc("/api/objects", ws.handleObjects)
	mux.HandleFunc("/api/objects/history", ws.handleObjectHistory)
	mux.HandleFunc("/api/origin/reset", ws.handleOriginReset)
	mux.HandleFunc("/api/origin/history", ws.handleOriginHistory)
	mux.HandleFunc("/debug/objects/chart", ws.handleObjectsChart)
	mux.HandleFunc("/debug/objects.png", ws.handleObjectsPlot)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			opsf("failed to attach db admin routes: %v", err)
		}
	}

	return mux
}

func (ws *WebServer) sessionState() health.Status {
	if ws.health == nil {
		return health.Status{State: health.StateTracking}
	}
	return ws.health.Status()
}

// handleHealth reports 200 while the session is not failed.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := ws.sessionState()
	code := http.StatusOK
	if st.State == health.StateFailed {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]any{
		"status":    st.State,
		"service":   "worldtrack",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type statusView struct {
	Version   string
	Session   health.State
	HasCamera bool
	Camera    pipeline.CameraState
	Stats     pipeline.Stats
	Nodes     []scene.Node
}

func (ws *WebServer) statusView() statusView {
	cam, ok := ws.tracker.Camera()
	v := statusView{
		Version:   version.Version,
		Session:   ws.sessionState().State,
		HasCamera: ok,
		Camera:    cam,
		Stats:     ws.tracker.Stats(),
	}
	if ws.scene != nil {
		v.Nodes = ws.scene.Nodes()
	}
	return v
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to parse template: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, ws.statusView()); err != nil {
		opsf("failed to render status page: %v", err)
	}
}

func (ws *WebServer) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	v := ws.statusView()
	resp := map[string]any{
		"version": v.Version,
		"session": ws.sessionState(),
		"stats":   v.Stats,
	}
	if v.HasCamera {
		resp["camera"] = v.Camera
	}
	if ws.telemetry != nil {
		resp["telemetry"] = ws.telemetry.Stats()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (ws *WebServer) handleObjects(w http.ResponseWriter, r *http.Request) {
	if ws.scene == nil {
		httputil.WriteJSON(w, http.StatusOK, []scene.Node{})
		return
	}
	nodes := ws.scene.Nodes()
	if nodes == nil {
		nodes = []scene.Node{}
	}
	httputil.WriteJSON(w, http.StatusOK, nodes)
}

// handleObjectHistory returns the journalled transforms of one object.
// Query params:
//
//	object_id (required)
//	limit (optional, default 100)
func (ws *WebServer) handleObjectHistory(w http.ResponseWriter, r *http.Request) {
	if ws.journal == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no journal configured")
		return
	}
	id := r.URL.Query().Get("object_id")
	if id == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing object_id")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 100, 1, 10000)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	hist, err := ws.journal.TransformHistory(r.Context(), id, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []db.TransformRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, hist)
}

func (ws *WebServer) handleOriginReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ev, err := ws.tracker.ResetWorldOrigin(ctx)
	if err != nil {
		opsf("origin reset failed: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	diagf("origin reset by operator, epoch %d", ev.Epoch)
	httputil.WriteJSON(w, http.StatusOK, ev)
}

func (ws *WebServer) handleOriginHistory(w http.ResponseWriter, r *http.Request) {
	if ws.journal == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no journal configured")
		return
	}
	evs, err := ws.journal.ListRelocalizations(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []origin.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, evs)
}

// Close closes the server immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}
