// Package server assembles the HTTP surface: middleware chain, tenant data
// plane, realtime streams, push endpoints and the admin control plane.
package server

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascata/backend/internal/config"
	"github.com/cascata/backend/internal/control"
	"github.com/cascata/backend/internal/data"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/metrics"
	"github.com/cascata/backend/internal/middleware"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/push"
	"github.com/cascata/backend/internal/realtime"
	"github.com/cascata/backend/internal/webhooks"
)

// Deps is everything the router needs, constructed at boot and torn down
// at shutdown.
type Deps struct {
	Config   *config.Config
	Store    *directory.Store
	Resolver *directory.Resolver
	Registry *pooler.Registry
	Bridge   *realtime.Bridge
	Engine   *jobs.Engine
	Shield   *directory.PanicShield
	Limiter  *middleware.RateLimiter
	Metrics  *metrics.Metrics
	Projects *control.Projects
	Push     *push.Handlers
	Webhooks *webhooks.Handlers
}

// Server wraps the http.Server with its graceful lifecycle.
type Server struct {
	http   *http.Server
	logger *log.Logger
}

// New builds the fully wired server for the configured service mode.
func New(deps *Deps) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", handleHealth(deps)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	mode := deps.Config.ServiceMode
	if mode == config.ModeAPI || mode == config.ModeControlPlane {
		mountControl(router, deps)
	}
	if mode == config.ModeAPI {
		mountData(router, deps)
	}

	// Wrapped inside-out: at runtime security headers run first, then tenant
	// resolution, CORS, host guard, firewall, auth, body limit, rate limit.
	// The host guard depends on the project set by the resolver, so the
	// resolver must wrap it.
	var handler http.Handler = router
	handler = deps.Limiter.Middleware(handler)
	handler = middleware.BodyLimit(handler)
	handler = middleware.CascataAuth(handler)
	handler = middleware.Firewall(deps.Store)(handler)
	handler = middleware.HostGuard(deps.Config.SystemHostname)(handler)
	handler = middleware.DynamicCORS(handler)
	handler = middleware.TenantResolver(deps.Resolver, deps.Registry)(handler)
	handler = middleware.SecurityHeaders(handler)
	handler = instrument(deps.Metrics, handler)

	return &Server{
		http: &http.Server{
			Addr:              ":" + deps.Config.Port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("🚀 Listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleHealth(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := `{"status":"ok"}`
		if !deps.Store.Healthy(r.Context()) {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded","control_db":"unreachable"}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

// ============================================================================
// ROUTES
// ============================================================================

func mountControl(router *mux.Router, deps *Deps) {
	cfg := deps.Config

	router.HandleFunc("/api/control/auth/login",
		control.HandleLogin(deps.Store, cfg.SystemJWTSecret)).Methods(http.MethodPost)
	router.HandleFunc("/api/control/auth/verify",
		control.HandleVerify(cfg.SystemJWTSecret)).Methods(http.MethodPost)

	admin := mux.NewRouter()
	p := deps.Projects
	admin.HandleFunc("/api/control/projects", p.HandleList).Methods(http.MethodGet)
	admin.HandleFunc("/api/control/projects", p.HandleCreate).Methods(http.MethodPost)
	admin.HandleFunc("/api/control/projects/import/upload", p.HandleImportUpload).Methods(http.MethodPost)
	admin.HandleFunc("/api/control/projects/import/confirm", p.HandleImportConfirm).Methods(http.MethodPost)
	admin.HandleFunc("/api/control/projects/{slug}", p.HandleGet).Methods(http.MethodGet)
	admin.HandleFunc("/api/control/projects/{slug}", p.HandleUpdate).Methods(http.MethodPatch)
	admin.HandleFunc("/api/control/projects/{slug}", p.HandleDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/api/control/projects/{slug}/rotate-keys", p.HandleRotateKeys).Methods(http.MethodPost)
	admin.HandleFunc("/api/control/projects/{slug}/reveal-key", p.HandleRevealKey).Methods(http.MethodPost)
	admin.HandleFunc("/api/control/projects/{slug}/block-ip", p.HandleBlockIP).Methods(http.MethodPost)
	admin.HandleFunc("/api/control/projects/{slug}/block-ip/{ip}", p.HandleUnblockIP).Methods(http.MethodDelete)
	admin.HandleFunc("/api/control/projects/{slug}/panic", p.HandlePanic).Methods(http.MethodPost, http.MethodDelete)
	admin.HandleFunc("/api/control/projects/{slug}/export", p.HandleExport).Methods(http.MethodGet)

	router.PathPrefix("/api/control/projects").Handler(
		control.RequireAdmin(cfg.SystemJWTSecret, admin))
}

func mountData(router *mux.Router, deps *Deps) {
	ctl := data.NewController(deps.Registry)

	sub := router.PathPrefix("/api/data/{slug}").Subrouter()

	// Realtime streams.
	sub.HandleFunc("/realtime", realtime.HandleSSE(deps.Bridge)).Methods(http.MethodGet)
	sub.HandleFunc("/realtime/ws", realtime.HandleWebSocket(deps.Bridge)).Methods(http.MethodGet)

	// Schema operations and introspection.
	sub.HandleFunc("/tables", ctl.HandleListTables()).Methods(http.MethodGet)
	sub.HandleFunc("/tables", ctl.HandleCreateTable()).Methods(http.MethodPost)
	sub.HandleFunc("/tables/{table}", ctl.HandleDeleteTable()).Methods(http.MethodDelete)
	sub.HandleFunc("/tables/{table}/columns", ctl.HandleGetColumns()).Methods(http.MethodGet)
	sub.HandleFunc("/functions", ctl.HandleListFunctions()).Methods(http.MethodGet)
	sub.HandleFunc("/functions/{name}/definition", ctl.HandleFunctionDefinition()).Methods(http.MethodGet)
	sub.HandleFunc("/triggers", ctl.HandleListTriggers()).Methods(http.MethodGet)
	sub.HandleFunc("/recycle-bin", ctl.HandleListRecycleBin()).Methods(http.MethodGet)
	sub.HandleFunc("/recycle-bin/{table}/restore", ctl.HandleRestoreTable()).Methods(http.MethodPost)
	sub.HandleFunc("/stats", ctl.HandleStats()).Methods(http.MethodGet)
	sub.HandleFunc("/openapi.json", ctl.HandleOpenAPI()).Methods(http.MethodGet)

	// Raw SQL and RPC.
	sub.HandleFunc("/query", ctl.HandleRawQuery()).Methods(http.MethodPost)
	sub.HandleFunc("/rpc/{name}", ctl.HandleRPC()).Methods(http.MethodGet, http.MethodPost)

	// Push engine.
	sub.HandleFunc("/push/devices", deps.Push.HandleRegisterDevice).Methods(http.MethodPost)
	sub.HandleFunc("/push/devices", deps.Push.HandleListDevices).Methods(http.MethodGet)
	sub.HandleFunc("/push/devices", deps.Push.HandleUnregisterDevice).Methods(http.MethodDelete)
	sub.HandleFunc("/push/send", deps.Push.HandleSend).Methods(http.MethodPost)
	sub.HandleFunc("/push/rules", deps.Push.HandleListRules).Methods(http.MethodGet)
	sub.HandleFunc("/push/rules", deps.Push.HandleCreateRule).Methods(http.MethodPost)
	sub.HandleFunc("/push/rules/{id}", deps.Push.HandleDeleteRule).Methods(http.MethodDelete)

	// Webhook subscriptions.
	sub.HandleFunc("/webhooks", deps.Webhooks.HandleList).Methods(http.MethodGet)
	sub.HandleFunc("/webhooks", deps.Webhooks.HandleCreate).Methods(http.MethodPost)
	sub.HandleFunc("/webhooks/{id}", deps.Webhooks.HandleDelete).Methods(http.MethodDelete)

	// PostgREST-compatible CRUD, last so named routes win.
	sub.HandleFunc("/{table}", ctl.HandleCRUD()).
		Methods(http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete)
}

// ============================================================================
// INSTRUMENTATION
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func instrument(m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		m.RequestTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses tenant paths so metric cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case len(path) >= 10 && path[:10] == "/api/data/":
		return "/api/data"
	case len(path) >= 13 && path[:13] == "/api/control/":
		return "/api/control"
	default:
		return path
	}
}
