// Package web serves the tenant-facing HTTP surface: public config
// endpoints, viewer image browsing, admin publish and curation actions, and
// the two admin login flows (OIDC and legacy shared password).
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/picvault/picvault/internal/config"
	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/storage"
	"github.com/picvault/picvault/internal/tenant"
	"github.com/picvault/picvault/internal/workflow"
)

// ConfigSource resolves a request host to its tenant configuration.
type ConfigSource interface {
	GetConfig(ctx context.Context, host string) (*tenant.Config, error)
}

// Runner is the slice of the workflow orchestrator the handlers drive.
type Runner interface {
	Execute(ctx context.Context, cfg *tenant.Config, req workflow.ExecuteRequest) (*workflow.Result, error)
	AnalyzeImage(ctx context.Context, cfg *tenant.Config, filename string, forceRefresh bool) (*workflow.AnalyzeResult, error)
	KeepImage(ctx context.Context, cfg *tenant.Config, filename string, preview bool) (*workflow.CurationResult, error)
	RemoveImage(ctx context.Context, cfg *tenant.Config, filename string, preview bool) (*workflow.CurationResult, error)
}

var (
	_ ConfigSource = (*tenant.Resolver)(nil)
	_ Runner       = (*workflow.Orchestrator)(nil)
)

// Options wires the server's collaborators.
type Options struct {
	Config  *config.App
	Tenants ConfigSource
	Runner  Runner
	Store   storage.Store
	Logger  *slog.Logger
}

// Server is the HTTP front of the runtime.
type Server struct {
	cfg      *config.App
	tenants  ConfigSource
	runner   Runner
	store    storage.Store
	log      *slog.Logger
	httpc    *http.Client
	sessions *sessionManager
	lists    *listCache
	randIntN func(int) int

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the server. The admin session manager is keyed off
// WEB_SESSION_SECRET; without it both login flows report unconfigured.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		tenants:  opts.Tenants,
		runner:   opts.Runner,
		store:    opts.Store,
		log:      opts.Logger,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		lists:    newListCache(),
		randIntN: rand.IntN,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.sessions = newSessionManager(
		opts.Config.Secrets.WebSessionSecret,
		opts.Config.Web.CookieTTLSeconds,
		opts.Config.Production())
	return s
}

// BuildMux creates and caches the route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.wrap("index", authNone, tenantNone, s.handleIndex))
	mux.HandleFunc("GET /health", s.wrap("health", authNone, tenantNone, s.handleHealth))

	mux.HandleFunc("GET /api/config/features", s.wrap("config_features", authNone, tenantRequired, s.handleConfigFeatures))
	mux.HandleFunc("GET /api/config/publishers", s.wrap("config_publishers", authNone, tenantRequired, s.handleConfigPublishers))

	mux.HandleFunc("GET /api/images/random", s.wrap("images_random", authViewer, tenantRequired, s.handleImageRandom))
	mux.HandleFunc("GET /api/images/list", s.wrap("images_list", authViewer, tenantRequired, s.handleImageList))
	mux.HandleFunc("GET /api/images/{filename}", s.wrap("images_get", authViewer, tenantRequired, s.handleImageGet))

	mux.HandleFunc("POST /api/images/{filename}/analyze", s.wrap("analyze", authAdmin, tenantRequired, s.handleImageAnalyze))
	mux.HandleFunc("POST /api/images/{filename}/publish", s.wrap("publish", authAdmin, tenantRequired, s.handleImagePublish))
	mux.HandleFunc("POST /api/images/{filename}/keep", s.wrap("keep", authAdmin, tenantRequired, s.handleImageKeep))
	mux.HandleFunc("POST /api/images/{filename}/remove", s.wrap("remove", authAdmin, tenantRequired, s.handleImageRemove))

	mux.HandleFunc("GET /auth/login", s.wrap("auth_login", authNone, tenantNone, s.handleAuthLogin))
	mux.HandleFunc("GET /auth/callback", s.wrap("auth_callback", authNone, tenantOptional, s.handleAuthCallback))
	mux.HandleFunc("GET /auth/logout", s.wrap("auth_logout", authNone, tenantNone, s.handleAuthLogout))

	mux.HandleFunc("POST /api/admin/login", s.wrap("admin_login", authNone, tenantOptional, s.handleAdminLogin))
	mux.HandleFunc("GET /api/admin/status", s.wrap("admin_status", authNone, tenantNone, s.handleAdminStatus))
	mux.HandleFunc("POST /api/admin/logout", s.wrap("admin_logout", authNone, tenantNone, s.handleAdminLogout))

	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is canceled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.ListenAddr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("web_listen", "addr", addr, "multi_tenant", s.cfg.MultiTenant())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

type authLevel int

const (
	authNone authLevel = iota
	authViewer
	authAdmin
)

type tenantMode int

const (
	tenantNone tenantMode = iota
	tenantRequired
	tenantOptional
)

// reqScope carries what the middleware chain resolved for one request.
type reqScope struct {
	tenant        *tenant.Config
	correlationID string
}

type handler func(w http.ResponseWriter, r *http.Request, rc *reqScope)

// wrap applies the request pipeline: correlation ID, host-to-tenant
// resolution, auth gate, then the handler, with one completion log per
// request whatever the outcome.
func (s *Server) wrap(endpoint string, level authLevel, mode tenantMode, fn handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := logging.StartTimer()

		correlationID := r.Header.Get("X-Request-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		ctx := logging.WithCorrelationID(r.Context(), correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-ID", correlationID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.log.InfoContext(ctx, "web_"+endpoint+"_ms",
				"elapsed_ms", timer.ElapsedMS(), "status", sw.status,
				"method", r.Method, "path", r.URL.Path)
		}()

		rc := &reqScope{correlationID: correlationID}
		switch mode {
		case tenantRequired:
			cfg, err := s.tenants.GetConfig(ctx, r.Host)
			if err != nil {
				s.writeError(ctx, sw, err)
				return
			}
			rc.tenant = cfg
		case tenantOptional:
			if cfg, err := s.tenants.GetConfig(ctx, r.Host); err == nil {
				rc.tenant = cfg
			} else {
				s.log.WarnContext(ctx, "web_tenant_resolve_failed", "error", err.Error())
			}
		}

		switch level {
		case authViewer:
			if !s.viewerAllowed(r) {
				writeDetail(sw, http.StatusUnauthorized, "unauthorized")
				return
			}
		case authAdmin:
			if _, ok := s.sessions.verify(r); !ok {
				writeDetail(sw, http.StatusUnauthorized, "admin session required")
				return
			}
		}

		fn(sw, r, rc)
	}
}

// statusWriter remembers the status code for the completion log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfigFeatures(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	writeJSON(w, http.StatusOK, rc.tenant.Features)
}

func (s *Server) handleConfigPublishers(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	writeJSON(w, http.StatusOK, rc.tenant.PublisherStatus())
}
