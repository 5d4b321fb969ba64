// Package api is the hub's HTTP surface: the agent wire protocol and the
// dashboard endpoints. Handlers are thin; all semantics live in the core
// packages.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/homelabcmd/hub/pkg/actions"
	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/configpack"
	"github.com/homelabcmd/hub/pkg/heartbeat"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/sshexec"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/tokens"
	"github.com/homelabcmd/hub/pkg/vault"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server bundles the core components behind the router
type Server struct {
	store     storage.Store
	processor *heartbeat.Processor
	authority *tokens.Authority
	queue     *actions.Queue
	applier   *configpack.Applier
	loader    *configpack.Loader
	engine    *alerting.Engine
	exec      *sshexec.Executor
	vault     *vault.Vault

	// hubURL is the externally reachable base URL embedded in generated
	// agent configs
	hubURL string

	router chi.Router
}

// New creates the API server and mounts all routes
func New(store storage.Store, processor *heartbeat.Processor, authority *tokens.Authority, queue *actions.Queue, applier *configpack.Applier, loader *configpack.Loader, engine *alerting.Engine, exec *sshexec.Executor, v *vault.Vault, hubURL string) *Server {
	s := &Server{
		store:     store,
		processor: processor,
		authority: authority,
		queue:     queue,
		applier:   applier,
		loader:    loader,
		engine:    engine,
		exec:      exec,
		vault:     v,
		hubURL:    hubURL,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root http handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Agent wire protocol
	r.Route("/agents", func(r chi.Router) {
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/register", s.handleRegister)
	})

	// Dashboard API
	r.Route("/api", func(r chi.Router) {
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Delete("/", s.handleDeleteServer)
				r.Post("/pause", s.handlePauseServer)
				r.Post("/unpause", s.handleUnpauseServer)
				r.Post("/deactivate", s.handleDeactivateServer)
				r.Post("/test-ssh", s.handleTestSSH)
				r.Post("/packs/{packName}/apply", s.handleApplyPack)
				r.Post("/packs/{packName}/remove", s.handleRemovePack)
			})
		})

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", s.handleListActions)
			r.Post("/", s.handleCreateAction)
			r.Get("/{actionID}", s.handleGetAction)
			r.Post("/{actionID}/approve", s.handleApproveAction)
			r.Post("/{actionID}/reject", s.handleRejectAction)
			r.Post("/{actionID}/cancel", s.handleCancelAction)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/{alertID}/acknowledge", s.handleAcknowledgeAlert)
			r.Post("/{alertID}/resolve", s.handleResolveAlert)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", s.handleListTokens)
			r.Post("/", s.handleCreateToken)
			r.Delete("/{tokenID}", s.handleRevokeToken)
		})

		r.Route("/packs", func(r chi.Router) {
			r.Get("/", s.handleListPacks)
			r.Get("/{packName}/preview", s.handlePreviewPack)
		})

		r.Get("/applies/{applyID}", s.handleGetApply)

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.handlePutCredential)
			r.Delete("/{credType}", s.handleDeleteCredential)
		})
	})

	return r
}

// requestLogger logs each request at debug with method, path, and duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
