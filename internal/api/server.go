// Package api assembles the HTTP surface: the route table with its
// per-route budgets and timeouts, the middleware stack, and server
// lifecycle. Handler logic lives in internal/handlers.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/handlers"
	"github.com/grantly/backend/internal/middleware"
	"github.com/grantly/backend/internal/monitoring"
	"github.com/grantly/backend/internal/notify"
	"github.com/grantly/backend/internal/websocket"
)

// ServiceName labels health payloads and log lines.
const ServiceName = "grantly-backend"

// Per-route handler deadlines. Reads are quick lookups; mutations touch
// quota rows and the queue; the generate admission window matches the
// hard job timeout so a queued task is never older than its run budget.
const (
	readTimeout     = 30 * time.Second
	mutateTimeout   = 60 * time.Second
	generateTimeout = 10 * time.Minute
)

// Store is the full database surface the route table serves from.
type Store interface {
	handlers.GrantStore
	handlers.ApplicationStore
	handlers.ProfileStore
	handlers.APIKeyStore
	handlers.AccountStore
}

// Deps carries everything the route table wires together. main builds the
// real set; tests substitute fakes behind the same interfaces.
type Deps struct {
	Config      *config.Config
	Store       Store
	Coordinator handlers.SearchCoordinator
	Generator   handlers.DraftGenerator
	Indexer     handlers.ProfileIndexer
	Queue       handlers.JobQueue
	Monitor     handlers.HealthMonitor
	Breakers    *circuitbreaker.ServiceBreakers
	Metrics     *monitoring.Metrics
	Limiter     *middleware.RateLimiter
	Auth        *auth.Authenticator
	Keys        *auth.KeyManager
	Dispatcher  handlers.RunSummaryDeliverer
	Progress    *websocket.ProgressStreamer
	Documents   handlers.DocumentService
	Vectors     handlers.NamespaceDeleter
	Events      events.Emitter
	Version     string
}

// Server owns the HTTP listener.
type Server struct {
	Deps

	httpServer *http.Server
	logger     *log.Logger
	startedAt  time.Time
}

func NewServer(deps Deps) *Server {
	return &Server{
		Deps:      deps,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt: time.Now(),
	}
}

// Handler is the full stack Start serves. CORS sits outside the router so
// preflight OPTIONS requests are answered even when no route matches the
// method.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(s.Router(),
		middleware.CORS(s.Config.Server.CORSAllowOrigins),
	)
}

// Router builds the route table.
//
// Layering, outermost first: Observe (request log + metrics), then
// per-subtree auth, then per-route rate limit and timeout. The limiter
// runs after auth so budgets key on the user, not the source address.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Observe(s.Metrics))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apperr.WriteError(w, r, apperr.NotFound("route"))
	})

	// Ops surface: open and unmetered so probes and scrapers never queue
	// behind user traffic.
	r.HandleFunc("/health", handlers.HandleHealth(ServiceName, s.Version)).Methods(http.MethodGet)
	r.HandleFunc("/health/readiness", handlers.HandleReadiness(s.Breakers.Database)).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", handlers.HandleDetailedHealth(s.Monitor)).Methods(http.MethodGet)
	r.HandleFunc("/health/circuit-breakers", handlers.HandleBreakerStats(s.Breakers.Manager())).Methods(http.MethodGet)
	r.HandleFunc("/health/recovery-stats", handlers.HandleRecoveryStats(s.Monitor)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/system/info",
		handlers.HandleSystemInfo(ServiceName, s.Version, s.Config.Server.Env, s.startedAt)).Methods(http.MethodGet)

	// Queue callbacks authenticate with the shared task token, never user
	// credentials.
	r.Handle("/internal/tasks/run-summary", middleware.Chain(
		handlers.HandleRunSummaryTask(s.Dispatcher),
		middleware.RequireTaskToken(notify.TaskTokenHeader, s.Config.Auth.TaskToken),
		middleware.WithTimeout(mutateTimeout),
	)).Methods(http.MethodPost)

	// Everything below requires a bearer token or service API key.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Authenticate(s.Auth))

	api.Handle("/grants",
		s.guard(handlers.HandleListGrants(s.Store), "grants_list", middleware.PerMinute(30), readTimeout)).
		Methods(http.MethodGet)
	api.Handle("/grants/search",
		s.guard(handlers.HandleSearchGrants(s.Store), "grants_search", middleware.PerMinute(30), readTimeout)).
		Methods(http.MethodPost)
	api.Handle("/grants/{id}",
		s.guard(handlers.HandleGetGrant(s.Store), "grant_get", middleware.PerMinute(60), readTimeout)).
		Methods(http.MethodGet)

	api.Handle("/system/run-search",
		s.guard(handlers.HandleRunSearch(s.Coordinator, s.Breakers.LLM), "run_search", middleware.PerHour(5), mutateTimeout)).
		Methods(http.MethodPost)
	// The stream outlives any sane request deadline and meters itself.
	api.HandleFunc("/system/search-progress/{run_id}", s.Progress.HandleProgress).Methods(http.MethodGet)

	api.Handle("/applications/generate",
		s.guard(handlers.HandleGenerateApplication(s.Store, s.Generator, s.Queue, s.Config.LLM.Model),
			"generate", middleware.PerHour(10), generateTimeout)).
		Methods(http.MethodPost)
	api.Handle("/applications/status/{task_id}",
		s.guard(handlers.HandleApplicationStatus(s.Store), "application_status", middleware.PerMinute(60), readTimeout)).
		Methods(http.MethodGet)
	api.Handle("/applications/feedback",
		s.guard(handlers.HandleSubmitFeedback(s.Store), "feedback", middleware.PerHour(30), mutateTimeout)).
		Methods(http.MethodPost)
	api.Handle("/applications/feedback",
		s.guard(handlers.HandleListFeedback(s.Store), "feedback_list", middleware.PerMinute(60), readTimeout)).
		Methods(http.MethodGet)

	// GET and PUT share the 20/hour profile budget.
	api.Handle("/business-profile",
		s.guard(handlers.HandleGetProfile(s.Store), "profile", middleware.PerHour(20), readTimeout)).
		Methods(http.MethodGet)
	api.Handle("/business-profile",
		s.guard(handlers.HandleUpsertProfile(s.Store, s.Indexer), "profile", middleware.PerHour(20), mutateTimeout)).
		Methods(http.MethodPut)
	api.Handle("/business-profile/documents",
		s.guard(handlers.HandleUploadDocument(s.Documents), "profile_documents", middleware.PerHour(10), mutateTimeout)).
		Methods(http.MethodPost)
	api.Handle("/business-profile/documents",
		s.guard(handlers.HandleListDocuments(s.Documents), "profile_documents_list", middleware.PerMinute(60), readTimeout)).
		Methods(http.MethodGet)

	api.Handle("/account",
		s.guard(handlers.HandleDeleteAccount(s.Store, s.Vectors, s.Events), "account_delete", middleware.PerHour(2), mutateTimeout)).
		Methods(http.MethodDelete)
	api.Handle("/account/api-keys",
		s.guard(handlers.HandleCreateAPIKey(s.Keys), "api_keys", middleware.PerHour(10), mutateTimeout)).
		Methods(http.MethodPost)
	api.Handle("/account/api-keys",
		s.guard(handlers.HandleListAPIKeys(s.Store), "api_keys_list", middleware.PerMinute(60), readTimeout)).
		Methods(http.MethodGet)
	api.Handle("/account/api-keys/{key_id}",
		s.guard(handlers.HandleRevokeAPIKey(s.Store), "api_keys", middleware.PerHour(10), mutateTimeout)).
		Methods(http.MethodDelete)

	return r
}

func (s *Server) guard(h http.Handler, route string, budget middleware.Budget, timeout time.Duration) http.Handler {
	return middleware.Chain(h,
		s.Limiter.Limit(route, budget),
		middleware.WithTimeout(timeout),
	)
}

// Start serves until the listener closes. ErrServerClosed (the shutdown
// path) is not an error.
func (s *Server) Start() error {
	addr := ":" + s.Config.Server.Port
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Per-route context deadlines do the real bounding; these only
		// backstop the generation window and hijacked streams.
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	s.logger.Printf("🚀 %s listening on %s (env: %s)", ServiceName, addr, s.Config.Server.Env)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Printf("🔌 draining http server")
	return s.httpServer.Shutdown(ctx)
}
