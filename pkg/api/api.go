// Package api is the HTTP surface of a node: block CRUD, the query layer,
// streaming, human-interface projections, agent endpoints, and the federation
// well-known routes, behind CORS, per-IP rate limiting, a body cap, and an
// optional BASE_PATH prefix. Every response is JSON; failures use the
// {"error": msg} envelope with the status carrying the protocol error kind.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/agent"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/events"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/federation"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/observability"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/schema"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/trust"
)

// DefaultRateLimit is requests per IP per minute.
const DefaultRateLimit = 100

// Config assembles a Server. Store is required; nil collaborators disable
// their routes. A nil Metrics leaves the surface unmetered.
type Config struct {
	Store      store.Store
	Gate       *agent.Gate
	Validator  *schema.Validator
	Scorer     *trust.Scorer
	Hub        *events.SSEHub
	Federation *federation.Server
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	ServerName string
	BasePath   string
	// RateLimit is requests per IP per minute; zero disables limiting
	// (test mode).
	RateLimit int
}

// Server owns the HTTP routing and handlers.
type Server struct {
	store     store.Store
	gate      *agent.Gate
	validator *schema.Validator
	scorer    *trust.Scorer
	hub       *events.SSEHub
	fed       *federation.Server
	metrics   *observability.Metrics
	limiter   *RateLimiter
	logger    *slog.Logger
	name      string
	basePath  string
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     cfg.Store,
		gate:      cfg.Gate,
		validator: cfg.Validator,
		scorer:    cfg.Scorer,
		hub:       cfg.Hub,
		fed:       cfg.Federation,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "api"),
		name:      cfg.ServerName,
		basePath:  normalizeBasePath(cfg.BasePath),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}
	return s
}

// Routes builds the full handler chain. From the outside in: BASE_PATH
// stripping, CORS, the per-IP limiter, the 1 MiB body cap, request
// instrumentation, then the route mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /peers", s.handlePeers)

	mux.HandleFunc("POST /blocks", s.handleCreate)
	mux.HandleFunc("GET /blocks", s.handleList)
	mux.HandleFunc("GET /blocks/{hash}", s.handleGet)
	mux.HandleFunc("DELETE /blocks/{hash}", s.handleDelete)
	mux.HandleFunc("POST /blocks/batch", s.handleBatch)
	mux.HandleFunc("POST /batch", s.handleBatch)
	mux.HandleFunc("POST /fb", s.handleFB)

	mux.HandleFunc("GET /chain/{hash}", s.handleChain)
	mux.HandleFunc("GET /tree/{hash}", s.handleTree)
	mux.HandleFunc("GET /forward/{hash}", s.handleForward)
	mux.HandleFunc("GET /heads", s.handleHeads)
	mux.HandleFunc("GET /find", s.handleFind)
	mux.HandleFunc("GET /verify/{hash}", s.handleVerify)

	mux.HandleFunc("GET /types", s.handleTypes)
	mux.HandleFunc("GET /types/{type}", s.handleTypeSchema)
	mux.HandleFunc("POST /types/{type}", s.handleValidate)
	mux.HandleFunc("GET /trust/{hash}", s.handleTrust)

	mux.HandleFunc("GET /explain/{hash}", s.handleExplain)
	mux.HandleFunc("POST /parse-fbn", s.handleParseFBN)
	mux.HandleFunc("GET /format/{hash}", s.handleFormat)
	mux.HandleFunc("POST /resolve-uri", s.handleResolveURI)
	mux.HandleFunc("GET /uri/{hash}", s.handleURI)

	mux.HandleFunc("POST /agents/enroll", s.handleEnroll)
	mux.HandleFunc("GET /agents/{hash}/drafts", s.handleAgentDrafts)
	mux.HandleFunc("GET /drafts/{hash}", s.handleDraftStatus)

	if s.hub != nil {
		mux.Handle("GET /stream", s.hub)
	}
	if s.fed != nil {
		mux.HandleFunc("GET "+federation.WellKnownPath, s.fed.HandleDiscovery)
		mux.HandleFunc("POST "+federation.WellKnownPath+"/handshake", s.fed.HandleHandshake)
		mux.HandleFunc("POST "+federation.WellKnownPath+"/push", s.fed.HandlePush)
		mux.HandleFunc("POST "+federation.WellKnownPath+"/pull", s.fed.HandlePull)
		// Bare aliases for peers that skip the well-known prefix.
		mux.HandleFunc("POST /handshake", s.fed.HandleHandshake)
		mux.HandleFunc("POST /push", s.fed.HandlePush)
		mux.HandleFunc("POST /pull", s.fed.HandlePull)
	}

	// Bare OPTIONS probes that carry no preflight headers bypass the CORS
	// layer; answer them the same way it would.
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// JSON 404 for everything unmatched.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	var h http.Handler = mux
	h = s.instrument(h)
	h = maxBody(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = corsHandler(h)
	if s.basePath != "" {
		h = http.StripPrefix(s.basePath, h)
	}
	return h
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      s.name,
		"protocol":  "foodblock",
		"version":   foodblock.ProtocolVersion,
		"blocks":    stats.Blocks,
		"types":     stats.Types,
		"endpoints": endpointCatalog,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.store.Peers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if peers == nil {
		peers = []store.Peer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

// endpointCatalog is the discovery listing GET / returns.
var endpointCatalog = []string{
	"GET /health",
	"POST /blocks",
	"GET /blocks",
	"GET /blocks/{hash}",
	"DELETE /blocks/{hash}",
	"POST /blocks/batch",
	"POST /fb",
	"GET /chain/{hash}",
	"GET /tree/{hash}",
	"GET /forward/{hash}",
	"GET /heads",
	"GET /find",
	"GET /verify/{hash}",
	"GET /types",
	"GET /types/{type}",
	"POST /types/{type}",
	"GET /trust/{hash}",
	"GET /stream",
	"GET /explain/{hash}",
	"POST /parse-fbn",
	"GET /format/{hash}",
	"POST /resolve-uri",
	"GET /uri/{hash}",
	"POST /agents/enroll",
	"GET /agents/{hash}/drafts",
	"GET /drafts/{hash}",
	"GET /peers",
	"GET /.well-known/foodblock",
	"POST /.well-known/foodblock/handshake",
	"POST /.well-known/foodblock/push",
	"POST /.well-known/foodblock/pull",
}
