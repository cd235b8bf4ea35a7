package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/anticheat"
	"github.com/hollowpoint-games/warden/internal/metrics"
	"github.com/hollowpoint-games/warden/internal/ratelimit"
)

// StatsProvider exposes a component's aggregate statistics under a name
// on the stats endpoint.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Config defines admin API server configuration.
type Config struct {
	ListenAddr   string   `yaml:"listen_addr"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8081"
	}
}

// Response is the envelope for every JSON reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server is the operator-facing HTTP surface: health, stats, metrics
// scrape, and manual pardons. It is meant to listen on an internal
// address, never the player-facing one.
type Server struct {
	logger  *zap.Logger
	config  Config
	metrics *metrics.Metrics

	limiter   *ratelimit.Limiter
	anticheat *anticheat.Controller
	providers map[string]StatsProvider

	router  *mux.Router
	server  *http.Server
	started time.Time
}

// NewServer creates the admin API server. The providers map names each
// component on the stats endpoint.
func NewServer(
	logger *zap.Logger,
	config Config,
	m *metrics.Metrics,
	limiter *ratelimit.Limiter,
	ac *anticheat.Controller,
	providers map[string]StatsProvider,
) *Server {
	config.ApplyDefaults()

	s := &Server{
		logger:    logger,
		config:    config,
		metrics:   m,
		limiter:   limiter,
		anticheat: ac,
		providers: providers,
		started:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// Start begins serving. Listen errors surface through the logger since
// the server runs on its own goroutine.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting admin api", zap.String("listen_addr", s.config.ListenAddr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin api error", zap.Error(err))
		}
	}()
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin api")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, for tests and embedded serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/bans", s.handleBans).Methods("GET")
	api.HandleFunc("/players/{id}/score", s.handlePlayerScore).Methods("GET")
	api.HandleFunc("/pardon", s.handlePardon).Methods("POST")
}

// Middleware

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in admin handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				s.sendJSON(w, http.StatusInternalServerError, Response{
					Success: false,
					Error:   "internal server error",
					Time:    time.Now(),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.config.AllowOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status":  "ok",
			"started": humanize.Time(s.started),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"uptime":         humanize.Time(s.started),
	}
	for name, provider := range s.providers {
		data[name] = provider.Stats()
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    data,
		Time:    time.Now(),
	})
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"behavior_bans": s.anticheat.Bans().ActiveCount(),
			"ip_bans":       s.limiter.IPBans().Count(),
		},
		Time: time.Now(),
	})
}

func (s *Server) handlePlayerScore(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["id"]

	score, ok := s.anticheat.PlayerScore(playerID)
	if !ok {
		s.sendJSON(w, http.StatusNotFound, Response{
			Success: false,
			Error:   "player not tracked",
			Time:    time.Now(),
		})
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    score,
		Time:    time.Now(),
	})
}

type pardonRequest struct {
	Subject string `json:"subject"`
	Scope   string `json:"scope"` // "player" or "ip"
}

// handlePardon lifts an active ban. IP-scope pardons clear both the
// rate-limit registry and the behavioral ban namespace for the address.
func (s *Server) handlePardon(w http.ResponseWriter, r *http.Request) {
	var req pardonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid request body",
			Time:    time.Now(),
		})
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		s.sendJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   "subject is required",
			Time:    time.Now(),
		})
		return
	}

	var lifted bool
	switch req.Scope {
	case "ip":
		lifted = s.limiter.IPBans().Pardon(req.Subject)
		if s.anticheat.Pardon(anticheat.IPSubject(req.Subject)) {
			lifted = true
		}
	case "player":
		lifted = s.anticheat.Pardon(req.Subject)
	default:
		s.sendJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   "scope must be \"player\" or \"ip\"",
			Time:    time.Now(),
		})
		return
	}

	if !lifted {
		s.sendJSON(w, http.StatusNotFound, Response{
			Success: false,
			Error:   "no active ban for subject",
			Time:    time.Now(),
		})
		return
	}

	s.logger.Info("ban pardoned",
		zap.String("subject", req.Subject),
		zap.String("scope", req.Scope),
	)

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"subject": req.Subject, "scope": req.Scope},
		Time:    time.Now(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
