// Package server is the HTTP surface of the verification engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/akl7777777/imei-intel/internal/callerkey"
	"github.com/akl7777777/imei-intel/internal/fraud"
	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/model"
	"github.com/akl7777777/imei-intel/internal/verify"
)

const maxBodyBytes = 64 << 10

// Verifier is the engine the handlers drive.
type Verifier interface {
	Verify(ctx context.Context, req model.VerificationRequest) (*model.VerificationResult, error)
	Stats(ctx context.Context) *model.StatsResponse
}

type Options struct {
	AuthKey  string // Bearer token, empty = no auth
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// Server is the HTTP server.
type Server struct {
	verifier Verifier
	keys     *callerkey.Resolver
	authKey  string
	gatherer prometheus.Gatherer
	log      logrus.FieldLogger
	router   chi.Router
}

func New(v Verifier, keys *callerkey.Resolver, opts Options) *Server {
	s := &Server{
		verifier: v,
		keys:     keys,
		authKey:  opts.AuthKey,
		gatherer: opts.Gatherer,
		log:      logger.Component(opts.Logger, "http"),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.keys == nil {
		s.keys = callerkey.NewResolver(callerkey.Options{Logger: opts.Logger})
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Use(s.auth)

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/stats", s.handleStats)
	r.Post("/api/v1/verify", s.handleVerifyPost)
	r.Get("/api/v1/verify/{imei}", s.handleVerifyGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Degraded")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth checks the bearer token. Health and metrics are open.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authKey == "" || r.URL.Path == "/api/v1/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			// No Bearer prefix, try raw value
			token = auth
		}
		if token != s.authKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}

// verifyBody accepts "imei" as an alias of "identifier".
type verifyBody struct {
	Identifier string     `json:"identifier"`
	IMEI       string     `json:"imei"`
	Mode       model.Mode `json:"mode"`
	TenantID   string     `json:"tenantId"`
}

func (s *Server) handleVerifyPost(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	id := body.Identifier
	if id == "" {
		id = body.IMEI
	}
	s.verify(w, r, id, body.Mode, body.TenantID)
}

func (s *Server) handleVerifyGet(w http.ResponseWriter, r *http.Request) {
	s.verify(w, r, chi.URLParam(r, "imei"), model.Mode(r.URL.Query().Get("mode")), r.URL.Query().Get("tenantId"))
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, id string, mode model.Mode, tenant string) {
	if tenant == "" {
		tenant = r.Header.Get("X-Tenant-ID")
	}
	tenant = strings.TrimSpace(tenant)

	req := model.VerificationRequest{
		Identifier: id,
		Mode:       model.Mode(strings.ToLower(strings.TrimSpace(string(mode)))),
		TenantID:   tenant,
		CallerKey:  s.keys.Key(r, tenant),
	}

	res, err := s.verifier.Verify(r.Context(), req)
	if err != nil {
		s.writeVerifyError(w, err)
		return
	}

	if res.RateLimitDegraded {
		w.Header().Set("X-RateLimit-Degraded", "true")
	}
	if decorate, _ := strconv.ParseBool(r.URL.Query().Get("decorate")); decorate {
		out := *res
		out.AI.Flags = fraud.Decorate(res.AI)
		res = &out
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeVerifyError(w http.ResponseWriter, err error) {
	var verr *verify.Error
	if !errors.As(err, &verr) {
		s.log.WithError(err).Error("unexpected verification error")
		writeError(w, http.StatusInternalServerError, string(verify.KindInternal), "internal error")
		return
	}

	status := verr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Warn("verification failed")
	}

	resp := &model.ErrorResponse{
		Error:    verr.Message,
		Kind:     string(verr.Kind),
		Code:     status,
		Attempts: verr.Attempts,
	}
	if secs := verr.RetryAfterSeconds(); secs > 0 {
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.verifier.Stats(ctx))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, &model.ErrorResponse{
		Error: msg,
		Kind:  kind,
		Code:  status,
	})
}
