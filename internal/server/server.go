// Package server exposes the registration pipeline over HTTP.
//
// Routes:
//
//	GET  /healthz                     chain and ledger health (503 when unhealthy)
//	GET  /metrics                     Prometheus metrics
//	GET  /v1/ledger/{fingerprint}     one ledger entry
//	POST /v1/score                    score features, register if secure
//	POST /v1/register                 register a decision or precomputed fingerprints
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaboibarra/fraudchain/internal/app"
	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
	"github.com/gaboibarra/fraudchain/internal/ledger"
	"github.com/gaboibarra/fraudchain/internal/metrics"
	"github.com/gaboibarra/fraudchain/internal/registry"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to an assembled App.
type Server struct {
	app    *app.App
	logger *slog.Logger
	router chi.Router
}

// New creates the HTTP handler for a.
func New(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: a, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(api chi.Router) {
		api.Get("/ledger/{fingerprint}", s.handleLedgerGet)
		api.Post("/score", s.handleScore)
		api.Post("/register", s.handleRegister)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// In-flight registrations may be waiting on confirmation.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.app.Config.Submit.ConfirmationTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.app.Health(r.Context())
	if err != nil {
		s.logger.Warn("health check failed", "error", err)
	}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleLedgerGet(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.app.Ledger.Get(r.Context(), fp)
	if errors.Is(err, ledger.ErrNotFound) {
		writeErrorBody(w, r, http.StatusNotFound, "NOT_FOUND", "no ledger entry for "+fp.Hex())
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID(r),
		"entry":      entry,
	})
}

// ScoreRequest is the body of POST /v1/score.
type ScoreRequest struct {
	Features  map[string]float64 `json:"features"`
	Reference string             `json:"reference,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := readJSON(w, r, &req); err != nil {
		writeErrorBody(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if len(req.Features) == 0 {
		writeErrorBody(w, r, http.StatusBadRequest, string(failure.KindValidation), "features are required")
		return
	}

	ev, err := s.app.Service.Evaluate(r.Context(), req.Features, req.Reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID(r),
		"evaluation": ev,
	})
}

// RegisterRequest is the body of POST /v1/register. Either the fingerprint
// pair or Features and Threshold must be set.
type RegisterRequest struct {
	DecisionFingerprint  string `json:"decisionFingerprint,omitempty"`
	ReferenceFingerprint string `json:"referenceFingerprint,omitempty"`

	Features  map[string]float64 `json:"features,omitempty"`
	Threshold *float64           `json:"threshold,omitempty"`
	Reference string             `json:"reference,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := readJSON(w, r, &req); err != nil {
		writeErrorBody(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}

	var (
		res registry.Result
		err error
	)
	switch {
	case req.DecisionFingerprint != "":
		if req.Features != nil {
			writeErrorBody(w, r, http.StatusBadRequest, string(failure.KindValidation),
				"send either fingerprints or features, not both")
			return
		}
		res, err = s.app.Service.RegisterHex(r.Context(), req.DecisionFingerprint, req.ReferenceFingerprint)
	case req.Features != nil && req.Threshold != nil:
		res, err = s.app.Service.RegisterSecureDecision(r.Context(), registry.Decision{
			Features:  req.Features,
			Threshold: *req.Threshold,
			Reference: req.Reference,
		})
	default:
		writeErrorBody(w, r, http.StatusBadRequest, string(failure.KindValidation),
			"decisionFingerprint or features with threshold are required")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Skipped() {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"request_id": requestID(r),
		"result":     res,
	})
}

// StatusFor maps a pipeline failure to an HTTP status.
func StatusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindTransient, failure.KindConfirmationTimeout, failure.KindRetriesExhausted:
		return http.StatusServiceUnavailable
	case failure.KindReverted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := string(failure.KindOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r), "kind", code, "error", err)
	}

	var details map[string]any
	var fe *failure.Error
	if errors.As(err, &fe) && (fe.Attempts > 0 || fe.TxHash != "") {
		details = map[string]any{"attempts": fe.Attempts, "tx_hash": fe.TxHash}
	}
	writeErrorBodyDetails(w, r, status, code, err.Error(), details)
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorBodyDetails(w, r, status, code, message, nil)
}

func writeErrorBodyDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"request_id": requestID(r),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// requestID returns the chi request id, or a fresh one outside the middleware.
func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

// instrument records request counts and latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
