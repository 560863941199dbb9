// Package server exposes the orchestrator over the FleetLock HTTP protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/lease"
	"github.com/ocf/strand/pkg/lock"
	"github.com/ocf/strand/pkg/observability"
	"github.com/ocf/strand/pkg/orchestrator"
)

const (
	// RequestIDHeader echoes the id assigned to each request.
	RequestIDHeader = "X-Request-Id"

	PathPreReboot   = "/v1/pre-reboot"
	PathSteadyState = "/v1/steady-state"
	PathHealthz     = "/healthz"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Operations is the pair of FleetLock operations the server routes to.
// *orchestrator.Orchestrator satisfies it.
type Operations interface {
	PreReboot(ctx context.Context, req fleetlock.Request) (fleetlock.Response, error)
	SteadyState(ctx context.Context, req fleetlock.Request) (fleetlock.Response, error)
}

// Server is an http.Handler serving the FleetLock routes.
type Server struct {
	ops           Operations
	requireHeader bool
	reporter      orchestrator.Reporter
	newID         func() string
	now           func() time.Time
	mux           *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithReporter attaches an observability reporter.
func WithReporter(rep orchestrator.Reporter) Option {
	return func(s *Server) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

// WithRequireHeader toggles the fleet-lock-protocol header check.
func WithRequireHeader(require bool) Option {
	return func(s *Server) {
		s.requireHeader = require
	}
}

// WithRequestIDFunc overrides request id generation.
func WithRequestIDFunc(fn func() string) Option {
	return func(s *Server) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New builds a Server routing to ops.
func New(ops Operations, opts ...Option) (*Server, error) {
	if ops == nil {
		return nil, errors.New("server requires fleetlock operations")
	}
	s := &Server{
		ops:           ops,
		requireHeader: true,
		reporter:      orchestrator.NoopReporter{},
		newID:         func() string { return uuid.NewString() },
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+PathPreReboot, s.protocol(PathPreReboot, ops.PreReboot))
	mux.Handle("POST "+PathSteadyState, s.protocol(PathSteadyState, ops.SteadyState))
	mux.HandleFunc("GET "+PathHealthz, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return Serve(ctx, addr, s)
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type operation func(context.Context, fleetlock.Request) (fleetlock.Response, error)

func (s *Server) protocol(route string, op operation) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := s.newID()
		start := s.now()
		w.Header().Set(RequestIDHeader, requestID)

		var node string
		defer func() {
			if rec := recover(); rec != nil {
				s.reporter.RecordEvent(r.Context(), observability.Event{
					Level:   observability.LevelError,
					Node:    node,
					Event:   "handler_panic",
					Message: fmt.Sprint(rec),
					Fields: map[string]interface{}{
						"request_id": requestID,
						"route":      route,
						"stack":      string(debug.Stack()),
					},
				})
				resp := fleetlock.Response{Kind: fleetlock.KindErrUnknown, Value: "internal error"}
				writeResponse(w, http.StatusInternalServerError, resp)
				s.recordRequest(r.Context(), requestID, route, node, http.StatusInternalServerError, resp, s.now().Sub(start))
			}
		}()

		if s.requireHeader && !strings.EqualFold(strings.TrimSpace(r.Header.Get(fleetlock.HeaderName)), "true") {
			resp := fleetlock.Response{Kind: fleetlock.KindErrValue, Value: fmt.Sprintf("missing %s header", fleetlock.HeaderName)}
			writeResponse(w, http.StatusInternalServerError, resp)
			s.recordRequest(r.Context(), requestID, route, node, http.StatusInternalServerError, resp, s.now().Sub(start))
			return
		}

		var req fleetlock.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			resp := fleetlock.Response{Kind: fleetlock.KindErrValue, Value: fmt.Sprintf("invalid request body: %v", err)}
			writeResponse(w, http.StatusInternalServerError, resp)
			s.recordRequest(r.Context(), requestID, route, node, http.StatusInternalServerError, resp, s.now().Sub(start))
			return
		}
		node = req.ClientParams.ID

		// Client disconnects must not abort a half-run strategy sequence.
		ctx := context.WithoutCancel(r.Context())
		resp, err := op(ctx, req)
		status := http.StatusOK
		if err != nil {
			var kind string
			kind, status = Classify(err)
			resp = fleetlock.Response{Kind: kind, Value: err.Error()}
		}
		writeResponse(w, status, resp)
		s.recordRequest(ctx, requestID, route, node, status, resp, s.now().Sub(start))
	})
}

// Classify maps an orchestrator error onto a FleetLock kind and HTTP status.
func Classify(err error) (string, int) {
	var (
		held     *lock.HeldError
		denied   *orchestrator.DeniedError
		strat    *orchestrator.StrategyError
		value    *lock.ValueError
		upstream *lease.UpstreamError
	)
	switch {
	case errors.As(err, &held), errors.As(err, &denied):
		return fleetlock.KindErrLock, http.StatusNotFound
	case errors.As(err, &strat):
		return fleetlock.KindErrStrategy, http.StatusInternalServerError
	case errors.As(err, &value):
		return fleetlock.KindErrValue, http.StatusInternalServerError
	case errors.As(err, &upstream):
		return fleetlock.KindErrKubeAPI, http.StatusInternalServerError
	case errors.Is(err, orchestrator.ErrImpossible):
		return fleetlock.KindErrImpossible, http.StatusInternalServerError
	default:
		return fleetlock.KindErrUnknown, http.StatusInternalServerError
	}
}

func writeResponse(w http.ResponseWriter, status int, resp fleetlock.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) recordRequest(ctx context.Context, requestID, route, node string, status int, resp fleetlock.Response, duration time.Duration) {
	level := observability.LevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = observability.LevelError
	case status >= http.StatusBadRequest:
		level = observability.LevelWarn
	}

	labels := map[string]string{"route": route, "kind": resp.Kind}
	s.reporter.RecordMetric(observability.Metric{
		Name:        "requests_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of FleetLock requests grouped by route and response kind.",
	})
	s.reporter.RecordMetric(observability.Metric{
		Name:        "request_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"route": route},
		Description: "Duration of FleetLock requests.",
		Unit:        "seconds",
	})
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Node:    node,
		Event:   "request",
		Message: resp.Value,
		Fields: map[string]interface{}{
			"request_id":  requestID,
			"route":       route,
			"status":      status,
			"kind":        resp.Kind,
			"duration_ms": duration.Milliseconds(),
		},
	})
}
