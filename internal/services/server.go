// Package services implements the HTTP API on top of the engine.
package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"hazardwatch/internal/auth"
	"hazardwatch/internal/camera"
	"hazardwatch/internal/database"
	"hazardwatch/internal/engine"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/report"
)

// Trigger runs one detection cycle on demand
type Trigger interface {
	Tick(ctx context.Context) (time.Duration, pipeline.Outcome)
}

// HistoryStore queries the persistent detection history
type HistoryStore interface {
	ListDetections(ctx context.Context, f database.HistoryFilter) ([]database.DetectionRecord, error)
}

// Reporter writes incident reports
type Reporter interface {
	Generate(ctx context.Context) report.Report
}

// Preview streams a live camera feed
type Preview interface {
	Serve(w http.ResponseWriter, r *http.Request, cameraID string) error
}

// HealthCheck reports the state of one dependency; a nil error means healthy
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the API serves. Engine and Authenticator are
// required; the rest may be nil and the matching endpoints answer 501.
type Deps struct {
	Engine        *engine.Engine
	Authenticator *auth.Authenticator
	Trigger       Trigger
	History       HistoryStore
	Reporter      Reporter
	Preview       Preview
	Metrics       http.Handler
	Events        http.Handler
	Checks        map[string]HealthCheck
}

// Server mounts the API routes
type Server struct {
	deps    Deps
	log     zerolog.Logger
	started time.Time
}

// NewServer creates the API server
func NewServer(deps Deps, log zerolog.Logger) *Server {
	return &Server{deps: deps, log: log, started: time.Now()}
}

// Mount registers every route on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodGet, "/health", s.health)
	mux.Handle(http.MethodPost, "/api/auth/login", s.login)

	mux.Handle(http.MethodGet, "/api/cameras", s.listCameras)
	mux.Handle(http.MethodPost, "/api/cameras", s.createCamera)
	mux.Handle(http.MethodPost, "/api/cameras/start-all", s.startAll)
	mux.Handle(http.MethodPost, "/api/cameras/stop-all", s.stopAll)
	mux.Handle(http.MethodGet, "/api/cameras/{id}", s.withID(mux, s.getCamera))
	mux.Handle(http.MethodPut, "/api/cameras/{id}", s.withID(mux, s.updateCamera))
	mux.Handle(http.MethodDelete, "/api/cameras/{id}", s.withID(mux, s.deleteCamera))
	mux.Handle(http.MethodPost, "/api/cameras/{id}/start", s.withID(mux, s.startCamera))
	mux.Handle(http.MethodPost, "/api/cameras/{id}/stop", s.withID(mux, s.stopCamera))
	mux.Handle(http.MethodGet, "/api/cameras/{id}/frame", s.withID(mux, s.cameraFrame))
	mux.Handle(http.MethodGet, "/api/cameras/{id}/stream", s.withID(mux, s.cameraStream))
	mux.Handle(http.MethodPut, "/api/view", s.setView)

	mux.Handle(http.MethodGet, "/api/detections", s.listDetections)
	mux.Handle(http.MethodDelete, "/api/detections", s.clearDetections)
	mux.Handle(http.MethodGet, "/api/detections/history", s.history)
	mux.Handle(http.MethodGet, "/api/safety", s.safety)
	mux.Handle(http.MethodPost, "/api/detect", s.detect)
	mux.Handle(http.MethodPost, "/api/report", s.report)

	if s.deps.Metrics != nil {
		mux.Handle(http.MethodGet, "/metrics", s.deps.Metrics.ServeHTTP)
	}
	if s.deps.Events != nil {
		mux.Handle(http.MethodGet, "/ws/events", s.deps.Events.ServeHTTP)
	}
}

// PublicPaths lists the routes served without a token
func PublicPaths() []string {
	return []string{"/health", "/metrics", "/api/auth/login"}
}

func (s *Server) withID(mux goahttp.Muxer, h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, mux.Vars(r)["id"])
	}
}

// APIError is the JSON error body
type APIError struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (s *Server) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := enc.Encode(v); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("failed to encode response")
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		return &badRequest{err}
	}
	return nil
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid request body: " + e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

// fail maps err to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, id string) {
	status := statusFor(err)
	body := APIError{Message: http.StatusText(status), Details: err.Error(), ID: id}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	s.encode(w, r, status, body)
}

func statusFor(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, camera.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrCapacityReached),
		errors.Is(err, camera.ErrNoHardware),
		errors.Is(err, camera.ErrNotLive):
		return http.StatusConflict
	case errors.Is(err, camera.ErrDeviceNotFound), errors.Is(err, camera.ErrConstraintsUnsatisfiable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAuthDisabled):
		return http.StatusUnauthorized
	case errors.Is(err, errNotAvailable):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var errNotAvailable = errors.New("not available in this deployment")

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
