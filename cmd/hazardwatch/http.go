package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"hazardwatch/internal/auth"
	authmw "hazardwatch/internal/middleware"
	"hazardwatch/internal/services"
)

var errServer = errors.New("http server failed")

// handleHTTPServer configures and starts the HTTP server on addr. It shuts
// the server down once ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, api *services.Server, authenticator *auth.Authenticator, wg *sync.WaitGroup, errc chan error, log zerolog.Logger, debug bool) {
	mux := goahttp.NewMuxer()
	api.Mount(mux)

	// Wrapped innermost first; the request id is assigned before anything logs.
	var handler http.Handler = mux
	if debug {
		handler = skipUpgrades(httpmdlwr.Debug(mux, os.Stdout)(handler), handler)
	}
	handler = authmw.AuthMiddleware(authenticator, services.PublicPaths()...)(handler)
	handler = accessLog(log)(handler)
	handler = httpmdlwr.RequestID()(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Info().Str("addr", addr).Bool("auth", authenticator.IsEnabled()).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%w: %v", errServer, err)
			}
		}()

		<-ctx.Done()
		log.Info().Str("addr", addr).Msg("shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown")
		}
	}()
}

// skipUpgrades routes websocket upgrades around wrappers that buffer the
// response.
func skipUpgrades(wrapped, plain http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			plain.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// accessLog logs one line per request with the goa request id.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			id, _ := r.Context().Value(middleware.RequestIDKey).(string)
			lvl := zerolog.DebugLevel
			if rec.status >= http.StatusInternalServerError {
				lvl = zerolog.WarnLevel
			}
			log.WithLevel(lvl).
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Int("bytes", rec.bytes).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
