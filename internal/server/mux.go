// Package server provides HTTP server construction for vault-mirror.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	// APIKey is the bearer token required on /mcp.
	APIKey     string
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the router: an unauthenticated /healthz and the MCP
// endpoint behind bearer API key middleware.
func NewMux(cfg MuxConfig) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(Middleware(cfg.APIKey, cfg.Logger))
		r.Handle("/mcp", cfg.MCPHandler)
		r.Handle("/mcp/*", cfg.MCPHandler)
	})

	return r
}

// Middleware returns HTTP middleware that requires the given bearer API
// key. Keys are compared in constant time.
func Middleware(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
