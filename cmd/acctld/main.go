// Package main is the entry point for acctld, the reverse-proxy
// server that fronts the Anthropic Messages API with a pool of OAuth
// accounts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/anthropic-accounts/internal/config"
	"github.com/opencode-ai/anthropic-accounts/internal/interceptor"
	"github.com/opencode-ai/anthropic-accounts/internal/oauth"
	"github.com/opencode-ai/anthropic-accounts/internal/pool"
	"github.com/opencode-ai/anthropic-accounts/internal/store"
	"github.com/opencode-ai/anthropic-accounts/internal/toast"
)

func main() {
	host := envOr("ANTHROPIC_ACCOUNTS_HOST", "127.0.0.1")
	port := config.ParseIntDefault(envOr("ANTHROPIC_ACCOUNTS_PORT", "8787"), 8787)
	storePath := envOr("ANTHROPIC_ACCOUNTS_STORE", defaultStorePath())
	configPath := os.Getenv("ANTHROPIC_ACCOUNTS_CONFIG")
	apiKey := os.Getenv("ANTHROPIC_ACCOUNTS_API_KEY")

	cfg := config.Load(configPath)
	logger := setupLogger(cfg)
	logger.Info("starting acctld",
		"host", host,
		"port", port,
		"store", storePath,
	)

	s := store.New(storePath)
	notifier := toast.NewConsoleNotifier(time.Duration(cfg.Toasts.DebounceSeconds)*time.Second, cfg.Toasts.Quiet)

	var fallback *pool.FallbackCredential
	if rt := os.Getenv("ANTHROPIC_ACCOUNTS_BOOTSTRAP_REFRESH_TOKEN"); rt != "" {
		fallback = &pool.FallbackCredential{
			RefreshToken: rt,
			AccessToken:  os.Getenv("ANTHROPIC_ACCOUNTS_BOOTSTRAP_ACCESS_TOKEN"),
			Email:        os.Getenv("ANTHROPIC_ACCOUNTS_BOOTSTRAP_EMAIL"),
		}
	}

	manager := pool.Load(s, cfg, notifier, fallback)

	oauthClient := oauth.NewClient(&http.Client{Timeout: 30 * time.Second})
	ic := interceptor.New(manager, oauthClient, &http.Client{Timeout: 0}, notifier, logger)
	ic.Debug = cfg.Debug

	validateAPIKey := func(key string) bool {
		if apiKey == "" {
			return true
		}
		return key == apiKey
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		accounts := manager.Accounts()
		enabled := manager.EnabledCount()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"healthy","accounts":{"total":%d,"enabled":%d}}`,
			len(accounts), enabled)
	})

	mux.HandleFunc("POST /v1/messages", proxyHandler(ic, logger))
	mux.HandleFunc("POST /v1/messages/count_tokens", proxyHandler(ic, logger))

	var httpHandler http.Handler = mux
	httpHandler = authMiddleware(validateAPIKey, logger)(httpHandler)
	httpHandler = loggingMiddleware(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	manager.SaveToDisk()

	logger.Info("server stopped")
}

// proxyHandler forwards the incoming request through the Interceptor
// and copies its response back verbatim, including any streamed body.
func proxyHandler(ic *interceptor.Interceptor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := ic.Do(r.Context(), r)
		if err != nil {
			logger.Error("interceptor error", "error", err, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = fmt.Fprintf(w, `{"type":"error","error":{"type":"api_error","message":"%s"}}`, err.Error())
			return
		}
		defer resp.Body.Close()

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)

		flusher, canFlush := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			}
			if rerr != nil {
				return
			}
		}
	}
}

// authMiddleware validates the caller's API key (when one is
// configured) before letting a request reach the proxy handlers,
// folding the teacher's pkg/middleware/auth.go into a local closure
// since this repo has no other consumer for a standalone package.
func authMiddleware(validate func(key string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("x-api-key")
			if apiKey == "" {
				if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
					apiKey = auth[7:]
				}
			}

			if apiKey == "" {
				logger.Warn("missing API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeAuthError(w, "Missing API key")
				return
			}
			if !validate(apiKey) {
				logger.Warn("invalid API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeAuthError(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"type":"error","error":{"type":"authentication_error","message":"%s"}}`, message)
}

// loggedResponseWriter wraps http.ResponseWriter to capture the
// status code and byte count for the completion log line, while
// still supporting http.Flusher for streamed responses.
type loggedResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *loggedResponseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *loggedResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *loggedResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs request start/completion with a per-request
// id, folding the teacher's pkg/middleware/logging.go into a local
// closure.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.New().String()

			wrapped := &loggedResponseWriter{ResponseWriter: w, status: http.StatusOK}

			logger.Info("request started",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			next.ServeHTTP(wrapped, r)

			logger.Info("request completed",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"size", wrapped.size,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultStorePath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "accounts.json"
	}
	return dir + "/.anthropic-accounts/accounts.json"
}

func setupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
