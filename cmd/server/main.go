// Package main implements the saqgo admin HTTP server: a read-only view of
// queue state plus retry/abort actions, adapted from the teacher's
// cmd/server/main.go middleware chain and from original_source/saq/web.py's
// route table.
//
// The server serves the single queue named by SAQ_QUEUE; the queue name is
// not part of the URL.
//
// API Endpoints:
//
//	GET  /api/queue                   - queue info (depths, live workers)
//	GET  /api/queue/jobs              - active+queued jobs (offset/limit query)
//	GET  /api/queue/jobs/{key}        - a single job's record
//	POST /api/queue/jobs/{key}/retry  - force a retry
//	POST /api/queue/jobs/{key}/abort  - request an abort
//
// Usage:
//
//	go run cmd/server/main.go
package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saqgo/saq/internal/config"
	"github.com/saqgo/saq/pkg/logger"
	"github.com/saqgo/saq/pkg/queue"
)

// authMiddleware enforces X-API-Key authentication when an API key is
// configured; in dev mode (empty key) it allows all requests.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS adds permissive CORS headers and short-circuits preflight
// requests, matching the teacher's dev-mode CORS policy.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func chain(apiKey string, h http.HandlerFunc) http.HandlerFunc {
	return enableCORS(authMiddleware(h, apiKey))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setupRouter wires every admin endpoint against the given queue.
func setupRouter(q *queue.Queue, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/queue", chain(apiKey, func(w http.ResponseWriter, r *http.Request) {
		info, err := q.GetInfo(r.Context(), false, 0, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}))

	mux.HandleFunc("/api/queue/jobs", chain(apiKey, func(w http.ResponseWriter, r *http.Request) {
		offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
		limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
		info, err := q.GetInfo(r.Context(), true, offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, info.Jobs)
	}))

	mux.HandleFunc("/api/queue/jobs/", chain(apiKey, func(w http.ResponseWriter, r *http.Request) {
		key, action, ok := splitJobPath(r.URL.Path)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			j, err := q.Job(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if j == nil {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, j)

		case action == "retry" && r.Method == http.MethodPost:
			j, err := q.Job(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if j == nil {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			// A forced retry still consumes an attempt slot, same as a
			// worker-triggered one (pkg/worker.Pool increments before
			// calling Retry; Retry itself no longer does).
			j.Attempts++
			if err := q.Retry(r.Context(), j, "retried via admin api"); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)

		case action == "abort" && r.Method == http.MethodPost:
			j, err := q.Job(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if j == nil {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			if err := q.Abort(r.Context(), j, "aborted via admin api", 10*time.Second); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	return mux
}

// splitJobPath parses "/api/queue/jobs/{key}" and "/api/queue/jobs/{key}/{action}".
func splitJobPath(path string) (key, action string, ok bool) {
	const prefix = "/api/queue/jobs/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}

func parseIntDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := queue.New(rdb, cfg.QueueName, queue.WithMaxConcurrentOps(cfg.MaxConcurrentOps))

	mux := setupRouter(q, cfg.APIKey)
	logger.Log.Info().Str("addr", cfg.APIAddr).Str("queue", cfg.QueueName).Msg("admin server listening")
	if err := http.ListenAndServe(cfg.APIAddr, mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("admin server stopped")
	}
}
