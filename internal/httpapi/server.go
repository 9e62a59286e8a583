package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veighnsche/inferd/internal/daemon"
	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Query(ctx context.Context, req types.QueryRequest) (types.QueryResult, error)
	Status() types.StatusResponse
	ListModels() []types.Model
	Reload(ctx context.Context, req types.ReloadRequest) (types.ReloadResponse, error)
	Ready() bool
	Subscribe(buffer int) (<-chan pool.Event, func())
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: svc.ListModels()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
	})

	r.Post("/query", queryHandler(svc))
	r.Post("/reload", reloadHandler(svc))
	r.Get("/events", EventsHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// queryHandler runs one blocking inference exchange: decode, borrow a worker
// through the service, answer with the completed result. Admission
// backpressure surfaces as 429 with the pool counters in the payload.
func queryHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		// Limit body size (configurable, default 1MiB)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		lvl := requestLogLevel(r)
		start := time.Now()
		if lvl >= LevelInfo {
			if zlog != nil {
				z := zlog.Info().Str("path", r.URL.Path).Int("prompt_bytes", len(req.Prompt))
				if rid := middleware.GetReqID(r.Context()); rid != "" {
					z = z.Str("request_id", rid)
				}
				z.Msg("query start")
			} else {
				log.Printf("query start path=%s prompt_bytes=%d", r.URL.Path, len(req.Prompt))
			}
		}

		// Join server base context with request context so shutdown cancels
		// in-flight exchanges too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if d := queryTimeoutDuration(); d > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, d)
			defer tcancel()
		}

		res, err := svc.Query(ctx, req)
		if err != nil {
			// Client disconnect or server shutdown: nothing useful to write.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				logQueryEnd(r, lvl, 499, start, err)
				return
			}
			status := queryErrorStatus(err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("pool_exhausted")
				if occ, ok := pool.ExhaustedOccupancy(err); ok {
					writeJSONErrorPool(w, status, err.Error(), occ)
					logQueryEnd(r, lvl, status, start, err)
					return
				}
			}
			writeJSONError(w, status, err.Error())
			logQueryEnd(r, lvl, status, start, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logQueryEnd(r, lvl, http.StatusInternalServerError, start, err)
			return
		}
		logQueryEnd(r, lvl, http.StatusOK, start, nil)
		if lvl >= LevelDebug {
			if zlog != nil {
				zlog.Debug().Int("output_bytes", len(res.Text)).Bool("truncated", res.Truncated).Str("worker_id", res.WorkerID).Msg("query result")
			} else {
				log.Printf("query> %s", res.Text)
			}
		}
	}
}

// queryErrorStatus maps well-known pool errors to HTTP status codes.
func queryErrorStatus(err error) int {
	switch {
	case pool.IsExhausted(err):
		return http.StatusTooManyRequests
	case pool.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case pool.IsProcessFailure(err):
		return http.StatusBadGateway
	case pool.IsStartup(err), errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	case pool.IsInvalidConfig(err):
		return http.StatusBadRequest
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func logQueryEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("query end")
		return
	}
	if err != nil {
		log.Printf("query end status=%d dur=%s err=%v", status, time.Since(start), err)
	} else {
		log.Printf("query end status=%d dur=%s", status, time.Since(start))
	}
}

// reloadHandler hot-swaps the fleet onto a new model. Exactly one reload may
// run at a time; concurrent attempts get 409.
func reloadHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.ReloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Model) == "" && strings.TrimSpace(req.Executable) == "" {
			writeJSONError(w, http.StatusBadRequest, "model or executable is required")
			return
		}

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		res, err := svc.Reload(ctx, req)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			switch {
			case errors.Is(err, pool.ErrReloadInProgress):
				writeJSONError(w, http.StatusConflict, err.Error())
			case daemon.IsModelNotFound(err):
				writeJSONError(w, http.StatusNotFound, err.Error())
			case pool.IsInvalidConfig(err):
				writeJSONError(w, http.StatusBadRequest, err.Error())
			case pool.IsStartup(err), errors.Is(err, pool.ErrClosed):
				writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			default:
				writeJSONError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
	}
}
