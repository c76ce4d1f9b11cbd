// Package httpapi serves the worker protocol, the chat API and operational
// endpoints over chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelworker/internal/chat"
	"modelworker/internal/manager"
	"modelworker/internal/message"
	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

// Service defines the worker operations served under /api/worker.
type Service interface {
	Models() []types.ModelInfo
	Status() types.StatusResponse
	Ready() bool
	GenerateStream(ctx context.Context, req types.ModelRequest) (worker.Stream, error)
	Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error)
	CountToken(ctx context.Context, req types.CountTokenRequest) (int, error)
	ModelMetadata(ctx context.Context, req types.ModelMetadataRequest) (types.ModelMetadata, error)
	Embeddings(ctx context.Context, req types.EmbeddingsRequest) ([][]float64, error)
}

// Admin is implemented by services that manage worker lifecycles. The admin routes
// are only mounted when the Service implements it.
type Admin interface {
	Preload(name string) (string, error)
	Switch(name string) (string, error)
	Unload(name string) error
	SanityCheck() manager.SanityReport
}

// ChatService runs chat rounds.
type ChatService interface {
	StreamCall(ctx context.Context, p chat.ChatParam, emit func(view string) error) error
	NoStreamCall(ctx context.Context, p chat.ChatParam) (chat.Result, error)
	History(ctx context.Context, convUID string) ([]message.Message, error)
	DeleteHistory(ctx context.Context, convUID string) error
}

// NewMux builds the HTTP handler. chatSvc may be nil on pure worker nodes.
func NewMux(svc Service, chatSvc ChatService) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/worker", func(r chi.Router) {
		mountWorker(r, svc)
		if admin, ok := svc.(Admin); ok {
			mountAdmin(r, admin)
		}
	})
	if admin, ok := svc.(Admin); ok {
		r.Get("/sanity", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, admin.SanityCheck())
		})
	}
	if chatSvc != nil {
		r.Route("/api/v1/chat", func(r chi.Router) { mountChat(r, chatSvc) })
	}

	MountSwagger(r)
	return r
}

func mountAdmin(r chi.Router, admin Admin) {
	r.Post("/models/{model}/load", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "model")
		op, err := admin.Preload(name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.OpResponse{OpID: op, Model: name})
	})
	r.Post("/models/{model}/switch", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "model")
		op, err := admin.Switch(name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.OpResponse{OpID: op, Model: name})
	})
	r.Post("/models/{model}/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := admin.Unload(chi.URLParam(r, "model")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("encode response")
	}
}

// decodeJSON checks the content type, limits the body and decodes it into v. On
// failure it writes the error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "application/json" {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
