package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"modelworker/internal/tracing"
	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

// mountWorker registers the worker protocol consumed by worker.RemoteWorker.
func mountWorker(r chi.Router, svc Service) {
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.Models()})
	})

	r.Post("/generate_stream", inflight("/api/worker/generate_stream", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeModelRequest(w, r)
		if !ok {
			return
		}
		lvl := requestLogLevel(r)
		start := time.Now()
		logStart(r, lvl, "generate_stream start", req.Model)
		ctx, cancel := requestContext(r)
		defer cancel()

		s, err := svc.GenerateStream(ctx, req)
		if err != nil {
			logEnd(r, lvl, "generate_stream end", writeServiceError(w, err), start, err)
			return
		}
		defer s.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		out := io.Writer(w)
		if lvl >= LevelDebug {
			out = io.MultiWriter(w, &frameLogWriter{model: req.Model})
		}
		flusher, _ := w.(http.Flusher)
		frames := 0
		for {
			o, err := s.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					// Client went away or the server is shutting down.
					logEnd(r, lvl, "generate_stream canceled", http.StatusOK, start, ctx.Err())
					return
				}
				o = types.ErrorOutput(err.Error())
			}
			if werr := writeFrame(out, o); werr != nil {
				logEnd(r, lvl, "generate_stream write", http.StatusOK, start, werr)
				return
			}
			frames++
			if flusher != nil {
				flusher.Flush()
			}
			if err != nil {
				break
			}
		}
		if lvl >= LevelInfo {
			zlog.Info().Int("frames", frames).Str("model", req.Model).Msg("generate_stream frames")
		}
		logEnd(r, lvl, "generate_stream end", http.StatusOK, start, nil)
	}))

	r.Post("/generate", inflight("/api/worker/generate", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeModelRequest(w, r)
		if !ok {
			return
		}
		lvl := requestLogLevel(r)
		start := time.Now()
		logStart(r, lvl, "generate start", req.Model)
		ctx, cancel := requestContext(r)
		defer cancel()
		out, err := svc.Generate(ctx, req)
		if err != nil {
			logEnd(r, lvl, "generate end", writeServiceError(w, err), start, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		logEnd(r, lvl, "generate end", http.StatusOK, start, nil)
	}))

	r.Post("/count_token", func(w http.ResponseWriter, r *http.Request) {
		var req types.CountTokenRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		n, err := svc.CountToken(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	})

	r.Post("/model_metadata", func(w http.ResponseWriter, r *http.Request) {
		var req types.ModelMetadataRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		md, err := svc.ModelMetadata(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, md)
	})

	r.Post("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req types.EmbeddingsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Input) == 0 {
			writeJSONError(w, http.StatusBadRequest, "input is required")
			return
		}
		ctx, cancel := requestContext(r)
		defer cancel()
		vecs, err := svc.Embeddings(ctx, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, vecs)
	})
}

// decodeModelRequest decodes and validates a generate body. The span id header
// fills SpanID when the body carries none.
func decodeModelRequest(w http.ResponseWriter, r *http.Request) (types.ModelRequest, bool) {
	var req types.ModelRequest
	if !decodeJSON(w, r, &req) {
		return req, false
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return req, false
	}
	if req.SpanID == "" {
		req.SpanID = strings.TrimSpace(r.Header.Get(tracing.SpanIDHeader))
	}
	return req, true
}

// writeFrame writes one NUL-terminated JSON ModelOutput.
func writeFrame(w io.Writer, o *types.ModelOutput) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, worker.FrameDelimiter))
	return err
}
