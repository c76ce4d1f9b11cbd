package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"modelworker/internal/chat"
	"modelworker/pkg/types"
)

// mountChat registers the chat API.
func mountChat(r chi.Router, svc ChatService) {
	r.Post("/completions", inflight("/api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var p chat.ChatParam
		if !decodeJSON(w, r, &p) {
			return
		}
		if strings.TrimSpace(p.ChatSessionID) == "" {
			p.ChatSessionID = uuid.NewString()
		}
		if p.ChatMode == "" {
			p.ChatMode = chat.ChatNormal
		}
		if p.Stream {
			streamChat(w, r, svc, p)
			return
		}
		lvl := requestLogLevel(r)
		start := time.Now()
		logStart(r, lvl, "chat start", p.ModelName)
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		res, err := svc.NoStreamCall(ctx, p)
		var ce *chat.ContextAppError
		switch {
		case err == nil:
			observeChatRound(p.ChatMode, false, "ok")
			writeJSON(w, http.StatusOK, types.ChatCompletionResponse{ConvUID: p.ChatSessionID, Text: res.Text, View: res.View, Success: true})
			logEnd(r, lvl, "chat end", http.StatusOK, start, nil)
		case errors.As(err, &ce):
			// The model answered with an error; the red view is the reply.
			observeChatRound(p.ChatMode, false, "model_error")
			writeJSON(w, http.StatusOK, types.ChatCompletionResponse{ConvUID: p.ChatSessionID, View: res.View})
			logEnd(r, lvl, "chat end", http.StatusOK, start, err)
		default:
			observeChatRound(p.ChatMode, false, "error")
			logEnd(r, lvl, "chat end", writeServiceError(w, err), start, err)
		}
	}))

	r.Get("/history/{conv_uid}", func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "conv_uid")
		msgs, err := svc.History(r.Context(), uid)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := types.ChatHistoryResponse{ConvUID: uid, Messages: make([]types.ChatHistoryMessage, 0, len(msgs))}
		for _, m := range msgs {
			resp.Messages = append(resp.Messages, types.ChatHistoryMessage{
				Type: string(m.Type), Content: m.Content, Index: m.Index, RoundIndex: m.RoundIndex,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Delete("/history/{conv_uid}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteHistory(r.Context(), chi.URLParam(r, "conv_uid")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// streamChat answers with server-sent events, one data line per view string. Errors
// raised before the first event get a JSON error response instead.
func streamChat(w http.ResponseWriter, r *http.Request, svc ChatService, p chat.ChatParam) {
	lvl := requestLogLevel(r)
	start := time.Now()
	logStart(r, lvl, "chat stream start", p.ModelName)
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()

	flusher, _ := w.(http.Flusher)
	started := false
	emit := func(view string) error {
		if !started {
			started = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Conv-Uid", p.ChatSessionID)
			w.WriteHeader(http.StatusOK)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", view); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := svc.StreamCall(ctx, p, emit)
	switch {
	case err == nil:
		observeChatRound(p.ChatMode, true, "ok")
		if !started {
			w.Header().Set("X-Conv-Uid", p.ChatSessionID)
			w.WriteHeader(http.StatusOK)
		}
		logEnd(r, lvl, "chat stream end", http.StatusOK, start, nil)
	case started:
		observeChatRound(p.ChatMode, true, "error")
		if ctx.Err() == nil {
			_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", strings.ReplaceAll(err.Error(), "\n", `\n`))
		}
		logEnd(r, lvl, "chat stream end", http.StatusOK, start, err)
	default:
		observeChatRound(p.ChatMode, true, "error")
		logEnd(r, lvl, "chat stream end", writeServiceError(w, err), start, err)
	}
}
