package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// frameLogWriter logs complete NUL-delimited stream frames at debug level.
type frameLogWriter struct {
	buf   []byte
	model string
}

func (lw *frameLogWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, 0)
		if idx < 0 {
			break
		}
		if idx > 0 {
			zlog.Debug().Str("model", lw.model).RawJSON("frame", lw.buf[:idx]).Msg("stream>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("MODELWORKER_HTTP_LOG_LEVEL"))

// SetDefaultLogLevel overrides the level used when a request carries none.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logStart logs the beginning of a generate or chat call.
func logStart(r *http.Request, lvl LogLevel, msg, model string) {
	if lvl < LevelInfo {
		return
	}
	zlog.Info().Str("path", r.URL.Path).Str("model", model).
		Str("request_id", middleware.GetReqID(r.Context())).Msg(msg)
}

// logEnd logs the outcome of a call. Errors are logged from LevelError up.
func logEnd(r *http.Request, lvl LogLevel, msg string, status int, start time.Time, err error) {
	if lvl < LevelInfo && (err == nil || lvl < LevelError) {
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Error().Err(err)
	}
	ev.Int("status", status).Dur("dur", time.Since(start)).
		Str("request_id", middleware.GetReqID(r.Context())).Msg(msg)
}
