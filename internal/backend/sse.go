package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"modelworker/pkg/types"
)

// completionChoice is one choice of a llama-server /v1/completions chunk.
type completionChoice struct {
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type streamChunk struct {
	Choices []completionChoice `json:"choices"`
	Usage   *types.Usage       `json:"usage"`
	// llama-server native fields
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// thinkWriter forwards reasoning deltas wrapped in <think> tags so downstream
// splitting works the same for every runtime.
type thinkWriter struct {
	onToken  func(string) error
	inThink  bool
	answered bool
	buf      strings.Builder
}

func (w *thinkWriter) reasoning(s string) error {
	if s == "" {
		return nil
	}
	if !w.inThink && !w.answered {
		w.inThink = true
		s = "<think>" + s
	}
	return w.emit(s)
}

func (w *thinkWriter) content(s string) error {
	if s == "" {
		return nil
	}
	if w.inThink {
		w.inThink = false
		s = "</think>" + s
	}
	w.answered = true
	return w.emit(s)
}

func (w *thinkWriter) emit(s string) error {
	w.buf.WriteString(s)
	return w.onToken(s)
}

// readSSE parses a llama-server completion event stream into onToken deltas and a Final.
func readSSE(ctx context.Context, body io.Reader, log zerolog.Logger, onToken func(string) error) (Final, error) {
	var final Final
	w := &thinkWriter{onToken: onToken}
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var chunk streamChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
				log.Debug().Str("line", l).Msg("unknown stream line")
			} else {
				if chunk.Usage != nil {
					final.Usage = *chunk.Usage
				}
				if len(chunk.Choices) > 0 {
					c := chunk.Choices[0]
					if cbErr := w.content(c.Text); cbErr != nil {
						return final, cbErr
					}
					if c.FinishReason != nil && *c.FinishReason != "" {
						final.FinishReason = *c.FinishReason
					}
				} else if chunk.Content != "" {
					if cbErr := w.content(chunk.Content); cbErr != nil {
						return final, cbErr
					}
				}
				if chunk.Stop && final.FinishReason == "" {
					final.FinishReason = types.FinishStop
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			log.Warn().Err(err).Msg("stream read error")
			return final, err
		}
	}
	if w.inThink {
		_ = w.emit("</think>")
	}
	final.Content = w.buf.String()
	return final, nil
}

// checkResponse turns a non-2xx response into an error carrying a short body.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classify(&httpError{status: resp.StatusCode, body: strings.TrimSpace(string(b))})
}
