package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelworker/internal/tracing"
	"modelworker/pkg/types"
)

// DefaultRemoteTimeout bounds every remote worker call.
const DefaultRemoteTimeout = 3600 * time.Second

// FrameDelimiter separates JSON ModelOutputs in a generate_stream body.
const FrameDelimiter = byte(0)

// RemoteConfig configures a RemoteWorker.
type RemoteConfig struct {
	Model string
	Host  string
	Port  int
	// Timeout defaults to DefaultRemoteTimeout.
	Timeout time.Duration
	Client  *http.Client
	Log     zerolog.Logger
}

// RemoteWorker forwards every operation to http://host:port/api/worker/{op}.
type RemoteWorker struct {
	model   string
	baseURL string
	timeout time.Duration
	client  *http.Client
	log     zerolog.Logger
}

// NewRemoteWorker returns a client for a worker served elsewhere.
func NewRemoteWorker(cfg RemoteConfig) *RemoteWorker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	cli := cfg.Client
	if cli == nil {
		cli = &http.Client{}
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	return &RemoteWorker{
		model:   cfg.Model,
		baseURL: fmt.Sprintf("http://%s:%d", host, cfg.Port),
		timeout: timeout,
		client:  cli,
		log:     cfg.Log.With().Str("model", cfg.Model).Str("worker", "remote").Logger(),
	}
}

// Address returns the remote base URL.
func (w *RemoteWorker) Address() string { return w.baseURL }

// post sends body to op. The caller closes the response body.
func (w *RemoteWorker) post(ctx context.Context, op string, spanID string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/api/worker/"+op, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := tracing.SpanID(ctx); id != "" {
		spanID = id
	}
	if spanID != "" {
		req.Header.Set(tracing.SpanIDHeader, spanID)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	return resp, nil
}

// call posts body to op and decodes the JSON response into out.
func (w *RemoteWorker) call(ctx context.Context, op string, spanID string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "RemoteWorker."+op, spanID, attribute.String("model", w.model))
	defer span.End()
	resp, err := w.post(ctx, op, spanID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (w *RemoteWorker) GenerateStream(ctx context.Context, req types.ModelRequest) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	ctx, span := tracing.Start(ctx, "RemoteWorker.generate_stream", req.SpanID, attribute.String("model", w.model))
	resp, err := w.post(ctx, "generate_stream", req.SpanID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, err
	}
	return &frameStream{body: resp.Body, r: bufio.NewReader(resp.Body), cancel: cancel, span: span}, nil
}

// frameStream decodes NUL-delimited JSON ModelOutputs.
type frameStream struct {
	body   io.ReadCloser
	r      *bufio.Reader
	cancel context.CancelFunc
	span   trace.Span
	prev   string
	eof    bool
	once   sync.Once
}

func (s *frameStream) Next(ctx context.Context) (*types.ModelOutput, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.eof {
			return nil, io.EOF
		}
		chunk, err := s.r.ReadBytes(FrameDelimiter)
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			s.span.RecordError(err)
			return nil, err
		}
		chunk = bytes.TrimSpace(bytes.TrimSuffix(chunk, []byte{FrameDelimiter}))
		if len(chunk) == 0 {
			continue
		}
		var out types.ModelOutput
		if err := json.Unmarshal(chunk, &out); err != nil {
			return nil, fmt.Errorf("decode stream frame: %w", err)
		}
		out.Incremental = incremental(s.prev, out.Text)
		s.prev = out.Text
		return &out, nil
	}
}

func (s *frameStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		s.cancel()
		s.span.End()
	})
	return err
}

func (w *RemoteWorker) Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error) {
	var out types.ModelOutput
	if err := w.call(ctx, "generate", req.SpanID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *RemoteWorker) CountToken(ctx context.Context, req types.CountTokenRequest) (int, error) {
	if req.Model == "" {
		req.Model = w.model
	}
	var n int
	if err := w.call(ctx, "count_token", "", req, &n); err != nil {
		return -1, err
	}
	return n, nil
}

func (w *RemoteWorker) ModelMetadata(ctx context.Context, req types.ModelMetadataRequest) (types.ModelMetadata, error) {
	if req.Model == "" {
		req.Model = w.model
	}
	var md types.ModelMetadata
	err := w.call(ctx, "model_metadata", "", req, &md)
	return md, err
}

func (w *RemoteWorker) Embeddings(ctx context.Context, req types.EmbeddingsRequest) ([][]float64, error) {
	if req.Model == "" {
		req.Model = w.model
	}
	var out [][]float64
	err := w.call(ctx, "embeddings", "", req, &out)
	return out, err
}

// Close releases idle connections.
func (w *RemoteWorker) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
