package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer/codec"

	"modelworker/internal/message"
	"modelworker/internal/params"
	"modelworker/pkg/types"
)

// OpenAILoader proxies models served by an OpenAI-compatible API.
type OpenAILoader struct {
	Log zerolog.Logger
	// Client overrides the HTTP client. Requests carry their own deadlines.
	Client *http.Client
}

// Load validates the endpoint configuration; no connection is made until the first call.
func (l OpenAILoader) Load(_ context.Context, d params.Deploy) (Model, error) {
	base := strings.TrimRight(strings.TrimSpace(d.APIBase), "/")
	if base == "" {
		return nil, errors.New("api_base is empty")
	}
	cli := l.Client
	if cli == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		cli = &http.Client{Transport: tr}
	}
	cfg := openai.DefaultConfig(d.APIKey)
	cfg.BaseURL = base
	cfg.HTTPClient = cli
	return &openAIModel{
		log:     l.Log.With().Str("model", d.Name).Str("provider", d.Provider).Logger(),
		model:   d.Name,
		timeout: time.Duration(d.Timeout) * time.Second,
		hc:      cli,
		client:  openai.NewClientWithConfig(cfg),
		tok:     newTiktoken(d.Encoding),
	}, nil
}

type openAIModel struct {
	log     zerolog.Logger
	model   string
	timeout time.Duration
	hc      *http.Client
	client  *openai.Client
	tok     Tokenizer
}

// reasoningModel reports o-series names, which take max_completion_tokens.
func reasoningModel(name string) bool {
	for _, p := range []string{"o1", "o3", "o4"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (m *openAIModel) request(p Params) openai.ChatCompletionRequest {
	msgs := p.Messages
	if len(msgs) == 0 && p.Prompt != "" {
		msgs = []message.CommonMessage{{Role: message.RoleUser, Content: p.Prompt}}
	}
	req := openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: float32(p.Temperature),
		TopP:        float32(p.TopP),
		Stop:        p.Stop,
	}
	for _, msg := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	if reasoningModel(m.model) {
		req.MaxCompletionTokens = p.MaxTokens
	} else {
		req.MaxTokens = p.MaxTokens
	}
	if p.Seed != 0 {
		seed := p.Seed
		req.Seed = &seed
	}
	return req
}

func (m *openAIModel) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// upstreamError keeps the upstream status so callers can map it.
func upstreamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return classify(&httpError{status: apiErr.HTTPStatusCode, body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classify(&httpError{status: reqErr.HTTPStatusCode, body: reqErr.Error()})
	}
	return classify(err)
}

func usage(u *openai.Usage) types.Usage {
	return types.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func (m *openAIModel) Generate(ctx context.Context, p Params, onToken func(string) error) (Final, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	req := m.request(p)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return Final{}, upstreamError(ctx, err)
	}
	defer stream.Close()

	var final Final
	w := &thinkWriter{onToken: onToken}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("stream read error")
			return final, upstreamError(ctx, err)
		}
		if chunk.Usage != nil {
			final.Usage = usage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if err := w.reasoning(c.Delta.ReasoningContent); err != nil {
			return final, err
		}
		if err := w.content(c.Delta.Content); err != nil {
			return final, err
		}
		if c.FinishReason != "" {
			final.FinishReason = string(c.FinishReason)
		}
	}
	if w.inThink {
		_ = w.emit("</think>")
	}
	final.Content = w.buf.String()
	return final, nil
}

// Complete issues a single non-streaming request.
func (m *openAIModel) Complete(ctx context.Context, p Params) (Final, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	resp, err := m.client.CreateChatCompletion(ctx, m.request(p))
	if err != nil {
		return Final{}, upstreamError(ctx, err)
	}
	final := Final{Usage: usage(&resp.Usage)}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		final.Content = c.Message.Content
		if c.Message.ReasoningContent != "" {
			final.Content = "<think>" + c.Message.ReasoningContent + "</think>" + final.Content
		}
		final.FinishReason = string(c.FinishReason)
	}
	return final, nil
}

func (m *openAIModel) Tokenizer() Tokenizer { return m.tok }

func (m *openAIModel) Close() error {
	m.hc.CloseIdleConnections()
	return nil
}

// tiktokenCounter counts tokens with a tiktoken encoding.
type tiktokenCounter struct {
	enc interface {
		Count(string) (int, error)
	}
}

func newTiktoken(encoding string) Tokenizer {
	if encoding == "o200k_base" {
		return tiktokenCounter{enc: codec.NewO200kBase()}
	}
	return tiktokenCounter{enc: codec.NewCl100kBase()}
}

func (t tiktokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	return t.enc.Count(text)
}
