// Package llmclient is the client chat scenes use to reach models. It fronts the worker
// manager and answers repeated cache-enabled requests from an LRU cache.
package llmclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

// Backend is the worker manager surface the client needs.
type Backend interface {
	GenerateStream(ctx context.Context, req types.ModelRequest) (worker.Stream, error)
	Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error)
	CountToken(ctx context.Context, req types.CountTokenRequest) (int, error)
	Models() []types.ModelInfo
}

// Client routes requests to a Backend.
type Client struct {
	backend Backend
	cache   *lru.Cache[string, types.ModelOutput]
	log     zerolog.Logger
}

// New returns a client; cacheSize <= 0 disables the response cache.
func New(b Backend, cacheSize int, log zerolog.Logger) (*Client, error) {
	c := &Client{backend: b, log: log.With().Str("component", "llmclient").Logger()}
	if cacheSize > 0 {
		cache, err := lru.New[string, types.ModelOutput](cacheSize)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c, nil
}

// Generate returns the final output, from the cache when req.CacheEnable allows it.
func (c *Client) Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error) {
	key, cached := c.lookup(req)
	if cached != nil {
		return cached, nil
	}
	out, err := c.backend.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	c.store(key, out)
	return out, nil
}

// GenerateStream opens a stream. A cache hit replays the cached final output as a
// single frame; a cache-enabled miss stores the last successful frame at end of stream.
func (c *Client) GenerateStream(ctx context.Context, req types.ModelRequest) (worker.Stream, error) {
	key, cached := c.lookup(req)
	if cached != nil {
		cached.Incremental = cached.Text
		return worker.NewSliceStream(cached), nil
	}
	s, err := c.backend.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return s, nil
	}
	return &cachingStream{Stream: s, store: func(out *types.ModelOutput) { c.store(key, out) }}, nil
}

func (c *Client) CountToken(ctx context.Context, model, prompt string) (int, error) {
	return c.backend.CountToken(ctx, types.CountTokenRequest{Model: model, Prompt: prompt})
}

func (c *Client) Models() []types.ModelInfo { return c.backend.Models() }

// lookup returns the cache key when caching applies and a copy of the cached output on
// a hit.
func (c *Client) lookup(req types.ModelRequest) (string, *types.ModelOutput) {
	if c.cache == nil || !req.CacheEnable {
		return "", nil
	}
	key, err := cacheKey(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache key failed")
		return "", nil
	}
	if out, ok := c.cache.Get(key); ok {
		c.log.Debug().Str("model", req.Model).Msg("cache hit")
		return key, out.Clone()
	}
	return key, nil
}

func (c *Client) store(key string, out *types.ModelOutput) {
	if key == "" || out == nil || !out.Success() {
		return
	}
	c.cache.Add(key, *out.Clone())
}

// cacheKey hashes the request fields that influence the answer.
func cacheKey(req types.ModelRequest) (string, error) {
	req.SpanID = ""
	req.CacheEnable = false
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type cachingStream struct {
	worker.Stream
	store func(*types.ModelOutput)
	last  *types.ModelOutput
	once  sync.Once
}

func (s *cachingStream) Next(ctx context.Context) (*types.ModelOutput, error) {
	out, err := s.Stream.Next(ctx)
	if err == io.EOF && s.last != nil {
		s.once.Do(func() { s.store(s.last) })
	}
	if err == nil {
		s.last = out
	}
	return out, err
}
