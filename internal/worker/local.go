package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"modelworker/internal/adapter"
	"modelworker/internal/backend"
	"modelworker/internal/metrics"
	"modelworker/internal/params"
	"modelworker/internal/tracing"
	"modelworker/pkg/types"
)

// Context lengths used when neither the deploy parameters nor the runtime provide one.
var defaultContextLength = map[string]int{
	params.ProviderLlamaCpp:    4096,
	params.ProviderLlamaServer: 4096,
	params.ProviderOpenAI:      8192,
}

const fallbackContextLength = 2048

// LocalConfig configures a LocalWorker.
type LocalConfig struct {
	Deploy   params.Deploy
	Loaders  backend.Loaders
	Adapters *adapter.Registry
	// Kernels bounds concurrent blocking inference across local workers. Nil means unbounded.
	Kernels *semaphore.Weighted
	// Sampler overrides the device sampler chosen from the resolved device.
	Sampler metrics.Sampler
	Log     zerolog.Logger
	// Now is the clock used for metrics.
	Now func() time.Time
}

// LocalWorker owns one loaded model and its tokenizer.
type LocalWorker struct {
	cfg LocalConfig
	log zerolog.Logger

	mu         sync.RWMutex
	loader     backend.Loader
	model      backend.Model
	adapter    adapter.Adapter
	device     string
	contextLen int
	sampler    metrics.Sampler
}

// NewLocalWorker returns an unloaded worker.
func NewLocalWorker(cfg LocalConfig) *LocalWorker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Adapters == nil {
		cfg.Adapters = adapter.DefaultRegistry()
	}
	return &LocalWorker{
		cfg: cfg,
		log: cfg.Log.With().Str("model", cfg.Deploy.Name).Str("provider", cfg.Deploy.Provider).Logger(),
	}
}

// Load resolves the adapter and device, loads the weights and settles the context length.
func (w *LocalWorker) Load(ctx context.Context) error {
	d := w.cfg.Deploy
	a, err := w.cfg.Adapters.Get(d.Name, d.Provider, d.Path)
	if err != nil {
		return err
	}
	if d.Class != a.ParamClass {
		return fmt.Errorf("deploy parameters of class %q do not match adapter %s (%q)", d.Class, a.Name, a.ParamClass)
	}
	device := d.Device
	if device == params.DeviceAuto {
		device = metrics.DetectDevice()
	}
	loader, err := w.cfg.Loaders.Lookup(d.Provider)
	if err != nil {
		return err
	}

	start := time.Now()
	model, err := loader.Load(ctx, d)
	if err != nil {
		clearCache(loader)
		w.log.Error().Err(err).Msg("model load failed")
		return fmt.Errorf("load %s: %w", d.Name, err)
	}

	ctxLen := d.ContextLength
	if ctxLen <= 0 {
		ctxLen = a.ParseMaxLength(model)
	}
	if ctxLen <= 0 {
		ctxLen = defaultContextLength[d.Provider]
	}
	if ctxLen <= 0 {
		ctxLen = fallbackContextLength
	}

	sampler := w.cfg.Sampler
	if sampler == nil {
		sampler = metrics.Throttle(metrics.NewSampler(device), time.Second)
	}

	w.mu.Lock()
	w.loader, w.model, w.adapter = loader, model, a
	w.device, w.contextLen, w.sampler = device, ctxLen, sampler
	w.mu.Unlock()
	w.log.Info().Str("adapter", a.Name).Str("device", device).Int("context_len", ctxLen).Dur("dur", time.Since(start)).Msg("model loaded")
	return nil
}

// clearCache releases runtime caches after a failure.
func clearCache(v any) {
	if c, ok := v.(backend.CacheClearer); ok {
		c.ClearCache()
	}
	runtime.GC()
	debug.FreeOSMemory()
}

type loaded struct {
	model      backend.Model
	adapter    adapter.Adapter
	contextLen int
	sampler    metrics.Sampler
}

func (w *LocalWorker) loaded() (loaded, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.model == nil {
		return loaded{}, ErrNotLoaded
	}
	return loaded{model: w.model, adapter: w.adapter, contextLen: w.contextLen, sampler: w.sampler}, nil
}

// Deploy returns the worker's deploy parameters.
func (w *LocalWorker) Deploy() params.Deploy { return w.cfg.Deploy }

// Device returns the resolved device, empty before Load.
func (w *LocalWorker) Device() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.device
}

// ContextLength returns the effective context length, 0 before Load.
func (w *LocalWorker) ContextLength() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.contextLen
}

// acquire takes a kernel slot for sync runtimes.
func (w *LocalWorker) acquire(ctx context.Context, a adapter.Adapter) (func(), error) {
	if a.SupportAsync() || w.cfg.Kernels == nil {
		return func() {}, nil
	}
	if err := w.cfg.Kernels.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { w.cfg.Kernels.Release(1) }, nil
}

func (w *LocalWorker) GenerateStream(ctx context.Context, req types.ModelRequest) (Stream, error) {
	l, err := w.loaded()
	if err != nil {
		return nil, err
	}
	return produce(ctx, func(ctx context.Context, emit func(*types.ModelOutput) error) {
		ctx, span := tracing.Start(ctx, "LocalWorker.generate_stream", req.SpanID,
			attribute.String("model", w.cfg.Deploy.Name))
		defer span.End()
		metrics.StreamStarted(w.cfg.Deploy.Name)

		b := w.newBuilder(l, req)
		out, failed := w.runStream(ctx, l, req, b, emit)
		metrics.ObserveFinished(w.cfg.Deploy.Name, out.Metrics, failed)
		if failed {
			span.SetStatus(codes.Error, out.Text)
			span.SetAttributes(attribute.String("error", out.Text))
		}
	}), nil
}

// runStream drives the runtime and returns the last output emitted.
func (w *LocalWorker) runStream(ctx context.Context, l loaded, req types.ModelRequest, b *outputBuilder, emit func(*types.ModelOutput) error) (*types.ModelOutput, bool) {
	fail := func(err error) (*types.ModelOutput, bool) {
		out := w.errorOutput(ctx, l, b, err)
		_ = emit(out)
		return out, true
	}

	p, mctx, err := l.adapter.ModelAdaptation(ctx, req, w.cfg.Deploy, l.model.Tokenizer())
	if err != nil {
		return fail(err)
	}
	b.setContext(p.Prompt, mctx)

	fn := l.adapter.StreamFunction(l.model)
	w.log.Debug().Bool("async", l.adapter.SupportAsync()).Str("adapter", l.adapter.Name).Msg("using stream function")

	release, err := w.acquire(ctx, l.adapter)
	if err != nil {
		return fail(err)
	}
	defer release()

	final, err := fn(ctx, p, func(tok string) error {
		return emit(b.token(ctx, tok))
	})
	if err != nil {
		return fail(err)
	}
	last := b.finish(ctx, final)
	if last.FinishReason != "" {
		w.log.Debug().Str("finish_reason", last.FinishReason).Msg("generation finished")
	}
	if err := emit(last); err != nil {
		return last, true
	}
	return last, false
}

func (w *LocalWorker) errorOutput(ctx context.Context, l loaded, b *outputBuilder, err error) *types.ModelOutput {
	var text string
	switch {
	case backend.IsOutOfMemory(err):
		text = OOMText
		clearCache(l.model)
		w.log.Error().Err(err).Msg("device out of memory")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		text = fmt.Sprintf(GenerateErrorFmt, err)
		w.log.Info().Err(err).Msg("generation canceled")
	default:
		text = fmt.Sprintf(GenerateErrorFmt, err)
		w.log.Error().Err(err).Msg("generation failed")
	}
	trace.SpanFromContext(ctx).RecordError(err)
	return b.failure(ctx, text)
}

func (w *LocalWorker) Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error) {
	l, err := w.loaded()
	if err != nil {
		return nil, err
	}
	gen, ok := l.adapter.GenerateFunction(l.model)
	if !ok {
		s, err := w.GenerateStream(ctx, req)
		if err != nil {
			return nil, err
		}
		return Drain(ctx, s)
	}

	ctx, span := tracing.Start(ctx, "LocalWorker.generate", req.SpanID, attribute.String("model", w.cfg.Deploy.Name))
	defer span.End()
	metrics.StreamStarted(w.cfg.Deploy.Name)
	b := w.newBuilder(l, req)
	out, failed := func() (*types.ModelOutput, bool) {
		p, mctx, err := l.adapter.ModelAdaptation(ctx, req, w.cfg.Deploy, l.model.Tokenizer())
		if err != nil {
			return w.errorOutput(ctx, l, b, err), true
		}
		b.setContext(p.Prompt, mctx)
		release, err := w.acquire(ctx, l.adapter)
		if err != nil {
			return w.errorOutput(ctx, l, b, err), true
		}
		defer release()
		final, err := gen(ctx, p)
		if err != nil {
			return w.errorOutput(ctx, l, b, err), true
		}
		return b.finish(ctx, final), false
	}()
	metrics.ObserveFinished(w.cfg.Deploy.Name, out.Metrics, failed)
	if failed {
		span.SetStatus(codes.Error, out.Text)
	}
	return out, nil
}

// CountToken returns -1 when the model has no tokenizer or counting fails.
func (w *LocalWorker) CountToken(ctx context.Context, req types.CountTokenRequest) (int, error) {
	l, err := w.loaded()
	if err != nil {
		return -1, nil
	}
	tok := l.model.Tokenizer()
	if tok == nil {
		return -1, nil
	}
	n, err := tok.CountTokens(ctx, req.Prompt)
	if err != nil {
		w.log.Warn().Err(err).Msg("count token failed")
		return -1, nil
	}
	return n, nil
}

func (w *LocalWorker) ModelMetadata(_ context.Context, _ types.ModelMetadataRequest) (types.ModelMetadata, error) {
	l, err := w.loaded()
	if err != nil {
		return types.ModelMetadata{}, err
	}
	return types.ModelMetadata{
		Model:         w.cfg.Deploy.Name,
		ContextLength: l.contextLen,
		PromptRoles:   l.adapter.PromptRoles(w.cfg.Deploy),
		PromptSep:     l.adapter.DefaultMessageSeparator(w.cfg.Deploy),
	}, nil
}

func (w *LocalWorker) Embeddings(context.Context, types.EmbeddingsRequest) ([][]float64, error) {
	return nil, ErrEmbeddingsNotSupported
}

// Close releases the model.
func (w *LocalWorker) Close() error {
	w.mu.Lock()
	m := w.model
	w.model = nil
	w.mu.Unlock()
	if m == nil {
		return nil
	}
	w.log.Info().Msg("model unloaded")
	return m.Close()
}
