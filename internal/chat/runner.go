// Package chat runs chat turns: it builds a model request from the conversation
// history, streams or generates the answer and records the round.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"modelworker/internal/conversation"
	"modelworker/internal/message"
	"modelworker/internal/prompt"
	"modelworker/internal/tracing"
	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

// Client is what the runner needs from the LLM client.
type Client interface {
	GenerateStream(ctx context.Context, req types.ModelRequest) (worker.Stream, error)
	Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error)
}

// State is the phase of one chat call.
type State string

const (
	StateInit         State = "init"
	StateBuildRequest State = "build_request"
	StateStream       State = "stream"
	StateNoStream     State = "nostream"
	StateAccumulate   State = "accumulate"
	StateFinalize     State = "finalize"
	StateDone         State = "done"
	StateError        State = "error"
)

// Config configures a Runner.
type Config struct {
	Client       Client
	Stores       conversation.Stores
	Prompts      *prompt.Registry
	Scenes       *Scenes
	DefaultModel string
	Language     string
	// CacheEnable turns on the LLM client cache for every request.
	CacheEnable bool
	// Retries is the number of nostream attempts; Parallel the concurrent calls per
	// attempt, the first success wins.
	Retries  int
	Parallel int
	// EmbedMessages stores new conversations with messages inside the header row.
	EmbedMessages bool
	// PersistWorkers bounds concurrent round flushes.
	PersistWorkers int
	// OnState observes state transitions.
	OnState func(convUID string, s State)
	Log     zerolog.Logger
}

// Runner executes chat calls. It is safe for concurrent use across conversations.
type Runner struct {
	cfg     Config
	log     zerolog.Logger
	persist *semaphore.Weighted
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Client == nil {
		return nil, errors.New("chat: nil client")
	}
	if cfg.Stores.Conversations == nil || cfg.Stores.Messages == nil {
		return nil, errors.New("chat: storage not configured")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompt.DefaultRegistry()
	}
	if cfg.Scenes == nil {
		cfg.Scenes = DefaultScenes()
	}
	if cfg.Language == "" {
		cfg.Language = prompt.LangEN
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = 4
	}
	return &Runner{
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "chat").Logger(),
		persist: semaphore.NewWeighted(int64(cfg.PersistWorkers)),
	}, nil
}

// call is the state of one chat turn.
type call struct {
	param ChatParam
	scene Scene
	conv  *conversation.Conversation
	req   types.ModelRequest
	state State
	log   zerolog.Logger
	r     *Runner
}

func (c *call) transition(s State) {
	c.log.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("chat state")
	c.state = s
	if c.r.cfg.OnState != nil {
		c.r.cfg.OnState(c.param.ChatSessionID, s)
	}
}

// prepare validates p, loads the conversation, opens the round and builds the request.
func (r *Runner) prepare(ctx context.Context, p ChatParam) (*call, error) {
	c := &call{param: p, state: StateInit, r: r, log: r.log.With().Str("conv_uid", p.ChatSessionID).Logger()}
	if err := p.Validate(); err != nil {
		return nil, &InputError{Err: err}
	}
	scene, ok := r.cfg.Scenes.Get(p.ChatMode)
	if !ok {
		return nil, &InputError{Err: fmt.Errorf("unsupported chat mode %q", p.ChatMode)}
	}
	c.scene = scene
	c.transition(StateBuildRequest)

	model := p.ModelName
	if model == "" {
		model = r.cfg.DefaultModel
	}
	conv, err := conversation.Load(ctx, conversation.Options{
		ConvUID:        p.ChatSessionID,
		ChatMode:       p.ChatMode,
		UserName:       p.UserName,
		SysCode:        p.SysCode,
		AppCode:        p.AppCode,
		ModelName:      model,
		ParamType:      scene.ParamType,
		ParamValue:     p.SelectParam,
		MessageVersion: p.MessageVersion,
		EmbedMessages:  r.cfg.EmbedMessages,
		Stores:         r.cfg.Stores,
		Log:            r.cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	c.conv = conv

	tmpl, err := r.template(p, scene, model)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	system, err := tmpl.Format(prompt.Vars{UserName: p.UserName, SelectParam: p.SelectParam, ChatMode: p.ChatMode, Input: p.CurrentUserInput})
	if err != nil {
		return nil, err
	}

	history := message.WindowRounds(conv.History(), scene.KeepStartRounds, scene.KeepEndRounds)
	msgs := make([]types.ModelMessage, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, types.ModelMessage{Role: types.RoleSystem, Content: system})
	}
	msgs = append(msgs, message.ToModelMessages(history)...)

	conv.StartNewRound()
	if err := conv.AddUserMessage(p.CurrentUserInput, true); err != nil {
		return nil, err
	}
	msgs = append(msgs, types.ModelMessage{Role: types.RoleHuman, Content: p.CurrentUserInput, RoundIndex: conv.ChatOrder()})

	c.req = types.ModelRequest{
		Model:        model,
		Messages:     msgs,
		Temperature:  p.Temperature,
		MaxNewTokens: p.MaxNewTokens,
		Stop:         tmpl.Stop,
		CacheEnable:  p.ModelCacheEnable || r.cfg.CacheEnable,
	}
	return c, nil
}

func (r *Runner) template(p ChatParam, scene Scene, model string) (prompt.Template, error) {
	code := p.PromptCode
	if code == "" {
		code = scene.PromptCode
	}
	if code != "" {
		t, ok := r.cfg.Prompts.ByCode(code)
		if !ok {
			return prompt.Template{}, fmt.Errorf("unknown prompt code %q", code)
		}
		return t, nil
	}
	lang := p.Language
	if lang == "" {
		lang = r.cfg.Language
	}
	return r.cfg.Prompts.Get(p.ChatMode, lang, model)
}

// endRound persists the round on the bounded persistence pool. Client cancellation
// does not stop the write.
func (r *Runner) endRound(ctx context.Context, c *call) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.persist.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.persist.Release(1)
	start := time.Now()
	err := c.conv.EndCurrentRound(ctx)
	if err != nil {
		c.log.Error().Err(err).Int("round", c.conv.ChatOrder()).Msg("round not persisted")
		return err
	}
	c.log.Debug().Int("round", c.conv.ChatOrder()).Dur("dur", time.Since(start)).Msg("round persisted")
	return nil
}

func (r *Runner) startSpan(ctx context.Context, name string, c *call) (context.Context, trace.Span) {
	ctx, span := tracing.Start(ctx, name, "",
		attribute.String("chat.mode", c.param.ChatMode),
		attribute.String("chat.conv_uid", c.param.ChatSessionID),
		attribute.String("llm.model", c.req.Model),
		attribute.Int("llm.messages", len(c.req.Messages)),
		attribute.Bool("llm.cache_enable", c.req.CacheEnable),
	)
	c.req.SpanID = tracing.SpanID(ctx)
	return ctx, span
}

// StreamCall runs one turn and passes each view delta to emit in generation order.
// Newlines are escaped so every delta fits one transport line. The round is persisted
// whatever the outcome.
func (r *Runner) StreamCall(ctx context.Context, p ChatParam, emit func(view string) error) (err error) {
	c, err := r.prepare(ctx, p)
	if err != nil {
		return err
	}
	ctx, span := r.startSpan(ctx, "chat.stream_call", c)
	defer func() {
		if perr := r.endRound(ctx, c); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.transition(StateStream)
	text, view, err := r.stream(ctx, c, emit)
	if err != nil {
		c.transition(StateError)
		msg := err.Error()
		var ce *ContextAppError
		if errors.As(err, &ce) && ce.Output != nil {
			msg = ce.Output.Text
		}
		red := ErrorView(msg)
		_ = c.conv.AddViewMessage(red)
		if ce != nil {
			c.log.Warn().Err(err).Msg("model output error")
			_ = emit(prompt.EscapeNewlines(red))
			return nil
		}
		c.log.Error().Err(err).Msg("stream call failed")
		return err
	}
	c.transition(StateFinalize)
	if err := c.conv.AddAIMessage(text, true); err != nil {
		return err
	}
	if err := c.conv.AddViewMessage(view); err != nil {
		return err
	}
	c.transition(StateDone)
	return nil
}

func (r *Runner) stream(ctx context.Context, c *call, emit func(string) error) (string, string, error) {
	s, err := r.cfg.Client.GenerateStream(ctx, c.req)
	if err != nil {
		return "", "", err
	}
	defer s.Close()
	c.transition(StateAccumulate)
	var text, view, sent string
	for {
		out, err := s.Next(ctx)
		if err == io.EOF {
			return text, view, nil
		}
		if err != nil {
			return text, view, err
		}
		t, perr := prompt.ParseStreamOutput(out)
		if perr != nil {
			return text, view, &ContextAppError{Output: out, Err: perr}
		}
		text, view = t, prompt.View(t, out.Thinking)
		if err := c.conv.AddAIMessage(text, true); err != nil {
			return text, view, err
		}
		d := delta(sent, view)
		sent = view
		if d == "" {
			continue
		}
		if err := emit(prompt.EscapeNewlines(d)); err != nil {
			return text, view, err
		}
	}
}

// delta returns the part of view not yet sent. A view that does not extend the
// previous one, as when thinking text grows ahead of the answer, is sent whole.
func delta(prev, view string) string {
	if strings.HasPrefix(view, prev) {
		return view[len(prev):]
	}
	return view
}

// Result is the outcome of NoStreamCall.
type Result struct {
	ConvUID string
	Text    string
	View    string
	Output  *types.ModelOutput
}

// NoStreamCall runs one turn without streaming, with retries and parallel attempts.
// A *ContextAppError still yields a Result whose View is the rendered error.
func (r *Runner) NoStreamCall(ctx context.Context, p ChatParam) (res Result, err error) {
	c, err := r.prepare(ctx, p)
	if err != nil {
		return Result{}, err
	}
	res.ConvUID = p.ChatSessionID
	ctx, span := r.startSpan(ctx, "chat.nostream_call", c)
	defer func() {
		if perr := r.endRound(ctx, c); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.transition(StateNoStream)
	out, err := r.generateWithRetry(ctx, c)
	res.Output = out
	if err != nil {
		c.transition(StateError)
		var ce *ContextAppError
		if errors.As(err, &ce) {
			if ce.Output != nil {
				_ = c.conv.AddAIMessage(ce.Output.Text, true)
			}
			res.View = ErrorView(ce.Error())
			_ = c.conv.AddViewMessage(res.View)
			return res, err
		}
		_ = c.conv.AddViewMessage(ErrorView(err.Error()))
		return res, err
	}
	c.transition(StateFinalize)
	res.Text, _ = prompt.ParseOutput(out)
	res.View = prompt.View(res.Text, out.Thinking)
	if err := c.conv.AddAIMessage(res.Text, true); err != nil {
		return res, err
	}
	if err := c.conv.AddViewMessage(res.View); err != nil {
		return res, err
	}
	c.transition(StateDone)
	return res, nil
}

func (r *Runner) generateWithRetry(ctx context.Context, c *call) (*types.ModelOutput, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		out, err := r.firstSuccess(ctx, c.req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt).Int("retries", r.cfg.Retries).Msg("generate attempt failed")
		if attempt == r.cfg.Retries {
			return out, lastErr
		}
	}
	return nil, lastErr
}

// firstSuccess runs Parallel generate calls and returns the first parsed success; the
// others are canceled. With no success the first error is returned.
func (r *Runner) firstSuccess(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		once sync.Once
		win  *types.ModelOutput
		mu   sync.Mutex
		errs []error
		last *types.ModelOutput
	)
	var g errgroup.Group
	for i := 0; i < r.cfg.Parallel; i++ {
		g.Go(func() error {
			out, err := r.cfg.Client.Generate(ctx, req)
			if err == nil {
				if _, perr := prompt.ParseOutput(out); perr != nil {
					err = &ContextAppError{Output: out, Err: perr}
				}
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				if out != nil {
					last = out
				}
				mu.Unlock()
				return nil
			}
			once.Do(func() {
				win = out
				cancel()
			})
			return nil
		})
	}
	_ = g.Wait()
	if win != nil {
		return win, nil
	}
	for _, err := range errs {
		if !errors.Is(err, context.Canceled) {
			return last, err
		}
	}
	return last, errs[0]
}

// History returns the stored messages of a conversation. v1 conversations get view
// messages injected for rounds that lack one.
func (r *Runner) History(ctx context.Context, convUID string) ([]message.Message, error) {
	conv, err := conversation.Load(ctx, conversation.Options{ConvUID: convUID, Stores: r.cfg.Stores, Log: r.cfg.Log})
	if err != nil {
		return nil, err
	}
	msgs := conv.Messages()
	if conv.MessageVersion() == conversation.MessageVersionV1 {
		return message.AppendViewMessages(msgs)
	}
	return msgs, nil
}

// DeleteHistory removes a conversation and its messages.
func (r *Runner) DeleteHistory(ctx context.Context, convUID string) error {
	conv, err := conversation.Load(ctx, conversation.Options{ConvUID: convUID, Stores: r.cfg.Stores, SkipMessages: true, Log: r.cfg.Log})
	if err != nil {
		return err
	}
	return conv.Clear(ctx)
}
