// Package conversation keeps per-round conversation state and persists it through
// storage at round boundaries.
//
// A round is opened by StartNewRound and closed by EndCurrentRound. Within a round one
// human message and any number of ai, view and system messages may be appended; each
// message gets the next dense index and the current chat order as its round index.
// EndCurrentRound writes only the messages added since the previous flush.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelworker/internal/message"
)

// MaxSummaryLength bounds the stored summary, in characters.
const MaxSummaryLength = 4000

// Message versions stored on the header. v1 histories get view messages injected when
// read back.
const (
	MessageVersionV1 = "v1"
	MessageVersionV2 = "v2"
)

// Additional keys carried on human messages.
const (
	KeyParamType  = "param_type"
	KeyParamValue = "param_value"
	KeyModelName  = "model_name"
)

var (
	// ErrNoRound is returned when a message is added before the first round starts.
	ErrNoRound = errors.New("conversation: no round started")
	// ErrDuplicateHuman is returned when a round already holds a human message.
	ErrDuplicateHuman = errors.New("conversation: round already has a human message")
)

// Options configures a conversation.
type Options struct {
	ConvUID        string
	ChatMode       string
	UserName       string
	SysCode        string
	AppCode        string
	ModelName      string
	ParamType      string
	ParamValue     string
	Summary        string
	MessageVersion string
	// EmbedMessages stores messages inside the header instead of one row each.
	EmbedMessages bool
	// SkipMessages loads only the header.
	SkipMessages bool
	Stores       Stores
	// ClearHooks remove rows other components keep for this conversation.
	ClearHooks []ClearHook
	Log        zerolog.Logger
}

// ClearHook removes collaborator state tied to a conversation on Clear.
type ClearHook func(ctx context.Context, convUID string) error

// Conversation is the state of one conversation, owned by a single request at a time.
type Conversation struct {
	mu     sync.Mutex
	opts   Options
	stores Stores
	log    zerolog.Logger

	uid            string
	chatMode       string
	userName       string
	sysCode        string
	appCode        string
	summary        string
	modelName      string
	paramType      string
	paramValue     string
	messageVersion string
	independent    bool

	messages    []message.Message
	messageIDs  []string
	chatOrder   int
	cursor      int
	storedIndex int
	inRound     bool
	cost        int
	tokens      int
	created     time.Time
}

// ConvUID returns the conversation id.
func (c *Conversation) ConvUID() string { return c.uid }

func (c *Conversation) ChatMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatMode
}

func (c *Conversation) ModelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelName
}

func (c *Conversation) MessageVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageVersion
}

// SaveMessageIndependent reports whether each message is its own storage row.
func (c *Conversation) SaveMessageIndependent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.independent
}

// ChatOrder returns the current round number; 0 before the first round.
func (c *Conversation) ChatOrder() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatOrder
}

// StoredIndex returns the highest persisted message index, -1 when nothing is stored.
func (c *Conversation) StoredIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storedIndex
}

// Params returns the param type and value of the conversation.
func (c *Conversation) Params() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paramType, c.paramValue
}

// Messages returns a copy of every message in index order.
func (c *Conversation) Messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.messages)
}

// MessageIDs returns the storage ids recorded at the last flush.
func (c *Conversation) MessageIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messageIDs...)
}

// History returns the messages of rounds before the current one.
func (c *Conversation) History() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Message
	for _, m := range c.messages {
		if m.RoundIndex < c.chatOrder || !c.inRound {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Summary returns the stored summary.
func (c *Conversation) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// SetSummary replaces the summary; it is truncated when stored.
func (c *Conversation) SetSummary(s string) {
	c.mu.Lock()
	c.summary = s
	c.mu.Unlock()
}

// AddUsage accumulates cost and token counters for the conversation.
func (c *Conversation) AddUsage(cost, tokens int) {
	c.mu.Lock()
	c.cost += cost
	c.tokens += tokens
	c.mu.Unlock()
}

// StartNewRound opens the next round.
func (c *Conversation) StartNewRound() {
	c.mu.Lock()
	c.chatOrder++
	c.inRound = true
	c.mu.Unlock()
}

// AddUserMessage appends the round's human message. With checkDuplicate a second human
// message in the same round is rejected.
func (c *Conversation) AddUserMessage(text string, checkDuplicate bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if checkDuplicate {
		for _, m := range c.messages {
			if m.Type == message.Human && m.RoundIndex == c.chatOrder {
				return ErrDuplicateHuman
			}
		}
	}
	add := map[string]any{}
	if c.paramType != "" {
		add[KeyParamType] = c.paramType
	}
	if c.paramValue != "" {
		add[KeyParamValue] = c.paramValue
	}
	if c.modelName != "" {
		add[KeyModelName] = c.modelName
	}
	return c.appendLocked(message.Human, text, add)
}

// AddAIMessage appends an ai message. With updateIfExist the first ai message of the
// current round is overwritten instead, so a streamed answer stays one message.
func (c *Conversation) AddAIMessage(text string, updateIfExist bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if updateIfExist {
		for i := range c.messages {
			if c.messages[i].Type == message.AI && c.messages[i].RoundIndex == c.chatOrder {
				c.messages[i].Content = text
				return nil
			}
		}
	}
	return c.appendLocked(message.AI, text, nil)
}

// AddViewMessage appends the user-visible rendering of the round's answer.
func (c *Conversation) AddViewMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(message.View, text, nil)
}

func (c *Conversation) AddSystemMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(message.System, text, nil)
}

func (c *Conversation) appendLocked(t message.Type, text string, add map[string]any) error {
	if c.chatOrder == 0 {
		return ErrNoRound
	}
	if len(add) == 0 {
		add = nil
	}
	c.messages = append(c.messages, message.Message{
		Type:       t,
		Content:    text,
		Index:      c.cursor,
		RoundIndex: c.chatOrder,
		Additional: add,
	})
	c.cursor++
	return nil
}

// RoundMessages returns the messages of the current round.
func (c *Conversation) RoundMessages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Message
	for _, m := range c.messages {
		if m.RoundIndex == c.chatOrder {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (c *Conversation) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("conversation(%s, order=%d, messages=%d)", c.uid, c.chatOrder, len(c.messages))
}

func cloneMessages(in []message.Message) []message.Message {
	out := make([]message.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
