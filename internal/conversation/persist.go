package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"modelworker/internal/message"
	"modelworker/internal/storage"
)

// Load builds a conversation and restores whatever was persisted under opts.ConvUID.
// A conversation that was never saved starts empty.
func Load(ctx context.Context, opts Options) (*Conversation, error) {
	if opts.ConvUID == "" {
		return nil, errors.New("conversation: empty conv_uid")
	}
	if opts.Stores.Conversations == nil || opts.Stores.Messages == nil {
		return nil, errors.New("conversation: storage not configured")
	}
	if opts.MessageVersion == "" {
		opts.MessageVersion = MessageVersionV2
	}
	c := &Conversation{
		opts:           opts,
		stores:         opts.Stores,
		log:            opts.Log.With().Str("conv_uid", opts.ConvUID).Logger(),
		uid:            opts.ConvUID,
		chatMode:       opts.ChatMode,
		userName:       opts.UserName,
		sysCode:        opts.SysCode,
		appCode:        opts.AppCode,
		summary:        opts.Summary,
		modelName:      opts.ModelName,
		paramType:      opts.ParamType,
		paramValue:     opts.ParamValue,
		messageVersion: opts.MessageVersion,
		independent:    !opts.EmbedMessages,
		storedIndex:    -1,
	}
	if err := c.LoadFromStorage(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromStorage replaces the in-memory state with the persisted one.
func (c *Conversation) LoadFromStorage(ctx context.Context) error {
	h, err := c.stores.Conversations.Load(ctx, c.uid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", c.uid, err)
	}

	var msgs []message.Message
	if !c.opts.SkipMessages {
		if h.SaveMessageIndependent {
			items, err := c.stores.Messages.LoadList(ctx, h.MessageIDs)
			if err != nil {
				return fmt.Errorf("load messages of %s: %w", c.uid, err)
			}
			for _, it := range items {
				msgs = append(msgs, it.Message)
			}
		} else {
			msgs = h.Messages
		}
		slices.SortStableFunc(msgs, func(a, b message.Message) int { return a.Index - b.Index })
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatMode = h.ChatMode
	c.userName, c.sysCode, c.appCode = h.UserName, h.SysCode, h.AppCode
	c.summary = h.Summary
	c.created = h.Created
	if c.modelName == "" {
		c.modelName = h.ModelName
	}
	if h.MessageVersion != "" {
		c.messageVersion = h.MessageVersion
	}
	c.independent = h.SaveMessageIndependent
	c.messages = msgs
	c.messageIDs = append([]string(nil), h.MessageIDs...)
	c.inRound = false
	if c.opts.SkipMessages {
		c.chatOrder = h.ChatOrder
		c.cursor = len(h.MessageIDs)
	} else {
		c.chatOrder = 0
		for _, m := range msgs {
			c.chatOrder = max(c.chatOrder, m.RoundIndex)
		}
		c.cursor = len(msgs)
	}
	c.storedIndex = c.cursor - 1

	c.paramType, c.paramValue = h.ParamType, h.ParamValue
	for i := len(msgs) - 1; i >= 0; i-- {
		pt, ok1 := msgs[i].Additional[KeyParamType].(string)
		pv, ok2 := msgs[i].Additional[KeyParamValue].(string)
		if ok1 || ok2 {
			c.paramType, c.paramValue = pt, pv
			break
		}
	}
	c.log.Debug().Int("round", c.chatOrder).Int("messages", len(msgs)).Msg("conversation loaded")
	return nil
}

// EndCurrentRound closes the round and persists it. It persists even when the round
// failed, so partial answers survive.
func (c *Conversation) EndCurrentRound(ctx context.Context) error {
	c.mu.Lock()
	c.inRound = false
	c.mu.Unlock()
	return c.SaveToStorage(ctx)
}

// SaveToStorage writes the messages added since the last flush and upserts the header.
func (c *Conversation) SaveToStorage(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]MessageItem, len(c.messages))
	ids := make([]string, len(c.messages))
	for i, m := range c.messages {
		items[i] = MessageItem{ConvUID: c.uid, Message: m.Clone()}
		ids[i] = items[i].StorageID()
	}
	pending := items[min(c.storedIndex+1, len(items)):]
	if c.independent && len(pending) > 0 {
		if err := c.stores.Messages.SaveList(ctx, pending); err != nil {
			return fmt.Errorf("save messages of %s: %w", c.uid, err)
		}
	}
	c.summary = truncate(c.summary, MaxSummaryLength)

	now := time.Now()
	h := c.headerLocked(ids, now)
	if err := c.stores.Conversations.SaveOrUpdate(ctx, h); err != nil {
		return fmt.Errorf("save conversation %s: %w", c.uid, err)
	}
	c.messageIDs = ids
	c.storedIndex = len(items) - 1
	c.log.Debug().Int("round", c.chatOrder).Int("flushed", len(pending)).Msg("conversation saved")
	return nil
}

func (c *Conversation) headerLocked(ids []string, now time.Time) Header {
	if c.created.IsZero() {
		c.created = now
	}
	h := Header{
		ConvUID:                c.uid,
		ChatMode:               c.chatMode,
		UserName:               c.userName,
		SysCode:                c.sysCode,
		AppCode:                c.appCode,
		Summary:                c.summary,
		ModelName:              c.modelName,
		ParamType:              c.paramType,
		ParamValue:             c.paramValue,
		ChatOrder:              c.chatOrder,
		SaveMessageIndependent: c.independent,
		MessageIDs:             ids,
		MessageVersion:         c.messageVersion,
		Created:                c.created,
		Modified:               now,
	}
	if !c.independent {
		h.Messages = cloneMessages(c.messages)
	}
	return h
}

// Delete removes every message row and the header, and resets the in-memory state.
func (c *Conversation) Delete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.messageIDs
	if h, err := c.stores.Conversations.Load(ctx, c.uid); err == nil {
		ids = h.MessageIDs
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load conversation %s: %w", c.uid, err)
	}
	if err := c.stores.Messages.DeleteList(ctx, ids); err != nil {
		return fmt.Errorf("delete messages of %s: %w", c.uid, err)
	}
	if err := c.stores.Conversations.Delete(ctx, c.uid); err != nil {
		return fmt.Errorf("delete conversation %s: %w", c.uid, err)
	}
	c.messages, c.messageIDs = nil, nil
	c.chatOrder, c.cursor, c.storedIndex = 0, 0, -1
	c.inRound = false
	return nil
}

// Clear deletes the conversation and runs the clear hooks.
func (c *Conversation) Clear(ctx context.Context) error {
	if err := c.Delete(ctx); err != nil {
		return err
	}
	for _, hook := range c.opts.ClearHooks {
		if err := hook(ctx, c.uid); err != nil {
			return fmt.Errorf("clear %s: %w", c.uid, err)
		}
	}
	c.mu.Lock()
	c.summary = ""
	c.mu.Unlock()
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
