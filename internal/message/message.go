// Package message defines conversation messages and their conversions to model and
// OpenAI-compatible forms.
package message

import (
	"fmt"
	"maps"
	"sort"

	"github.com/samber/lo"

	"modelworker/pkg/types"
)

// Type is the kind of a conversation message.
type Type string

const (
	Human  Type = "human"
	AI     Type = "ai"
	System Type = "system"
	View   Type = "view"
)

// Message is one entry of a conversation. Index is dense per conversation and
// RoundIndex starts at 1.
type Message struct {
	Type       Type           `json:"type"`
	Content    string         `json:"content"`
	Index      int            `json:"index"`
	RoundIndex int            `json:"round_index"`
	Additional map[string]any `json:"additional_kwargs,omitempty"`
}

// Clone returns a copy with its own Additional map.
func (m Message) Clone() Message {
	m.Additional = maps.Clone(m.Additional)
	return m
}

// PassToModel reports whether the message may be sent to a model.
func (m Message) PassToModel() bool { return m.Type != View }

// ParseType validates s as a message type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case Human, AI, System, View:
		return t, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// ToModelMessages converts conversation messages for a model request, dropping views.
func ToModelMessages(msgs []Message) []types.ModelMessage {
	out := make([]types.ModelMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.PassToModel() {
			continue
		}
		out = append(out, types.ModelMessage{Role: string(m.Type), Content: m.Content, RoundIndex: m.RoundIndex})
	}
	return out
}

// GroupByRound splits messages into rounds ordered by round index, keeping the
// original order inside each round.
func GroupByRound(msgs []Message) [][]Message {
	byRound := lo.GroupBy(msgs, func(m Message) int { return m.RoundIndex })
	keys := lo.Keys(byRound)
	sort.Ints(keys)
	out := make([][]Message, 0, len(keys))
	for _, k := range keys {
		out = append(out, byRound[k])
	}
	return out
}

// WindowRounds keeps the first keepStart and the last keepEnd rounds of msgs.
// Negative values keep everything on that side.
func WindowRounds(msgs []Message, keepStart, keepEnd int) []Message {
	rounds := GroupByRound(msgs)
	if keepStart < 0 || keepEnd < 0 || keepStart+keepEnd >= len(rounds) {
		return lo.Flatten(rounds)
	}
	kept := append(append([][]Message{}, rounds[:keepStart]...), rounds[len(rounds)-keepEnd:]...)
	return lo.Flatten(kept)
}

// LatestUserMessage returns the last human message, scanning the whole history.
func LatestUserMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == Human {
			return msgs[i], true
		}
	}
	return Message{}, false
}
