package message

import (
	"errors"

	"modelworker/pkg/types"
)

// OpenAI-compatible roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrSystemRoleUnsupported is returned when a system message targets a template without
// a system role.
var ErrSystemRoleUnsupported = errors.New("Current model not support system role")

// CommonMessage is the OpenAI-compatible message form.
type CommonMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CommonOptions controls ToCommonMessages.
type CommonOptions struct {
	SupportSystemRole bool
	// ConvertToCompatibleFormat moves the last user message to the end for templates
	// that require a user-terminated prompt.
	ConvertToCompatibleFormat bool
}

// ToCommonMessages maps human→user, ai→assistant and system→system. View messages and
// unknown roles are dropped.
func ToCommonMessages(msgs []types.ModelMessage, opt CommonOptions) ([]CommonMessage, error) {
	out := make([]CommonMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleHuman:
			out = append(out, CommonMessage{Role: RoleUser, Content: m.Content})
		case types.RoleAI:
			out = append(out, CommonMessage{Role: RoleAssistant, Content: m.Content})
		case types.RoleSystem:
			if !opt.SupportSystemRole {
				return nil, ErrSystemRoleUnsupported
			}
			out = append(out, CommonMessage{Role: RoleSystem, Content: m.Content})
		}
	}
	if opt.ConvertToCompatibleFormat {
		out = moveLastUserToEnd(out)
	}
	return out, nil
}

func moveLastUserToEnd(msgs []CommonMessage) []CommonMessage {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			last = i
			break
		}
	}
	if last < 0 || last == len(msgs)-1 {
		return msgs
	}
	u := msgs[last]
	out := append(append([]CommonMessage{}, msgs[:last]...), msgs[last+1:]...)
	return append(out, u)
}

// ErrNoUserPrompt is returned by ParseModelMessages when the last message is not human.
var ErrNoUserPrompt = errors.New("Hi! What do you want to talk about?")

// ParseModelMessages separates the trailing user prompt, system messages and complete
// [human, ai] history pairs. Unclosed pairs are dropped.
func ParseModelMessages(msgs []types.ModelMessage) (prompt string, system []string, history [][2]string, err error) {
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != types.RoleHuman {
		return "", nil, nil, ErrNoUserPrompt
	}
	cur := []string{}
	for _, m := range msgs[:len(msgs)-1] {
		switch m.Role {
		case types.RoleHuman:
			cur = append(cur, m.Content)
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleAI:
			cur = append(cur, m.Content)
			if len(cur) == 2 {
				history = append(history, [2]string{cur[0], cur[1]})
			}
			cur = []string{}
		}
	}
	return msgs[len(msgs)-1].Content, system, history, nil
}
