package adapter

import (
	"fmt"
	"strings"

	"modelworker/internal/message"
)

// ChatTemplate renders common messages into a family's native prompt format.
type ChatTemplate struct {
	Name string
	// Prefix is emitted once at the start of the prompt (e.g. a BOS marker).
	Prefix       string
	SystemFmt    string
	UserFmt      string
	AssistantFmt string
	// Generation opens the assistant turn the model completes.
	Generation        string
	Stop              []string
	SupportSystemRole bool
	// UserTerminated templates must end on a user turn before Generation.
	UserTerminated bool
	Roles          []string
	Sep            string
}

// Render formats msgs and appends the generation prompt.
func (t ChatTemplate) Render(msgs []message.CommonMessage) (string, error) {
	var b strings.Builder
	b.WriteString(t.Prefix)
	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			if !t.SupportSystemRole {
				return "", fmt.Errorf("template %s: %w", t.Name, message.ErrSystemRoleUnsupported)
			}
			fmt.Fprintf(&b, t.SystemFmt, m.Content)
		case message.RoleUser:
			fmt.Fprintf(&b, t.UserFmt, m.Content)
		case message.RoleAssistant:
			fmt.Fprintf(&b, t.AssistantFmt, m.Content)
		default:
			return "", fmt.Errorf("template %s: unknown role %q", t.Name, m.Role)
		}
	}
	b.WriteString(t.Generation)
	return b.String(), nil
}

var templates = map[string]ChatTemplate{
	"chatml": {
		Name:              "chatml",
		SystemFmt:         "<|im_start|>system\n%s<|im_end|>\n",
		UserFmt:           "<|im_start|>user\n%s<|im_end|>\n",
		AssistantFmt:      "<|im_start|>assistant\n%s<|im_end|>\n",
		Generation:        "<|im_start|>assistant\n",
		Stop:              []string{"<|im_end|>"},
		SupportSystemRole: true,
		Roles:             []string{"system", "user", "assistant"},
		Sep:               "<|im_end|>\n",
	},
	"llama3": {
		Name:              "llama3",
		Prefix:            "<|begin_of_text|>",
		SystemFmt:         "<|start_header_id|>system<|end_header_id|>\n\n%s<|eot_id|>",
		UserFmt:           "<|start_header_id|>user<|end_header_id|>\n\n%s<|eot_id|>",
		AssistantFmt:      "<|start_header_id|>assistant<|end_header_id|>\n\n%s<|eot_id|>",
		Generation:        "<|start_header_id|>assistant<|end_header_id|>\n\n",
		Stop:              []string{"<|eot_id|>"},
		SupportSystemRole: true,
		Roles:             []string{"system", "user", "assistant"},
		Sep:               "<|eot_id|>",
	},
	"vicuna": {
		Name:              "vicuna",
		SystemFmt:         "%s\n\n",
		UserFmt:           "USER: %s ",
		AssistantFmt:      "ASSISTANT: %s</s>",
		Generation:        "ASSISTANT:",
		Stop:              []string{"</s>"},
		SupportSystemRole: true,
		UserTerminated:    true,
		Roles:             []string{"USER", "ASSISTANT"},
		Sep:               " ",
	},
	"deepseek-r1": {
		Name:           "deepseek-r1",
		Prefix:         "<｜begin▁of▁sentence｜>",
		UserFmt:        "<｜User｜>%s",
		AssistantFmt:   "<｜Assistant｜>%s<｜end▁of▁sentence｜>",
		Generation:     "<｜Assistant｜><think>\n",
		Stop:           []string{"<｜end▁of▁sentence｜>"},
		UserTerminated: true,
		Roles:          []string{"User", "Assistant"},
		Sep:            "<｜end▁of▁sentence｜>",
	},
}

// Template returns a chat template by name.
func Template(name string) (ChatTemplate, bool) {
	t, ok := templates[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}
