package chat

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"modelworker/internal/conversation"
)

// ChatParam is one chat turn as received from a client.
type ChatParam struct {
	ChatSessionID    string   `json:"conv_uid"`
	CurrentUserInput string   `json:"user_input"`
	ModelName        string   `json:"model_name,omitempty"`
	ChatMode         string   `json:"chat_mode"`
	SelectParam      string   `json:"select_param,omitempty"`
	SysCode          string   `json:"sys_code,omitempty"`
	UserName         string   `json:"user_name,omitempty"`
	AppCode          string   `json:"app_code,omitempty"`
	PromptCode       string   `json:"prompt_code,omitempty"`
	Language         string   `json:"language,omitempty"`
	ModelCacheEnable bool     `json:"model_cache_enable,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxNewTokens     *int     `json:"max_new_tokens,omitempty"`
	MessageVersion   string   `json:"message_version,omitempty"`
	// Stream is used by the HTTP API to choose between StreamCall and NoStreamCall.
	Stream bool `json:"stream,omitempty"`
}

// Validate checks the fields every scene needs.
func (p ChatParam) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ChatSessionID, validation.Required),
		validation.Field(&p.CurrentUserInput, validation.Required),
		validation.Field(&p.ChatMode, validation.Required),
		validation.Field(&p.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&p.MaxNewTokens, validation.Min(1)),
		validation.Field(&p.MessageVersion, validation.In(conversation.MessageVersionV1, conversation.MessageVersionV2)),
	)
}
