package types

// ChatCompletionResponse is the non-streaming answer of POST /api/v1/chat/completions.
type ChatCompletionResponse struct {
	// Conversation the round was recorded in.
	// example: 5f0c7c1e-6f5a-4c47-9a43-2b1f3c9f0a11
	ConvUID string `json:"conv_uid" example:"5f0c7c1e-6f5a-4c47-9a43-2b1f3c9f0a11"`
	// Parsed answer text.
	Text string `json:"text"`
	// Rendered view string (think block, red error line).
	View string `json:"view"`
	// False when the model output could not be parsed; View then holds the error.
	Success bool `json:"success"`
}

// ChatHistoryMessage is one stored conversation message.
type ChatHistoryMessage struct {
	// human, ai, system or view.
	// example: human
	Type string `json:"type" example:"human"`
	// example: hello
	Content string `json:"content" example:"hello"`
	// Dense per-conversation index.
	// example: 0
	Index int `json:"index" example:"0"`
	// 1-based round.
	// example: 1
	RoundIndex int `json:"round_index" example:"1"`
}

// ChatHistoryResponse is returned by GET /api/v1/chat/history/{conv_uid}.
type ChatHistoryResponse struct {
	ConvUID  string               `json:"conv_uid"`
	Messages []ChatHistoryMessage `json:"messages"`
}

// OpResponse acknowledges an asynchronous worker operation (load, switch).
type OpResponse struct {
	// Operation id for log correlation.
	// example: op-3
	OpID string `json:"op_id" example:"op-3"`
	// example: qwen2.5-7b-instruct
	Model string `json:"model" example:"qwen2.5-7b-instruct"`
}
