package prompt

import _ "embed" // prompt texts

// ChatNormalEN is the system prompt of the plain chat scene.
//
//go:embed prompts/chat_normal_en.md
var ChatNormalEN string

// ChatNormalZH is the Chinese system prompt of the plain chat scene.
//
//go:embed prompts/chat_normal_zh.md
var ChatNormalZH string
