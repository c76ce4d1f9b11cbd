package adapter

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// SplitThinking separates reasoning from the answer in cumulative model text. A missing
// opening tag (templates that open <think> in the prompt) treats everything before
// </think> as reasoning. Text without tags is all answer.
func SplitThinking(text string) (thinking, answer string) {
	open := strings.Index(text, thinkOpen)
	closeAt := strings.Index(text, thinkClose)
	switch {
	case open >= 0 && (closeAt < 0 || closeAt < open):
		// still thinking
		return strings.TrimSpace(text[open+len(thinkOpen):]), strings.TrimSpace(text[:open])
	case open >= 0:
		return strings.TrimSpace(text[open+len(thinkOpen) : closeAt]),
			strings.TrimSpace(text[:open] + text[closeAt+len(thinkClose):])
	case closeAt >= 0:
		return strings.TrimSpace(text[:closeAt]), strings.TrimSpace(text[closeAt+len(thinkClose):])
	}
	return "", text
}

// SplitThinkingOpen is SplitThinking for output whose prompt already opened <think>:
// text before any closing tag is reasoning in progress.
func SplitThinkingOpen(text string) (thinking, answer string) {
	if strings.Contains(text, thinkOpen) || strings.Contains(text, thinkClose) {
		return SplitThinking(text)
	}
	return strings.TrimSpace(text), ""
}
