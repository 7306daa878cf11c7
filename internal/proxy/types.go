package proxy

import (
	"time"
)

// ChatMessage is a single role-tagged message in a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the parsed view of an OpenAI-compatible chat
// request. The raw body bytes are what get forwarded upstream; this view
// only drives prompt extraction, stream selection, and test mode.
type ChatCompletionRequest struct {
	Model        string        `json:"model"`
	Messages     []ChatMessage `json:"messages"`
	Stream       bool          `json:"stream,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
	MaxTokens    *int          `json:"max_tokens,omitempty"`
	User         string        `json:"user,omitempty"`
	TestResponse string        `json:"test_response,omitempty"`
}

// ChatCompletionResponse is the OpenAI chat completion envelope, used to
// synthesize test-mode responses.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice in a chat completion envelope.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage carries token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// newTestCompletion builds the synthetic envelope returned in test mode.
// Token counts are rough estimates (4 characters per token).
func newTestCompletion(requestID, model, prompt, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "chatcmpl-test-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}
}
