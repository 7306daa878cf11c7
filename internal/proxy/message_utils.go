package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractPrompt formats the auditable prompt from a conversation. Messages
// are visited in declared order; only system and user roles participate,
// each rendered as "[<role>]: <content>" and joined with newlines.
// Assistant turns are excluded and content is used verbatim.
func extractPrompt(messages []ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != "system" && msg.Role != "user" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, msg.Content))
	}
	return strings.Join(parts, "\n")
}

// extractStreamingContent reconstructs the assistant text from a captured
// SSE stream. Only lines starting with "data: " participate; scanning stops
// at the first "[DONE]" payload; each remaining payload contributes its
// choices[0].delta.content fragment in arrival order.
func extractStreamingContent(captured string) string {
	var sb strings.Builder
	for _, line := range strings.Split(captured, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		sb.WriteString(extractContentFromSSELine(data))
	}
	return sb.String()
}

// extractContentFromSSELine pulls the content delta out of one SSE payload.
func extractContentFromSSELine(data string) string {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}

	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return ""
	}

	if len(chunk.Choices) == 0 {
		return ""
	}

	return chunk.Choices[0].Delta.Content
}

// extractContentFromResponse extracts the assistant text from a buffered
// (non-streaming) completion envelope. Unparseable bodies yield "".
func extractContentFromResponse(responseBody []byte) string {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return ""
	}

	if len(parsed.Choices) == 0 {
		return ""
	}

	return parsed.Choices[0].Message.Content
}
