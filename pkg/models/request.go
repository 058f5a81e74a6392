package models

import "encoding/json"

// Chat roles accepted by the inference service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an inbound chat completion request. Message order is
// conversation history and is preserved end to end.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatResponse is a completed, non-streaming chat reply.
type ChatResponse struct {
	// Content is the assistant text extracted from message.content.
	Content string `json:"content"`
	// Raw is the upstream document, returned to clients verbatim.
	Raw json.RawMessage `json:"raw"`
}

// ChatChunk is one document of the inference service's chat reply, either a
// whole non-streaming response or one line of a streamed one.
type ChatChunk struct {
	Model   string       `json:"model,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`
	Done    bool         `json:"done"`
	// Error is set when the service aborts a stream mid-way.
	Error   string       `json:"error,omitempty"`
}

// Text returns message.content, or "" when the field is absent.
func (c ChatChunk) Text() string {
	if c.Message == nil {
		return ""
	}
	return c.Message.Content
}
