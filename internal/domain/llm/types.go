package llm

import "context"

// ChatMessage is one entry in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the payload sent to the completion API.
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

// ChatCompletionResponse is a non-streaming completion result.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// ChatCompletionDelta is one streamed chunk.
type ChatCompletionDelta struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Text returns the chunk's content fragment, if any.
func (d *ChatCompletionDelta) Text() string {
	for _, choice := range d.Choices {
		if choice.Delta.Content != "" {
			return choice.Delta.Content
		}
	}
	return ""
}

// Stream yields completion fragments until io.EOF.
type Stream interface {
	Recv() (*ChatCompletionDelta, error)
	Close() error
}

// Provider abstracts the hosted completion API.
type Provider interface {
	CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req ChatCompletionRequest) (Stream, error)
}
