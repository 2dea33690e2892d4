// Package llm provides chat execution clients for the tier backends.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one prior turn passed as conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified response from any backend.
type ChatResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

// Client is the interface every execution backend implements.
type Client interface {
	// Chat sends one message with bounded history and returns the reply.
	Chat(ctx context.Context, message string, history []Message) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
