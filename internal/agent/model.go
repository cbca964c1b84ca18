// Package agent drives a tool-calling loop against a streaming language
// model and reports its progress through callbacks.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/eldtechnologies/concierge/internal/models"
)

var (
	// ErrNotConfigured is returned when no model backend is available.
	ErrNotConfigured = errors.New("agent backend not configured")
	// ErrMaxIterations is returned when the model keeps calling tools past
	// the iteration budget.
	ErrMaxIterations = errors.New("agent exceeded max iterations")
)

type (
	// Part is one piece of a model message.
	Part interface{ isPart() }

	// TextPart is plain text.
	TextPart struct {
		Text string
	}

	// ImagePart is a base64 encoded image.
	ImagePart struct {
		MediaType string
		Data      string
	}

	// ToolUsePart is a tool call requested by the model.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart answers a ToolUsePart.
	ToolResultPart struct {
		ToolUseID string
		Content   string
		IsError   bool
	}

	// Message is one entry of the model transcript.
	Message struct {
		Role  models.Role
		Parts []Part
	}

	// ToolDefinition advertises a tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// Request is a single model round.
	Request struct {
		System    string
		Messages  []Message
		Tools     []ToolDefinition
		MaxTokens int
	}
)

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// ChunkType identifies the kind of a streamed chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkStop     ChunkType = "stop"
)

// Chunk is one increment of a streamed model response.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolUsePart
	StopReason string
}

// Streamer yields chunks until io.EOF.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Model is a streaming chat model with tool support.
type Model interface {
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// FromModels converts stored conversation messages into a model transcript.
func FromModels(history []models.Message) []Message {
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		parts := make([]Part, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					parts = append(parts, TextPart{Text: block.Text})
				}
			case models.BlockImage:
				parts = append(parts, ImagePart{MediaType: block.MediaType, Data: block.Data})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, Message{Role: msg.Role, Parts: parts})
	}
	return out
}
