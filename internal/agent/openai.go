package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/eldtechnologies/concierge/internal/models"
)

// ChatStreamClient is the subset of the go-openai client used by OpenAI.
type ChatStreamClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAI is a Model backed by an OpenAI-compatible chat completions API.
type OpenAI struct {
	chat  ChatStreamClient
	model string
}

// NewOpenAI wraps chat. modelID is required.
func NewOpenAI(chat ChatStreamClient, modelID string) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if modelID == "" {
		return nil, errors.New("openai model is required")
	}
	return &OpenAI{chat: chat, model: modelID}, nil
}

// NewOpenAIFromAPIKey builds a client for apiKey. baseURL selects a
// compatible endpoint when set.
func NewOpenAIFromAPIKey(apiKey, baseURL, modelID string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAI(openai.NewClientWithConfig(cfg), modelID)
}

// Stream starts a streaming chat completion.
func (o *OpenAI) Stream(ctx context.Context, req *Request) (Streamer, error) {
	request, err := o.request(req)
	if err != nil {
		return nil, err
	}
	stream, err := o.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	return &openaiStream{recv: stream.Recv, close: stream.Close, calls: map[int]*toolBuffer{}}, nil
}

func (o *OpenAI) request(req *Request) (openai.ChatCompletionRequest, error) {
	msgs, err := encodeOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	out := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	for _, def := range req.Tools {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return openai.ChatCompletionRequest{}, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out, nil
}

func encodeOpenAIMessages(system string, msgs []Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		var text strings.Builder
		var parts []openai.ChatMessagePart
		var calls []openai.ToolCall
		var results []openai.ChatCompletionMessage
		hasImage := false

		for _, part := range m.Parts {
			switch p := part.(type) {
			case TextPart:
				text.WriteString(p.Text)
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
			case ImagePart:
				hasImage = true
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			case ToolUsePart:
				args := string(p.Input)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, openai.ToolCall{
					ID:       p.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: p.Name, Arguments: args},
				})
			case ToolResultPart:
				content := p.Content
				if p.IsError {
					content = "error: " + content
				}
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: p.ToolUseID,
				})
			}
		}

		switch m.Role {
		case models.RoleUser:
			out = append(out, results...)
			if hasImage {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
			} else if text.Len() > 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
			}
		case models.RoleAssistant:
			if text.Len() == 0 && len(calls) == 0 {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   text.String(),
				ToolCalls: calls,
			})
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

// openaiStream turns streamed deltas into chunks. Tool call arguments are
// accumulated by index and emitted when the stream ends.
type openaiStream struct {
	recv    func() (openai.ChatCompletionStreamResponse, error)
	close   func() error
	calls   map[int]*toolBuffer
	pending []Chunk
	stop    string
	done    bool
}

func (s *openaiStream) Recv() (Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return Chunk{}, io.EOF
		}
		resp, err := s.recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			return Chunk{}, err
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, Chunk{Type: ChunkText, Text: choice.Delta.Content})
			}
			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				buf := s.calls[idx]
				if buf == nil {
					buf = &toolBuffer{}
					s.calls[idx] = buf
				}
				if tc.ID != "" {
					buf.id = tc.ID
				}
				if tc.Function.Name != "" {
					buf.name = tc.Function.Name
				}
				buf.fragments.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				s.stop = string(choice.FinishReason)
			}
		}
	}
	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return chunk, nil
}

func (s *openaiStream) finish() {
	s.done = true
	idxs := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		buf := s.calls[idx]
		if buf.name == "" {
			continue
		}
		input := strings.TrimSpace(buf.fragments.String())
		if input == "" {
			input = "{}"
		}
		id := buf.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		s.pending = append(s.pending, Chunk{
			Type:     ChunkToolCall,
			ToolCall: &ToolUsePart{ID: id, Name: buf.name, Input: json.RawMessage(input)},
		})
	}
	s.pending = append(s.pending, Chunk{Type: ChunkStop, StopReason: s.stop})
}

func (s *openaiStream) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
