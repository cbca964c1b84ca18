package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/eldtechnologies/concierge/internal/models"
)

// MessagesClient is the subset of the Anthropic SDK used by Anthropic. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Anthropic is a Model backed by the Anthropic Messages API.
type Anthropic struct {
	msg   MessagesClient
	model string
}

// NewAnthropic wraps msg. modelID is required.
func NewAnthropic(msg MessagesClient, modelID string) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if modelID == "" {
		return nil, errors.New("anthropic model is required")
	}
	return &Anthropic{msg: msg, model: modelID}, nil
}

// NewAnthropicFromAPIKey builds a client with the default HTTP transport.
func NewAnthropicFromAPIKey(apiKey, modelID string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&client.Messages, modelID)
}

// Stream starts a streaming Messages request.
func (a *Anthropic) Stream(ctx context.Context, req *Request) (Streamer, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	stream := a.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return &anthropicStream{stream: stream, proc: newChunkProcessor()}, nil
}

func (a *Anthropic) params(req *Request) (*sdk.MessageNewParams, error) {
	msgs, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeAnthropicMessages(msgs []Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch p := part.(type) {
			case TextPart:
				if p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			case ImagePart:
				blocks = append(blocks, sdk.NewImageBlockBase64(p.MediaType, p.Data))
			case ToolUsePart:
				var input any = map[string]any{}
				if len(p.Input) > 0 {
					input = p.Input
				}
				blocks = append(blocks, sdk.NewToolUseBlock(p.ID, input, p.Name))
			case ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(p.ToolUseID, p.Content, p.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case models.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	proc   *chunkProcessor
}

func (s *anthropicStream) Recv() (Chunk, error) {
	for s.stream.Next() {
		chunk, err := s.proc.handle(s.stream.Current())
		if err != nil {
			return Chunk{}, err
		}
		if chunk != nil {
			return *chunk, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// chunkProcessor folds Anthropic stream events into chunks. Tool input
// arrives as JSON fragments and is emitted once its block stops.
type chunkProcessor struct {
	toolBlocks map[int64]*toolBuffer
	stopReason string
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func newChunkProcessor() *chunkProcessor {
	return &chunkProcessor{toolBlocks: make(map[int64]*toolBuffer)}
}

func (p *chunkProcessor) handle(event sdk.MessageStreamEventUnion) (*Chunk, error) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int64]*toolBuffer)
		p.stopReason = ""
	case sdk.ContentBlockStartEvent:
		if use, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if use.ID == "" || use.Name == "" {
				return nil, errors.New("anthropic stream: tool use block missing id or name")
			}
			p.toolBlocks[ev.Index] = &toolBuffer{id: use.ID, name: use.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				return &Chunk{Type: ChunkText, Text: delta.Text}, nil
			}
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[ev.Index]; tb != nil {
				tb.fragments.WriteString(delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		tb := p.toolBlocks[ev.Index]
		if tb == nil {
			return nil, nil
		}
		delete(p.toolBlocks, ev.Index)
		input := strings.TrimSpace(tb.fragments.String())
		if input == "" {
			input = "{}"
		}
		return &Chunk{
			Type:     ChunkToolCall,
			ToolCall: &ToolUsePart{ID: tb.id, Name: tb.name, Input: json.RawMessage(input)},
		}, nil
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
	case sdk.MessageStopEvent:
		return &Chunk{Type: ChunkStop, StopReason: p.stopReason}, nil
	}
	return nil, nil
}
