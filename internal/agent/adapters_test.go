package agent

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/concierge/internal/models"
)

// testDecoder feeds a fixed sequence of events to an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

type stubMessages struct {
	params sdk.MessageNewParams
	events []ssestream.Event
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: s.events}, nil)
}

func sse(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func TestAnthropicStream(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"On it."}}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu1","name":"list_events","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"from\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"2026-10-17T00:00:00Z\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	model, err := NewAnthropic(stub, "claude-sonnet-4-5")
	require.NoError(t, err)

	stream, err := model.Stream(context.Background(), &Request{
		System:   "sys",
		Messages: []Message{{Role: models.RoleUser, Parts: []Part{TextPart{Text: "hi"}, ImagePart{MediaType: "image/png", Data: "AAAA"}}}},
		Tools:    []ToolDefinition{{Name: "list_events", Description: "list", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var chunks []Chunk
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	require.Equal(t, Chunk{Type: ChunkText, Text: "On it."}, chunks[0])
	require.Equal(t, ChunkToolCall, chunks[1].Type)
	require.Equal(t, "tu1", chunks[1].ToolCall.ID)
	require.JSONEq(t, `{"from":"2026-10-17T00:00:00Z"}`, string(chunks[1].ToolCall.Input))
	require.Equal(t, Chunk{Type: ChunkStop, StopReason: "tool_use"}, chunks[2])

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.params.Model)
	require.Equal(t, int64(DefaultMaxTokens), stub.params.MaxTokens)
	require.Len(t, stub.params.System, 1)
	require.Len(t, stub.params.Tools, 1)
	require.Len(t, stub.params.Messages, 1)
	require.Len(t, stub.params.Messages[0].Content, 2)
}

func TestEncodeAnthropicMessages(t *testing.T) {
	msgs, err := encodeAnthropicMessages([]Message{
		{Role: models.RoleUser, Parts: []Part{TextPart{Text: "delete"}}},
		{Role: models.RoleAssistant, Parts: []Part{ToolUsePart{ID: "t1", Name: "delete_event"}}},
		{Role: models.RoleUser, Parts: []Part{ToolResultPart{ToolUseID: "t1", Content: "declined", IsError: true}}},
		{Role: models.RoleAssistant, Parts: []Part{TextPart{Text: ""}}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	_, err = encodeAnthropicMessages(nil)
	require.Error(t, err)
}

func TestOpenAIStreamAccumulatesToolCalls(t *testing.T) {
	zero, one := 0, 1
	responses := []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "Checking"}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: &one, ID: "c2", Function: openai.FunctionCall{Name: "list_tasks", Arguments: ""}},
			{Index: &zero, ID: "c1", Function: openai.FunctionCall{Name: "list_events", Arguments: `{"fr`}},
		}}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{
			Delta:        openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{Index: &zero, Function: openai.FunctionCall{Arguments: `om":"x"}`}}}},
			FinishReason: openai.FinishReasonToolCalls,
		}}},
	}
	i := 0
	s := &openaiStream{
		recv: func() (openai.ChatCompletionStreamResponse, error) {
			if i >= len(responses) {
				return openai.ChatCompletionStreamResponse{}, io.EOF
			}
			i++
			return responses[i-1], nil
		},
		calls: map[int]*toolBuffer{},
	}

	var chunks []Chunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 4)
	require.Equal(t, "Checking", chunks[0].Text)
	require.Equal(t, "c1", chunks[1].ToolCall.ID)
	require.JSONEq(t, `{"from":"x"}`, string(chunks[1].ToolCall.Input))
	require.Equal(t, "list_tasks", chunks[2].ToolCall.Name)
	require.Equal(t, "{}", string(chunks[2].ToolCall.Input))
	require.Equal(t, Chunk{Type: ChunkStop, StopReason: "tool_calls"}, chunks[3])
	require.NoError(t, s.Close())
}

func TestEncodeOpenAIMessages(t *testing.T) {
	msgs, err := encodeOpenAIMessages("sys", []Message{
		{Role: models.RoleUser, Parts: []Part{TextPart{Text: "what is this"}, ImagePart{MediaType: "image/jpeg", Data: "BBBB"}}},
		{Role: models.RoleAssistant, Parts: []Part{ToolUsePart{ID: "c1", Name: "list_events"}}},
		{Role: models.RoleUser, Parts: []Part{ToolResultPart{ToolUseID: "c1", Content: "[]"}}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	require.Len(t, msgs[1].MultiContent, 2)
	require.Equal(t, "data:image/jpeg;base64,BBBB", msgs[1].MultiContent[1].ImageURL.URL)
	require.Equal(t, "{}", msgs[2].ToolCalls[0].Function.Arguments)
	require.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	require.Equal(t, "c1", msgs[3].ToolCallID)
}
