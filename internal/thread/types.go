// Package thread defines the wire protocol streamed to clients during a turn
// and the mapping between stored conversations and protocol items.
//
// Every frame is one JSON object carrying a "type" tag. Clients must ignore
// tags they do not know.
package thread

import (
	"encoding/json"
	"time"
)

// ItemType tags a thread item.
type ItemType string

const (
	ItemUserMessage      ItemType = "user_message"
	ItemAssistantMessage ItemType = "assistant_message"
	ItemClientToolCall   ItemType = "client_tool_call"
	ItemEndOfTurn        ItemType = "end_of_turn"
)

// Item is one unit of a thread: a message, a tool call or an end-of-turn
// marker.
type Item interface {
	ItemID() string
	ItemType() ItemType
}

// UserContent is a text part of a user message.
type UserContent struct {
	Type string `json:"type"` // input_text
	Text string `json:"text"`
}

// AssistantContent is a text part of an assistant message.
type AssistantContent struct {
	Type string `json:"type"` // output_text
	Text string `json:"text"`
}

// Attachment is an image carried by a message item.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// UserMessageItem is a message typed by the user.
type UserMessageItem struct {
	Type        ItemType      `json:"type"`
	ID          string        `json:"id"`
	ThreadID    string        `json:"thread_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Content     []UserContent `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

func (i *UserMessageItem) ItemID() string     { return i.ID }
func (i *UserMessageItem) ItemType() ItemType { return ItemUserMessage }

// AssistantMessageItem is the assistant's reply. Its content is replaced
// wholesale as the reply grows.
type AssistantMessageItem struct {
	Type        ItemType           `json:"type"`
	ID          string             `json:"id"`
	ThreadID    string             `json:"thread_id"`
	CreatedAt   time.Time          `json:"created_at"`
	Content     []AssistantContent `json:"content"`
	Attachments []Attachment       `json:"attachments,omitempty"`
}

func (i *AssistantMessageItem) ItemID() string     { return i.ID }
func (i *AssistantMessageItem) ItemType() ItemType { return ItemAssistantMessage }

// ToolCallStatus is the lifecycle state of a tool call item.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallRejected  ToolCallStatus = "rejected"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ClientToolCallItem records a tool invocation made by the agent.
type ClientToolCallItem struct {
	Type      ItemType        `json:"type"`
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	CreatedAt time.Time       `json:"created_at"`
	Status    ToolCallStatus  `json:"status"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Output    string          `json:"output,omitempty"`
}

func (i *ClientToolCallItem) ItemID() string     { return i.ID }
func (i *ClientToolCallItem) ItemType() ItemType { return ItemClientToolCall }

// EndOfTurnItem marks the end of an assistant turn.
type EndOfTurnItem struct {
	Type      ItemType  `json:"type"`
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (i *EndOfTurnItem) ItemID() string     { return i.ID }
func (i *EndOfTurnItem) ItemType() ItemType { return ItemEndOfTurn }

// Thread is the wire projection of a conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Items     []Item    `json:"items"`
}

// UnmarshalJSON decodes the tagged items of a thread.
func (t *Thread) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID        string            `json:"id"`
		Title     string            `json:"title"`
		CreatedAt time.Time         `json:"created_at"`
		UpdatedAt time.Time         `json:"updated_at"`
		Items     []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.ID, t.Title, t.CreatedAt, t.UpdatedAt = aux.ID, aux.Title, aux.CreatedAt, aux.UpdatedAt
	t.Items = make([]Item, 0, len(aux.Items))
	for _, raw := range aux.Items {
		item, err := DecodeItem(raw)
		if err != nil {
			return err
		}
		if item != nil {
			t.Items = append(t.Items, item)
		}
	}
	return nil
}

// DecodeItem decodes a tagged item. Unknown tags decode to nil without error.
func DecodeItem(data []byte) (Item, error) {
	var head struct {
		Type ItemType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	var item Item
	switch head.Type {
	case ItemUserMessage:
		item = &UserMessageItem{}
	case ItemAssistantMessage:
		item = &AssistantMessageItem{}
	case ItemClientToolCall:
		item = &ClientToolCallItem{}
	case ItemEndOfTurn:
		item = &EndOfTurnItem{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, err
	}
	return item, nil
}
