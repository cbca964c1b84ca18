package thread

import "encoding/json"

// Event type tags.
const (
	EventThreadCreated         = "thread.created"
	EventItemAdded             = "thread.item.added"
	EventItemUpdated           = "thread.item.updated"
	EventItemDone              = "thread.item.done"
	EventProgressUpdate        = "progress_update"
	EventToolApprovalRequested = "tool_approval_requested"
	EventError                 = "error"
)

// Event is one frame of the stream.
type Event interface {
	EventType() string
}

type ThreadCreated struct {
	Type   string `json:"type"`
	Thread Thread `json:"thread"`
}

type ItemAdded struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type ItemUpdate struct {
	Content []AssistantContent `json:"content"`
}

type ItemUpdated struct {
	Type   string     `json:"type"`
	ItemID string     `json:"item_id"`
	Update ItemUpdate `json:"update"`
}

type ItemDone struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type ProgressUpdate struct {
	Type string `json:"type"`
	Icon string `json:"icon"`
	Text string `json:"text"`
}

type ToolApprovalRequested struct {
	Type          string         `json:"type"`
	ApprovalID    string         `json:"approval_id"`
	ToolName      string         `json:"tool_name"`
	ToolArguments map[string]any `json:"tool_arguments"`
	TimeoutMS     int64          `json:"timeout_ms"`
}

// ErrorEvent terminates a stream that failed after it started.
type ErrorEvent struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	AllowRetry bool   `json:"allow_retry"`
}

// UnknownEvent carries a frame whose tag this package does not know.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e ThreadCreated) EventType() string         { return EventThreadCreated }
func (e ItemAdded) EventType() string             { return EventItemAdded }
func (e ItemUpdated) EventType() string           { return EventItemUpdated }
func (e ItemDone) EventType() string              { return EventItemDone }
func (e ProgressUpdate) EventType() string        { return EventProgressUpdate }
func (e ToolApprovalRequested) EventType() string { return EventToolApprovalRequested }
func (e ErrorEvent) EventType() string            { return EventError }
func (e UnknownEvent) EventType() string          { return e.Type }

func NewThreadCreated(t Thread) ThreadCreated {
	return ThreadCreated{Type: EventThreadCreated, Thread: t}
}

func NewItemAdded(item Item) ItemAdded {
	return ItemAdded{Type: EventItemAdded, Item: item}
}

func NewItemUpdated(itemID string, content []AssistantContent) ItemUpdated {
	return ItemUpdated{Type: EventItemUpdated, ItemID: itemID, Update: ItemUpdate{Content: content}}
}

func NewItemDone(item Item) ItemDone {
	return ItemDone{Type: EventItemDone, Item: item}
}

func NewProgressUpdate(icon, text string) ProgressUpdate {
	return ProgressUpdate{Type: EventProgressUpdate, Icon: icon, Text: text}
}

func NewToolApprovalRequested(approvalID, toolName string, args map[string]any, timeoutMS int64) ToolApprovalRequested {
	if args == nil {
		args = map[string]any{}
	}
	return ToolApprovalRequested{
		Type:          EventToolApprovalRequested,
		ApprovalID:    approvalID,
		ToolName:      toolName,
		ToolArguments: args,
		TimeoutMS:     timeoutMS,
	}
}

func NewError(code, message string, allowRetry bool) ErrorEvent {
	return ErrorEvent{Type: EventError, Code: code, Message: message, AllowRetry: allowRetry}
}

// DecodeEvent parses one frame payload. Unknown tags yield an UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case EventThreadCreated:
		return decodeAs[ThreadCreated](data)
	case EventItemAdded, EventItemDone:
		var aux struct {
			Item json.RawMessage `json:"item"`
		}
		if err := json.Unmarshal(data, &aux); err != nil {
			return nil, err
		}
		item, err := DecodeItem(aux.Item)
		if err != nil {
			return nil, err
		}
		if head.Type == EventItemDone {
			return NewItemDone(item), nil
		}
		return NewItemAdded(item), nil
	case EventItemUpdated:
		return decodeAs[ItemUpdated](data)
	case EventProgressUpdate:
		return decodeAs[ProgressUpdate](data)
	case EventToolApprovalRequested:
		return decodeAs[ToolApprovalRequested](data)
	case EventError:
		return decodeAs[ErrorEvent](data)
	default:
		return UnknownEvent{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
