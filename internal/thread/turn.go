package thread

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/eldtechnologies/concierge/internal/ids"
	"github.com/eldtechnologies/concierge/internal/models"
)

// Turn emits the events of one user turn in protocol order:
//
//	item.added(user) → item.added(assistant, empty)
//	→ (progress_update | item.added/done(tool call) | item.updated(assistant))*
//	→ item.done(assistant) → item.added(end_of_turn)
//
// A Turn is used from a single goroutine. Calls after Finish or Fail are
// ignored.
type Turn struct {
	out       Sender
	threadID  string
	now       func() time.Time
	assistant *AssistantMessageItem
	tools     map[string]*ClientToolCallItem
	text      strings.Builder
	closed    bool
}

// NewTurn returns a Turn writing to out for the given thread.
func NewTurn(out Sender, threadID string) *Turn {
	return &Turn{
		out:      out,
		threadID: threadID,
		now:      time.Now,
		tools:    make(map[string]*ClientToolCallItem),
	}
}

// Begin emits the user message and the empty assistant shell.
func (t *Turn) Begin(user models.Message) {
	t.send(NewItemAdded(MessageToItem(user, t.threadID)))
	t.assistant = &AssistantMessageItem{
		Type:      ItemAssistantMessage,
		ID:        ids.NewULID(),
		ThreadID:  t.threadID,
		CreatedAt: t.now(),
		Content:   []AssistantContent{},
	}
	t.send(NewItemAdded(t.assistant))
}

// AssistantID returns the id of the assistant item, which is also the id of
// the persisted assistant message.
func (t *Turn) AssistantID() string {
	if t.assistant == nil {
		return ""
	}
	return t.assistant.ID
}

// AppendText grows the assistant reply by delta and emits the full content.
func (t *Turn) AppendText(delta string) {
	if t.closed || t.assistant == nil || delta == "" {
		return
	}
	t.text.WriteString(delta)
	t.send(NewItemUpdated(t.assistant.ID, t.content(t.text.String())))
}

// Text returns the reply accumulated from AppendText.
func (t *Turn) Text() string {
	return t.text.String()
}

// Progress emits a progress_update.
func (t *Turn) Progress(icon, text string) {
	if t.closed {
		return
	}
	t.send(NewProgressUpdate(icon, text))
}

// ToolCallStarted emits a pending tool call item.
func (t *Turn) ToolCallStarted(callID, name string, args json.RawMessage) {
	if t.closed {
		return
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	item := &ClientToolCallItem{
		Type:      ItemClientToolCall,
		ID:        ids.NewULID(),
		ThreadID:  t.threadID,
		CreatedAt: t.now(),
		Status:    ToolCallPending,
		CallID:    callID,
		Name:      name,
		Arguments: args,
	}
	t.tools[callID] = item
	t.send(NewItemAdded(item))
}

// ToolCallFinished emits the final state of a tool call item.
func (t *Turn) ToolCallFinished(callID string, status ToolCallStatus, output string) {
	if t.closed {
		return
	}
	item, ok := t.tools[callID]
	if !ok {
		return
	}
	delete(t.tools, callID)
	item.Status = status
	item.Output = output
	t.send(NewItemDone(item))
}

// RequestApproval emits a tool_approval_requested event.
func (t *Turn) RequestApproval(approvalID, toolName string, args map[string]any, timeout time.Duration) {
	if t.closed {
		return
	}
	t.send(NewToolApprovalRequested(approvalID, toolName, args, timeout.Milliseconds()))
}

// Finish completes the turn. finalText replaces the accumulated reply when
// non-empty. It returns the assistant message to persist.
func (t *Turn) Finish(finalText string) models.Message {
	text := t.text.String()
	if finalText != "" {
		text = finalText
	}
	msg := models.Message{
		ID:        t.AssistantID(),
		Role:      models.RoleAssistant,
		Content:   []models.ContentBlock{models.TextBlock(text)},
		CreatedAt: t.now(),
	}
	if t.closed || t.assistant == nil {
		return msg
	}
	t.closed = true
	msg.CreatedAt = t.assistant.CreatedAt

	t.assistant.Content = t.content(text)
	t.send(NewItemDone(t.assistant))
	t.send(NewItemAdded(&EndOfTurnItem{
		Type:      ItemEndOfTurn,
		ID:        ids.NewULID(),
		ThreadID:  t.threadID,
		CreatedAt: t.now(),
	}))
	return msg
}

// Fail terminates the turn with an error frame.
func (t *Turn) Fail(code, message string) {
	if t.closed {
		return
	}
	t.closed = true
	t.send(NewError(code, message, true))
}

func (t *Turn) content(text string) []AssistantContent {
	return []AssistantContent{{Type: outputText, Text: text}}
}

func (t *Turn) send(ev Event) {
	_ = t.out.Send(ev)
}
