package thread

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eldtechnologies/concierge/internal/models"
)

const (
	inputText  = "input_text"
	outputText = "output_text"
	imageType  = "image"
)

// ConversationToThread projects a stored conversation onto the wire.
func ConversationToThread(conv *models.Conversation) Thread {
	id := conv.ID.String()
	items := make([]Item, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		items = append(items, MessageToItem(msg, id))
	}
	return Thread{
		ID:        id,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Items:     items,
	}
}

// MessageToItem converts a stored message into a thread item. Text blocks
// become input_text or output_text parts depending on the role; image blocks
// become attachments whose id is derived from the message id and the block
// index.
func MessageToItem(msg models.Message, threadID string) Item {
	var texts []string
	var attachments []Attachment
	for i, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			texts = append(texts, block.Text)
		case models.BlockImage:
			attachments = append(attachments, Attachment{
				ID:       ImageID(msg.ID, i),
				Type:     imageType,
				MimeType: block.MediaType,
				Data:     block.Data,
			})
		}
	}

	if msg.Role == models.RoleAssistant {
		content := make([]AssistantContent, 0, len(texts))
		for _, t := range texts {
			content = append(content, AssistantContent{Type: outputText, Text: t})
		}
		return &AssistantMessageItem{
			Type:        ItemAssistantMessage,
			ID:          msg.ID,
			ThreadID:    threadID,
			CreatedAt:   msg.CreatedAt,
			Content:     content,
			Attachments: attachments,
		}
	}

	content := make([]UserContent, 0, len(texts))
	for _, t := range texts {
		content = append(content, UserContent{Type: inputText, Text: t})
	}
	return &UserMessageItem{
		Type:        ItemUserMessage,
		ID:          msg.ID,
		ThreadID:    threadID,
		CreatedAt:   msg.CreatedAt,
		Content:     content,
		Attachments: attachments,
	}
}

// ItemToMessage converts a message item back into a stored message. Image
// attachments return to the block index encoded in their id.
func ItemToMessage(item Item) (models.Message, error) {
	switch it := item.(type) {
	case *UserMessageItem:
		texts := make([]string, 0, len(it.Content))
		for _, c := range it.Content {
			texts = append(texts, c.Text)
		}
		return models.Message{
			ID:        it.ID,
			Role:      models.RoleUser,
			Content:   mergeBlocks(it.ID, texts, it.Attachments),
			CreatedAt: it.CreatedAt,
		}, nil
	case *AssistantMessageItem:
		texts := make([]string, 0, len(it.Content))
		for _, c := range it.Content {
			texts = append(texts, c.Text)
		}
		return models.Message{
			ID:        it.ID,
			Role:      models.RoleAssistant,
			Content:   mergeBlocks(it.ID, texts, it.Attachments),
			CreatedAt: it.CreatedAt,
		}, nil
	default:
		return models.Message{}, fmt.Errorf("thread: item type %q is not a message", item.ItemType())
	}
}

// ImageID is the synthetic attachment id of the image at index in message.
func ImageID(messageID string, index int) string {
	return messageID + "_img_" + strconv.Itoa(index)
}

func mergeBlocks(messageID string, texts []string, attachments []Attachment) []models.ContentBlock {
	total := len(texts) + len(attachments)
	slots := make([]*models.ContentBlock, total)
	var overflow []models.ContentBlock

	prefix := messageID + "_img_"
	for _, a := range attachments {
		block := models.ImageBlock(a.MimeType, a.Data)
		idx, err := strconv.Atoi(strings.TrimPrefix(a.ID, prefix))
		if err != nil || !strings.HasPrefix(a.ID, prefix) || idx < 0 || idx >= total || slots[idx] != nil {
			overflow = append(overflow, block)
			continue
		}
		slots[idx] = &block
	}

	out := make([]models.ContentBlock, 0, total)
	next := 0
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
			continue
		}
		if next < len(texts) {
			out = append(out, models.TextBlock(texts[next]))
			next++
		}
	}
	for ; next < len(texts); next++ {
		out = append(out, models.TextBlock(texts[next]))
	}
	return append(out, overflow...)
}
