package client

import (
	"strings"

	"chat-relay/internal/models"
)

const (
	DeletedPlaceholder = "This message was deleted"
	UnknownSender      = "Unknown"
)

// Decrypter turns a stored payload into display text.
type Decrypter func(string) (string, error)

// ReplyView is what a reply renders above its own text.
type ReplyView struct {
	ID      string
	From    string
	Text    string
	Deleted bool
}

// ResolvedMessage pairs a message with its rendered reply target.
type ResolvedMessage struct {
	Message models.Message
	Text    string
	Reply   *ReplyView
}

// ResolveReplies renders msgs and their reply targets without fetching anything.
// A target loaded in msgs wins over the preview the server attached.
func ResolveReplies(msgs []models.Message, decrypt Decrypter) []ResolvedMessage {
	byID := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			byID[m.ID] = m
		}
	}

	out := make([]ResolvedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ResolvedMessage{Message: m, Text: body(m.Deleted, m.Text, m.Attachment, decrypt)}
		id := m.ReplyID()
		if id == "" {
			continue
		}
		if target, ok := byID[id]; ok {
			out[i].Reply = &ReplyView{
				ID:      id,
				From:    target.From,
				Text:    body(target.Deleted, target.Text, target.Attachment, decrypt),
				Deleted: target.Deleted,
			}
			continue
		}
		if p := m.ReplyTo.Preview; p != nil {
			out[i].Reply = &ReplyView{
				ID:      id,
				From:    p.From,
				Text:    body(p.Deleted, p.Text, p.Attachment, decrypt),
				Deleted: p.Deleted,
			}
			continue
		}
		out[i].Reply = &ReplyView{ID: id, From: UnknownSender}
	}
	return out
}

func body(deleted bool, text string, attachment *models.Attachment, decrypt Decrypter) string {
	if deleted {
		return DeletedPlaceholder
	}
	if text != "" {
		if decrypt == nil {
			return text
		}
		plain, err := decrypt(text)
		if err != nil {
			return text
		}
		if plain != "" {
			return plain
		}
	}
	if attachment != nil {
		return AttachmentMarker(attachment.MimeType)
	}
	return ""
}

// AttachmentMarker returns the short label shown for an attachment of mimeType.
func AttachmentMarker(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "[image]"
	case strings.HasPrefix(mimeType, "video/"):
		return "[video]"
	case strings.HasPrefix(mimeType, "audio/"):
		return "[audio]"
	default:
		return "[file]"
	}
}
