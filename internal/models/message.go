package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Attachment describes a blob attached to a message. URL and URLExpiresAt are
// issued on read and never persisted.
type Attachment struct {
	Name         string     `json:"name"`
	MimeType     string     `json:"mimeType"`
	Size         int64      `json:"size"`
	OriginalName string     `json:"originalName"`
	URL          string     `json:"url,omitempty"`
	URLExpiresAt *time.Time `json:"urlExpiresAt,omitempty"`
}

// Message represents a direct or group chat message. To holds a username when
// IsGroup is false and a group id otherwise.
type Message struct {
	ID         string      `json:"id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	IsGroup    bool        `json:"isGroup"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyTo    *ReplyRef   `json:"replyTo"`
	Timestamp  time.Time   `json:"timestamp"`
	Deleted    bool        `json:"deleted"`

	// transient, never stored
	ClientID     string `json:"clientId,omitempty"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

// ReplyPreview is the expanded form of a reply reference.
type ReplyPreview struct {
	ID         string      `json:"id"`
	From       string      `json:"from"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Deleted    bool        `json:"deleted"`
}

// ReplyRef points at another message, either by bare id or as an expanded preview.
type ReplyRef struct {
	ID      string
	Preview *ReplyPreview
}

// MarshalJSON encodes an expanded reference as an object and a bare one as its id.
func (r ReplyRef) MarshalJSON() ([]byte, error) {
	if r.Preview != nil {
		return json.Marshal(r.Preview)
	}
	return json.Marshal(r.ID)
}

// UnmarshalJSON accepts either a string id or a preview object.
func (r *ReplyRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = ReplyRef{ID: id}
		return nil
	}
	var preview ReplyPreview
	if err := json.Unmarshal(data, &preview); err != nil {
		return err
	}
	*r = ReplyRef{ID: preview.ID, Preview: &preview}
	return nil
}

// ReplyID returns the referenced id or an empty string.
func (m Message) ReplyID() string {
	if m.ReplyTo == nil {
		return ""
	}
	return m.ReplyTo.ID
}

// Preview builds the reply preview of m as seen by a message replying to it.
func (m Message) Preview() *ReplyPreview {
	p := &ReplyPreview{ID: m.ID, From: m.From, Text: m.Text, Attachment: m.Attachment, Deleted: m.Deleted}
	if m.Deleted {
		p.Text = ""
		p.Attachment = nil
	}
	return p
}

// Scrub clears the visible payload of a soft-deleted message.
func (m *Message) Scrub() {
	m.Deleted = true
	m.Text = ""
	m.Attachment = nil
}
