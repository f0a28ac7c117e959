package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"chat-relay/internal/models"
	"chat-relay/internal/rooms"
)

// maxUpload bounds what Upload reads into memory before sniffing.
const maxUpload = 25 << 20

// APIError is a non-2xx answer of the HTTP collaborators.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

// UserInfo is a directory entry as listed by the server.
type UserInfo struct {
	Username string     `json:"username"`
	Avatar   string     `json:"avatar,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	Online   bool       `json:"online"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := s.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Session) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	return s.do(ctx, method, path, "application/json", body, out)
}

func (s *Session) authenticate(ctx context.Context, path, username, password string) error {
	var resp tokenResponse
	if err := s.doJSON(ctx, http.MethodPost, path, credentials{Username: username, Password: password}, &resp); err != nil {
		return err
	}
	s.mu.Lock()
	s.token = resp.Token
	s.self = username
	s.mu.Unlock()
	s.store = NewStore(username, s.ackTimeout)
	s.unread = NewUnread(username, s.notifier)
	return nil
}

// Register creates an account and signs in.
func (s *Session) Register(ctx context.Context, username, password string) error {
	return s.authenticate(ctx, "/auth/register", username, password)
}

// Login signs in with existing credentials.
func (s *Session) Login(ctx context.Context, username, password string) error {
	return s.authenticate(ctx, "/auth/login", username, password)
}

// ListUsers returns every other user with presence.
func (s *Session) ListUsers(ctx context.Context) ([]UserInfo, error) {
	var resp struct {
		Users []UserInfo `json:"users"`
	}
	err := s.doJSON(ctx, http.MethodGet, "/users", nil, &resp)
	return resp.Users, err
}

// ListGroups returns the groups the user belongs to.
func (s *Session) ListGroups(ctx context.Context) ([]models.Group, error) {
	var resp struct {
		Groups []models.Group `json:"groups"`
	}
	err := s.doJSON(ctx, http.MethodGet, "/groups", nil, &resp)
	return resp.Groups, err
}

// CreateGroup creates a group owned by the user.
func (s *Session) CreateGroup(ctx context.Context, name string, members []string) (models.Group, error) {
	var group models.Group
	in := map[string]any{"name": name, "members": members}
	err := s.doJSON(ctx, http.MethodPost, "/groups", in, &group)
	return group, err
}

// History fetches up to limit recent messages of conv and merges them into the store.
func (s *Session) History(ctx context.Context, conv rooms.Conversation, limit int) ([]Entry, error) {
	path := "/messages/" + url.PathEscape(conv.Peer())
	if conv.IsGroup() {
		path = "/groups/" + url.PathEscape(conv.GroupID()) + "/messages"
	}
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	s.store.LoadHistory(conv, resp.Messages)
	return s.store.Messages(conv), nil
}

// Delete soft-deletes one of the user's messages.
func (s *Session) Delete(ctx context.Context, id string) error {
	var msg models.Message
	if err := s.doJSON(ctx, http.MethodDelete, "/messages/single/"+url.PathEscape(id), nil, &msg); err != nil {
		return err
	}
	s.store.MarkDeleted(id)
	return nil
}

// Upload stores a file and returns the attachment to send with a message.
func (s *Session) Upload(ctx context.Context, name string, r io.Reader) (models.Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUpload+1))
	if err != nil {
		return models.Attachment{}, err
	}
	if len(data) > maxUpload {
		return models.Attachment{}, &APIError{Status: http.StatusRequestEntityTooLarge, Message: "file too large"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimetype.Detect(data).String())
	part, err := w.CreatePart(header)
	if err != nil {
		return models.Attachment{}, err
	}
	if _, err := part.Write(data); err != nil {
		return models.Attachment{}, err
	}
	if err := w.Close(); err != nil {
		return models.Attachment{}, err
	}

	var attachment models.Attachment
	err = s.do(ctx, http.MethodPost, "/files", w.FormDataContentType(), &buf, &attachment)
	return attachment, err
}

// RefreshURL issues a new retrieval URL for an attachment whose URL expired.
func (s *Session) RefreshURL(ctx context.Context, name string) (string, time.Time, error) {
	var resp struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := s.doJSON(ctx, http.MethodGet, "/files/"+url.PathEscape(name)+"/url", nil, &resp)
	return resp.URL, resp.ExpiresAt, err
}
