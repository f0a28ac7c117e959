// Package blob stores uploaded attachments and issues time-limited retrieval URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chat-relay/internal/models"
)

// DefaultURLTTL is how long a retrieval URL stays valid.
const DefaultURLTTL = 15 * time.Minute

var (
	ErrNotFound   = errors.New("blob not found")
	ErrURLExpired = errors.New("blob url expired")
	ErrInvalidURL = errors.New("blob url invalid")
	ErrTooLarge   = errors.New("blob too large")
)

// Store is an opaque blob store returning names and signed retrieval URLs.
type Store interface {
	Put(ctx context.Context, originalName, mimeType string, r io.Reader) (models.Attachment, error)
	URL(ctx context.Context, name string) (string, time.Time, error)
	Resolve(ctx context.Context, token string) (string, error)
}

// LocalStore keeps blobs on local disk and serves them through signed tokens.
type LocalStore struct {
	dir     string
	baseURL string
	secret  []byte
	ttl     time.Duration
	maxSize int64
	now     func() time.Time
}

// NewLocalStore constructs a LocalStore rooted at dir. baseURL is the public
// prefix under which tokens are served, e.g. "http://localhost:8083/blobs".
func NewLocalStore(dir, baseURL, secret string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		ttl:     DefaultURLTTL,
		maxSize: maxSize,
		now:     time.Now,
	}, nil
}

// Put writes r under a fresh name, keeping the original extension.
func (s *LocalStore) Put(ctx context.Context, originalName, mimeType string, r io.Reader) (models.Attachment, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("blob: create: %w", err)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	size, err := io.Copy(f, src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.maxSize > 0 && size > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.dir, name))
		return models.Attachment{}, err
	}

	return models.Attachment{Name: name, MimeType: mimeType, Size: size, OriginalName: filepath.Base(originalName)}, nil
}

// URL returns a signed retrieval URL for name and its expiry.
func (s *LocalStore) URL(ctx context.Context, name string) (string, time.Time, error) {
	if !validName(name) {
		return "", time.Time{}, ErrNotFound
	}
	if _, err := os.Stat(filepath.Join(s.dir, name)); err != nil {
		return "", time.Time{}, ErrNotFound
	}
	expiresAt := s.now().Add(s.ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   name,
		Audience:  jwt.ClaimStrings{"blob"},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.baseURL + "/" + token, expiresAt, nil
}

// Resolve verifies a retrieval token and returns the path of the blob it grants.
func (s *LocalStore) Resolve(ctx context.Context, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience("blob"),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrURLExpired
	}
	if err != nil || !validName(claims.Subject) {
		return "", ErrInvalidURL
	}
	path := filepath.Join(s.dir, claims.Subject)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

func validName(name string) bool {
	return name != "" && filepath.Base(name) == name && !strings.HasPrefix(name, ".")
}

// Sign fills the retrieval URL of a. Failures leave a without a URL; the
// client can request a fresh one on demand.
func Sign(ctx context.Context, store Store, a *models.Attachment) {
	if store == nil || a == nil || a.Name == "" {
		return
	}
	url, expiresAt, err := store.URL(ctx, a.Name)
	if err != nil {
		return
	}
	a.URL = url
	a.URLExpiresAt = &expiresAt
}
