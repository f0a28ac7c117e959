package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-relay/internal/blob"
)

// FileHandler uploads attachments and serves them through signed URLs.
type FileHandler struct {
	blobs blob.Store
}

// NewFileHandler constructs a FileHandler.
func NewFileHandler(blobs blob.Store) *FileHandler {
	return &FileHandler{blobs: blobs}
}

// Upload handles POST /files (multipart field "file").
func (h *FileHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		detected, err := mimetype.DetectReader(f)
		if err == nil {
			mimeType = detected.String()
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}
	}
	attachment, err := h.blobs.Put(c.Request.Context(), header.Filename, mimeType, f)
	if errors.Is(err, blob.ErrTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("filename", header.Filename).Msg("failed to store upload")
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not store file"})
		return
	}

	blob.Sign(c.Request.Context(), h.blobs, &attachment)
	c.JSON(http.StatusCreated, attachment)
}

// URL handles GET /files/:name/url and issues a fresh retrieval URL.
func (h *FileHandler) URL(c *gin.Context) {
	url, expiresAt, err := h.blobs.URL(c.Request.Context(), c.Param("name"))
	if errors.Is(err, blob.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not sign url"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expiresAt": expiresAt})
}

// Download handles GET /blobs/:token. Expired URLs answer 410 so clients refresh.
func (h *FileHandler) Download(c *gin.Context) {
	path, err := h.blobs.Resolve(c.Request.Context(), c.Param("token"))
	switch {
	case errors.Is(err, blob.ErrURLExpired):
		c.JSON(http.StatusGone, gin.H{"error": "url expired"})
	case errors.Is(err, blob.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case err != nil:
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid url"})
	default:
		c.File(path)
	}
}
