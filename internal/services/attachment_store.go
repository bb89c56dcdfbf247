package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/golang/snappy"

	"github.com/nodesync/server/internal/observability"
)

const thumbnailMaxDim = 200

// AttachmentStore persists replicated file content (product images) on the
// local filesystem and hydrates outgoing content for the change tracker.
// The wider platform serves these files; the engine only moves them.
type AttachmentStore struct {
	basePath string
}

// NewAttachmentStore creates a store rooted at basePath
func NewAttachmentStore(basePath string) (*AttachmentStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &AttachmentStore{basePath: basePath}, nil
}

// Save writes attachment content and returns the stored path relative to
// the store root. A thumbnail is generated alongside for image content so
// the UI never has to load full-size files over the LAN twice.
func (s *AttachmentStore) Save(imageID, fileName string, content []byte) (string, error) {
	name := sanitizeFileName(fileName)
	shard := imageID
	if len(shard) > 2 {
		shard = shard[:2]
	}
	dir := filepath.Join(s.basePath, shard, imageID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	fullPath := filepath.Join(dir, name)
	if !strings.HasPrefix(fullPath, s.basePath) {
		return "", fmt.Errorf("attachment path escapes store root: %s", fileName)
	}

	if err := os.WriteFile(fullPath, content, 0644); err != nil {
		return "", err
	}

	if err := s.writeThumbnail(dir, name, content); err != nil {
		// Thumbnails are a convenience; the attachment itself is what must
		// converge
		observability.Warnf("Thumbnail generation failed for %s: %v", name, err)
	}

	rel, err := filepath.Rel(s.basePath, fullPath)
	if err != nil {
		return "", err
	}
	return rel, nil
}

// Load reads previously stored attachment content by its relative path
func (s *AttachmentStore) Load(storedPath string) ([]byte, error) {
	fullPath := filepath.Join(s.basePath, filepath.Clean("/"+storedPath))
	if !strings.HasPrefix(fullPath, s.basePath) {
		return nil, fmt.Errorf("attachment path escapes store root: %s", storedPath)
	}
	return os.ReadFile(fullPath)
}

func (s *AttachmentStore) writeThumbnail(dir, name string, content []byte) error {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return err
	}

	thumb := imaging.Fit(img, thumbnailMaxDim, thumbnailMaxDim, imaging.Lanczos)

	ext := filepath.Ext(name)
	thumbPath := filepath.Join(dir, strings.TrimSuffix(name, ext)+"_thumb.jpg")

	f, err := os.Create(thumbPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return jpeg.Encode(f, thumb, &jpeg.Options{Quality: 80})
}

func sanitizeFileName(fileName string) string {
	name := filepath.Base(fileName)
	replacer := strings.NewReplacer(
		"..", "",
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}

// EncodeContent compresses file bytes with snappy and base64-encodes them
// for the JSON wire format
func EncodeContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(snappy.Encode(nil, content))
}

// DecodeContent reverses EncodeContent
func DecodeContent(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

// ContentChecksum returns the lowercase hex SHA-256 of the raw content
func ContentChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
