package services

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testJPEG encodes a small solid image so thumbnail generation has real
// content to decode
func testJPEG(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestAttachmentStoreSaveLoad(t *testing.T) {
	store, err := NewAttachmentStore(t.TempDir())
	require.NoError(t, err)

	t.Run("round trips content through a sharded path", func(t *testing.T) {
		content := []byte("not really a jpeg")

		path, err := store.Save("a1b2c3", "receipt.jpg", content)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("a1", "a1b2c3", "receipt.jpg"), path)

		loaded, err := store.Load(path)
		require.NoError(t, err)
		assert.Equal(t, content, loaded)
	})

	t.Run("short ids do not break sharding", func(t *testing.T) {
		path, err := store.Save("x", "tiny.png", []byte{1, 2, 3})
		require.NoError(t, err)

		loaded, err := store.Load(path)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, loaded)
	})

	t.Run("generates a thumbnail for decodable images", func(t *testing.T) {
		img := testJPEG(t)

		path, err := store.Save("d4e5f6", "photo.jpg", img)
		require.NoError(t, err)

		dir := filepath.Dir(filepath.Join(store.basePath, path))
		_, err = os.Stat(filepath.Join(dir, "photo_thumb.jpg"))
		assert.NoError(t, err)
	})

	t.Run("rejects load paths escaping the store root", func(t *testing.T) {
		_, err := store.Load("../../etc/passwd")
		assert.Error(t, err)
	})

	t.Run("strips traversal from file names", func(t *testing.T) {
		path, err := store.Save("f7a8b9", "../../../evil.jpg", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("f7", "f7a8b9", "evil.jpg"), path)
	})
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"dir/photo.jpg", "photo.jpg"},
		{"..\\..\\photo.jpg", "__photo.jpg"},
		{"we*ird?na<me>.png", "we_ird_na_me_.png"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFileName(tt.in))
		})
	}
}

func TestContentEncoding(t *testing.T) {
	t.Run("round trips arbitrary bytes", func(t *testing.T) {
		content := bytes.Repeat([]byte("payload "), 500)

		decoded, err := DecodeContent(EncodeContent(content))
		require.NoError(t, err)
		assert.Equal(t, content, decoded)
	})

	t.Run("compresses repetitive content", func(t *testing.T) {
		content := bytes.Repeat([]byte{0x42}, 64<<10)
		encoded := EncodeContent(content)
		assert.Less(t, len(encoded), len(content))
	})

	t.Run("rejects garbage input", func(t *testing.T) {
		_, err := DecodeContent("!!! not base64 !!!")
		assert.Error(t, err)
	})
}

func TestContentChecksum(t *testing.T) {
	a := ContentChecksum([]byte("same"))
	b := ContentChecksum([]byte("same"))
	c := ContentChecksum([]byte("different"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
