package mcpbridge

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtag-dev/jtag/internal/registry"
)

func bytesReader(data []byte) io.Reader { return bytes.NewReader(data) }

func TestToolName(t *testing.T) {
	assert.Equal(t, "chat_send-message", ToolName("chat/send-message"))
	assert.Equal(t, "data_sub_list", ToolName("data/sub/list"))
}

func TestParamsToSchema(t *testing.T) {
	schema := paramsToSchema(map[string]registry.ParamSpec{
		"text":  {Type: "string", Required: true, Description: "message body"},
		"count": {Type: "number"},
		"flags": {}, // untyped params default to string
	})

	var decoded struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schema, &decoded))

	assert.Equal(t, "object", decoded.Type)
	assert.Equal(t, "string", decoded.Properties["text"].Type)
	assert.Equal(t, "message body", decoded.Properties["text"].Description)
	assert.Equal(t, "number", decoded.Properties["count"].Type)
	assert.Equal(t, "string", decoded.Properties["flags"].Type)
	assert.Equal(t, []string{"text"}, decoded.Required)
}

func TestSearchCatalog(t *testing.T) {
	catalog := []registry.Descriptor{
		{Endpoint: "chat/send-message", Description: "Send a chat message"},
		{Endpoint: "chat/history", Description: "Fetch chat history"},
		{Endpoint: "system/ping", Description: "Liveness probe"},
	}

	hits := SearchCatalog(catalog, "chat", "")
	require.Len(t, hits, 2)
	assert.Equal(t, "chat/history", hits[0].Endpoint)

	hits = SearchCatalog(catalog, "probe", "")
	require.Len(t, hits, 1)
	assert.Equal(t, "system/ping", hits[0].Endpoint)

	hits = SearchCatalog(catalog, "", "system")
	require.Len(t, hits, 1)
	assert.Equal(t, "system/ping", hits[0].Endpoint)

	hits = SearchCatalog(catalog, "send", "system")
	assert.Empty(t, hits)
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestFindImagePath(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "shot.png")
	writeTestPNG(t, imgPath, 10, 10)

	payload, _ := json.Marshal(map[string]any{
		"status": "captured",
		"result": map[string]any{"path": imgPath},
	})
	assert.Equal(t, imgPath, findImagePath(payload))

	// Nonexistent files and non-image strings are ignored.
	payload, _ = json.Marshal(map[string]any{
		"path":  filepath.Join(dir, "missing.png"),
		"other": "not-an-image.txt",
	})
	assert.Empty(t, findImagePath(payload))

	assert.Empty(t, findImagePath(json.RawMessage(`"bare string"`)))
}

func TestLoadAndResizeShrinksLargeImages(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "big.png")
	writeTestPNG(t, imgPath, 2400, 1000)

	data, err := loadAndResize(imgPath)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytesReader(data))
	require.NoError(t, err)

	bounds := decoded.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), maxImageWidth)
	assert.LessOrEqual(t, bounds.Dy(), maxImageHeight)
	// Aspect ratio preserved: 2400x1000 scales by width to 1200x500.
	assert.Equal(t, 1200, bounds.Dx())
	assert.Equal(t, 500, bounds.Dy())
}

func TestLoadAndResizeKeepsSmallImages(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "small.png")
	writeTestPNG(t, imgPath, 64, 48)

	data, err := loadAndResize(imgPath)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytesReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, decoded.Bounds().Dx())
	assert.Equal(t, 48, decoded.Bounds().Dy())
}

func TestErrorResultShape(t *testing.T) {
	res := errorResult("chat/send-message", assert.AnError)
	require.True(t, res.IsError)
	require.Len(t, res.Content, 1)
}
