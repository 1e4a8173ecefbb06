package mcpbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// Inline image bounds for tool-host replies.
const (
	maxImageWidth  = 1200
	maxImageHeight = 800
	jpegQuality    = 70
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// findImagePath scans a reply payload for the first string value that
// names an existing image file.
func findImagePath(payload json.RawMessage) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return scanForImagePath(v)
}

func scanForImagePath(v any) string {
	switch t := v.(type) {
	case string:
		if !imageExtensions[strings.ToLower(filepath.Ext(t))] {
			return ""
		}
		if info, err := os.Stat(t); err == nil && !info.IsDir() {
			return t
		}
		return ""
	case map[string]any:
		// Deterministic order so the same reply always inlines the same file.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if path := scanForImagePath(t[k]); path != "" {
				return path
			}
		}
	case []any:
		for _, item := range t {
			if path := scanForImagePath(item); path != "" {
				return path
			}
		}
	}
	return ""
}

// loadAndResize reads an image, scales it to fit within 1200x800 without
// upscaling, and re-encodes it as JPEG at quality 70.
func loadAndResize(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(path, data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxImageWidth || h > maxImageHeight {
		scale := min(float64(maxImageWidth)/float64(w), float64(maxImageHeight)/float64(h))
		dw, dh := int(float64(w)*scale), int(float64(h)*scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeImage(path string, data []byte) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Decode(bytes.NewReader(data))
	case ".jpg", ".jpeg":
		return jpeg.Decode(bytes.NewReader(data))
	case ".gif":
		return gif.Decode(bytes.NewReader(data))
	case ".webp":
		return webp.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported image extension: %s", path)
	}
}
