package stages

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/shared/storage/object"
)

// LoadImages reads each image key from store and tags it with its MIME type.
func LoadImages(ctx context.Context, store object.ObjectStore, keys []string) ([]llm.Image, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("image store not configured")
	}
	images := make([]llm.Image, 0, len(keys))
	for _, key := range keys {
		data, err := object.ReadAll(ctx, store, key)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", key, err)
		}
		mimeType := imageMimeType(key, data)
		if !strings.HasPrefix(mimeType, "image/") {
			return nil, fmt.Errorf("image %s: unsupported content type %s", key, mimeType)
		}
		images = append(images, llm.Image{MIMEType: mimeType, Data: data})
	}
	return images, nil
}

func imageMimeType(key string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(key))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}
