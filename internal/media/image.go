package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/bitop-dev/modelexec/plugin"
)

const maxImageBytes = 20 << 20

var supported = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Inline is an image ready to embed in a provider payload.
type Inline struct {
	MediaType string
	Base64    string
}

func (i Inline) DataURL() string {
	return "data:" + i.MediaType + ";base64," + i.Base64
}

// Fetcher resolves image references to inline base64 content.
type Fetcher struct {
	HTTPClient *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{HTTPClient: client}
}

// Resolve returns the inline form of img. Inline bytes and data: URLs are
// decoded locally; http(s) URLs are downloaded. The media type is detected
// from content, and unsupported types are an error.
func (f *Fetcher) Resolve(ctx context.Context, img plugin.ImagePart) (Inline, error) {
	data := img.Data
	declared := img.MediaType

	switch {
	case len(data) > 0:
	case strings.HasPrefix(img.URL, "data:"):
		mt, b, err := decodeDataURL(img.URL)
		if err != nil {
			return Inline{}, err
		}
		data = b
		if declared == "" {
			declared = mt
		}
	case strings.HasPrefix(img.URL, "http://") || strings.HasPrefix(img.URL, "https://"):
		b, ct, err := f.download(ctx, img.URL)
		if err != nil {
			return Inline{}, err
		}
		data = b
		if declared == "" {
			declared = ct
		}
	default:
		return Inline{}, fmt.Errorf("unsupported image reference %q", truncate(img.URL, 64))
	}

	mt := Detect(data, declared)
	if !supported[mt] {
		return Inline{}, fmt.Errorf("unsupported image media type %q", mt)
	}
	return Inline{MediaType: mt, Base64: base64.StdEncoding.EncodeToString(data)}, nil
}

func (f *Fetcher) download(ctx context.Context, u string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(b) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return b, resp.Header.Get("Content-Type"), nil
}

// Detect sniffs the media type of data, preferring the sniffed type over a
// declared one when the content is recognizable.
func Detect(data []byte, declared string) string {
	sniffed := http.DetectContentType(data)
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		return mt
	}
	return sniffed
}

func decodeDataURL(u string) (string, []byte, error) {
	rest := strings.TrimPrefix(u, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("data URL is not base64")
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return strings.TrimSuffix(meta, ";base64"), b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
