package feishu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
)

const (
	defaultMediaMaxBytes = 30 << 20
	defaultMediaAttempts = 3

	// Longest edge of a downscaled image.
	maxImageEdge = 2048
	// Oversized images are read up to this multiple of the limit before
	// downscaling is attempted.
	imageReadFactor = 4
)

var errMediaTooLarge = errors.New("media exceeds size limit")

// mediaUploader loads an attachment and uploads it, retrying transient failures.
type mediaUploader struct {
	sender     Sender
	client     *http.Client
	maxBytes   int64
	attempts   int
	newBackOff func() backoff.BackOff
}

func newMediaUploader(sender Sender, maxBytes int64, attempts int) *mediaUploader {
	if maxBytes <= 0 {
		maxBytes = defaultMediaMaxBytes
	}
	if attempts <= 0 {
		attempts = defaultMediaAttempts
	}
	return &mediaUploader{
		sender:   sender,
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: maxBytes,
		attempts: attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// upload returns the message kind and platform key for att.
func (u *mediaUploader) upload(ctx context.Context, att bus.MediaAttachment) (MediaKind, string, error) {
	image := isImageAttachment(att)
	limit := u.maxBytes
	if image {
		limit = u.maxBytes * imageReadFactor
	}

	data, name, err := u.load(ctx, att.URL, limit)
	if err != nil {
		return "", "", err
	}

	if image {
		if int64(len(data)) > u.maxBytes {
			if data, err = downscaleImage(data, u.maxBytes); err != nil {
				return "", "", err
			}
		}
		key, err := u.retry(ctx, "upload image", func() (string, error) {
			return u.sender.UploadImage(ctx, bytes.NewReader(data))
		})
		return MediaImage, key, err
	}

	if int64(len(data)) > u.maxBytes {
		return "", "", fmt.Errorf("%s: %w (%d > %d bytes)", name, errMediaTooLarge, len(data), u.maxBytes)
	}
	fileType := uploadFileType(name)
	key, err := u.retry(ctx, "upload file", func() (string, error) {
		return u.sender.UploadFile(ctx, bytes.NewReader(data), name, fileType)
	})
	return MediaFile, key, err
}

// retry runs op with exponential backoff. Platform errors that are not
// temporary end the retry loop immediately.
func (u *mediaUploader) retry(ctx context.Context, what string, op func() (string, error)) (string, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		key, err := op()
		if err == nil {
			return key, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return "", backoff.Permanent(err)
		}
		slog.Debug("feishu media upload failed, retrying", "op", what, "attempt", attempt, "error", err)
		return "", err
	}, backoff.WithBackOff(u.newBackOff()), backoff.WithMaxTries(uint(u.attempts)))
}

// load reads an http(s) URL or a local path, refusing more than limit bytes.
func (u *mediaUploader) load(ctx context.Context, src string, limit int64) ([]byte, string, error) {
	if src == "" {
		return nil, "", errors.New("media: empty source")
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return u.download(ctx, src, limit)
	}

	p := strings.TrimPrefix(src, "file://")
	f, err := os.Open(p)
	if err != nil {
		return nil, "", fmt.Errorf("open media: %w", err)
	}
	defer f.Close()
	data, err := readLimited(f, limit)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", p, err)
	}
	return data, filepath.Base(p), nil
}

func (u *mediaUploader) download(ctx context.Context, src string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := readLimited(resp.Body, limit)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}

	name := "attachment"
	if parsed, err := url.Parse(src); err == nil {
		if base := path.Base(parsed.Path); base != "/" && base != "." {
			name = base
		}
	}
	return data, name, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (more than %d bytes)", errMediaTooLarge, limit)
	}
	return data, nil
}

// downscaleImage re-encodes an image as JPEG bounded by maxImageEdge.
func downscaleImage(data []byte, maxBytes int64) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	if int64(buf.Len()) > maxBytes {
		return nil, fmt.Errorf("downscaled image: %w (%d > %d bytes)", errMediaTooLarge, buf.Len(), maxBytes)
	}
	return buf.Bytes(), nil
}

func isImageAttachment(att bus.MediaAttachment) bool {
	if att.ContentType != "" {
		return att.IsImage()
	}
	switch strings.ToLower(mediaExt(att.URL)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff", ".ico":
		return true
	}
	return false
}

func mediaExt(src string) string {
	if parsed, err := url.Parse(src); err == nil && parsed.Scheme != "" && parsed.Scheme != "file" {
		return path.Ext(parsed.Path)
	}
	return filepath.Ext(src)
}

// uploadFileType maps a file name to the file_type accepted by the file upload API.
func uploadFileType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".opus", ".ogg":
		return "opus"
	case ".mp4", ".mov":
		return "mp4"
	case ".pdf":
		return "pdf"
	case ".doc", ".docx":
		return "doc"
	case ".xls", ".xlsx", ".csv":
		return "xls"
	case ".ppt", ".pptx":
		return "ppt"
	default:
		return "stream"
	}
}

// mediaFallbackText is sent in place of media that could not be delivered.
func mediaFallbackText(att bus.MediaAttachment) string {
	if att.Caption != "" {
		return att.Caption + "\n" + att.URL
	}
	return att.URL
}
