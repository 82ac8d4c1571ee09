package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

type page struct {
	address string
	title   string
	text    string
}

// resolveAddress turns what the model typed into something loadable. Absolute
// URLs and existing local paths win, then links relative to an http page.
// Other path-like input stays local and bare host names get https://.
func resolveAddress(current, address string) string {
	if strings.HasPrefix(address, "file://") {
		return address
	}
	if u, err := url.Parse(address); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return address
	}
	if _, err := os.Stat(address); err == nil {
		return address
	}
	if strings.HasPrefix(current, "http://") || strings.HasPrefix(current, "https://") {
		if base, err := url.Parse(current); err == nil {
			if ref, err := url.Parse(address); err == nil {
				return base.ResolveReference(ref).String()
			}
		}
	}
	if filepath.IsAbs(address) || strings.HasPrefix(address, ".") {
		return address
	}
	return "https://" + strings.TrimPrefix(address, "//")
}

func (b *Browser) load(ctx context.Context, address string) (*page, error) {
	switch {
	case strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://"):
		if document.IsYouTubeURL(address) {
			return b.convert(ctx, address, document.Source{URL: address})
		}
		return b.fetch(ctx, address)
	default:
		local := strings.TrimPrefix(address, "file://")
		return b.convert(ctx, address, document.Source{Path: local})
	}
}

func (b *Browser) convert(ctx context.Context, address string, src document.Source) (*page, error) {
	doc, err := b.docs.Convert(ctx, src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewFetchError(address, err)
		}
		return nil, err
	}
	title := doc.Title
	if title == "" && src.Path != "" {
		title = filepath.Base(src.Path)
	}
	return &page{address: address, title: title, text: doc.Text}, nil
}

// fetch GETs address. HTML becomes markdown, plain text passes through the
// text extractor, and anything else is saved to the workspace and converted
// from disk.
func (b *Browser) fetch(ctx context.Context, address string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, types.NewFetchError(address, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewFetchError(address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, types.NewFetchError(address, fmt.Errorf("http status %d", resp.StatusCode))
	}

	final := address
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	body := io.Reader(resp.Body)
	if limit := b.config.MaxDownloadBytes; limit > 0 {
		body = io.LimitReader(resp.Body, limit)
	}

	if mediaType == "" {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, types.NewFetchError(final, err)
		}
		if sniffHTML(data) {
			mediaType = "text/html"
		}
		body = bytes.NewReader(data)
	}

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, types.NewFetchError(final, err)
		}
		title, md, err := document.HTMLToMarkdown(data, contentType, final)
		if err != nil {
			return nil, err
		}
		return &page{address: final, title: title, text: md}, nil
	case "text/plain":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, types.NewFetchError(final, err)
		}
		doc, err := b.docs.Convert(ctx, document.Source{URL: final, MIMEType: contentType, Data: data})
		if err != nil {
			return nil, err
		}
		return &page{address: final, text: doc.Text}, nil
	}

	ws, err := b.downloadDir()
	if err != nil {
		return nil, err
	}
	saved, err := ws.Save(downloadName(resp, final, mediaType), body)
	if err != nil {
		return nil, err
	}
	b.logger.Info("download saved", zap.String("address", final), zap.String("path", saved),
		zap.String("content_type", contentType))

	doc, err := b.docs.Convert(ctx, document.Source{Path: saved, URL: final, MIMEType: contentType})
	if err != nil {
		return nil, fmt.Errorf("saved to %s: %w", saved, err)
	}
	title := doc.Title
	if title == "" {
		title = filepath.Base(saved)
	}
	return &page{address: final, title: title, text: doc.Text}, nil
}

// downloadName picks a file name from Content-Disposition, then the URL
// path, and adds an extension from the media type when the name has none.
func downloadName(resp *http.Response, address, mediaType string) string {
	var name string
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if u, err := url.Parse(address); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	if path.Ext(name) == "" && mediaType != "" {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}

// sniffHTML reports whether data looks like an HTML document.
func sniffHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
