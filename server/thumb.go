package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"freegames-notifier/pkg/promo"
)

const maxThumbBytes = 5 << 20

// placeholderGIF is a 1x1 transparent GIF served when an image cannot be fetched.
var placeholderGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handleThumb proxies a record's image so the status page never loads
// third-party URLs directly. Any failure degrades to the placeholder.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}

	active, ok := s.viewer.Find(id)
	if !ok || active.ImageURL == "" {
		s.servePlaceholder(w)
		return
	}

	body, contentType, err := s.fetchImage(r.Context(), active.ImageURL)
	if err != nil {
		renderErr := &promo.RenderResourceError{URL: active.ImageURL, Err: err}
		s.logger.Warn("Thumbnail unavailable, serving placeholder", "id", id, "title", active.Title, "error", renderErr)
		s.servePlaceholder(w)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("Failed to write thumbnail", "id", id, "error", err)
	}
}

func (s *Server) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.imageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := s.imageClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close image body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("unexpected content type %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxThumbBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(body) > maxThumbBytes {
		return nil, "", fmt.Errorf("image larger than %d bytes", maxThumbBytes)
	}
	return body, contentType, nil
}

func (s *Server) servePlaceholder(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(placeholderGIF); err != nil {
		s.logger.Warn("Failed to write placeholder", "error", err)
	}
}
