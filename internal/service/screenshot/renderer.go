package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// HTTPRenderer asks an external screenshotter service to render a preview
// URL and stores the returned image on disk.
type HTTPRenderer struct {
	endpoint   string
	dir        string
	httpClient *http.Client
}

// RendererOption customises renderer instantiation.
type RendererOption func(*HTTPRenderer)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) RendererOption {
	return func(r *HTTPRenderer) {
		if h != nil {
			r.httpClient = h
		}
	}
}

// NewHTTPRenderer builds a renderer against a screenshotter endpoint,
// storing images under dir/<projectID>/<deploymentID>.png.
func NewHTTPRenderer(endpoint, dir string, opts ...RendererOption) *HTTPRenderer {
	r := &HTTPRenderer{
		endpoint:   endpoint,
		dir:        dir,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capture renders the URL and persists the image.
func (r *HTTPRenderer) Capture(ctx context.Context, projectID, deploymentID int, url string) error {
	body, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("screenshotter request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("screenshotter returned status %d", resp.StatusCode)
	}

	target := r.Path(projectID, deploymentID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create screenshot file: %w", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return fmt.Errorf("store screenshot: %w", err)
	}
	return file.Close()
}

// Path returns the on-disk location for a deployment's screenshot.
func (r *HTTPRenderer) Path(projectID, deploymentID int) string {
	return filepath.Join(r.dir, strconv.Itoa(projectID), strconv.Itoa(deploymentID)+".png")
}
