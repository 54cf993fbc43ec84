package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/domain"
)

// Client talks to the GitLab REST API v4.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient constructs a GitLab client for the given base URL and private
// token.
func NewClient(base, token string, opts ...Option) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	cli := &Client{
		baseURL:    trimmed,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// APIError represents a non-404 error response from GitLab.
type APIError struct {
	Status int
	Path   string
}

func (e APIError) Error() string {
	return fmt.Sprintf("gitlab request %s failed with status %d", e.Path, e.Status)
}

type commitResponse struct {
	ID             string    `json:"id"`
	Message        string    `json:"message"`
	AuthorName     string    `json:"author_name"`
	AuthorEmail    string    `json:"author_email"`
	AuthoredDate   time.Time `json:"authored_date"`
	CommitterName  string    `json:"committer_name"`
	CommitterEmail string    `json:"committer_email"`
	CommittedDate  time.Time `json:"committed_date"`
}

// GetCommit fetches a single commit; ErrNotFound when the project or sha is
// unknown.
func (c *Client) GetCommit(ctx context.Context, projectID int, sha string) (*domain.Commit, error) {
	var resp commitResponse
	path := fmt.Sprintf("/api/v4/projects/%d/repository/commits/%s", projectID, sha)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &domain.Commit{
		SHA:     resp.ID,
		Message: resp.Message,
		Author: domain.Signature{
			Name:      resp.AuthorName,
			Email:     resp.AuthorEmail,
			Timestamp: resp.AuthoredDate,
		},
		Committer: domain.Signature{
			Name:      resp.CommitterName,
			Email:     resp.CommitterEmail,
			Timestamp: resp.CommittedDate,
		},
	}, nil
}

type projectResponse struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"default_branch"`
	Namespace     struct {
		ID int `json:"id"`
	} `json:"namespace"`
}

// GetProject fetches project metadata; ErrNotFound when unknown.
func (c *Client) GetProject(ctx context.Context, projectID int) (*domain.Project, error) {
	var resp projectResponse
	path := fmt.Sprintf("/api/v4/projects/%d", projectID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &domain.Project{
		ID:            resp.ID,
		TeamID:        resp.Namespace.ID,
		Name:          resp.Name,
		Path:          resp.Path,
		DefaultBranch: resp.DefaultBranch,
	}, nil
}

// DownloadArtifact streams the artifact archive of a build. The caller
// closes the reader.
func (c *Client) DownloadArtifact(ctx context.Context, projectID, deploymentID int) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/v4/projects/%d/builds/%d/artifacts", projectID, deploymentID)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		resp.Body.Close()
		return nil, APIError{Status: resp.StatusCode, Path: path}
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return APIError{Status: resp.StatusCode, Path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}
