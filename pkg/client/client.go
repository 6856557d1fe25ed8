package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devpulse/devpulse/internal/domain"
)

// Client is the API client for devpulse
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TriggerOptions narrows a background run
type TriggerOptions struct {
	RepoID   int64 `json:"repo_id,omitempty"`
	DaysBack int   `json:"days_back,omitempty"`
	Force    bool  `json:"force,omitempty"`
}

// TriggerIngestion queues a background ingestion run for the user
func (c *Client) TriggerIngestion(userID int64, opts TriggerOptions) error {
	path := fmt.Sprintf("/api/v1/users/%d/ingestion/trigger", userID)
	return c.post(path, opts, nil)
}

// TriggerDigest queues a background digest run for the user
func (c *Client) TriggerDigest(userID int64, opts TriggerOptions) error {
	path := fmt.Sprintf("/api/v1/users/%d/digests/trigger", userID)
	return c.post(path, opts, nil)
}

// SyncRepositories refreshes the user's repository list from GitHub
func (c *Client) SyncRepositories(userID int64) ([]*domain.Repository, error) {
	path := fmt.Sprintf("/api/v1/users/%d/repositories/sync", userID)

	var response struct {
		Data []*domain.Repository `json:"data"`
	}
	if err := c.post(path, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetRepositories retrieves the user's tracked repositories
func (c *Client) GetRepositories(userID int64) ([]*domain.Repository, error) {
	path := fmt.Sprintf("/api/v1/users/%d/repositories", userID)

	var response struct {
		Data []*domain.Repository `json:"data"`
	}
	if err := c.get(path, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetDigests retrieves every live digest of a repository
func (c *Client) GetDigests(repoID int64) ([]*domain.Digest, error) {
	path := fmt.Sprintf("/api/v1/digests/repo/%d", repoID)

	var response struct {
		Data []*domain.Digest `json:"data"`
	}
	if err := c.get(path, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetLatestDigest retrieves the most recent digest of a repository
func (c *Client) GetLatestDigest(repoID int64) (*domain.Digest, error) {
	path := fmt.Sprintf("/api/v1/digests/repo/%d/latest", repoID)

	var response struct {
		Data *domain.Digest `json:"data"`
	}
	if err := c.get(path, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// WaitForDigest polls until the repository has a digest newer than since,
// or the context expires. Digest runs complete in the background, so this
// is how a caller observes that a triggered run finished.
func (c *Client) WaitForDigest(ctx context.Context, repoID int64, since time.Time, interval time.Duration) (*domain.Digest, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		digest, err := c.GetLatestDigest(repoID)
		if err == nil && digest != nil && digest.UpdatedAt.After(since) {
			return digest, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck() error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.get("/health", &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

func (c *Client) get(path string, result interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return c.decode(resp, result)
}

func (c *Client) post(path string, body, result interface{}) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(encoded)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", payload)
	if err != nil {
		return err
	}
	return c.decode(resp, result)
}

func (c *Client) decode(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
