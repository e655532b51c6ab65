// Package objectstore is the narrow client for the object store's admin
// API. The store's wire format is deliberately out of scope here; the
// control plane only needs bucket existence and idempotent creation.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AdminAPI is the surface the lifecycle controller depends on.
type AdminAPI interface {
	BucketExists(ctx context.Context, name string) (bool, error)
	// CreateBucket reports created=false when the bucket already exists;
	// "already exists" races are success, not errors.
	CreateBucket(ctx context.Context, name string) (created bool, err error)
}

type Client struct {
	endpoint string
	account  string
	token    string
	http     *http.Client
}

func NewClient(endpoint, account, token string) *Client {
	return &Client{
		endpoint: endpoint,
		account:  account,
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	return c.http.Do(req)
}

func (c *Client) BucketExists(ctx context.Context, name string) (bool, error) {
	resp, err := c.doRequest(ctx, "GET", "/accounts/"+c.account+"/buckets/"+name, nil)
	if err != nil {
		return false, fmt.Errorf("bucket exists: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("bucket exists: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return true, nil
}

func (c *Client) CreateBucket(ctx context.Context, name string) (bool, error) {
	resp, err := c.doRequest(ctx, "POST", "/accounts/"+c.account+"/buckets", map[string]string{
		"name": name,
	})
	if err != nil {
		return false, fmt.Errorf("create bucket: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Lost a creation race. The bucket is there, which is all we need.
		return false, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("create bucket: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return true, nil
}

// SeedStarter uploads the starter workspace content into a freshly
// created bucket. Runs at most once per bucket, from EnsureBucket's seed
// hook.
func (c *Client) SeedStarter(ctx context.Context, bucket string) error {
	starter := "# Workspace\n\nThis workspace persists across sessions.\n"
	resp, err := c.doRequest(ctx, "PUT", "/accounts/"+c.account+"/buckets/"+bucket+"/objects/README.md", map[string]string{
		"content": starter,
	})
	if err != nil {
		return fmt.Errorf("seed starter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("seed starter: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// EnsureBucket creates the bucket if absent and runs seed exactly once,
// only when this call performed the creation. Subsequent starts never
// re-seed.
func EnsureBucket(ctx context.Context, api AdminAPI, name string, seed func(ctx context.Context) error) error {
	exists, err := api.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	created, err := api.CreateBucket(ctx, name)
	if err != nil {
		return err
	}
	if created && seed != nil {
		if err := seed(ctx); err != nil {
			return fmt.Errorf("seed bucket %s: %w", name, err)
		}
	}
	return nil
}
