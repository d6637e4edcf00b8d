// Package embedding talks to an HTTP image-embedding service.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/cwygoda/intake/internal/adapter/retrylog"
	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
)

const maxImageSize = 20 << 20

var (
	ErrNotImage      = errors.New("resource is not an image")
	ErrNoEmbedding   = errors.New("embedding service returned no vector")
	ErrImageTooLarge = errors.New("image too large")
)

// Client downloads images and posts them to the /api/embed endpoint.
type Client struct {
	baseURL string
	model   string
	timeout time.Duration
	http    *retryablehttp.Client
}

var _ domain.Embedder = (*Client)(nil)

// New creates a client for cfg.
func New(cfg config.EmbeddingConfig, log logrus.FieldLogger) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.Logger = nil
	if log != nil {
		c.Logger = retrylog.New(log)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		http:    c,
	}
}

func (c *Client) Model() string { return c.model }

// EmbedImage fetches the image at uri and returns its embedding vector.
// contentType is used when the image server does not send one.
func (c *Client) EmbedImage(ctx context.Context, uri, contentType string) ([]float32, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	img, err := c.download(ctx, uri, contentType)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(embedRequest{
		Model:  c.model,
		Images: []string{base64.StdEncoding.EncodeToString(img)},
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: status %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}

	values := gjson.GetBytes(body, "embeddings.0").Array()
	if len(values) == 0 {
		return nil, ErrNoEmbedding
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.Float())
	}
	return vec, nil
}

type embedRequest struct {
	Model  string   `json:"model"`
	Images []string `json:"images"`
}

func (c *Client) download(ctx context.Context, uri, contentType string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", uri, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		contentType = ct
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}
	if len(img) > maxImageSize {
		return nil, ErrImageTooLarge
	}
	return img, nil
}
