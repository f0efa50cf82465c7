// Package imagegen is a client for the image generation API exposed to
// agents as the generate_image tool.
package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gamegenie/genie-bridge/internal/config"
)

// ErrEmptyPrompt is returned when no prompt is given.
var ErrEmptyPrompt = errors.New("prompt is required")

// Client calls the image generation API.
type Client struct {
	url        string
	apiKey     string
	clientID   string
	style      string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new image generation client.
func NewClient(url, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		url:      url,
		apiKey:   apiKey,
		clientID: config.DefaultImageGenClientID,
		style:    config.DefaultImageGenStyle,
		httpClient: &http.Client{
			Timeout: config.DefaultImageGenTimeout,
		},
		logger:       slog.Default(),
		maxRetries:   config.DefaultImageGenRetries,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FromConfig creates a client from the imagegen config section.
func FromConfig(cfg config.ImageGenConfig, logger *slog.Logger) *Client {
	opts := []ClientOption{
		WithTimeout(cfg.Timeout),
		WithRetries(cfg.MaxRetries, time.Second),
	}
	if cfg.ClientID != "" {
		opts = append(opts, WithClientID(cfg.ClientID))
	}
	if cfg.Style != "" {
		opts = append(opts, WithStyle(cfg.Style))
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return NewClient(cfg.URL, cfg.APIKey, opts...)
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithClientID sets the client id sent with every request.
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.clientID = id
	}
}

// WithStyle sets the default image style.
func WithStyle(style string) ClientOption {
	return func(c *Client) {
		c.style = style
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Request describes an image to generate. An empty Style uses the client
// default.
type Request struct {
	Prompt         string
	NegativePrompt string
	Style          string
}

type requestBody struct {
	APIKey         string `json:"api_key"`
	ClientID       string `json:"client_id"`
	Style          string `json:"style"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

// Generation is the API response.
type Generation struct {
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
	Data     []struct {
		URL string `json:"url"`
	} `json:"data"`

	Raw json.RawMessage `json:"-"`
}

// Location returns the generated image URL, if the response carried one.
func (g Generation) Location() string {
	switch {
	case g.URL != "":
		return g.URL
	case g.ImageURL != "":
		return g.ImageURL
	case len(g.Data) > 0:
		return g.Data[0].URL
	}
	return ""
}

// Generate requests an image.
func (c *Client) Generate(ctx context.Context, req Request) (*Generation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	style := req.Style
	if style == "" {
		style = c.style
	}

	body, err := json.Marshal(requestBody{
		APIKey:         c.apiKey,
		ClientID:       c.clientID,
		Style:          style,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	var gen Generation
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	gen.Raw = respBody

	return &gen, nil
}
