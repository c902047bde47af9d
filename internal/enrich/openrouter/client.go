// Package openrouter implements the chat-completion transport against an
// OpenRouter-compatible HTTP endpoint.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/enrich"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/logger"
	"go.uber.org/zap"
)

const (
	defaultAPIURL     = "https://openrouter.ai/api/v1/chat/completions"
	defaultModel      = "openai/gpt-4o-mini"
	defaultMaxRetries = 3

	contentType    = "application/json"
	referer        = "https://github.com/cmt-volunteer-system"
	appTitle       = "CMT Volunteer System"
	requestTimeout = 60 * time.Second

	transientRetryDelay = time.Second
	rateLimitUnit       = 2 * time.Second
	maxBodyLogLen       = 300
)

// sleep is a seam for tests.
var sleep = time.Sleep

// Client is a bearer-token chat-completions client with bounded retries.
type Client struct {
	apiURL     string
	token      string
	model      string
	maxRetries int
	logger     *zap.Logger

	HTTPClient *http.Client
}

// New creates a Client. The token is required; model and maxRetries fall
// back to defaults when unset.
func New(token, model string, maxRetries int, log *zap.Logger) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("openrouter api key is required")
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}

	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		apiURL:     defaultAPIURL,
		token:      token,
		model:      model,
		maxRetries: maxRetries,
		logger:     log,
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
		},
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// SetAPIURL overrides the endpoint, mainly for tests.
func (c *Client) SetAPIURL(url string) {
	c.apiURL = url
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []enrich.Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete posts the message list and returns the assistant's text. An HTTP
// 429 waits (attempt+1)*2 seconds before the next try; any other HTTP or
// transport failure waits one second. Every wait consumes one attempt of the
// retry budget; exhaustion returns the last error.
func (c *Client) Complete(ctx context.Context, messages []enrich.Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		content, rateLimited, err := c.post(ctx, body)
		if err == nil {
			return content, nil
		}

		lastErr = err

		delay := transientRetryDelay
		if rateLimited {
			delay = time.Duration(attempt+1) * rateLimitUnit
		}

		c.logger.Warn("chat completion attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Bool("rate_limited", rateLimited),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		if attempt == c.maxRetries-1 {
			break
		}

		sleep(delay)
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Verify sends a trivial completion to confirm the endpoint and credentials
// work before a batch starts.
func (c *Client) Verify(ctx context.Context) error {
	_, err := c.Complete(ctx, []enrich.Message{
		{Role: enrich.RoleUser, Content: "Say 'test successful' and nothing else"},
	})
	if err != nil {
		return fmt.Errorf("openrouter connection test: %w", err)
	}
	return nil
}

// post performs one HTTP round trip. rateLimited reports whether the server
// answered 429, which selects the longer backoff in Complete.
func (c *Client) post(ctx context.Context, body []byte) (content string, rateLimited bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	c.setHeaders(req)

	c.logger.Debug("make request", zap.String("url", req.URL.String()))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("rate limited: %s: %s",
			resp.Status, logger.TruncateForLog(string(data), maxBodyLogLen))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", false, fmt.Errorf("bad status: %s: %s",
			resp.Status, logger.TruncateForLog(string(data), maxBodyLogLen))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, fmt.Errorf("decode chat response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", false, errors.New("chat response contains no choices")
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), false, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("HTTP-Referer", referer)
	req.Header.Set("X-Title", appTitle)
}
