// Package remote evaluates drawings by posting them to an external HTTP
// evaluation service.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/logging"
)

// maxReplyBytes caps how much of a reply body is read.
const maxReplyBytes = 1 << 20

// Client posts the prompt and the drawing as multipart form data and expects
// the JSON verdict in the response body.
type Client struct {
	httpClient *http.Client
	url        string
	prompt     string
	logger     *zap.Logger
}

// NewClient creates a client for the evaluation endpoint at url.
func NewClient(url, prompt string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if url == "" {
		return nil, errors.New("evaluation api url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		prompt:     prompt,
		logger:     logger.Named("remote"),
	}, nil
}

// Evaluate implements evaluator.Evaluator.
func (c *Client) Evaluate(ctx context.Context, image []byte) (*evaluator.Result, error) {
	result, err := c.evaluate(ctx, image)
	if err != nil {
		wrapped := logging.WrapContext(ctx, "remote.evaluate", err)
		logging.FromContext(ctx, c.logger, "remote.evaluate").Warn("remote evaluation failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return result, nil
}

func (c *Client) evaluate(ctx context.Context, image []byte) (*evaluator.Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("prompt", c.prompt); err != nil {
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}
	part, err := writer.CreateFormFile("image", "drawing")
	if err != nil {
		return nil, fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if requestID := logging.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, snippet(reply))
	}

	return evaluator.ParseResult(reply)
}

func snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
