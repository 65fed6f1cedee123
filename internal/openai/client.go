package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamlens/dreamlens/internal/config"
)

// ErrorKind classifies provider failures into a stable taxonomy. The raw
// provider error text survives only as the message.
type ErrorKind string

const (
	KindPolicyViolation ErrorKind = "policy_violation"
	KindRateLimited     ErrorKind = "rate_limited"
	KindTransport       ErrorKind = "transport"
	KindTimeout         ErrorKind = "timeout"
	KindUnknown         ErrorKind = "unknown"
)

type ProviderError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// Retryable reports whether one more attempt may succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type ImageOptions struct {
	Prompt  string
	Quality string // "standard" or "hd"
	Size    string // e.g. "1024x1024"
}

type VideoOptions struct {
	Prompt  string
	Quality string
}

// Result is the opaque generated payload plus its content type.
type Result struct {
	Data []byte
	Mime string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:  cfg.OpenAIAPIKey,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// GenerateImage runs one synchronous image generation and returns the decoded
// payload.
func (c *Client) GenerateImage(ctx context.Context, opts ImageOptions) (*Result, error) {
	if opts.Size == "" {
		opts.Size = "1024x1024"
	}
	if opts.Quality == "" {
		opts.Quality = "standard"
	}

	payload := map[string]any{
		"model":           "dall-e-3",
		"prompt":          opts.Prompt,
		"n":               1,
		"size":            opts.Size,
		"quality":         opts.Quality,
		"response_format": "b64_json",
	}

	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "/v1/images/generations", payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, &ProviderError{Kind: KindUnknown, Message: "empty image payload"}
	}
	data, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, &ProviderError{Kind: KindUnknown, Message: "decode image payload: " + err.Error()}
	}
	return &Result{Data: data, Mime: "image/png"}, nil
}

// GenerateVideo creates a video job and polls it to completion, then fetches
// the rendered content.
func (c *Client) GenerateVideo(ctx context.Context, opts VideoOptions) (*Result, error) {
	payload := map[string]any{
		"model":  "sora-2",
		"prompt": opts.Prompt,
	}
	if opts.Quality == "hd" {
		payload["size"] = "1792x1024"
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.postJSON(ctx, "/v1/videos", payload, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, &ProviderError{Kind: KindUnknown, Message: "empty video job id"}
	}

	if err := c.pollVideo(ctx, created.ID); err != nil {
		return nil, err
	}
	return c.fetchVideoContent(ctx, created.ID)
}

func (c *Client) pollVideo(ctx context.Context, jobID string) error {
	const maxAttempts = 90
	const pollInterval = 2 * time.Second

	endpoint := "/v1/videos/" + url.PathEscape(jobID)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var status struct {
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := c.getJSON(ctx, endpoint, &status); err != nil {
			return err
		}

		switch status.Status {
		case "completed":
			return nil
		case "failed":
			msg := "video job failed"
			if status.Error != nil && status.Error.Message != "" {
				msg = status.Error.Message
			}
			return classifyMessage(msg)
		case "queued", "in_progress", "processing":
			if c.log != nil && attempt%15 == 0 {
				c.log.Info("video job in progress", "job_id", jobID, "attempt", attempt+1)
			}
			select {
			case <-ctx.Done():
				return &ProviderError{Kind: KindTimeout, Message: ctx.Err().Error()}
			case <-time.After(pollInterval):
			}
		default:
			return &ProviderError{Kind: KindUnknown, Message: "unknown video job status: " + status.Status}
		}
	}
	return &ProviderError{Kind: KindTimeout, Message: fmt.Sprintf("video job not done after %d polls", maxAttempts)}
}

func (c *Client) fetchVideoContent(ctx context.Context, jobID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/videos/"+url.PathEscape(jobID)+"/content", nil)
	if err != nil {
		return nil, &ProviderError{Kind: KindUnknown, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return &Result{Data: data, Mime: "video/mp4"}, nil
}

// EnhancePrompt asks the chat model to rewrite a prompt with more visual
// detail. Purely stateless; callers may ignore failures and keep the
// original prompt.
func (c *Client) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": "gpt-4o-mini",
		"messages": []map[string]string{
			{
				"role":    "system",
				"content": "You are a prompt engineer for AI image and video generation. Rewrite the user's prompt with richer visual detail: lighting, composition, style. Keep the core concept. Reply with the rewritten prompt only.",
			},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  200,
		"temperature": 0.7,
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.postJSON(ctx, "/v1/chat/completions", payload, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", &ProviderError{Kind: KindUnknown, Message: "empty completion"}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Kind: KindUnknown, Message: "marshal payload: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Kind: KindUnknown, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return &ProviderError{Kind: KindUnknown, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("provider request failed", "status", resp.StatusCode, "path", req.URL.Path, "body", truncate(rawBody))
		}
		return classifyStatus(resp.StatusCode, rawBody)
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return &ProviderError{Kind: KindUnknown, Message: fmt.Sprintf("decode response: %v (body=%s)", err, truncate(rawBody))}
	}
	return nil
}

func classifyTransport(err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: KindTimeout, Message: err.Error()}
	}
	return &ProviderError{Kind: KindTransport, Message: err.Error()}
}

func classifyStatus(status int, body []byte) *ProviderError {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	msg := truncate(body)
	code := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		code = parsed.Error.Code
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &ProviderError{Kind: KindRateLimited, Message: msg}
	case code == "content_policy_violation" || strings.Contains(strings.ToLower(msg), "content policy"):
		return &ProviderError{Kind: KindPolicyViolation, Message: msg}
	case status >= 500:
		return &ProviderError{Kind: KindTransport, Message: msg}
	default:
		return &ProviderError{Kind: KindUnknown, Message: msg}
	}
}

func classifyMessage(msg string) *ProviderError {
	if strings.Contains(strings.ToLower(msg), "policy") {
		return &ProviderError{Kind: KindPolicyViolation, Message: msg}
	}
	return &ProviderError{Kind: KindUnknown, Message: msg}
}

func truncate(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
