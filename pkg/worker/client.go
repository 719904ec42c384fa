package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// ClientConfig configures the HTTP worker client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	// Dimensions is the expected embedding width; responses with a
	// different width are rejected.
	Dimensions int
	// MaxRetries bounds transient retry inside ExecuteAction and Embed.
	MaxRetries int
	HTTPClient *http.Client
}

// Client speaks the OpenAI-compatible chat completions and embeddings
// API. It implements Worker.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

var _ Worker = (*Client)(nil)

// NewClient builds a worker client with defaults filled in.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Plan asks the model for the next action toward the goal.
func (c *Client) Plan(ctx context.Context, goal string, state map[string]any) (string, int, error) {
	sys := "You plan one step at a time. Given a goal and the work so far, " +
		"reply with the single next action to take, as one short imperative sentence."
	user := "Goal: " + goal
	if summary := stateSummary(state); summary != "" {
		user += "\n\nWork so far:\n" + summary
	}

	out, err := c.chat(ctx, []message{{Role: "system", Content: sys}, {Role: "user", Content: user}}, 1)
	if err != nil {
		return "", 0, fmt.Errorf("plan: %w", err)
	}
	return out.content, out.tokens, nil
}

// ExecuteAction carries out a planned action. Transient transport and
// server errors are retried with exponential backoff and jitter; model
// errors come back as a result with Error set, not as a Go error.
func (c *Client) ExecuteAction(ctx context.Context, action, goal string) (*ActionResult, error) {
	sys := "You execute actions toward a goal. Carry out the given action and " +
		"report the outcome. When the overall goal is fully achieved, include " +
		"the literal marker " + CompleteSentinel + " in your reply."
	user := "Goal: " + goal + "\n\nAction: " + action

	out, err := c.chat(ctx, []message{{Role: "system", Content: sys}, {Role: "user", Content: user}}, c.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("execute action: %w", err)
	}

	result := &ActionResult{Output: out.content, Tokens: out.tokens}
	for _, tc := range out.toolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			Name:  tc.Function.Name,
			Input: tc.Function.Arguments,
		})
	}
	return result, nil
}

// IsGoalComplete asks the model for a yes/no judgment on the goal.
func (c *Client) IsGoalComplete(ctx context.Context, goal string, state map[string]any) (bool, error) {
	sys := "You judge task completion. Answer with exactly YES or NO."
	user := "Goal: " + goal
	if summary := stateSummary(state); summary != "" {
		user += "\n\nWork so far:\n" + summary
	}
	user += "\n\nIs the goal fully achieved?"

	out, err := c.chat(ctx, []message{{Role: "system", Content: sys}, {Role: "user", Content: user}}, 1)
	if err != nil {
		return false, fmt.Errorf("goal check: %w", err)
	}
	answer := strings.ToUpper(strings.TrimSpace(out.content))
	return strings.HasPrefix(answer, "YES"), nil
}

// Chat sends a single prompt with optional context.
func (c *Client) Chat(ctx context.Context, prompt string, extra map[string]any) (string, error) {
	user := prompt
	if summary := stateSummary(extra); summary != "" {
		user = "Context:\n" + summary + "\n\n" + prompt
	}
	out, err := c.chat(ctx, []message{{Role: "user", Content: user}}, c.cfg.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return out.content, nil
}

// Embed computes the embedding for a text, retrying transient failures.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{
		"model": c.cfg.EmbeddingModel,
		"input": []string{text},
	}

	var embedding []float32
	err := c.withRetry(ctx, c.cfg.MaxRetries, func() error {
		respBody, err := c.post(ctx, "/embeddings", body)
		if err != nil {
			return err
		}
		var resp struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return permanent(fmt.Errorf("decode embeddings response: %w", err))
		}
		if len(resp.Data) == 0 {
			return permanent(fmt.Errorf("embeddings response contained no data"))
		}
		embedding = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if c.cfg.Dimensions > 0 && len(embedding) != c.cfg.Dimensions {
		return nil, fmt.Errorf("embed: expected %d dimensions, got %d", c.cfg.Dimensions, len(embedding))
	}
	return embedding, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type rawToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatOutput struct {
	content   string
	tokens    int
	toolCalls []rawToolCall
}

func (c *Client) chat(ctx context.Context, messages []message, retries int) (*chatOutput, error) {
	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
		"stream":   false,
	}

	var out chatOutput
	err := c.withRetry(ctx, retries, func() error {
		respBody, err := c.post(ctx, "/chat/completions", body)
		if err != nil {
			return err
		}

		var resp struct {
			Choices []struct {
				Message struct {
					Content   string        `json:"content"`
					ToolCalls []rawToolCall `json:"tool_calls"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
			Error *struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return permanent(fmt.Errorf("decode chat response: %w", err))
		}
		if resp.Error != nil && resp.Error.Message != "" {
			return permanent(fmt.Errorf("model error: %s", resp.Error.Message))
		}
		if len(resp.Choices) == 0 {
			return permanent(fmt.Errorf("chat response contained no choices"))
		}

		out = chatOutput{
			content:   resp.Choices[0].Message.Content,
			tokens:    resp.Usage.TotalTokens,
			toolCalls: resp.Choices[0].Message.ToolCalls,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends a JSON request and returns the response body. Retryable
// failures (transport errors, 429, 5xx) come back as plain errors;
// everything else is wrapped as permanent.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, permanent(fmt.Errorf("API error %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}
	return respBody, nil
}

// withRetry runs fn up to attempts times with exponential backoff and
// jitter, stopping early on permanent errors or context cancellation.
func (c *Client) withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			slog.Warn("Worker call failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// stateSummary renders a state map as stable-ish text for prompts.
func stateSummary(state map[string]any) string {
	if len(state) == 0 {
		return ""
	}
	blob, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", state)
	}
	return string(blob)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
