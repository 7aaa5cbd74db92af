// Package agentservice is the HTTP client for the upstream agent platform.
// It covers the five operations the fabric consumes: list agents, fetch one
// agent, send a prompt, list recent messages, and get-or-create the webhook
// configuration pointing back at us.
package agentservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/calyptra/agentfabric/common/retry"
)

// ErrAgentNotFound is returned when the service reports 404 for an agent.
var ErrAgentNotFound = errors.New("agentservice: agent not found")

// StatusError carries a non-2xx service response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agentservice: status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying (5xx or transport error).
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	// Transport-level failures come back as url.Error.
	var ue *url.Error
	return errors.As(err, &ue)
}

// Agent is the service's agent record, reduced to the fields the fabric uses.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one entry of an agent's message history.
type Message struct {
	ID          string    `json:"id"`
	MessageType string    `json:"message_type"`
	Content     any       `json:"content"`
	RunID       string    `json:"run_id,omitempty"`
	Date        time.Time `json:"date"`
}

// WebhookConfig describes a registered completion webhook.
type WebhookConfig struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// Client talks to the agent service. Short calls use the default timeout;
// prompt sends run on a dedicated long-timeout client because agent runs can
// take the better part of an hour.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	slow    *http.Client
	retry   retry.Config
}

// New creates a Client for the given base URL and bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		slow:    &http.Client{Timeout: time.Hour},
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			ShouldRetry:  IsTransient,
		},
	}
}

// ListAgents returns every agent the token can see.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := retry.Do(ctx, c.retry, func() error {
		return c.do(ctx, c.http, http.MethodGet, "/v1/agents/", nil, &out)
	})
	return out, err
}

// GetAgent fetches one agent's metadata.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	err := retry.Do(ctx, c.retry, func() error {
		return c.do(ctx, c.http, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, &out)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return nil, err
	}
	return &out, nil
}

// SendPrompt delivers a user message to an agent and returns the resulting
// messages. This is the long-running call: no retries, one attempt on the
// slow client, because a duplicate prompt is worse than a failed one.
func (c *Client) SendPrompt(ctx context.Context, agentID, text string) ([]Message, error) {
	body := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": text}},
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, c.slow, http.MethodPost, "/v1/agents/"+url.PathEscape(agentID)+"/messages", body, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ListRecentMessages returns the agent's most recent messages, newest last.
func (c *Client) ListRecentMessages(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages?limit=" + strconv.Itoa(limit)
	var out []Message
	err := retry.Do(ctx, c.retry, func() error {
		return c.do(ctx, c.http, http.MethodGet, path, nil, &out)
	})
	return out, err
}

// EnsureWebhook returns the webhook config registered for callbackURL,
// creating one when none exists yet.
func (c *Client) EnsureWebhook(ctx context.Context, callbackURL string) (*WebhookConfig, error) {
	var existing []WebhookConfig
	err := retry.Do(ctx, c.retry, func() error {
		return c.do(ctx, c.http, http.MethodGet, "/v1/webhooks/", nil, &existing)
	})
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].URL == callbackURL {
			return &existing[i], nil
		}
	}

	var created WebhookConfig
	err = retry.Do(ctx, c.retry, func() error {
		return c.do(ctx, c.http, http.MethodPost, "/v1/webhooks/", map[string]any{
			"url":         callbackURL,
			"event_types": []string{"agent.run.completed"},
		}, &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// do performs one request and decodes the JSON response into out (when
// non-nil). Non-2xx responses become *StatusError.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agentservice: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("agentservice: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agentservice: decode response: %w", err)
	}
	return nil
}
