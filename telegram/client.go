// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram is a hand-rolled client for the slice of the
// Telegram Bot API the relay needs: sending messages into forum
// topics, managing topic lifecycle, and long-polling for inbound
// updates. No third-party SDK — the surface is small and the error
// taxonomy (topic closed, entity parse failure, rate limit) must be
// preserved exactly for the delivery pipeline's recoveries to work.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultBaseURL = "https://api.telegram.org"

// maxResponseSize bounds API response reads. getUpdates batches are
// the largest responses and stay well under this.
const maxResponseSize = 8 * 1024 * 1024

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Token is the bot token. Required.
	Token string
	// BaseURL overrides the API endpoint, for tests and local API
	// servers. Empty means api.telegram.org.
	BaseURL string
	// HTTPClient is used for all requests. Nil means http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger
}

// Client issues Bot API calls. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: Token is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetMe validates the token and returns the bot's own account. Useful
// as a startup reachability check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.call(ctx, "getMe", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SendMessage sends a message and returns the created Message.
func (c *Client) SendMessage(ctx context.Context, request SendMessageRequest) (*Message, error) {
	var message Message
	if err := c.call(ctx, "sendMessage", request, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// CreateForumTopic creates a named topic in a forum supergroup and
// returns its thread ID. Returns ErrTopicsUnsupported when the chat is
// not a forum, so callers can fall back to the root thread explicitly.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	request := map[string]any{"chat_id": chatID, "name": name}
	var topic ForumTopic
	if err := c.call(ctx, "createForumTopic", request, &topic); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "not a forum") {
			return 0, ErrTopicsUnsupported
		}
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// CloseForumTopic closes a topic. Closing an already-closed topic is
// reported by Telegram as TOPIC_NOT_MODIFIED; that is flattened to nil
// because the desired state holds.
func (c *Client) CloseForumTopic(ctx context.Context, chatID, threadID int64) error {
	err := c.call(ctx, "closeForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
	}, nil)
	return ignoreNotModified(err)
}

// ReopenForumTopic reopens a closed topic. Reopening an open topic is
// flattened to nil, same as CloseForumTopic.
func (c *Client) ReopenForumTopic(ctx context.Context, chatID, threadID int64) error {
	err := c.call(ctx, "reopenForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
	}, nil)
	return ignoreNotModified(err)
}

// GetUpdates long-polls for updates after offset. timeoutSeconds is
// the server-side hold; the ctx should allow at least that long.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	request := map[string]any{
		"offset":          offset,
		"timeout":         timeoutSeconds,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", request, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// AnswerCallbackQuery acknowledges a button press so the client stops
// showing a progress spinner. text, when non-empty, is shown as a
// toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	request := map[string]any{"callback_query_id": callbackQueryID}
	if text != "" {
		request["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", request, nil)
}

// apiResponse is the uniform Bot API response envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// call performs one Bot API method call. params is JSON-encoded as the
// request body; the result field is unmarshaled into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	requestURL := c.baseURL + "/bot" + c.token + "/" + method

	var body io.Reader
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("telegram: encoding %s request: %w", method, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return fmt.Errorf("telegram: creating %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("telegram: reading %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		// Non-JSON body: a proxy error page or truncated response.
		// Fail loud with the status and raw prefix.
		return fmt.Errorf("telegram: unexpected %d response from %s: %s",
			response.StatusCode, method, truncateForLog(responseBody))
	}

	if !envelope.OK {
		apiErr := &APIError{Code: envelope.ErrorCode, Description: envelope.Description}
		if envelope.Parameters != nil {
			apiErr.RetryAfter = envelope.Parameters.RetryAfter
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram: decoding %s result: %w", method, err)
		}
	}
	return nil
}

func ignoreNotModified(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "TOPIC_NOT_MODIFIED") {
		return nil
	}
	return err
}

func truncateForLog(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
