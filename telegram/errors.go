// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a structured error response from the Bot API. Extract it
// with errors.As:
//
//	var apiErr *telegram.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == 429 { ... }
type APIError struct {
	// Code is the HTTP-style error_code from the response body.
	Code int `json:"error_code"`
	// Description is the human-readable description from the API.
	Description string `json:"description"`
	// RetryAfter is the server-requested backoff in seconds, present
	// on 429 responses.
	RetryAfter int `json:"-"`
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %d: %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %d: %s", e.Code, e.Description)
}

// The pipeline's structural recoveries key off these descriptions.
// Telegram reports both conditions as 400 Bad Request, so the
// description text is the only discriminator the API offers.
const (
	descTopicClosed  = "TOPIC_CLOSED"
	descTopicDeleted = "TOPIC_DELETED"
	descParseEntity  = "can't parse entities"
)

// IsTopicClosed reports whether err means the destination forum topic
// was closed (or deleted) on the Telegram side. The delivery pipeline
// treats this as a structural failure: reopen, notify, resend once.
func IsTopicClosed(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.Description, descTopicClosed) ||
		strings.Contains(apiErr.Description, descTopicDeleted)
}

// IsParseError reports whether err means Telegram rejected the message
// markup ("can't parse entities"). The pipeline strips formatting and
// resends as plain text once.
func IsParseError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.Description, descParseEntity)
}

// IsTransient reports whether err is worth a generic retry: network
// failures, 429 rate limits, and 5xx server errors. Other 4xx client
// errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return true
		}
		if apiErr.Code >= 500 {
			return true
		}
		if apiErr.Code >= 400 {
			return false
		}
	}
	// Non-API errors (connection refused, timeout, EOF) are transient.
	return true
}

// ErrTopicsUnsupported is returned by CreateForumTopic when the chat
// is not a forum supergroup. The caller binds the session to the root
// thread instead — explicitly, never silently.
var ErrTopicsUnsupported = errors.New("telegram: chat does not support forum topics")
