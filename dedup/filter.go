// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedup suppresses the echo loop between chat and terminal.
//
// When the daemon injects a chat reply into the agent's terminal, the
// agent's own input hook sees that text and reports it back as a
// user_input event. Without suppression the daemon would mirror the
// text to chat again, which the user would answer, forever. The filter
// remembers each injected (session, text) pair for a short window and
// drops the matching echo when it arrives.
//
// Expiry is unconditional and time-based — never acknowledgment-based.
// A hook that dies before echoing must not pin entries alive.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/relay-foundation/relay/lib/clock"
)

// DefaultWindow is how long an injected text is remembered.
const DefaultWindow = 10 * time.Second

// Filter remembers recently injected text per session. Safe for
// concurrent use.
type Filter struct {
	clock  clock.Clock
	window time.Duration

	mu      sync.Mutex
	entries map[[32]byte]time.Time // key → expiry
}

// NewFilter creates a filter with the given remember window. A zero
// or negative window falls back to DefaultWindow.
func NewFilter(clk clock.Clock, window time.Duration) *Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{
		clock:   clk,
		window:  window,
		entries: make(map[[32]byte]time.Time),
	}
}

// Remember records that text was injected into the session's terminal.
// Remembering the same pair again extends the window.
func (f *Filter) Remember(sessionID, text string) {
	key := entryKey(sessionID, text)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	f.entries[key] = f.clock.Now().Add(f.window)
}

// Suppress reports whether a user_input event with this text is the
// echo of a recent injection and should not be mirrored. The entry is
// not consumed; it lapses only by time so duplicate echoes within the
// window stay suppressed.
func (f *Filter) Suppress(sessionID, text string) bool {
	key := entryKey(sessionID, text)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()

	expiry, ok := f.entries[key]
	if !ok {
		return false
	}
	return !f.clock.Now().After(expiry)
}

// pruneLocked drops expired entries. Called with f.mu held on every
// access; the map stays small (one entry per recent injection).
func (f *Filter) pruneLocked() {
	now := f.clock.Now()
	for key, expiry := range f.entries {
		if now.After(expiry) {
			delete(f.entries, key)
		}
	}
}

// entryKey hashes the pair so the map never retains injected text.
// The session id is length-prefixed into the hash input to keep
// ("ab","c") distinct from ("a","bc").
func entryKey(sessionID, text string) [32]byte {
	hasher := blake3.New()
	var length [8]byte
	for i, b := 0, len(sessionID); i < 8; i++ {
		length[i] = byte(b >> (8 * i))
	}
	hasher.Write(length[:])
	hasher.Write([]byte(sessionID))
	hasher.Write([]byte(Normalize(text)))

	var key [32]byte
	hasher.Digest().Read(key[:])
	return key
}

// Normalize canonicalizes text before matching: surrounding whitespace
// is stripped and CRLF collapses to LF, since tmux echoes line endings
// differently than chat clients send them.
func Normalize(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
}
