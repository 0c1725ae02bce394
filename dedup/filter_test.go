// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSuppressWithinWindow(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	filter := NewFilter(fakeClock, 10*time.Second)

	filter.Remember("sess-1", "run the tests")

	if !filter.Suppress("sess-1", "run the tests") {
		t.Error("echo within window should be suppressed")
	}
	// Duplicate echo within the window stays suppressed.
	if !filter.Suppress("sess-1", "run the tests") {
		t.Error("second echo within window should still be suppressed")
	}
}

func TestSuppressExpiresUnconditionally(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	filter := NewFilter(fakeClock, 10*time.Second)

	filter.Remember("sess-1", "run the tests")
	fakeClock.Advance(11 * time.Second)

	if filter.Suppress("sess-1", "run the tests") {
		t.Error("echo after window should not be suppressed")
	}
}

func TestSuppressIsScopedToSession(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	filter := NewFilter(fakeClock, 10*time.Second)

	filter.Remember("sess-1", "run the tests")

	if filter.Suppress("sess-2", "run the tests") {
		t.Error("entry must not leak across sessions")
	}
	if filter.Suppress("sess-1", "different text") {
		t.Error("different text must not match")
	}
}

func TestSuppressNormalizesWhitespace(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	filter := NewFilter(fakeClock, 10*time.Second)

	filter.Remember("sess-1", "deploy now")

	// The terminal echo arrives with a trailing newline and CRLF.
	if !filter.Suppress("sess-1", "deploy now\r\n") {
		t.Error("normalized echo should be suppressed")
	}
}

func TestRememberExtendsWindow(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	filter := NewFilter(fakeClock, 10*time.Second)

	filter.Remember("sess-1", "x")
	fakeClock.Advance(8 * time.Second)
	filter.Remember("sess-1", "x")
	fakeClock.Advance(8 * time.Second)

	if !filter.Suppress("sess-1", "x") {
		t.Error("re-remembered entry should still be live")
	}
}
