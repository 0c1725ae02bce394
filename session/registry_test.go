// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) (*Registry, *clock.FakeClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	return openRegistry(t, path)
}

func openRegistry(t *testing.T, path string) (*Registry, *clock.FakeClock, string) {
	t.Helper()
	store, err := OpenStore(path, slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	fakeClock := clock.Fake(testEpoch)
	return NewRegistry(store, fakeClock, slog.Default()), fakeClock, path
}

func TestEnsureIsIdempotentInIdentity(t *testing.T) {
	registry, fakeClock, _ := testRegistry(t)
	ctx := context.Background()

	first, err := registry.Ensure(ctx, "sess-1", Meta{ProjectDir: "/work", Hostname: "box", TerminalTarget: "%1"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !first.Created {
		t.Error("first Ensure should report Created")
	}
	if first.Session.Status != StatusActive {
		t.Errorf("Status = %q, want active", first.Session.Status)
	}
	if !first.Session.CreatedAt.Equal(testEpoch) {
		t.Errorf("CreatedAt = %v, want %v", first.Session.CreatedAt, testEpoch)
	}

	fakeClock.Advance(time.Minute)
	for i := 0; i < 5; i++ {
		result, err := registry.Ensure(ctx, "sess-1", Meta{})
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		if result.Created || result.Reactivated {
			t.Errorf("repeat Ensure reported Created=%v Reactivated=%v", result.Created, result.Reactivated)
		}
		if result.Session.ID != "sess-1" {
			t.Errorf("Session.ID = %q", result.Session.ID)
		}
	}

	// Metadata recorded at creation must survive later Ensures.
	got, found, err := registry.Get(ctx, "sess-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.ProjectDir != "/work" || got.Hostname != "box" {
		t.Errorf("metadata = %q/%q, want /work/box", got.ProjectDir, got.Hostname)
	}
	if !got.LastActivity.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("LastActivity = %v, want advanced time", got.LastActivity)
	}
}

func TestEnsureReactivatesEndedSession(t *testing.T) {
	registry, _, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ensure(ctx, "sess-1", Meta{}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := registry.MarkEnded(ctx, "sess-1"); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	result, err := registry.Ensure(ctx, "sess-1", Meta{})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !result.Reactivated {
		t.Error("Ensure on ended session should report Reactivated")
	}
	if result.Session.Status != StatusActive {
		t.Errorf("Status = %q, want active", result.Session.Status)
	}
}

func TestBindTopicIsWriteOnce(t *testing.T) {
	registry, _, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ensure(ctx, "sess-1", Meta{}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := registry.BindTopic(ctx, "sess-1", 42); err != nil {
		t.Fatalf("BindTopic: %v", err)
	}
	// Same topic: no-op.
	if err := registry.BindTopic(ctx, "sess-1", 42); err != nil {
		t.Fatalf("repeat BindTopic: %v", err)
	}
	// Different topic: anomaly, original binding kept.
	if err := registry.BindTopic(ctx, "sess-1", 99); err != nil {
		t.Fatalf("conflicting BindTopic: %v", err)
	}

	got, _, err := registry.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.TopicBound || got.TopicID != 42 {
		t.Errorf("topic = (%v, %d), want (true, 42)", got.TopicBound, got.TopicID)
	}

	resolved, found, err := registry.ByTopic(ctx, 42)
	if err != nil || !found || resolved.ID != "sess-1" {
		t.Errorf("ByTopic(42) = (%+v, %v, %v)", resolved, found, err)
	}
}

func TestRootThreadBindingIsDistinctFromUnbound(t *testing.T) {
	registry, _, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ensure(ctx, "sess-1", Meta{}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	got, _, _ := registry.Get(ctx, "sess-1")
	if got.TopicBound {
		t.Fatal("fresh session should be unbound")
	}

	// Binding to topic 0 (root thread fallback) must persist as bound.
	if err := registry.BindTopic(ctx, "sess-1", 0); err != nil {
		t.Fatalf("BindTopic(0): %v", err)
	}
	got, _, _ = registry.Get(ctx, "sess-1")
	if !got.TopicBound || got.TopicID != 0 {
		t.Errorf("topic = (%v, %d), want (true, 0)", got.TopicBound, got.TopicID)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	registry, _, _ := openRegistry(t, path)
	ctx := context.Background()

	if _, err := registry.Ensure(ctx, "sess-1", Meta{Hostname: "box"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := registry.BindTopic(ctx, "sess-1", 42); err != nil {
		t.Fatalf("BindTopic: %v", err)
	}
	if err := registry.MarkEnded(ctx, "sess-1"); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	reopened, _, _ := openRegistry(t, path)
	got, found, err := reopened.Get(ctx, "sess-1")
	if err != nil || !found {
		t.Fatalf("Get after reopen: found=%v err=%v", found, err)
	}
	if got.Status != StatusEnded || !got.TopicBound || got.TopicID != 42 || got.Hostname != "box" {
		t.Errorf("session after reopen = %+v", got)
	}
}

func TestRemoveDeletesRow(t *testing.T) {
	registry, _, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ensure(ctx, "sess-1", Meta{}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := registry.Remove(ctx, "sess-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, _ := registry.Get(ctx, "sess-1"); found {
		t.Error("session still present after Remove")
	}
	if err := registry.Remove(ctx, "sess-1"); err != nil {
		t.Errorf("Remove of missing row should be a no-op, got %v", err)
	}
}
