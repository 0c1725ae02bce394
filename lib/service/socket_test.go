// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/codec"
	"github.com/relay-foundation/relay/lib/testutil"
)

func startServer(t *testing.T, configure func(*Server)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, slog.Default())
	configure(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 2*time.Second)
	})

	waitForSocket(t, socketPath)
	return socketPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never came up: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallRoundTrip(t *testing.T) {
	type echoReply struct {
		Upper string `cbor:"upper"`
	}
	socketPath := startServer(t, func(server *Server) {
		server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
			var request struct {
				Word string `cbor:"word"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return echoReply{Upper: request.Word + "!"}, nil
		})
	})

	var reply echoReply
	err := Call(context.Background(), socketPath, "echo", map[string]any{"word": "hi"}, &reply)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Upper != "hi!" {
		t.Fatalf("reply %q, want hi!", reply.Upper)
	}
}

func TestCallHandlerError(t *testing.T) {
	socketPath := startServer(t, func(server *Server) {
		server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
			return nil, fmt.Errorf("nope")
		})
	})

	err := Call(context.Background(), socketPath, "fail", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error %v, want *CallError", err)
	}
	if callErr.Message != "nope" {
		t.Fatalf("message %q, want nope", callErr.Message)
	}
}

func TestCallUnknownAction(t *testing.T) {
	socketPath := startServer(t, func(server *Server) {})

	err := Call(context.Background(), socketPath, "missing", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error %v, want *CallError", err)
	}
}

func TestCallNilResultDiscardsData(t *testing.T) {
	socketPath := startServer(t, func(server *Server) {
		server.Handle("data", func(ctx context.Context, raw []byte) (any, error) {
			return map[string]any{"ignored": true}, nil
		})
	})
	if err := Call(context.Background(), socketPath, "data", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestMalformedRequestGetsErrorResponse(t *testing.T) {
	socketPath := startServer(t, func(server *Server) {})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A bare CBOR integer has no "action" field.
	if err := codec.NewEncoder(conn).Encode(42); err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.(*net.UnixConn).CloseWrite()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.OK {
		t.Fatal("malformed request reported ok")
	}
}
