// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package hookclient is the hook-side client for the daemon's event
// socket. It is built for short-lived hook processes spawned by the
// agent: a dead or unreachable daemon must never block or fail the
// agent, so callers treat transport errors as log-and-continue.
package hookclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/relay-foundation/relay/protocol"
)

// dialTimeout bounds the connection attempt. The daemon listens on a
// local socket; anything slower than this means it is not there.
const dialTimeout = 2 * time.Second

// writeTimeout bounds one envelope write.
const writeTimeout = 5 * time.Second

// maxResponseSize caps the response line on a send-and-wait call.
const maxResponseSize = 1024 * 1024

// Client ships envelopes to the daemon's event socket.
type Client struct {
	socketPath string
	logger     *slog.Logger
}

// New creates a client for the event socket at socketPath.
func New(socketPath string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{socketPath: socketPath, logger: logger}
}

// Emit sends one envelope and disconnects without waiting for
// anything back.
func (c *Client) Emit(ctx context.Context, envelope *protocol.Envelope) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.writeEnvelope(conn, envelope)
}

// EmitAndWait sends one envelope and blocks for the daemon's response
// line. The wait is bounded by ctx; used for approval requests.
func (c *Client) EmitAndWait(ctx context.Context, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.writeEnvelope(conn, envelope); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxResponseSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("hookclient: reading response: %w", err)
		}
		return nil, fmt.Errorf("hookclient: daemon closed the connection without a response")
	}
	line := scanner.Bytes()

	// The daemon answers a bad request with an error line instead of
	// an envelope.
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(line, &failure); err == nil && failure.Error != "" {
		return nil, fmt.Errorf("hookclient: daemon rejected %s: %s", envelope.Type, failure.Error)
	}

	response, err := protocol.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("hookclient: bad response line: %w", err)
	}
	return response, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("hookclient: connecting to %s: %w", c.socketPath, err)
	}
	return conn, nil
}

func (c *Client) writeEnvelope(conn net.Conn, envelope *protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("hookclient: encoding %s envelope: %w", envelope.Type, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("hookclient: writing %s envelope: %w", envelope.Type, err)
	}
	return nil
}

// HostMetadata fills the metadata fields that describe where the hook
// process runs: working directory, hostname, and the tmux pane from
// $TMUX_PANE. Fields that cannot be determined stay empty.
func HostMetadata() *protocol.Metadata {
	meta := &protocol.Metadata{
		TerminalTarget: os.Getenv("TMUX_PANE"),
	}
	if dir, err := os.Getwd(); err == nil {
		meta.ProjectDir = dir
	}
	if host, err := os.Hostname(); err == nil {
		meta.Hostname = host
	}
	return meta
}
