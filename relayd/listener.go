// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/relay-foundation/relay/protocol"
)

// EventHandler processes one envelope from a hook. The returned
// envelope, when non-nil, is written back on the same connection; the
// hook blocks on it (send-and-wait).
type EventHandler interface {
	HandleEvent(ctx context.Context, envelope *protocol.Envelope) (*protocol.Envelope, error)
}

// maxEventSize caps one newline-delimited event line.
const maxEventSize = 1024 * 1024

// eventReadTimeout bounds the wait for the next line on an idle
// connection. Hooks write immediately and either disconnect or wait
// for a response; they do not sit idle mid-protocol.
const eventReadTimeout = 30 * time.Second

// Listener accepts hook connections on the event socket. The protocol
// is newline-delimited JSON: each line is one envelope, and a
// connection may carry several. A malformed line gets an error line
// back and the connection is dropped; only valid envelopes keep a
// connection alive.
type Listener struct {
	socketPath string
	handler    EventHandler
	logger     *slog.Logger

	active sync.WaitGroup
}

// NewListener creates a listener on socketPath.
func NewListener(socketPath string, handler EventHandler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight connections to finish. A stale socket file is removed
// before listening and the socket file is removed on return.
func (l *Listener) Serve(ctx context.Context) error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("relayd: removing stale socket %s: %w", l.socketPath, err)
	}

	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("relayd: listening on %s: %w", l.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(l.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	l.logger.Info("event socket listening", "path", l.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Error("accept failed", "error", err)
			continue
		}
		l.active.Add(1)
		go func() {
			defer l.active.Done()
			l.handleConnection(ctx, conn)
		}()
	}

	l.active.Wait()
	return nil
}

// errorLine is what a hook gets back for a line the daemon could not
// process. Hooks are free to ignore it.
type errorLine struct {
	Error string `json:"error"`
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	for {
		conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil && !isTimeout(err) {
				l.logger.Debug("event connection read failed", "error", err)
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		envelope, err := protocol.Parse(line)
		if err != nil {
			l.logger.Warn("malformed event, dropping connection", "error", err)
			l.writeLine(conn, errorLine{Error: err.Error()})
			return
		}

		// Approval waits can far exceed the read timeout; clear the
		// deadline while the handler runs.
		conn.SetReadDeadline(time.Time{})
		response, err := l.handler.HandleEvent(ctx, envelope)
		if err != nil {
			l.logger.Warn("event rejected",
				"kind", envelope.Type,
				"session_id", envelope.SessionID,
				"error", err,
			)
			l.writeLine(conn, errorLine{Error: err.Error()})
			continue
		}
		if response != nil {
			l.writeLine(conn, response)
		}
	}
}

func (l *Listener) writeLine(conn net.Conn, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		l.logger.Error("encoding response line", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		l.logger.Debug("writing response line", "error", err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
