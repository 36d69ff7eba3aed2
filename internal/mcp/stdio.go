package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/apelabs/ape/internal/observability"
)

// maxFrameSize bounds one stdio line. Oversized frames are a protocol
// violation, not something to buffer indefinitely.
const maxFrameSize = 4 << 20

// StdioTransport serves newline-delimited JSON-RPC frames. Logs must go
// to stderr; stdout carries only protocol frames.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *observability.Logger

	writeMu sync.Mutex
}

// NewStdioTransport wires the dispatcher to a frame stream.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer, logger *observability.Logger) *StdioTransport {
	return &StdioTransport{server: server, in: in, out: out, logger: logger}
}

// Serve reads frames until EOF or context cancellation. Each frame is
// handled synchronously; ordering on stdout matches stdin.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			t.write(Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: ErrCodeParse, Message: "parse error"},
			})
			continue
		}

		resp := t.server.Dispatch(ctx, req)
		if err := t.write(resp); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read frames: %w", err)
	}
	return nil
}

func (t *StdioTransport) write(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		if t.logger != nil {
			t.logger.Error(context.Background(), "encode response", "error", err)
		}
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
