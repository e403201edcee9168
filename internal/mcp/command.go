package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duplex-voice-agent/internal/logging"
)

// streamTransport carries newline-delimited JSON-RPC over a reader/writer
// pair, such as a child process's stdout and stdin.
type streamTransport struct {
	conn *streamConnection
}

func newStreamTransport(r io.ReadCloser, w io.WriteCloser) *streamTransport {
	return &streamTransport{conn: newStreamConnection(r, w)}
}

func (t *streamTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type streamConnection struct {
	reader    io.ReadCloser
	writer    io.WriteCloser
	incoming  chan readResult
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

type readResult struct {
	msg jsonrpc.Message
	err error
}

func newStreamConnection(r io.ReadCloser, w io.WriteCloser) *streamConnection {
	c := &streamConnection{reader: r, writer: w, incoming: make(chan readResult, 1)}
	go c.readLoop()
	return c
}

func (c *streamConnection) readLoop() {
	defer close(c.incoming)
	dec := json.NewDecoder(c.reader)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.incoming <- readResult{err: err}
			return
		}
		msg, err := jsonrpc.DecodeMessage(raw)
		c.incoming <- readResult{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (c *streamConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return res.msg, res.err
	}
}

func (c *streamConnection) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(data)
	return err
}

func (c *streamConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.reader.Close(), c.writer.Close())
	})
	return c.closeErr
}

func (c *streamConnection) SessionID() string { return "" }

// ConnectCommand starts a local tool server and talks to it over stdio. The
// process is stopped by Close.
func (c *Client) ConnectCommand(ctx context.Context, command string, args []string, env map[string]string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("mcp: command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: start %s: %w", command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp: tool server stderr", "command", command, "line", scanner.Text())
		}
	}()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	stop := func() error {
		_ = stdin.Close()
		select {
		case err := <-waitCh:
			return err
		default:
			_ = cmd.Process.Kill()
			return <-waitCh
		}
	}
	if err := c.Connect(ctx, newStreamTransport(stdout, stdin)); err != nil {
		_ = stop()
		return err
	}
	c.mu.Lock()
	c.closers = append(c.closers, stop)
	c.mu.Unlock()
	logging.Infow("mcp: tool server started", "command", command, "args", strings.Join(args, " "))
	return nil
}
