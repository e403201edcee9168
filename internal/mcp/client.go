package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duplex-voice-agent/internal/dialogue"
	"github.com/duplex-voice-agent/internal/logging"
)

var ErrNotConnected = errors.New("mcp: not connected")

// Client connects to an MCP tool server and exposes its tools to the
// dialogue orchestrator. It implements dialogue.ToolCaller and is safe to
// share between sessions.
type Client struct {
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	tools           []dialogue.ToolSpec
	closers         []func() error
}

func NewClient(name, version string) *Client {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &Client{client: sdk.NewClient(impl, nil)}
}

// ConnectWebSocket dials the server's websocket endpoint. http(s) URLs are
// mapped to ws(s).
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", u.Redacted(), err)
	}
	if err := c.Connect(ctx, NewWebSocketTransport(conn, u.Redacted())); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp: client connected", "url", u.Redacted())
	return nil
}

// Connect starts a session over any transport.
func (c *Client) Connect(ctx context.Context, t sdk.Transport) error {
	sess, err := c.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect: %w", err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
	}
	c.session = sess
	c.keepaliveCancel = cancel
	c.tools = nil
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil {
					logging.Warnw("mcp: keepalive ping failed", "err", err)
				}
			}
		}
	}()
	return nil
}

func (c *Client) current() *sdk.ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Tools lists the server's tools. The list is cached after the first
// successful call.
func (c *Client) Tools(ctx context.Context) ([]dialogue.ToolSpec, error) {
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	sess := c.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	res, err := sess.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	specs := make([]dialogue.ToolSpec, 0, len(res.Tools))
	for _, t := range res.Tools {
		specs = append(specs, dialogue.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaMap(t.InputSchema),
		})
	}
	c.mu.Lock()
	c.tools = specs
	c.mu.Unlock()
	return specs, nil
}

// schemaMap normalizes whatever the SDK decoded the input schema into.
func schemaMap(schema any) map[string]any {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return out
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil || m == nil {
		return out
	}
	return m
}

// Call runs a tool with JSON arguments and returns its text content. A tool
// that reports an error is returned as an error.
func (c *Client) Call(ctx context.Context, name, arguments string) (string, error) {
	sess := c.current()
	if sess == nil {
		return "", ErrNotConnected
	}
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	if !json.Valid([]byte(arguments)) {
		return "", fmt.Errorf("mcp: tool %s: arguments are not valid JSON", name)
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(arguments),
	})
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", name, err)
	}
	var parts []string
	for _, content := range res.Content {
		if t, ok := content.(*sdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp: tool %s failed: %s", name, text)
	}
	return text, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Close())
		c.session = nil
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logging.Debugw("mcp: tool server exited", "err", err)
		}
	}
	c.closers = nil
	c.tools = nil
	return errors.Join(errs...)
}
