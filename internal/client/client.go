// ABOUTME: Go SDK for driving the browser agent through puppet-gateway as a client
// ABOUTME: Identifies on connect, correlates responses by id and optionally reconnects

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/puppet-gateway/internal/protocol"
)

// Defaults for Options fields left zero.
const (
	DefaultName            = "puppet-go-client"
	DefaultTimeout         = 30 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultIdentifyTimeout = 5 * time.Second
)

// Client errors.
var (
	ErrNotConnected     = errors.New("not connected to puppet gateway")
	ErrClosed           = errors.New("client disconnected")
	ErrConnectionLost   = errors.New("connection lost")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrIdentifyTimeout  = errors.New("identification timeout")
	ErrIdentifyRejected = errors.New("identification rejected")
)

// Options configures a Client.
type Options struct {
	URL    string
	APIKey string
	Name   string

	// Timeout bounds each command unless the caller's context ends first.
	Timeout         time.Duration
	IdentifyTimeout time.Duration

	// Reconnect redials after the connection drops, waiting ReconnectDelay between attempts.
	Reconnect      bool
	ReconnectDelay time.Duration

	// Callbacks run on the read goroutine and must not block.
	OnAgentStatus func(protocol.AgentStatus)
	OnEvent       func(protocol.Event)

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Result is the agent's (or gateway's) answer to one command.
type Result struct {
	ID      string
	Success bool
	Data    json.RawMessage
	Error   string
}

// CommandError reports a command the agent or gateway answered with success false.
type CommandError struct {
	Method  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// Err returns a *CommandError when the command failed, nil otherwise.
func (r *Result) Err(method string) error {
	if r.Success {
		return nil
	}
	return &CommandError{Method: method, Message: r.Error}
}

// Decode unmarshals the result data into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("result has no data")
	}
	return json.Unmarshal(r.Data, v)
}

type reply struct {
	resp protocol.Response
	err  error
}

// Client is a puppet-gateway client connection. It is safe for concurrent use.
type Client struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	pending   map[string]chan reply

	seq atomic.Uint64
}

// New creates a Client. Call Connect to dial the gateway.
func New(opts Options) *Client {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.IdentifyTimeout <= 0 {
		opts.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		logger:  opts.Logger.With("component", "puppet-client"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan reply),
	}
}

// Connect dials the gateway and identifies as a client.
// It returns once the gateway answers ready, or fails after IdentifyTimeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.connected:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, err := c.dialAndIdentify(ctx)
	if err != nil {
		return fmt.Errorf("connecting to puppet gateway: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected and identified", "url", c.opts.URL)
	go c.readLoop(ws)
	return nil
}

func (c *Client) dialAndIdentify(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	frame, err := protocol.Encode(protocol.Identify{
		Type:   protocol.TypeIdentify,
		Role:   protocol.RoleClient,
		APIKey: c.opts.APIKey,
		Name:   c.opts.Name,
	})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("sending identify: %w", err)
	}

	if err := c.awaitReady(ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

// awaitReady reads frames until ready or error, within IdentifyTimeout.
func (c *Client) awaitReady(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.IdentifyTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrIdentifyTimeout
			}
			return fmt.Errorf("waiting for ready: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.Ready:
			return nil
		case protocol.Error:
			return fmt.Errorf("%w: %s", ErrIdentifyRejected, m.Error)
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.connectionLost(ws, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Error("failed to parse message", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Response:
		c.mu.Lock()
		ch, ok := c.pending[string(m.ID)]
		delete(c.pending, string(m.ID))
		c.mu.Unlock()
		if ok {
			ch <- reply{resp: m}
		}
	case protocol.AgentStatus:
		c.logger.Info("agent status", "status", m.Status)
		if c.opts.OnAgentStatus != nil {
			c.opts.OnAgentStatus(m)
		}
	case protocol.Event:
		c.logger.Debug("event", "event", m.Event)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(m)
		}
	case protocol.Error:
		c.logger.Warn("gateway error", "error", m.Error)
	}
}

// connectionLost fails in-flight commands and starts reconnecting when enabled.
func (c *Client) connectionLost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.connected = false
	closed := c.closed
	c.mu.Unlock()

	_ = ws.Close()
	if closed {
		return
	}

	c.logger.Info("disconnected from gateway", "error", cause)
	c.failPending(ErrConnectionLost)

	if c.opts.Reconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}

		c.logger.Info("reconnecting", "url", c.opts.URL)
		err := c.Connect(c.ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn("reconnect failed", "error", err)
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// Connected reports whether the client is identified with the gateway.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitForConnection polls until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// SendCommand sends method with params and waits for the matching response.
// A response with success false is returned as a Result, not an error.
func (c *Client) SendCommand(ctx context.Context, method string, params any) (*Result, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := fmt.Sprintf("req_%d", c.seq.Add(1))
	ch := make(chan reply, 1)

	c.mu.Lock()
	if !c.connected || c.ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ws := c.ws
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := protocol.Encode(protocol.Command{
		Type:   protocol.TypeCommand,
		ID:     protocol.ID(id),
		Method: method,
		Params: raw,
	})
	if err != nil {
		c.forget(id)
		return nil, err
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &Result{
			ID:      string(r.resp.ID),
			Success: r.resp.Success,
			Data:    r.resp.Data,
			Error:   r.resp.Error,
		}, nil
	case <-timer.C:
		c.forget(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Close disconnects, stops reconnecting and fails pending commands with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.cancel()
	c.failPending(ErrClosed)

	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}
