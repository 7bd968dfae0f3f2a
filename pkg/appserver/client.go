package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/issuedeck/issuedeck/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds how long Call waits for a matching response.
// Every method in the dialect answers promptly; turn completion is reported
// via notification, never via a long-held response.
const DefaultCallTimeout = 15 * time.Second

var (
	// ErrTimeout is returned when a call receives no response in time.
	ErrTimeout = errors.New("call timed out")
	// ErrClosed is returned for calls made after the client stopped or the
	// child's stdout closed.
	ErrClosed = errors.New("client closed")
)

// Line directions passed to the hook installed with SetLineHook.
const (
	DirSend = "send"
	DirRecv = "recv"
)

const (
	readBufInitial = 64 * 1024
	readBufMax     = 10 * 1024 * 1024
)

// Client speaks JSON-RPC lite with an app-server child over stdin/stdout.
// A single read loop routes frames: id without method resolves a pending
// call, method without id dispatches a notification, method with id
// dispatches a server-initiated request.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex
	writeMu   sync.Mutex

	timeout time.Duration

	onNotification func(method string, params, raw json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)
	lineHook       func(direction string, line []byte)

	logger   *logger.Logger
	done     chan struct{}
	drained  chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client over the child's stdin and stdout streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		timeout: DefaultCallTimeout,
		logger:  log.WithFields(zap.String("component", "appserver-client")),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// SetCallTimeout overrides the per-call response deadline.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
// raw is the full frame line, for callers that feed a log normalizer.
func (c *Client) SetNotificationHandler(handler func(method string, params, raw json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for server-initiated requests, such as
// command approval prompts. The handler must answer via SendResponse.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SetLineHook installs a hook observing every frame line in both
// directions. Used for protocol I/O dumps.
func (c *Client) SetLineHook(hook func(direction string, line []byte)) {
	c.lineHook = hook
}

// Start begins reading frames from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Done is closed once the read loop has exited, either from Stop or from
// the child closing its stdout.
func (c *Client) Done() <-chan struct{} {
	return c.drained
}

// Call sends a request and waits for the matching response. A response
// carrying a non-null error member fails the call with that *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return unwrap(method, resp)
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return lateOrClosed(method, respCh)
	case <-c.drained:
		return lateOrClosed(method, respCh)
	}
}

// lateOrClosed reports ErrClosed unless the response raced in just before
// the client shut down.
func lateOrClosed(method string, respCh chan *Response) (json.RawMessage, error) {
	select {
	case resp := <-respCh:
		return unwrap(method, resp)
	default:
		return nil, fmt.Errorf("%s: %w", method, ErrClosed)
	}
}

func unwrap(method string, resp *Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, resp.Error)
	}
	return resp.Result, nil
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	notif := &Notification{Method: method, Params: paramsJSON}
	return c.send(notif)
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *RPCError) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	resp := &Response{ID: id, Result: resultJSON, Error: rpcErr}
	return c.send(resp)
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if c.lineHook != nil {
		c.lineHook(DirSend, data)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.drained)

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, readBufInitial)
	scanner.Buffer(buf, readBufMax)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if len(scanner.Bytes()) == 0 {
			continue
		}
		// The scanner reuses its buffer across lines.
		line := append([]byte(nil), scanner.Bytes()...)

		if c.lineHook != nil {
			c.lineHook(DirRecv, line)
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse frame", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			c.handleNotification(msg.Method, msg.Params, line)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
		return
	}
	select {
	case ch <- resp:
	default:
		c.logger.Warn("duplicate response for request", zap.Any("id", resp.ID))
	}
}

// normalizeID maps wire-decoded numeric ids back to the int64 keys used
// when the request was registered.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleNotification(method string, params, raw json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(method, params, raw)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}

// Initialize performs the initialize call that opens the handshake.
func (c *Client) Initialize(ctx context.Context, info *ClientInfo) (*InitializeResult, error) {
	raw, err := c.Call(ctx, MethodInitialize, &InitializeParams{ClientInfo: info})
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode initialize result: %w", err)
		}
	}
	return &result, nil
}

// Initialized sends the initialized notification that completes the
// handshake.
func (c *Client) Initialized() error {
	return c.Notify(MethodInitialized, struct{}{})
}

// NewThread starts a fresh thread and returns it.
func (c *Client) NewThread(ctx context.Context, params *NewThreadParams) (*Thread, error) {
	return c.callThread(ctx, MethodNewThread, params)
}

// ResumeThread resumes an existing thread by id.
func (c *Client) ResumeThread(ctx context.Context, params *ResumeThreadParams) (*Thread, error) {
	return c.callThread(ctx, MethodResumeThread, params)
}

func (c *Client) callThread(ctx context.Context, method string, params interface{}) (*Thread, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var result ThreadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return nil, fmt.Errorf("%s: missing thread in result", method)
	}
	return result.Thread, nil
}

// StartTurn submits a prompt on a thread. The returned turn carries the id
// needed for interrupts; completion arrives as a turn/completed
// notification.
func (c *Client) StartTurn(ctx context.Context, threadID, prompt string) (*Turn, error) {
	raw, err := c.Call(ctx, MethodStartTurn, &StartTurnParams{ThreadID: threadID, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	var result TurnResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("failed to decode startTurn result", zap.Error(err), zap.String("raw", string(raw)))
	}
	if result.Turn == nil {
		return &Turn{}, nil
	}
	return result.Turn, nil
}

// Interrupt asks the agent to stop the given turn.
func (c *Client) Interrupt(ctx context.Context, threadID, turnID string) error {
	_, err := c.Call(ctx, MethodInterrupt, &InterruptParams{ThreadID: threadID, TurnID: turnID})
	return err
}

// ListModels pages through model/list until the cursor is exhausted.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var (
		models []Model
		cursor string
	)
	for {
		raw, err := c.Call(ctx, MethodModelList, &ModelListParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var page ModelListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("failed to decode model/list result: %w", err)
		}
		models = append(models, page.Models...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return models, nil
		}
		cursor = page.NextCursor
	}
}
