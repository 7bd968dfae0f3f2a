package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/logger"
)

// FrameHandler receives every stdout frame that is not a control request.
// Frames that failed JSON parsing are delivered with an empty Type and the
// raw line preserved, so diagnostics lines still reach the log pipeline.
type FrameHandler func(frame *Frame)

// Line directions passed to the hook installed with SetLineHook.
const (
	DirSend = "send"
	DirRecv = "recv"
)

// Client owns one engine child's stdin and stdout. It frames stdout by
// newline, intercepts control requests and answers them inline, and forwards
// everything else to the frame handler. There is no handshake; the engine
// starts streaming as soon as it is spawned.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	frameHandler FrameHandler
	lineHook     func(direction string, line []byte)

	mu      sync.RWMutex
	writeMu sync.Mutex
	done    chan struct{}
	drained chan struct{}
}

// NewClient creates a client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "streamjson-client")),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// SetFrameHandler sets the handler for non-control frames.
func (c *Client) SetFrameHandler(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameHandler = handler
}

// SetLineHook installs a hook observing every line in both directions,
// control traffic included. Used for protocol I/O dumps.
func (c *Client) SetLineHook(hook func(direction string, line []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineHook = hook
}

// Start begins reading stdout in a goroutine. The returned channel is closed
// once the read loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Done is closed once the read loop has exited, meaning stdout hit EOF or
// the client was stopped. Callers finalizing a turn wait on this to ensure
// every frame has been delivered.
func (c *Client) Done() <-chan struct{} {
	return c.drained
}

// SendUserMessage writes a prompt frame to the engine's stdin.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

// Interrupt asks the engine to abort the current turn.
func (c *Client) Interrupt() error {
	req := &OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   OutgoingControlRequestBody{Subtype: SubtypeInterrupt},
	}
	return c.send(req)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if hook := c.hook(); hook != nil {
		hook(DirSend, data)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("streamjson: sent frame", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.drained)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON frames (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Copy the line: the scanner reuses its buffer
		raw := make([]byte, len(line))
		copy(raw, line)
		if hook := c.hook(); hook != nil {
			hook(DirRecv, raw)
		}
		c.handleLine(raw)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("streamjson: read loop error", zap.Error(err))
	}
}

func (c *Client) hook() func(string, []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lineHook
}

func (c *Client) handleLine(line []byte) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		// Not JSON: forward as-is so diagnostics lines reach the log
		frame = Frame{}
	}
	frame.Raw = line

	// A frame is a control request only with a non-empty request_id and a
	// request body; anything else flows downstream untouched.
	if frame.Type == MessageTypeControlRequest && frame.RequestID != "" && frame.Request != nil {
		c.answerControlRequest(frame.RequestID, frame.Request)
		return
	}

	c.mu.RLock()
	handler := c.frameHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(&frame)
	}
}

// answerControlRequest auto-approves permission and hook requests so
// unattended executions never stall on a prompt. Responses are best-effort:
// if stdin is already closed the write is dropped.
func (c *Client) answerControlRequest(requestID string, req *ControlRequest) {
	var resp *ControlResponse

	switch req.Subtype {
	case SubtypeCanUseTool:
		input := req.Input
		if input == nil {
			input = map[string]any{}
		}
		resp = &ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response: &PermissionAllowResult{
				Behavior:     BehaviorAllow,
				UpdatedInput: input,
			},
		}
		c.logger.Debug("streamjson: auto-approved tool use",
			zap.String("request_id", requestID),
			zap.String("tool_name", req.ToolName))

	case SubtypeHookCallback:
		resp = &ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response: &HookCallbackResult{
				HookSpecificOutput: HookSpecificOutput{
					HookEventName:      "PreToolUse",
					PermissionDecision: BehaviorAllow,
				},
			},
		}
		c.logger.Debug("streamjson: approved hook callback",
			zap.String("request_id", requestID),
			zap.String("callback_id", req.CallbackID))

	default:
		resp = &ControlResponse{
			Subtype:   "error",
			RequestID: requestID,
			Error:     fmt.Sprintf("unsupported control request subtype: %s", req.Subtype),
		}
		c.logger.Warn("streamjson: unsupported control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
	}

	msg := &ControlResponseMessage{
		Type:     MessageTypeControlResponse,
		Response: resp,
	}
	if err := c.send(msg); err != nil {
		c.logger.Warn("streamjson: failed to send control response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
