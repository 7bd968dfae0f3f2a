package shared

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/pkg/streamjson"
)

const (
	// lineBufferSize bounds the spawned process line channel. The reader
	// loop must drain the channel until it closes; the buffer only absorbs
	// bursts.
	lineBufferSize = 256

	// killExitWait bounds how long a cancel waits for the child to die
	// after SIGKILL.
	killExitWait = 5 * time.Second
)

// StreamHandler adapts a streamjson client plus the child's stdin to the
// executor protocol handler contract.
type StreamHandler struct {
	client *streamjson.Client
	stdin  io.Closer
	once   sync.Once
}

func NewStreamHandler(client *streamjson.Client, stdin io.Closer) *StreamHandler {
	return &StreamHandler{client: client, stdin: stdin}
}

func (h *StreamHandler) SendUserMessage(text string) error {
	return h.client.SendUserMessage(text)
}

func (h *StreamHandler) Interrupt() error {
	return h.client.Interrupt()
}

// Close ends the child's stdin. Idempotent; the read loop keeps draining
// stdout until the child exits.
func (h *StreamHandler) Close() error {
	h.once.Do(func() { _ = h.stdin.Close() })
	return nil
}

// SpawnStream starts a streaming-JSON child and wires its protocol client,
// line channel, and stderr tail into a SpawnedProcess. The external session
// id and slash commands are captured from the init frame. When opts.Prompt
// is non-empty it is sent as the first user message.
func SpawnStream(ctx context.Context, log *logger.Logger, command executor.Command, opts executor.SpawnOptions, engine models.EngineType) (*executor.SpawnedProcess, error) {
	cmd := command.Exec()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := executor.NewStderrTail(executor.DefaultStderrTailLines)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command.Program, err)
	}

	client := streamjson.NewClient(stdin, stdout, log)
	if IODumpEnabled() {
		executionID := opts.ExecutionID
		client.SetLineHook(func(direction string, line []byte) {
			DumpProtocolLine(log, ProtocolStreamJSON, executionID, direction, line)
		})
	}

	lines := make(chan []byte, lineBufferSize)
	handler := NewStreamHandler(client, stdin)
	sp := executor.NewSpawnedProcess(opts.ExecutionID, opts.IssueID, engine, cmd, handler, lines, stderr, client.Done())

	client.SetFrameHandler(func(frame *streamjson.Frame) {
		if frame.Type == streamjson.MessageTypeSystem && frame.Subtype == streamjson.SubtypeInit {
			sp.SetExternalSessionID(frame.SessionID)
			if len(frame.SlashCommands) > 0 {
				sp.SetSlashCommands(frame.SlashCommands)
			}
		}
		lines <- frame.Raw
	})

	go func() {
		<-client.Done()
		close(lines)
	}()

	<-client.Start(ctx)

	if opts.Prompt != "" {
		if err := client.SendUserMessage(opts.Prompt); err != nil {
			_ = handler.Close()
			_ = sp.Kill()
			return nil, fmt.Errorf("send initial prompt: %w", err)
		}
	}
	return sp, nil
}

// CancelProcess interrupts a child and escalates to SIGKILL once the grace
// period runs out. It returns after the child has exited.
func CancelProcess(ctx context.Context, log *logger.Logger, sp *executor.SpawnedProcess, grace time.Duration) error {
	if sp == nil || !sp.Running() {
		return nil
	}

	if err := sp.Handler.Interrupt(); err != nil {
		log.Debug("interrupt write failed",
			zap.String("execution_id", sp.ExecutionID),
			zap.Error(err))
	}

	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-sp.Exited():
		_ = sp.Handler.Close()
		return nil
	case <-ctx.Done():
	case <-time.After(grace):
	}

	_ = sp.Handler.Close()
	_ = sp.Kill()

	select {
	case <-sp.Exited():
		return nil
	case <-time.After(killExitWait):
		return fmt.Errorf("process %d did not exit after SIGKILL", sp.Pid())
	}
}
