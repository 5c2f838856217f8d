package workerpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

// sendQueueSize bounds outbound messages buffered per process host so Send
// never blocks the pool on a wedged child's pipe.
const sendQueueSize = 4

// maxWireBytes bounds one wire message; HTML payloads can be large.
const maxWireBytes = 64 * 1024 * 1024

// ProcessHostFactory returns hosts that run each worker in a separate OS
// process speaking newline-delimited JSON over stdin/stdout. Payloads are
// always copied across the process boundary.
func ProcessHostFactory(command string, args []string, logger *slog.Logger) HostFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func() (Host, error) {
		return &processHost{command: command, args: args, logger: logger}, nil
	}
}

type processHost struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd  *exec.Cmd
	out  chan jobMessage
	stop chan struct{}
	cb   HostCallbacks

	terminated atomic.Bool
	stopOnce   sync.Once
}

func (h *processHost) Start(cb HostCallbacks) error {
	h.cb = cb
	h.out = make(chan jobMessage, sendQueueSize)
	h.stop = make(chan struct{})

	h.cmd = exec.Command(h.command, h.args...)
	stdin, err := h.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := h.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := h.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr: %w", err)
	}
	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}

	// Writer: drains the send queue onto the child's stdin.
	go func() {
		enc := json.NewEncoder(stdin)
		for {
			select {
			case <-h.stop:
				_ = stdin.Close()
				return
			case m := <-h.out:
				if err := enc.Encode(m); err != nil {
					if !h.terminated.Load() {
						h.cb.OnError(fmt.Errorf("write to worker: %w", err))
					}
					return
				}
			}
		}
	}()

	// Reader: one JSON message per line; undecodable lines are dropped.
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxWireBytes)
		for scanner.Scan() {
			var m workerMessage
			if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
				h.logger.Warn("dropping undecodable worker message", "error", err)
				continue
			}
			if h.terminated.Load() {
				return
			}
			h.cb.OnMessage(m)
		}
	}()

	// Surface child stderr in the parent's log.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			h.logger.Warn("worker stderr", "line", scanner.Text())
		}
	}()

	go func() {
		err := h.cmd.Wait()
		if h.terminated.Load() {
			return
		}
		if err != nil {
			h.cb.OnError(fmt.Errorf("worker process failed: %w", err))
			return
		}
		h.cb.OnExit()
	}()

	return nil
}

func (h *processHost) Send(m jobMessage) error {
	select {
	case h.out <- m:
		return nil
	default:
		return fmt.Errorf("worker send queue is full")
	}
}

func (h *processHost) Terminate() {
	h.stopOnce.Do(func() {
		h.terminated.Store(true)
		close(h.stop)
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}
