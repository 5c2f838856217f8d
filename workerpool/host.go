package workerpool

import (
	"fmt"
	"sync"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
)

// HostCallbacks receive events from a running worker host. Callbacks run on
// host-owned goroutines, never while the pool mutex is held by the host.
type HostCallbacks struct {
	OnMessage func(workerMessage)
	OnError   func(error)
	OnExit    func()
}

// Host is the strategy interface over a worker execution unit. The pool
// never sees the difference between transports.
type Host interface {
	// Start launches the worker and wires its event callbacks.
	Start(cb HostCallbacks) error

	// Send delivers a job or cancel message. It must not block; a host
	// that cannot accept the message returns an error, which the pool
	// treats like a crash.
	Send(jobMessage) error

	// Terminate stops the worker. No callbacks fire after Terminate.
	Terminate()
}

// HostFactory creates one worker host. Injected so tests can script hosts.
type HostFactory func() (Host, error)

// GoroutineHostFactory returns hosts that run the transform on an
// in-process goroutine. Payload buffers are shared with the worker without
// copying.
func GoroutineHostFactory() HostFactory {
	return func() (Host, error) { return newGoroutineHost(), nil }
}

// goroutineHost runs transforms on a dedicated goroutine. Cancellation is
// advisory: a cancel for the currently running job flips a flag the loop
// checks after the transform returns, so a stuck transform never
// acknowledges and the pool's grace window takes over.
type goroutineHost struct {
	jobs chan jobMessage
	stop chan struct{}
	cb   HostCallbacks

	mu            sync.Mutex
	currentID     string
	cancelCurrent bool

	stopOnce sync.Once
}

func newGoroutineHost() *goroutineHost {
	return &goroutineHost{
		jobs: make(chan jobMessage, 1),
		stop: make(chan struct{}),
	}
}

func (h *goroutineHost) Start(cb HostCallbacks) error {
	h.cb = cb
	go h.run()
	return nil
}

func (h *goroutineHost) run() {
	conv := converter.New()
	for {
		select {
		case <-h.stop:
			return
		case job := <-h.jobs:
			h.mu.Lock()
			h.currentID = job.ID
			h.cancelCurrent = false
			h.mu.Unlock()

			res, err := runTransform(conv, job)

			h.mu.Lock()
			cancelled := h.cancelCurrent
			h.currentID = ""
			h.cancelCurrent = false
			h.mu.Unlock()

			select {
			case <-h.stop:
				return
			default:
			}

			switch {
			case cancelled:
				h.cb.OnMessage(workerMessage{Type: msgCancelled, ID: job.ID})
			case err != nil:
				h.cb.OnMessage(workerMessage{Type: msgError, ID: job.ID, Error: payloadFromError(err, job.URL)})
			default:
				h.cb.OnMessage(workerMessage{Type: msgResult, ID: job.ID, Result: res})
			}
		}
	}
}

func (h *goroutineHost) Send(m jobMessage) error {
	switch m.Type {
	case msgTransform:
		select {
		case h.jobs <- m:
			return nil
		default:
			return fmt.Errorf("worker already owns a job")
		}
	case msgCancel:
		h.mu.Lock()
		if h.currentID == m.ID {
			h.cancelCurrent = true
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
		// The job is not running here; acknowledge right away. Async so
		// the callback never re-enters a caller still holding locks.
		go h.cb.OnMessage(workerMessage{Type: msgCancelled, ID: m.ID})
		return nil
	}
	return fmt.Errorf("unknown message type %q", m.Type)
}

func (h *goroutineHost) Terminate() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// runTransform executes the conversion, turning panics into errors so one
// bad page cannot take the host down silently.
func runTransform(conv *converter.Converter, job jobMessage) (res *converter.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	return conv.Convert(job.HTML, job.URL, converter.Options{
		IncludeMetadata:  job.IncludeMetadata,
		SkipNoiseRemoval: job.SkipNoiseRemoval,
		InputTruncated:   job.InputTruncated,
	})
}
