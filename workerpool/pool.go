// Package workerpool runs HTML→Markdown transforms on a bounded pool of
// isolated worker hosts, keeping the CPU-heavy conversion off the caller's
// goroutine. The pool owns a FIFO queue with a hard depth ceiling, per-task
// timeouts, advisory cancellation with a bounded acknowledgment wait, and
// crash recovery that replaces failed hosts without losing queued work.
//
// All bookkeeping (queue, slot table, inflight map) is guarded by one
// mutex; events from worker hosts arrive on host goroutines and take the
// same mutex, so a task leaves the inflight map and settles in a single
// synchronous step. Settlement is exactly-once.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
	"github.com/j0hanz/fetch-url-mcp-sub001/metrics"
	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
)

// Defaults applied by New when the config leaves fields zero.
const (
	DefaultMinWorkers      = 1
	DefaultMaxWorkers      = 4
	DefaultTaskTimeout     = 30 * time.Second
	DefaultQueueMultiplier = 32
	DefaultAckGrace        = 200 * time.Millisecond
)

// Config configures a Pool. All limits are read once at construction.
type Config struct {
	// MinWorkers is the initial capacity. Worker hosts are still spawned
	// lazily; this only sets the floor capacity is clamped to.
	MinWorkers int

	// MaxWorkers is the capacity ceiling for load-driven scale-up.
	MaxWorkers int

	// TaskTimeout bounds a single transform from dispatch to settlement.
	TaskTimeout time.Duration

	// QueueMultiplier sets the queue depth ceiling to capacity × multiplier.
	QueueMultiplier int

	// AckGrace bounds the wait for a worker's cancellation acknowledgment.
	AckGrace time.Duration

	// HostFactory creates worker hosts. Required.
	HostFactory HostFactory

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pool is a transform worker pool. Construct with New; multiple independent
// pools may coexist.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	capacity int
	slots    []*slot
	queue    taskQueue
	inflight map[string]*inflightTask
	closed   bool
}

type task struct {
	id        string
	job       jobMessage
	logger    *slog.Logger // caller-context snapshot, captured at enqueue
	submitted time.Time
	done      chan struct{}
	result    *converter.Result
	err       error
	settled   bool
}

// inflightTask binds a dispatched task to its worker slot. Exactly one
// exists per in-progress task id.
type inflightTask struct {
	t               *task
	s               *slot
	timer           *time.Timer
	cancelRequested bool
	ackCh           chan struct{}
}

// slot is a live worker host and the task it currently owns, if any.
type slot struct {
	host   Host
	busy   bool
	taskID string
}

// New creates a Pool. No workers are spawned until work arrives.
func New(cfg Config) (*Pool, error) {
	if cfg.HostFactory == nil {
		return nil, errors.New("workerpool: HostFactory is required")
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = DefaultMinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("workerpool: max workers %d below min %d", cfg.MaxWorkers, cfg.MinWorkers)
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.QueueMultiplier <= 0 {
		cfg.QueueMultiplier = DefaultQueueMultiplier
	}
	if cfg.AckGrace <= 0 {
		cfg.AckGrace = DefaultAckGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		cfg:      cfg,
		logger:   cfg.Logger,
		capacity: cfg.MinWorkers,
		inflight: make(map[string]*inflightTask),
	}, nil
}

// Transform submits a payload and blocks until the task settles. The task
// is rejected synchronously when the pool is closed, ctx is already done,
// or the queue is at its depth ceiling; queue-full is deliberate
// backpressure, not a wait. Cancelling ctx while the task is queued or
// inflight settles it with an aborted error within the ack grace window.
func (p *Pool) Transform(ctx context.Context, payload []byte, url string, opts converter.Options) (*converter.Result, error) {
	t, err := p.submit(ctx, payload, url, opts)
	if err != nil {
		return nil, err
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.cancelTask(t.id)
		case <-watchDone:
		}
	}()

	<-t.done
	close(watchDone)
	return t.result, t.err
}

func (p *Pool) submit(ctx context.Context, payload []byte, url string, opts converter.Options) (*task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, weberr.New(weberr.CodePoolClosed, url, "transform pool is closed")
	}
	if ctx.Err() != nil {
		return nil, weberr.New(weberr.CodeAborted, url, "cancelled before submission")
	}
	if p.queue.len() >= p.capacity*p.cfg.QueueMultiplier {
		return nil, weberr.New(weberr.CodeQueueFull, url,
			"transform queue is full (%d queued, capacity %d)", p.queue.len(), p.capacity)
	}

	t := &task{
		id: uuid.NewString(),
		job: jobMessage{
			Type:             msgTransform,
			URL:              url,
			HTML:             payload,
			IncludeMetadata:  opts.IncludeMetadata,
			SkipNoiseRemoval: opts.SkipNoiseRemoval,
			InputTruncated:   opts.InputTruncated,
		},
		logger:    loggerFrom(ctx),
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
	t.job.ID = t.id

	p.queue.push(t)
	p.cfg.Metrics.SetQueueDepth(p.queue.len())
	p.drainLocked()
	return t, nil
}

// drainLocked assigns queued tasks to idle slots in queue order, scaling
// capacity up by one when the queue outgrows half of it. At most one new
// host is spawned per pass; when more capacity and work remain, another
// pass is scheduled on a fresh goroutine instead of recursing, so a burst
// that ramps many workers never monopolizes the submitter's stack.
func (p *Pool) drainLocked() {
	if p.closed {
		return
	}

	if p.queue.len() > p.capacity/2 && p.capacity < p.cfg.MaxWorkers {
		p.capacity++
	}

	for _, s := range p.slots {
		if p.queue.len() == 0 {
			p.cfg.Metrics.SetQueueDepth(0)
			return
		}
		if !s.busy {
			p.dispatchLocked(s, p.queue.pop())
		}
	}

	if p.queue.len() > 0 && len(p.slots) < p.capacity {
		s, err := p.spawnSlotLocked()
		if err != nil {
			p.logger.Error("spawn worker host", "error", err)
		} else {
			p.dispatchLocked(s, p.queue.pop())
			if p.queue.len() > 0 && len(p.slots) < p.capacity {
				go func() {
					p.mu.Lock()
					defer p.mu.Unlock()
					p.drainLocked()
				}()
			}
		}
	}
	p.cfg.Metrics.SetQueueDepth(p.queue.len())
}

func (p *Pool) spawnSlotLocked() (*slot, error) {
	host, err := p.cfg.HostFactory()
	if err != nil {
		return nil, err
	}
	s := &slot{host: host}
	if err := host.Start(p.callbacksFor(s, host)); err != nil {
		return nil, err
	}
	p.slots = append(p.slots, s)
	p.cfg.Metrics.SetLiveWorkers(len(p.slots))
	return s, nil
}

// callbacksFor binds host events to this slot. Handlers compare the host
// against the slot's current one so events from a replaced host are stale
// and ignored.
func (p *Pool) callbacksFor(s *slot, h Host) HostCallbacks {
	return HostCallbacks{
		OnMessage: func(m workerMessage) { p.onHostMessage(s, h, m) },
		OnError:   func(err error) { p.onHostFailure(s, h, err) },
		OnExit:    func() { p.onHostFailure(s, h, errors.New("worker exited unexpectedly")) },
	}
}

func (p *Pool) dispatchLocked(s *slot, t *task) {
	s.busy = true
	s.taskID = t.id

	inf := &inflightTask{t: t, s: s}
	p.inflight[t.id] = inf
	inf.timer = time.AfterFunc(p.cfg.TaskTimeout, func() { p.onTimeout(t.id) })

	if err := s.host.Send(t.job); err != nil {
		// Dispatch failures are treated identically to worker crashes.
		p.finalizeLocked(inf, nil, weberr.New(weberr.CodeWorkerExit, t.job.URL,
			"dispatch to worker failed: %v", err))
		p.restartSlotLocked(s)
	}
}

// onTimeout force-fails a task whose worker missed its deadline. The worker
// gets a best-effort cancel but is not trusted to recover; its slot is
// restarted unconditionally.
func (p *Pool) onTimeout(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inf, ok := p.inflight[id]
	if !ok {
		return
	}
	_ = inf.s.host.Send(jobMessage{Type: msgCancel, ID: id})

	inf.t.logger.Warn("transform timed out, restarting worker",
		"url", inf.t.job.URL, "timeout", p.cfg.TaskTimeout)
	p.finalizeLocked(inf, nil, weberr.New(weberr.CodeTimeout, inf.t.job.URL,
		"transform timed out after %s", p.cfg.TaskTimeout))
	p.restartSlotLocked(inf.s)
	p.drainLocked()
}

// cancelTask handles the caller's cancellation signal. A still-queued task
// is removed and settled without touching any worker. An inflight task gets
// an advisory cancel message; whether or not the worker acknowledges within
// the grace window, the task is then force-failed and its slot restarted,
// so forward progress never depends on worker cooperation.
func (p *Pool) cancelTask(id string) {
	p.mu.Lock()

	if t := p.queue.remove(id); t != nil {
		p.cfg.Metrics.SetQueueDepth(p.queue.len())
		p.settleLocked(t, nil, weberr.New(weberr.CodeAborted, t.job.URL, "cancelled while queued"))
		p.mu.Unlock()
		return
	}

	inf, ok := p.inflight[id]
	if !ok || inf.cancelRequested {
		p.mu.Unlock()
		return
	}
	inf.cancelRequested = true
	inf.ackCh = make(chan struct{})
	ackCh := inf.ackCh
	host := inf.s.host
	p.mu.Unlock()

	_ = host.Send(jobMessage{Type: msgCancel, ID: id})

	go func() {
		select {
		case <-ackCh:
		case <-time.After(p.cfg.AckGrace):
		}
		p.forceCancel(id)
	}()
}

func (p *Pool) forceCancel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inf, ok := p.inflight[id]
	if !ok {
		// A result or error settled the task inside the grace window.
		return
	}
	s := inf.s
	p.finalizeLocked(inf, nil, weberr.New(weberr.CodeAborted, inf.t.job.URL, "transform aborted"))
	p.restartSlotLocked(s)
	p.drainLocked()
}

func (p *Pool) onHostMessage(s *slot, h Host, m workerMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.host != h {
		return
	}
	if !m.valid() {
		p.logger.Warn("dropping malformed worker message", "type", m.Type)
		return
	}

	switch m.Type {
	case msgResult:
		inf, ok := p.inflight[m.ID]
		if !ok {
			return
		}
		p.finalizeLocked(inf, m.Result, nil)
		p.idleLocked(s)
		p.drainLocked()

	case msgError:
		inf, ok := p.inflight[m.ID]
		if !ok {
			return
		}
		p.finalizeLocked(inf, nil, errorFromPayload(m.Error))
		p.idleLocked(s)
		p.drainLocked()

	case msgCancelled:
		// Only ever satisfies a pending cancellation acknowledgment.
		if inf, ok := p.inflight[m.ID]; ok && inf.cancelRequested && inf.ackCh != nil {
			select {
			case <-inf.ackCh:
			default:
				close(inf.ackCh)
			}
		}
	}
}

// onHostFailure handles a worker error or unexpected exit: the owned task
// fails with worker-exit, the host is replaced, and draining resumes so
// queued work is not lost.
func (p *Pool) onHostFailure(s *slot, h Host, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || s.host != h {
		return
	}
	p.logger.Warn("worker host failed, restarting slot", "error", err)

	if s.taskID != "" {
		if inf, ok := p.inflight[s.taskID]; ok {
			p.finalizeLocked(inf, nil, weberr.New(weberr.CodeWorkerExit, inf.t.job.URL,
				"worker exited before completing the transform"))
		}
	}
	p.restartSlotLocked(s)
	p.drainLocked()
}

func (p *Pool) idleLocked(s *slot) {
	s.busy = false
	s.taskID = ""
}

func (p *Pool) restartSlotLocked(s *slot) {
	s.host.Terminate()
	p.cfg.Metrics.IncWorkerRestarts()
	p.idleLocked(s)

	host, err := p.cfg.HostFactory()
	if err == nil {
		err = host.Start(p.callbacksFor(s, host))
	}
	if err != nil {
		p.logger.Error("replace worker host", "error", err)
		p.removeSlotLocked(s)
		return
	}
	s.host = host
}

func (p *Pool) removeSlotLocked(s *slot) {
	for i, cur := range p.slots {
		if cur == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	p.cfg.Metrics.SetLiveWorkers(len(p.slots))
}

// finalizeLocked removes the task from the inflight map and settles it in
// the same synchronous step, preventing double settlement.
func (p *Pool) finalizeLocked(inf *inflightTask, res *converter.Result, err error) {
	if inf.timer != nil {
		inf.timer.Stop()
	}
	delete(p.inflight, inf.t.id)
	p.settleLocked(inf.t, res, err)
}

// settleLocked resolves a task exactly once, logging through the caller's
// captured context snapshot.
func (p *Pool) settleLocked(t *task, res *converter.Result, err error) {
	if t.settled {
		return
	}
	t.settled = true
	t.result = res
	t.err = err
	close(t.done)

	elapsed := time.Since(t.submitted)
	p.cfg.Metrics.ObserveTransformDuration(elapsed.Seconds())
	if err != nil {
		p.cfg.Metrics.IncTransformOutcome(outcomeOf(err))
		t.logger.Debug("transform task failed",
			"task", t.id, "url", t.job.URL, "code", weberr.CodeOf(err), "elapsed", elapsed)
		return
	}
	p.cfg.Metrics.IncTransformOutcome("result")
	t.logger.Debug("transform task completed", "task", t.id, "url", t.job.URL, "elapsed", elapsed)
}

func outcomeOf(err error) string {
	if code := weberr.CodeOf(err); code != "" {
		return code
	}
	return "error"
}

// Close terminates every live worker host and rejects every inflight and
// queued task. Subsequent submissions are rejected outright.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, s := range p.slots {
		s.host.Terminate()
	}
	p.slots = nil
	p.cfg.Metrics.SetLiveWorkers(0)

	for _, inf := range p.inflight {
		if inf.timer != nil {
			inf.timer.Stop()
		}
		p.settleLocked(inf.t, nil, weberr.New(weberr.CodePoolClosed, inf.t.job.URL, "pool closed"))
	}
	p.inflight = make(map[string]*inflightTask)

	for _, t := range p.queue.drain() {
		p.settleLocked(t, nil, weberr.New(weberr.CodePoolClosed, t.job.URL, "pool closed"))
	}
	p.cfg.Metrics.SetQueueDepth(0)
}

// Stats reports a snapshot of the pool's internal state.
type Stats struct {
	Capacity    int
	LiveWorkers int
	QueueDepth  int
	Inflight    int
}

// Stats returns current pool counters; used by tests and diagnostics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:    p.capacity,
		LiveWorkers: len(p.slots),
		QueueDepth:  p.queue.len(),
		Inflight:    len(p.inflight),
	}
}
