package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle position of an execution.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusEnded   Status = "ended"
)

const (
	readChunkSize = 1024
	removeTimeout = 2 * time.Minute
)

// Intervals sets the cadence of an execution's background loops.
type Intervals struct {
	Watchdog      time.Duration // liveness and deadline polling
	Flush         time.Duration // output buffer flushing
	Drain         time.Duration // spacing of flushes after the end
	DrainAttempts int           // flushes after the end before the flusher stops
}

func DefaultIntervals() Intervals {
	return Intervals{
		Watchdog:      100 * time.Millisecond,
		Flush:         10 * time.Millisecond,
		Drain:         500 * time.Millisecond,
		DrainAttempts: 5,
	}
}

func (i Intervals) drainWindow() time.Duration {
	return i.Drain * time.Duration(i.DrainAttempts+1)
}

// Observer receives execution events. Nil fields are skipped. Callbacks run
// on the execution's goroutines and must not block for long.
type Observer struct {
	OnStart  func()
	OnStream func(data []byte)
	OnEnd    func()
}

type subscription struct {
	id  uint64
	obs Observer
}

// Info is a point-in-time view of an execution.
type Info struct {
	ID        string     `json:"id"`
	PID       *int       `json:"pid"`
	ImageTag  string     `json:"image_tag"`
	AuthCode  *string    `json:"auth_code"`
	Template  string     `json:"template"`
	Status    Status     `json:"status"`
	Timeout   float64    `json:"timeout"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Execution is one built image and the sandboxed process that runs it.
type Execution struct {
	ID        string // equal to ImageTag
	ImageTag  string
	AuthCode  string
	Template  string
	Timeout   time.Duration
	CreatedAt time.Time

	runtime   Runtime
	policy    Policy
	intervals Intervals
	logger    *zap.Logger
	term      *terminal

	mu            sync.Mutex
	cmd           *exec.Cmd
	started       bool
	ended         bool
	stopRequested bool
	startedAt     time.Time
	endedAt       time.Time
	deadline      time.Time

	exited       chan struct{}
	readerDone   chan struct{}
	flushDone    chan struct{}
	done         chan struct{}
	teardownOnce sync.Once

	bufMu sync.Mutex
	buf   []byte

	obsMu   sync.RWMutex
	slot    Observer
	subs    []subscription
	nextSub uint64
}

func newExecution(tag, template string, timeout time.Duration, rt Runtime, policy Policy, intervals Intervals, logger *zap.Logger) (*Execution, error) {
	term, err := openTerminal(defaultRows, defaultCols)
	if err != nil {
		return nil, err
	}
	return &Execution{
		ID:         tag,
		ImageTag:   tag,
		AuthCode:   newAuthCode(),
		Template:   template,
		Timeout:    timeout,
		CreatedAt:  time.Now(),
		runtime:    rt,
		policy:     policy,
		intervals:  intervals,
		logger:     logger.With(zap.String("execution", tag)),
		term:       term,
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
		flushDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the sandboxed process and the watchdog, reader and flusher
// loops. Starting a running execution is a no-op; starting an ended one
// returns ErrEnded.
func (e *Execution) Start() error {
	e.mu.Lock()
	if e.ended || e.stopRequested {
		e.mu.Unlock()
		return ErrEnded
	}
	if e.cmd != nil {
		e.mu.Unlock()
		return nil
	}

	cmd := e.runtime.Command(e.ImageTag, e.policy)
	e.term.attach(cmd)

	now := time.Now()
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		e.logger.Error("failed to start sandbox process", zap.Error(err))
		e.End()
		return fmt.Errorf("starting sandbox process: %w", err)
	}
	e.cmd = cmd
	e.startedAt = now
	e.deadline = now.Add(e.Timeout)
	e.mu.Unlock()

	e.term.releaseSlave()
	e.logger.Info("execution started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("timeout", e.Timeout))

	e.markStarted()

	go e.wait(cmd)
	go e.watchdog()
	go e.readLoop()
	go e.flushLoop()
	return nil
}

// Stop terminates the process. It is an alias of End.
func (e *Execution) Stop() {
	e.End()
}

// End terminates the process and its process group, and marks the execution
// ended. Ending an execution that never started releases its image and
// terminal. Safe to call any number of times from any goroutine.
func (e *Execution) End() {
	e.mu.Lock()
	e.stopRequested = true
	cmd := e.cmd
	e.mu.Unlock()

	if cmd != nil {
		e.terminate(cmd)
	}
	if e.markEnded() && cmd == nil {
		go e.teardown()
	}
}

func (e *Execution) terminate(cmd *exec.Cmd) {
	select {
	case <-e.exited:
		return
	default:
	}

	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = cmd.Process.Kill()
}

// SendInput writes raw bytes to the process's terminal.
func (e *Execution) SendInput(data []byte) error {
	if _, err := e.term.Write(data); err != nil {
		return fmt.Errorf("writing to terminal: %w", err)
	}
	return nil
}

// SendString writes s to the process's terminal.
func (e *Execution) SendString(s string) error {
	return e.SendInput([]byte(s))
}

// Resize sets the terminal window size. It is a no-op once the terminal has
// been released.
func (e *Execution) Resize(rows, cols uint16) error {
	return e.term.resize(rows, cols)
}

// OnStart replaces the single start callback.
func (e *Execution) OnStart(fn func()) {
	e.obsMu.Lock()
	e.slot.OnStart = fn
	e.obsMu.Unlock()
}

// OnStream replaces the single output callback.
func (e *Execution) OnStream(fn func(data []byte)) {
	e.obsMu.Lock()
	e.slot.OnStream = fn
	e.obsMu.Unlock()
}

// OnEnd replaces the single end callback.
func (e *Execution) OnEnd(fn func()) {
	e.obsMu.Lock()
	e.slot.OnEnd = fn
	e.obsMu.Unlock()
}

// Subscribe adds an observer that is notified after the single-slot
// callbacks, in subscription order.
func (e *Execution) Subscribe(o Observer) (unsubscribe func()) {
	e.obsMu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subs = append(e.subs, subscription{id: id, obs: o})
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		defer e.obsMu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *Execution) observers() []Observer {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	out := make([]Observer, 0, len(e.subs)+1)
	out = append(out, e.slot)
	for _, s := range e.subs {
		out = append(out, s.obs)
	}
	return out
}

// markStarted flips started and fires the start callbacks. Callbacks run
// outside every lock.
func (e *Execution) markStarted() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for _, o := range e.observers() {
		if o.OnStart != nil {
			e.safely("start", o.OnStart)
		}
	}
}

// markEnded flips ended and fires the end callbacks. It reports whether this
// call performed the transition.
func (e *Execution) markEnded() bool {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return false
	}
	e.ended = true
	e.endedAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("execution ended")
	for _, o := range e.observers() {
		if o.OnEnd != nil {
			e.safely("end", o.OnEnd)
		}
	}
	return true
}

func (e *Execution) emit(data []byte) {
	for _, o := range e.observers() {
		if o.OnStream != nil {
			e.safely("stream", func() { o.OnStream(data) })
		}
	}
}

func (e *Execution) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution callback panicked",
				zap.String("event", event),
				zap.Any("panic", r))
		}
	}()
	fn()
}

func (e *Execution) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	e.logger.Debug("sandbox process exited", zap.Error(err))
	close(e.exited)
}

// watchdog ends the execution once its deadline passes and tears it down
// once the process is gone.
func (e *Execution) watchdog() {
	ticker := time.NewTicker(e.intervals.Watchdog)
	defer ticker.Stop()

	expired := false
	for {
		select {
		case <-e.exited:
			e.markEnded()
			e.teardown()
			return
		case now := <-ticker.C:
			if !expired && now.After(e.deadline) {
				expired = true
				e.logger.Info("execution timed out", zap.Duration("timeout", e.Timeout))
				e.End()
			}
		}
	}
}

// teardown removes the container and image, waits a bounded time for the
// reader to drain the terminal, then closes it. Done is closed once the
// flusher has delivered the remaining output.
func (e *Execution) teardown() {
	e.teardownOnce.Do(func() {
		defer close(e.done)

		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := e.runtime.Remove(ctx, e.ImageTag); err != nil {
			e.logger.Warn("failed to remove sandbox image", zap.Error(err))
		}

		if e.Started() {
			select {
			case <-e.readerDone:
			case <-time.After(e.intervals.drainWindow()):
				e.logger.Debug("terminal reader still busy, closing terminal")
			}
		}
		if err := e.term.Close(); err != nil {
			e.logger.Debug("closing terminal", zap.Error(err))
		}
		if e.Started() {
			<-e.flushDone
		}
	})
}

// readLoop copies terminal output into the buffer until the terminal fails,
// which happens once no process holds the slave.
func (e *Execution) readLoop() {
	defer close(e.readerDone)

	chunk := make([]byte, readChunkSize)
	for {
		n, err := e.term.Read(chunk)
		if n > 0 {
			e.bufMu.Lock()
			e.buf = append(e.buf, chunk[:n]...)
			e.bufMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// flushLoop hands buffered output to stream observers. After the end it keeps
// flushing a bounded number of times so late output is still delivered.
func (e *Execution) flushLoop() {
	defer close(e.flushDone)

	remaining := e.intervals.DrainAttempts
	for {
		time.Sleep(e.intervals.Flush)
		e.flush()

		if e.Ended() {
			if remaining <= 0 {
				return
			}
			remaining--
			time.Sleep(e.intervals.Drain)
		}
	}
}

func (e *Execution) flush() {
	e.bufMu.Lock()
	if len(e.buf) == 0 {
		e.bufMu.Unlock()
		return
	}
	data := e.buf
	e.buf = nil
	e.bufMu.Unlock()

	e.emit(data)
}

// Started reports whether the process was launched. It stays true after the end.
func (e *Execution) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Ended reports whether the execution reached its terminal state. The
// container may still be being removed; wait on Done for that.
func (e *Execution) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// Running reports whether the execution started and has not ended.
func (e *Execution) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.ended
}

// StartedAt is when the process was launched, or zero before start.
func (e *Execution) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// EndedAt is when the execution ended, or zero while it has not.
func (e *Execution) EndedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endedAt
}

// Done is closed once an ended execution has been torn down: its container
// and image removed, its terminal closed and its output delivered.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Deadline is the instant the watchdog ends the execution. Zero before start.
func (e *Execution) Deadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}

// PID is the process id of the sandboxed process, or 0 before start.
func (e *Execution) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// Status is created, running or ended.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.ended:
		return StatusEnded
	case e.started:
		return StatusRunning
	default:
		return StatusCreated
	}
}

// Info snapshots the execution. The auth code is included only when
// showAuthCode is set.
func (e *Execution) Info(showAuthCode bool) Info {
	info := Info{
		ID:        e.ID,
		ImageTag:  e.ImageTag,
		Template:  e.Template,
		Status:    e.Status(),
		Timeout:   e.Timeout.Seconds(),
		CreatedAt: e.CreatedAt,
	}
	if pid := e.PID(); pid != 0 {
		info.PID = &pid
	}
	if showAuthCode {
		code := e.AuthCode
		info.AuthCode = &code
	}
	if t := e.StartedAt(); !t.IsZero() {
		info.StartedAt = &t
	}
	if t := e.EndedAt(); !t.IsZero() {
		info.EndedAt = &t
	}
	return info
}

// String describes the execution for logs.
func (e *Execution) String() string {
	return fmt.Sprintf("execution %s (template %s, pid %d)", e.ID, e.Template, e.PID())
}
