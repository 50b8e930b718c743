package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/sandbox"
	"github.com/michaelbrown/penbox/internal/storage"
)

// maxRecordedOutput caps the transcript kept per execution.
const maxRecordedOutput = 64 << 10

const saveTimeout = 5 * time.Second

// trackedExecution is an execution whose history is being recorded.
type trackedExecution struct {
	exec *sandbox.Execution

	mu          sync.Mutex
	output      []byte
	unsubscribe func()
	dropped     bool
}

func (t *trackedExecution) append(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := maxRecordedOutput - len(t.output)
	if room <= 0 {
		return
	}
	if len(data) > room {
		data = data[:room]
	}
	t.output = append(t.output, data...)
}

func (t *trackedExecution) stop() {
	t.mu.Lock()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// record snapshots the execution, or returns nil once its record was deleted.
func (t *trackedExecution) record() *storage.ExecutionRecord {
	info := t.exec.Info(false)

	t.mu.Lock()
	if t.dropped {
		t.mu.Unlock()
		return nil
	}
	output := append([]byte(nil), t.output...)
	t.mu.Unlock()

	return &storage.ExecutionRecord{
		ID:        info.ID,
		Template:  info.Template,
		Status:    string(info.Status),
		Timeout:   info.Timeout,
		CreatedAt: info.CreatedAt,
		StartedAt: info.StartedAt,
		EndedAt:   info.EndedAt,
		Output:    output,
	}
}

// HistoryRecorder keeps the lifecycle and output of executions while they are
// registered. Records are dropped when their execution is purged.
type HistoryRecorder struct {
	store  storage.Store
	logger *zap.Logger

	mu      sync.RWMutex
	tracked map[string]*trackedExecution
}

// NewHistoryRecorder creates a recorder writing to store, normally an
// in-memory database. A nil store turns recording off.
func NewHistoryRecorder(store storage.Store, logger *zap.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		store:   store,
		logger:  logger,
		tracked: make(map[string]*trackedExecution),
	}
}

// Track starts recording e. Tracking an execution twice is a no-op.
func (h *HistoryRecorder) Track(e *sandbox.Execution) {
	h.mu.Lock()
	if _, ok := h.tracked[e.ID]; ok {
		h.mu.Unlock()
		return
	}
	t := &trackedExecution{exec: e}
	h.tracked[e.ID] = t
	h.mu.Unlock()

	h.save(t)

	unsubscribe := e.Subscribe(sandbox.Observer{
		OnStart: func() { h.save(t) },
		OnStream: func(data []byte) {
			t.append(data)
			// output drained after the end would otherwise be lost
			if e.Ended() {
				h.save(t)
			}
		},
		OnEnd: func() { h.save(t) },
	})

	t.mu.Lock()
	t.unsubscribe = unsubscribe
	t.mu.Unlock()
}

// Tracked reports whether execution id is being recorded.
func (h *HistoryRecorder) Tracked(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tracked[id]
	return ok
}

// Remove stops recording execution id and deletes its record.
func (h *HistoryRecorder) Remove(id string) {
	h.mu.Lock()
	t, ok := h.tracked[id]
	delete(h.tracked, id)
	h.mu.Unlock()

	if ok {
		t.mu.Lock()
		t.dropped = true
		t.mu.Unlock()
		t.stop()
	}
	if h.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := h.store.DeleteExecution(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn("failed to delete execution record",
			zap.String("execution", id), zap.Error(err))
	}
}

// Get returns the record of execution id, or of the one execution whose id
// starts with it.
func (h *HistoryRecorder) Get(ctx context.Context, id string) (*storage.ExecutionRecord, error) {
	if h.store == nil {
		return nil, storage.ErrNotFound
	}
	return h.store.GetExecution(ctx, id)
}

// List returns records, newest first.
func (h *HistoryRecorder) List(ctx context.Context, opts storage.RecordListOptions) ([]storage.ExecutionRecord, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.ListExecutions(ctx, opts)
}

// CloseAll stops recording every execution.
func (h *HistoryRecorder) CloseAll() {
	h.mu.Lock()
	all := make([]*trackedExecution, 0, len(h.tracked))
	for id, t := range h.tracked {
		all = append(all, t)
		delete(h.tracked, id)
	}
	h.mu.Unlock()

	for _, t := range all {
		h.release(t)
	}
}

func (h *HistoryRecorder) release(t *trackedExecution) {
	t.stop()
	h.save(t)
}

func (h *HistoryRecorder) save(t *trackedExecution) {
	if h.store == nil {
		return
	}
	rec := t.record()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := h.store.SaveExecution(ctx, rec); err != nil {
		h.logger.Warn("failed to save execution record",
			zap.String("execution", t.exec.ID), zap.Error(err))
	}
}
