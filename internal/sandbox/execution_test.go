package sandbox

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRunsToCompletion(t *testing.T) {
	rt := &fakeRuntime{script: "echo hello"}
	e := newTestExecution(t, rt, 5*time.Second)
	rec := record(e)

	require.NoError(t, e.Start())
	rec.waitEnded(t, 3*time.Second)

	assert.Eventually(t, func() bool {
		return strings.Contains(rec.text(), "hello")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return rt.wasRemoved(e.ImageTag)
	}, 2*time.Second, 10*time.Millisecond)

	starts, ends := rec.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
	assert.True(t, e.Started())
	assert.True(t, e.Ended())
	assert.False(t, e.Running())
	assert.Equal(t, StatusEnded, e.Status())
	assert.False(t, e.EndedAt().Before(e.StartedAt()))
}

func TestExecutionTimeout(t *testing.T) {
	rt := &fakeRuntime{script: "sleep 10"}
	timeout := 300 * time.Millisecond
	e := newTestExecution(t, rt, timeout)
	rec := record(e)

	require.NoError(t, e.Start())
	assert.True(t, e.Running())
	rec.waitEnded(t, 3*time.Second)

	elapsed := e.EndedAt().Sub(e.StartedAt())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.Equal(t, e.StartedAt().Add(timeout), e.Deadline())

	select {
	case <-e.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("process still alive after timeout")
	}
}

func TestExecutionStartIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{script: "sleep 5"}
	e := newTestExecution(t, rt, 10*time.Second)
	rec := record(e)

	require.NoError(t, e.Start())
	pid := e.PID()
	require.NotZero(t, pid)

	require.NoError(t, e.Start())
	assert.Equal(t, pid, e.PID())

	e.End()
	rec.waitEnded(t, 2*time.Second)

	starts, ends := rec.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)

	e.End()
	_, ends = rec.counts()
	assert.Equal(t, 1, ends)
}

func TestExecutionStartAfterEnd(t *testing.T) {
	rt := &fakeRuntime{script: "echo never"}
	e := newTestExecution(t, rt, time.Second)
	rec := record(e)

	e.End()
	rec.waitEnded(t, time.Second)

	assert.ErrorIs(t, e.Start(), ErrEnded)
	assert.False(t, e.Started())
	assert.Zero(t, e.PID())

	// nobody else will reclaim the image of an execution that never ran
	assert.Eventually(t, func() bool {
		return rt.wasRemoved(e.ImageTag)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutionDone(t *testing.T) {
	rt := &fakeRuntime{script: "echo bye", removeDelay: 100 * time.Millisecond}
	e := newTestExecution(t, rt, 5*time.Second)
	rec := record(e)

	require.NoError(t, e.Start())
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution never torn down")
	}

	assert.True(t, e.Ended())
	assert.True(t, rt.wasRemoved(e.ImageTag))
	assert.True(t, e.term.closed.Load())
	assert.Contains(t, rec.text(), "bye")
}

func TestExecutionDoneWithoutStart(t *testing.T) {
	rt := &fakeRuntime{script: "echo never"}
	e := newTestExecution(t, rt, time.Second)

	e.End()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("execution never torn down")
	}
	assert.True(t, rt.wasRemoved(e.ImageTag))
}

func TestExecutionInput(t *testing.T) {
	rt := &fakeRuntime{script: `read line; echo "got:$line"`}
	e := newTestExecution(t, rt, 5*time.Second)
	rec := record(e)

	require.NoError(t, e.Start())
	require.NoError(t, e.SendString("ping\n"))

	rec.waitEnded(t, 3*time.Second)
	assert.Eventually(t, func() bool {
		return strings.Contains(rec.text(), "got:ping")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutionInputAfterEnd(t *testing.T) {
	rt := &fakeRuntime{script: "true"}
	e := newTestExecution(t, rt, time.Second)
	rec := record(e)

	require.NoError(t, e.Start())
	rec.waitEnded(t, 2*time.Second)

	require.Eventually(t, func() bool {
		return e.term.closed.Load()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, e.SendString("late\n"))
}

func TestExecutionCallbacksLastWriterWins(t *testing.T) {
	rt := &fakeRuntime{script: "echo hi"}
	e := newTestExecution(t, rt, 5*time.Second)

	var first, second atomic.Int32
	e.OnStream(func([]byte) { first.Add(1) })
	e.OnStream(func([]byte) { second.Add(1) })

	ended := make(chan struct{})
	e.OnEnd(func() { close(ended) })

	require.NoError(t, e.Start())
	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not end")
	}

	assert.Eventually(t, func() bool {
		return second.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestExecutionSubscribers(t *testing.T) {
	rt := &fakeRuntime{script: "echo fanout"}
	e := newTestExecution(t, rt, 5*time.Second)

	a := record(e)
	b := record(e)

	var dropped atomic.Int32
	unsubscribe := e.Subscribe(Observer{OnEnd: func() { dropped.Add(1) }})
	unsubscribe()

	var orderMu sync.Mutex
	var order []string
	e.OnEnd(func() {
		orderMu.Lock()
		order = append(order, "slot")
		orderMu.Unlock()
	})
	e.Subscribe(Observer{OnEnd: func() {
		orderMu.Lock()
		order = append(order, "subscriber")
		orderMu.Unlock()
	}})

	require.NoError(t, e.Start())
	a.waitEnded(t, 3*time.Second)
	b.waitEnded(t, time.Second)

	assert.Eventually(t, func() bool {
		return strings.Contains(a.text(), "fanout") && strings.Contains(b.text(), "fanout")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, dropped.Load())

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"slot", "subscriber"}, order)
}

func TestExecutionCallbackPanicIsContained(t *testing.T) {
	rt := &fakeRuntime{script: "echo survive"}
	e := newTestExecution(t, rt, 5*time.Second)

	e.OnStream(func([]byte) { panic("boom") })
	rec := record(e)

	require.NoError(t, e.Start())
	rec.waitEnded(t, 3*time.Second)
	assert.Eventually(t, func() bool {
		return strings.Contains(rec.text(), "survive")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutionResize(t *testing.T) {
	rt := &fakeRuntime{script: "true"}
	e := newTestExecution(t, rt, time.Second)

	require.NoError(t, e.Resize(40, 120))
	rows, cols, err := pty.Getsize(e.term.master)
	require.NoError(t, err)
	assert.Equal(t, 40, rows)
	assert.Equal(t, 120, cols)

	e.End()
	require.Eventually(t, func() bool {
		return e.term.closed.Load()
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, e.Resize(50, 132))
}

func TestExecutionInfo(t *testing.T) {
	rt := &fakeRuntime{script: "sleep 5"}
	e := newTestExecution(t, rt, 2*time.Second)

	info := e.Info(false)
	assert.Equal(t, e.ID, info.ID)
	assert.Equal(t, e.ImageTag, info.ImageTag)
	assert.Equal(t, "test", info.Template)
	assert.Equal(t, StatusCreated, info.Status)
	assert.Equal(t, 2.0, info.Timeout)
	assert.Nil(t, info.PID)
	assert.Nil(t, info.AuthCode)
	assert.Nil(t, info.StartedAt)
	assert.Nil(t, info.EndedAt)

	require.NoError(t, e.Start())
	info = e.Info(true)
	require.NotNil(t, info.PID)
	assert.Equal(t, e.PID(), *info.PID)
	require.NotNil(t, info.AuthCode)
	assert.Equal(t, e.AuthCode, *info.AuthCode)
	assert.Equal(t, StatusRunning, info.Status)
	assert.NotNil(t, info.StartedAt)

	e.End()
	info = e.Info(false)
	assert.Equal(t, StatusEnded, info.Status)
	assert.NotNil(t, info.EndedAt)
}

func TestTokens(t *testing.T) {
	tag := newTag()
	assert.Len(t, tag, 16)
	assert.Regexp(t, `^[a-z0-9]{16}$`, tag)

	seen := make(map[string]bool)
	fixed := true
	for i := 0; i < 200; i++ {
		tag := newTag()
		assert.Regexp(t, `^[a-z0-9]{16}$`, tag)
		assert.False(t, seen[tag], tag)
		seen[tag] = true
		if tag[12] != '4' {
			fixed = false
		}
	}
	assert.False(t, fixed, "every tag has the same character at index 12")

	code := newAuthCode()
	assert.Len(t, code, 32)
	assert.NotEqual(t, code, newAuthCode())
}
