package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRuntime runs a shell script in place of a container.
type fakeRuntime struct {
	mu          sync.Mutex
	script      string
	buildErr    error
	removeDelay time.Duration
	builds      []fakeBuild
	removed     []string
}

type fakeBuild struct {
	tag        string
	dir        string
	dockerfile string
	source     string
}

func (f *fakeRuntime) Build(_ context.Context, tag, dir string) error {
	dockerfile, _ := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	source, _ := os.ReadFile(filepath.Join(dir, SourceFilename))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, fakeBuild{tag: tag, dir: dir, dockerfile: string(dockerfile), source: string(source)})
	return f.buildErr
}

func (f *fakeRuntime) Command(string, Policy) *exec.Cmd {
	return exec.Command("sh", "-c", f.script)
}

func (f *fakeRuntime) Remove(_ context.Context, tag string) error {
	time.Sleep(f.removeDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tag)
	return nil
}

func (f *fakeRuntime) wasRemoved(tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.removed {
		if r == tag {
			return true
		}
	}
	return false
}

func (f *fakeRuntime) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.builds)
}

func testIntervals() Intervals {
	return Intervals{
		Watchdog:      20 * time.Millisecond,
		Flush:         5 * time.Millisecond,
		Drain:         20 * time.Millisecond,
		DrainAttempts: 3,
	}
}

func newTestExecution(t *testing.T, rt Runtime, timeout time.Duration) *Execution {
	t.Helper()
	e, err := newExecution(newTag(), "test", timeout, rt, DefaultPolicy(), testIntervals(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.End)
	return e
}

// recorder collects everything an observer sees.
type recorder struct {
	mu      sync.Mutex
	output  []byte
	starts  int
	ends    int
	started chan struct{}
	ended   chan struct{}
}

func record(e *Execution) *recorder {
	r := &recorder{started: make(chan struct{}), ended: make(chan struct{})}
	e.Subscribe(Observer{
		OnStart: func() {
			r.mu.Lock()
			r.starts++
			if r.starts == 1 {
				close(r.started)
			}
			r.mu.Unlock()
		},
		OnStream: func(data []byte) {
			r.mu.Lock()
			r.output = append(r.output, data...)
			r.mu.Unlock()
		},
		OnEnd: func() {
			r.mu.Lock()
			r.ends++
			if r.ends == 1 {
				close(r.ended)
			}
			r.mu.Unlock()
		},
	})
	return r
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.output)
}

func (r *recorder) counts() (starts, ends int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.ends
}

func (r *recorder) waitEnded(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(within):
		t.Fatalf("execution did not end within %s", within)
	}
}
