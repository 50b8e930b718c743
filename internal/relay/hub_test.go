package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/penbox/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type shellRuntime struct {
	script string
}

func (r *shellRuntime) Build(context.Context, string, string) error { return nil }

func (r *shellRuntime) Command(string, sandbox.Policy) *exec.Cmd {
	return exec.Command("sh", "-c", r.script)
}

func (r *shellRuntime) Remove(context.Context, string) error { return nil }

func newExecution(t *testing.T, registry *sandbox.Registry, script string) *sandbox.Execution {
	t.Helper()
	templates := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templates, "shell"+sandbox.RecipeExt), []byte("FROM alpine\n"), 0o644))

	set := sandbox.NewExecutorSet(templates, &shellRuntime{script: script}, registry, zap.NewNop(),
		sandbox.WithWorkDir(t.TempDir()),
		sandbox.WithIntervals(sandbox.Intervals{
			Watchdog:      20 * time.Millisecond,
			Flush:         5 * time.Millisecond,
			Drain:         20 * time.Millisecond,
			DrainAttempts: 3,
		}))
	e, err := set.Get("shell").Execute(context.Background(), []byte(script), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(e.End)
	return e
}

type fakeMember struct {
	id string
	// wire sends every event through its JSON encoding first
	wire bool

	mu     sync.Mutex
	events []Event
	fail   bool
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection closed")
	}
	if m.wire {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		ev = Event{}
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *fakeMember) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventType
	for _, ev := range m.events {
		if len(out) > 0 && out[len(out)-1] == ev.Type && ev.Type == EventStream {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func (m *fakeMember) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b bytes.Buffer
	for _, ev := range m.events {
		if ev.Type == EventStream {
			b.Write(ev.Data)
		}
	}
	return b.String()
}

func (m *fakeMember) sawEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Type == EventEnded {
			return true
		}
	}
	return false
}

func newHub(t *testing.T) (*Hub, *sandbox.Registry) {
	registry := sandbox.NewRegistry(zap.NewNop())
	return NewHub(registry, zap.NewNop()), registry
}

func TestHubJoinAndStart(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, `read line; echo "got:$line"`)

	watcher := &fakeMember{id: "watcher"}
	owner := &fakeMember{id: "owner"}

	hub.Handle(watcher, Command{Type: CommandJoin, ID: e.ID})
	assert.Equal(t, 1, hub.Members(e.ID))

	hub.Handle(owner, Command{Type: CommandStart, ID: e.ID, AuthCode: e.AuthCode})
	assert.Equal(t, 2, hub.Members(e.ID))
	require.True(t, e.Started())

	hub.Handle(owner, Command{Type: CommandInput, ID: e.ID, AuthCode: e.AuthCode, Input: "relay\n"})

	for _, m := range []*fakeMember{watcher, owner} {
		require.Eventually(t, m.sawEnded, 3*time.Second, 10*time.Millisecond, m.id)
		assert.Eventually(t, func() bool {
			return strings.Contains(m.output(), "got:relay")
		}, 2*time.Second, 10*time.Millisecond, m.id)
		assert.Equal(t, EventStarted, m.types()[0], m.id)
	}
}

func TestHubDropsUnauthorizedCommands(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, "sleep 5")
	intruder := &fakeMember{id: "intruder"}

	hub.Handle(intruder, Command{Type: CommandStart, ID: e.ID, AuthCode: "wrong"})
	hub.Handle(intruder, Command{Type: CommandStart, ID: e.ID})
	assert.False(t, e.Started())
	assert.Zero(t, hub.Members(e.ID))

	require.NoError(t, e.Start())
	hub.Handle(intruder, Command{Type: CommandStop, ID: e.ID, AuthCode: strings.ToUpper(e.AuthCode) + "x"})
	assert.True(t, e.Running())

	hub.Handle(intruder, Command{Type: CommandStop, ID: e.ID, AuthCode: e.AuthCode})
	assert.True(t, e.Ended())
}

func TestHubDropsUnknownExecutionsAndCommands(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, "sleep 5")
	m := &fakeMember{id: "m"}

	hub.Handle(m, Command{Type: CommandJoin, ID: "missing"})
	assert.Zero(t, hub.Members("missing"))

	hub.Handle(m, Command{Type: "explode", ID: e.ID, AuthCode: e.AuthCode})
	assert.False(t, e.Started())
	assert.Empty(t, m.types())
}

func TestHubResize(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, "sleep 5")
	m := &fakeMember{id: "m"}

	// zero sizes are ignored rather than applied
	hub.Handle(m, Command{Type: CommandResize, ID: e.ID, AuthCode: e.AuthCode, Rows: 0, Cols: 80})
	hub.Handle(m, Command{Type: CommandResize, ID: e.ID, AuthCode: e.AuthCode, Rows: 30, Cols: 100})
	e.End()
	hub.Handle(m, Command{Type: CommandResize, ID: e.ID, AuthCode: e.AuthCode, Rows: 30, Cols: 100})
}

func TestHubLeaveAndForget(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, "sleep 5")

	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}
	hub.Join(a, e)
	hub.Join(b, e)
	hub.Join(a, e)
	assert.Equal(t, 2, hub.Members(e.ID))

	hub.Leave(a)
	assert.Equal(t, 1, hub.Members(e.ID))

	hub.Forget(e.ID)
	assert.Zero(t, hub.Members(e.ID))

	// no channel, no delivery
	require.NoError(t, e.Start())
	e.End()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.types())
}

func TestHubDropsFailingMembers(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, "echo hi")

	broken := &fakeMember{id: "broken", fail: true}
	healthy := &fakeMember{id: "healthy"}
	hub.Join(broken, e)
	hub.Join(healthy, e)

	require.NoError(t, e.Start())
	require.Eventually(t, healthy.sawEnded, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.Members(e.ID))
}

func TestHubJoinAfterEnd(t *testing.T) {
	hub, registry := newHub(t)
	e := newExecution(t, registry, "true")
	e.End()

	late := &fakeMember{id: "late"}
	hub.Handle(late, Command{Type: CommandJoin, ID: e.ID})
	assert.Equal(t, []EventType{EventEnded}, late.types())
}

func TestHubRelaysRawBytes(t *testing.T) {
	hub, registry := newHub(t)
	// a lone 0xff, then the euro sign split across two flushes
	e := newExecution(t, registry, `printf '\377'; printf '\342\202'; sleep 0.2; printf '\254'`)

	direct := &fakeMember{id: "direct"}
	wire := &fakeMember{id: "wire", wire: true}
	hub.Join(direct, e)
	hub.Join(wire, e)

	require.NoError(t, e.Start())
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution never torn down")
	}

	want := []byte{0xff, 0xe2, 0x82, 0xac}
	assert.Equal(t, want, []byte(direct.output()))
	assert.Equal(t, want, []byte(wire.output()))

	wire.mu.Lock()
	defer wire.mu.Unlock()
	var streams int
	for _, ev := range wire.events {
		if ev.Type == EventStream {
			streams++
		}
	}
	assert.GreaterOrEqual(t, streams, 2)
}

func TestEventEncodesDataAsBase64(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventStream, ID: "abc", Data: []byte{0xff, 0xe2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stream","id":"abc","data":"/+I="}`, string(data))

	data, err = json.Marshal(Event{Type: EventEnded, ID: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ended","id":"abc"}`, string(data))
}
