package server

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/storage"
)

func TestHistoryRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	history := NewHistoryRecorder(env.records, zap.NewNop())

	e, err := env.srv.executors.Get("shell").Execute(context.Background(), []byte("echo recorded"), 0)
	require.NoError(t, err)

	history.Track(e)
	history.Track(e)
	assert.True(t, history.Tracked(e.ID))

	rec, err := env.records.GetExecution(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "created", rec.Status)
	assert.Equal(t, "shell", rec.Template)
	assert.Nil(t, rec.StartedAt)

	require.NoError(t, e.Start())

	assert.Eventually(t, func() bool {
		rec, err := env.records.GetExecution(context.Background(), e.ID)
		return err == nil && rec.Status == "ended" && rec.StartedAt != nil && rec.EndedAt != nil &&
			strings.Contains(string(rec.Output), "recorded")
	}, 3*time.Second, 20*time.Millisecond)

	history.Remove(e.ID)
	assert.False(t, history.Tracked(e.ID))
	_, err = history.Get(context.Background(), e.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryOutputIsCapped(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.srv.executors.Get("shell").Execute(context.Background(), []byte("true"), 0)
	require.NoError(t, err)
	defer e.End()

	tracked := &trackedExecution{exec: e}
	chunk := bytes.Repeat([]byte("x"), 1000)
	for i := 0; i < 100; i++ {
		tracked.append(chunk)
	}
	assert.Len(t, tracked.record().Output, maxRecordedOutput)
}

func TestHistoryWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.srv.executors.Get("shell").Execute(context.Background(), []byte("true"), 0)
	require.NoError(t, err)
	defer e.End()

	history := NewHistoryRecorder(nil, zap.NewNop())
	history.Track(e)
	assert.True(t, history.Tracked(e.ID))

	history.CloseAll()
	assert.False(t, history.Tracked(e.ID))

	records, err := history.List(context.Background(), storage.RecordListOptions{})
	assert.NoError(t, err)
	assert.Empty(t, records)
}
