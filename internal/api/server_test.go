package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitiond/petitiond/internal/auth"
	"github.com/petitiond/petitiond/internal/client"
	"github.com/petitiond/petitiond/internal/events"
	"github.com/petitiond/petitiond/internal/history"
	"github.com/petitiond/petitiond/internal/manager"
	"github.com/petitiond/petitiond/internal/processor"
	"github.com/petitiond/petitiond/internal/protocol"
)

const testKey = "test-shared-key"

func newTestStack(t *testing.T) (*httptest.Server, *client.Client) {
	t.Helper()

	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	recorder := history.NewRecorder(store)

	hub := events.NewHub(64)
	mgr := manager.New(recorder, manager.DefaultConverter{})
	proc := processor.New(mgr, hub, processor.Config{LookAhead: 8})
	proc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		proc.Shutdown(ctx)
		recorder.Close()
	})

	srv := New(Config{Name: "petitiond-test"}, proc, hub, store, auth.NewKeyring(testKey))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return ts, client.New(ts.URL, testKey)
}

func TestSubmitGreeterStreamsLinesAndExitCode(t *testing.T) {
	_, c := newTestStack(t)

	var lines []string
	code, err := c.Submit(context.Background(), protocol.SubmitRequest{
		ID:     "greeter",
		Extras: map[string]any{"counter": 3, "sleep_time": 0},
	}, func(line string) { lines = append(lines, line) })

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("Hello World! %d", i), line)
	}
}

func TestSubmitCommandPropagatesExitCode(t *testing.T) {
	_, c := newTestStack(t)

	code, err := c.Submit(context.Background(), protocol.SubmitRequest{
		ID:     "failing",
		Extras: map[string]any{"command": "/bin/sh", "args": []string{"-c", "echo doomed; exit 7"}},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestSubmitRejectsUnrecognizedExtras(t *testing.T) {
	_, c := newTestStack(t)

	_, err := c.Submit(context.Background(), protocol.SubmitRequest{
		ID:     "noise",
		Extras: map[string]any{"foo": "bar"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropped")
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	_, c := newTestStack(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Submit(context.Background(), protocol.SubmitRequest{
			ID:     "twin",
			Extras: map[string]any{"command": "/bin/sleep", "args": []string{"5"}},
		}, nil)
	}()

	// Wait until the first submission is live.
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		return err == nil && st.Running+st.Queued > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err := c.Submit(context.Background(), protocol.SubmitRequest{
		ID:     "twin",
		Extras: map[string]any{"counter": 1, "sleep_time": 0},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	ok, err := c.Cancel(context.Background(), "twin")
	require.NoError(t, err)
	assert.True(t, ok)
	<-done
}

func TestCancelRunningPetition(t *testing.T) {
	_, c := newTestStack(t)

	codeCh := make(chan int, 1)
	go func() {
		code, _ := c.Submit(context.Background(), protocol.SubmitRequest{
			ID:     "sleeper",
			Extras: map[string]any{"command": "/bin/sleep", "args": []string{"30"}},
		}, nil)
		codeCh <- code
	}()

	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		return err == nil && st.Running > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancelled, err := c.Cancel(context.Background(), "sleeper")
	require.NoError(t, err)
	assert.True(t, cancelled)

	select {
	case code := <-codeCh:
		// Killed by signal reads as failure.
		assert.Equal(t, 1, code)
	case <-time.After(10 * time.Second):
		t.Fatal("stream never ended after cancel")
	}
}

func TestCancelUnknownPetition(t *testing.T) {
	_, c := newTestStack(t)

	cancelled, err := c.Cancel(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestStatus(t *testing.T) {
	_, c := newTestStack(t)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "petitiond-test", st.Name)
	assert.True(t, st.Healthy)
	assert.Equal(t, 0, st.Running)
}

func TestHistoryRecordsFinishedPetitions(t *testing.T) {
	_, c := newTestStack(t)

	code, err := c.Submit(context.Background(), protocol.SubmitRequest{
		ID:     "logged",
		Extras: map[string]any{"counter": 1, "sleep_time": 0},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	// The recorder writes asynchronously.
	require.Eventually(t, func() bool {
		entries, err := c.History(context.Background())
		if err != nil || len(entries) == 0 {
			return false
		}
		return entries[0].PetitionID == "logged"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRequestsWithoutDigestAreRejected(t *testing.T) {
	ts, _ := newTestStack(t)

	resp, err := http.Post(ts.URL+"/v1/petitions", "application/json",
		strings.NewReader(`{"id":"x","extras":{"counter":1,"sleep_time":0}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestsWithWrongKeyAreRejected(t *testing.T) {
	ts, _ := newTestStack(t)
	wrong := client.New(ts.URL, "not-the-key")

	_, err := wrong.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts, _ := newTestStack(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
