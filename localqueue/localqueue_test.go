package localqueue

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicBurkart/turbolift"
)

func TestReserveLoopbackAddrReturnsUsableAddress(t *testing.T) {
	addr, err := reserveLoopbackAddr()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "127.0.0.1:"))

	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err, "the reserved address must be free for the caller to bind")
	listener.Close()
}

func TestWaitForHealthProbeSucceedsWhenReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health-probe" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	q := New(t.TempDir())
	addr := srv.Listener.Addr().String()
	err := q.waitForHealthProbe(context.Background(), addr)
	assert.NoError(t, err)
}

func TestWaitForHealthProbeFailsOnDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q := New(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := q.waitForHealthProbe(ctx, srv.Listener.Addr().String())
	assert.Error(t, err)
}

func TestDispatchSendsExpectedURLAndReturnsBody(t *testing.T) {
	var capturedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		w.Write([]byte("9"))
	}))
	defer srv.Close()

	q := New(t.TempDir())
	run := turbolift.NewRunID()
	q.mu.Lock()
	q.baseAddrs["square"] = srv.Listener.Addr().String()
	q.runIDs["square"] = run
	q.mu.Unlock()

	body, err := q.Dispatch(context.Background(), "square", []string{"3"})
	require.NoError(t, err)
	assert.Equal(t, "9", string(body))
	assert.Equal(t, "/square/"+run.String()+"/3", capturedPath)
}

func TestDeclaredReflectsRecordedBinaries(t *testing.T) {
	q := New(t.TempDir())
	assert.False(t, q.Declared("square"))

	q.mu.Lock()
	q.binaryPaths["square"] = "/tmp/square_server"
	q.mu.Unlock()

	assert.True(t, q.Declared("square"))
}

func TestCloseKillsTrackedProcesses(t *testing.T) {
	q := New(t.TempDir())
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())

	q.mu.Lock()
	q.processes["square"] = cmd.Process
	q.mu.Unlock()

	err := q.Close(context.Background())
	assert.NoError(t, err)

	state, waitErr := cmd.Process.Wait()
	require.NoError(t, waitErr)
	assert.False(t, state.Success(), "the process should have been killed, not exited normally")
}
