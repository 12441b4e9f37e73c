// Package localqueue implements the turbolift LocalQueue backend: it
// builds a distributed function's derived project into a binary and
// spawns it as a loopback-bound subprocess, proxying dispatches to it over
// HTTP. It is the direct Go rendering of the original Rust
// implementation's LocalQueue (turbolift_internals/src/local_queue.rs).
package localqueue

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/DominicBurkart/turbolift"
	"github.com/DominicBurkart/turbolift/pack"
	"github.com/DominicBurkart/turbolift/service"
)

// buildCacheDirName is where declare unpacks a function's source bundle
// before building it, spec.md's "<cache>/.worker_build_cache/".
const buildCacheDirName = ".worker_build_cache"

// warmupDeadline bounds how long dispatch waits for a freshly spawned
// worker to answer its health probe before giving up, replacing the
// original's unconditional 60-second sleep with a readiness check.
const warmupDeadline = 30 * time.Second

// LocalQueue is a Backend that runs each distributed function as a
// subprocess on the local machine.
type LocalQueue struct {
	cacheDir string
	client   *http.Client

	mu          sync.Mutex
	binaryPaths map[string]string
	runIDs      map[string]turbolift.RunID
	baseAddrs   map[string]string
	processes   map[string]*os.Process
}

// New constructs a LocalQueue backend rooted at cacheDir (normally
// <callerRoot>/.turbolift).
func New(cacheDir string) *LocalQueue {
	return &LocalQueue{
		cacheDir:    cacheDir,
		client:      &http.Client{Timeout: 10 * time.Second},
		binaryPaths: map[string]string{},
		runIDs:      map[string]turbolift.RunID{},
		baseAddrs:   map[string]string{},
		processes:   map[string]*os.Process{},
	}
}

var _ turbolift.Backend = (*LocalQueue)(nil)

// Declare decompresses bundle into the worker build cache, builds it in
// release mode, and moves the resulting binary to
// <cache>/<name>_<run_id>_server, per spec.md §4.5.
func (q *LocalQueue) Declare(ctx context.Context, name string, run turbolift.RunID, bundle []byte) error {
	if q.Declared(name) {
		return nil
	}
	buildDir := filepath.Join(q.cacheDir, buildCacheDirName)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrap(err, "creating worker build cache")}
	}
	if err := pack.Unpack(bundle, buildDir); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrap(err, "decompressing bundle")}
	}

	projectDir := filepath.Join(buildDir, name)
	outputBinary := filepath.Join(q.cacheDir, fmt.Sprintf("%s_%s_server", name, run.String()))

	cmd := exec.CommandContext(ctx, "go", "build", "-ldflags", "-s -w", "-o", outputBinary, ".")
	cmd.Dir = projectDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrapf(err, "building worker: %s", out)}
	}
	if err := os.Chmod(outputBinary, 0o755); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrap(err, "making worker binary executable")}
	}

	q.mu.Lock()
	q.binaryPaths[name] = outputBinary
	q.runIDs[name] = run
	q.mu.Unlock()

	log.Info().Str("function", name).Str("binary", outputBinary).Msg("worker built")
	return nil
}

// Declared reports whether Declare has completed for name.
func (q *LocalQueue) Declared(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.binaryPaths[name]
	return ok
}

// Dispatch spawns name's worker on first use (choosing a free loopback
// port and waiting for its health probe), then forwards the request and
// returns the raw JSON body, per spec.md §4.5.
func (q *LocalQueue) Dispatch(ctx context.Context, name string, encodedArgs []string) ([]byte, error) {
	addr, err := q.ensureRunning(ctx, name)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	run := q.runIDs[name]
	q.mu.Unlock()

	url := fmt.Sprintf("http://%s/%s/%s/%s", addr, name, run.String(), strings.Join(encodedArgs, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building dispatch request")
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending dispatch request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading dispatch response")
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("worker returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// ensureRunning spawns name's worker if it is not already running and
// waits for it to answer its health probe, returning its loopback address.
// The backend's single mutex is held for the full spawn+health-probe
// sequence (spec.md §5: "declare and dispatch both acquire it for the full
// duration of the operation"), so two concurrent first-dispatches to the
// same declared-but-not-yet-running function cannot both observe baseAddrs[name]
// missing and spawn duplicate worker subprocesses.
func (q *LocalQueue) ensureRunning(ctx context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if addr, ok := q.baseAddrs[name]; ok {
		return addr, nil
	}
	binaryPath, ok := q.binaryPaths[name]
	if !ok {
		return "", errors.Errorf("localqueue: %q has not been declared", name)
	}

	addr, err := reserveLoopbackAddr()
	if err != nil {
		return "", errors.Wrap(err, "reserving loopback port")
	}

	cmd := exec.Command(binaryPath, addr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(err, "spawning worker")
	}

	if err := q.waitForHealthProbe(ctx, addr); err != nil {
		_ = cmd.Process.Kill()
		return "", errors.Wrap(err, "waiting for worker readiness")
	}

	q.baseAddrs[name] = addr
	q.processes[name] = cmd.Process

	log.Info().Str("function", name).Str("addr", addr).Msg("worker ready")
	return addr, nil
}

// reserveLoopbackAddr finds a free loopback port by binding a listener and
// immediately closing it, then handing the address to the child process —
// the same "find a free port, then hand it to the child" idiom used for
// local container port allocation.
func reserveLoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

// waitForHealthProbe polls a worker's /health-probe route with exponential
// backoff until it answers 200 OK or warmupDeadline elapses, replacing the
// original's fixed 60-second sleep per spec.md §9's explicit redesign
// instruction.
func (q *LocalQueue) waitForHealthProbe(ctx context.Context, addr string) error {
	probeURL := "http://" + addr + service.HealthProbePath

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = time.Second

	deadline, cancel := context.WithTimeout(ctx, warmupDeadline)
	defer cancel()

	operation := func() error {
		req, err := http.NewRequestWithContext(deadline, http.MethodGet, probeURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := q.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("health probe returned status %d", resp.StatusCode)
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(bo, deadline))
}

// Close kills every worker process spawned by this backend, ignoring
// already-dead processes, per spec.md §4.5's teardown contract. Any other
// kill failure is logged as a TeardownError and Close still returns nil.
func (q *LocalQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for name, proc := range q.processes {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			wrapped := &turbolift.TeardownError{Resource: "process:" + name, Cause: err}
			log.Warn().Err(wrapped).Msg("teardown failed")
		}
	}
	q.processes = map[string]*os.Process{}
	q.baseAddrs = map[string]string{}
	return nil
}
