package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicBurkart/turbolift"
)

// fakeBackend records every Declare/Dispatch call for assertion, standing
// in for a real LocalQueue or Kubernetes backend.
type fakeBackend struct {
	declareCalls  int
	declareErr    error
	dispatchErr   error
	lastArgs      []string
	declaredNames map[string]bool
	response      []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{declaredNames: map[string]bool{}, response: []byte(`42`)}
}

func (f *fakeBackend) Declare(ctx context.Context, name string, run turbolift.RunID, bundle []byte) error {
	f.declareCalls++
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declaredNames[name] = true
	return nil
}

func (f *fakeBackend) Dispatch(ctx context.Context, name string, encodedArgs []string) ([]byte, error) {
	f.lastArgs = encodedArgs
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	return f.response, nil
}

func (f *fakeBackend) Declared(name string) bool { return f.declaredNames[name] }
func (f *fakeBackend) Close(ctx context.Context) error { return nil }

var squareDescriptor = turbolift.FunctionDescriptor{
	Name:       "square",
	Params:     []turbolift.Param{{Name: "n", Type: "uint64"}},
	ResultType: "uint64",
}

func TestCallDeclaresOnlyOnce(t *testing.T) {
	backend := newFakeBackend()
	run := turbolift.NewRunID()
	d := New(backend, squareDescriptor, run, []byte("bundle"))

	_, err := d.Call(context.Background(), uint64(3))
	require.NoError(t, err)
	_, err = d.Call(context.Background(), uint64(4))
	require.NoError(t, err)

	assert.Equal(t, 1, backend.declareCalls, "declare must be memoized across calls")
}

func TestCallEncodesArgsAsURLSafeJSON(t *testing.T) {
	backend := newFakeBackend()
	run := turbolift.NewRunID()
	d := New(backend, squareDescriptor, run, []byte("bundle"))

	_, err := d.Call(context.Background(), uint64(9))
	require.NoError(t, err)

	require.Len(t, backend.lastArgs, 1)
	assert.Equal(t, "9", backend.lastArgs[0])
}

func TestCallPropagatesDeclareErrorAndLeavesUndeclared(t *testing.T) {
	backend := newFakeBackend()
	backend.declareErr = assertErr{"boom"}
	run := turbolift.NewRunID()
	d := New(backend, squareDescriptor, run, []byte("bundle"))

	_, err := d.Call(context.Background(), uint64(1))
	require.Error(t, err)
	var declareErr *turbolift.DeclareError
	assert.ErrorAs(t, err, &declareErr)

	backend.declareErr = nil
	_, err = d.Call(context.Background(), uint64(1))
	assert.NoError(t, err, "a later call must retry declare")
	assert.Equal(t, 2, backend.declareCalls)
}

func TestCallWrapsDispatchFailureAsDispatchError(t *testing.T) {
	backend := newFakeBackend()
	backend.dispatchErr = assertErr{"unreachable"}
	run := turbolift.NewRunID()
	d := New(backend, squareDescriptor, run, []byte("bundle"))

	_, err := d.Call(context.Background(), uint64(1))
	require.Error(t, err)
	var dispatchErr *turbolift.DispatchError
	assert.ErrorAs(t, err, &dispatchErr)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
