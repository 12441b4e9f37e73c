// Package dispatch implements the turbolift Dispatch Stub: the code that
// replaces a distributed function's body, issuing one remote call per
// invocation against a Backend.
package dispatch

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/DominicBurkart/turbolift"
)

// Dispatcher replaces one distributed function's body. It is constructed
// once per function by the generated caller-side stub, embedding the
// configured Backend (spec.md §9's "explicit dependency + lock" redesign
// in place of a process-global registry).
type Dispatcher struct {
	backend    turbolift.Backend
	descriptor turbolift.FunctionDescriptor
	run        turbolift.RunID
	bundle     []byte

	mu       sync.Mutex
	declared bool
}

// New constructs a Dispatcher for descriptor, bound to backend and run.
// bundle is the embedded source tar produced by turbolift/pack, handed to
// the backend the first time the function is called.
func New(backend turbolift.Backend, descriptor turbolift.FunctionDescriptor, run turbolift.RunID, bundle []byte) *Dispatcher {
	return &Dispatcher{backend: backend, descriptor: descriptor, run: run, bundle: bundle}
}

// Call implements spec.md §4.4 steps 1-6: declare-on-first-use, argument
// encoding, and dispatch. The raw JSON result is returned undecoded; the
// generated stub (which knows the concrete result type at
// code-generation time) unmarshals it into the declared ResultType.
func (d *Dispatcher) Call(ctx context.Context, args ...any) (json.RawMessage, error) {
	if err := d.ensureDeclared(ctx); err != nil {
		return nil, err
	}

	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, &turbolift.DispatchError{Function: d.descriptor.Name, Cause: errors.Wrap(err, "encoding arguments")}
	}

	raw, err := d.backend.Dispatch(ctx, d.descriptor.Name, encoded)
	if err != nil {
		log.Error().Err(err).Str("function", d.descriptor.Name).Msg("dispatch failed")
		return nil, &turbolift.DispatchError{Function: d.descriptor.Name, Cause: err}
	}
	log.Debug().Str("function", d.descriptor.Name).Int("args", len(encoded)).Msg("dispatch completed")
	return raw, nil
}

// ensureDeclared acquires the dispatcher's lease and, if this is the first
// call for this (backend-instance, function-name) pair, invokes Declare
// and memoizes success. A declare failure is propagated and leaves the
// function undeclared so a later call retries, per spec.md §4.4 step 2.
func (d *Dispatcher) ensureDeclared(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.declared || d.backend.Declared(d.descriptor.Name) {
		d.declared = true
		return nil
	}
	if err := d.backend.Declare(ctx, d.descriptor.Name, d.run, d.bundle); err != nil {
		log.Error().Err(err).Str("function", d.descriptor.Name).Msg("declare failed")
		return &turbolift.DeclareError{Function: d.descriptor.Name, Cause: err}
	}
	log.Info().Str("function", d.descriptor.Name).Str("run_id", d.run.String()).Msg("function declared")
	d.declared = true
	return nil
}

// encodeArgs JSON-encodes each argument and URL-encodes the result,
// matching spec.md §4.4 step 3: "encode every argument as a JSON value;
// URL-encode each."
func encodeArgs(args []any) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling argument %d", i)
		}
		out[i] = url.QueryEscape(string(raw))
	}
	return out, nil
}
