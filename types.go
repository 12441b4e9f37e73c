// Package turbolift distributes individual functions to isolated
// microservices. A function marked for distribution runs, on every call,
// inside a service managed by a Backend (a local subprocess queue or a
// Kubernetes deployment) rather than in the caller's own process.
package turbolift

import (
	"context"

	"github.com/google/uuid"
)

// CacheDirName is the fixed cache directory name used for derived
// projects, local dependency caches, and build artifacts. It is always
// rooted at the caller project's working directory.
const CacheDirName = ".turbolift"

// Param describes one parameter of a distributed function, in declaration
// order.
type Param struct {
	Name string // Go identifier as it appears in the source
	Type string // Go type expression, e.g. "uint64", "bool", "[]string"
}

// FunctionDescriptor is the immutable description of a function marked for
// distribution, produced once at build time by the extractor.
type FunctionDescriptor struct {
	// Name is the function's identifier. It must be unique within a single
	// caller process; colliding names are a build-time configuration error.
	Name string

	// Params is the function's parameter list, in declaration order. Each
	// parameter must have a concrete, JSON-serializable type.
	Params []Param

	// ResultType is the function's return type expression. An empty string
	// denotes the unit type (a function with no return value).
	ResultType string

	// File is the path of the source file declaring the function, exactly
	// as it was passed to the extractor.
	File string
}

// HasResult reports whether the function returns a value.
func (d FunctionDescriptor) HasResult() bool {
	return d.ResultType != ""
}

// ManifestName is the module/package name a DerivedProject for this
// function is given, chosen to avoid colliding with the caller's own
// module name.
func (d FunctionDescriptor) ManifestName() string {
	return d.Name + "_turbolift"
}

// RunID uniquely identifies one Backend instance's lifetime. It namespaces
// ingress routes and labels cluster objects for cleanup.
type RunID uuid.UUID

// NewRunID mints a fresh RunID.
func NewRunID() RunID {
	return RunID(uuid.New())
}

func (r RunID) String() string {
	return uuid.UUID(r).String()
}

// ParseRunID parses the string form of a RunID, as produced by
// RunID.String.
func ParseRunID(s string) (RunID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, err
	}
	return RunID(u), nil
}

// Deployment describes a running instance of a function's service.
type Deployment struct {
	FunctionName string
	BaseURL      string
	Ready        bool
}

// Backend is a distribution platform: a place function services can be
// declared (provisioned once) and dispatched to (invoked once per call).
// Implementations must serialize Declare and Dispatch internally — callers
// may invoke either method concurrently from many goroutines.
type Backend interface {
	// Declare provisions the service for name from bundle if it has not
	// already been declared on this backend instance. Declare is expected
	// to be called once per function name; a second call for an
	// already-declared name is a cheap no-op.
	Declare(ctx context.Context, name string, run RunID, bundle []byte) error

	// Dispatch sends encoded path-args to the declared service for name and
	// returns its raw JSON response body.
	Dispatch(ctx context.Context, name string, encodedArgs []string) (json []byte, err error)

	// Declared reports whether name has already been successfully
	// declared on this backend instance.
	Declared(name string) bool

	// Close releases every resource (processes, cluster objects) owned by
	// this backend instance. TeardownErrors encountered while releasing
	// individual resources are logged, not returned: teardown is
	// best-effort.
	Close(ctx context.Context) error
}
