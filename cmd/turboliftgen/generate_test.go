package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicBurkart/turbolift"
)

func TestRenderStubProducesValidGoForUnitResult(t *testing.T) {
	src, err := renderStub(stubData{
		PackageName: "app",
		BundleFile:  "identity_bundle.tar",
		Descriptor: turbolift.FunctionDescriptor{
			Name:   "identity",
			Params: []turbolift.Param{{Name: "v", Type: "bool"}},
			File:   "app.go",
		},
	})
	require.NoError(t, err)

	out := string(src)
	assert.Contains(t, out, "package app")
	assert.Contains(t, out, "//go:embed identity_bundle.tar")
	assert.Contains(t, out, "func identityRemote(ctx context.Context, backend turbolift.Backend, run turbolift.RunID, v bool) error")
	assert.Contains(t, out, "dispatch.New(backend, identityDescriptor, run, identityBundle)")
	assert.Contains(t, out, "identityDispatcherOnce.Do(func()")
	assert.Contains(t, out, "d := identityRemoteDispatcher(backend, run)")
}

func TestRenderStubProducesValidGoForValueResult(t *testing.T) {
	src, err := renderStub(stubData{
		PackageName: "app",
		BundleFile:  "square_bundle.tar",
		Descriptor: turbolift.FunctionDescriptor{
			Name:       "square",
			Params:     []turbolift.Param{{Name: "n", Type: "uint64"}},
			ResultType: "uint64",
			File:       "app.go",
		},
	})
	require.NoError(t, err)

	out := string(src)
	assert.Contains(t, out, "func squareRemote(ctx context.Context, backend turbolift.Backend, run turbolift.RunID, n uint64) (uint64, error)")
	assert.Contains(t, out, "var result uint64")
	assert.Contains(t, out, "json.Unmarshal(raw, &result)")
	assert.Contains(t, out, "squareDispatcherOnce.Do(func()")
}

func TestRenderStubEmitsMaxReplicasConstantForKubernetesTarget(t *testing.T) {
	src, err := renderStub(stubData{
		PackageName: "app",
		BundleFile:  "square_bundle.tar",
		Descriptor: turbolift.FunctionDescriptor{
			Name:       "square",
			Params:     []turbolift.Param{{Name: "n", Type: "uint64"}},
			ResultType: "uint64",
			File:       "app.go",
		},
		Kubernetes:  true,
		MaxReplicas: 3,
	})
	require.NoError(t, err)

	out := string(src)
	assert.Contains(t, out, "const squareMaxReplicas int32 = 3")
	assert.Contains(t, out, "k8sbackend.Config{MaxReplicas: squareMaxReplicas")
}

func TestRenderStubOmitsMaxReplicasConstantForLocalqueueTarget(t *testing.T) {
	src, err := renderStub(stubData{
		PackageName: "app",
		BundleFile:  "square_bundle.tar",
		Descriptor: turbolift.FunctionDescriptor{
			Name:       "square",
			Params:     []turbolift.Param{{Name: "n", Type: "uint64"}},
			ResultType: "uint64",
			File:       "app.go",
		},
	})
	require.NoError(t, err)

	assert.NotContains(t, string(src), "MaxReplicas")
}
