package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicBurkart/turbolift/extract"
)

const sampleSource = `package sample

import "fmt"

func square(n uint64) uint64 {
	return n * n
}

func main() {
	fmt.Println(square(4))
}
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.go")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRenderMainProducesBuildablePackageMain(t *testing.T) {
	path := writeSample(t, sampleSource)
	res, err := extract.Extract(path, "square")
	require.NoError(t, err)

	out, err := RenderMain(res)
	require.NoError(t, err)
	src := string(out)

	assert.Contains(t, src, "package main")
	assert.Contains(t, src, "func square_impl(n uint64) uint64")
	assert.Contains(t, src, "func square(n uint64) uint64")
	assert.Contains(t, src, "square_impl(n)")
	assert.Contains(t, src, "_superMain")
	assert.Contains(t, src, "mux.NewRouter()")
	assert.Contains(t, src, HealthProbePath)
	assert.Contains(t, src, `"/square/{run_id}/{arg0}"`)
}

func TestRenderMainUnitResultReturnsJSONNull(t *testing.T) {
	src := `package sample

func log(msg string) {
	println(msg)
}
`
	path := writeSample(t, src)
	res, err := extract.Extract(path, "log")
	require.NoError(t, err)

	out, err := RenderMain(res)
	require.NoError(t, err)
	generated := string(out)

	assert.Contains(t, generated, "log(arg0)")
	assert.Contains(t, generated, `w.Write([]byte("null"))`)
	assert.Contains(t, generated, `w.Header().Set("Content-Type", "application/json")`)
	assert.NotContains(t, generated, "Encode(result)")
	assert.NotContains(t, generated, "StatusNoContent")
}

func TestRenderMainRegistersNotFoundHandler(t *testing.T) {
	path := writeSample(t, sampleSource)
	res, err := extract.Extract(path, "square")
	require.NoError(t, err)

	out, err := RenderMain(res)
	require.NoError(t, err)
	generated := string(out)

	assert.Contains(t, generated, "router.NotFoundHandler = http.HandlerFunc(_turboliftNotFound)")
	assert.Contains(t, generated, "endpoint not found")
}

func TestRenderMainMergesOriginalImports(t *testing.T) {
	src := `package sample

import (
	"fmt"
	"strings"
)

func square(n uint64) uint64 {
	return n * n
}

func main() {
	fmt.Println(strings.Repeat("x", int(square(2))))
}
`
	path := writeSample(t, src)
	res, err := extract.Extract(path, "square")
	require.NoError(t, err)

	out, err := RenderMain(res)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"fmt"`)
	// "strings" is not one of requiredImports, so it can only come from
	// the declaring file.
	assert.Contains(t, string(out), `"strings"`)
}
