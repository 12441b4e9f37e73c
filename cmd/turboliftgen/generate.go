package main

import (
	"bytes"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"

	"github.com/DominicBurkart/turbolift"
	"github.com/DominicBurkart/turbolift/extract"
	"github.com/DominicBurkart/turbolift/pack"
	"github.com/DominicBurkart/turbolift/synth"
)

// GenerateOptions configures one turboliftgen run.
type GenerateOptions struct {
	RegistryPath string
	CallerRoot   string
	Format       bool
	Check        bool
	Prebuild     bool
}

// Generate reads the registry at opts.RegistryPath and produces one
// dispatch stub plus embedded bundle per target, implementing the
// extract -> synth -> pack pipeline spec.md §9 assigns to the code
// generation tool that replaces the original's attribute macro.
func Generate(opts GenerateOptions) error {
	reg, err := LoadRegistry(opts.RegistryPath)
	if err != nil {
		return err
	}

	registryDir := filepath.Dir(opts.RegistryPath)
	outputDir := filepath.Join(registryDir, reg.OutputDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}

	cacheDir := filepath.Join(opts.CallerRoot, turbolift.CacheDirName)

	for _, target := range reg.Targets {
		if err := generateTarget(target, registryDir, outputDir, opts, cacheDir); err != nil {
			return errors.Wrapf(err, "target %s::%s", target.SourceFile, target.Function)
		}
	}
	return nil
}

func generateTarget(target Target, registryDir, outputDir string, opts GenerateOptions, cacheDir string) error {
	sourcePath := filepath.Join(registryDir, target.SourceFile)

	res, err := extract.Extract(sourcePath, target.Function)
	if err != nil {
		return errors.Wrap(err, "extracting function")
	}

	derived, err := synth.Synthesize(res, synth.Options{
		CallerRoot: opts.CallerRoot,
		CacheDir:   cacheDir,
		Format:     opts.Format,
		Check:      opts.Check,
		Prebuild:   opts.Prebuild,
		Warnf:      func(format string, args ...any) { fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...) },
	})
	if err != nil {
		return errors.Wrap(err, "synthesizing derived project")
	}

	bundle, err := pack.Pack(derived.Dir)
	if err != nil {
		return errors.Wrap(err, "packing derived project")
	}

	bundleName := res.Descriptor.Name + "_bundle.tar"
	if err := os.WriteFile(filepath.Join(outputDir, bundleName), bundle, 0o644); err != nil {
		return errors.Wrap(err, "writing bundle")
	}

	pkgName := target.Package
	if pkgName == "" {
		pkgName = res.PackageName
	}

	src, err := renderStub(stubData{
		PackageName: pkgName,
		BundleFile:  bundleName,
		Descriptor:  res.Descriptor,
		Kubernetes:  target.Backend == "kubernetes",
		MaxReplicas: target.MaxReplicas,
	})
	if err != nil {
		return errors.Wrap(err, "rendering dispatch stub")
	}

	stubName := res.Descriptor.Name + "_turbolift.go"
	if err := os.WriteFile(filepath.Join(outputDir, stubName), src, 0o644); err != nil {
		return errors.Wrap(err, "writing dispatch stub")
	}

	return nil
}

type stubData struct {
	PackageName string
	BundleFile  string
	Descriptor  turbolift.FunctionDescriptor

	// Kubernetes is true when the registry target names the kubernetes
	// backend, gating emission of the generated MaxReplicas constant below
	// (meaningless for a localqueue target, per Target.MaxReplicas's doc).
	Kubernetes  bool
	MaxReplicas int32
}

// stubTemplate renders the caller-side dispatch stub: a function with the
// original signature plus an explicit Backend/RunID prefix (spec.md §9's
// "global mutable backend -> explicit dependency + lock" redesign,
// rendered here as constructor injection at the call site since Go has no
// macro step to hide it behind).
var stubTemplate = template.Must(template.New("stub").Parse(`// Code generated by turboliftgen. DO NOT EDIT.

package {{.PackageName}}

import (
	"context"
	_ "embed"
	"sync"
{{- if .Descriptor.ResultType}}
	"encoding/json"
{{- end}}

{{- if .Descriptor.ResultType}}
	"github.com/pkg/errors"
{{- end}}

	"github.com/DominicBurkart/turbolift"
	"github.com/DominicBurkart/turbolift/dispatch"
)

//go:embed {{.BundleFile}}
var {{.Descriptor.Name}}Bundle []byte

var {{.Descriptor.Name}}Descriptor = turbolift.FunctionDescriptor{
	Name:       {{printf "%q" .Descriptor.Name}},
	ResultType: {{printf "%q" .Descriptor.ResultType}},
	File:       {{printf "%q" .Descriptor.File}},
	Params: []turbolift.Param{
{{- range .Descriptor.Params}}
		{Name: {{printf "%q" .Name}}, Type: {{printf "%q" .Type}}},
{{- end}}
	},
}
{{if .Kubernetes}}
// {{.Descriptor.Name}}MaxReplicas is the registry's max_replicas setting
// for "{{.Descriptor.Name}}". Pass it into the k8sbackend.Config used to
// construct the backend this function dispatches through:
// k8sbackend.Config{MaxReplicas: {{.Descriptor.Name}}MaxReplicas, ...}.
const {{.Descriptor.Name}}MaxReplicas int32 = {{.MaxReplicas}}
{{end}}
var (
	{{.Descriptor.Name}}DispatcherOnce sync.Once
	{{.Descriptor.Name}}Dispatcher     *dispatch.Dispatcher
)

// {{.Descriptor.Name}}RemoteDispatcher returns the process-wide Dispatcher
// for "{{.Descriptor.Name}}", building it on the first call and reusing it
// on every later one: the Dispatcher's declare-once guard (its internal
// mutex and declared flag) only holds across concurrent calls if every
// call shares the same instance, so it must not be rebuilt per call.
func {{.Descriptor.Name}}RemoteDispatcher(backend turbolift.Backend, run turbolift.RunID) *dispatch.Dispatcher {
	{{.Descriptor.Name}}DispatcherOnce.Do(func() {
		{{.Descriptor.Name}}Dispatcher = dispatch.New(backend, {{.Descriptor.Name}}Descriptor, run, {{.Descriptor.Name}}Bundle)
	})
	return {{.Descriptor.Name}}Dispatcher
}

// {{.Descriptor.Name}}Remote dispatches one call to the distributed
// "{{.Descriptor.Name}}" function on backend, declaring it on first use.
func {{.Descriptor.Name}}Remote(ctx context.Context, backend turbolift.Backend, run turbolift.RunID{{range .Descriptor.Params}}, {{.Name}} {{.Type}}{{end}}) ({{if .Descriptor.ResultType}}{{.Descriptor.ResultType}}, {{end}}error) {
	d := {{.Descriptor.Name}}RemoteDispatcher(backend, run)

{{if .Descriptor.ResultType -}}
	raw, err := d.Call(ctx{{range .Descriptor.Params}}, {{.Name}}{{end}})
	if err != nil {
		var zero {{.Descriptor.ResultType}}
		return zero, err
	}

	var result {{.Descriptor.ResultType}}
	if err := json.Unmarshal(raw, &result); err != nil {
		var zero {{.Descriptor.ResultType}}
		return zero, errors.Wrap(err, "decoding {{.Descriptor.Name}} result")
	}
	return result, nil
{{- else -}}
	_, err := d.Call(ctx{{range .Descriptor.Params}}, {{.Name}}{{end}})
	return err
{{- end}}
}
`))

func renderStub(data stubData) ([]byte, error) {
	var buf bytes.Buffer
	if err := stubTemplate.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "executing stub template")
	}
	formatted, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "formatting generated stub")
	}
	return formatted, nil
}
