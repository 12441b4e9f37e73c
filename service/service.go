// Package service renders the generated main.go for one derived service
// project: the sanitized declaring file, the relocated implementation, the
// dummy forwarder, and a gorilla/mux HTTP handler exposing the function
// over the wire protocol spec.md §6 describes, merged into a single
// buildable file the way turbolift/extract builds its own AST fragments.
package service

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strings"

	"github.com/pkg/errors"

	"github.com/DominicBurkart/turbolift"
	"github.com/DominicBurkart/turbolift/extract"
)

// requiredImports are added to every generated main.go regardless of what
// the sanitized context already imports, deduplicated by path. The one
// exception is encoding/json, which RenderMain leaves out when the handler
// has no parameter to decode and no result to encode.
var requiredImports = []string{
	"context",
	"encoding/json",
	"fmt",
	"net/http",
	"os",
	"os/signal",
	"syscall",
	"time",
	"github.com/gorilla/mux",
	"github.com/rs/zerolog/log",
}

// RenderMain produces the formatted source of a derived project's main.go
// for the function described by res, implementing spec.md §4.2 step 2.
func RenderMain(res *extract.Result) ([]byte, error) {
	fset := token.NewFileSet()

	sanitized, err := parser.ParseFile(fset, "sanitized.go", res.SanitizedSource, parser.ParseComments)
	if err != nil {
		return nil, errors.Wrap(err, "service: re-parsing sanitized source")
	}

	implFile, err := parseDeclSnippet(fset, sanitized.Name.Name, res.ImplFunc)
	if err != nil {
		return nil, errors.Wrap(err, "service: parsing relocated implementation")
	}
	forwarderFile, err := parseDeclSnippet(fset, sanitized.Name.Name, res.ForwarderFunc)
	if err != nil {
		return nil, errors.Wrap(err, "service: parsing dummy forwarder")
	}

	runtimeSrc := renderRuntimeSource(res.Descriptor)
	runtimeFile, err := parser.ParseFile(fset, "runtime.go", runtimeSrc, parser.ParseComments)
	if err != nil {
		return nil, errors.Wrap(err, "service: parsing generated runtime")
	}

	merged := &ast.File{
		Name: ast.NewIdent("main"),
	}

	imports := map[string]bool{}
	for _, path := range requiredImports {
		imports[path] = true
	}
	if len(res.Descriptor.Params) == 0 && !res.Descriptor.HasResult() {
		delete(imports, "encoding/json")
	}
	for _, spec := range sanitized.Imports {
		imports[strings.Trim(spec.Path.Value, `"`)] = true
	}

	var decls []ast.Decl
	decls = append(decls, buildImportDecl(imports))
	for _, d := range sanitized.Decls {
		if isImportDecl(d) {
			continue
		}
		decls = append(decls, d)
	}
	decls = append(decls, nonImportDecls(implFile)...)
	decls = append(decls, nonImportDecls(forwarderFile)...)
	decls = append(decls, nonImportDecls(runtimeFile)...)
	merged.Decls = decls

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, merged); err != nil {
		return nil, errors.Wrap(err, "service: formatting generated main.go")
	}
	return buf.Bytes(), nil
}

func parseDeclSnippet(fset *token.FileSet, pkgName string, src []byte) (*ast.File, error) {
	wrapped := fmt.Sprintf("package %s\n\n%s", pkgName, src)
	return parser.ParseFile(fset, "", wrapped, parser.ParseComments)
}

func isImportDecl(d ast.Decl) bool {
	gd, ok := d.(*ast.GenDecl)
	return ok && gd.Tok == token.IMPORT
}

func nonImportDecls(f *ast.File) []ast.Decl {
	var out []ast.Decl
	for _, d := range f.Decls {
		if isImportDecl(d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func buildImportDecl(paths map[string]bool) ast.Decl {
	specs := make([]ast.Spec, 0, len(paths))
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sortStrings(ordered)
	for _, p := range ordered {
		specs = append(specs, &ast.ImportSpec{Path: &ast.BasicLit{Kind: token.STRING, Value: fmt.Sprintf("%q", p)}})
	}
	return &ast.GenDecl{Tok: token.IMPORT, Lparen: 1, Specs: specs}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// HealthProbePath is the readiness route both backends poll with
// exponential backoff before routing real traffic, per spec.md §4.5/§4.6.
const HealthProbePath = "/health-probe"

// renderRuntimeSource builds the route-registration handler and process
// entrypoint as Go source text: a gorilla/mux router decoding one path
// segment per parameter as JSON, calling the dummy forwarder, and a
// /health-probe route, matching spec.md §6's wire protocol.
func renderRuntimeSource(d turbolift.FunctionDescriptor) string {
	var b strings.Builder
	b.WriteString("package main\n\n")

	b.WriteString("func _turboliftHandler(w http.ResponseWriter, r *http.Request) {\n")
	b.WriteString("\tvars := mux.Vars(r)\n")
	for i, p := range d.Params {
		b.WriteString(fmt.Sprintf("\tvar arg%d %s\n", i, p.Type))
		b.WriteString(fmt.Sprintf("\tif err := json.Unmarshal([]byte(vars[%q]), &arg%d); err != nil {\n", argKey(i), i))
		b.WriteString("\t\thttp.Error(w, err.Error(), http.StatusBadRequest)\n")
		b.WriteString("\t\treturn\n")
		b.WriteString("\t}\n")
	}

	args := make([]string, len(d.Params))
	for i := range d.Params {
		args[i] = fmt.Sprintf("arg%d", i)
	}
	call := fmt.Sprintf("%s(%s)", d.Name, strings.Join(args, ", "))

	if d.HasResult() {
		b.WriteString(fmt.Sprintf("\tresult := %s\n", call))
		b.WriteString("\tw.Header().Set(\"Content-Type\", \"application/json\")\n")
		b.WriteString("\tif err := json.NewEncoder(w).Encode(result); err != nil {\n")
		b.WriteString("\t\tlog.Error().Err(err).Msg(\"encoding dispatch response\")\n")
		b.WriteString("\t\thttp.Error(w, err.Error(), http.StatusInternalServerError)\n")
		b.WriteString("\t}\n")
	} else {
		b.WriteString(fmt.Sprintf("\t%s\n", call))
		b.WriteString("\tw.Header().Set(\"Content-Type\", \"application/json\")\n")
		b.WriteString("\tif _, err := w.Write([]byte(\"null\")); err != nil {\n")
		b.WriteString("\t\tlog.Error().Err(err).Msg(\"encoding dispatch response\")\n")
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n\n")

	b.WriteString("func _turboliftHealthProbe(w http.ResponseWriter, r *http.Request) {\n")
	b.WriteString("\tw.WriteHeader(http.StatusOK)\n")
	b.WriteString("}\n\n")

	b.WriteString("func _turboliftNotFound(w http.ResponseWriter, r *http.Request) {\n")
	b.WriteString("\tw.WriteHeader(http.StatusNotFound)\n")
	b.WriteString("\tfmt.Fprintf(w, \"endpoint not found: %s\\n\", r.URL.Path)\n")
	b.WriteString("}\n\n")

	b.WriteString("func main() {\n")
	b.WriteString("\tif len(os.Args) < 2 {\n")
	b.WriteString("\t\tfmt.Fprintln(os.Stderr, \"turbolift worker: missing listen address argument\")\n")
	b.WriteString("\t\tos.Exit(1)\n")
	b.WriteString("\t}\n")
	b.WriteString("\taddr := os.Args[1]\n\n")
	b.WriteString("\trouter := mux.NewRouter()\n")
	b.WriteString(fmt.Sprintf("\trouter.HandleFunc(%q, _turboliftHealthProbe).Methods(http.MethodGet)\n", HealthProbePath))
	b.WriteString(fmt.Sprintf("\trouter.HandleFunc(%s, _turboliftHandler).Methods(http.MethodGet)\n", routePattern(d)))
	b.WriteString("\trouter.NotFoundHandler = http.HandlerFunc(_turboliftNotFound)\n")
	b.WriteString("\n")
	b.WriteString("\tsrv := &http.Server{\n")
	b.WriteString("\t\tAddr:         addr,\n")
	b.WriteString("\t\tHandler:      router,\n")
	b.WriteString("\t\tReadTimeout:  10 * time.Second,\n")
	b.WriteString("\t\tWriteTimeout: 10 * time.Second,\n")
	b.WriteString("\t}\n\n")
	b.WriteString(fmt.Sprintf("\tlog.Info().Str(\"addr\", addr).Str(\"function\", %q).Msg(\"turbolift worker listening\")\n", d.Name))
	b.WriteString("\n")
	b.WriteString("\tctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)\n")
	b.WriteString("\tdefer stop()\n\n")
	b.WriteString("\tgo func() {\n")
	b.WriteString("\t\tif err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {\n")
	b.WriteString("\t\t\tlog.Fatal().Err(err).Msg(\"turbolift worker exited\")\n")
	b.WriteString("\t\t}\n")
	b.WriteString("\t}()\n\n")
	b.WriteString("\t<-ctx.Done()\n")
	b.WriteString("\tshutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)\n")
	b.WriteString("\tdefer cancel()\n")
	b.WriteString("\t_ = srv.Shutdown(shutdownCtx)\n")
	b.WriteString("}\n")

	return b.String()
}

func argKey(i int) string {
	return fmt.Sprintf("arg%d", i)
}

// routePattern builds the gorilla/mux route for d: /<fn>/{run_id}/{arg0}/…
// one path segment per parameter, matching spec.md §6's URL shape.
func routePattern(d turbolift.FunctionDescriptor) string {
	segments := []string{"", d.Name, "{run_id}"}
	for i := range d.Params {
		segments = append(segments, "{"+argKey(i)+"}")
	}
	return fmt.Sprintf("%q", strings.Join(segments, "/"))
}
