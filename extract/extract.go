// Package extract implements the turbolift Function Extractor: given a
// source file and the name of one function declared in it, it produces a
// FunctionDescriptor plus a sanitized source context suitable for
// embedding in a derived service project.
package extract

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"os"

	"github.com/pkg/errors"

	"github.com/DominicBurkart/turbolift"
)

// Result is everything the extractor produces for one marked function.
type Result struct {
	Descriptor turbolift.FunctionDescriptor

	// SanitizedSource is the declaring file with the marked function
	// removed and any main entry point renamed to _superMain, formatted Go
	// source.
	SanitizedSource []byte

	// ImplFunc is the relocated original function, renamed "<name>_impl",
	// formatted Go source.
	ImplFunc []byte

	// ForwarderFunc is the dummy forwarder: a same-signature function that
	// calls the relocated implementation so other code in the sanitized
	// context that references the original name keeps compiling.
	ForwarderFunc []byte

	// PackageName is the sanitized file's package clause.
	PackageName string
}

// Extract parses sourcePath, locates the function named fnName, and
// produces a Result. fnName must name a package-level function (not a
// method); methods are rejected per the receiver invariant.
func Extract(sourcePath, fnName string) (*Result, error) {
	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, errors.Wrapf(err, "extract: reading %s", sourcePath)
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, sourcePath, src, parser.ParseComments)
	if err != nil {
		return nil, errors.Wrapf(err, "extract: parsing %s", sourcePath)
	}

	target, idx := findFunc(file, fnName)
	if target == nil {
		return nil, errors.Errorf("extract: function %q not found in %s", fnName, sourcePath)
	}
	if target.Recv != nil {
		return nil, errors.Errorf("extract: %q has a receiver; only package-level functions may be distributed", fnName)
	}

	descriptor, err := describeFunc(target, fnName, sourcePath)
	if err != nil {
		return nil, err
	}

	implFunc := cloneFuncRenamed(target, fnName+"_impl")
	implSrc, err := formatDecl(fset, implFunc)
	if err != nil {
		return nil, errors.Wrap(err, "extract: formatting relocated function")
	}

	forwarder := makeDummyForwarder(target, fnName, fnName+"_impl")
	forwarderSrc, err := formatDecl(fset, forwarder)
	if err != nil {
		return nil, errors.Wrap(err, "extract: formatting dummy forwarder")
	}

	sanitized := removeFuncAndRenameMain(file, idx)
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, sanitized); err != nil {
		return nil, errors.Wrap(err, "extract: formatting sanitized source")
	}

	return &Result{
		Descriptor:      descriptor,
		SanitizedSource: buf.Bytes(),
		ImplFunc:        implSrc,
		ForwarderFunc:   forwarderSrc,
		PackageName:     file.Name.Name,
	}, nil
}

// findFunc returns the *ast.FuncDecl named name and its index within
// file.Decls, or (nil, -1) if not found.
func findFunc(file *ast.File, name string) (*ast.FuncDecl, int) {
	for i, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Name.Name == name {
			return fd, i
		}
	}
	return nil, -1
}

// describeFunc builds a FunctionDescriptor from a parsed FuncDecl.
// Parameters are extracted in declaration order; each must carry an
// explicit, printable type expression. A function with no return value
// yields an empty ResultType (the unit type).
func describeFunc(fn *ast.FuncDecl, name, file string) (turbolift.FunctionDescriptor, error) {
	var params []turbolift.Param
	if fn.Type.Params != nil {
		for _, field := range fn.Type.Params.List {
			typeStr := exprString(field.Type)
			if len(field.Names) == 0 {
				return turbolift.FunctionDescriptor{}, errors.Errorf(
					"extract: %q has an unnamed parameter of type %s; distributed functions require named parameters", name, typeStr)
			}
			for _, n := range field.Names {
				params = append(params, turbolift.Param{Name: n.Name, Type: typeStr})
			}
		}
	}

	resultType := ""
	if fn.Type.Results != nil && len(fn.Type.Results.List) > 0 {
		if len(fn.Type.Results.List) > 1 || len(fn.Type.Results.List[0].Names) > 1 {
			return turbolift.FunctionDescriptor{}, errors.Errorf(
				"extract: %q must return at most one value to be distributed", name)
		}
		resultType = exprString(fn.Type.Results.List[0].Type)
	}

	return turbolift.FunctionDescriptor{
		Name:       name,
		Params:     params,
		ResultType: resultType,
		File:       file,
	}, nil
}

func exprString(e ast.Expr) string {
	var buf bytes.Buffer
	_ = format.Node(&buf, token.NewFileSet(), e)
	return buf.String()
}

// cloneFuncRenamed copies fn's declaration node with a new name, leaving
// the original node's name untouched; the copy shares its type and body
// with the original.
func cloneFuncRenamed(fn *ast.FuncDecl, newName string) *ast.FuncDecl {
	clone := *fn
	nameClone := *fn.Name
	nameClone.Name = newName
	clone.Name = &nameClone
	return &clone
}

// makeDummyForwarder builds a same-signature function named originalName
// whose body returns the result of calling implName with the original's
// parameters — the Go rendering of spec.md's dummy forwarder. The
// signature is copied unchanged, so the result (if any) is returned as is,
// with no added error value.
func makeDummyForwarder(fn *ast.FuncDecl, originalName, implName string) *ast.FuncDecl {
	var args []ast.Expr
	if fn.Type.Params != nil {
		for _, field := range fn.Type.Params.List {
			for _, n := range field.Names {
				args = append(args, ast.NewIdent(n.Name))
			}
		}
	}

	call := &ast.CallExpr{
		Fun:  ast.NewIdent(implName),
		Args: args,
	}

	var body *ast.BlockStmt
	hasResult := fn.Type.Results != nil && len(fn.Type.Results.List) > 0
	if hasResult {
		body = &ast.BlockStmt{List: []ast.Stmt{&ast.ReturnStmt{Results: []ast.Expr{call}}}}
	} else {
		body = &ast.BlockStmt{List: []ast.Stmt{&ast.ExprStmt{X: call}}}
	}

	sig := *fn.Type
	forwarder := &ast.FuncDecl{
		Name: ast.NewIdent(originalName),
		Type: &sig,
		Body: body,
	}
	return forwarder
}

// removeFuncAndRenameMain returns a shallow copy of file with the decl at
// index removed and any remaining func main() renamed to _superMain, the
// sanitized-source-context contract from spec.md §4.1: "the declaring file
// with the marked function and any main entry point removed (or renamed
// to a private symbol)".
func removeFuncAndRenameMain(file *ast.File, index int) *ast.File {
	clone := *file
	clone.Decls = make([]ast.Decl, 0, len(file.Decls)-1)
	for i, decl := range file.Decls {
		if i == index {
			continue
		}
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == "main" {
			renamed := *fd
			renamedName := *fd.Name
			renamedName.Name = "_superMain"
			renamed.Name = &renamedName
			clone.Decls = append(clone.Decls, &renamed)
			continue
		}
		clone.Decls = append(clone.Decls, decl)
	}
	return &clone
}

func formatDecl(fset *token.FileSet, decl ast.Decl) ([]byte, error) {
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, decl); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks extractor invariants that don't depend on parsing a
// specific file: the function name must be non-empty, every parameter must
// have a non-empty name and type, and parameter names must be distinct.
// Synthesize calls this before deriving a project.
func Validate(d turbolift.FunctionDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("extract: function descriptor has empty name")
	}
	seen := map[string]bool{}
	for _, p := range d.Params {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("extract: function %q has a parameter with missing name or type", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("extract: function %q has duplicate parameter name %q", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
