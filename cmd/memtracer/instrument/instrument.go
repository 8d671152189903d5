// Package instrument implements AST-level instrumentation of patient
// sources.
//
// It parses Go source files, walks the AST to find memory-accessing
// expressions, and inserts mtrace.Read / mtrace.Write hook calls before
// them, each carrying the effective address and the operand size. It also
// wraps go statements with thread lifecycle hooks and anchors trace
// finalization in main.
//
// Example transformation:
//
//	// INPUT (original code):
//	arr[i] = arr[j]
//
//	// OUTPUT (instrumented code):
//	mtrace.Read(uintptr(unsafe.Pointer(&arr[j])), unsafe.Sizeof(arr[j]))
//	mtrace.Read(uintptr(unsafe.Pointer(&arr)), unsafe.Sizeof(arr))
//	mtrace.Read(uintptr(unsafe.Pointer(&j)), unsafe.Sizeof(j))
//	mtrace.Write(uintptr(unsafe.Pointer(&arr[i])), unsafe.Sizeof(arr[i]))
//	arr[i] = arr[j]
//
// Instrumentation happens before compilation, so its own speed is not
// critical; the injected calls are the ones with a budget.
//
// Limitation: map element accesses are instrumented like any index
// expression, and taking their address does not compile. Patients are
// expected to work on slices over the traced block, which is the only kind
// of memory the tool can observe anyway.
package instrument

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
)

const (
	// HookPackageImportPath is the import path of the runtime hook
	// package injected into instrumented files.
	HookPackageImportPath = "github.com/cparra/memtracer/mtrace"

	// HookPackageAlias is the local alias used in generated calls:
	// mtrace.Read(...), mtrace.Write(...).
	HookPackageAlias = "mtrace"
)

// Result holds the outcome of instrumenting one file.
type Result struct {
	// Code is the instrumented source.
	Code string

	// Stats describes what was instrumented.
	Stats Stats
}

// File instruments a single Go source file.
//
// src follows the go/parser contract: nil means read from filename,
// otherwise it may be a string, []byte, or io.Reader.
//
// Steps:
//  1. Parse the file.
//  2. Collect access points, wrap go statements, redirect os.Exit calls,
//     anchor finalization in main.
//  3. Insert the hook calls.
//  4. Inject the required imports.
//  5. Print the modified AST.
func File(filename string, src any) (*Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	// A top-level declaration named like the hook alias would shadow the
	// injected import inside every function.
	if file.Scope != nil {
		// An existing import of the hook package itself is fine.
		if obj := file.Scope.Lookup(HookPackageAlias); obj != nil && obj.Kind != ast.Pkg {
			if decl, ok := obj.Decl.(ast.Node); ok {
				return nil, errorAt(fset, decl.Pos(),
					"declaration of %q collides with the injected hook package alias", HookPackageAlias)
			}
			return nil, errorAt(fset, file.Package,
				"declaration of %q collides with the injected hook package alias", HookPackageAlias)
		}
	}

	v := newVisitor(fset, file)
	ast.Walk(v, file)
	if err := v.apply(); err != nil {
		return nil, fmt.Errorf("instrument %s: %w", filename, err)
	}

	injectImports(file, v.needs())
	if v.stats.ExitsRewritten > 0 {
		blankOSImportIfUnused(file)
	}

	var buf bytes.Buffer
	cfg := &printer.Config{
		Mode:     printer.UseSpaces | printer.TabIndent,
		Tabwidth: 8,
	}
	if err := cfg.Fprint(&buf, fset, file); err != nil {
		return nil, fmt.Errorf("print %s: %w", filename, err)
	}

	return &Result{Code: buf.String(), Stats: v.stats}, nil
}
