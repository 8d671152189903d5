// Import injection: instrumented files need the hook package and, when
// access hooks were inserted, unsafe.

package instrument

import (
	"go/ast"
	"go/token"
	"strconv"
)

// injectImports adds the required imports to the file, skipping any that
// are already present. Existing grouped imports are extended; a file with
// no imports gets a new import block right after the package clause.
func injectImports(file *ast.File, need neededImports) {
	hasHook := false
	hasUnsafe := false
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		switch path {
		case HookPackageImportPath:
			hasHook = true
		case "unsafe":
			hasUnsafe = true
		}
	}

	addHook := need.hookPkg && !hasHook
	addUnsafe := need.unsafePkg && !hasUnsafe
	if !addHook && !addUnsafe {
		return
	}

	var importDecl *ast.GenDecl
	for _, decl := range file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			importDecl = gd
			break
		}
	}
	if importDecl == nil {
		importDecl = &ast.GenDecl{
			Tok:    token.IMPORT,
			Lparen: 1, // grouped form: import ( ... )
		}
		file.Decls = append([]ast.Decl{importDecl}, file.Decls...)
	}

	if addHook {
		spec := &ast.ImportSpec{
			Name: ast.NewIdent(HookPackageAlias),
			Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(HookPackageImportPath)},
		}
		importDecl.Specs = append(importDecl.Specs, spec)
		file.Imports = append(file.Imports, spec)
	}
	if addUnsafe {
		spec := &ast.ImportSpec{
			Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote("unsafe")},
		}
		importDecl.Specs = append(importDecl.Specs, spec)
		file.Imports = append(file.Imports, spec)
	}
}

// blankOSImportIfUnused turns `import "os"` into `import _ "os"` when the
// only uses of the package were os.Exit calls that the rewrite redirected
// through the tracer. Without this the instrumented file would fail to
// compile on an unused import.
func blankOSImportIfUnused(file *ast.File) {
	used := false
	ast.Inspect(file, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if x, ok := sel.X.(*ast.Ident); ok && x.Name == "os" {
			if x.Obj == nil || x.Obj.Kind == ast.Pkg {
				used = true
				return false
			}
		}
		return true
	})
	if used {
		return
	}

	for _, imp := range file.Imports {
		if imp.Name == nil && imp.Path.Value == strconv.Quote("os") {
			imp.Name = ast.NewIdent("_")
		}
	}
}
