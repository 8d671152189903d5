// AST visitor: finds memory-accessing expressions and the control points
// (go statements, func main) that need lifecycle hooks.
//
// The visitor does not modify statement lists while walking. It collects
// instrumentation points during the walk and inserts the hook calls in a
// second pass, because inserting nodes mid-traversal invalidates positions.

package instrument

import (
	"go/ast"
	"go/token"
)

// Stats describes what was instrumented in one file.
type Stats struct {
	Reads          int  // read hooks inserted
	Writes         int  // write hooks inserted
	GoWrapped      int  // go statements wrapped with thread hooks
	FiniAnchored   bool // defer mtrace.Finalize() added to main
	ExitsRewritten int  // os.Exit calls redirected through the tracer
	Skipped        int  // expressions recognized and deliberately skipped
}

// Total returns the number of access hooks inserted.
func (s Stats) Total() int {
	return s.Reads + s.Writes
}

// accessKind classifies an instrumentation point.
type accessKind int

const (
	accessRead accessKind = iota
	accessWrite
)

// point is one pending hook insertion: before stmt, record an access of
// kind at addr with the width of size.
type point struct {
	stmt ast.Stmt
	kind accessKind
	addr ast.Expr // evaluates to a pointer to the accessed memory
	size ast.Expr // the accessed lvalue, for unsafe.Sizeof
}

type visitor struct {
	fset   *token.FileSet
	file   *ast.File
	points []point
	stats  Stats
}

func newVisitor(fset *token.FileSet, file *ast.File) *visitor {
	return &visitor{fset: fset, file: file}
}

// neededImports says which imports the generated code requires.
type neededImports struct {
	unsafePkg bool
	hookPkg   bool
}

func (v *visitor) needs() neededImports {
	return neededImports{
		unsafePkg: len(v.points) > 0,
		hookPkg: len(v.points) > 0 || v.stats.GoWrapped > 0 ||
			v.stats.FiniAnchored || v.stats.ExitsRewritten > 0,
	}
}

// Visit implements ast.Visitor.
//
// Reads are collected from the value positions of assignments, conditions,
// returns and expression statements; writes from assignment targets and
// inc/dec statements. Go statements are rewritten in place so the new
// goroutine brackets itself with thread hooks, and main gets the deferred
// finalization anchor.
func (v *visitor) Visit(node ast.Node) ast.Visitor {
	if node == nil {
		return nil
	}

	switch n := node.(type) {
	case *ast.AssignStmt:
		v.visitAssign(n)

	case *ast.IncDecStmt:
		v.visitIncDec(n)

	case *ast.IfStmt:
		v.extractReads(n.Cond, n)

	case *ast.ReturnStmt:
		for _, res := range n.Results {
			v.extractReads(res, n)
		}

	case *ast.ExprStmt:
		v.extractReads(n.X, n)

	case *ast.GoStmt:
		v.wrapGo(n)

	case *ast.CallExpr:
		v.rewriteExit(n)

	case *ast.FuncDecl:
		v.anchorMain(n)
	}

	return v
}

// visitAssign collects RHS reads and LHS writes. For := the targets are
// declarations, not writes.
func (v *visitor) visitAssign(stmt *ast.AssignStmt) {
	for _, rhs := range stmt.Rhs {
		v.extractReads(rhs, stmt)
	}
	if stmt.Tok == token.DEFINE {
		return
	}
	for _, lhs := range stmt.Lhs {
		if !shouldInstrument(lhs) {
			v.stats.Skipped++
			continue
		}
		addr, size := lvalue(lhs)
		if addr == nil {
			continue
		}
		v.points = append(v.points, point{stmt: stmt, kind: accessWrite, addr: addr, size: size})
		v.stats.Writes++
	}
}

// visitIncDec records i++ and i-- as a read followed by a write of the
// same location.
func (v *visitor) visitIncDec(stmt *ast.IncDecStmt) {
	if !shouldInstrument(stmt.X) {
		v.stats.Skipped++
		return
	}
	addr, size := lvalue(stmt.X)
	if addr == nil {
		return
	}
	v.points = append(v.points,
		point{stmt: stmt, kind: accessRead, addr: addr, size: size},
		point{stmt: stmt, kind: accessWrite, addr: addr, size: size})
	v.stats.Reads++
	v.stats.Writes++
}

// extractReads records every readable expression inside expr as a read
// hooked before stmt.
func (v *visitor) extractReads(expr ast.Expr, stmt ast.Stmt) {
	ast.Inspect(expr, func(n ast.Node) bool {
		switch e := n.(type) {
		case *ast.CallExpr:
			// The callee is not a memory operand; arguments are.
			for _, a := range e.Args {
				v.extractReads(a, stmt)
			}
			return false

		case *ast.UnaryExpr:
			if e.Op == token.AND {
				// Taking an address reads nothing.
				return false
			}

		case *ast.StarExpr:
			// Dereference: the pointer itself is the address.
			v.addRead(stmt, e.X, e)
			return true

		case *ast.Ident:
			if !shouldInstrument(e) {
				v.stats.Skipped++
				return true
			}
			v.addRead(stmt, amp(e), e)

		case *ast.SelectorExpr:
			// One read of the whole selection; descending would also
			// instrument the qualifier on its own.
			if !shouldInstrument(e) {
				v.stats.Skipped++
				return false
			}
			v.addRead(stmt, amp(e), e)
			return false

		case *ast.IndexExpr:
			if !shouldInstrument(e) {
				v.stats.Skipped++
				return true
			}
			v.addRead(stmt, amp(e), e)
		}
		return true
	})
}

func (v *visitor) addRead(stmt ast.Stmt, addr, size ast.Expr) {
	v.points = append(v.points, point{stmt: stmt, kind: accessRead, addr: addr, size: size})
	v.stats.Reads++
}

// lvalue turns an assignment target into its address expression and the
// expression whose size is accessed. Unsupported targets (blank, complex
// expressions) return nil.
func lvalue(expr ast.Expr) (addr, size ast.Expr) {
	switch e := expr.(type) {
	case *ast.Ident:
		if e.Name == "_" {
			return nil, nil
		}
		return amp(e), e
	case *ast.StarExpr:
		return e.X, e
	case *ast.IndexExpr:
		return amp(e), e
	case *ast.SelectorExpr:
		return amp(e), e
	}
	return nil, nil
}

func amp(e ast.Expr) ast.Expr {
	return &ast.UnaryExpr{Op: token.AND, X: e}
}

// wrapGo rewrites `go f(args)` so the new goroutine registers itself:
//
//	go func() {
//		mtrace.ThreadStart()
//		defer mtrace.ThreadEnd()
//		f(args)
//	}()
//
// Arguments are evaluated inside the new goroutine, not at the go
// statement.
func (v *visitor) wrapGo(stmt *ast.GoStmt) {
	orig := stmt.Call
	stmt.Call = &ast.CallExpr{
		Fun: &ast.FuncLit{
			Type: &ast.FuncType{Params: &ast.FieldList{}},
			Body: &ast.BlockStmt{List: []ast.Stmt{
				&ast.ExprStmt{X: hookExpr("ThreadStart")},
				&ast.DeferStmt{Call: hookCallExpr("ThreadEnd")},
				&ast.ExprStmt{X: orig},
			}},
		},
	}
	v.stats.GoWrapped++
}

// rewriteExit redirects os.Exit calls through the tracer:
//
//	os.Exit(n)  →  mtrace.Exit(n)
//
// os.Exit skips deferred calls, so the anchored finalizer would never run
// and the map file would never be written; mtrace.Exit finalizes with the
// patient's real status first. Only the canonical "os" qualifier is
// recognized; an aliased os import keeps its bare Exit behavior.
func (v *visitor) rewriteExit(call *ast.CallExpr) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Exit" {
		return
	}
	x, ok := sel.X.(*ast.Ident)
	if !ok || x.Name != "os" {
		return
	}
	if x.Obj != nil && x.Obj.Kind != ast.Pkg {
		return // a local named os, not the package
	}
	call.Fun = &ast.SelectorExpr{
		X:   ast.NewIdent(HookPackageAlias),
		Sel: ast.NewIdent("Exit"),
	}
	v.stats.ExitsRewritten++
}

// anchorMain prepends `defer mtrace.Finalize()` to func main of package
// main. A normal return finalizes the trace with status 0; an unrecovered
// panic is recorded as abnormal termination before the crash continues.
func (v *visitor) anchorMain(decl *ast.FuncDecl) {
	if v.file.Name.Name != "main" || decl.Name.Name != "main" ||
		decl.Recv != nil || decl.Body == nil {
		return
	}
	fini := &ast.DeferStmt{Call: hookCallExpr("Finalize")}
	decl.Body.List = append([]ast.Stmt{fini}, decl.Body.List...)
	v.stats.FiniAnchored = true
}

// apply is the second pass: it inserts the collected hook calls before
// their statements, wherever those statements sit in a statement list.
func (v *visitor) apply() error {
	if len(v.points) == 0 {
		return nil
	}

	byStmt := map[ast.Stmt][]point{}
	for _, p := range v.points {
		byStmt[p.stmt] = append(byStmt[p.stmt], p)
	}

	insert := func(list []ast.Stmt) []ast.Stmt {
		out := make([]ast.Stmt, 0, len(list)*2)
		for _, stmt := range list {
			for _, p := range byStmt[stmt] {
				out = append(out, accessCall(p))
			}
			out = append(out, stmt)
		}
		return out
	}

	ast.Inspect(v.file, func(n ast.Node) bool {
		switch block := n.(type) {
		case *ast.BlockStmt:
			block.List = insert(block.List)
		case *ast.CaseClause:
			block.Body = insert(block.Body)
		case *ast.CommClause:
			block.Body = insert(block.Body)
		}
		return true
	})
	return nil
}

// accessCall builds the hook statement for one point:
//
//	mtrace.Read(uintptr(unsafe.Pointer(<addr>)), unsafe.Sizeof(<size>))
func accessCall(p point) ast.Stmt {
	name := "Read"
	if p.kind == accessWrite {
		name = "Write"
	}

	unsafePointer := &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent("unsafe"),
			Sel: ast.NewIdent("Pointer"),
		},
		Args: []ast.Expr{p.addr},
	}
	addrArg := &ast.CallExpr{
		Fun:  ast.NewIdent("uintptr"),
		Args: []ast.Expr{unsafePointer},
	}
	sizeArg := &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent("unsafe"),
			Sel: ast.NewIdent("Sizeof"),
		},
		Args: []ast.Expr{p.size},
	}

	return &ast.ExprStmt{X: hookCallExpr(name, addrArg, sizeArg)}
}

// shouldInstrument filters out expressions that are not mutable memory:
// constants, literals, builtins, the blank identifier, function and type
// names, and package qualifications. None of them can be addressed, and
// none of them can ever land inside a heap block.
func shouldInstrument(expr ast.Expr) bool {
	switch e := expr.(type) {
	case *ast.BasicLit:
		return false

	case *ast.Ident:
		if e.Name == "_" || isBuiltinIdent(e.Name) {
			return false
		}
		if e.Obj != nil {
			switch e.Obj.Kind {
			case ast.Con, ast.Fun, ast.Typ, ast.Pkg:
				return false
			}
		}
		return true

	case *ast.SelectorExpr:
		// Package-qualified names (os.Args, sync.Mutex) are either
		// functions, types, or globals the tracer cannot see inside
		// the block; their address is often not even takeable.
		if x, ok := e.X.(*ast.Ident); ok {
			if x.Obj == nil || x.Obj.Kind == ast.Pkg {
				return false
			}
		}
		return true
	}
	return true
}

// isBuiltinIdent reports whether name is a predeclared identifier: those
// cannot be addressed and never need hooks.
func isBuiltinIdent(name string) bool {
	switch name {
	case "nil", "true", "false", "iota",
		"make", "new", "len", "cap", "append", "copy", "delete",
		"close", "panic", "recover", "print", "println",
		"complex", "real", "imag", "clear", "min", "max",
		"bool", "byte", "rune", "string", "error", "any", "comparable",
		"int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64", "uintptr",
		"float32", "float64", "complex64", "complex128":
		return true
	}
	return false
}

func hookCallExpr(name string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(HookPackageAlias),
			Sel: ast.NewIdent(name),
		},
		Args: args,
	}
}

func hookExpr(name string) ast.Expr {
	return hookCallExpr(name)
}
