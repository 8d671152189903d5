package instrument

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"
)

// instrumentSnippet wraps a function body into a file, instruments it, and
// returns the generated code.
func instrumentSnippet(t *testing.T, body string) (*Result, string) {
	t.Helper()
	src := "package main\n\nfunc patient() {\n" + body + "\n}\n"
	res, err := File("patient.go", src)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	return res, res.Code
}

// mustReparse verifies the generated code is still valid Go.
func mustReparse(t *testing.T, code string) {
	t.Helper()
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "generated.go", code, 0); err != nil {
		t.Fatalf("instrumented code does not parse: %v\n%s", err, code)
	}
}

func TestInstrumentAssignmentWrite(t *testing.T) {
	res, code := instrumentSnippet(t, "var x int\nx = 42")
	mustReparse(t, code)

	if res.Stats.Writes != 1 {
		t.Errorf("Writes = %d, want 1", res.Stats.Writes)
	}
	want := "mtrace.Write(uintptr(unsafe.Pointer(&x)), unsafe.Sizeof(x))"
	if !strings.Contains(code, want) {
		t.Errorf("missing %q in:\n%s", want, code)
	}
	if idx := strings.Index(code, want); idx > strings.Index(code, "x = 42") {
		t.Errorf("hook not inserted before the write:\n%s", code)
	}
}

func TestInstrumentAssignmentReadsRHS(t *testing.T) {
	res, code := instrumentSnippet(t, "var x, y int\ny = x")
	mustReparse(t, code)

	if res.Stats.Reads != 1 || res.Stats.Writes != 1 {
		t.Errorf("stats = %+v, want 1 read 1 write", res.Stats)
	}
	if !strings.Contains(code, "mtrace.Read(uintptr(unsafe.Pointer(&x)), unsafe.Sizeof(x))") {
		t.Errorf("missing read hook for x:\n%s", code)
	}
}

func TestDefineDoesNotWriteTarget(t *testing.T) {
	res, code := instrumentSnippet(t, "var x int\ny := x\n_ = y")
	mustReparse(t, code)

	if res.Stats.Writes != 0 {
		t.Errorf("Writes = %d, want 0 for := target", res.Stats.Writes)
	}
	if strings.Contains(code, "mtrace.Write") {
		t.Errorf("declared variable was write-instrumented:\n%s", code)
	}
}

func TestIncDecIsReadAndWrite(t *testing.T) {
	res, code := instrumentSnippet(t, "var i int\ni++")
	mustReparse(t, code)

	if res.Stats.Reads != 1 || res.Stats.Writes != 1 {
		t.Errorf("stats = %+v, want 1 read 1 write", res.Stats)
	}
	if !strings.Contains(code, "mtrace.Read(uintptr(unsafe.Pointer(&i)), unsafe.Sizeof(i))") ||
		!strings.Contains(code, "mtrace.Write(uintptr(unsafe.Pointer(&i)), unsafe.Sizeof(i))") {
		t.Errorf("inc/dec hooks missing:\n%s", code)
	}
}

func TestIndexExpressionHooks(t *testing.T) {
	_, code := instrumentSnippet(t, "arr := make([]int, 4)\narr[0] = arr[1]")
	mustReparse(t, code)

	if !strings.Contains(code, "mtrace.Read(uintptr(unsafe.Pointer(&arr[1])), unsafe.Sizeof(arr[1]))") {
		t.Errorf("missing indexed read hook:\n%s", code)
	}
	if !strings.Contains(code, "mtrace.Write(uintptr(unsafe.Pointer(&arr[0])), unsafe.Sizeof(arr[0]))") {
		t.Errorf("missing indexed write hook:\n%s", code)
	}
}

func TestDereferenceHooks(t *testing.T) {
	_, code := instrumentSnippet(t, "var x int\np := &x\n*p = 7")
	mustReparse(t, code)

	if !strings.Contains(code, "mtrace.Write(uintptr(unsafe.Pointer(p)), unsafe.Sizeof(*p))") {
		t.Errorf("missing dereference write hook:\n%s", code)
	}
}

func TestIfConditionReads(t *testing.T) {
	_, code := instrumentSnippet(t, "var a, b int\nif a > b {\n\tb = a\n}")
	mustReparse(t, code)

	// The condition reads must land before the if statement.
	ifIdx := strings.Index(code, "if a > b")
	readA := strings.Index(code, "mtrace.Read(uintptr(unsafe.Pointer(&a)), unsafe.Sizeof(a))")
	if readA < 0 || readA > ifIdx {
		t.Errorf("condition read not hooked before if:\n%s", code)
	}
}

func TestConstantsAndLiteralsSkipped(t *testing.T) {
	res, code := instrumentSnippet(t, "const c = 3\nvar x int\nx = c + 1")
	mustReparse(t, code)

	if res.Stats.Reads != 0 {
		t.Errorf("Reads = %d, want 0 (constant and literal RHS)", res.Stats.Reads)
	}
	if strings.Contains(code, "unsafe.Pointer(&c)") {
		t.Errorf("constant was instrumented:\n%s", code)
	}
}

func TestBlankTargetSkipped(t *testing.T) {
	res, _ := instrumentSnippet(t, "var x int\n_ = x\nx = 1\n_ = x")
	if res.Stats.Writes != 1 {
		t.Errorf("Writes = %d, want only the real write", res.Stats.Writes)
	}
}

func TestGoStatementWrapped(t *testing.T) {
	res, code := instrumentSnippet(t, "done := make(chan bool)\ngo work(done)\n<-done")
	mustReparse(t, code)

	if res.Stats.GoWrapped != 1 {
		t.Errorf("GoWrapped = %d, want 1", res.Stats.GoWrapped)
	}
	for _, want := range []string{"mtrace.ThreadStart()", "defer mtrace.ThreadEnd()", "work(done)"} {
		if !strings.Contains(code, want) {
			t.Errorf("missing %q in wrapped goroutine:\n%s", want, code)
		}
	}
}

func TestMainGetsFiniAnchor(t *testing.T) {
	src := "package main\n\nfunc main() {\n\tvar x int\n\tx = 1\n\t_ = x\n}\n"
	res, err := File("main.go", src)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	mustReparse(t, res.Code)

	if !res.Stats.FiniAnchored {
		t.Error("FiniAnchored = false")
	}
	if !strings.Contains(res.Code, "defer mtrace.Finalize()") {
		t.Errorf("missing finalization anchor:\n%s", res.Code)
	}
	// The defer must be the first statement of main.
	mainIdx := strings.Index(res.Code, "func main() {")
	finiIdx := strings.Index(res.Code, "defer mtrace.Finalize()")
	xIdx := strings.Index(res.Code, "x = 1")
	if !(mainIdx < finiIdx && finiIdx < xIdx) {
		t.Errorf("finalization anchor not first in main:\n%s", res.Code)
	}
}

func TestOsExitRewrittenToTracerExit(t *testing.T) {
	src := `package main

import "os"

func main() {
	os.Exit(2)
}
`
	res, err := File("main.go", src)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	mustReparse(t, res.Code)

	if res.Stats.ExitsRewritten != 1 {
		t.Errorf("ExitsRewritten = %d, want 1", res.Stats.ExitsRewritten)
	}
	if !strings.Contains(res.Code, "mtrace.Exit(2)") {
		t.Errorf("os.Exit not redirected:\n%s", res.Code)
	}
	if strings.Contains(res.Code, "os.Exit(") {
		t.Errorf("bare os.Exit survived:\n%s", res.Code)
	}
	// os is now referenced only by the blanked import.
	if !strings.Contains(res.Code, `_ "os"`) {
		t.Errorf("unused os import not blanked:\n%s", res.Code)
	}
}

func TestOsExitRewriteKeepsUsedOsImport(t *testing.T) {
	src := `package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println(os.Getenv("HOME"))
	os.Exit(1)
}
`
	res, err := File("main.go", src)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	mustReparse(t, res.Code)

	if res.Stats.ExitsRewritten != 1 {
		t.Errorf("ExitsRewritten = %d, want 1", res.Stats.ExitsRewritten)
	}
	if !strings.Contains(res.Code, "mtrace.Exit(1)") {
		t.Errorf("os.Exit not redirected:\n%s", res.Code)
	}
	if !strings.Contains(res.Code, "os.Getenv") {
		t.Errorf("unrelated os use disturbed:\n%s", res.Code)
	}
	if strings.Contains(res.Code, `_ "os"`) {
		t.Errorf("still-used os import was blanked:\n%s", res.Code)
	}
}

func TestImportsInjectedOnce(t *testing.T) {
	_, code := instrumentSnippet(t, "var x int\nx = 1")
	mustReparse(t, code)

	if got := strings.Count(code, `"github.com/cparra/memtracer/mtrace"`); got != 1 {
		t.Errorf("hook import appears %d times:\n%s", got, code)
	}
	if got := strings.Count(code, `"unsafe"`); got != 1 {
		t.Errorf("unsafe import appears %d times:\n%s", got, code)
	}
}

func TestExistingImportsNotDuplicated(t *testing.T) {
	src := `package main

import (
	mtrace "github.com/cparra/memtracer/mtrace"
	"unsafe"
)

func main() {
	p := mtrace.Malloc(8)
	_ = unsafe.Pointer(p)
}
`
	res, err := File("main.go", src)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	mustReparse(t, res.Code)

	if got := strings.Count(res.Code, `"github.com/cparra/memtracer/mtrace"`); got != 1 {
		t.Errorf("hook import appears %d times:\n%s", got, res.Code)
	}
}

func TestNoAccessesNoUnsafeImport(t *testing.T) {
	src := "package helper\n\nfunc nothing() {}\n"
	res, err := File("helper.go", src)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	mustReparse(t, res.Code)

	if strings.Contains(res.Code, `"unsafe"`) {
		t.Errorf("unsafe imported with no hooks:\n%s", res.Code)
	}
}

func TestAliasCollisionIsError(t *testing.T) {
	src := "package main\n\nvar mtrace int\n\nfunc main() { mtrace = 1; _ = mtrace }\n"
	_, err := File("main.go", src)
	if err == nil {
		t.Fatal("File accepted a declaration shadowing the hook alias")
	}
	if !strings.Contains(err.Error(), "collides") {
		t.Errorf("err = %v, want alias collision", err)
	}
}

func TestSyntaxErrorIsReported(t *testing.T) {
	if _, err := File("bad.go", "package main\nfunc {"); err == nil {
		t.Fatal("File accepted invalid source")
	}
}
