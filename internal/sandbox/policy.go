package sandbox

import (
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

// FramePackage is the import path generated Go code uses for dataset access.
const FramePackage = "kily/frame"

// allowedGoImports is the complete capability set for interpreted code.
var allowedGoImports = map[string]bool{
	FramePackage: true,
	"fmt":        true,
	"math":       true,
	"sort":       true,
	"strconv":    true,
	"strings":    true,
}

// AllowedGoImports returns the import whitelist, sorted.
func AllowedGoImports() []string {
	out := make([]string, 0, len(allowedGoImports))
	for p := range allowedGoImports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// program is generated Go code that passed the policy check.
type program struct {
	source     string
	frameAlias string
}

// compileError is a problem with the code that is not a policy breach.
type compileError struct{ msg string }

func (e *compileError) Error() string { return e.msg }

// allocationError is a constant-sized allocation larger than the run budget.
type allocationError struct {
	line  int
	bytes constant.Value
}

func (e *allocationError) Error() string {
	return fmt.Sprintf("allocation of %s bytes exceeds the memory budget (line %d)", e.bytes.ExactString(), e.line)
}

// checkGo parses code and enforces the interpreter policy. It returns a
// *PolicyError for capability breaches, an *allocationError for constant
// allocations above limitBytes and a *compileError for code that cannot be
// run as written.
func checkGo(code string, limitBytes int64) (*program, error) {
	src := strings.TrimSpace(code)
	if !strings.HasPrefix(src, "package ") {
		src = "package main\n\n" + src
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "analysis.go", src, parser.SkipObjectResolution)
	if err != nil {
		return nil, &compileError{msg: err.Error()}
	}
	if file.Name.Name != "main" {
		return nil, &compileError{msg: fmt.Sprintf("package must be main, got %s", file.Name.Name)}
	}

	alias, stringsAlias := "", ""
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return nil, &compileError{msg: "invalid import path " + imp.Path.Value}
		}
		if !allowedGoImports[path] {
			return nil, &PolicyError{Reason: fmt.Sprintf("import %q is not allowed (allowed: %s)", path, strings.Join(AllowedGoImports(), ", "))}
		}
		if path == "strings" {
			stringsAlias = "strings"
			if imp.Name != nil {
				stringsAlias = imp.Name.Name
			}
		}
		if path != FramePackage {
			continue
		}
		alias = "frame"
		if imp.Name != nil {
			alias = imp.Name.Name
		}
		if alias == "_" || alias == "." {
			return nil, &PolicyError{Reason: FramePackage + " must be imported by name"}
		}
	}
	if alias == "" {
		return nil, &compileError{msg: "code must import " + strconv.Quote(FramePackage)}
	}

	hasAnalyze := false
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch fn.Name.Name {
		case "Analyze":
			hasAnalyze = true
		case "main", "init":
			return nil, &compileError{msg: "code must not declare " + fn.Name.Name}
		}
	}
	if !hasAnalyze {
		return nil, &compileError{msg: "code must declare func Analyze(ws *frame.Workspace) (any, error)"}
	}

	var violation error
	ast.Inspect(file, func(n ast.Node) bool {
		if violation != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.GoStmt:
			violation = &PolicyError{Reason: fmt.Sprintf("goroutines are not allowed (line %d)", fset.Position(x.Pos()).Line)}
		case *ast.SelectorExpr:
			if id, ok := x.X.(*ast.Ident); ok && id.Name == "unsafe" {
				violation = &PolicyError{Reason: "package unsafe is not allowed"}
			}
		case *ast.CallExpr:
			if size := allocationSize(x, stringsAlias); size != nil && limitBytes > 0 &&
				constant.Compare(size, token.GTR, constant.MakeInt64(limitBytes)) {
				violation = &allocationError{line: fset.Position(x.Pos()).Line, bytes: size}
			}
		}
		return true
	})
	if violation != nil {
		return nil, violation
	}

	wrapper := fmt.Sprintf("\n\nfunc main() {\n\tws := %s.Open()\n\tv, err := Analyze(ws)\n\tws.Finish(v, err)\n}\n", alias)
	return &program{source: src + wrapper, frameAlias: alias}, nil
}

// allocationSize estimates the bytes a make or strings.Repeat call allocates
// when its sizes are constant expressions. It returns nil otherwise.
func allocationSize(call *ast.CallExpr, stringsAlias string) constant.Value {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		if fn.Name != "make" || len(call.Args) < 2 {
			return nil
		}
		var largest constant.Value
		for _, arg := range call.Args[1:] {
			n := constExpr(arg)
			if n == nil {
				continue
			}
			if largest == nil || constant.Compare(n, token.GTR, largest) {
				largest = n
			}
		}
		if largest == nil {
			return nil
		}
		return constant.BinaryOp(largest, token.MUL, constant.MakeInt64(elemSize(call.Args[0])))
	case *ast.SelectorExpr:
		pkg, ok := fn.X.(*ast.Ident)
		if !ok || stringsAlias == "" || pkg.Name != stringsAlias || fn.Sel.Name != "Repeat" || len(call.Args) != 2 {
			return nil
		}
		n := constExpr(call.Args[1])
		if n == nil {
			return nil
		}
		width := int64(1)
		if lit, ok := call.Args[0].(*ast.BasicLit); ok && lit.Kind == token.STRING {
			if s, err := strconv.Unquote(lit.Value); err == nil {
				width = int64(len(s))
			}
		}
		return constant.BinaryOp(n, token.MUL, constant.MakeInt64(width))
	}
	return nil
}

// constExpr folds integer literals joined by arithmetic and shift operators.
func constExpr(e ast.Expr) constant.Value {
	switch x := e.(type) {
	case *ast.BasicLit:
		if x.Kind != token.INT {
			return nil
		}
		v := constant.MakeFromLiteral(x.Value, x.Kind, 0)
		if v.Kind() != constant.Int {
			return nil
		}
		return v
	case *ast.ParenExpr:
		return constExpr(x.X)
	case *ast.BinaryExpr:
		l, r := constExpr(x.X), constExpr(x.Y)
		if l == nil || r == nil {
			return nil
		}
		switch x.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(l, x.Op, r)
		case token.SHL:
			s, ok := constant.Uint64Val(r)
			if !ok || s > 64 {
				return nil
			}
			return constant.Shift(l, token.SHL, uint(s))
		}
	}
	return nil
}

// elemSize approximates the per-element size of a made type.
func elemSize(t ast.Expr) int64 {
	var elem ast.Expr
	switch x := t.(type) {
	case *ast.ArrayType:
		elem = x.Elt
	case *ast.MapType:
		elem = x.Value
	case *ast.ChanType:
		elem = x.Value
	default:
		return 1
	}
	id, ok := elem.(*ast.Ident)
	if !ok {
		return 8
	}
	switch id.Name {
	case "byte", "uint8", "int8", "bool":
		return 1
	case "int16", "uint16":
		return 2
	case "int32", "uint32", "float32", "rune":
		return 4
	case "string", "complex128":
		return 16
	default:
		return 8
	}
}
