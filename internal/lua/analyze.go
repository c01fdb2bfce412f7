package lua

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// AnalyzeReferences scans code and returns every global identifier it reads.
// The walk tracks lexical scope (locals, parameters, loop variables) so that
// shadowed names are not reported, but the result is still an
// over-approximation of what the code will touch at runtime. Callers
// intersect it with the known node ids before use.
func AnalyzeReferences(code string) (map[string]struct{}, error) {
	chunk, err := parse.Parse(strings.NewReader(code), "analyze")
	if err != nil {
		return nil, fmt.Errorf("syntax error: %v", err)
	}

	w := &refWalker{refs: make(map[string]struct{})}
	w.walkStmts(chunk, newScope(nil))
	return w.refs, nil
}

type scope struct {
	names  map[string]struct{}
	parent *scope
}

func newScope(parent *scope) *scope {
	return &scope{names: make(map[string]struct{}), parent: parent}
}

func (s *scope) declare(name string) {
	s.names[name] = struct{}{}
}

func (s *scope) resolves(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.names[name]; ok {
			return true
		}
	}
	return false
}

type refWalker struct {
	refs map[string]struct{}
}

func (w *refWalker) walkStmts(stmts []ast.Stmt, sc *scope) {
	for _, stmt := range stmts {
		w.walkStmt(stmt, sc)
	}
}

func (w *refWalker) walkStmt(stmt ast.Stmt, sc *scope) {
	switch st := stmt.(type) {
	case *ast.AssignStmt:
		for _, rhs := range st.Rhs {
			w.walkExpr(rhs, sc)
		}
		for _, lhs := range st.Lhs {
			// A bare identifier target is a write, not a read. Targets like
			// t.field or t[k] read the container and the key.
			if _, ok := lhs.(*ast.IdentExpr); ok {
				continue
			}
			w.walkExpr(lhs, sc)
		}
	case *ast.LocalAssignStmt:
		for _, expr := range st.Exprs {
			w.walkExpr(expr, sc)
		}
		for _, name := range st.Names {
			sc.declare(name)
		}
	case *ast.FuncCallStmt:
		w.walkExpr(st.Expr, sc)
	case *ast.DoBlockStmt:
		w.walkStmts(st.Stmts, newScope(sc))
	case *ast.WhileStmt:
		w.walkExpr(st.Condition, sc)
		w.walkStmts(st.Stmts, newScope(sc))
	case *ast.RepeatStmt:
		body := newScope(sc)
		w.walkStmts(st.Stmts, body)
		// The until condition sees the body's locals.
		w.walkExpr(st.Condition, body)
	case *ast.IfStmt:
		w.walkExpr(st.Condition, sc)
		w.walkStmts(st.Then, newScope(sc))
		w.walkStmts(st.Else, newScope(sc))
	case *ast.NumberForStmt:
		w.walkExpr(st.Init, sc)
		w.walkExpr(st.Limit, sc)
		if st.Step != nil {
			w.walkExpr(st.Step, sc)
		}
		body := newScope(sc)
		body.declare(st.Name)
		w.walkStmts(st.Stmts, body)
	case *ast.GenericForStmt:
		for _, expr := range st.Exprs {
			w.walkExpr(expr, sc)
		}
		body := newScope(sc)
		for _, name := range st.Names {
			body.declare(name)
		}
		w.walkStmts(st.Stmts, body)
	case *ast.FuncDefStmt:
		// `function name(...)` is a write of name; `function t.name(...)`
		// reads t.
		if st.Name.Func != nil {
			if _, ok := st.Name.Func.(*ast.IdentExpr); !ok {
				w.walkExpr(st.Name.Func, sc)
			}
		}
		if st.Name.Receiver != nil {
			w.walkExpr(st.Name.Receiver, sc)
		}
		w.walkFunc(st.Func, sc)
	case *ast.ReturnStmt:
		for _, expr := range st.Exprs {
			w.walkExpr(expr, sc)
		}
	}
}

func (w *refWalker) walkExpr(expr ast.Expr, sc *scope) {
	switch ex := expr.(type) {
	case *ast.IdentExpr:
		if !sc.resolves(ex.Value) {
			w.refs[ex.Value] = struct{}{}
		}
	case *ast.AttrGetExpr:
		w.walkExpr(ex.Object, sc)
		w.walkExpr(ex.Key, sc)
	case *ast.FuncCallExpr:
		if ex.Func != nil {
			w.walkExpr(ex.Func, sc)
		}
		if ex.Receiver != nil {
			w.walkExpr(ex.Receiver, sc)
		}
		for _, arg := range ex.Args {
			w.walkExpr(arg, sc)
		}
	case *ast.TableExpr:
		for _, field := range ex.Fields {
			if field.Key != nil {
				w.walkExpr(field.Key, sc)
			}
			w.walkExpr(field.Value, sc)
		}
	case *ast.FunctionExpr:
		w.walkFunc(ex, sc)
	case *ast.LogicalOpExpr:
		w.walkExpr(ex.Lhs, sc)
		w.walkExpr(ex.Rhs, sc)
	case *ast.RelationalOpExpr:
		w.walkExpr(ex.Lhs, sc)
		w.walkExpr(ex.Rhs, sc)
	case *ast.StringConcatOpExpr:
		w.walkExpr(ex.Lhs, sc)
		w.walkExpr(ex.Rhs, sc)
	case *ast.ArithmeticOpExpr:
		w.walkExpr(ex.Lhs, sc)
		w.walkExpr(ex.Rhs, sc)
	case *ast.UnaryMinusOpExpr:
		w.walkExpr(ex.Expr, sc)
	case *ast.UnaryNotOpExpr:
		w.walkExpr(ex.Expr, sc)
	case *ast.UnaryLenOpExpr:
		w.walkExpr(ex.Expr, sc)
	}
	// Literals and varargs carry no references.
}

func (w *refWalker) walkFunc(fn *ast.FunctionExpr, sc *scope) {
	body := newScope(sc)
	if fn.ParList != nil {
		for _, name := range fn.ParList.Names {
			body.declare(name)
		}
	}
	w.walkStmts(fn.Stmts, body)
}
