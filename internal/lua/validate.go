package lua

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"

	"github.com/acormier/loom/internal/models"
)

// valueType is the statically-inferable shape of an expression.
type valueType int

const (
	typeUnknown valueType = iota
	typeTable
	typeFunction
	typeScalar
)

// Validate checks node code before execution: it must parse, it must assign
// a global named exactly nodeID, and the assigned expression's inferable
// type must match the kind contract. Expressions whose type cannot be
// determined statically (function calls, field reads) pass; the
// post-execution shape check covers those at runtime.
//
// A nil return means the code is well-formed. Validation never executes
// anything.
func Validate(code, nodeID string, kind models.NodeKind) error {
	chunk, err := parse.Parse(strings.NewReader(code), nodeID)
	if err != nil {
		return fmt.Errorf("syntax error: %v", err)
	}

	vt, found := findBinding(chunk, nodeID)
	if !found {
		if hasLocalBinding(chunk, nodeID) {
			return fmt.Errorf("code declares %q as a local; it must be assigned as a global", nodeID)
		}
		return fmt.Errorf("code must assign a global named %q", nodeID)
	}

	switch kind {
	case models.KindSource, models.KindTransform:
		if vt == typeFunction {
			return fmt.Errorf("%s node %q must produce a table, not a function", kind, nodeID)
		}
		if vt == typeScalar {
			return fmt.Errorf("%s node %q must produce a table, not a scalar", kind, nodeID)
		}
	case models.KindVisual:
		if vt == typeFunction {
			return fmt.Errorf("visual node %q must produce a chart table, not a function", nodeID)
		}
		if vt == typeScalar {
			return fmt.Errorf("visual node %q must produce a chart table, not a scalar", nodeID)
		}
	case models.KindLibrary:
		if vt == typeTable || vt == typeScalar {
			return fmt.Errorf("library node %q must define a function", nodeID)
		}
	default:
		return fmt.Errorf("unknown node kind %q", kind)
	}

	return nil
}

// findBinding locates the last top-level statement that assigns the global
// named id and returns the inferred type of the assigned expression.
func findBinding(chunk []ast.Stmt, id string) (valueType, bool) {
	vt := typeUnknown
	found := false

	for _, stmt := range chunk {
		switch st := stmt.(type) {
		case *ast.AssignStmt:
			for i, lhs := range st.Lhs {
				ident, ok := lhs.(*ast.IdentExpr)
				if !ok || ident.Value != id {
					continue
				}
				found = true
				if i < len(st.Rhs) {
					vt = inferType(st.Rhs[i])
				} else {
					// Fewer values than targets: the extra targets get nil.
					vt = typeScalar
				}
			}
		case *ast.FuncDefStmt:
			if st.Name.Func != nil {
				if ident, ok := st.Name.Func.(*ast.IdentExpr); ok && ident.Value == id {
					found = true
					vt = typeFunction
				}
			}
		}
	}

	return vt, found
}

// hasLocalBinding reports whether a top-level local declares id. Used only
// to produce a more specific failure reason.
func hasLocalBinding(chunk []ast.Stmt, id string) bool {
	for _, stmt := range chunk {
		if st, ok := stmt.(*ast.LocalAssignStmt); ok {
			for _, name := range st.Names {
				if name == id {
					return true
				}
			}
		}
	}
	return false
}

func inferType(e ast.Expr) valueType {
	switch ex := e.(type) {
	case *ast.TableExpr:
		return typeTable
	case *ast.FunctionExpr:
		return typeFunction
	case *ast.StringExpr, *ast.NumberExpr, *ast.TrueExpr, *ast.FalseExpr, *ast.NilExpr:
		return typeScalar
	case *ast.StringConcatOpExpr:
		return typeScalar
	case *ast.RelationalOpExpr:
		return typeScalar
	case *ast.UnaryNotOpExpr:
		return typeScalar
	case *ast.UnaryLenOpExpr:
		return typeScalar
	case *ast.UnaryMinusOpExpr:
		return inferType(ex.Expr)
	default:
		// Calls, field reads, logical ops and everything else stay unknown.
		return typeUnknown
	}
}
