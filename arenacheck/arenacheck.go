// Package arenacheck defines an Analyzer that reports copy-path placements
// of types with cleanup obligations.
//
// # Analyzer arenacheck
//
// arenacheck: report AllocCopy, MustAllocCopy and AllocSlice calls whose
// type argument has a Destroy method anywhere in its value.
//
// Such calls always fail at run time with a capability violation, since the
// copy path never registers cleanup. The analyzer reports them at build time
// together with the field path to the offending Destroy.
package arenacheck

import (
	"go/ast"
	"go/types"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
	"golang.org/x/tools/go/types/typeutil"
)

const arenaPath = "github.com/pavanmanishd/dynarena"

// copyPath lists the placement functions that never register cleanup.
var copyPath = map[string]bool{
	"AllocCopy":     true,
	"MustAllocCopy": true,
	"AllocSlice":    true,
}

// Analyzer reports copy-path placements of types with a Destroy method.
var Analyzer = &analysis.Analyzer{
	Name:     "arenacheck",
	Doc:      "report copy-path arena placements of types with cleanup obligations",
	URL:      "https://pkg.go.dev/github.com/pavanmanishd/dynarena/arenacheck",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.CallExpr)(nil)}
	insp.Preorder(nodeFilter, func(n ast.Node) {
		call := n.(*ast.CallExpr)
		fn, ok := typeutil.Callee(pass.TypesInfo, call).(*types.Func)
		if !ok || fn.Pkg() == nil || fn.Pkg().Path() != arenaPath || !copyPath[fn.Name()] {
			return
		}
		id := calleeIdent(call.Fun)
		if id == nil {
			return
		}
		inst, ok := pass.TypesInfo.Instances[id]
		if !ok || inst.TypeArgs.Len() == 0 {
			return
		}
		arg := inst.TypeArgs.At(0)
		path, found := cleanupPath(arg, make(map[types.Type]bool))
		if !found {
			return
		}
		where := "type"
		if len(path) > 0 {
			where = "field " + strings.Join(path, ".")
		}
		pass.Reportf(call.Lparen, "%s[%s]: %s has cleanup obligations (Destroy) that would never run; place it with Alloc",
			fn.Name(), types.TypeString(arg, types.RelativeTo(pass.Pkg)), where)
	})
	return nil, nil
}

// calleeIdent returns the identifier naming the called function, looking
// through package qualifiers and explicit instantiation.
func calleeIdent(fun ast.Expr) *ast.Ident {
	switch f := ast.Unparen(fun).(type) {
	case *ast.Ident:
		return f
	case *ast.SelectorExpr:
		return f.Sel
	case *ast.IndexExpr:
		return calleeIdent(f.X)
	case *ast.IndexListExpr:
		return calleeIdent(f.X)
	}
	return nil
}

// cleanupPath reports whether t carries a Destroy() error method on itself
// or, held by value, on one of its struct fields or array elements. The
// path names the first such field.
func cleanupPath(t types.Type, seen map[types.Type]bool) ([]string, bool) {
	if hasDestroy(t) {
		return nil, true
	}
	if seen[t] {
		return nil, false
	}
	seen[t] = true

	switch u := t.Underlying().(type) {
	case *types.Struct:
		for i := 0; i < u.NumFields(); i++ {
			f := u.Field(i)
			if sub, ok := cleanupPath(f.Type(), seen); ok {
				return append([]string{f.Name()}, sub...), true
			}
		}
	case *types.Array:
		if u.Len() > 0 {
			if sub, ok := cleanupPath(u.Elem(), seen); ok {
				return append([]string{"[0]"}, sub...), true
			}
		}
	}
	return nil, false
}

// hasDestroy reports whether the value or pointer method set of t has
// Destroy() error.
func hasDestroy(t types.Type) bool {
	obj, _, _ := types.LookupFieldOrMethod(t, true, nil, "Destroy")
	fn, ok := obj.(*types.Func)
	if !ok {
		return false
	}
	sig := fn.Type().(*types.Signature)
	if sig.Params().Len() != 0 || sig.Results().Len() != 1 {
		return false
	}
	return types.Identical(sig.Results().At(0).Type(), types.Universe.Lookup("error").Type())
}
