package arch_test

import (
	"go/ast"
	"testing"
)

// colocated lists interfaces that may live next to their implementations.
var colocated = map[string]map[string]bool{
	// ExecRunner is the default; tests bring their own runners.
	"dispatch": {"Runner": true},
	// Shared by the SQLite and Postgres backends behind Open.
	"store": {"Store": true},
	// Mode is a closed set of variants.
	"tracker": {"Mode": true},
}

// TestInterfacePlacement flags interfaces declared in the same package as a
// type that has all of their methods. Interfaces belong to their consumers.
func TestInterfacePlacement(t *testing.T) {
	t.Parallel()

	for _, p := range loadPackages(t) {
		methods := make(map[string]map[string]bool)
		for _, f := range p.files {
			for _, decl := range f.Decls {
				fd, ok := decl.(*ast.FuncDecl)
				if !ok || fd.Recv == nil {
					continue
				}
				recv := receiverName(fd.Recv.List[0].Type)
				if methods[recv] == nil {
					methods[recv] = make(map[string]bool)
				}
				methods[recv][fd.Name.Name] = true
			}
		}

		for name, want := range interfacesIn(p) {
			if len(want) == 0 || colocated[p.name][name] {
				continue
			}
			for typ, have := range methods {
				if hasAll(have, want) {
					t.Errorf("interface %s.%s is implemented by %s in the same package; move it to its consumer",
						p.name, name, typ)
				}
			}
		}
	}
}

// interfacesIn maps each interface declared in p to its method names.
func interfacesIn(p pkg) map[string][]string {
	out := make(map[string][]string)
	for _, f := range p.files {
		ast.Inspect(f, func(n ast.Node) bool {
			ts, ok := n.(*ast.TypeSpec)
			if !ok {
				return true
			}
			it, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				return false
			}
			var names []string
			for _, m := range it.Methods.List {
				for _, id := range m.Names {
					names = append(names, id.Name)
				}
			}
			out[ts.Name.Name] = names
			return false
		})
	}
	return out
}

func receiverName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return receiverName(e.X)
	case *ast.IndexExpr:
		return receiverName(e.X)
	case *ast.IndexListExpr:
		return receiverName(e.X)
	case *ast.Ident:
		return e.Name
	}
	return ""
}

func hasAll(have map[string]bool, want []string) bool {
	for _, m := range want {
		if !have[m] {
			return false
		}
	}
	return true
}
