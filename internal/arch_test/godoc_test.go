package arch_test

import (
	"go/ast"
	"go/token"
	"path/filepath"
	"strings"
	"testing"
)

// docExemptions lists exported symbols per package that may go without a
// doc comment.
var docExemptions = map[string][]string{
	// String methods of the Mode variants; the Mode interface documents
	// them.
	"tracker": {"String"},
}

// exportedSymbol is an exported declaration and the comment attached to it.
type exportedSymbol struct {
	Name string
	Kind string // "type", "func", "method", "var", "const"
	Doc  string
}

// TestExportedSymbolsHaveGoDoc checks that every exported declaration in an
// internal package has a doc comment that starts with its name.
func TestExportedSymbolsHaveGoDoc(t *testing.T) {
	t.Parallel()

	for _, p := range loadPackages(t) {
		exempt := make(map[string]bool)
		for _, name := range docExemptions[p.name] {
			exempt[name] = true
		}
		for i, f := range p.files {
			for _, sym := range exportedSymbols(f) {
				if exempt[sym.Name] || hasGoDoc(sym) {
					continue
				}
				t.Errorf("%s/%s: exported %s %s has no doc comment",
					p.name, filepath.Base(p.paths[i]), sym.Kind, sym.Name)
			}
		}
	}
}

// exportedSymbols lists the exported declarations of f. Methods on
// unexported types are left out.
func exportedSymbols(f *ast.File) []exportedSymbol {
	var syms []exportedSymbol
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					if s.Name.IsExported() {
						syms = append(syms, exportedSymbol{s.Name.Name, "type", docText(d.Doc, s.Doc)})
					}
				case *ast.ValueSpec:
					kind := "var"
					if d.Tok == token.CONST {
						kind = "const"
					}
					for _, name := range s.Names {
						if name.IsExported() {
							syms = append(syms, exportedSymbol{name.Name, kind, docText(d.Doc, s.Doc, s.Comment)})
						}
					}
				}
			}
		case *ast.FuncDecl:
			if !d.Name.IsExported() {
				continue
			}
			kind := "func"
			if d.Recv != nil {
				if !ast.IsExported(receiverName(d.Recv.List[0].Type)) {
					continue
				}
				kind = "method"
			}
			syms = append(syms, exportedSymbol{d.Name.Name, kind, docText(d.Doc)})
		}
	}
	return syms
}

// docText returns the text of the first non-nil comment group.
func docText(groups ...*ast.CommentGroup) string {
	for _, g := range groups {
		if g != nil {
			return g.Text()
		}
	}
	return ""
}

func hasGoDoc(sym exportedSymbol) bool {
	doc := strings.TrimSpace(sym.Doc)
	if doc == "" {
		return false
	}
	// Grouped consts and vars share the group's comment.
	if sym.Kind == "const" || sym.Kind == "var" {
		return true
	}
	return strings.HasPrefix(doc, sym.Name) || strings.HasPrefix(doc, "A "+sym.Name) ||
		strings.HasPrefix(doc, "An "+sym.Name)
}

func TestExportedSymbols(t *testing.T) {
	t.Parallel()

	src := `package x

// Exported is documented.
func Exported() {}

func Bare() {}

type hidden struct{}

func (hidden) Method() {}

// Kinds of things.
const (
	KindA = "a"
	KindB = "b" // trailing
)
`
	f := parseSource(t, src)
	got := make(map[string]bool)
	for _, s := range exportedSymbols(f) {
		got[s.Name] = hasGoDoc(s)
	}
	want := map[string]bool{"Exported": true, "Bare": false, "KindA": true, "KindB": true}
	for name, doc := range want {
		if have, ok := got[name]; !ok || have != doc {
			t.Errorf("%s: listed=%v documented=%v, want listed documented=%v", name, ok, have, doc)
		}
	}
	if _, ok := got["Method"]; ok {
		t.Error("method of an unexported type was listed")
	}
}
