package formulaengine

import (
	"sort"
	"strings"
)

// NamedExpression is a reusable formula fragment. Scope is the sheet name
// for sheet-scoped names and empty for workbook-global ones. A
// sheet-scoped name shadows a global one on its own sheet.
type NamedExpression struct {
	Name       string
	Expression string
	Scope      string
}

// NamedExpressionTable stores named expressions for one workbook, keyed
// case-insensitively.
type NamedExpressionTable struct {
	byKey map[string]*NamedExpression
}

// NewNamedExpressionTable creates an empty table
func NewNamedExpressionTable() *NamedExpressionTable {
	return &NamedExpressionTable{
		byKey: make(map[string]*NamedExpression),
	}
}

func namedKey(scope, name string) string {
	return scope + "\x00" + strings.ToUpper(name)
}

// Define adds or replaces a named expression.
func (t *NamedExpressionTable) Define(name, expression, scope string) *NamedExpression {
	ne := &NamedExpression{Name: name, Expression: expression, Scope: scope}
	t.byKey[namedKey(scope, name)] = ne
	return ne
}

// Remove deletes a name in the given scope.
func (t *NamedExpressionTable) Remove(name, scope string) bool {
	key := namedKey(scope, name)
	if _, exists := t.byKey[key]; !exists {
		return false
	}
	delete(t.byKey, key)
	return true
}

// Lookup returns the expression bound to a name in exactly one scope.
func (t *NamedExpressionTable) Lookup(name, scope string) (*NamedExpression, bool) {
	ne, exists := t.byKey[namedKey(scope, name)]
	return ne, exists
}

// Resolve finds the expression visible from the given sheet: the
// sheet-scoped binding first, then the global one.
func (t *NamedExpressionTable) Resolve(sheet, name string) (*NamedExpression, bool) {
	if ne, exists := t.byKey[namedKey(sheet, name)]; exists {
		return ne, true
	}
	ne, exists := t.byKey[namedKey("", name)]
	return ne, exists
}

// RemoveScope drops every name scoped to the given sheet.
func (t *NamedExpressionTable) RemoveScope(sheet string) {
	for key, ne := range t.byKey {
		if ne.Scope == sheet {
			delete(t.byKey, key)
		}
	}
}

// RenameScope moves sheet-scoped names to a renamed sheet.
func (t *NamedExpressionTable) RenameScope(oldSheet, newSheet string) {
	moved := []*NamedExpression{}
	for key, ne := range t.byKey {
		if ne.Scope == oldSheet {
			delete(t.byKey, key)
			ne.Scope = newSheet
			moved = append(moved, ne)
		}
	}
	for _, ne := range moved {
		t.byKey[namedKey(ne.Scope, ne.Name)] = ne
	}
}

// List returns all definitions ordered by scope then name.
func (t *NamedExpressionTable) List() []*NamedExpression {
	out := make([]*NamedExpression, 0, len(t.byKey))
	for _, ne := range t.byKey {
		out = append(out, ne)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count returns the number of definitions
func (t *NamedExpressionTable) Count() int {
	return len(t.byKey)
}
