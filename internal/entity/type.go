package entity

import "fmt"

// PropertyDecl declares one property slot of a type.
type PropertyDecl struct {
	Key      string
	Kind     Kind
	Required bool
}

// Type is a named schema: an ordered set of property declarations.
// Types may compose other types by inclusion. A type is immutable once
// registered with a store.
type Type struct {
	name        string
	description string
	decls       []PropertyDecl
	includes    []*Type
}

func NewType(name string) *Type {
	return &Type{name: name}
}

func (t *Type) Name() string { return t.name }

func (t *Type) Description() string { return t.description }

func (t *Type) SetDescription(d string) { t.description = d }

func (t *Type) DeclareProperty(key string, kind Kind, required bool) {
	t.decls = append(t.decls, PropertyDecl{Key: key, Kind: kind, Required: required})
}

// Include composes another type into this one. Included declarations come
// before the type's own declarations.
func (t *Type) Include(other *Type) {
	t.includes = append(t.includes, other)
}

// Declarations flattens included types and the type's own declarations,
// preserving order. Later declarations win on key collisions.
func (t *Type) Declarations() []PropertyDecl {
	var all []PropertyDecl
	for _, inc := range t.includes {
		all = append(all, inc.Declarations()...)
	}
	all = append(all, t.decls...)

	seen := make(map[string]int, len(all))
	out := all[:0]
	for _, d := range all {
		if i, ok := seen[d.Key]; ok {
			out[i] = d
			continue
		}
		seen[d.Key] = len(out)
		out = append(out, d)
	}
	return out
}

// Check validates an entity against the type: every required property
// must be present and every declared property that is present must carry
// the declared kind.
func (t *Type) Check(e *Entity) error {
	for _, d := range t.Declarations() {
		v, ok := e.Property(d.Key)
		if !ok {
			if d.Required {
				return fmt.Errorf("entity %q misses required property %q", e.ID(), d.Key)
			}
			continue
		}
		if v.Kind() != d.Kind {
			return fmt.Errorf("entity %q property %q has kind %s, want %s",
				e.ID(), d.Key, v.Kind(), d.Kind)
		}
	}
	return nil
}
