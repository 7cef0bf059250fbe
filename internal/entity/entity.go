package entity

import "sort"

// Entity is an identified, typed, mutable record with properties and
// directed connections to other entities. The ID never changes and is
// unique within a store.
type Entity struct {
	id    string
	typ   *Type
	props map[string]Value
	conns map[string]struct{}
}

func New(id string, typ *Type) *Entity {
	return &Entity{
		id:    id,
		typ:   typ,
		props: make(map[string]Value),
		conns: make(map[string]struct{}),
	}
}

func (e *Entity) ID() string { return e.id }

// Type returns the entity's type, or nil for untyped entities.
func (e *Entity) Type() *Type { return e.typ }

func (e *Entity) SetProperty(key string, v Value) {
	e.props[key] = v
}

func (e *Entity) Property(key string) (Value, bool) {
	v, ok := e.props[key]
	return v, ok
}

// PropertyKeys returns the property keys in sorted order.
func (e *Entity) PropertyKeys() []string {
	keys := make([]string, 0, len(e.props))
	for k := range e.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Entity) Connect(id string) {
	e.conns[id] = struct{}{}
}

func (e *Entity) Disconnect(id string) {
	delete(e.conns, id)
}

func (e *Entity) ConnectedTo(id string) bool {
	_, ok := e.conns[id]
	return ok
}

// Connections returns the connected entity IDs in sorted order.
func (e *Entity) Connections() []string {
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether two entities carry the same identity, type name,
// properties and connections.
func (e *Entity) Equal(other *Entity) bool {
	if other == nil || e.id != other.id {
		return false
	}
	if e.TypeName() != other.TypeName() {
		return false
	}
	if len(e.props) != len(other.props) || len(e.conns) != len(other.conns) {
		return false
	}
	for k, v := range e.props {
		ov, ok := other.props[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	for id := range e.conns {
		if _, ok := other.conns[id]; !ok {
			return false
		}
	}
	return true
}

// TypeName returns the type name or "" for untyped entities.
func (e *Entity) TypeName() string {
	if e.typ == nil {
		return ""
	}
	return e.typ.Name()
}
