package entity

import "sort"

// Op tags a change notification.
type Op int

const (
	OpCreated Op = iota
	OpUpdated
	OpRemoved
	OpTypeDefined
)

// Change is one store mutation. Entity is nil for OpTypeDefined, Type is
// nil otherwise. Sender carries the provenance of the change, "" for
// local or programmatic changes.
type Change struct {
	Op     Op
	Entity *Entity
	Type   *Type
	Sender string
}

// Observer receives change notifications synchronously, in mutation order.
type Observer interface {
	Observe(Change)
}

// Store is the authoritative set of entities and types for one channel at
// one instant. It is not safe for concurrent use; callers serialize access
// (the hub holds a per-channel lock).
type Store struct {
	entities  map[string]*Entity
	types     map[string]*Type
	observers []Observer
}

func NewStore() *Store {
	return &Store{
		entities: make(map[string]*Entity),
		types:    make(map[string]*Type),
	}
}

func (s *Store) RegisterObserver(o Observer) {
	s.observers = append(s.observers, o)
}

func (s *Store) notify(c Change) {
	for _, o := range s.observers {
		o.Observe(c)
	}
}

// Register inserts or replaces an entity. Registering the exact instance
// already held, or an equal copy of it, produces no notification, so
// reconciling a store onto itself is silent. The entity's type is defined
// on the fly if the store does not know it yet.
func (s *Store) Register(e *Entity, sender string) {
	if e == nil {
		return
	}
	if t := e.Type(); t != nil {
		if _, ok := s.types[t.Name()]; !ok {
			s.DefineType(t, sender)
		}
	}
	existing, ok := s.entities[e.ID()]
	if !ok {
		s.entities[e.ID()] = e
		s.notify(Change{Op: OpCreated, Entity: e, Sender: sender})
		return
	}
	if existing == e || existing.Equal(e) {
		s.entities[e.ID()] = e
		return
	}
	s.entities[e.ID()] = e
	s.notify(Change{Op: OpUpdated, Entity: e, Sender: sender})
}

// RegisterAll registers a collection without attributing provenance.
func (s *Store) RegisterAll(entities []*Entity) {
	for _, e := range entities {
		s.Register(e, "")
	}
}

// Remove deletes an entity by identity. Unknown entities are ignored.
func (s *Store) Remove(e *Entity, sender string) {
	if e == nil {
		return
	}
	held, ok := s.entities[e.ID()]
	if !ok {
		return
	}
	delete(s.entities, e.ID())
	s.notify(Change{Op: OpRemoved, Entity: held, Sender: sender})
}

func (s *Store) Get(id string) *Entity {
	return s.entities[id]
}

// Entities returns all entities ordered by ID.
func (s *Store) Entities() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DefineType registers a type. Redefining a known name is ignored; types
// are immutable once registered.
func (s *Store) DefineType(t *Type, sender string) {
	if t == nil {
		return
	}
	if _, ok := s.types[t.Name()]; ok {
		return
	}
	s.types[t.Name()] = t
	s.notify(Change{Op: OpTypeDefined, Type: t, Sender: sender})
}

func (s *Store) GetType(name string) *Type {
	return s.types[name]
}

// Types returns all registered types ordered by name.
func (s *Store) Types() []*Type {
	out := make([]*Type, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
