// Package wire implements the compact binary diff format exchanged over
// channel sockets and persisted by the snapshot store. Messages use the
// protobuf wire encoding (protowire) with a stateful string-interning
// dictionary: each encoder allocates small integer keys for literal
// strings and declares new keys inline, and the peer decoder accumulates
// those declarations for the lifetime of the stream.
package wire

import "statehub/internal/entity"

// Diff is the net effect of one transaction: creations, updates, removals
// and type declarations.
type Diff struct {
	Created []*entity.Entity
	Updated []*entity.Entity
	Removed []string
	Types   []*entity.Type
}

// Empty reports whether the diff carries no change at all.
func (d Diff) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 &&
		len(d.Removed) == 0 && len(d.Types) == 0
}

// WithoutMembership returns a copy stripped of creation and removal
// entries. Property updates and type declarations pass through. Recipients
// with a stale or partial view must not learn about entities they cannot
// safely reconstruct.
func (d Diff) WithoutMembership() Diff {
	return Diff{Updated: d.Updated, Types: d.Types}
}

// StringDecl maps one literal string to its dictionary key.
type StringDecl struct {
	Key   uint64
	Value string
}

// ChangeObserver aggregates store notifications into the net diff since
// the last drain. It implements entity.Observer.
type ChangeObserver struct {
	created map[string]*entity.Entity
	updated map[string]*entity.Entity
	removed map[string]*entity.Entity
	types   map[string]*entity.Type
	order   []string
	typeOrd []string
}

func NewChangeObserver() *ChangeObserver {
	o := &ChangeObserver{}
	o.Reset()
	return o
}

func (o *ChangeObserver) Observe(c entity.Change) {
	switch c.Op {
	case entity.OpCreated:
		id := c.Entity.ID()
		if _, ok := o.removed[id]; ok {
			// Removed and re-created in the same window: recipients
			// that dropped it need a fresh creation.
			delete(o.removed, id)
		}
		o.track(id)
		o.created[id] = c.Entity
	case entity.OpUpdated:
		id := c.Entity.ID()
		if _, ok := o.created[id]; ok {
			o.created[id] = c.Entity
			return
		}
		o.track(id)
		o.updated[id] = c.Entity
	case entity.OpRemoved:
		id := c.Entity.ID()
		if _, ok := o.created[id]; ok {
			// Created and removed in the same window cancel out.
			delete(o.created, id)
			return
		}
		delete(o.updated, id)
		o.track(id)
		o.removed[id] = c.Entity
	case entity.OpTypeDefined:
		name := c.Type.Name()
		if _, ok := o.types[name]; !ok {
			o.typeOrd = append(o.typeOrd, name)
		}
		o.types[name] = c.Type
	}
}

func (o *ChangeObserver) track(id string) {
	if _, ok := o.created[id]; ok {
		return
	}
	if _, ok := o.updated[id]; ok {
		return
	}
	if _, ok := o.removed[id]; ok {
		return
	}
	o.order = append(o.order, id)
}

// Changed reports whether anything accumulated since the last drain.
func (o *ChangeObserver) Changed() bool {
	return len(o.created) > 0 || len(o.updated) > 0 ||
		len(o.removed) > 0 || len(o.types) > 0
}

// Drain returns the accumulated diff and resets the observer.
func (o *ChangeObserver) Drain() Diff {
	var d Diff
	for _, name := range o.typeOrd {
		d.Types = append(d.Types, o.types[name])
	}
	for _, id := range o.order {
		if e, ok := o.created[id]; ok {
			d.Created = append(d.Created, e)
		} else if e, ok := o.updated[id]; ok {
			d.Updated = append(d.Updated, e)
		} else if _, ok := o.removed[id]; ok {
			d.Removed = append(d.Removed, id)
		}
	}
	o.Reset()
	return d
}

func (o *ChangeObserver) Reset() {
	o.created = make(map[string]*entity.Entity)
	o.updated = make(map[string]*entity.Entity)
	o.removed = make(map[string]*entity.Entity)
	o.types = make(map[string]*entity.Type)
	o.order = nil
	o.typeOrd = nil
}
