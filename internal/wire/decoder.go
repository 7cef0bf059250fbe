package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"statehub/internal/entity"
)

// ErrBadFrame is returned for frames that do not parse as a diff message.
var ErrBadFrame = errors.New("wire: malformed frame")

// Decoder is the receiving end of an encoder stream. It accumulates the
// peer's string declarations for the lifetime of the stream and resolves
// integer keys back to literal strings. Not safe for concurrent use.
type Decoder struct {
	dict map[uint64]string
}

func NewDecoder() *Decoder {
	return &Decoder{dict: map[uint64]string{0: ""}}
}

// Preload seeds the dictionary with persisted declarations.
func (dec *Decoder) Preload(decls []StringDecl) {
	for _, d := range decls {
		dec.dict[d.Key] = d.Value
	}
}

func (dec *Decoder) resolve(key uint64) (string, error) {
	s, ok := dec.dict[key]
	if !ok {
		return "", fmt.Errorf("%w: undeclared string key %d", ErrBadFrame, key)
	}
	return s, nil
}

// Decode parses one frame into a diff and the sender label. Declarations
// embedded in the frame are learned before any reference is resolved.
func (dec *Decoder) Decode(data []byte) (Diff, string, error) {
	if err := dec.learnDecls(data); err != nil {
		return Diff{}, "", err
	}

	var (
		d      Diff
		sender string
	)
	err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case fieldSender:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			sender = s
		case fieldCreated, fieldUpdated:
			e, err := dec.decodeEntity(val, &d)
			if err != nil {
				return err
			}
			if num == fieldCreated {
				d.Created = append(d.Created, e)
			} else {
				d.Updated = append(d.Updated, e)
			}
		case fieldRemoved:
			id, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			d.Removed = append(d.Removed, id)
		case fieldTypeDecl:
			t, err := dec.decodeType(val)
			if err != nil {
				return err
			}
			d.Types = append(d.Types, t)
		}
		return nil
	})
	if err != nil {
		return Diff{}, "", err
	}
	return d, sender, nil
}

// Apply decodes one frame and applies it to the store, attributing every
// resulting change to the decoded sender. In strict mode the whole frame
// is validated against declared types before anything is applied, so a
// rejected frame mutates nothing.
func (dec *Decoder) Apply(data []byte, store *entity.Store, strict bool) (string, error) {
	d, sender, err := dec.Decode(data)
	if err != nil {
		return "", err
	}
	if err := dec.ApplyDiff(d, store, sender, strict); err != nil {
		return sender, err
	}
	return sender, nil
}

// ApplyDiff applies an already decoded diff to the store with the given
// provenance. Callers that must inspect the sender before mutating
// anything decode first and apply separately.
func (dec *Decoder) ApplyDiff(d Diff, store *entity.Store, sender string, strict bool) error {
	if strict {
		if err := dec.validate(d, store); err != nil {
			return err
		}
	}

	for _, t := range d.Types {
		store.DefineType(t, sender)
	}
	for _, e := range append(append([]*entity.Entity{}, d.Created...), d.Updated...) {
		// Resolve the type against the store so later frames referencing
		// the name by itself attach to the registered declaration.
		if name := e.TypeName(); name != "" {
			if known := store.GetType(name); known != nil && known != e.Type() {
				e = rebindType(e, known)
			}
		}
		store.Register(e, sender)
	}
	for _, id := range d.Removed {
		if held := store.Get(id); held != nil {
			store.Remove(held, sender)
		}
	}
	return nil
}

func (dec *Decoder) validate(d Diff, store *entity.Store) error {
	declared := make(map[string]*entity.Type)
	for _, t := range d.Types {
		declared[t.Name()] = t
	}
	lookup := func(name string) *entity.Type {
		if t, ok := declared[name]; ok {
			return t
		}
		return store.GetType(name)
	}
	for _, e := range append(append([]*entity.Entity{}, d.Created...), d.Updated...) {
		name := e.TypeName()
		if name == "" {
			continue
		}
		t := lookup(name)
		if t == nil {
			return fmt.Errorf("%w: entity %q references undeclared type %q", ErrBadFrame, e.ID(), name)
		}
		if err := t.Check(e); err != nil {
			return fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	}
	return nil
}

func rebindType(e *entity.Entity, t *entity.Type) *entity.Entity {
	out := entity.New(e.ID(), t)
	for _, key := range e.PropertyKeys() {
		v, _ := e.Property(key)
		out.SetProperty(key, v)
	}
	for _, id := range e.Connections() {
		out.Connect(id)
	}
	return out
}

func (dec *Decoder) learnDecls(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		if num != fieldStringDecl || typ != protowire.BytesType {
			return nil
		}
		var decl StringDecl
		err := eachField(val, func(n protowire.Number, t protowire.Type, v []byte, uv uint64) error {
			switch n {
			case declKey:
				decl.Key = uv
			case declValue:
				decl.Value = string(v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		dec.dict[decl.Key] = decl.Value
		return nil
	})
}

func (dec *Decoder) decodeEntity(data []byte, d *Diff) (*entity.Entity, error) {
	var (
		id, typeName string
		props        []func(e *entity.Entity)
		conns        []string
	)
	err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case entID:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			id = s
		case entType:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			typeName = s
		case entProp:
			key, value, err := dec.decodeProperty(val)
			if err != nil {
				return err
			}
			props = append(props, func(e *entity.Entity) { e.SetProperty(key, value) })
		case entConn:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			conns = append(conns, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: entity without id", ErrBadFrame)
	}

	var t *entity.Type
	if typeName != "" {
		for _, dt := range d.Types {
			if dt.Name() == typeName {
				t = dt
				break
			}
		}
		if t == nil {
			t = entity.NewType(typeName)
		}
	}
	e := entity.New(id, t)
	for _, set := range props {
		set(e)
	}
	for _, c := range conns {
		e.Connect(c)
	}
	return e, nil
}

func (dec *Decoder) decodeProperty(data []byte) (string, entity.Value, error) {
	var (
		key   string
		value entity.Value
	)
	err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case propKey:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			key = s
		case propDouble:
			value = entity.Double(math.Float64frombits(uval))
		case propInt:
			value = entity.Int(protowire.DecodeZigZag(uval))
		case propBool:
			value = entity.Bool(uval != 0)
		case propString:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			value = entity.String(s)
		case propTimestamp:
			value = entity.Timestamp(protowire.DecodeZigZag(uval))
		case propLocation:
			loc := entity.Location{}
			err := eachField(val, func(n protowire.Number, t protowire.Type, v []byte, uv uint64) error {
				switch n {
				case locX:
					loc.X = math.Float64frombits(uv)
				case locY:
					loc.Y = math.Float64frombits(uv)
				case locZ:
					loc.Z = math.Float64frombits(uv)
					loc.HasZ = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			value = loc
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if key == "" || value == nil {
		return "", nil, fmt.Errorf("%w: property without key or value", ErrBadFrame)
	}
	return key, value, nil
}

func (dec *Decoder) decodeType(data []byte) (*entity.Type, error) {
	var (
		name, desc string
		decls      []entity.PropertyDecl
	)
	err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case typeName:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			name = s
		case typeDesc:
			s, err := dec.resolve(uval)
			if err != nil {
				return err
			}
			desc = s
		case typePropDecl:
			var pd entity.PropertyDecl
			err := eachField(val, func(n protowire.Number, t protowire.Type, v []byte, uv uint64) error {
				switch n {
				case tpdKey:
					s, err := dec.resolve(uv)
					if err != nil {
						return err
					}
					pd.Key = s
				case tpdKind:
					pd.Kind = entity.Kind(uv)
				case tpdRequired:
					pd.Required = uv != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			decls = append(decls, pd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: type without name", ErrBadFrame)
	}
	t := entity.NewType(name)
	t.SetDescription(desc)
	for _, pd := range decls {
		t.DeclareProperty(pd.Key, pd.Kind, pd.Required)
	}
	return t, nil
}

// eachField walks one protowire message, invoking fn per field. Bytes
// fields pass the payload in val; varint and fixed64 fields pass the raw
// value in uval. Unknown wire types are skipped.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		data = data[n:]

		var (
			val  []byte
			uval uint64
		)
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(m))
			}
			uval = v
			data = data[m:]
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(m))
			}
			uval = v
			data = data[m:]
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(m))
			}
			uval = uint64(v)
			data = data[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(m))
			}
			val = v
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}

		if err := fn(num, typ, val, uval); err != nil {
			return err
		}
	}
	return nil
}
