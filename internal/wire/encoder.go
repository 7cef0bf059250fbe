package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"statehub/internal/entity"
)

// Field numbers of the top-level diff message.
const (
	fieldSender     = 1
	fieldStringDecl = 2
	fieldCreated    = 3
	fieldUpdated    = 4
	fieldRemoved    = 5
	fieldTypeDecl   = 6
)

// Field numbers of nested messages.
const (
	entID   = 1
	entType = 2
	entProp = 3
	entConn = 4

	propKey       = 1
	propKind      = 2
	propDouble    = 3
	propInt       = 4
	propBool      = 5
	propString    = 6
	propTimestamp = 7
	propLocation  = 8

	locX = 1
	locY = 2
	locZ = 3

	declKey   = 1
	declValue = 2

	typeName     = 1
	typeDesc     = 2
	typePropDecl = 3

	tpdKey      = 1
	tpdKind     = 2
	tpdRequired = 3
)

// Encoder turns diffs into binary frames. It owns one side of a string
// dictionary: the first time a literal string is encoded it gets the next
// integer key and a declaration is embedded in the frame; subsequent
// frames reference the key alone. Key 0 is the empty string and is never
// declared. Encoders are stateful and bound to one stream (one peer or
// one snapshot log); they are not safe for concurrent use.
type Encoder struct {
	dict    map[string]uint64
	next    uint64
	pending []StringDecl
}

func NewEncoder() *Encoder {
	return &Encoder{
		dict: map[string]uint64{"": 0},
		next: 1,
	}
}

// Preload seeds the dictionary with persisted declarations. The next
// allocated key follows the highest preloaded one.
func (enc *Encoder) Preload(decls []StringDecl) {
	for _, d := range decls {
		enc.dict[d.Value] = d.Key
		if d.Key >= enc.next {
			enc.next = d.Key + 1
		}
	}
}

// Lookup returns the dictionary key of a previously encoded string.
func (enc *Encoder) Lookup(s string) (uint64, bool) {
	key, ok := enc.dict[s]
	return key, ok
}

func (enc *Encoder) ref(s string) uint64 {
	if key, ok := enc.dict[s]; ok {
		return key
	}
	key := enc.next
	enc.next++
	enc.dict[s] = key
	enc.pending = append(enc.pending, StringDecl{Key: key, Value: s})
	return key
}

// Encode produces one binary frame carrying the diff, the sender label
// and any string declarations the frame introduced.
func (enc *Encoder) Encode(d Diff, sender string) []byte {
	payload, decls := enc.EncodeDetached(d, sender)
	var buf []byte
	for _, decl := range decls {
		buf = appendStringDecl(buf, decl)
	}
	return append(buf, payload...)
}

// EncodeDetached produces the frame body and the new string declarations
// separately, leaving the body free of declarations. The snapshot store
// persists declarations in its own table and must not duplicate them in
// every stored payload.
func (enc *Encoder) EncodeDetached(d Diff, sender string) ([]byte, []StringDecl) {
	enc.pending = nil

	var buf []byte
	buf = protowire.AppendTag(buf, fieldSender, protowire.VarintType)
	buf = protowire.AppendVarint(buf, enc.ref(sender))
	for _, t := range d.Types {
		buf = protowire.AppendTag(buf, fieldTypeDecl, protowire.BytesType)
		buf = protowire.AppendBytes(buf, enc.appendType(t))
	}
	for _, e := range d.Created {
		buf = protowire.AppendTag(buf, fieldCreated, protowire.BytesType)
		buf = protowire.AppendBytes(buf, enc.appendEntity(e))
	}
	for _, e := range d.Updated {
		buf = protowire.AppendTag(buf, fieldUpdated, protowire.BytesType)
		buf = protowire.AppendBytes(buf, enc.appendEntity(e))
	}
	for _, id := range d.Removed {
		buf = protowire.AppendTag(buf, fieldRemoved, protowire.VarintType)
		buf = protowire.AppendVarint(buf, enc.ref(id))
	}

	decls := enc.pending
	enc.pending = nil
	return buf, decls
}

func appendStringDecl(buf []byte, decl StringDecl) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, declKey, protowire.VarintType)
	msg = protowire.AppendVarint(msg, decl.Key)
	msg = protowire.AppendTag(msg, declValue, protowire.BytesType)
	msg = protowire.AppendString(msg, decl.Value)

	buf = protowire.AppendTag(buf, fieldStringDecl, protowire.BytesType)
	return protowire.AppendBytes(buf, msg)
}

func (enc *Encoder) appendEntity(e *entity.Entity) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, entID, protowire.VarintType)
	msg = protowire.AppendVarint(msg, enc.ref(e.ID()))
	msg = protowire.AppendTag(msg, entType, protowire.VarintType)
	msg = protowire.AppendVarint(msg, enc.ref(e.TypeName()))
	for _, key := range e.PropertyKeys() {
		v, _ := e.Property(key)
		msg = protowire.AppendTag(msg, entProp, protowire.BytesType)
		msg = protowire.AppendBytes(msg, enc.appendProperty(key, v))
	}
	for _, id := range e.Connections() {
		msg = protowire.AppendTag(msg, entConn, protowire.VarintType)
		msg = protowire.AppendVarint(msg, enc.ref(id))
	}
	return msg
}

func (enc *Encoder) appendProperty(key string, v entity.Value) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, propKey, protowire.VarintType)
	msg = protowire.AppendVarint(msg, enc.ref(key))
	msg = protowire.AppendTag(msg, propKind, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(v.Kind()))

	switch val := v.(type) {
	case entity.Double:
		msg = protowire.AppendTag(msg, propDouble, protowire.Fixed64Type)
		msg = protowire.AppendFixed64(msg, math.Float64bits(float64(val)))
	case entity.Int:
		msg = protowire.AppendTag(msg, propInt, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(int64(val)))
	case entity.Bool:
		msg = protowire.AppendTag(msg, propBool, protowire.VarintType)
		if val {
			msg = protowire.AppendVarint(msg, 1)
		} else {
			msg = protowire.AppendVarint(msg, 0)
		}
	case entity.String:
		msg = protowire.AppendTag(msg, propString, protowire.VarintType)
		msg = protowire.AppendVarint(msg, enc.ref(string(val)))
	case entity.Timestamp:
		msg = protowire.AppendTag(msg, propTimestamp, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(int64(val)))
	case entity.Location:
		var loc []byte
		loc = protowire.AppendTag(loc, locX, protowire.Fixed64Type)
		loc = protowire.AppendFixed64(loc, math.Float64bits(val.X))
		loc = protowire.AppendTag(loc, locY, protowire.Fixed64Type)
		loc = protowire.AppendFixed64(loc, math.Float64bits(val.Y))
		if val.HasZ {
			loc = protowire.AppendTag(loc, locZ, protowire.Fixed64Type)
			loc = protowire.AppendFixed64(loc, math.Float64bits(val.Z))
		}
		msg = protowire.AppendTag(msg, propLocation, protowire.BytesType)
		msg = protowire.AppendBytes(msg, loc)
	}
	return msg
}

func (enc *Encoder) appendType(t *entity.Type) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, typeName, protowire.VarintType)
	msg = protowire.AppendVarint(msg, enc.ref(t.Name()))
	msg = protowire.AppendTag(msg, typeDesc, protowire.VarintType)
	msg = protowire.AppendVarint(msg, enc.ref(t.Description()))
	for _, d := range t.Declarations() {
		var pd []byte
		pd = protowire.AppendTag(pd, tpdKey, protowire.VarintType)
		pd = protowire.AppendVarint(pd, enc.ref(d.Key))
		pd = protowire.AppendTag(pd, tpdKind, protowire.VarintType)
		pd = protowire.AppendVarint(pd, uint64(d.Kind))
		pd = protowire.AppendTag(pd, tpdRequired, protowire.VarintType)
		var req uint64
		if d.Required {
			req = 1
		}
		pd = protowire.AppendVarint(pd, req)

		msg = protowire.AppendTag(msg, typePropDecl, protowire.BytesType)
		msg = protowire.AppendBytes(msg, pd)
	}
	return msg
}
