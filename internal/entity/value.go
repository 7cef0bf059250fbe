package entity

// Kind identifies the concrete type of a property value.
type Kind int

const (
	KindDouble Kind = iota + 1
	KindInt
	KindBool
	KindString
	KindTimestamp
	KindLocation
)

func (k Kind) String() string {
	switch k {
	case KindDouble:
		return "double"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindLocation:
		return "location"
	default:
		return "unknown"
	}
}

// Value is a typed property value attached to an entity.
type Value interface {
	Kind() Kind
	Equal(other Value) bool
}

type Double float64

func (Double) Kind() Kind { return KindDouble }

func (v Double) Equal(other Value) bool {
	o, ok := other.(Double)
	return ok && v == o
}

type Int int64

func (Int) Kind() Kind { return KindInt }

func (v Int) Equal(other Value) bool {
	o, ok := other.(Int)
	return ok && v == o
}

type Bool bool

func (Bool) Kind() Kind { return KindBool }

func (v Bool) Equal(other Value) bool {
	o, ok := other.(Bool)
	return ok && v == o
}

type String string

func (String) Kind() Kind { return KindString }

func (v String) Equal(other Value) bool {
	o, ok := other.(String)
	return ok && v == o
}

// Timestamp is an instant in milliseconds since the Unix epoch.
type Timestamp int64

func (Timestamp) Kind() Kind { return KindTimestamp }

func (v Timestamp) Equal(other Value) bool {
	o, ok := other.(Timestamp)
	return ok && v == o
}

// Location is a 2- or 3-component position. HasZ reports whether the
// third component is meaningful.
type Location struct {
	X, Y, Z float64
	HasZ    bool
}

func (Location) Kind() Kind { return KindLocation }

func (v Location) Equal(other Value) bool {
	o, ok := other.(Location)
	return ok && v == o
}
