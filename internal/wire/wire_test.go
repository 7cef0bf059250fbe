package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statehub/internal/entity"
)

func sampleEntity() *entity.Entity {
	typ := entity.NewType("vehicle")
	typ.SetDescription("a moving thing")
	typ.DeclareProperty("speed", entity.KindDouble, true)
	typ.DeclareProperty("name", entity.KindString, false)

	e := entity.New("car-1", typ)
	e.SetProperty("speed", entity.Double(88.5))
	e.SetProperty("name", entity.String("DeLorean"))
	e.SetProperty("doors", entity.Int(2))
	e.SetProperty("moving", entity.Bool(true))
	e.SetProperty("seen", entity.Timestamp(1445470140000))
	e.SetProperty("position", entity.Location{X: 1.5, Y: -2.25, Z: 12, HasZ: true})
	e.Connect("driver-1")
	return e
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := sampleEntity()
	in := Diff{
		Created: []*entity.Entity{e},
		Removed: []string{"car-0"},
		Types:   []*entity.Type{e.Type()},
	}

	enc := NewEncoder()
	dec := NewDecoder()

	out, sender, err := dec.Decode(enc.Encode(in, "client-a"))
	require.NoError(t, err)
	assert.Equal(t, "client-a", sender)

	require.Len(t, out.Created, 1)
	got := out.Created[0]
	assert.True(t, e.Equal(got), "decoded entity differs from the original")
	assert.Equal(t, []string{"car-0"}, out.Removed)

	require.Len(t, out.Types, 1)
	typ := out.Types[0]
	assert.Equal(t, "vehicle", typ.Name())
	assert.Equal(t, "a moving thing", typ.Description())
	decls := typ.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "speed", decls[0].Key)
	assert.True(t, decls[0].Required)
}

func TestDictionaryPersistsAcrossFrames(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	e := entity.New("car-1", nil)
	e.SetProperty("name", entity.String("DeLorean"))

	first := enc.Encode(Diff{Created: []*entity.Entity{e}}, "client-a")
	_, _, err := dec.Decode(first)
	require.NoError(t, err)

	// The second frame references every string by key alone; it must
	// be smaller and still decode against the accumulated dictionary.
	second := enc.Encode(Diff{Updated: []*entity.Entity{e}}, "client-a")
	assert.Less(t, len(second), len(first))

	out, sender, err := dec.Decode(second)
	require.NoError(t, err)
	assert.Equal(t, "client-a", sender)
	require.Len(t, out.Updated, 1)
	assert.True(t, e.Equal(out.Updated[0]))
}

func TestEncodeDetachedKeepsPayloadFreeOfDeclarations(t *testing.T) {
	enc := NewEncoder()
	e := entity.New("car-1", nil)
	e.SetProperty("name", entity.String("DeLorean"))

	payload, decls := enc.EncodeDetached(Diff{Created: []*entity.Entity{e}}, "saver")
	require.NotEmpty(t, decls)

	// Without preloading the declarations, the payload is undecodable.
	_, _, err := NewDecoder().Decode(payload)
	require.ErrorIs(t, err, ErrBadFrame)

	dec := NewDecoder()
	dec.Preload(decls)
	out, sender, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "saver", sender)
	require.Len(t, out.Created, 1)
	assert.True(t, e.Equal(out.Created[0]))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := NewDecoder().Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestApplyAttributesProvenance(t *testing.T) {
	store := entity.NewStore()
	obs := NewChangeObserver()
	store.RegisterObserver(obs)

	enc := NewEncoder()
	e := sampleEntity()
	data := enc.Encode(Diff{Created: []*entity.Entity{e}, Types: []*entity.Type{e.Type()}}, "client-a")

	sender, err := NewDecoder().Apply(data, store, false)
	require.NoError(t, err)
	assert.Equal(t, "client-a", sender)
	require.NotNil(t, store.Get("car-1"))
	assert.True(t, obs.Changed())
}

func TestApplyStrictRejectsMissingRequiredProperty(t *testing.T) {
	typ := entity.NewType("vehicle")
	typ.DeclareProperty("speed", entity.KindDouble, true)
	e := entity.New("car-1", typ)

	enc := NewEncoder()
	data := enc.Encode(Diff{Created: []*entity.Entity{e}, Types: []*entity.Type{typ}}, "client-a")

	store := entity.NewStore()
	_, err := NewDecoder().Apply(data, store, true)
	require.ErrorIs(t, err, ErrBadFrame)
	assert.Nil(t, store.Get("car-1"), "strict rejection must not mutate the store")
	assert.Nil(t, store.GetType("vehicle"))
}

func TestApplyRemovals(t *testing.T) {
	store := entity.NewStore()
	store.Register(entity.New("car-1", nil), "")

	enc := NewEncoder()
	data := enc.Encode(Diff{Removed: []string{"car-1", "unknown"}}, "client-a")

	_, err := NewDecoder().Apply(data, store, false)
	require.NoError(t, err)
	assert.Nil(t, store.Get("car-1"))
}

func TestChangeObserverNetEffect(t *testing.T) {
	store := entity.NewStore()
	obs := NewChangeObserver()
	store.RegisterObserver(obs)

	a := entity.New("a", nil)
	store.Register(a, "x")
	updated := entity.New("a", nil)
	updated.SetProperty("v", entity.Int(1))
	store.Register(updated, "x")

	d := obs.Drain()
	require.Len(t, d.Created, 1, "create then update collapses to one creation")
	assert.Empty(t, d.Updated)
	assert.False(t, obs.Changed(), "drain resets the observer")
}

func TestChangeObserverCreateRemoveCancels(t *testing.T) {
	store := entity.NewStore()
	obs := NewChangeObserver()
	store.RegisterObserver(obs)

	a := entity.New("a", nil)
	store.Register(a, "x")
	store.Remove(a, "x")

	d := obs.Drain()
	assert.True(t, d.Empty())
}

func TestChangeObserverRemoveExisting(t *testing.T) {
	store := entity.NewStore()
	a := entity.New("a", nil)
	store.Register(a, "")

	obs := NewChangeObserver()
	store.RegisterObserver(obs)
	store.Remove(a, "x")

	d := obs.Drain()
	assert.Equal(t, []string{"a"}, d.Removed)
}

func TestWithoutMembership(t *testing.T) {
	e := entity.New("a", nil)
	d := Diff{
		Created: []*entity.Entity{e},
		Updated: []*entity.Entity{e},
		Removed: []string{"b"},
		Types:   []*entity.Type{entity.NewType("t")},
	}

	filtered := d.WithoutMembership()
	assert.Empty(t, filtered.Created)
	assert.Empty(t, filtered.Removed)
	assert.Len(t, filtered.Updated, 1)
	assert.Len(t, filtered.Types, 1)
}
