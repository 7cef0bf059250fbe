package hub

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1000))
	file := filepath.Join(t.TempDir(), "channels.json")
	r := NewRegistry(file, newTestOptions(t, clock))
	t.Cleanup(func() { r.Close() })
	return r, clock
}

func TestRegistryCreateIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Create("/fleet", "fleet", "the fleet")
	require.NoError(t, err)
	second, err := r.Create("/fleet", "fleet v2", "updated")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "fleet v2", second.Describe().Name)
	assert.Equal(t, "updated", second.Describe().Description)
}

func TestRegistryDeleteRefusesRoot(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create(RootEndpoint, "root", "")
	require.NoError(t, err)

	assert.False(t, r.Delete(RootEndpoint))
	assert.False(t, r.Delete("/unknown"))
}

func TestRegistryDeleteHidesButKeepsServing(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create("/a", "a", "")
	require.NoError(t, err)
	_, err = r.Create("/b", "b", "")
	require.NoError(t, err)

	require.True(t, r.Delete("/a"))

	endpoints := make([]string, 0)
	for _, ch := range r.List() {
		endpoints = append(endpoints, ch.Endpoint())
	}
	assert.Equal(t, []string{"/b"}, endpoints)

	// lookups still resolve, open sessions keep working
	deleted := r.Get("/a")
	require.NotNil(t, deleted)
	assert.True(t, deleted.isDeleted())

	conn := newClientConn()
	s, err := deleted.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	deleted.Detach(s)
}

func TestRegistryRecreateRevivesDeletedChannel(t *testing.T) {
	r, _ := newTestRegistry(t)
	orig, err := r.Create("/a", "a", "")
	require.NoError(t, err)
	require.True(t, r.Delete("/a"))

	revived, err := r.Create("/a", "a again", "")
	require.NoError(t, err)
	assert.Same(t, orig, revived)
	assert.False(t, revived.isDeleted())
	assert.Len(t, r.List(), 1)
}

func TestRegistryListSortedByEndpoint(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, endpoint := range []string{"/c", "/a", "/b"} {
		_, err := r.Create(endpoint, endpoint, "")
		require.NoError(t, err)
	}

	endpoints := make([]string, 0)
	for _, ch := range r.List() {
		endpoints = append(endpoints, ch.Endpoint())
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, endpoints)
}

func TestRegistryPersistAndReload(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1000))
	opts := newTestOptions(t, clock)
	file := filepath.Join(t.TempDir(), "channels.json")

	first := NewRegistry(file, opts)
	created, err := first.Create("/fleet", "fleet", "the fleet")
	require.NoError(t, err)
	createdAt := created.CreatedAt()
	_, err = first.Create("/depot", "depot", "")
	require.NoError(t, err)
	require.True(t, first.Delete("/depot"))
	require.NoError(t, first.Close())

	second := NewRegistry(file, newTestOptions(t, clockwork.NewFakeClockAt(time.UnixMilli(99999))))
	require.NoError(t, second.LoadFromPersisted())
	t.Cleanup(func() { second.Close() })

	// deleted channels were not persisted
	assert.Nil(t, second.Get("/depot"))

	fleet := second.Get("/fleet")
	require.NotNil(t, fleet)
	d := fleet.Describe()
	assert.Equal(t, "fleet", d.Name)
	assert.Equal(t, "the fleet", d.Description)
	assert.True(t, d.CreationDate.Equal(createdAt), "creation date survives restarts")
}

func TestRegistryLoadFromMissingFile(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.LoadFromPersisted())
	assert.Empty(t, r.List())
}
