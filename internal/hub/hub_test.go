package hub

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"statehub/internal/access"
	"statehub/internal/entity"
	"statehub/internal/wire"
)

// clientConn fakes the remote end of a session: it decodes binary frames
// through a stateful decoder as the writer goroutine emits them, in
// order, exactly like a connected peer would.
type clientConn struct {
	mu     sync.Mutex
	dec    *wire.Decoder
	diffs  []receivedDiff
	texts  []string
	closed bool
}

type receivedDiff struct {
	diff   wire.Diff
	sender string
}

func newClientConn() *clientConn {
	return &clientConn{dec: wire.NewDecoder()}
}

func (c *clientConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.BinaryMessage:
		d, sender, err := c.dec.Decode(data)
		if err != nil {
			return err
		}
		c.diffs = append(c.diffs, receivedDiff{diff: d, sender: sender})
	case websocket.TextMessage:
		c.texts = append(c.texts, string(data))
	}
	return nil
}

func (c *clientConn) SetWriteDeadline(time.Time) error { return nil }

func (c *clientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *clientConn) diffCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.diffs)
}

func (c *clientConn) textCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func (c *clientConn) diffAt(i int) receivedDiff {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diffs[i]
}

func (c *clientConn) textAt(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.texts[i]
}

func (c *clientConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitDiffs(t *testing.T, c *clientConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.diffCount() >= n },
		2*time.Second, 5*time.Millisecond)
}

func waitTexts(t *testing.T, c *clientConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.textCount() >= n },
		2*time.Second, 5*time.Millisecond)
}

func openGate(t *testing.T) *access.Gate {
	t.Helper()
	gate, err := access.NewGate(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	return gate
}

func newTestOptions(t *testing.T, clock clockwork.Clock) ChannelOptions {
	t.Helper()
	return ChannelOptions{
		DataDir:          t.TempDir(),
		Gate:             openGate(t),
		Clock:            clock,
		SnapshotInterval: time.Hour,
	}
}

func newTestChannel(t *testing.T) (*Channel, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1000))
	ch, err := NewChannel("/test", "test", "", clock.Now(), newTestOptions(t, clock))
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch, clock
}

func vehicle(id string, speed int64) *entity.Entity {
	e := entity.New(id, nil)
	e.SetProperty("speed", entity.Int(speed))
	return e
}

func encodeCreation(enc *wire.Encoder, sender, id string, speed int64) []byte {
	return enc.Encode(wire.Diff{Created: []*entity.Entity{vehicle(id, speed)}}, sender)
}

func entityIDs(entities []*entity.Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID())
	}
	return ids
}
