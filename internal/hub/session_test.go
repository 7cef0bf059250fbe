package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statehub/internal/wire"
)

func TestReadonlySessionCannotSend(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadOnly, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	enc := wire.NewEncoder()
	s.HandleBinary(encodeCreation(enc, "alice", "car-1", 50))

	waitTexts(t, conn, 1)
	assert.Equal(t, "error: readonly connection", conn.textAt(0))

	ch.mu.Lock()
	assert.Nil(t, ch.live.Get("car-1"))
	ch.mu.Unlock()
}

func TestPausedSessionCannotSend(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	s.HandleText("pause")
	waitTexts(t, conn, 1)
	assert.Equal(t, "pause", conn.textAt(0))

	enc := wire.NewEncoder()
	s.HandleBinary(encodeCreation(enc, "alice", "car-1", 50))
	waitTexts(t, conn, 2)
	assert.Equal(t, "error: past situation cannot be edited", conn.textAt(1))
}

func TestUndefinedSenderFrameIsDiscarded(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn, peer := newClientConn(), newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)
	sp, err := ch.Attach(peer, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(sp)
	waitDiffs(t, peer, 1)

	enc := wire.NewEncoder()
	s.HandleBinary(encodeCreation(enc, "undefined", "car-1", 50))

	ch.mu.Lock()
	assert.Nil(t, ch.live.Get("car-1"))
	ch.mu.Unlock()

	// no error text, no fan-out
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.textCount())
	assert.Equal(t, 1, peer.diffCount())
}

func TestMalformedFrameIsRejected(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	s.HandleBinary([]byte{0xff, 0xff, 0xff})

	waitTexts(t, conn, 1)
	assert.Contains(t, conn.textAt(0), "error:")
}

func TestPauseFreezesViewAndResumeCatchesUp(t *testing.T) {
	ch, _ := newTestChannel(t)

	viewer, writer := newClientConn(), newClientConn()
	sv, err := ch.Attach(viewer, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(sv)
	sw, err := ch.Attach(writer, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(sw)
	waitDiffs(t, viewer, 1)

	enc := wire.NewEncoder()
	sw.HandleBinary(encodeCreation(enc, "alice", "car-1", 50))
	waitDiffs(t, viewer, 2)

	sv.HandleText("pause")
	waitTexts(t, viewer, 1)
	assert.Equal(t, "pause", viewer.textAt(0))

	// a creation while paused is withheld from the frozen view
	sw.HandleBinary(encodeCreation(enc, "alice", "car-2", 80))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, viewer.diffCount())

	sv.HandleText("live")
	waitTexts(t, viewer, 2)
	assert.Equal(t, "live", viewer.textAt(1))

	// the catch-up diff precedes the ack and carries the missed creation
	waitDiffs(t, viewer, 3)
	got := viewer.diffAt(2)
	assert.Equal(t, "recorder", got.sender)
	assert.Equal(t, []string{"car-2"}, entityIDs(got.diff.Created))
}

func TestResumeWithoutPauseStillAcks(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	s.HandleText("live")
	waitTexts(t, conn, 1)
	assert.Equal(t, "live", conn.textAt(0))
}

func TestLoadRewindsThePrivateView(t *testing.T) {
	ch, clock := newTestChannel(t)

	ch.mu.Lock()
	ch.live.Register(vehicle("car-1", 50), "alice")
	require.NoError(t, ch.snapshots.Save())
	ch.mu.Unlock()

	clock.Advance(time.Minute)
	ch.mu.Lock()
	ch.live.Register(vehicle("car-1", 60), "alice")
	ch.mu.Unlock()

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)
	waitDiffs(t, conn, 1)

	s.HandleText("load 1000")

	// private rewind, the shared live state is untouched
	waitDiffs(t, conn, 2)
	got := conn.diffAt(1)
	assert.Equal(t, "recorder", got.sender)
	assert.Equal(t, []string{"car-1"}, entityIDs(got.diff.Updated))

	ch.mu.Lock()
	speed, ok := ch.live.Get("car-1").Property("speed")
	ch.mu.Unlock()
	require.True(t, ok)
	assert.EqualValues(t, 60, speed)

	// resuming reconciles back to the live present
	s.HandleText("live")
	waitDiffs(t, conn, 3)
	back := conn.diffAt(2)
	assert.Equal(t, "recorder", back.sender)
	assert.Equal(t, []string{"car-1"}, entityIDs(back.diff.Updated))
	waitTexts(t, conn, 1)
	assert.Equal(t, "live", conn.textAt(0))
}

func TestLoadWithUnparsableTimestamp(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	s.HandleText("load next tuesday")
	waitTexts(t, conn, 1)
	assert.Equal(t, "error: unable to parse the timestamp", conn.textAt(0))
}

func TestLoadOnEmptyLog(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	s.HandleText("load 1000")
	waitTexts(t, conn, 1)
	assert.Equal(t, "error: no result found", conn.textAt(0))
}

func TestUnknownInstruction(t *testing.T) {
	ch, _ := newTestChannel(t)

	conn := newClientConn()
	s, err := ch.Attach(conn, IntentReadWrite, "")
	require.NoError(t, err)
	defer ch.Detach(s)

	s.HandleText("teleport")
	waitTexts(t, conn, 1)
	assert.Equal(t, "error: instruction unknown", conn.textAt(0))
}

func TestParseTimestamp(t *testing.T) {
	ms, err := parseTimestamp("1700000000000")
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000000, ms)

	ms, err = parseTimestamp("2023-11-14T22:13:20Z")
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000000, ms)

	ms, err = parseTimestamp("2023-11-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC).UnixMilli(), ms)

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
}
