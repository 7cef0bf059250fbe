package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline   = 5 * time.Second
	frameBufferSize = 16
)

// Conn is the transport a session writes to. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	binary bool
	data   []byte
}

// frameWriter serializes socket writes on a dedicated goroutine so a slow
// or backpressured peer never blocks the channel lock holder. The queue
// is bounded; the session evicts the peer when it overflows.
type frameWriter struct {
	conn     Conn
	clock    clockwork.Clock
	sendCh   chan frame
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newFrameWriter(conn Conn, clock clockwork.Clock) *frameWriter {
	fw := &frameWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan frame, frameBufferSize),
		doneCh: make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.run()
	return fw
}

func (fw *frameWriter) run() {
	defer fw.wg.Done()
	for {
		select {
		case f, ok := <-fw.sendCh:
			if !ok {
				return
			}
			_ = fw.conn.SetWriteDeadline(fw.clock.Now().Add(writeDeadline))
			messageType := websocket.TextMessage
			if f.binary {
				messageType = websocket.BinaryMessage
			}
			if err := fw.conn.WriteMessage(messageType, f.data); err != nil {
				return
			}
		case <-fw.doneCh:
			return
		}
	}
}

// trySend queues a frame without blocking. Returns false when the queue
// is full.
func (fw *frameWriter) trySend(f frame) bool {
	select {
	case fw.sendCh <- f:
		return true
	default:
		return false
	}
}

func (fw *frameWriter) stop() {
	fw.stopOnce.Do(func() {
		close(fw.doneCh)
		_ = fw.conn.Close()
	})
	fw.wg.Wait()
}

// stopGraceful sends a close frame with a reason before closing.
func (fw *frameWriter) stopGraceful(reason string) {
	fw.stopOnce.Do(func() {
		close(fw.doneCh)
		fw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = fw.conn.SetWriteDeadline(fw.clock.Now().Add(writeDeadline))
		_ = fw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = fw.conn.Close()
	})
}
