package hub

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"statehub/internal/entity"
	"statehub/internal/metrics"
	"statehub/internal/snapshot"
	"statehub/internal/wire"
)

// ViewMode is the session's position on the timeline. Paused covers both
// a frozen live view and a loaded historical view.
type ViewMode int

const (
	ViewLive ViewMode = iota
	ViewPaused
)

// AccessIntent is the access level a connection declares at connect time.
type AccessIntent int

const (
	IntentReadWrite AccessIntent = iota
	IntentReadOnly
	IntentWriteOnly
)

func (i AccessIntent) String() string {
	switch i {
	case IntentReadOnly:
		return "readonly"
	case IntentWriteOnly:
		return "writeonly"
	default:
		return "readwrite"
	}
}

// undefinedSender is the reserved sender label of diffs produced by
// uninitialized clients; such frames are discarded.
const undefinedSender = "undefined"

// Session is the per-connection protocol state machine. One session
// belongs to exactly one channel and lives as long as its connection.
// All state transitions run under the channel lock; only the frame
// writer touches the socket.
type Session struct {
	id      uuid.UUID
	channel *Channel
	writer  *frameWriter
	log     *slog.Logger

	canReceive bool
	canSend    bool

	// Guarded by the channel lock.
	mode       ViewMode
	shadow     *entity.Store
	shadowObs  *wire.ChangeObserver
	enc        *wire.Encoder
	dec        *wire.Decoder
	lastSender string
}

func newSession(ch *Channel, conn Conn, intent AccessIntent) *Session {
	s := &Session{
		id:         uuid.New(),
		channel:    ch,
		writer:     newFrameWriter(conn, ch.clock),
		canReceive: intent != IntentWriteOnly,
		canSend:    intent != IntentReadOnly,
		mode:       ViewLive,
		enc:        wire.NewEncoder(),
		dec:        wire.NewDecoder(),
		lastSender: "unknown sender",
	}
	s.log = slog.With("channel", ch.Endpoint(), "session", s.id.String())
	return s
}

func (s *Session) ID() uuid.UUID { return s.id }

// HandleBinary processes one inbound diff frame.
func (s *Session) HandleBinary(data []byte) {
	ch := s.channel
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !s.canSend {
		s.sendText("error: readonly connection")
		s.log.Warn("diff received on a readonly connection")
		metrics.DiffsRejected.WithLabelValues(ch.Endpoint(), "readonly").Inc()
		return
	}
	if s.mode != ViewLive {
		s.sendText("error: past situation cannot be edited")
		s.log.Warn("diff received on a paused connection")
		metrics.DiffsRejected.WithLabelValues(ch.Endpoint(), "paused").Inc()
		return
	}

	diff, sender, err := s.dec.Decode(data)
	if err != nil {
		s.sendText("error: " + err.Error())
		s.log.Warn("undecodable diff", "error", err)
		metrics.DiffsRejected.WithLabelValues(ch.Endpoint(), "malformed").Inc()
		return
	}
	if sender == undefinedSender {
		s.log.Warn("undefined sender, frame discarded")
		metrics.DiffsRejected.WithLabelValues(ch.Endpoint(), "undefined_sender").Inc()
		return
	}

	ch.observer.Reset()
	if err := s.dec.ApplyDiff(diff, ch.live, sender, ch.strict); err != nil {
		s.sendText("error: " + err.Error())
		s.log.Warn("rejected diff", "sender", sender, "error", err)
		metrics.DiffsRejected.WithLabelValues(ch.Endpoint(), "invalid").Inc()
		return
	}

	s.lastSender = sender
	s.log.Info("diff applied", "sender", sender, "bytes", len(data))
	metrics.DiffsReceived.WithLabelValues(ch.Endpoint()).Inc()

	if ch.observer.Changed() {
		ch.broadcast(ch.observer.Drain(), sender, s)
	}
}

// HandleText processes one control command: "live", "pause" or
// "load <epoch-millis-or-date>".
func (s *Session) HandleText(command string) {
	ch := s.channel
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch {
	case command == "live":
		s.resumeLive()
	case command == "pause":
		s.pause()
	case strings.HasPrefix(command, "load "):
		s.load(strings.TrimPrefix(command, "load "))
	default:
		s.sendText("error: instruction unknown")
		s.log.Info("unknown instruction", "command", command)
	}
}

func (s *Session) resumeLive() {
	if s.shadow != nil && s.canReceive {
		s.shadowObs.Reset()
		snapshot.Reconcile(s.channel.live, s.shadow)
		if s.shadowObs.Changed() {
			s.sendDiff(s.shadowObs.Drain(), snapshot.RecorderSender)
		}
	}
	s.shadow = nil
	s.shadowObs = nil
	s.mode = ViewLive
	s.sendText("live")
	s.log.Info("live", "sender", s.lastSender)
}

func (s *Session) pause() {
	s.mode = ViewPaused
	s.captureShadow()
	s.sendText("pause")
	s.log.Info("pause", "sender", s.lastSender)
}

func (s *Session) load(arg string) {
	s.mode = ViewPaused

	timestamp, err := parseTimestamp(arg)
	if err != nil {
		s.sendText("error: unable to parse the timestamp")
		s.log.Info("unable to parse the timestamp", "argument", arg)
		return
	}

	past, err := s.channel.snapshots.Retrieve(timestamp)
	if err != nil {
		s.sendText("error: internal server error")
		s.log.Error("snapshot retrieval failed", "timestamp", timestamp, "error", err)
		return
	}
	if past == nil {
		s.sendText("error: no result found")
		return
	}

	if s.shadow == nil {
		s.captureShadow()
	}
	s.shadowObs.Reset()
	snapshot.Reconcile(past, s.shadow)
	if s.shadowObs.Changed() {
		s.sendDiff(s.shadowObs.Drain(), snapshot.RecorderSender)
	}
	s.log.Info("load", "sender", s.lastSender, "timestamp", timestamp)
}

// captureShadow snapshots the live store's current membership into a
// private store. The observer attaches after population so the copy
// itself records nothing.
func (s *Session) captureShadow() {
	s.shadow = entity.NewStore()
	s.shadow.RegisterAll(s.channel.live.Entities())
	s.shadowObs = wire.NewChangeObserver()
	s.shadow.RegisterObserver(s.shadowObs)
}

// deliver encodes the diff for this recipient and queues it. Recipients
// that cannot receive changes or are not live get creation and removal
// entries stripped first. Called under the channel lock.
func (s *Session) deliver(d wire.Diff, sender string) {
	if !s.canReceive || s.mode != ViewLive {
		d = d.WithoutMembership()
	}
	if d.Empty() {
		return
	}
	s.sendDiff(d, sender)
	metrics.DiffsDelivered.WithLabelValues(s.channel.Endpoint()).Inc()
}

func (s *Session) sendDiff(d wire.Diff, sender string) {
	s.enqueue(frame{binary: true, data: s.enc.Encode(d, sender)})
}

func (s *Session) sendText(text string) {
	s.enqueue(frame{data: []byte(text)})
}

// enqueue hands a frame to the writer. An overflowing queue means the
// peer stopped draining; evict it rather than stall the channel.
func (s *Session) enqueue(f frame) {
	if s.writer.trySend(f) {
		return
	}
	s.log.Warn("outbound queue overflow, disconnecting slow client")
	metrics.SlowClientsEvicted.Inc()
	s.channel.detach(s)
	go s.writer.stopGraceful("outbound queue overflow")
}

func parseTimestamp(arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if ms, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, arg); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, strconv.ErrSyntax
}
