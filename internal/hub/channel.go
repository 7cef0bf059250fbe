package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"statehub/internal/access"
	"statehub/internal/entity"
	"statehub/internal/metrics"
	"statehub/internal/snapshot"
	"statehub/internal/wire"
)

// serverSender labels diffs originated by the hub itself: initial
// snapshots, clears and historical loads pushed to everyone.
const serverSender = "Server"

var (
	// ErrAccessDenied is returned when the gate refuses a connection.
	ErrAccessDenied = errors.New("hub: access denied")
	// ErrNoSnapshot is returned when the snapshot log has no row to load.
	ErrNoSnapshot = errors.New("hub: no snapshot found")
)

// Channel is one isolated pub/sub domain: a live entity store, its
// snapshot log and the set of attached sessions. One mutex serializes
// diff application, fan-out, view transitions and snapshot saves; this
// coarse lock is intentional because the aggregating observer must be
// drained atomically with delivery.
type Channel struct {
	endpoint  string
	createdAt time.Time

	mu        sync.Mutex
	name      string
	desc      string
	deleted   bool
	live      *entity.Store
	observer  *wire.ChangeObserver
	snapshots *snapshot.Store
	sessions  map[*Session]struct{}
	gate      *access.Gate
	clock     clockwork.Clock
	strict    bool
	log       *slog.Logger
}

// ChannelOptions carries the shared collaborators a channel needs.
type ChannelOptions struct {
	DataDir          string
	Gate             *access.Gate
	Clock            clockwork.Clock
	SnapshotInterval time.Duration
	StrictDecode     bool
}

// NewChannel builds a channel and starts its snapshot recorder
// immediately.
func NewChannel(endpoint, name, description string, createdAt time.Time, opts ChannelOptions) (*Channel, error) {
	ch := &Channel{
		endpoint:  endpoint,
		createdAt: createdAt,
		name:      name,
		desc:      description,
		live:      entity.NewStore(),
		observer:  wire.NewChangeObserver(),
		sessions:  make(map[*Session]struct{}),
		gate:      opts.Gate,
		clock:     opts.Clock,
		strict:    opts.StrictDecode,
		log:       slog.With("channel", endpoint),
	}
	ch.live.RegisterObserver(ch.observer)

	snapshots, err := snapshot.Open(opts.DataDir, endpoint, ch.live, &ch.mu, opts.Clock)
	if err != nil {
		return nil, err
	}
	ch.snapshots = snapshots
	snapshots.StartRecording(opts.SnapshotInterval)
	return ch, nil
}

func (ch *Channel) Endpoint() string { return ch.endpoint }

func (ch *Channel) CreatedAt() time.Time { return ch.createdAt }

// Descriptor is the channel's control-API representation.
type Descriptor struct {
	Endpoint     string    `json:"endpoint"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreationDate time.Time `json:"creationDate"`
}

func (ch *Channel) Describe() Descriptor {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return Descriptor{
		Endpoint:     ch.endpoint,
		Name:         ch.name,
		Description:  ch.desc,
		CreationDate: ch.createdAt,
	}
}

func (ch *Channel) update(name, description string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.name = name
	ch.desc = description
	ch.deleted = false
}

func (ch *Channel) markDeleted() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.deleted = true
}

func (ch *Channel) isDeleted() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.deleted
}

// Attach evaluates the gate for the declared intent and, on acceptance,
// registers a new session and sends it the full live state framed as an
// initial diff. Connections that cannot receive still learn the type
// declarations, with an empty entity list.
func (ch *Channel) Attach(conn Conn, intent AccessIntent, key string) (*Session, error) {
	var allowed bool
	switch intent {
	case IntentReadOnly:
		allowed = ch.gate.CanRead(ch.endpoint, key)
	case IntentWriteOnly:
		allowed = ch.gate.CanWrite(ch.endpoint, key)
	default:
		allowed = ch.gate.CanReadWrite(ch.endpoint, key)
	}
	if !allowed {
		metrics.AccessDenied.WithLabelValues(ch.endpoint).Inc()
		ch.log.Warn("connection refused", "intent", intent)
		return nil, ErrAccessDenied
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	s := newSession(ch, conn, intent)
	ch.sessions[s] = struct{}{}
	metrics.ActiveSessions.WithLabelValues(ch.endpoint).Set(float64(len(ch.sessions)))
	ch.log.Info("new connection", "session", s.id.String(), "intent", intent)

	initial := wire.Diff{Types: ch.live.Types()}
	if s.canReceive {
		initial.Created = ch.live.Entities()
	}
	s.sendDiff(initial, serverSender)
	return s, nil
}

// Detach unregisters a session and stops its writer. Safe to call while
// a broadcast to the session is in flight and safe to call twice.
func (ch *Channel) Detach(s *Session) {
	ch.mu.Lock()
	ch.detach(s)
	ch.mu.Unlock()
	s.writer.stop()
}

func (ch *Channel) detach(s *Session) {
	if _, ok := ch.sessions[s]; !ok {
		return
	}
	delete(ch.sessions, s)
	metrics.ActiveSessions.WithLabelValues(ch.endpoint).Set(float64(len(ch.sessions)))
	ch.log.Info("connection closed", "session", s.id.String())
}

// broadcast delivers a diff to every attached session except the
// originator. Called under the channel lock; sessions evicted
// mid-iteration are simply skipped.
func (ch *Channel) broadcast(d wire.Diff, sender string, exclude *Session) {
	for s := range ch.sessions {
		if s == exclude {
			continue
		}
		s.deliver(d, sender)
	}
}

// Clear removes every live entity and pushes the resulting diff to all
// attached sessions.
func (ch *Channel) Clear() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.observer.Reset()
	for _, e := range ch.live.Entities() {
		ch.live.Remove(e, "")
	}
	if ch.observer.Changed() {
		ch.broadcast(ch.observer.Drain(), serverSender, nil)
	}
	ch.log.Info("channel cleared")
}

// LoadHistorical reconciles the snapshot nearest to the timestamp onto
// the live store and pushes the diff to all attached sessions. Unlike a
// session's private time travel, this mutates the live state everyone
// shares.
func (ch *Channel) LoadHistorical(timestamp int64) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	past, err := ch.snapshots.Retrieve(timestamp)
	if err != nil {
		return err
	}
	if past == nil {
		return ErrNoSnapshot
	}

	ch.observer.Reset()
	snapshot.Reconcile(past, ch.live)
	if ch.observer.Changed() {
		ch.broadcast(ch.observer.Drain(), snapshot.RecorderSender, nil)
	}
	ch.log.Info("historical state loaded", "timestamp", timestamp)
	return nil
}

// Infos dumps the channel's entities and types as JSON-friendly values,
// at the live state or, when timestamp is non-nil, at the nearest
// historical snapshot.
func (ch *Channel) Infos(timestamp *int64) (map[string]any, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	store := ch.live
	if timestamp != nil {
		past, err := ch.snapshots.Retrieve(*timestamp)
		if err != nil {
			return nil, err
		}
		if past == nil {
			return nil, ErrNoSnapshot
		}
		store = past
	}
	return describeStore(store), nil
}

// History returns the coarsened snapshot timeline.
func (ch *Channel) History(precisionMs int64) ([]snapshot.HistoryPoint, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshots.History(precisionMs)
}

// SnapshotStats summarizes the snapshot log, nil when empty.
func (ch *Channel) SnapshotStats() (*snapshot.Stats, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshots.StatsInfo()
}

// Close detaches every session and stops the snapshot recorder.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	sessions := make([]*Session, 0, len(ch.sessions))
	for s := range ch.sessions {
		sessions = append(sessions, s)
	}
	ch.sessions = make(map[*Session]struct{})
	ch.mu.Unlock()

	for _, s := range sessions {
		s.writer.stopGraceful("server shutting down")
	}
	metrics.ActiveSessions.DeleteLabelValues(ch.endpoint)
	return ch.snapshots.Close()
}

func describeStore(store *entity.Store) map[string]any {
	entities := make([]map[string]any, 0)
	for _, e := range store.Entities() {
		props := make(map[string]any)
		for _, key := range e.PropertyKeys() {
			v, _ := e.Property(key)
			props[key] = describeValue(v)
		}
		entities = append(entities, map[string]any{
			"id":          e.ID(),
			"type":        e.TypeName(),
			"properties":  props,
			"connections": e.Connections(),
		})
	}

	types := make([]map[string]any, 0)
	for _, t := range store.Types() {
		decls := make([]map[string]any, 0)
		for _, d := range t.Declarations() {
			decls = append(decls, map[string]any{
				"key":      d.Key,
				"kind":     d.Kind.String(),
				"required": d.Required,
			})
		}
		types = append(types, map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"properties":  decls,
		})
	}

	return map[string]any{"entities": entities, "types": types}
}

func describeValue(v entity.Value) any {
	switch val := v.(type) {
	case entity.Double:
		return float64(val)
	case entity.Int:
		return int64(val)
	case entity.Bool:
		return bool(val)
	case entity.String:
		return string(val)
	case entity.Timestamp:
		return int64(val)
	case entity.Location:
		loc := map[string]any{"x": val.X, "y": val.Y}
		if val.HasZ {
			loc["z"] = val.Z
		}
		return loc
	default:
		return nil
	}
}
