// Package snapshot implements the durable time-travel store of one
// channel. Every few seconds, if anything changed, the full live state is
// encoded, gzip-compressed and appended to an embedded SQLite log. The
// wire encoder's string dictionary is persisted in a side table so
// payloads stay decodable across restarts.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"statehub/internal/entity"
	"statehub/internal/metrics"
	"statehub/internal/wire"
)

// Change weights. A heuristic "is there anything worth persisting" gate
// and the stored magnitude for history display, not a correctness
// mechanism.
const (
	weightMembership = 40
	weightUpdate     = 1
	weightTypeDefine = 60
)

// RecorderSender is the provenance sentinel used when no change since the
// last flush is attributable to a connection.
const RecorderSender = "recorder"

const maxSaveAttempts = 3

// ErrSaveConflict is returned when a save keeps colliding on dictionary
// keys after the bounded number of reload-and-retry attempts.
var ErrSaveConflict = errors.New("snapshot: dictionary key conflict persists")

// Observer accumulates change weight and the set of senders seen since
// the last flush. It implements entity.Observer and must only be touched
// under the channel lock.
type Observer struct {
	weight  float64
	senders map[string]struct{}
}

func newObserver() *Observer {
	return &Observer{senders: make(map[string]struct{})}
}

func (o *Observer) Observe(c entity.Change) {
	switch c.Op {
	case entity.OpCreated, entity.OpRemoved:
		o.weight += weightMembership
	case entity.OpUpdated:
		o.weight += weightUpdate
	case entity.OpTypeDefined:
		o.weight += weightTypeDefine
	}
	o.senders[c.Sender] = struct{}{}
}

func (o *Observer) reset() {
	o.weight = 0
	o.senders = make(map[string]struct{})
}

// Pending reports whether any change accumulated since the last flush.
func (o *Observer) Pending() bool { return o.weight > 0 }

// HistoryPoint is one coarsened timeline entry.
type HistoryPoint struct {
	Timestamp int64  `json:"timestamp"`
	Weight    int64  `json:"weight"`
	Sender    string `json:"sender"`
}

// Stats summarizes the log.
type Stats struct {
	Count  int64 `json:"count"`
	Oldest int64 `json:"oldest"`
	Newest int64 `json:"newest"`
}

// Store is the append-only snapshot log of one channel. The dictionary is
// owned by this store and keys are allocated under the channel lock, so
// concurrent writers within the process cannot conflict; the bounded
// retry path remains for collisions with an external writer on the same
// file.
type Store struct {
	db    *sql.DB
	label string
	live  *entity.Store
	obs   *Observer
	enc   *wire.Encoder
	clock clockwork.Clock

	mu     *sync.Mutex // the channel lock, shared with the hub
	lastTS int64

	recording bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Open creates or opens the snapshot log for endpoint under dir and
// registers the weight observer on the live store. The mutex is the
// channel lock; saves and live traffic are mutually exclusive.
func Open(dir, endpoint string, live *entity.Store, mu *sync.Mutex, clock clockwork.Clock) (*Store, error) {
	path := filepath.Join(dir, "timemachine"+sanitize(endpoint)+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS recorder (datetime INTEGER, scope BLOB, diff INTEGER, senderID INTEGER)`,
		`CREATE TABLE IF NOT EXISTS declarations (key INTEGER PRIMARY KEY, value TEXT)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS recorderindex ON recorder(datetime)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init snapshot schema: %w", err)
		}
	}

	s := &Store{
		db:     db,
		label:  "snapshot" + endpoint,
		live:   live,
		obs:    newObserver(),
		enc:    wire.NewEncoder(),
		clock:  clock,
		mu:     mu,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := s.reloadDictionary(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.QueryRow(`SELECT COALESCE(MAX(datetime), 0) FROM recorder`).Scan(&s.lastTS); err != nil {
		db.Close()
		return nil, fmt.Errorf("read newest snapshot: %w", err)
	}
	live.RegisterObserver(s.obs)
	return s, nil
}

func sanitize(endpoint string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, endpoint)
}

// StartRecording launches the periodic recorder. Each tick takes the
// channel lock, checks the accumulated weight and saves if anything
// changed.
func (s *Store) StartRecording(interval time.Duration) {
	s.recording = true
	go func() {
		defer close(s.doneCh)
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.mu.Lock()
				if s.obs.Pending() {
					if err := s.Save(); err != nil {
						slog.Error("snapshot save failed", "store", s.label, "error", err)
					}
				}
				s.mu.Unlock()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Close stops the recorder and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.recording {
		<-s.doneCh
	}
	return s.db.Close()
}

// Save encodes the entire current live state into one log row. Must be
// called with the channel lock held. The weight accumulator and sender
// set reset only after the row is committed.
func (s *Store) Save() error {
	start := s.clock.Now()
	var err error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		err = s.save()
		if err == nil {
			metrics.SnapshotSaves.Inc()
			metrics.SnapshotSaveDuration.Observe(s.clock.Since(start).Seconds())
			return nil
		}
		// A failed save has rolled back its declaration inserts, but the
		// encoder already interned the strings. Rebuild it from the table
		// so the next save re-declares them instead of committing rows
		// that reference keys nobody persisted.
		if rerr := s.reloadDictionary(); rerr != nil {
			return rerr
		}
		if !isConflict(err) {
			return err
		}
		slog.Warn("snapshot dictionary conflict, reloading and retrying",
			"store", s.label, "attempt", attempt)
	}
	metrics.SnapshotSaveConflicts.Inc()
	return fmt.Errorf("%w after %d attempts: %v", ErrSaveConflict, maxSaveAttempts, err)
}

func (s *Store) save() error {
	sender := s.compositeSender()

	payload, decls := s.enc.EncodeDetached(wire.Diff{
		Created: s.live.Entities(),
		Types:   s.live.Types(),
	}, sender)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}

	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	senderKey, ok := s.enc.Lookup(sender)
	if !ok {
		return fmt.Errorf("snapshot: sender %q missing from dictionary", sender)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range decls {
		if _, err := tx.Exec(`INSERT INTO declarations VALUES (?, ?)`, int64(d.Key), d.Value); err != nil {
			return fmt.Errorf("insert declaration: %w", err)
		}
	}
	weight := int64(math.Round(s.obs.weight))
	if _, err := tx.Exec(`INSERT INTO recorder VALUES (?, ?, ?, ?)`,
		ts, buf.Bytes(), weight, int64(senderKey)); err != nil {
		return fmt.Errorf("insert snapshot row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	s.lastTS = ts
	s.obs.reset()
	slog.Debug("snapshot saved", "store", s.label, "timestamp", ts, "weight", weight, "bytes", buf.Len())
	return nil
}

func (s *Store) compositeSender() string {
	senders := make([]string, 0, len(s.obs.senders))
	for sender := range s.obs.senders {
		if sender == "" {
			sender = RecorderSender
		}
		senders = append(senders, sender)
	}
	if len(senders) == 0 {
		return RecorderSender
	}
	sort.Strings(senders)
	return strings.Join(senders, "|")
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func (s *Store) reloadDictionary() error {
	decls, err := s.loadDeclarations()
	if err != nil {
		return err
	}
	enc := wire.NewEncoder()
	enc.Preload(decls)
	s.enc = enc
	return nil
}

func (s *Store) loadDeclarations() ([]wire.StringDecl, error) {
	rows, err := s.db.Query(`SELECT key, value FROM declarations`)
	if err != nil {
		return nil, fmt.Errorf("load declarations: %w", err)
	}
	defer rows.Close()

	var decls []wire.StringDecl
	for rows.Next() {
		var (
			key   int64
			value string
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan declaration: %w", err)
		}
		decls = append(decls, wire.StringDecl{Key: uint64(key), Value: value})
	}
	return decls, rows.Err()
}

// Retrieve decodes the log row whose timestamp is nearest to the request
// into a fresh store. Returns nil if the log is empty.
func (s *Store) Retrieve(timestamp int64) (*entity.Store, error) {
	var scope []byte
	err := s.db.QueryRow(`SELECT scope FROM recorder
		WHERE ABS(? - datetime) = (SELECT MIN(ABS(? - datetime)) FROM recorder)`,
		timestamp, timestamp).Scan(&scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(scope))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	decls, err := s.loadDeclarations()
	if err != nil {
		return nil, err
	}
	dec := wire.NewDecoder()
	dec.Preload(decls)

	store := entity.NewStore()
	if _, err := dec.Apply(data, store, false); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return store, nil
}

// History scans the log in time order and emits one coarsened point per
// precision window. Weight is summed into the window's point; gaps are
// never interpolated.
func (s *Store) History(precisionMs int64) ([]HistoryPoint, error) {
	if precisionMs < 1 {
		precisionMs = 1
	}
	rows, err := s.db.Query(`SELECT datetime, diff, value FROM recorder, declarations
		WHERE senderID = key ORDER BY datetime ASC`)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var (
			ts, weight int64
			sender     string
		)
		if err := rows.Scan(&ts, &weight, &sender); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if len(points) == 0 || ts-points[len(points)-1].Timestamp > precisionMs {
			points = append(points, HistoryPoint{Timestamp: ts, Weight: weight, Sender: sender})
			continue
		}
		last := &points[len(points)-1]
		last.Weight += weight
		last.Sender = sender
	}
	return points, rows.Err()
}

// StatsInfo returns log statistics, or nil if the log is empty.
func (s *Store) StatsInfo() (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(`SELECT (SELECT COUNT(*) FROM recorder),
		(SELECT COALESCE(MIN(datetime), 0) FROM recorder),
		(SELECT COALESCE(MAX(datetime), 0) FROM recorder)`).
		Scan(&st.Count, &st.Oldest, &st.Newest)
	if err != nil {
		return nil, fmt.Errorf("read snapshot stats: %w", err)
	}
	if st.Count == 0 {
		return nil, nil
	}
	return &st, nil
}

// Reconcile makes target's membership mirror source's: entities absent
// from source are removed from target, entities present in source are
// registered into target. No provenance is attributed, so reconciling
// never triggers echo fan-out, and reconciling a store onto itself
// produces no observer events at all.
func Reconcile(source, target *entity.Store) {
	if source == nil || target == nil {
		return
	}
	for _, e := range target.Entities() {
		if source.Get(e.ID()) == nil {
			target.Remove(e, "")
		}
	}
	for _, e := range source.Entities() {
		target.Register(e, "")
	}
}
