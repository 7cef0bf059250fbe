package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"statehub/internal/metrics"
)

// RootEndpoint is the default channel every deployment carries. It can
// never be deleted.
const RootEndpoint = "/"

// Registry creates, looks up and soft-deletes channels, and persists the
// channel list so it survives restarts. Soft-deleted channels disappear
// from listings but keep serving sessions, open or new, until the process
// stops; re-creating the endpoint revives the same channel.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	file     string
	opts     ChannelOptions
}

func NewRegistry(file string, opts ChannelOptions) *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		file:     file,
		opts:     opts,
	}
}

type persistedChannel struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreationDate time.Time `json:"creationDate"`
}

// Create returns the channel at endpoint, building it if needed.
// Idempotent: an existing channel gets its name and description updated
// and its deleted flag lifted.
func (r *Registry) Create(endpoint, name, description string) (*Channel, error) {
	ch, err := r.createAt(endpoint, name, description, r.opts.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := r.Persist(); err != nil {
		slog.Error("failed to persist channel registry", "error", err)
	}
	return ch, nil
}

func (r *Registry) createAt(endpoint, name, description string, createdAt time.Time) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[endpoint]; ok {
		ch.update(name, description)
		return ch, nil
	}

	ch, err := NewChannel(endpoint, name, description, createdAt, r.opts)
	if err != nil {
		return nil, fmt.Errorf("create channel %q: %w", endpoint, err)
	}
	r.channels[endpoint] = ch
	metrics.ActiveChannels.Set(float64(len(r.channels)))
	slog.Info("channel created", "channel", endpoint)
	return ch, nil
}

// Delete soft-deletes a channel. The root endpoint is always refused.
func (r *Registry) Delete(endpoint string) bool {
	if endpoint == RootEndpoint {
		return false
	}
	r.mu.Lock()
	ch, ok := r.channels[endpoint]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch.markDeleted()
	if err := r.Persist(); err != nil {
		slog.Error("failed to persist channel registry", "error", err)
	}
	slog.Info("channel deleted", "channel", endpoint)
	return true
}

// Get returns the channel at endpoint, nil if unknown. Soft-deleted
// channels are still returned; only listings hide them.
func (r *Registry) Get(endpoint string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[endpoint]
}

// List returns the visible channels ordered by endpoint.
func (r *Registry) List() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.isDeleted() {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint() < out[j].Endpoint() })
	return out
}

// Persist writes the non-deleted channel set to the registry file.
func (r *Registry) Persist() error {
	r.mu.Lock()
	persisted := make(map[string]persistedChannel)
	for endpoint, ch := range r.channels {
		if ch.isDeleted() {
			continue
		}
		d := ch.Describe()
		persisted[endpoint] = persistedChannel{
			Name:         d.Name,
			Description:  d.Description,
			CreationDate: d.CreationDate,
		}
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("encode channel registry: %w", err)
	}
	if err := os.WriteFile(r.file, data, 0o644); err != nil {
		return fmt.Errorf("write channel registry: %w", err)
	}
	return nil
}

// LoadFromPersisted recreates channels from the registry file, keeping
// their original creation dates. A missing file is not an error.
func (r *Registry) LoadFromPersisted() error {
	data, err := os.ReadFile(r.file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read channel registry: %w", err)
	}

	var persisted map[string]persistedChannel
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parse channel registry: %w", err)
	}
	for endpoint, p := range persisted {
		if _, err := r.createAt(endpoint, p.Name, p.Description, p.CreationDate); err != nil {
			return err
		}
	}
	slog.Info("channel registry loaded", "channels", len(persisted))
	return nil
}

// Close closes every channel.
func (r *Registry) Close() error {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
