// Package access implements the per-channel access-control gate. Keys are
// loaded from a JSON file mapping channel endpoint -> access key -> level.
// A channel absent from the file is unsecured: every access level is
// granted to any key, including an empty one. Locking a channel down is an
// explicit configuration step.
package access

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a granted access level.
type Level int

const (
	LevelRead Level = iota + 1
	LevelWrite
	LevelReadWrite
)

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "read", "readonly":
		return LevelRead
	case "write", "writeonly":
		return LevelWrite
	default:
		return LevelReadWrite
	}
}

type keyMap map[string]map[string]Level

// Gate evaluates a connection's permitted access level for a channel.
// Reload swaps the whole map atomically, so concurrent readers see either
// the old or the new configuration, never a mix.
type Gate struct {
	path string
	keys atomic.Pointer[keyMap]
}

// NewGate loads the key file at path. A missing file yields an empty map
// (every channel unsecured).
func NewGate(path string) (*Gate, error) {
	g := &Gate{path: path}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the key file and hot-swaps the map.
func (g *Gate) Reload() error {
	keys := make(keyMap)

	data, err := os.ReadFile(g.path)
	switch {
	case os.IsNotExist(err):
		slog.Info("access key file absent, all channels unsecured", "path", g.path)
	case err != nil:
		return fmt.Errorf("read access keys: %w", err)
	default:
		var raw map[string]map[string]string
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse access keys: %w", err)
		}
		for endpoint, chKeys := range raw {
			m := make(map[string]Level, len(chKeys))
			for key, level := range chKeys {
				m[key] = parseLevel(level)
			}
			keys[endpoint] = m
		}
	}

	g.keys.Store(&keys)
	slog.Info("access keys loaded", "channels", len(keys))
	return nil
}

// IsSecured reports whether the channel appears in the key map.
func (g *Gate) IsSecured(endpoint string) bool {
	_, ok := (*g.keys.Load())[endpoint]
	return ok
}

func (g *Gate) CanRead(endpoint, key string) bool {
	return g.can(endpoint, key, LevelRead)
}

func (g *Gate) CanWrite(endpoint, key string) bool {
	return g.can(endpoint, key, LevelWrite)
}

func (g *Gate) CanReadWrite(endpoint, key string) bool {
	return g.can(endpoint, key, LevelReadWrite)
}

func (g *Gate) can(endpoint, key string, want Level) bool {
	chKeys, ok := (*g.keys.Load())[endpoint]
	if !ok {
		return true
	}
	if key == "" {
		return false
	}
	level, ok := chKeys[key]
	if !ok {
		return false
	}
	return level == want || level == LevelReadWrite
}
