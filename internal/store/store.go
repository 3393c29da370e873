// Package store persists per-bot snapshots as one JSON file per bot.
// Each bot is the sole writer of its own snapshot; writes go through a
// temp file and rename so a crash never leaves a half-written file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Load when no snapshot exists for the id.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the on-disk envelope for a bot's state.
type Snapshot struct {
	UpdatedAt int64    `json:"updatedAt"`
	State     BotState `json:"state"`
}

// BotState is everything a bot needs to survive a process restart.
type BotState struct {
	Name              string          `json:"name"`
	Strategy          string          `json:"strategy"`
	Symbol            string          `json:"symbol"`
	Status            string          `json:"status"`
	Config            json.RawMessage `json:"config"`
	Stats             Stats           `json:"stats"`
	TimeCreated       int64           `json:"timeCreated"`
	TimeStarted       *int64          `json:"timeStarted"`
	TimeStopped       *int64          `json:"timeStopped"`
	InitialStartPrice float64         `json:"initialStartPrice,omitempty"`
}

// Stats mirrors the bot's cumulative counters.
type Stats struct {
	CompletedRounds int     `json:"completedRounds"`
	RealizedPnl     float64 `json:"realizedPnl"`
	LastDurationMs  int64   `json:"lastDurationMs"`
}

// Store reads and writes snapshots under a single data directory.
type Store struct {
	dir string
	log zerolog.Logger
}

// New creates the data directory if needed.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Store{dir: dir, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the snapshot atomically, stamping UpdatedAt.
func (s *Store) Save(id string, state BotState) error {
	snap := Snapshot{
		UpdatedAt: time.Now().UnixMilli(),
		State:     state,
	}
	// Compact output keeps the raw config bytes exactly as given;
	// indenting would rewrite them inside the envelope.
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", id, err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", id, err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return fmt.Errorf("renaming snapshot for %s: %w", id, err)
	}
	return nil
}

// Load reads one snapshot. Missing or corrupt files are treated as
// "no prior state".
func (s *Store) Load(id string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading snapshot for %s: %w", id, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn().Str("bot_id", id).Err(err).Msg("corrupt snapshot, ignoring")
		return nil, ErrNotFound
	}
	return &snap, nil
}

// LoadAll returns every readable snapshot keyed by bot id. Corrupt
// files are skipped with a warning.
func (s *Store) LoadAll() (map[string]*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}

	out := make(map[string]*Snapshot)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		snap, err := s.Load(id)
		if err != nil {
			continue
		}
		out[id] = snap
	}
	return out, nil
}

// Delete removes a bot's snapshot. Deleting a missing snapshot is not
// an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot for %s: %w", id, err)
	}
	return nil
}
