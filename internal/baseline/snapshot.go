package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// SnapshotKey is the Redis key holding the persisted baseline history.
const SnapshotKey = "baseline:snapshot"

// persistedState is the wire form of the rolling history, oldest-first.
type persistedState struct {
	Volume   []float64            `json:"volume"`
	Themes   map[string][]float64 `json:"themes"`
	Channels map[string][]float64 `json:"channels"`
}

// Save writes the current rolling history to Redis so a restart does not
// re-enter cold start.
func (t *Tracker) Save(ctx context.Context, rdb *redis.Client) error {
	t.mu.RLock()
	state := persistedState{
		Volume:   t.volume.snapshot(),
		Themes:   make(map[string][]float64, len(t.themes)),
		Channels: make(map[string][]float64, len(t.channels)),
	}
	for name, w := range t.themes {
		state.Themes[name] = w.snapshot()
	}
	for name, w := range t.channels {
		state.Channels[name] = w.snapshot()
	}
	t.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline snapshot: %w", err)
	}

	if err := rdb.Set(ctx, SnapshotKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write baseline snapshot to Redis: %w", err)
	}

	slog.Debug("Baseline snapshot saved",
		"volume_days", len(state.Volume),
		"themes", len(state.Themes),
		"channels", len(state.Channels),
	)
	return nil
}

// Load replays a persisted history into the tracker. A missing key is not
// an error; the tracker simply starts cold.
func (t *Tracker) Load(ctx context.Context, rdb *redis.Client) error {
	data, err := rdb.Get(ctx, SnapshotKey).Bytes()
	if err == redis.Nil {
		slog.Info("No baseline snapshot in Redis, starting cold")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read baseline snapshot: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal baseline snapshot: %w", err)
	}

	for _, v := range state.Volume {
		t.RecordDailyVolume(v)
	}
	for name, vals := range state.Themes {
		for _, v := range vals {
			t.RecordThemeShare(name, v)
		}
	}
	for name, vals := range state.Channels {
		for _, v := range vals {
			t.RecordChannelShare(name, v)
		}
	}

	slog.Info("Baseline snapshot loaded",
		"volume_days", len(state.Volume),
		"themes", len(state.Themes),
		"channels", len(state.Channels),
	)
	return nil
}
