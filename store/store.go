// Package store persists the orchestration state across reloads and
// process restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/models"
)

// Store saves and loads the session state. Load returns
// models.DefaultState() when nothing has been saved yet. Implementations
// must be safe for concurrent use.
type Store interface {
	Save(ctx context.Context, st models.State) error
	Load(ctx context.Context) (models.State, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.Key), nil
	case "badger", "":
		return OpenBadger(cfg.Path, cfg.Key)
	default:
		return nil, models.NewHarvestError(
			models.ErrCodeInvalidInput,
			fmt.Sprintf("unknown store backend %q", cfg.Backend),
			nil,
		)
	}
}

// encode stamps UpdatedAt and serialises the state.
func encode(st models.State) ([]byte, error) {
	st.UpdatedAt = time.Now().Unix()
	if st.Records == nil {
		st.Records = []models.Record{}
	}
	return json.Marshal(st)
}

func decode(data []byte) (models.State, error) {
	st := models.DefaultState()
	if err := json.Unmarshal(data, &st); err != nil {
		return models.DefaultState(), err
	}
	if st.Records == nil {
		st.Records = []models.Record{}
	}
	return st, nil
}

func unavailable(msg string, err error) error {
	return models.NewHarvestError(models.ErrCodeStoreUnavailable, msg, err)
}
