package store

import (
	"context"
	"sync"

	"github.com/use-agent/harvest/models"
)

// Memory keeps the state as an encoded document in process memory. It
// survives context reloads but not process restarts.
type Memory struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, st models.State) error {
	data, err := encode(st)
	if err != nil {
		return unavailable("encode state", err)
	}
	m.mu.Lock()
	m.data = data
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context) (models.State, error) {
	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()
	if data == nil {
		return models.DefaultState(), nil
	}
	st, err := decode(data)
	if err != nil {
		return st, unavailable("decode state", err)
	}
	return st, nil
}

// Saves returns the number of successful saves.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
