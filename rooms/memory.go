package rooms

import (
	"context"
	"maps"
	"sync"
)

type roomKey struct {
	control string
	remote  string
}

// MemoryStore keeps everything in process. It is used for tests and for
// deployments that seed their links from settings.
type MemoryStore struct {
	mu         sync.RWMutex
	controls   map[string]ControlConfig
	numbers    map[string]string
	bridged    map[string]BridgedRoom
	byRemote   map[roomKey]string
	tokens     map[string]string
	controlTok map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		controls:   make(map[string]ControlConfig),
		numbers:    make(map[string]string),
		bridged:    make(map[string]BridgedRoom),
		byRemote:   make(map[roomKey]string),
		tokens:     make(map[string]string),
		controlTok: make(map[string]string),
	}
}

func (m *MemoryStore) ControlConfig(_ context.Context, control string) (ControlConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.controls[control]
	if !ok {
		return ControlConfig{}, ErrNotFound
	}
	cfg.Data = maps.Clone(cfg.Data)
	return cfg, nil
}

func (m *MemoryStore) SetControlConfig(_ context.Context, control string, cfg ControlConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteControlLocked(control)
	cfg.Data = maps.Clone(cfg.Data)
	m.controls[control] = cfg
	m.numbers[cfg.Number] = control
	return nil
}

func (m *MemoryStore) DeleteControlConfig(_ context.Context, control string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteControlLocked(control)
	return nil
}

// deleteControlLocked drops a control config; caller must hold write lock.
func (m *MemoryStore) deleteControlLocked(control string) {
	if old, ok := m.controls[control]; ok {
		if m.numbers[old.Number] == control {
			delete(m.numbers, old.Number)
		}
		delete(m.controls, control)
	}
}

func (m *MemoryStore) ControlForNumber(_ context.Context, number string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if control, ok := m.numbers[number]; ok {
		return control, nil
	}
	return "", ErrNotFound
}

func (m *MemoryStore) BridgedRoom(_ context.Context, room string) (BridgedRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if br, ok := m.bridged[room]; ok {
		return br, nil
	}
	return BridgedRoom{}, ErrNotFound
}

func (m *MemoryStore) SetBridgedRoom(_ context.Context, room string, br BridgedRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBridgedLocked(room)
	m.bridged[room] = br
	m.byRemote[roomKey{br.Control, br.Remote}] = room
	return nil
}

func (m *MemoryStore) DeleteBridgedRoom(_ context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBridgedLocked(room)
	return nil
}

func (m *MemoryStore) deleteBridgedLocked(room string) {
	if old, ok := m.bridged[room]; ok {
		k := roomKey{old.Control, old.Remote}
		if m.byRemote[k] == room {
			delete(m.byRemote, k)
		}
		delete(m.bridged, room)
	}
}

func (m *MemoryStore) RoomForNumber(_ context.Context, control, remote string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if room, ok := m.byRemote[roomKey{control, remote}]; ok {
		return room, nil
	}
	return "", ErrNotFound
}

func (m *MemoryStore) SetWebhookToken(_ context.Context, control, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.controlTok[control]; ok {
		delete(m.tokens, old)
	}
	m.tokens[token] = control
	m.controlTok[control] = token
	return nil
}

func (m *MemoryStore) ControlForToken(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if control, ok := m.tokens[token]; ok {
		return control, nil
	}
	return "", ErrNotFound
}

func (m *MemoryStore) DeleteWebhookToken(_ context.Context, control string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.controlTok[control]; ok {
		delete(m.tokens, tok)
		delete(m.controlTok, control)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
