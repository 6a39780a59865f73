// Package store holds the implementations of core.Store: an in-process
// Memory store (also served by the relay server) and a Remote client that
// talks to a relay server over WebSocket.
package store

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
)

var ErrClosed = errors.New("store closed")

// Compile-time interface check.
var _ core.Store = (*Memory)(nil)

type collection struct {
	keys     []string
	values   map[string][]byte
	watchers map[*core.FIFO[core.Change]]struct{}
}

// Memory is a threadsafe in-memory store. Watchers are fed through unbounded
// queues, so writers never wait on readers.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*collection
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*collection)}
}

// Stats is a snapshot for health reporting.
type Stats struct {
	Collections int `json:"collections"`
	Items       int `json:"items"`
	Watchers    int `json:"watchers"`
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, c := range m.collections {
		s.Collections++
		s.Items += len(c.keys)
		s.Watchers += len(c.watchers)
	}
	return s
}

func (m *Memory) Put(_ context.Context, name, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.putLocked(name, key, value)
	return nil
}

func (m *Memory) Push(_ context.Context, name string, value []byte) (string, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.putLocked(name, key.String(), value)
	return key.String(), nil
}

func (m *Memory) putLocked(name, key string, value []byte) {
	c := m.collectionLocked(name)
	kind := core.ChangeUpdated
	if old, ok := c.values[key]; !ok {
		kind = core.ChangeAdded
		c.keys = append(c.keys, key)
	} else if bytes.Equal(old, value) {
		return
	}
	c.values[key] = slices.Clone(value)
	c.notify(core.Change{Kind: kind, Key: key, Value: slices.Clone(value)})
}

func (m *Memory) Remove(_ context.Context, name, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.collections[name]
	if !ok {
		return nil
	}
	if _, ok := c.values[key]; !ok {
		return nil
	}
	delete(c.values, key)
	c.keys = slices.DeleteFunc(c.keys, func(k string) bool { return k == key })
	c.notify(core.Change{Kind: core.ChangeRemoved, Key: key})
	m.dropIfEmptyLocked(name, c)
	return nil
}

func (m *Memory) Get(_ context.Context, name, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, false, nil
	}
	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (m *Memory) List(_ context.Context, name string) ([]core.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, nil
	}
	items := make([]core.Item, 0, len(c.keys))
	for _, key := range c.keys {
		items = append(items, core.Item{Key: key, Value: slices.Clone(c.values[key])})
	}
	return items, nil
}

func (m *Memory) Watch(ctx context.Context, name string) (<-chan core.Change, error) {
	q := core.NewFIFO[core.Change]()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		q.Close()
		return nil, ErrClosed
	}
	c := m.collectionLocked(name)
	for _, key := range c.keys {
		q.Push(core.Change{Kind: core.ChangeAdded, Key: key, Value: slices.Clone(c.values[key])})
	}
	c.watchers[q] = struct{}{}
	m.mu.Unlock()

	log.Debug().Str("module", "store.memory").Str("collection", name).Msg("watch started")

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if c, ok := m.collections[name]; ok {
			delete(c.watchers, q)
			m.dropIfEmptyLocked(name, c)
		}
		m.mu.Unlock()
		q.Close()
		log.Debug().Str("module", "store.memory").Str("collection", name).Msg("watch stopped")
	}()
	return q.Out(), nil
}

// Close ends every watch and rejects further calls.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.collections {
		for q := range c.watchers {
			q.Close()
		}
	}
	m.collections = make(map[string]*collection)
}

func (m *Memory) collectionLocked(name string) *collection {
	c, ok := m.collections[name]
	if !ok {
		c = &collection{
			values:   make(map[string][]byte),
			watchers: make(map[*core.FIFO[core.Change]]struct{}),
		}
		m.collections[name] = c
	}
	return c
}

func (m *Memory) dropIfEmptyLocked(name string, c *collection) {
	if len(c.keys) == 0 && len(c.watchers) == 0 {
		delete(m.collections, name)
	}
}

func (c *collection) notify(ch core.Change) {
	for q := range c.watchers {
		q.Push(ch)
	}
}
