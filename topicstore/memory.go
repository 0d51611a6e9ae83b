package topicstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dcshock/topicpipe/pipeline"
)

// Memory is an in-memory pipeline.RecordStore. Records are returned as copies,
// so callers never alias stored data. Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	topics map[string][]*pipeline.Record
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string][]*pipeline.Record)}
}

// KeyField implements pipeline.RecordStore.
func (m *Memory) KeyField() string { return KeyField }

// FindRecord returns the oldest record of topic whose data contains match.
func (m *Memory) FindRecord(_ context.Context, topic string, match map[string]any) (pipeline.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.topics[topic] {
		if matches(r.Data, match) {
			return snapshot(r), true, nil
		}
	}
	return pipeline.Record{}, false, nil
}

// Get returns the record of topic with the given key.
func (m *Memory) Get(_ context.Context, topic, key string) (pipeline.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r := m.find(topic, key); r != nil {
		return snapshot(r), true, nil
	}
	return pipeline.Record{}, false, nil
}

// InsertRecord stores data under a new uuid key with version 1.
func (m *Memory) InsertRecord(_ context.Context, topic string, data map[string]any) (pipeline.Record, error) {
	key := uuid.NewString()
	d := clone(data)
	d[KeyField] = key
	r := &pipeline.Record{Key: key, Version: 1, Data: d}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = append(m.topics[topic], r)
	return snapshot(r), nil
}

// UpdateRecord shallow-merges data into the stored record if its version is
// still rec.Version. The key field cannot be overwritten.
func (m *Memory) UpdateRecord(_ context.Context, topic string, rec pipeline.Record, data map[string]any) (pipeline.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(topic, rec.Key)
	if r == nil {
		return pipeline.Record{}, fmt.Errorf("update %s/%s: record not found", topic, rec.Key)
	}
	if r.Version != rec.Version {
		return pipeline.Record{}, fmt.Errorf("update %s/%s at version %d (stored %d): %w", topic, rec.Key, rec.Version, r.Version, pipeline.ErrConflict)
	}
	d := clone(r.Data)
	for k, v := range data {
		d[k] = v
	}
	d[KeyField] = r.Key
	r.Data = d
	r.Version++
	return snapshot(r), nil
}

// All returns copies of every record of topic in insertion order.
func (m *Memory) All(topic string) []pipeline.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.Record, 0, len(m.topics[topic]))
	for _, r := range m.topics[topic] {
		out = append(out, snapshot(r))
	}
	return out
}

func (m *Memory) find(topic, key string) *pipeline.Record {
	for _, r := range m.topics[topic] {
		if r.Key == key {
			return r
		}
	}
	return nil
}

func snapshot(r *pipeline.Record) pipeline.Record {
	return pipeline.Record{Key: r.Key, Version: r.Version, Data: clone(r.Data)}
}

var _ pipeline.RecordStore = (*Memory)(nil)
