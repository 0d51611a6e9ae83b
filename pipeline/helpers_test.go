package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dcshock/topicpipe/condition"
	"github.com/dcshock/topicpipe/expression"
)

// fakeStore is an in-memory RecordStore. conflicts makes the next n updates
// fail with ErrConflict.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string][]Record
	seq       int
	conflicts int
	updates   int
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string][]Record)} }

func (s *fakeStore) KeyField() string { return "id_" }

func (s *fakeStore) FindRecord(_ context.Context, topic string, match map[string]any) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows[topic] {
		if matches(r.Data, match) {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *fakeStore) InsertRecord(_ context.Context, topic string, data map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := strconv.Itoa(s.seq)
	d := copyMap(data)
	d["id_"] = key
	r := Record{Key: key, Version: 1, Data: d}
	s.rows[topic] = append(s.rows[topic], r)
	return r, nil
}

func (s *fakeStore) UpdateRecord(_ context.Context, topic string, rec Record, data map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		return Record{}, fmt.Errorf("update %s/%s: %w", topic, rec.Key, ErrConflict)
	}
	for i, r := range s.rows[topic] {
		if r.Key != rec.Key {
			continue
		}
		if r.Version != rec.Version {
			return Record{}, ErrConflict
		}
		d := copyMap(r.Data)
		for k, v := range data {
			d[k] = v
		}
		r.Data = d
		r.Version++
		s.rows[topic][i] = r
		return r, nil
	}
	return Record{}, fmt.Errorf("record %s not found", rec.Key)
}

func (s *fakeStore) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[topic])
}

func matches(data, match map[string]any) bool {
	for k, v := range match {
		if fmt.Sprint(data[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// fakeCatalog implements TopicLoader and PipelineLoader.
type fakeCatalog struct {
	topics    []*Topic
	pipelines map[string][]*Pipeline
	loads     int
	loadErr   error
}

func newFakeCatalog(topics ...*Topic) *fakeCatalog {
	return &fakeCatalog{topics: topics, pipelines: make(map[string][]*Pipeline)}
}

func (c *fakeCatalog) add(p *Pipeline) { c.pipelines[p.TopicID] = append(c.pipelines[p.TopicID], p) }

func (c *fakeCatalog) TopicByID(_ context.Context, id string) (*Topic, error) {
	c.loads++
	for _, t := range c.topics {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("topic id %q: %w", id, ErrTopicNotFound)
}

func (c *fakeCatalog) TopicByName(_ context.Context, name string) (*Topic, error) {
	c.loads++
	for _, t := range c.topics {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
}

func (c *fakeCatalog) PipelinesByTopicID(_ context.Context, id string) ([]*Pipeline, error) {
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.pipelines[id], nil
}

// hookObserver calls the set hooks.
type hookObserver struct {
	NopObserver
	beforeDispatch func(TriggerEvent, int)
	afterRun       func(*RunStatus)
}

func (h *hookObserver) BeforeDispatch(_ context.Context, ev TriggerEvent, depth int) {
	if h.beforeDispatch != nil {
		h.beforeDispatch(ev, depth)
	}
}

func (h *hookObserver) AfterRun(_ context.Context, s *RunStatus) {
	if h.afterRun != nil {
		h.afterRun(s)
	}
}

// statusLog collects recorded statuses.
type statusLog struct {
	mu       sync.Mutex
	statuses []*RunStatus
}

func (l *statusLog) RecordRunStatus(_ context.Context, s *RunStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
	return nil
}

func (l *statusLog) all() []*RunStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*RunStatus(nil), l.statuses...)
}

func exprs(kv ...string) map[string]*expression.Expression {
	m := make(map[string]*expression.Expression, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = expression.MustCompile(kv[i+1])
	}
	return m
}

func eqNew(path string, v any) condition.Expr {
	return &condition.Comparison{Left: condition.Field{Source: condition.SourceNew, Path: path}, Op: condition.OpEq, Right: condition.Constant{Value: v}}
}

func singleStage(id, topicID string, actions ...Action) *Pipeline {
	return &Pipeline{
		ID:      id,
		Name:    id,
		TopicID: topicID,
		Enabled: true,
		Stages: []Stage{{
			Name:  "main",
			Units: []Unit{{Name: "u", Actions: actions}},
		}},
	}
}

func fastPolicy(attempts int) ConflictPolicy {
	return ConflictPolicy{MaxAttempts: attempts, Backoff: -1}
}

func mustExpr(src string) *expression.Expression { return expression.MustCompile(src) }
