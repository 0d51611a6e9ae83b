package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dcshock/topicpipe/pipeline"
)

// Catalog holds built topics and pipelines and serves them to the engine as
// pipeline.TopicLoader and pipeline.PipelineLoader. Safe for concurrent use;
// Replace swaps the whole content atomically, e.g. on a definitions reload.
type Catalog struct {
	mu        sync.RWMutex
	byID      map[string]*pipeline.Topic
	byName    map[string]*pipeline.Topic
	pipelines map[string]*pipeline.Pipeline
	byTopic   map[string][]*pipeline.Pipeline
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.reset()
	return c
}

func (c *Catalog) reset() {
	c.byID = make(map[string]*pipeline.Topic)
	c.byName = make(map[string]*pipeline.Topic)
	c.pipelines = make(map[string]*pipeline.Pipeline)
	c.byTopic = make(map[string][]*pipeline.Pipeline)
}

// AddTopic registers t. Overwrites any topic with the same id.
func (c *Catalog) AddTopic(t *pipeline.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTopic(t)
}

func (c *Catalog) addTopic(t *pipeline.Topic) {
	if old, ok := c.byID[t.ID]; ok {
		delete(c.byName, old.Name)
	}
	c.byID[t.ID] = t
	c.byName[t.Name] = t
}

// AddPipeline registers p after the pipelines already bound to its topic.
// It fails if the id is taken or p is invalid.
func (c *Catalog) AddPipeline(p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addPipeline(p)
}

func (c *Catalog) addPipeline(p *pipeline.Pipeline) error {
	if _, dup := c.pipelines[p.ID]; dup {
		return fmt.Errorf("pipeline %q already registered", p.ID)
	}
	c.pipelines[p.ID] = p
	c.byTopic[p.TopicID] = append(c.byTopic[p.TopicID], p)
	return nil
}

// Replace swaps the catalog content for the given topics and pipelines.
func (c *Catalog) Replace(topics []*pipeline.Topic, pipelines []*pipeline.Pipeline) error {
	next := NewCatalog()
	for _, t := range topics {
		next.addTopic(t)
	}
	for _, p := range pipelines {
		if err := next.addPipeline(p); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID, c.byName, c.pipelines, c.byTopic = next.byID, next.byName, next.pipelines, next.byTopic
	return nil
}

// TopicByID implements pipeline.TopicLoader.
func (c *Catalog) TopicByID(_ context.Context, id string) (*pipeline.Topic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.byID[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("topic id %q: %w", id, pipeline.ErrTopicNotFound)
}

// TopicByName implements pipeline.TopicLoader.
func (c *Catalog) TopicByName(_ context.Context, name string) (*pipeline.Topic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.byName[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("topic %q: %w", name, pipeline.ErrTopicNotFound)
}

// PipelinesByTopicID implements pipeline.PipelineLoader.
func (c *Catalog) PipelinesByTopicID(_ context.Context, topicID string) ([]*pipeline.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*pipeline.Pipeline(nil), c.byTopic[topicID]...), nil
}

// PipelineByID returns the pipeline with the given id.
func (c *Catalog) PipelineByID(_ context.Context, id string) (*pipeline.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.pipelines[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("pipeline %q not found", id)
}

// Topics returns all topics sorted by name.
func (c *Catalog) Topics() []*pipeline.Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*pipeline.Topic, 0, len(c.byID))
	for _, t := range c.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PipelineIDs returns all pipeline ids (sorted).
func (c *Catalog) PipelineIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.pipelines))
	for id := range c.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
