package pipeline

import (
	"context"
	"sync"
	"time"
)

// requestTopics memoizes topic lookups for one Dispatch call. It is created
// per call and dropped when the call returns, so it needs no invalidation.
type requestTopics struct {
	loader TopicLoader
	byID   map[string]*Topic
	byName map[string]*Topic
}

func newRequestTopics(loader TopicLoader) *requestTopics {
	return &requestTopics{
		loader: loader,
		byID:   make(map[string]*Topic),
		byName: make(map[string]*Topic),
	}
}

func (c *requestTopics) TopicByID(ctx context.Context, id string) (*Topic, error) {
	if t, ok := c.byID[id]; ok {
		return t, nil
	}
	t, err := c.loader.TopicByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(t)
	return t, nil
}

func (c *requestTopics) TopicByName(ctx context.Context, name string) (*Topic, error) {
	if t, ok := c.byName[name]; ok {
		return t, nil
	}
	t, err := c.loader.TopicByName(ctx, name)
	if err != nil {
		return nil, err
	}
	c.put(t)
	return t, nil
}

func (c *requestTopics) put(t *Topic) {
	if t == nil {
		return
	}
	c.byID[t.ID] = t
	c.byName[t.Name] = t
}

// TTLTopicCache is a TopicLoader that caches lookups from another loader for
// ttl. Pass it to the engine explicitly when topic definitions are expensive
// to load; call Invalidate after a topic definition changes. Safe for
// concurrent use.
type TTLTopicCache struct {
	loader TopicLoader
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	byID   map[string]cachedTopic
	byName map[string]cachedTopic
}

type cachedTopic struct {
	topic   *Topic
	expires time.Time
}

// NewTTLTopicCache wraps loader with a cache whose entries live for ttl.
func NewTTLTopicCache(loader TopicLoader, ttl time.Duration) *TTLTopicCache {
	return &TTLTopicCache{
		loader: loader,
		ttl:    ttl,
		now:    time.Now,
		byID:   make(map[string]cachedTopic),
		byName: make(map[string]cachedTopic),
	}
}

// TopicByID implements TopicLoader.
func (c *TTLTopicCache) TopicByID(ctx context.Context, id string) (*Topic, error) {
	if t, ok := c.get(c.byID, id); ok {
		return t, nil
	}
	t, err := c.loader.TopicByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(t)
	return t, nil
}

// TopicByName implements TopicLoader.
func (c *TTLTopicCache) TopicByName(ctx context.Context, name string) (*Topic, error) {
	if t, ok := c.get(c.byName, name); ok {
		return t, nil
	}
	t, err := c.loader.TopicByName(ctx, name)
	if err != nil {
		return nil, err
	}
	c.put(t)
	return t, nil
}

// Invalidate drops every cached entry.
func (c *TTLTopicCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]cachedTopic)
	c.byName = make(map[string]cachedTopic)
}

func (c *TTLTopicCache) get(m map[string]cachedTopic, key string) (*Topic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := m[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(m, key)
		return nil, false
	}
	return e.topic, true
}

func (c *TTLTopicCache) put(t *Topic) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cachedTopic{topic: t, expires: c.now().Add(c.ttl)}
	c.byID[t.ID] = e
	c.byName[t.Name] = e
}
