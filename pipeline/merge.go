package pipeline

import "fmt"

// MergeQueue batches the trigger events emitted by one run so downstream
// pipelines are dispatched once per distinct record instead of once per write.
//
// Updates to the same record of the same topic (key taken from Old[keyField])
// collapse into one event: Old is the first old value seen, New is the shallow
// union of every New in emission order. Inserts, and updates whose Old carries
// no key, are kept as separate events. Drain returns events in order of first
// appearance, so a queue holding one event returns exactly that event.
//
// A MergeQueue is not safe for concurrent use; each run owns its own.
type MergeQueue struct {
	keyField string
	items    []*mergeItem
	updates  map[mergeKey]*mergeItem
}

type mergeKey struct {
	topic string
	key   string
}

type mergeItem struct {
	ev     TriggerEvent
	merged bool
}

// NewMergeQueue returns an empty queue that merges updates by keyField.
func NewMergeQueue(keyField string) *MergeQueue {
	return &MergeQueue{keyField: keyField, updates: make(map[mergeKey]*mergeItem)}
}

// Add appends events in emission order.
func (q *MergeQueue) Add(events ...TriggerEvent) {
	for _, ev := range events {
		q.add(ev)
	}
}

func (q *MergeQueue) add(ev TriggerEvent) {
	if ev.Kind == TriggerUpdate {
		if key, ok := q.recordKey(ev.Old); ok {
			k := mergeKey{topic: ev.TopicName, key: key}
			if it, seen := q.updates[k]; seen {
				if !it.merged {
					it.ev.New = copyMap(it.ev.New)
					it.merged = true
				}
				for f, v := range ev.New {
					it.ev.New[f] = v
				}
				return
			}
			it := &mergeItem{ev: ev}
			q.updates[k] = it
			q.items = append(q.items, it)
			return
		}
	}
	q.items = append(q.items, &mergeItem{ev: ev})
}

func (q *MergeQueue) recordKey(old map[string]any) (string, bool) {
	if q.keyField == "" || old == nil {
		return "", false
	}
	v, ok := old[q.keyField]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Len is the number of events Drain would return.
func (q *MergeQueue) Len() int { return len(q.items) }

// Drain returns the merged events and empties the queue.
func (q *MergeQueue) Drain() []TriggerEvent {
	out := make([]TriggerEvent, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.ev)
	}
	q.items = nil
	q.updates = make(map[mergeKey]*mergeItem)
	return out
}

// Grouped returns the merged events as topic -> kind -> events without
// draining the queue.
func (q *MergeQueue) Grouped() map[string]map[TriggerKind][]TriggerEvent {
	out := make(map[string]map[TriggerKind][]TriggerEvent)
	for _, it := range q.items {
		byKind, ok := out[it.ev.TopicName]
		if !ok {
			byKind = make(map[TriggerKind][]TriggerEvent)
			out[it.ev.TopicName] = byKind
		}
		byKind[it.ev.Kind] = append(byKind[it.ev.Kind], it.ev)
	}
	return out
}

// Merge is a convenience for merging a finished list of events.
func Merge(events []TriggerEvent, keyField string) []TriggerEvent {
	q := NewMergeQueue(keyField)
	q.Add(events...)
	return q.Drain()
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
