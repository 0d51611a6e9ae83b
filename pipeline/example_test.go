package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/dcshock/topicpipe/condition"
	"github.com/dcshock/topicpipe/expression"
	"github.com/dcshock/topicpipe/pipeline"
	"github.com/dcshock/topicpipe/topicstore"
)

// Example: an order insert creates a shipment, and the shipment insert
// stamps the order as shipped. Only paid orders ship.

type catalog struct {
	topics    []*pipeline.Topic
	pipelines []*pipeline.Pipeline
}

func (c *catalog) TopicByID(_ context.Context, id string) (*pipeline.Topic, error) {
	for _, t := range c.topics {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, pipeline.ErrTopicNotFound)
}

func (c *catalog) TopicByName(_ context.Context, name string) (*pipeline.Topic, error) {
	for _, t := range c.topics {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, pipeline.ErrTopicNotFound)
}

func (c *catalog) PipelinesByTopicID(_ context.Context, id string) ([]*pipeline.Pipeline, error) {
	var out []*pipeline.Pipeline
	for _, p := range c.pipelines {
		if p.TopicID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

func values(kv ...string) map[string]*expression.Expression {
	m := map[string]*expression.Expression{}
	for i := 0; i < len(kv); i += 2 {
		m[kv[i]] = expression.MustCompile(kv[i+1])
	}
	return m
}

func shippingCatalog() *catalog {
	return &catalog{
		topics: []*pipeline.Topic{
			{ID: "1", Name: "orders", Kind: pipeline.TopicBusiness},
			{ID: "2", Name: "shipments", Kind: pipeline.TopicBusiness},
		},
		pipelines: []*pipeline.Pipeline{
			{
				ID: "ship-paid-orders", TopicID: "1", Enabled: true,
				On: &condition.Comparison{
					Left:  condition.Field{Source: condition.SourceNew, Path: "paid"},
					Op:    condition.OpEq,
					Right: condition.Constant{Value: true},
				},
				Stages: []pipeline.Stage{{Name: "ship", Units: []pipeline.Unit{{Name: "create", Actions: []pipeline.Action{
					&pipeline.WriteRow{Mode: pipeline.WriteInsert, TopicID: "2", Values: values("order", "new.number")},
				}}}}},
			},
			{
				ID: "mark-shipped", TopicID: "2", Enabled: true,
				Stages: []pipeline.Stage{{Name: "stamp", Units: []pipeline.Unit{{Name: "order", Actions: []pipeline.Action{
					&pipeline.WriteRow{
						Mode:    pipeline.WriteMerge,
						TopicID: "1",
						Match:   values("number", "new.order"),
						Values:  values("shipped", "true"),
					},
				}}}}},
			},
		},
	}
}

func newShippingEngine(store *topicstore.Memory, recorder pipeline.Recorder) *pipeline.Engine {
	c := shippingCatalog()
	eng, err := pipeline.NewEngine(pipeline.Options{
		Topics:    c,
		Pipelines: c,
		Store:     store,
		Recorder:  recorder,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		panic(err)
	}
	return eng
}

func ExampleEngine_Dispatch() {
	ctx := context.Background()
	store := topicstore.NewMemory()
	var runs []string
	eng := newShippingEngine(store, pipeline.RecorderFunc(func(_ context.Context, s *pipeline.RunStatus) error {
		runs = append(runs, fmt.Sprintf("%s depth=%d %s", s.PipelineID, s.Depth, s.Status))
		return nil
	}))

	order, _ := store.InsertRecord(ctx, "orders", map[string]any{"number": "A-100", "paid": true})
	if err := eng.Dispatch(ctx, "orders", pipeline.TriggerInsert, pipeline.Payload{New: order.Data}); err != nil {
		fmt.Println("dispatch:", err)
		return
	}
	for _, r := range runs {
		fmt.Println(r)
	}
	got, _, _ := store.Get(ctx, "orders", order.Key)
	fmt.Println("shipped:", got.Data["shipped"])
	// Output:
	// ship-paid-orders depth=0 FINISHED
	// mark-shipped depth=1 FINISHED
	// shipped: true
}

func TestExampleUnpaidOrderIsNotShipped(t *testing.T) {
	ctx := context.Background()
	store := topicstore.NewMemory()
	eng := newShippingEngine(store, nil)

	order, _ := store.InsertRecord(ctx, "orders", map[string]any{"number": "A-101", "paid": false})
	if err := eng.Dispatch(ctx, "orders", pipeline.TriggerInsert, pipeline.Payload{New: order.Data}); err != nil {
		t.Fatal(err)
	}
	if n := len(store.All("shipments")); n != 0 {
		t.Errorf("expected no shipments, got %d", n)
	}
}
