package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var (
	ordersTopic    = &Topic{ID: "t-orders", Name: "orders", Kind: TopicBusiness}
	shipmentsTopic = &Topic{ID: "t-shipments", Name: "shipments", Kind: TopicBusiness}
	auditTopic     = &Topic{ID: "t-audit", Name: "audit", Kind: TopicSystem}
)

type harness struct {
	store    *fakeStore
	catalog  *fakeCatalog
	recorded *statusLog
	observed []*RunStatus
	eng      *Engine
}

func newHarness(t *testing.T, mutate func(*Options), pipelines ...*Pipeline) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		catalog:  newFakeCatalog(ordersTopic, shipmentsTopic, auditTopic),
		recorded: &statusLog{},
	}
	for _, p := range pipelines {
		h.catalog.add(p)
	}
	opts := Options{
		Topics:    h.catalog,
		Pipelines: h.catalog,
		Store:     h.store,
		Recorder:  h.recorded,
		Observer:  &hookObserver{afterRun: func(s *RunStatus) { h.observed = append(h.observed, s) }},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:     fastPolicy(3),
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := NewEngine(opts)
	if err != nil {
		t.Fatal(err)
	}
	h.eng = eng
	return h
}

func shipOrder() *Pipeline {
	return singleStage("ship-order", ordersTopic.ID, &WriteRow{
		Mode:    WriteInsert,
		TopicID: shipmentsTopic.ID,
		Values:  exprs("order", "new.id", "status", `"pending"`),
	})
}

func noteShipment() *Pipeline {
	return singleStage("note-shipment", shipmentsTopic.ID, &CopyToMemory{
		Variable: "seen",
		Value:    mustExpr("new.order"),
	})
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	c := newFakeCatalog()
	cases := []Options{
		{Pipelines: c, Store: newFakeStore()},
		{Topics: c, Store: newFakeStore()},
		{Topics: c, Pipelines: c},
	}
	for i, opts := range cases {
		if _, err := NewEngine(opts); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestDispatch_Cascade(t *testing.T) {
	var dispatched []string
	h := newHarness(t, func(o *Options) {
		o.Observer = MultiObserver(o.Observer, &hookObserver{beforeDispatch: func(ev TriggerEvent, depth int) {
			dispatched = append(dispatched, ev.TopicName+":"+string(ev.Kind)+":"+string(rune('0'+depth)))
		}})
	}, shipOrder(), noteShipment())

	err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": "o-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.store.count("shipments"); got != 1 {
		t.Fatalf("expected 1 shipment, got %d", got)
	}
	want := []string{"orders:insert:0", "shipments:insert:1"}
	if strings.Join(dispatched, ",") != strings.Join(want, ",") {
		t.Errorf("dispatched %v, want %v", dispatched, want)
	}
	rec := h.recorded.all()
	if len(rec) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(rec))
	}
	if rec[0].PipelineID != "ship-order" || rec[0].Status != StatusFinished || rec[0].Depth != 0 {
		t.Errorf("unexpected first status %+v", rec[0])
	}
	if rec[1].PipelineID != "note-shipment" || rec[1].Depth != 1 || rec[1].Trigger != TriggerInsert {
		t.Errorf("unexpected cascaded status %+v", rec[1])
	}
	if rec[1].New["order"] != "o-1" {
		t.Errorf("cascaded payload %v", rec[1].New)
	}
}

func TestDispatch_UnknownTopic(t *testing.T) {
	h := newHarness(t, nil)
	err := h.eng.Dispatch(context.Background(), "nope", TriggerInsert, Payload{})
	if !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestDispatch_InvalidKind(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.eng.Dispatch(context.Background(), "orders", "delete", Payload{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatch_LoaderErrorReturned(t *testing.T) {
	h := newHarness(t, nil)
	h.catalog.loadErr = errors.New("db down")
	err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected loader error, got %v", err)
	}
}

func TestDispatch_DisabledPipelineIsInert(t *testing.T) {
	p := shipOrder()
	p.Enabled = false
	h := newHarness(t, nil, p)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": 1}}); err != nil {
		t.Fatal(err)
	}
	if len(h.recorded.all()) != 0 || len(h.observed) != 0 {
		t.Errorf("disabled pipeline produced statuses")
	}
	if h.store.count("shipments") != 0 {
		t.Errorf("disabled pipeline wrote")
	}
}

func TestDispatch_GuardSkipNotRecorded(t *testing.T) {
	p := shipOrder()
	p.On = eqNew("field", "Y")
	h := newHarness(t, nil, p)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"field": "X"}}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.recorded.all()); n != 0 {
		t.Errorf("expected no recorded status, got %d", n)
	}
	if len(h.observed) != 1 || h.observed[0].Status != StatusSkipped {
		t.Fatalf("expected one observed SKIPPED run, got %+v", h.observed)
	}
	if len(h.observed[0].Stages) != 0 {
		t.Errorf("skipped run has stages")
	}
}

func TestDispatch_GuardErrorIsRecorded(t *testing.T) {
	p := shipOrder()
	p.On = eqNew("missing", "Y")
	h := newHarness(t, nil, p)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	rec := h.recorded.all()
	if len(rec) != 1 || rec[0].Status != StatusError {
		t.Fatalf("expected one ERROR status, got %+v", rec)
	}
}

func TestDispatch_SystemTopicNotRecordedNoCascade(t *testing.T) {
	p := singleStage("audit-copy", auditTopic.ID, &WriteRow{
		Mode:    WriteInsert,
		TopicID: shipmentsTopic.ID,
		Values:  exprs("order", "new.id"),
	})
	h := newHarness(t, nil, p, noteShipment())
	if err := h.eng.Dispatch(context.Background(), "audit", TriggerInsert, Payload{New: map[string]any{"id": 1}}); err != nil {
		t.Fatal(err)
	}
	if h.store.count("shipments") != 1 {
		t.Fatalf("system pipeline did not run")
	}
	if n := len(h.recorded.all()); n != 0 {
		t.Errorf("expected no recorded status, got %d", n)
	}
	if len(h.observed) != 1 || h.observed[0].PipelineID != "audit-copy" {
		t.Errorf("expected only the audit run, got %+v", h.observed)
	}
}

func TestDispatch_ProductionSuppressesFinished(t *testing.T) {
	failing := singleStage("failing", ordersTopic.ID, &WriteRow{
		Mode:    WriteMerge,
		TopicID: shipmentsTopic.ID,
		Match:   exprs("order", `"none"`),
		Values:  exprs("status", `"done"`),
	})
	h := newHarness(t, func(o *Options) { o.Production = true }, shipOrder(), failing)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": "o-9"}}); err != nil {
		t.Fatal(err)
	}
	rec := h.recorded.all()
	if len(rec) != 1 || rec[0].PipelineID != "failing" || rec[0].Status != StatusError {
		t.Fatalf("expected only the failed run recorded, got %+v", rec)
	}
}

func TestDispatch_StageErrorStopsRun(t *testing.T) {
	p := &Pipeline{
		ID:      "two-stage",
		TopicID: ordersTopic.ID,
		Enabled: true,
		Stages: []Stage{
			{Name: "first", Units: []Unit{{Name: "u", Actions: []Action{&WriteRow{
				Mode:    WriteMerge,
				TopicID: shipmentsTopic.ID,
				Match:   exprs("order", "new.id"),
				Values:  exprs("status", `"x"`),
			}}}}},
			{Name: "second", Units: []Unit{{Name: "u", Actions: []Action{&WriteRow{
				Mode:    WriteInsert,
				TopicID: shipmentsTopic.ID,
				Values:  exprs("order", "new.id"),
			}}}}},
		},
	}
	h := newHarness(t, nil, p)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": "o-2"}}); err != nil {
		t.Fatalf("pipeline error leaked to caller: %v", err)
	}
	if h.store.count("shipments") != 0 {
		t.Errorf("second stage ran after failure")
	}
	rec := h.recorded.all()
	if len(rec) != 1 {
		t.Fatalf("expected 1 status, got %d", len(rec))
	}
	s := rec[0]
	if s.Status != StatusError || s.Error == "" {
		t.Errorf("expected ERROR with message, got %s %q", s.Status, s.Error)
	}
	if len(s.Stages) != 1 || s.Stages[0].Name != "first" || s.Stages[0].Error == "" {
		t.Errorf("unexpected stages %+v", s.Stages)
	}
}

func TestDispatch_CycleStopsAtRevisit(t *testing.T) {
	aToB := singleStage("a-to-b", ordersTopic.ID, &WriteRow{Mode: WriteInsert, TopicID: shipmentsTopic.ID, Values: exprs("n", "1")})
	bToA := singleStage("b-to-a", shipmentsTopic.ID, &WriteRow{Mode: WriteInsert, TopicID: ordersTopic.ID, Values: exprs("n", "2")})
	h := newHarness(t, nil, aToB, bToA)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.recorded.all()); n != 2 {
		t.Fatalf("expected 2 runs before the cycle is cut, got %d", n)
	}
	if h.store.count("orders") != 1 || h.store.count("shipments") != 1 {
		t.Errorf("unexpected writes: orders=%d shipments=%d", h.store.count("orders"), h.store.count("shipments"))
	}
}

func TestDispatch_RevisitBoundedByMaxDepth(t *testing.T) {
	aToB := singleStage("a-to-b", ordersTopic.ID, &WriteRow{Mode: WriteInsert, TopicID: shipmentsTopic.ID, Values: exprs("n", "1")})
	bToA := singleStage("b-to-a", shipmentsTopic.ID, &WriteRow{Mode: WriteInsert, TopicID: ordersTopic.ID, Values: exprs("n", "2")})
	h := newHarness(t, func(o *Options) {
		o.AllowTopicRevisit = true
		o.MaxDepth = 3
	}, aToB, bToA)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	rec := h.recorded.all()
	if len(rec) != 4 {
		t.Fatalf("expected runs at depth 0..3, got %d", len(rec))
	}
	for i, s := range rec {
		if s.Depth != i {
			t.Errorf("run %d at depth %d", i, s.Depth)
		}
	}
}

func TestDispatch_CancelledContext(t *testing.T) {
	h := newHarness(t, nil, shipOrder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.eng.Dispatch(ctx, "orders", TriggerInsert, Payload{New: map[string]any{"id": 1}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.observed) != 0 {
		t.Errorf("runs started after cancel")
	}
}

func TestDispatch_DepthFirstOrder(t *testing.T) {
	first := singleStage("first", ordersTopic.ID, &WriteRow{Mode: WriteInsert, TopicID: shipmentsTopic.ID, Values: exprs("n", "1")})
	second := singleStage("second", ordersTopic.ID, &CopyToMemory{Variable: "x", Value: mustExpr("1")})
	h := newHarness(t, nil, first, second, noteShipment())
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, s := range h.recorded.all() {
		order = append(order, s.PipelineID)
	}
	want := "first,note-shipment,second"
	if strings.Join(order, ",") != want {
		t.Errorf("run order %v, want %s", order, want)
	}
}

func TestDispatch_LoopUpdatesMergedIntoOneCascade(t *testing.T) {
	ctx := context.Background()
	restock := &Pipeline{
		ID:      "restock",
		TopicID: ordersTopic.ID,
		Enabled: true,
		Stages: []Stage{{
			Name: "main",
			Units: []Unit{
				{Name: "load", Actions: []Action{&CopyToMemory{Variable: "items", Value: mustExpr("new.items")}}},
				{Name: "each", LoopVariable: "items", Actions: []Action{&WriteRow{
					Mode:    WriteMerge,
					TopicID: shipmentsTopic.ID,
					Match:   exprs("order", `"o-1"`),
					Values:  exprs("last", "vars.items"),
				}}},
			},
		}},
	}
	h := newHarness(t, nil, restock, noteShipment())
	if _, err := h.store.InsertRecord(ctx, "shipments", map[string]any{"order": "o-1"}); err != nil {
		t.Fatal(err)
	}
	err := h.eng.Dispatch(ctx, "orders", TriggerInsert, Payload{New: map[string]any{"items": []any{"a", "b", "c"}}})
	if err != nil {
		t.Fatal(err)
	}
	rec := h.recorded.all()
	if len(rec) != 2 {
		t.Fatalf("expected restock + one merged cascade, got %d runs", len(rec))
	}
	cascaded := rec[1]
	if cascaded.Trigger != TriggerUpdate || cascaded.New["last"] != "c" {
		t.Errorf("unexpected merged event %s %v", cascaded.Trigger, cascaded.New)
	}
	if _, ok := cascaded.Old["last"]; ok {
		t.Errorf("old value should be the first old, got %v", cascaded.Old)
	}
	each := rec[0].Stages[0].Units[1]
	if each.Iterations != 3 || len(each.Actions) != 3 {
		t.Errorf("expected 3 iterations, got %+v", each)
	}
}

func TestDispatch_InvalidPipelineReportedAfterCascade(t *testing.T) {
	bad := &Pipeline{ID: "bad", TopicID: ordersTopic.ID, Enabled: true, Stages: []Stage{{
		Units: []Unit{{Actions: []Action{&WriteRow{Mode: WriteMerge, TopicID: shipmentsTopic.ID, Values: exprs("a", "1")}}}},
	}}}
	h := newHarness(t, nil, bad, shipOrder())
	err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": 3}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.PipelineID != "bad" {
		t.Fatalf("expected ValidationError for bad, got %v", err)
	}
	if h.store.count("shipments") != 1 {
		t.Errorf("valid sibling did not run")
	}
}

func TestDispatch_RecorderErrorSwallowed(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Recorder = RecorderFunc(func(context.Context, *RunStatus) error { return errors.New("monitoring down") })
	}, shipOrder())
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": 1}}); err != nil {
		t.Fatalf("recorder error leaked: %v", err)
	}
}

func TestDispatch_RecordsAfterCancelWithoutCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var recCtxErr error
	p := singleStage("cancel-mid", ordersTopic.ID, &CopyToMemory{Variable: "x", Value: mustExpr("1")})
	h := newHarness(t, func(o *Options) {
		o.Observer = &hookObserver{afterRun: func(*RunStatus) { cancel() }}
		o.Recorder = RecorderFunc(func(ctx context.Context, _ *RunStatus) error {
			recCtxErr = ctx.Err()
			return nil
		})
	}, p)
	_ = h.eng.Dispatch(ctx, "orders", TriggerInsert, Payload{New: map[string]any{}})
	if recCtxErr != nil {
		t.Errorf("recorder saw cancelled context: %v", recCtxErr)
	}
}

func TestDispatch_RunIDVariable(t *testing.T) {
	p := singleStage("stamp", ordersTopic.ID,
		&CopyToMemory{Variable: "rid", Value: mustExpr(`vars["__runId"]`)},
		&WriteRow{Mode: WriteInsert, TopicID: shipmentsTopic.ID, Values: exprs("run", "vars.rid")},
	)
	h := newHarness(t, nil, p)
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	rec := h.recorded.all()
	r, found, _ := h.store.FindRecord(context.Background(), "shipments", map[string]any{})
	if !found || r.Data["run"] != rec[0].UID {
		t.Errorf("run id not exposed: %v vs %s", r.Data, rec[0].UID)
	}
}

func TestRunPipeline(t *testing.T) {
	h := newHarness(t, nil, noteShipment())
	status, err := h.eng.RunPipeline(context.Background(), shipOrder(), TriggerInsert, Payload{New: map[string]any{"id": "o-5"}})
	if err != nil {
		t.Fatal(err)
	}
	if status == nil || status.Status != StatusFinished || status.PipelineID != "ship-order" {
		t.Fatalf("unexpected status %+v", status)
	}
	if n := len(h.recorded.all()); n != 2 {
		t.Errorf("expected the run and its cascade recorded, got %d", n)
	}
}

func TestRunPipeline_DisabledReturnsNil(t *testing.T) {
	h := newHarness(t, nil)
	p := shipOrder()
	p.Enabled = false
	status, err := h.eng.RunPipeline(context.Background(), p, TriggerInsert, Payload{})
	if err != nil || status != nil {
		t.Fatalf("expected nil status, got %+v, %v", status, err)
	}
}

func TestRunPipeline_Invalid(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.eng.RunPipeline(context.Background(), &Pipeline{ID: "x"}, TriggerInsert, Payload{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDispatch_TopicLookupsMemoizedPerCall(t *testing.T) {
	h := newHarness(t, nil, shipOrder(), noteShipment())
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": 1}}); err != nil {
		t.Fatal(err)
	}
	first := h.catalog.loads
	// one load per topic; the name and id lookups share an entry
	if first != 2 {
		t.Errorf("expected 2 loader calls, got %d", first)
	}
	if err := h.eng.Dispatch(context.Background(), "orders", TriggerInsert, Payload{New: map[string]any{"id": 2}}); err != nil {
		t.Fatal(err)
	}
	if h.catalog.loads != 2*first {
		t.Errorf("memo leaked across calls: %d loads", h.catalog.loads)
	}
}

func TestDispatch_ZeroRetryPolicyBacksOff(t *testing.T) {
	p := singleStage("stamp", ordersTopic.ID, mergeShipment("status", `"sent"`))
	h := newHarness(t, func(o *Options) { o.Retry = ConflictPolicy{} }, p)
	seedShipment(t, h.store)
	h.store.conflicts = 10

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = h.eng.Dispatch(ctx, "orders", TriggerInsert, Payload{New: map[string]any{}})

	if h.store.updates != 1 {
		t.Errorf("expected 1 update attempt inside the default backoff, got %d", h.store.updates)
	}
	rec := h.recorded.all()
	if len(rec) != 1 || rec[0].Status != StatusError {
		t.Fatalf("expected one ERROR run, got %+v", rec)
	}
}
