package config

import (
	"errors"
	"fmt"

	"github.com/dcshock/topicpipe/condition"
	"github.com/dcshock/topicpipe/expression"
	"github.com/dcshock/topicpipe/pipeline"
)

// Build compiles def into a Catalog: topic names are resolved to ids,
// expressions are compiled and every pipeline is validated. All problems are
// reported together.
func Build(def *Definition) (*Catalog, error) {
	if def == nil {
		return nil, fmt.Errorf("definition is nil")
	}
	topics, err := BuildTopics(def.Topics)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(topics))
	for _, t := range topics {
		ids[t.Name] = t.ID
	}
	var (
		pipelines []*pipeline.Pipeline
		errs      []error
	)
	for i := range def.Pipelines {
		p, err := BuildPipeline(&def.Pipelines[i], ids)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline %q: %w", def.Pipelines[i].ID, err))
			continue
		}
		pipelines = append(pipelines, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	c := NewCatalog()
	if err := c.Replace(topics, pipelines); err != nil {
		return nil, err
	}
	return c, nil
}

// BuildTopics converts topic declarations, rejecting duplicate ids or names.
func BuildTopics(cfgs []TopicConfig) ([]*pipeline.Topic, error) {
	out := make([]*pipeline.Topic, 0, len(cfgs))
	seenID := make(map[string]bool)
	seenName := make(map[string]bool)
	for i, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("topic %d: name required", i)
		}
		t := &pipeline.Topic{ID: cfg.ID, Name: cfg.Name, Kind: pipeline.TopicKind(cfg.Kind)}
		if t.ID == "" {
			t.ID = t.Name
		}
		switch t.Kind {
		case "":
			t.Kind = pipeline.TopicBusiness
		case pipeline.TopicBusiness, pipeline.TopicRaw, pipeline.TopicSystem:
		default:
			return nil, fmt.Errorf("topic %q: unknown kind %q", t.Name, cfg.Kind)
		}
		if seenID[t.ID] || seenName[t.Name] {
			return nil, fmt.Errorf("topic %q: duplicate", t.Name)
		}
		seenID[t.ID], seenName[t.Name] = true, true
		out = append(out, t)
	}
	return out, nil
}

// BuildPipeline builds one pipeline. topicIDs maps topic names to ids.
func BuildPipeline(cfg *PipelineConfig, topicIDs map[string]string) (*pipeline.Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	b := builder{topicIDs: topicIDs}
	p := &pipeline.Pipeline{
		ID:      cfg.ID,
		Name:    cfg.Name,
		TopicID: b.topic(cfg.Topic),
		On:      b.condition(cfg.On),
		Enabled: cfg.Enabled == nil || *cfg.Enabled,
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	for si, sc := range cfg.Stages {
		stage := pipeline.Stage{Name: sc.Name, On: b.condition(sc.On)}
		if stage.Name == "" {
			stage.Name = fmt.Sprintf("stage-%d", si)
		}
		for ui, uc := range sc.Units {
			unit := pipeline.Unit{Name: uc.Name, On: b.condition(uc.On), LoopVariable: uc.Loop}
			if unit.Name == "" {
				unit.Name = fmt.Sprintf("unit-%d", ui)
			}
			for ai, ac := range uc.Actions {
				a := b.action(ac)
				if b.err != nil {
					return nil, fmt.Errorf("stage %q unit %q action %d: %w", stage.Name, unit.Name, ai, b.err)
				}
				unit.Actions = append(unit.Actions, a)
			}
			stage.Units = append(stage.Units, unit)
		}
		p.Stages = append(p.Stages, stage)
	}
	if b.err != nil {
		return nil, b.err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// builder keeps the first error so the conversion reads straight through.
type builder struct {
	topicIDs map[string]string
	err      error
}

func (b *builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *builder) topic(name string) string {
	if name == "" {
		b.fail(fmt.Errorf("topic required"))
		return ""
	}
	id, ok := b.topicIDs[name]
	if !ok {
		b.fail(fmt.Errorf("topic %q: %w", name, pipeline.ErrTopicNotFound))
	}
	return id
}

func (b *builder) expr(src string) *expression.Expression {
	e, err := expression.Compile(src)
	if err != nil {
		b.fail(err)
	}
	return e
}

func (b *builder) exprs(m map[string]string) map[string]*expression.Expression {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*expression.Expression, len(m))
	for k, src := range m {
		out[k] = b.expr(src)
	}
	return out
}

func (b *builder) action(ac ActionConfig) pipeline.Action {
	switch pipeline.ActionKind(ac.Type) {
	case pipeline.ActionInsertRow, pipeline.ActionMergeRow, pipeline.ActionInsertOrMergeRow:
		mode := map[pipeline.ActionKind]pipeline.WriteMode{
			pipeline.ActionInsertRow:        pipeline.WriteInsert,
			pipeline.ActionMergeRow:         pipeline.WriteMerge,
			pipeline.ActionInsertOrMergeRow: pipeline.WriteInsertOrMerge,
		}[pipeline.ActionKind(ac.Type)]
		return &pipeline.WriteRow{
			Mode:    mode,
			TopicID: b.topic(ac.Topic),
			Match:   b.exprs(ac.Match),
			Values:  b.exprs(ac.Values),
		}
	case pipeline.ActionReadRow, pipeline.ActionExists:
		return &pipeline.ReadRow{
			TopicID:    b.topic(ac.Topic),
			Match:      b.exprs(ac.Match),
			Variable:   ac.Var,
			ExistsOnly: ac.Type == string(pipeline.ActionExists),
		}
	case pipeline.ActionCopyToMemory:
		return &pipeline.CopyToMemory{Variable: ac.Var, Value: b.expr(ac.Value)}
	case pipeline.ActionAlarm:
		return &pipeline.Alarm{Severity: ac.Severity, Message: b.expr(ac.Message)}
	default:
		b.fail(fmt.Errorf("unknown action type %q", ac.Type))
		return nil
	}
}

func (b *builder) condition(c *Condition) condition.Expr {
	if c == nil {
		return nil
	}
	switch {
	case len(c.All) > 0 || len(c.Any) > 0:
		if c.Left != nil || (len(c.All) > 0 && len(c.Any) > 0) {
			b.fail(fmt.Errorf("condition: use one of all, any or a comparison"))
			return nil
		}
		j := &condition.Joint{Kind: condition.And}
		children := c.All
		if len(c.Any) > 0 {
			j.Kind, children = condition.Or, c.Any
		}
		for i := range children {
			j.Children = append(j.Children, b.condition(&children[i]))
		}
		return j
	case c.Left != nil:
		op := condition.Op(c.Op)
		if !op.Valid() {
			b.fail(fmt.Errorf("condition: unknown operator %q", c.Op))
			return nil
		}
		cmp := &condition.Comparison{Left: b.operand(c.Left), Op: op}
		if !op.Unary() {
			if c.Right == nil {
				b.fail(fmt.Errorf("condition: %s needs a right operand", op))
				return nil
			}
			cmp.Right = b.operand(c.Right)
		}
		return cmp
	default:
		// An empty mapping is an empty and: always true.
		return &condition.Joint{Kind: condition.And}
	}
}

func (b *builder) operand(o *Operand) condition.Operand {
	switch {
	case o.IsConst:
		return condition.Constant{Value: o.Const}
	case o.Expr != "":
		return condition.Computed{Expr: b.expr(o.Expr)}
	case o.Field != "":
		src, path, _ := cutSource(o.Field)
		return condition.Field{Source: src, Path: path}
	default:
		b.fail(fmt.Errorf("condition: empty operand"))
		return condition.Constant{}
	}
}

func cutSource(ref string) (condition.Source, string, bool) {
	for _, s := range []condition.Source{condition.SourceNew, condition.SourceOld, condition.SourceVars} {
		prefix := string(s) + "."
		if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
			return s, ref[len(prefix):], true
		}
	}
	return condition.SourceNew, ref, false
}

// Apply copies the engine settings into opts. Zero values leave the engine defaults.
func (e EngineConfig) Apply(opts *pipeline.Options) {
	if e.MaxDepth > 0 {
		opts.MaxDepth = e.MaxDepth
	}
	opts.AllowTopicRevisit = opts.AllowTopicRevisit || e.AllowTopicRevisit
	opts.Production = opts.Production || e.Production
	if e.Retry.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = e.Retry.MaxAttempts
	}
	if e.Retry.Backoff > 0 {
		opts.Retry.Backoff = e.Retry.Backoff.Duration()
	}
}
