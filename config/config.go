package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is the root of a topic and pipeline definition file.
type Definition struct {
	Engine    EngineConfig    `yaml:"engine"`
	Topics    []TopicConfig   `yaml:"topics"`
	Pipelines PipelineConfigs `yaml:"pipelines"`
}

// EngineConfig holds engine tuning that travels with the definitions.
type EngineConfig struct {
	MaxDepth          int         `yaml:"max_depth"`
	AllowTopicRevisit bool        `yaml:"allow_topic_revisit"`
	Production        bool        `yaml:"production"`
	Retry             RetryConfig `yaml:"retry"`
	TopicCacheTTL     Duration    `yaml:"topic_cache_ttl"`
}

// RetryConfig is the optimistic-lock retry policy of write actions.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
}

// TopicConfig declares a topic. ID defaults to Name; Kind defaults to business.
type TopicConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// PipelineConfig is one pipeline. Topic is a topic name. Enabled defaults to true.
type PipelineConfig struct {
	ID      string        `yaml:"-"`
	Name    string        `yaml:"name"`
	Topic   string        `yaml:"topic"`
	Enabled *bool         `yaml:"enabled"`
	On      *Condition    `yaml:"on"`
	Stages  []StageConfig `yaml:"stages"`
}

// PipelineConfigs is the "pipelines" mapping from id to pipeline. Document
// order is kept because it is the order pipelines of one topic run in.
type PipelineConfigs []PipelineConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PipelineConfigs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: pipelines must be a mapping of id to pipeline", value.Line)
	}
	out := make(PipelineConfigs, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var cfg PipelineConfig
		if err := value.Content[i+1].Decode(&cfg); err != nil {
			return fmt.Errorf("pipeline %q: %w", value.Content[i].Value, err)
		}
		cfg.ID = value.Content[i].Value
		out = append(out, cfg)
	}
	*p = out
	return nil
}

// StageConfig is one stage.
type StageConfig struct {
	Name  string       `yaml:"name"`
	On    *Condition   `yaml:"on"`
	Units []UnitConfig `yaml:"units"`
}

// UnitConfig is one unit. Loop names a variable holding a list; the actions
// run once per element.
type UnitConfig struct {
	Name    string         `yaml:"name"`
	On      *Condition     `yaml:"on"`
	Loop    string         `yaml:"loop"`
	Actions []ActionConfig `yaml:"actions"`
}

// ActionConfig is one action. Type selects the action:
//
//	insert-row, merge-row, insert-or-merge-row: topic, match, values
//	read-row, exists: topic, match, var
//	copy-to-memory: var, value
//	alarm: severity, message
//
// match, values, value and message are expressions over new, old and vars.
type ActionConfig struct {
	Type     string            `yaml:"type"`
	Topic    string            `yaml:"topic"`
	Match    map[string]string `yaml:"match"`
	Values   map[string]string `yaml:"values"`
	Var      string            `yaml:"var"`
	Value    string            `yaml:"value"`
	Severity string            `yaml:"severity"`
	Message  string            `yaml:"message"`
}

// Condition is a guard. Exactly one of All, Any or a comparison (Left, Op,
// Right) is set. In YAML:
//
//	on:
//	  all:
//	    - {left: new.status, op: eq, right: paid}
//	    - {left: new.total, op: gt, right: {expr: "old.total * 2"}}
type Condition struct {
	All   []Condition `yaml:"all"`
	Any   []Condition `yaml:"any"`
	Left  *Operand    `yaml:"left"`
	Op    string      `yaml:"op"`
	Right *Operand    `yaml:"right"`
}

// Operand is one side of a comparison. In YAML it is either a scalar or a
// mapping:
//
//	new.status         field of the new record (also old.x, vars.x)
//	paid               constant (any scalar not naming a field)
//	{const: new.x}     constant, even if it looks like a field
//	{expr: "a + b"}    computed expression
type Operand struct {
	Field   string
	Const   any
	IsConst bool
	Expr    string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Operand) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!str" && isFieldRef(value.Value) {
			o.Field = value.Value
			return nil
		}
		o.IsConst = true
		return value.Decode(&o.Const)
	case yaml.MappingNode:
		var raw map[string]any
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if v, ok := raw["const"]; ok {
			o.Const, o.IsConst = v, true
			return nil
		}
		if e, ok := raw["expr"].(string); ok {
			o.Expr = e
			return nil
		}
		if f, ok := raw["field"].(string); ok && isFieldRef(f) {
			o.Field = f
			return nil
		}
		return fmt.Errorf("line %d: operand mapping needs const, expr or field", value.Line)
	case yaml.SequenceNode:
		var list []any
		if err := value.Decode(&list); err != nil {
			return err
		}
		o.Const, o.IsConst = list, true
		return nil
	default:
		return fmt.Errorf("line %d: unsupported operand", value.Line)
	}
}

func isFieldRef(s string) bool {
	for _, p := range []string{"new.", "old.", "vars."} {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Parse parses YAML bytes into a Definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses a definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
