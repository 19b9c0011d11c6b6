package transform

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/expressions"
)

// Transformer maps a raw payload to a Record. Implementations are pure.
type Transformer interface {
	Transform(raw map[string]any) (*Record, error)
}

type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
	FieldTypeAny    FieldType = "any"
)

// FieldSpec selects one value with a JMESPath expression.
type FieldSpec struct {
	Path     string    `yaml:"path" validate:"required"`
	Type     FieldType `yaml:"type" validate:"omitempty,oneof=string int float bool any"`
	Required bool      `yaml:"required"`
}

// RelationSpec maps a nested list to relation entries. Items selects the
// list, the other paths are evaluated against each item.
type RelationSpec struct {
	Items string `yaml:"items" validate:"required"`
	// Reference selects the {name, url} object of the related entity.
	Reference string               `yaml:"reference" validate:"required"`
	Slot      string               `yaml:"slot"`
	Flags     map[string]FieldSpec `yaml:"flags" validate:"dive"`
}

// Config is the declarative mapping of one source.
type Config struct {
	ID        string                  `yaml:"id"`
	Fields    map[string]FieldSpec    `yaml:"fields" validate:"dive"`
	Relations map[string]RelationSpec `yaml:"relations" validate:"dive"`
}

// JMESPathTransformer applies a Config with JMESPath expressions.
type JMESPathTransformer struct {
	cfg       Config
	eval      *expressions.Evaluator
	fieldKeys []string
}

// NewJMESPathTransformer checks every expression in cfg compiles.
func NewJMESPathTransformer(cfg Config, eval *expressions.Evaluator) (*JMESPathTransformer, error) {
	if cfg.ID == "" {
		cfg.ID = "id"
	}
	if eval == nil {
		eval = expressions.NewEvaluator()
	}

	exprs := []string{cfg.ID}
	keys := make([]string, 0, len(cfg.Fields))
	for name, field := range cfg.Fields {
		exprs = append(exprs, field.Path)
		keys = append(keys, name)
	}
	sort.Strings(keys)

	relations := make(map[string]RelationSpec, len(cfg.Relations))
	for name, rel := range cfg.Relations {
		if rel.Slot == "" {
			rel.Slot = "slot"
		}
		relations[name] = rel
		exprs = append(exprs, rel.Items, rel.Reference, rel.Slot)
		for _, flag := range rel.Flags {
			exprs = append(exprs, flag.Path)
		}
	}

	cfg.Relations = relations

	for _, expr := range exprs {
		if err := eval.Validate(expr); err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
		}
	}

	return &JMESPathTransformer{cfg: cfg, eval: eval, fieldKeys: keys}, nil
}

func (t *JMESPathTransformer) Transform(raw map[string]any) (*Record, error) {
	id, ok, err := t.eval.EvaluateInt64(t.cfg.ID, raw)
	if err != nil {
		return nil, extractionErrorf(t.cfg.ID, "%v", err)
	}
	if !ok {
		return nil, extractionErrorf(t.cfg.ID, "missing id")
	}

	record := &Record{
		ID:     id,
		Fields: make(map[string]any, len(t.fieldKeys)),
	}

	for _, name := range t.fieldKeys {
		value, err := t.field(t.cfg.Fields[name], raw)
		if err != nil {
			return nil, err
		}
		record.Fields[name] = value
	}

	if len(t.cfg.Relations) == 0 {
		return record, nil
	}

	record.Relations = make(map[string][]RelationEntry, len(t.cfg.Relations))
	for name, rel := range t.cfg.Relations {
		entries, err := t.relation(name, rel, raw)
		if err != nil {
			return nil, err
		}
		record.Relations[name] = entries
	}

	return record, nil
}

func (t *JMESPathTransformer) relation(name string, rel RelationSpec, raw map[string]any) ([]RelationEntry, error) {
	items, err := t.eval.EvaluateSlice(rel.Items, raw)
	if err != nil {
		return nil, extractionErrorf(name, "%v", err)
	}

	entries := make([]RelationEntry, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("%s[%d]", name, i)

		slot, ok, err := t.eval.EvaluateInt64(rel.Slot, item)
		if err != nil {
			return nil, extractionErrorf(path, "slot: %v", err)
		}
		if !ok {
			return nil, extractionErrorf(path, "missing slot")
		}

		ref, err := t.reference(path, rel.Reference, item)
		if err != nil {
			return nil, err
		}

		entry := RelationEntry{Slot: slot, Ref: ref}
		if len(rel.Flags) > 0 {
			entry.Flags = make(map[string]any, len(rel.Flags))
			for flagName, spec := range rel.Flags {
				value, err := t.field(spec, item)
				if err != nil {
					return nil, extractionErrorf(path+"."+flagName, "%v", err)
				}
				if value == nil {
					return nil, extractionErrorf(path+"."+flagName, "missing flag")
				}
				entry.Flags[flagName] = value
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (t *JMESPathTransformer) reference(path, expr string, item any) (Reference, error) {
	ref, err := t.eval.EvaluateMap(expr, item)
	if err != nil {
		return Reference{}, extractionErrorf(path, "reference: %v", err)
	}
	if ref == nil {
		return Reference{}, extractionErrorf(path, "missing reference %q", expr)
	}

	url, _ := ref["url"].(string)
	id, err := IDFromURL(url)
	if err != nil {
		return Reference{}, extractionErrorf(path+"."+expr+".url", "can't extract id from url %q", url)
	}

	name, _ := ref["name"].(string)
	if name == "" {
		return Reference{}, extractionErrorf(path+"."+expr, "missing name")
	}
	return Reference{ID: id, Name: name}, nil
}

func (t *JMESPathTransformer) field(spec FieldSpec, data any) (any, error) {
	value, err := t.eval.Evaluate(spec.Path, data)
	if err != nil {
		return nil, extractionErrorf(spec.Path, "%v", err)
	}
	if value == nil {
		if spec.Required {
			return nil, extractionErrorf(spec.Path, "required value is missing")
		}
		return nil, nil
	}

	var converted any
	switch spec.Type {
	case FieldTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, extractionErrorf(spec.Path, "expected string, got %T", value)
		}
		converted = s
	case FieldTypeInt:
		converted, err = expressions.ToInt64(value)
	case FieldTypeFloat:
		converted, err = expressions.ToFloat64(value)
	case FieldTypeBool:
		converted, err = expressions.ToBool(value)
	default:
		converted = value
	}
	if err != nil {
		return nil, extractionErrorf(spec.Path, "%v", err)
	}
	return converted, nil
}
