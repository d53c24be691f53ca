// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// JSONSchema returns the JSON schema of an option document, generated from Schema.
func JSONSchema() map[string]any {
	customOp := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"source_op"},
		"properties": map[string]any{
			"source_op": map[string]any{"type": "string", "minLength": 1},
			"target_op": map[string]any{"type": "string"},
			"domain":    map[string]any{"type": "string"},
			"version":   map[string]any{"type": "integer", "minimum": 1},
		},
	}
	properties := make(map[string]any, len(Schema))
	for _, spec := range Schema {
		var prop map[string]any
		switch spec.Kind {
		case KindBool:
			prop = map[string]any{"type": "boolean"}
		case KindInt:
			prop = map[string]any{"type": "integer"}
		case KindFloat:
			prop = map[string]any{"type": "number"}
		case KindString:
			prop = map[string]any{"type": "string"}
		case KindCustomOps:
			prop = map[string]any{"oneOf": []any{
				customOp,
				map[string]any{"type": "array", "items": customOp},
			}}
		}
		if spec.Min != nil {
			if spec.MinExclusive {
				prop["exclusiveMinimum"] = *spec.Min
			} else {
				prop["minimum"] = *spec.Min
			}
		}
		if spec.Max != nil {
			prop["maximum"] = *spec.Max
		}
		prop["description"] = spec.Doc
		properties[spec.Name] = prop
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
}

var (
	schemaOnce   sync.Once
	schemaLoaded *gojsonschema.Schema
	schemaErr    error
)

func documentSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaLoaded, schemaErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(JSONSchema()))
	})
	return schemaLoaded, schemaErr
}

// LoadYAML parses a YAML document of options, e.g.:
//
//	num_devices: 2
//	enable_manual_shard: true
//	custom_op:
//	  - source_op: custom_relu
//	    target_op: Relu6
//
// The document is validated against JSONSchema: unknown options fail with UnknownOption, and values of the
// wrong type or out of range with InvalidOptionValue.
func LoadYAML(data []byte) (Options, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, compileerr.Wrapf(compileerr.InvalidOptionValue, err, "failed to parse options document")
	}
	if doc == nil {
		return Options{}, nil
	}
	schema, err := documentSchema()
	if err != nil {
		return nil, errors.Wrap(err, "invalid options schema")
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, compileerr.Wrapf(compileerr.InvalidOptionValue, err, "failed to validate options document")
	}
	if !result.Valid() {
		kind := compileerr.InvalidOptionValue
		msgs := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			if resultErr.Type() == "additional_property_not_allowed" && resultErr.Field() == "(root)" {
				kind = compileerr.UnknownOption
			}
			msgs = append(msgs, resultErr.String())
		}
		return nil, compileerr.Errorf(kind, "invalid options document: %s", strings.Join(msgs, "; "))
	}

	opts := make(Options, len(doc))
	for name, value := range doc {
		if name == CustomOp {
			ops, err := decodeCustomOps(value)
			if err != nil {
				return nil, err
			}
			value = ops
		}
		opts[name] = value
	}
	return opts, nil
}

// decodeCustomOps converts the generic decoding of custom_op (one mapping or a list of them).
func decodeCustomOps(value any) ([]passes.CustomOp, error) {
	if _, isList := value.([]any); !isList {
		value = []any{value}
	}
	encoded, err := yaml.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to re-encode option %q", CustomOp)
	}
	var ops []passes.CustomOp
	if err = yaml.Unmarshal(encoded, &ops); err != nil {
		return nil, compileerr.Wrapf(compileerr.InvalidOptionValue, err, "option %q", CustomOp)
	}
	return ops, nil
}

// ApplyYAML loads the options document with LoadYAML and sets them.
func (s *Strategy) ApplyYAML(data []byte) error {
	opts, err := LoadYAML(data)
	if err != nil {
		return err
	}
	return s.SetOptions(opts)
}
