package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidArgs = errors.New("invalid tool arguments")

type compiledSchema struct {
	schema *gojsonschema.Schema
	err    error
}

// Validate 按工具声明的 JSON Schema 校验参数，再调用工具自身的 ValidateArgs。
// Validate checks args against the tool's declared JSON Schema, then the tool's own ValidateArgs.
func (r *Registry) Validate(name string, args map[string]any) error {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	schema, err := r.schemaFor(t)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	if schema != nil {
		res, err := schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return fmt.Errorf("%w: %s", ErrInvalidArgs, strings.Join(msgs, "; "))
		}
	}

	if v, ok := t.(Validator); ok {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
		if err := v.ValidateArgs(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
	}
	return nil
}

func (r *Registry) schemaFor(t Tool) (*gojsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.schemas[t.Name()]; ok {
		return c.schema, c.err
	}
	params := t.Definition().Function.Parameters
	c := &compiledSchema{}
	if params != nil {
		c.schema, c.err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	}
	r.schemas[t.Name()] = c
	return c.schema, c.err
}
