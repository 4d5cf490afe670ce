package tools

import (
	"sort"
	"sync"

	"streamagent/internal/chat"
)

type Registry struct {
	tools map[string]Tool

	mu      sync.Mutex
	schemas map[string]*compiledSchema
}

func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &Registry{tools: m, schemas: make(map[string]*compiledSchema, len(ts))}
}

func (r *Registry) Definitions() []chat.ToolDef {
	return r.DefinitionsFiltered(nil)
}

func (r *Registry) DefinitionsFiltered(allowed map[string]bool) []chat.ToolDef {
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		if allowed != nil {
			enabled, ok := allowed[name]
			if ok && !enabled {
				continue
			}
		}
		out = append(out, r.tools[name].Definition())
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}
