// Package workflow loads ComfyUI workflow templates (API format JSON) and
// resolves them against caller-supplied node modifications.
package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

// Node is a single node of a workflow graph: a class type plus input bindings.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is a concrete, engine-submittable workflow: node id -> node.
type Graph map[string]Node

// Modifications maps node id -> field -> value.
type Modifications map[string]map[string]any

// Store holds named workflow templates. Templates are read-mostly and never
// mutated in place; Resolve operates on a deep copy.
type Store struct {
	dir string

	mu        sync.RWMutex
	templates map[string]Graph
}

func NewStore(dir string) *Store {
	return &Store{
		dir:       dir,
		templates: make(map[string]Graph),
	}
}

// Load reads every *.json file in the workflow directory. Template name is
// the file stem. Replaces the current template set.
func (s *Store) Load() error {
	entries, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}

	loaded := make(map[string]Graph, len(entries))
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var g Graph
		if err := json.Unmarshal(data, &g); err != nil {
			return errdefs.Validation("workflow %s: invalid JSON: %v", filepath.Base(path), err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		loaded[name] = g
	}

	s.mu.Lock()
	s.templates = loaded
	s.mu.Unlock()

	log.Info().Int("count", len(loaded)).Str("dir", s.dir).Msg("workflow templates loaded")
	return nil
}

// Names returns the loaded template names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve produces a concrete graph from the named template with the given
// modifications merged in. The stored template is never touched. A field is
// a recognized input of a node iff the template already binds it.
func (s *Store) Resolve(name string, mods Modifications) (Graph, error) {
	s.mu.RLock()
	tpl, ok := s.templates[name]
	s.mu.RUnlock()

	if !ok {
		// Pick up templates dropped in after startup before giving up.
		if err := s.Load(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		tpl, ok = s.templates[name]
		s.mu.RUnlock()
		if !ok {
			return nil, errdefs.NotFound("workflow %q not found", name)
		}
	}

	graph := deepCopy(tpl)

	for nodeID, fields := range mods {
		node, ok := graph[nodeID]
		if !ok {
			return nil, errdefs.Validation("node %q not found in workflow %q", nodeID, name)
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]any)
		}
		for field, value := range fields {
			if _, ok := node.Inputs[field]; !ok {
				return nil, errdefs.Validation("node %q (%s) has no input %q", nodeID, node.ClassType, field)
			}
			node.Inputs[field] = value
		}
		graph[nodeID] = node
	}

	return graph, nil
}

func deepCopy(g Graph) Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		out[id] = Node{
			ClassType: node.ClassType,
			Inputs:    copyMap(node.Inputs),
			Meta:      copyMap(node.Meta),
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, e := range val {
			cp[i] = copyValue(e)
		}
		return cp
	default:
		return v
	}
}
