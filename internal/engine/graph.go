package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

// typeRoute dispatches payloads of typ to next. For interface types it
// matches every implementing payload.
type typeRoute struct {
	typ  reflect.Type
	next string
}

type stepNode struct {
	def      api.StepDefinition
	inputTag api.TypeTag

	exact    map[api.TypeTag]typeRoute
	iface    []typeRoute
	fallback string
}

func (n *stepNode) terminal() bool {
	return len(n.exact) == 0 && len(n.iface) == 0 && n.fallback == ""
}

// graph is the compiled, immutable form of a WorkflowDefinition.
type graph struct {
	id      string
	initial string
	steps   map[string]*stepNode
	tasks   map[string]api.AsyncTaskDefinition
}

func configErr(wf, step, format string, args ...any) error {
	return &api.ConfigurationError{WorkflowID: wf, StepID: step, Reason: fmt.Sprintf(format, args...)}
}

// compile validates def and builds its dispatch table.
func compile(def api.WorkflowDefinition) (*graph, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, configErr("", "", "workflow id is required")
	}
	if len(def.Steps) == 0 {
		return nil, configErr(def.ID, "", "workflow must have at least one step")
	}

	g := &graph{
		id:    def.ID,
		steps: make(map[string]*stepNode, len(def.Steps)),
		tasks: make(map[string]api.AsyncTaskDefinition, len(def.AsyncTasks)),
	}

	for _, s := range def.Steps {
		switch {
		case strings.TrimSpace(s.ID) == "":
			return nil, configErr(def.ID, "", "step id is required")
		case s.Handler == nil:
			return nil, configErr(def.ID, s.ID, "handler is required")
		case g.steps[s.ID] != nil:
			return nil, configErr(def.ID, s.ID, "duplicate step id")
		case s.Timeout < 0:
			return nil, configErr(def.ID, s.ID, "negative timeout")
		}
		if s.Initial {
			if g.initial != "" {
				return nil, configErr(def.ID, s.ID, "multiple initial steps (%q already initial)", g.initial)
			}
			g.initial = s.ID
		}
		g.steps[s.ID] = &stepNode{
			def:      s,
			inputTag: api.TagOfType(s.InputType),
			exact:    make(map[api.TypeTag]typeRoute),
		}
	}
	if g.initial == "" {
		return nil, configErr(def.ID, "", "no initial step")
	}

	for _, t := range def.AsyncTasks {
		switch {
		case strings.TrimSpace(t.ID) == "":
			return nil, configErr(def.ID, "", "async task id is required")
		case t.Handler == nil:
			return nil, configErr(def.ID, "", "async task %q: handler is required", t.ID)
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, configErr(def.ID, "", "duplicate async task id %q", t.ID)
		}
		g.tasks[t.ID] = t
	}

	for _, s := range def.Steps {
		if err := g.link(g.steps[s.ID]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// link resolves the successors of n into its dispatch table.
func (g *graph) link(n *stepNode) error {
	wf, id := g.id, n.def.ID

	add := func(t reflect.Type, next string) error {
		if t.Kind() == reflect.Interface {
			for _, r := range n.iface {
				if r.typ == t {
					if r.next == next {
						return nil
					}
					return configErr(wf, id, "type %s routes to both %q and %q", t, r.next, next)
				}
			}
			n.iface = append(n.iface, typeRoute{typ: t, next: next})
			return nil
		}
		tag := api.TagOfType(t)
		if prev, ok := n.exact[tag]; ok && prev.next != next {
			return configErr(wf, id, "type tag %s routes to both %q and %q", tag, prev.next, next)
		}
		n.exact[tag] = typeRoute{typ: t, next: next}
		return nil
	}

	for _, next := range n.def.Next {
		target := g.steps[next]
		if target == nil {
			return configErr(wf, id, "unknown next step %q", next)
		}
		if target.def.InputType == nil {
			if n.fallback != "" && n.fallback != next {
				return configErr(wf, id, "ambiguous routing: untyped successors %q and %q", n.fallback, next)
			}
			n.fallback = next
			continue
		}
		if err := add(target.def.InputType, next); err != nil {
			return err
		}
	}

	for _, r := range n.def.Routes {
		if r.Type == nil {
			return configErr(wf, id, "route without a type")
		}
		next := r.Next
		if next == "" {
			resolved, err := g.stepAccepting(r.Type)
			if err != nil {
				return configErr(wf, id, "%v", err)
			}
			next = resolved
		} else if g.steps[next] == nil {
			return configErr(wf, id, "unknown route target %q", next)
		}
		if err := add(r.Type, next); err != nil {
			return err
		}
	}

	return n.checkOverlaps(wf)
}

// checkOverlaps rejects routes where a payload could match more than one
// declared type.
func (n *stepNode) checkOverlaps(wf string) error {
	for i, a := range n.iface {
		for _, e := range n.exact {
			if e.typ.Implements(a.typ) && e.next != a.next {
				return configErr(wf, n.def.ID, "type %s overlaps interface route %s", e.typ, a.typ)
			}
		}
		for _, b := range n.iface[i+1:] {
			if (a.typ.Implements(b.typ) || b.typ.Implements(a.typ)) && a.next != b.next {
				return configErr(wf, n.def.ID, "interface routes %s and %s overlap", a.typ, b.typ)
			}
		}
	}
	return nil
}

// stepAccepting returns the unique step whose InputType is t.
func (g *graph) stepAccepting(t reflect.Type) (string, error) {
	tag := api.TagOfType(t)
	var found []string
	for id, s := range g.steps {
		if s.def.InputType != nil && s.inputTag == tag {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no step accepts %s", tag)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("several steps accept %s: %v", tag, found)
	}
}

// route selects the successor of from for payload.
func (g *graph) route(from string, payload any) (string, error) {
	n := g.steps[from]
	if n.terminal() {
		return "", fmt.Errorf("%w: step %q has no successors", api.ErrNoRoute, from)
	}

	if payload != nil {
		tag := api.TagOf(payload)
		if r, ok := n.exact[tag]; ok {
			return r.next, nil
		}
		pt := reflect.TypeOf(payload)
		var matches []string
		for _, r := range n.iface {
			if pt.Implements(r.typ) {
				matches = append(matches, r.next)
			}
		}
		switch len(matches) {
		case 0:
		case 1:
			return matches[0], nil
		default:
			return "", fmt.Errorf("%w: payload %s from step %q matches several routes %v", api.ErrNoRoute, tag, from, matches)
		}
	}

	if n.fallback != "" {
		return n.fallback, nil
	}
	return "", fmt.Errorf("%w: payload %s from step %q", api.ErrNoRoute, api.TagOf(payload), from)
}

// accepts reports whether step id accepts input. Untyped steps accept
// anything.
func (g *graph) accepts(id string, input any) bool {
	n := g.steps[id]
	if n.def.InputType == nil {
		return true
	}
	if n.def.InputType.Kind() == reflect.Interface {
		return input != nil && reflect.TypeOf(input).Implements(n.def.InputType)
	}
	return api.TagOf(input) == n.inputTag
}

// types lists the concrete payload types declared anywhere in the graph,
// for codec registration.
func (g *graph) types() []reflect.Type {
	var out []reflect.Type
	for _, n := range g.steps {
		if n.def.InputType != nil {
			out = append(out, n.def.InputType)
		}
		for _, r := range n.def.Routes {
			if r.Type != nil {
				out = append(out, r.Type)
			}
		}
	}
	return out
}
