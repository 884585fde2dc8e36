package engine

import (
	"context"
	"fmt"
	"slices"

	"aggregator/internal/domain"
	"aggregator/internal/metrics"
)

// Workflow is the state graph of one work item type. The empty state is the
// node an item sits on before it is created.
type Workflow struct {
	Type   string
	states map[string]struct{}
	edges  map[string][]string
}

// NewWorkflow builds the graph from a type schema.
func NewWorkflow(t domain.WorkItemType) *Workflow {
	wf := &Workflow{
		Type:   t.Name,
		states: map[string]struct{}{"": {}},
		edges:  make(map[string][]string),
	}
	for _, s := range t.States {
		wf.states[s.Name] = struct{}{}
	}
	for from, transitions := range t.Transitions {
		for _, tr := range transitions {
			if tr.To == from || slices.Contains(wf.edges[from], tr.To) {
				continue
			}
			wf.edges[from] = append(wf.edges[from], tr.To)
		}
	}
	for from := range wf.edges {
		slices.Sort(wf.edges[from])
	}
	return wf
}

// States lists the valid states, without the empty one, sorted.
func (wf *Workflow) States() []string {
	out := make([]string, 0, len(wf.states))
	for s := range wf.states {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

func (wf *Workflow) IsValidState(state string) bool {
	_, ok := wf.states[state]
	return ok
}

// ShortestPath returns the states visited going from one state to another, the
// target included and the start excluded. Every hop costs the same, so a
// breadth-first search finds a shortest path. It returns nil when to cannot be
// reached or equals from.
func (wf *Workflow) ShortestPath(from, to string) []string {
	if from == to || !wf.IsValidState(from) || !wf.IsValidState(to) {
		return nil
	}
	prev := map[string]string{from: from}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range wf.edges[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				return walkBack(prev, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func walkBack(prev map[string]string, from, to string) []string {
	var path []string
	for s := to; s != from; s = prev[s] {
		path = append(path, s)
	}
	slices.Reverse(path)
	return path
}

// Workflow loads the state graph of workItemType in project once per Store.
func (s *Store) Workflow(ctx context.Context, project, workItemType string) (*Workflow, error) {
	key := project + "/" + workItemType
	if wf, ok := s.workflows[key]; ok {
		return wf, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.RemoteCalls.WithLabelValues("get_type").Inc()
	t, err := s.client.GetWorkItemType(ctx, project, workItemType)
	if err != nil {
		return nil, fmt.Errorf("load workflow of %s: %w", workItemType, err)
	}
	if t.Name == "" {
		t.Name = workItemType
	}
	wf := NewWorkflow(t)
	s.workflows[key] = wf
	return wf, nil
}
