package graph

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// TraceResult is the backward reachability of a save node: hop distances over
// reversed edges and the deterministic visit order.
type TraceResult struct {
	// Distance maps each reachable node to its shortest reverse-path hop
	// count from the save node (the save node itself is 0).
	Distance map[NodeID]int

	// Order lists the reachable nodes sorted by ascending distance, ties
	// broken by ascending node id.
	Order []NodeID
}

// Contains reports whether the node participates in the reachable subgraph.
func (t *TraceResult) Contains(id NodeID) bool {
	_, ok := t.Distance[id]
	return ok
}

// Trace runs a reverse BFS from the save node, following input references.
// Malformed references (dangling source ids) are logged and skipped; the
// offending edge simply does not extend the frontier.
func Trace(g *Graph, saveNode NodeID, log *logrus.Entry) *TraceResult {
	res := &TraceResult{Distance: make(map[NodeID]int)}
	if _, ok := g.Node(saveNode); !ok {
		if log != nil {
			log.WithField("node", saveNode).Warn("save node not present in graph")
		}
		return res
	}

	res.Distance[saveNode] = 0
	queue := []NodeID{saveNode}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, _ := g.Node(cur)
		dist := res.Distance[cur]

		for name, input := range node.Inputs {
			for _, ref := range collectRefs(input) {
				if _, ok := g.Node(ref.Source); !ok {
					if log != nil {
						log.WithFields(logrus.Fields{
							"node":  cur,
							"input": name,
							"src":   ref.Source,
						}).Warn("dangling input reference")
					}
					continue
				}
				if _, seen := res.Distance[ref.Source]; seen {
					continue
				}
				res.Distance[ref.Source] = dist + 1
				queue = append(queue, ref.Source)
			}
		}
	}

	res.Order = make([]NodeID, 0, len(res.Distance))
	for id := range res.Distance {
		res.Order = append(res.Order, id)
	}
	sort.Slice(res.Order, func(i, j int) bool {
		a, b := res.Order[i], res.Order[j]
		if res.Distance[a] != res.Distance[b] {
			return res.Distance[a] < res.Distance[b]
		}
		return a < b
	})
	return res
}

// collectRefs gathers every node reference inside an input value, including
// references nested inside lists and keyed structures.
func collectRefs(v InputValue) []Ref {
	switch v.Kind {
	case KindRef:
		return []Ref{v.Ref}
	case KindList:
		var out []Ref
		for _, it := range v.List {
			out = append(out, collectRefs(it)...)
		}
		return out
	case KindNested:
		keys := make([]string, 0, len(v.Nested))
		for k := range v.Nested {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []Ref
		for _, k := range keys {
			out = append(out, collectRefs(v.Nested[k])...)
		}
		return out
	default:
		return nil
	}
}
