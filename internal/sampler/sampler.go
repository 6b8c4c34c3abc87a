// Package sampler identifies the sampler nodes of a traced workflow and
// picks the primary one whose settings drive the emitted metadata.
package sampler

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// Tier classifies how a candidate was discovered.
type Tier int

const (
	// TierA candidates are members of the explicit sampler registry.
	TierA Tier = iota
	// TierB candidates carry capture rules for SAMPLER_NAME together with
	// STEPS or the START_STEP/END_STEP pair.
	TierB
)

// Entry is one sampler candidate.
type Entry struct {
	NodeID      graph.NodeID
	Tier        Tier
	SamplerName string
	Steps       int
	StartStep   int
	EndStep     int
	HasSteps    bool
	HasStart    bool
	HasEnd      bool

	// RangeLen is end-start+1 when both segment ends are present, else
	// Steps when present, else 0.
	RangeLen int

	// IsSegment marks candidates covering a step segment rather than a
	// full run.
	IsSegment bool

	distance int
}

// Mode selects the primary sampler for single-sampler workflows.
type Mode string

const (
	ModeFarthest Mode = "farthest"
	ModeNearest  Mode = "nearest"
	ModeByID     Mode = "by_id"
)

// Options configure selection.
type Options struct {
	Mode     Mode
	TargetID graph.NodeID // consulted when Mode is ModeByID

	// Cap bounds the emitted candidate list. The default of 1 keeps
	// traditional single-sampler output; raising it enables multi-sampler
	// metadata.
	Cap int
}

// Select discovers sampler candidates along the trace order and returns the
// emitted list, primary first. The remainder is ordered by descending range
// length, then trace position, then node id.
func Select(g *graph.Graph, trace *graph.TraceResult, reg *rules.Registry, opts Options, log *logrus.Entry) []Entry {
	candidates := discover(g, trace, reg)
	if len(candidates) == 0 {
		return nil
	}
	if opts.Cap < 1 {
		opts.Cap = 1
	}

	primary := pickPrimary(candidates, opts, log)
	warnSegments(candidates, log)

	rest := make([]Entry, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.NodeID != primary.NodeID {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		if a.RangeLen != b.RangeLen {
			return a.RangeLen > b.RangeLen
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.NodeID < b.NodeID
	})

	out := append([]Entry{primary}, rest...)
	if len(out) > opts.Cap {
		if log != nil {
			log.WithFields(logrus.Fields{
				"candidates": len(out),
				"cap":        opts.Cap,
			}).Warn("sampler list truncated")
		}
		out = out[:opts.Cap]
	}
	return out
}

// discover enumerates candidates in trace order.
func discover(g *graph.Graph, trace *graph.TraceResult, reg *rules.Registry) []Entry {
	var out []Entry
	for _, id := range trace.Order {
		node, ok := g.Node(id)
		if !ok {
			continue
		}
		var tier Tier
		switch {
		case reg.IsSamplerClass(node.ClassName):
			tier = TierA
		case tierBEligible(reg, node.ClassName):
			tier = TierB
		default:
			continue
		}
		e := Entry{NodeID: id, Tier: tier, distance: trace.Distance[id]}
		fillSettings(&e, node, reg)
		out = append(out, e)
	}
	return out
}

// tierBEligible reports whether the class rules define SAMPLER_NAME together
// with STEPS or both segment ends.
func tierBEligible(reg *rules.Registry, class string) bool {
	r, ok := reg.Class(class)
	if !ok {
		return false
	}
	if _, ok := r[fields.SamplerName]; !ok {
		return false
	}
	if _, ok := r[fields.Steps]; ok {
		return true
	}
	_, hasStart := r[fields.StartStep]
	_, hasEnd := r[fields.EndStep]
	return hasStart && hasEnd
}

// fillSettings reads the candidate's sampler name and step range through its
// capture rules, falling back to conventional input names for tier-A classes
// without rules.
func fillSettings(e *Entry, node graph.Node, reg *rules.Registry) {
	r, _ := reg.Class(node.ClassName)

	readString := func(f fields.Field, fallback string) (string, bool) {
		name := fallback
		if spec, ok := r[f]; ok && spec.InputName != "" {
			name = spec.InputName
		}
		if name == "" {
			return "", false
		}
		v, ok := node.Input(name)
		if !ok {
			return "", false
		}
		return v.AsString()
	}
	readInt := func(f fields.Field, fallback string) (int, bool) {
		name := fallback
		if spec, ok := r[f]; ok && spec.InputName != "" {
			name = spec.InputName
		}
		if name == "" {
			return 0, false
		}
		v, ok := node.Input(name)
		if !ok {
			return 0, false
		}
		return v.AsInt()
	}

	if s, ok := readString(fields.SamplerName, "sampler_name"); ok {
		e.SamplerName = s
	}
	if n, ok := readInt(fields.Steps, "steps"); ok {
		e.Steps, e.HasSteps = n, true
	}
	if n, ok := readInt(fields.StartStep, ""); ok {
		e.StartStep, e.HasStart = n, true
	}
	if n, ok := readInt(fields.EndStep, ""); ok {
		e.EndStep, e.HasEnd = n, true
	}

	switch {
	case e.HasStart && e.HasEnd:
		e.RangeLen = e.EndStep - e.StartStep + 1
		e.IsSegment = true
	case e.HasSteps:
		e.RangeLen = e.Steps
	}
}

// pickPrimary applies the selection mode. The default prefers tier A, then
// the largest range, then the farther trace position, then the smaller id.
func pickPrimary(candidates []Entry, opts Options, log *logrus.Entry) Entry {
	if opts.Mode == ModeByID {
		for _, c := range candidates {
			if c.NodeID == opts.TargetID {
				return c
			}
		}
		if log != nil {
			log.WithField("node", opts.TargetID).Warn("requested sampler node not a candidate; using default selection")
		}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best, opts.Mode) {
			best = c
		}
	}
	return best
}

func better(a, b Entry, mode Mode) bool {
	if mode == ModeNearest {
		if a.distance != b.distance {
			return a.distance < b.distance
		}
	}
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	if a.RangeLen != b.RangeLen {
		return a.RangeLen > b.RangeLen
	}
	if a.distance != b.distance {
		return a.distance > b.distance
	}
	return a.NodeID < b.NodeID
}

// warnSegments logs half-open segments and overlapping ranges.
func warnSegments(candidates []Entry, log *logrus.Entry) {
	if log == nil {
		return
	}
	for _, c := range candidates {
		if c.HasStart != c.HasEnd {
			log.WithField("node", c.NodeID).Warn("sampler segment endpoint missing its counterpart")
		}
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if !a.IsSegment || !b.IsSegment {
				continue
			}
			if a.StartStep <= b.EndStep && b.StartStep <= a.EndStep {
				log.WithFields(logrus.Fields{
					"node_a": a.NodeID,
					"node_b": b.NodeID,
				}).Warn("sampler segments overlap")
			}
		}
	}
}
