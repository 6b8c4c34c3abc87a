package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// segmentGraph wires two advanced samplers covering step segments plus the
// save node.
func segmentGraph() *graph.Graph {
	return &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		2: {ClassName: "KSamplerAdvanced", Inputs: map[string]graph.InputValue{
			"noise_seed":    graph.Scalar(float64(1)),
			"steps":         graph.Scalar(float64(30)),
			"sampler_name":  graph.Scalar("euler"),
			"start_at_step": graph.Scalar(float64(0)),
			"end_at_step":   graph.Scalar(float64(19)),
		}},
		3: {ClassName: "KSamplerAdvanced", Inputs: map[string]graph.InputValue{
			"noise_seed":    graph.Scalar(float64(1)),
			"steps":         graph.Scalar(float64(30)),
			"sampler_name":  graph.Scalar("dpmpp_2m"),
			"start_at_step": graph.Scalar(float64(20)),
			"end_at_step":   graph.Scalar(float64(29)),
			"latent_image":  graph.RefTo(2, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(3, 0),
		}},
	}}
}

func registry() *rules.Registry {
	return rules.BuildRegistry(nil, nil, rules.MergeOptions{})
}

func TestSelect_LargestRangeWins(t *testing.T) {
	g := segmentGraph()
	trace := graph.Trace(g, 9, nil)
	got := Select(g, trace, registry(), Options{Cap: 2}, nil)

	require.Len(t, got, 2)
	assert.Equal(t, graph.NodeID(2), got[0].NodeID, "the 20-step segment beats the 10-step one")
	assert.Equal(t, 20, got[0].RangeLen)
	assert.True(t, got[0].IsSegment)
	assert.Equal(t, graph.NodeID(3), got[1].NodeID)
}

func TestSelect_DefaultCapTruncatesToPrimary(t *testing.T) {
	g := segmentGraph()
	trace := graph.Trace(g, 9, nil)
	got := Select(g, trace, registry(), Options{}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, graph.NodeID(2), got[0].NodeID)
}

func TestSelect_NearestMode(t *testing.T) {
	g := segmentGraph()
	trace := graph.Trace(g, 9, nil)
	got := Select(g, trace, registry(), Options{Mode: ModeNearest}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, graph.NodeID(3), got[0].NodeID, "nearest mode picks the sampler closest to the save node")
}

func TestSelect_ByIDMode(t *testing.T) {
	g := segmentGraph()
	trace := graph.Trace(g, 9, nil)
	got := Select(g, trace, registry(), Options{Mode: ModeByID, TargetID: 3}, nil)
	require.NotEmpty(t, got)
	assert.Equal(t, graph.NodeID(3), got[0].NodeID)
}

// fancyRules describes a custom sampler class known only through its capture
// rules (tier B).
func fancyRules() rules.ClassRules {
	return rules.ClassRules{
		fields.SamplerName: {InputName: "the_sampler"},
		fields.Steps:       {InputName: "the_steps"},
	}
}

func TestSelect_TierBCandidate(t *testing.T) {
	g := &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		5: {ClassName: "FancySampler", Inputs: map[string]graph.InputValue{
			"the_sampler": graph.Scalar("euler"),
			"the_steps":   graph.Scalar(float64(25)),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0),
		}},
	}}
	reg := rules.BuildRegistry(map[string]rules.ClassRules{
		"FancySampler": fancyRules(),
	}, nil, rules.MergeOptions{})
	trace := graph.Trace(g, 9, nil)

	got := Select(g, trace, reg, Options{}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, TierB, got[0].Tier)
	assert.Equal(t, "euler", got[0].SamplerName)
	assert.Equal(t, 25, got[0].RangeLen)
}

func TestSelect_TierAPreferredOverTierB(t *testing.T) {
	g := &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		4: {ClassName: "KSampler", Inputs: map[string]graph.InputValue{
			"seed": graph.Scalar(float64(1)), "steps": graph.Scalar(float64(10)),
			"sampler_name": graph.Scalar("euler"), "cfg": graph.Scalar(float64(7)),
		}},
		5: {ClassName: "FancySampler", Inputs: map[string]graph.InputValue{
			"the_sampler": graph.Scalar("euler"),
			"the_steps":   graph.Scalar(float64(99)),
			"latent":      graph.RefTo(4, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0),
		}},
	}}
	reg := rules.BuildRegistry(map[string]rules.ClassRules{
		"FancySampler": fancyRules(),
	}, nil, rules.MergeOptions{})
	trace := graph.Trace(g, 9, nil)

	got := Select(g, trace, reg, Options{}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, TierA, got[0].Tier, "tier A wins even with a smaller range")
	assert.Equal(t, graph.NodeID(4), got[0].NodeID)
}

func TestSelect_NoCandidates(t *testing.T) {
	g := &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{}},
	}}
	trace := graph.Trace(g, 9, nil)
	assert.Empty(t, Select(g, trace, registry(), Options{}, nil))
}
