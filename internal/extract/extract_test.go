package extract

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxmjskxx/metasave/internal/artifacts"
	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/hashcache"
	"github.com/xxmjskxx/metasave/internal/logging"
	"github.com/xxmjskxx/metasave/internal/rules"
	"github.com/xxmjskxx/metasave/internal/sampler"
)

// testEnv builds an extraction context over a temp artifact tree.
type testEnv struct {
	root     string
	settings config.Settings
}

func newEnv(t *testing.T, artifactNames ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	for _, name := range artifactNames {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o644))
	}
	roots := map[string][]string{}
	for _, fam := range config.Families {
		roots[fam] = []string{root}
	}
	return &testEnv{root: root, settings: config.Settings{ModelRoots: roots}}
}

func (e *testEnv) run(t *testing.T, g *graph.Graph, saveNode graph.NodeID, userRules map[string]rules.ClassRules) *Result {
	t.Helper()
	reg := rules.BuildRegistry(userRules, nil, rules.MergeOptions{})
	trace := graph.Trace(g, saveNode, nil)
	idx := artifacts.NewIndex(e.settings.ModelRoots, nil)
	samplers := sampler.Select(g, trace, reg, sampler.Options{}, nil)
	return Run(&Context{
		Graph:        g,
		Trace:        trace,
		Registry:     reg,
		Resolver:     artifacts.NewResolver(idx, logging.Component("artifacts")),
		Hashes:       hashcache.New(logging.Component("hash")),
		Settings:     e.settings,
		Samplers:     samplers,
		ForceInclude: map[string]bool{},
		Log:          logging.Component("extract"),
	})
}

// sd15Graph mirrors the single-sampler PNG scenario: checkpoint loader,
// KSampler, two text nodes, a 512x512 latent.
func sd15Graph(negative string) *graph.Graph {
	return &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		1: {ClassName: "CheckpointLoaderSimple", Inputs: map[string]graph.InputValue{
			"ckpt_name": graph.Scalar("sd15/cyber_v33.safetensors"),
		}},
		2: {ClassName: "CLIPTextEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar("a neon city at night"),
			"clip": graph.RefTo(1, 1),
		}},
		3: {ClassName: "CLIPTextEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar(negative),
			"clip": graph.RefTo(1, 1),
		}},
		4: {ClassName: "EmptyLatentImage", Inputs: map[string]graph.InputValue{
			"width":      graph.Scalar(float64(512)),
			"height":     graph.Scalar(float64(512)),
			"batch_size": graph.Scalar(float64(1)),
		}},
		5: {ClassName: "KSampler", Inputs: map[string]graph.InputValue{
			"seed":         graph.Scalar(float64(123)),
			"steps":        graph.Scalar(float64(20)),
			"cfg":          graph.Scalar(float64(8)),
			"sampler_name": graph.Scalar("dpmpp_2m"),
			"scheduler":    graph.Scalar("karras"),
			"denoise":      graph.Scalar(float64(1)),
			"model":        graph.RefTo(1, 0),
			"positive":     graph.RefTo(2, 0),
			"negative":     graph.RefTo(3, 0),
			"latent_image": graph.RefTo(4, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0),
		}},
	}}
}

func TestRun_SingleSamplerScenario(t *testing.T) {
	env := newEnv(t, "sd15/cyber_v33.safetensors")
	res := env.run(t, sd15Graph(""), 9, nil)
	m := res.Map

	get := func(f fields.Field) string {
		v, _ := m.Get(f)
		return v
	}
	assert.Equal(t, "a neon city at night", get(fields.PositivePrompt))
	_, hasNeg := m.Get(fields.NegativePrompt)
	assert.False(t, hasNeg, "empty negative prompt is omitted")
	assert.Equal(t, "20", get(fields.Steps))
	assert.Equal(t, "dpmpp_2m", get(fields.SamplerName))
	assert.Equal(t, "8", get(fields.CFG))
	assert.Equal(t, "123", get(fields.Seed))
	assert.Equal(t, "512x512", get(fields.Size))
	assert.Equal(t, "cyber_v33", get(fields.Model))
	assert.Equal(t, "karras", get(fields.Scheduler))
	assert.Equal(t, "1", get(fields.Denoise))

	hash := get(fields.ModelHash)
	require.Len(t, hash, 10)

	var summary map[string]string
	require.NoError(t, json.Unmarshal([]byte(get(fields.HashesSummary)), &summary))
	assert.Equal(t, map[string]string{"model": hash}, summary)

	// The sidecar exists after the call.
	_, err := os.Stat(filepath.Join(env.root, "sd15", "cyber_v33.safetensors"+hashcache.SidecarSuffix))
	assert.NoError(t, err)
}

func TestRun_NegativeEqualToPositiveOmitted(t *testing.T) {
	env := newEnv(t, "sd15/cyber_v33.safetensors")
	res := env.run(t, sd15Graph("a neon city at night"), 9, nil)
	_, hasNeg := res.Map.Get(fields.NegativePrompt)
	assert.False(t, hasNeg)
}

func TestRun_NegativePromptRouted(t *testing.T) {
	env := newEnv(t, "sd15/cyber_v33.safetensors")
	res := env.run(t, sd15Graph("blurry, low quality"), 9, nil)
	neg, ok := res.Map.Get(fields.NegativePrompt)
	require.True(t, ok)
	assert.Equal(t, "blurry, low quality", neg)
}

// stackGraph mirrors the multi-LoRA scenario with one disabled slot.
func stackGraph() *graph.Graph {
	return &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		1: {ClassName: "LoRA Stacker", Inputs: map[string]graph.InputValue{
			"lora_count":  graph.Scalar(float64(4)),
			"lora_name_1": graph.Scalar("LoRA/a.safetensors"),
			"lora_name_2": graph.Scalar("LoRA/b.safetensors"),
			"lora_name_3": graph.Scalar("None"),
			"lora_name_4": graph.Scalar("LoRA/c.safetensors"),
			"model_str_1": graph.Scalar(0.97),
			"model_str_2": graph.Scalar(0.6),
			"model_str_3": graph.Scalar(float64(1)),
			"model_str_4": graph.Scalar(0.5),
			"clip_str_1":  graph.Scalar(0.88),
			"clip_str_2":  graph.Scalar(0.51),
			"clip_str_3":  graph.Scalar(float64(1)),
			"clip_str_4":  graph.Scalar(0.5),
		}},
		5: {ClassName: "KSampler", Inputs: map[string]graph.InputValue{
			"seed": graph.Scalar(float64(1)), "steps": graph.Scalar(float64(20)),
			"cfg": graph.Scalar(float64(7)), "sampler_name": graph.Scalar("euler"),
			"scheduler": graph.Scalar("normal"), "denoise": graph.Scalar(float64(1)),
			"model": graph.RefTo(1, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0),
		}},
	}}
}

func TestRun_LoraStack_NoneDroppedAndRenumbered(t *testing.T) {
	env := newEnv(t, "LoRA/a.safetensors", "LoRA/b.safetensors", "LoRA/c.safetensors")
	res := env.run(t, stackGraph(), 9, nil)
	m := res.Map

	slot := func(f fields.Field, n int) string {
		v, _ := m.GetSlot(f, n)
		return v
	}
	assert.Equal(t, "a", slot(fields.LoraModelName, 1))
	assert.Equal(t, "0.97", slot(fields.LoraStrengthModel, 1))
	assert.Equal(t, "0.88", slot(fields.LoraStrengthClip, 1))
	assert.Equal(t, "b", slot(fields.LoraModelName, 2))
	assert.Equal(t, "0.6", slot(fields.LoraStrengthModel, 2))
	assert.Equal(t, "0.51", slot(fields.LoraStrengthClip, 2))
	assert.Equal(t, "c", slot(fields.LoraModelName, 3), "the slot after None is renumbered to 3")
	assert.Equal(t, "0.5", slot(fields.LoraStrengthModel, 3))
	assert.Equal(t, "0.5", slot(fields.LoraStrengthClip, 3))

	_, has4 := m.GetSlot(fields.LoraModelName, 4)
	assert.False(t, has4)

	summaryRaw, ok := m.Get(fields.HashesSummary)
	require.True(t, ok)
	var summary map[string]string
	require.NoError(t, json.Unmarshal([]byte(summaryRaw), &summary))
	for _, key := range []string{"lora:a", "lora:b", "lora:c"} {
		assert.Len(t, summary[key], 10, "missing or malformed %s", key)
	}
	_, hasNone := summary["lora:None"]
	assert.False(t, hasNone)
}

func TestRun_InlineLoraOptInDiscipline(t *testing.T) {
	env := newEnv(t, "foo.safetensors")
	userRules := map[string]rules.ClassRules{
		"OptInEncode": {
			fields.PositivePrompt: {InputName: "text", InlineLoraCandidate: true},
		},
		"PlainEncode": {
			fields.PositivePrompt: {InputName: "text"},
		},
	}
	g := &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		2: {ClassName: "OptInEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar("hero portrait <lora:foo:0.5>"),
		}},
		3: {ClassName: "PlainEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar("hero portrait <lora:foo:0.5>"),
		}},
		5: {ClassName: "KSampler", Inputs: map[string]graph.InputValue{
			"seed": graph.Scalar(float64(1)), "steps": graph.Scalar(float64(20)),
			"cfg": graph.Scalar(float64(7)), "sampler_name": graph.Scalar("euler"),
			"scheduler": graph.Scalar("normal"), "denoise": graph.Scalar(float64(1)),
			"positive": graph.RefTo(2, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0), "extra": graph.RefTo(3, 0),
		}},
	}}
	res := env.run(t, g, 9, userRules)

	slots := res.Map.Slots(fields.LoraModelName)
	require.Len(t, slots, 1, "exactly one inline entry, from the opt-in class")
	name, _ := res.Map.GetSlot(fields.LoraModelName, 1)
	assert.Equal(t, "foo", name)
	sm, _ := res.Map.GetSlot(fields.LoraStrengthModel, 1)
	assert.Equal(t, "0.5", sm)
}

func TestRun_InlineSuppressedByStructuredEntry(t *testing.T) {
	env := newEnv(t, "foo.safetensors")
	g := &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		1: {ClassName: "LoraLoader", Inputs: map[string]graph.InputValue{
			"lora_name":      graph.Scalar("foo.safetensors"),
			"strength_model": graph.Scalar(0.8),
			"strength_clip":  graph.Scalar(0.7),
		}},
		2: {ClassName: "CLIPTextEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar("hero <lora:foo:0.5>"),
			"clip": graph.RefTo(1, 1),
		}},
		5: {ClassName: "KSampler", Inputs: map[string]graph.InputValue{
			"seed": graph.Scalar(float64(1)), "steps": graph.Scalar(float64(20)),
			"cfg": graph.Scalar(float64(7)), "sampler_name": graph.Scalar("euler"),
			"scheduler": graph.Scalar("normal"), "denoise": graph.Scalar(float64(1)),
			"positive": graph.RefTo(2, 0), "model": graph.RefTo(1, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0),
		}},
	}}
	res := env.run(t, g, 9, nil)

	slots := res.Map.Slots(fields.LoraModelName)
	require.Len(t, slots, 1, "the loader-sourced entry suppresses the inline tag")
	sm, _ := res.Map.GetSlot(fields.LoraStrengthModel, 1)
	assert.Equal(t, "0.8", sm, "the structured strengths win")
}

func TestRun_DualEncoderPrompts(t *testing.T) {
	env := newEnv(t)
	g := &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		1: {ClassName: "DualCLIPLoader", Inputs: map[string]graph.InputValue{
			"clip_name1": graph.Scalar("t5xxl_fp16.safetensors"),
			"clip_name2": graph.Scalar("clip_l.safetensors"),
		}},
		2: {ClassName: "CLIPTextEncodeFlux", Inputs: map[string]graph.InputValue{
			"t5xxl":    graph.Scalar("a castle on a hill, detailed"),
			"clip_l":   graph.Scalar("castle, hill"),
			"guidance": graph.Scalar(3.5),
			"clip":     graph.RefTo(1, 0),
		}},
		5: {ClassName: "KSampler", Inputs: map[string]graph.InputValue{
			"seed": graph.Scalar(float64(1)), "steps": graph.Scalar(float64(20)),
			"cfg": graph.Scalar(float64(1)), "sampler_name": graph.Scalar("euler"),
			"scheduler": graph.Scalar("simple"), "denoise": graph.Scalar(float64(1)),
			"positive": graph.RefTo(2, 0),
		}},
		9: {ClassName: "SaveImage", Inputs: map[string]graph.InputValue{
			"images": graph.RefTo(5, 0),
		}},
	}}
	res := env.run(t, g, 9, nil)
	m := res.Map

	t5, ok := m.Get(fields.T5Prompt)
	require.True(t, ok)
	assert.Equal(t, "a castle on a hill, detailed", t5)
	clip, ok := m.Get(fields.ClipPrompt)
	require.True(t, ok)
	assert.Equal(t, "castle, hill", clip)

	_, hasUnified := m.Get(fields.PositivePrompt)
	assert.False(t, hasUnified, "the unified positive prompt is suppressed")

	c1, _ := m.GetSlot(fields.ClipModelName, 1)
	c2, _ := m.GetSlot(fields.ClipModelName, 2)
	assert.Equal(t, "t5xxl_fp16", c1)
	assert.Equal(t, "clip_l", c2)

	g1, _ := m.Get(fields.Guidance)
	assert.Equal(t, "3.5", g1)
}

func TestRun_EmbeddingRefsResolvedAndHashed(t *testing.T) {
	env := newEnv(t, "easyneg.safetensors")
	g := sd15Graph("embedding:easyneg, blurry")
	res := env.run(t, g, 9, nil)
	m := res.Map

	name, ok := m.GetSlot(fields.EmbeddingName, 1)
	require.True(t, ok)
	assert.Equal(t, "easyneg", name)
	hash, ok := m.GetSlot(fields.EmbeddingHash, 1)
	require.True(t, ok)
	assert.Len(t, hash, 10)

	summaryRaw, _ := m.Get(fields.HashesSummary)
	var summary map[string]string
	require.NoError(t, json.Unmarshal([]byte(summaryRaw), &summary))
	assert.Equal(t, hash, summary["embed:easyneg"])
}

func TestRun_ZeroLoras_NoSummaryLine(t *testing.T) {
	env := newEnv(t, "sd15/cyber_v33.safetensors")
	res := env.run(t, sd15Graph(""), 9, nil)
	_, ok := res.Map.Get(fields.LoraSummary)
	assert.False(t, ok)
	assert.Empty(t, res.Map.Slots(fields.LoraModelName))
}
