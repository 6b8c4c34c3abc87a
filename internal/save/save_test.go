package save

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/encode"
	"github.com/xxmjskxx/metasave/internal/format"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/hashcache"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{200, uint8(x), uint8(y), 255})
		}
	}
	return img
}

// newViper builds an isolated configuration pointing every path at temp
// directories and registers the test checkpoint.
func newViper(t *testing.T) (*viper.Viper, string) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)

	models := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(models, "sd15"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "sd15", "cyber_v33.safetensors"), []byte("weights"), 0o644))

	for _, fam := range config.Families {
		v.Set("paths.models."+fam, []string{models})
	}
	v.Set("paths.user-rules", t.TempDir())
	v.Set("paths.extensions", t.TempDir())
	return v, models
}

func sd15Graph() *graph.Graph {
	return &graph.Graph{Nodes: map[graph.NodeID]graph.Node{
		1: {ClassName: "CheckpointLoaderSimple", Inputs: map[string]graph.InputValue{
			"ckpt_name": graph.Scalar("sd15/cyber_v33.safetensors"),
		}},
		2: {ClassName: "CLIPTextEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar("a neon city at night"),
			"clip": graph.RefTo(1, 1),
		}},
		3: {ClassName: "CLIPTextEncode", Inputs: map[string]graph.InputValue{
			"text": graph.Scalar(""),
			"clip": graph.RefTo(1, 1),
		}},
		4: {ClassName: "EmptyLatentImage", Inputs: map[string]graph.InputValue{
			"width":  graph.Scalar(float64(512)),
			"height": graph.Scalar(float64(512)),
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

func TestSave_PNG_FullMetadata(t *testing.T) {
	v, models := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	out := t.TempDir()
	res, err := saver.Save(Request{
		Images:         []image.Image{testImage()},
		Graph:          sd15Graph(),
		SaveNodeID:     9,
		Container:      ContainerPNG,
		OutputDir:      out,
		FilenamePrefix: "city_%seed%",
	})
	require.NoError(t, err)
	require.Len(t, res.Images, 1)

	assert.Equal(t, []string{"full"}, res.StageMirror)
	assert.Equal(t, filepath.Join(out, "city_123_00000_.png"), res.Images[0].Path)

	params := res.Parameters[0]
	assert.True(t, strings.HasPrefix(params, "a neon city at night\n"), "prompt first: %q", params)
	assert.NotContains(t, params, "Negative prompt:")
	assert.Contains(t, params, "Steps: 20, Sampler: dpmpp_2m, CFG scale: 8, Seed: 123, Size: 16x16")
	assert.Contains(t, params, "Model: cyber_v33, Model hash: ")
	assert.Contains(t, params, "Denoise: 1, Scheduler: karras")
	assert.Contains(t, params, `Hashes: {"model":"`)
	assert.NotContains(t, params, "Metadata Fallback:")
	assert.True(t, strings.Contains(params, "Metadata generator version: "+GeneratorVersion))

	// The written PNG embeds the parameter block and the workflow graph.
	data, err := os.ReadFile(res.Images[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "parameters")
	assert.Contains(t, string(data), `"class_type":"KSampler"`)

	// Sidecar written next to the checkpoint.
	_, err = os.Stat(filepath.Join(models, "sd15", "cyber_v33.safetensors"+hashcache.SidecarSuffix))
	assert.NoError(t, err)
}

func TestSave_JPEG_MinimalFallback(t *testing.T) {
	v, _ := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	g := sd15Graph()
	// Inflate the workflow well past the EXIF ceiling and the scheduler
	// value past the reduced stage's budget.
	huge := strings.Repeat("lorem ipsum dolor sit amet ", 8000)
	node := g.Nodes[2]
	node.Inputs["text"] = graph.Scalar("a neon city at night")
	g.Nodes[2] = node
	pad := g.Nodes[3]
	pad.Inputs["text"] = graph.Scalar("")
	g.Nodes[3] = pad
	sched := g.Nodes[5]
	sched.Inputs["scheduler"] = graph.Scalar("karras" + strings.Repeat("x", 9000))
	g.Nodes[5] = sched
	stray := g.Nodes[9]
	stray.Inputs["note"] = graph.Scalar(huge)
	g.Nodes[9] = stray

	res, err := saver.Save(Request{
		Images:        []image.Image{testImage()},
		Graph:         g,
		SaveNodeID:    9,
		Container:     ContainerJPEG,
		OutputDir:     t.TempDir(),
		MaxJPEGExifKB: 8,
	})
	require.NoError(t, err)
	require.Len(t, res.Images, 1)

	assert.Equal(t, []string{"minimal"}, res.StageMirror)
	params := res.Parameters[0]
	assert.Contains(t, params, "Metadata Fallback: minimal")
	assert.NotContains(t, params, "Scheduler:", "non-allowlisted fields are dropped at minimal")
	assert.Contains(t, params, "Steps: 20")
}

func TestSave_JPEG_OneKBReachesCOMMarker(t *testing.T) {
	v, _ := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	g := sd15Graph()
	node := g.Nodes[2]
	node.Inputs["text"] = graph.Scalar(strings.Repeat("very long prompt ", 300))
	g.Nodes[2] = node

	res, err := saver.Save(Request{
		Images:        []image.Image{testImage()},
		Graph:         g,
		SaveNodeID:    9,
		Container:     ContainerJPEG,
		OutputDir:     t.TempDir(),
		MaxJPEGExifKB: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{string(encode.StageCOMMarker)}, res.StageMirror)
}

func TestSave_GuidanceAsCFG(t *testing.T) {
	v, _ := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	g := sd15Graph()
	g.Nodes[6] = graph.Node{ClassName: "FluxGuidance", Inputs: map[string]graph.InputValue{
		"guidance":     graph.Scalar(3.5),
		"conditioning": graph.RefTo(2, 0),
	}}
	node := g.Nodes[5]
	node.Inputs["positive"] = graph.RefTo(6, 0)
	g.Nodes[5] = node

	res, err := saver.Save(Request{
		Images:        []image.Image{testImage()},
		Graph:         g,
		SaveNodeID:    9,
		Container:     ContainerPNG,
		OutputDir:     t.TempDir(),
		GuidanceAsCFG: true,
	})
	require.NoError(t, err)
	params := res.Parameters[0]
	assert.Contains(t, params, "CFG scale: 3.5")
	assert.NotContains(t, params, "Guidance:")
}

func TestSave_CivitaiSamplerNaming(t *testing.T) {
	v, _ := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	res, err := saver.Save(Request{
		Images:         []image.Image{testImage()},
		Graph:          sd15Graph(),
		SaveNodeID:     9,
		Container:      ContainerPNG,
		OutputDir:      t.TempDir(),
		CivitaiSampler: true,
	})
	require.NoError(t, err)
	params := res.Parameters[0]
	assert.Contains(t, params, "Sampler: DPM++ 2M Karras")
	assert.NotContains(t, params, "Scheduler:")
}

func TestSave_ExtraMetadataSanitized(t *testing.T) {
	v, _ := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	res, err := saver.Save(Request{
		Images:     []image.Image{testImage()},
		Graph:      sd15Graph(),
		SaveNodeID: 9,
		Container:  ContainerPNG,
		OutputDir:  t.TempDir(),
		ExtraMetadata: []format.KV{
			{Key: "Workflow", Value: "portrait, v2, final"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Parameters[0], "Workflow: portrait/ v2/ final")
}

func TestSave_BatchStagedIndependently(t *testing.T) {
	v, _ := newViper(t)
	saver := NewSaver(v)
	defer saver.Close()

	res, err := saver.Save(Request{
		Images:     []image.Image{testImage(), testImage(), testImage()},
		Graph:      sd15Graph(),
		SaveNodeID: 9,
		Container:  ContainerPNG,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, res.Images, 3)
	assert.Equal(t, []string{"full", "full", "full"}, res.StageMirror)
	assert.Contains(t, res.Parameters[1], "Batch index: 1")
	assert.Contains(t, res.Parameters[2], "Batch size: 3")
}

func TestSave_ProvenanceBOMSidecar(t *testing.T) {
	v, _ := newViper(t)
	v.Set("provenance-bom", true)
	saver := NewSaver(v)
	defer saver.Close()

	res, err := saver.Save(Request{
		Images:     []image.Image{testImage()},
		Graph:      sd15Graph(),
		SaveNodeID: 9,
		Container:  ContainerPNG,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(res.Images[0].Path + ".cdx.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "CycloneDX")
	assert.Contains(t, string(data), "sd15/cyber_v33.safetensors")
	assert.Contains(t, string(data), "SHA-256")
	assert.Contains(t, string(data), "urn:uuid:", "serial number and refs use the uuid scheme")
}
