package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxmjskxx/metasave/internal/fields"
)

func sampleMap() *fields.Map {
	m := fields.NewMap()
	m.Set(fields.PositivePrompt, "a neon city at night")
	m.Set(fields.NegativePrompt, "blurry")
	m.Set(fields.Steps, "20")
	m.Set(fields.SamplerName, "dpmpp_2m")
	m.Set(fields.CFG, "8")
	m.Set(fields.Seed, "123")
	m.Set(fields.Size, "512x512")
	m.Set(fields.Model, "cyber_v33")
	m.Set(fields.ModelHash, "abcdef0123")
	m.Set(fields.Denoise, "1")
	m.Set(fields.Scheduler, "karras")
	m.Set(fields.HashesSummary, `{"model":"abcdef0123"}`)
	m.Set(fields.MetadataVersion, "metasave v1.4.0")
	return m
}

func TestRender_CompactShape(t *testing.T) {
	out := Render(sampleMap(), Options{})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, "a neon city at night", lines[0], "the positive prompt is unprefixed and first")
	assert.Equal(t, "Negative prompt: blurry", lines[1])

	assert.Equal(t,
		"Steps: 20, Sampler: dpmpp_2m, CFG scale: 8, Seed: 123, Size: 512x512, "+
			"Model: cyber_v33, Model hash: abcdef0123, Denoise: 1, Scheduler: karras, "+
			`Hashes: {"model":"abcdef0123"}, Metadata generator version: metasave v1.4.0`,
		lines[2])
}

func TestRender_FallbackAnnotationOnceBeforeVersion(t *testing.T) {
	out := Render(sampleMap(), Options{FallbackStage: "minimal"})
	assert.Equal(t, 1, strings.Count(out, "Metadata Fallback:"))

	idx := strings.Index(out, "Metadata Fallback: minimal")
	verIdx := strings.Index(out, "Metadata generator version:")
	require.Greater(t, idx, 0)
	require.Greater(t, verIdx, idx, "the annotation is the final non-version token")
	assert.True(t, strings.HasSuffix(out, "Metadata generator version: metasave v1.4.0"))
}

func TestRender_NoFallbackAtFullStage(t *testing.T) {
	out := Render(sampleMap(), Options{})
	assert.NotContains(t, out, "Metadata Fallback:")
}

func TestRender_Multiline(t *testing.T) {
	out := Render(sampleMap(), Options{Mode: Multiline})
	lines := strings.Split(out, "\n")
	assert.Equal(t, "Positive prompt: a neon city at night", lines[0])
	assert.Equal(t, "Negative prompt: blurry", lines[1])
	assert.Equal(t, "Steps: 20", lines[2])
	assert.Equal(t, "Metadata generator version: metasave v1.4.0", lines[len(lines)-1])
}

func TestRender_ExtrasBeforeFallback(t *testing.T) {
	out := Render(sampleMap(), Options{
		FallbackStage: "reduced-exif",
		Extra:         []KV{{Key: "Workflow", Value: "portrait-v2"}},
	})
	wIdx := strings.Index(out, "Workflow: portrait-v2")
	fIdx := strings.Index(out, "Metadata Fallback:")
	require.Greater(t, wIdx, 0)
	assert.Greater(t, fIdx, wIdx)
}

func TestStripReprs(t *testing.T) {
	assert.Equal(t, "clean", StripReprs("clean"))
	assert.Equal(t, "before  after", StripReprs("before <SomeClass object at 0x7f3a2b> after"))
	assert.Equal(t, "<myLora:0.5>", StripReprs("<myLora:0.5>"), "inline tags are not reprs")
}

func TestSanitizeExtra(t *testing.T) {
	assert.Equal(t, "a/ b/ c", SanitizeExtra("a, b, c"))
}

func TestCivitaiSamplerName(t *testing.T) {
	assert.Equal(t, "DPM++ 2M Karras", CivitaiSamplerName("dpmpp_2m", "karras"))
	assert.Equal(t, "Euler", CivitaiSamplerName("euler", "normal"))
	assert.Equal(t, "Euler a", CivitaiSamplerName("euler_ancestral", ""))
	assert.Equal(t, "Euler Karras", CivitaiSamplerName("euler_karras", ""))
	assert.Equal(t, "UniPC", CivitaiSamplerName("uni_pc", "simple"))
}
