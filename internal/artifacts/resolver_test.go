package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxmjskxx/metasave/internal/logging"
)

func newTestIndex(t *testing.T, names ...string) (*Index, string) {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	idx := NewIndex(map[string][]string{"checkpoint": {root}, "lora": {root}}, logging.Component("artifacts"))
	return idx, root
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"  model.safetensors  ": "model.safetensors",
		`"quoted.ckpt"`:         "quoted.ckpt",
		"'single.pt'":           "single.pt",
		"name.safetensors,":     "name.safetensors",
		"name.safetensors.;:":   "name.safetensors",
		"None":                  "None",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestResolve_Verbatim(t *testing.T) {
	idx, root := newTestIndex(t, "sd15/cyber_v33.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))

	res := r.Resolve("checkpoint", "sd15/cyber_v33.safetensors")
	require.True(t, res.Found())
	assert.Equal(t, "sd15/cyber_v33.safetensors", res.DisplayName)
	assert.Equal(t, filepath.Join(root, "sd15", "cyber_v33.safetensors"), res.AbsolutePath)
	assert.Equal(t, "cyber_v33", res.BaseName())
}

func TestResolve_MissingExtension(t *testing.T) {
	idx, _ := newTestIndex(t, "cyber_v33.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))

	res := r.Resolve("checkpoint", "cyber_v33")
	require.True(t, res.Found())
	assert.Equal(t, "cyber_v33.safetensors", res.DisplayName)
}

func TestResolve_TrailingPunctuation(t *testing.T) {
	idx, _ := newTestIndex(t, "cyber_v33.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))

	a := r.Resolve("checkpoint", "cyber_v33.safetensors,")
	b := r.Resolve("checkpoint", `"cyber_v33.safetensors"`)
	require.True(t, a.Found())
	require.True(t, b.Found())
	assert.Equal(t, a.DisplayName, b.DisplayName)
	assert.Equal(t, a.AbsolutePath, b.AbsolutePath)
}

func TestResolve_StemReduction(t *testing.T) {
	idx, _ := newTestIndex(t, "model.v1.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))

	// model.v1.2.3 -> model.v1.2 -> model.v1 (exists with extension)
	res := r.Resolve("checkpoint", "model.v1.2.3")
	require.True(t, res.Found())
	assert.Equal(t, "model.v1.safetensors", res.DisplayName)
}

func TestResolve_NoneRejected(t *testing.T) {
	idx, _ := newTestIndex(t, "None.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))

	res := r.Resolve("lora", "None")
	assert.False(t, res.Found(), "a literal None must never resolve")
}

func TestResolve_Idempotent(t *testing.T) {
	idx, _ := newTestIndex(t, "loras/style.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))

	first := r.Resolve("lora", "loras/style")
	require.True(t, first.Found())
	second := r.Resolve("lora", first.DisplayName)
	assert.Equal(t, first, second)
}

func TestResolve_UnknownFamily(t *testing.T) {
	idx, _ := newTestIndex(t, "x.safetensors")
	r := NewResolver(idx, logging.Component("artifacts"))
	res := r.Resolve("vae", "x.safetensors")
	assert.False(t, res.Found())
	assert.Equal(t, "x.safetensors", res.DisplayName)
}

func TestIndex_EarlierRootWins(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	for _, root := range []string{rootA, rootB} {
		require.NoError(t, os.WriteFile(filepath.Join(root, "dup.safetensors"), []byte(root), 0o644))
	}
	idx := NewIndex(map[string][]string{"checkpoint": {rootA, rootB}}, nil)
	_, abs, ok := idx.Lookup("checkpoint", "dup.safetensors")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(rootA, "dup.safetensors"), abs)
}
