package encode

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxmjskxx/metasave/internal/fields"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 16), uint8(y * 16), 128, 255})
		}
	}
	return img
}

func TestEncodePNG_ChunksPresentAndDecodable(t *testing.T) {
	data, err := EncodePNG(testImage(), []TextEntry{
		{Key: "parameters", Value: "prompt\nSteps: 20"},
		{Key: "prompt", Value: `{"1": {}}`},
		{Key: "unicode", Value: "café ☕"},
	})
	require.NoError(t, err)

	// The spliced stream must still decode.
	_, err = png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	assert.True(t, bytes.Contains(data, []byte("tEXt")))
	assert.True(t, bytes.Contains(data, []byte("iTXt")), "non-latin1 values use iTXt")
	assert.True(t, bytes.Contains(data, []byte("parameters\x00prompt\nSteps: 20")))
}

func TestBuildEXIF_ContainsUserComment(t *testing.T) {
	payload, err := BuildEXIF(`{"graph":1}`, "prompt, Steps: 20", "metasave v1.4.0")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(payload, []byte("Exif\x00\x00")))
	assert.True(t, bytes.Contains(payload, []byte("ASCII\x00\x00\x00prompt, Steps: 20")))
	assert.True(t, bytes.Contains(payload, []byte(`{"graph":1}`)))
	assert.True(t, bytes.Contains(payload, []byte("metasave v1.4.0")))
}

func TestBuildEXIF_RejectsOversizedPayload(t *testing.T) {
	_, err := BuildEXIF(strings.Repeat("x", 70_000), "params", "")
	assert.Error(t, err)
}

func minimalMap() *fields.Map {
	m := fields.NewMap()
	m.Set(fields.PositivePrompt, "prompt")
	m.Set(fields.Steps, "20")
	m.Set(fields.Denoise, "1") // not allowlisted
	m.Set(fields.MetadataVersion, "v")
	return m
}

func renderFn(m *fields.Map, stage Stage) string {
	var b strings.Builder
	for _, e := range m.Ordered() {
		b.WriteString(e.Key() + ": " + e.Value + "\n")
	}
	if stage != "" && stage != StageFull {
		b.WriteString("Metadata Fallback: " + string(stage) + "\n")
	}
	return b.String()
}

func TestEncodeJPEG_FullStage(t *testing.T) {
	res, err := EncodeJPEG(testImage(), minimalMap(), renderFn, JPEGOptions{
		LimitKB:      64,
		WorkflowJSON: `{"1": {"class_type": "KSampler"}}`,
		Software:     "metasave",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StageFull, res.Stage)
	assert.NotContains(t, res.Parameters, "Metadata Fallback:")
	assert.True(t, bytes.Contains(res.Bytes, []byte("Exif\x00\x00")))
	requireValidJPEGSegments(t, res.Bytes)
}

func TestEncodeJPEG_MinimalStage(t *testing.T) {
	// A workflow too large for the limit, and enough regular fields that
	// the reduced stage overflows 2 KiB too.
	m := minimalMap()
	m.Set(fields.NegativePrompt, strings.Repeat("n", 1500))
	m.Set(fields.Scheduler, strings.Repeat("s", 1500)) // dropped at minimal

	res, err := EncodeJPEG(testImage(), m, renderFn, JPEGOptions{
		LimitKB:      2,
		WorkflowJSON: strings.Repeat("w", 200_000),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StageMinimal, res.Stage)
	assert.Contains(t, res.Parameters, "Metadata Fallback: minimal")
	assert.NotContains(t, res.Parameters, "Scheduler:")
	requireValidJPEGSegments(t, res.Bytes)
}

func TestEncodeJPEG_COMMarkerAtOneKB(t *testing.T) {
	m := minimalMap()
	m.Set(fields.PositivePrompt, strings.Repeat("p", 4000))

	res, err := EncodeJPEG(testImage(), m, renderFn, JPEGOptions{
		LimitKB:      1,
		WorkflowJSON: `{"1": {}}`,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StageCOMMarker, res.Stage)
	assert.Contains(t, res.Parameters, "Metadata Fallback: com-marker")
	assert.False(t, bytes.Contains(res.Bytes, []byte("Exif\x00\x00")), "com-marker omits EXIF entirely")
	requireValidJPEGSegments(t, res.Bytes)
}

// requireValidJPEGSegments walks the marker structure from SOI to SOS.
func requireValidJPEGSegments(t *testing.T, data []byte) {
	t.Helper()
	require.True(t, len(data) > 4)
	require.Equal(t, []byte{0xFF, 0xD8}, data[:2], "missing SOI")
	pos := 2
	for pos+4 <= len(data) {
		require.Equal(t, byte(0xFF), data[pos], "marker misaligned at %d", pos)
		marker := data[pos+1]
		if marker == 0xDA { // SOS: entropy-coded data follows
			return
		}
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		require.GreaterOrEqual(t, length, 2)
		pos += 2 + length
	}
	t.Fatalf("no SOS marker found")
}
