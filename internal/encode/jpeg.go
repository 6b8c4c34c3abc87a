package encode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/fields"
)

// Stage is the degradation level reached while embedding metadata in a
// size-constrained container.
type Stage string

const (
	StageFull        Stage = "full"
	StageReducedEXIF Stage = "reduced-exif"
	StageMinimal     Stage = "minimal"
	StageCOMMarker   Stage = "com-marker"
)

// RenderFunc renders the parameter string for a (possibly filtered) map at
// a given stage. The stage annotation ends up inside the rendered string, so
// every retry re-renders.
type RenderFunc func(m *fields.Map, stage Stage) string

// JPEGResult is the outcome of one staged encode.
type JPEGResult struct {
	Bytes []byte
	Stage Stage

	// Parameters is the parameter string actually written at the final
	// stage.
	Parameters string
}

// JPEGOptions configure the staged encoder.
type JPEGOptions struct {
	Quality int

	// LimitKB caps the EXIF attempt size; the caller clamps it to [1, 64].
	LimitKB int

	WorkflowJSON string
	Software     string
}

// EncodeJPEG writes the image with as much metadata as the segment limit
// allows, walking the stages full → reduced-exif → minimal → com-marker.
// Each stage that shrinks the payload annotates the parameter string with
// the stage it reached.
func EncodeJPEG(img image.Image, m *fields.Map, render RenderFunc, opts JPEGOptions, log *logrus.Entry) (JPEGResult, error) {
	var buf bytes.Buffer
	q := opts.Quality
	if q <= 0 || q > 100 {
		q = 90
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return JPEGResult{}, fmt.Errorf("jpeg encode: %w", err)
	}
	raw := buf.Bytes()
	limit := opts.LimitKB * 1024

	// Stage: full — workflow graph plus parameters.
	params := render(m, "")
	if app1, err := BuildEXIF(opts.WorkflowJSON, params, opts.Software); err == nil && len(app1)+2 <= limit {
		return JPEGResult{Bytes: spliceSegment(raw, 0xE1, app1), Stage: StageFull, Parameters: params}, nil
	}

	// Stage: reduced-exif — parameters only.
	params = render(m, StageReducedEXIF)
	if app1, err := BuildEXIF("", params, opts.Software); err == nil && len(app1)+2 <= limit {
		logStage(log, StageReducedEXIF)
		return JPEGResult{Bytes: spliceSegment(raw, 0xE1, app1), Stage: StageReducedEXIF, Parameters: params}, nil
	}

	// Stage: minimal — allowlisted subset only.
	minimal := m.Filter(func(e fields.Entry) bool { return fields.InMinimalAllowlist(e.Field) })
	params = render(minimal, StageMinimal)
	if app1, err := BuildEXIF("", params, opts.Software); err == nil && len(app1)+2 <= limit {
		logStage(log, StageMinimal)
		return JPEGResult{Bytes: spliceSegment(raw, 0xE1, app1), Stage: StageMinimal, Parameters: params}, nil
	}

	// Stage: com-marker — allowlisted parameters as a plain text marker, no
	// EXIF segment at all.
	params = render(minimal, StageCOMMarker)
	comText := []byte(params)
	if len(comText) > maxSegmentPayload-2 {
		comText = comText[:maxSegmentPayload-2]
	}
	logStage(log, StageCOMMarker)
	return JPEGResult{Bytes: spliceSegment(raw, 0xFE, comText), Stage: StageCOMMarker, Parameters: params}, nil
}

func logStage(log *logrus.Entry, stage Stage) {
	if log != nil {
		log.WithField("stage", string(stage)).Info("metadata fallback engaged")
	}
}

// spliceSegment inserts one marker segment directly after SOI.
func spliceSegment(raw []byte, marker byte, payload []byte) []byte {
	seg := make([]byte, 0, 4+len(payload))
	seg = append(seg, 0xFF, marker)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(payload)+2))
	seg = append(seg, length[:]...)
	seg = append(seg, payload...)

	out := make([]byte, 0, len(raw)+len(seg))
	out = append(out, raw[:2]...) // SOI
	out = append(out, seg...)
	out = append(out, raw[2:]...)
	return out
}
