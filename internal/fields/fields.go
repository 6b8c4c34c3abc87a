// Package fields declares the closed set of semantic metadata fields the
// capture pipeline can emit, together with their canonical output order.
//
// The declaration order below governs the order of every rendered parameter
// string. New fields are appended only; reordering existing members would
// silently reshuffle the output of every workflow.
package fields

import "fmt"

// Field identifies one semantic metadata tag.
type Field int

const (
	PositivePrompt Field = iota
	NegativePrompt
	T5Prompt
	ClipPrompt
	Steps
	SamplerName
	CFG
	Guidance
	Seed
	ClipSkip
	ImageWidth
	ImageHeight
	Size
	BatchIndex
	BatchSize
	Model
	ModelHash
	VAE
	VAEHash
	ClipModelName
	WeightDtype
	LoraModelName
	LoraModelHash
	LoraStrengthModel
	LoraStrengthClip
	EmbeddingName
	EmbeddingHash
	Denoise
	Scheduler
	Shift
	MaxShift
	BaseShift
	StartStep
	EndStep
	SamplerID
	HiresUpscale
	HiresUpscaler
	LoraSummary
	HashesSummary
	MetadataVersion // always rendered last

	numFields // sentinel, keep last
)

// labels maps a field to its rendered key. Enumerated fields carry a
// printf-style template taking the 1-based slot index.
var labels = [numFields]string{
	PositivePrompt:    "Positive prompt",
	NegativePrompt:    "Negative prompt",
	T5Prompt:          "T5 Prompt",
	ClipPrompt:        "CLIP Prompt",
	Steps:             "Steps",
	SamplerName:       "Sampler",
	Scheduler:         "Scheduler",
	CFG:               "CFG scale",
	Guidance:          "Guidance",
	Seed:              "Seed",
	ClipSkip:          "Clip skip",
	ImageWidth:        "Width",
	ImageHeight:       "Height",
	Size:              "Size",
	BatchIndex:        "Batch index",
	BatchSize:         "Batch size",
	Model:             "Model",
	ModelHash:         "Model hash",
	VAE:               "VAE",
	VAEHash:           "VAE hash",
	ClipModelName:     "Clip_%d Model name",
	WeightDtype:       "Weight dtype",
	LoraModelName:     "Lora_%d Model name",
	LoraModelHash:     "Lora_%d Model hash",
	LoraStrengthModel: "Lora_%d Strength model",
	LoraStrengthClip:  "Lora_%d Strength clip",
	EmbeddingName:     "Embedding_%d Name",
	EmbeddingHash:     "Embedding_%d Hash",
	Denoise:           "Denoise",
	Shift:             "Shift",
	MaxShift:          "Max shift",
	BaseShift:         "Base shift",
	StartStep:         "Start step",
	EndStep:           "End step",
	SamplerID:         "Sampler node",
	HiresUpscale:      "Hires upscale",
	HiresUpscaler:     "Hires upscaler",
	LoraSummary:       "LoRAs",
	HashesSummary:     "Hashes",
	MetadataVersion:   "Metadata generator version",
}

// enumerated reports fields whose label is a per-slot template.
var enumerated = map[Field]bool{
	ClipModelName:     true,
	LoraModelName:     true,
	LoraModelHash:     true,
	LoraStrengthModel: true,
	LoraStrengthClip:  true,
	EmbeddingName:     true,
	EmbeddingHash:     true,
}

// names maps the stable enum spelling used in rule documents to the field.
var names = map[string]Field{
	"POSITIVE_PROMPT":     PositivePrompt,
	"NEGATIVE_PROMPT":     NegativePrompt,
	"T5_PROMPT":           T5Prompt,
	"CLIP_PROMPT":         ClipPrompt,
	"STEPS":               Steps,
	"SAMPLER_NAME":        SamplerName,
	"SCHEDULER":           Scheduler,
	"CFG":                 CFG,
	"GUIDANCE":            Guidance,
	"SEED":                Seed,
	"CLIP_SKIP":           ClipSkip,
	"IMAGE_WIDTH":         ImageWidth,
	"IMAGE_HEIGHT":        ImageHeight,
	"SIZE":                Size,
	"BATCH_INDEX":         BatchIndex,
	"BATCH_SIZE":          BatchSize,
	"MODEL_NAME":          Model,
	"MODEL_HASH":          ModelHash,
	"VAE_NAME":            VAE,
	"VAE_HASH":            VAEHash,
	"CLIP_MODEL_NAME":     ClipModelName,
	"WEIGHT_DTYPE":        WeightDtype,
	"LORA_MODEL_NAME":     LoraModelName,
	"LORA_MODEL_HASH":     LoraModelHash,
	"LORA_STRENGTH_MODEL": LoraStrengthModel,
	"LORA_STRENGTH_CLIP":  LoraStrengthClip,
	"EMBEDDING_NAME":      EmbeddingName,
	"EMBEDDING_HASH":      EmbeddingHash,
	"DENOISE":             Denoise,
	"SHIFT":               Shift,
	"MAX_SHIFT":           MaxShift,
	"BASE_SHIFT":          BaseShift,
	"START_STEP":          StartStep,
	"END_STEP":            EndStep,
	"SAMPLER_ID":          SamplerID,
	"HIRES_UPSCALE":       HiresUpscale,
	"HIRES_UPSCALER":      HiresUpscaler,
	"LORA_SUMMARY":        LoraSummary,
	"HASHES_SUMMARY":      HashesSummary,
	"METADATA_VERSION":    MetadataVersion,
}

var enumNames = func() map[Field]string {
	out := make(map[Field]string, len(names))
	for n, f := range names {
		out[f] = n
	}
	return out
}()

// String returns the rule-document spelling of the field, e.g. "SAMPLER_NAME".
func (f Field) String() string {
	if n, ok := enumNames[f]; ok {
		return n
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// Label returns the rendered output key. For enumerated fields the 1-based
// slot index is substituted into the label template.
func (f Field) Label(slot int) string {
	if f < 0 || f >= numFields {
		return ""
	}
	if enumerated[f] {
		if slot < 1 {
			slot = 1
		}
		return fmt.Sprintf(labels[f], slot)
	}
	return labels[f]
}

// Enumerated reports whether the field emits per-slot keys.
func (f Field) Enumerated() bool { return enumerated[f] }

// Valid reports whether f names a declared field.
func (f Field) Valid() bool { return f >= 0 && f < numFields }

// Parse resolves a rule-document field name. The second result is false for
// unknown names.
func Parse(name string) (Field, bool) {
	f, ok := names[name]
	return f, ok
}

// All returns every declared field in canonical order.
func All() []Field {
	out := make([]Field, 0, int(numFields))
	for f := Field(0); f < numFields; f++ {
		out = append(out, f)
	}
	return out
}

// minimalAllowlist is the closed field subset kept at the "minimal" fallback
// stage. Growing it requires a coordinated docs and test change.
var minimalAllowlist = map[Field]bool{
	PositivePrompt:    true,
	NegativePrompt:    true,
	Steps:             true,
	SamplerName:       true,
	CFG:               true,
	Guidance:          true,
	Seed:              true,
	Model:             true,
	ModelHash:         true,
	VAE:               true,
	VAEHash:           true,
	Size:              true,
	HashesSummary:     true,
	LoraModelName:     true,
	LoraModelHash:     true,
	LoraStrengthModel: true,
	LoraStrengthClip:  true,
	MetadataVersion:   true,
}

// InMinimalAllowlist reports whether the field survives the minimal stage.
func InMinimalAllowlist(f Field) bool { return minimalAllowlist[f] }
