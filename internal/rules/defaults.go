package rules

import "github.com/xxmjskxx/metasave/internal/fields"

// RulesVersion is stamped into regenerated rule documents. The loader logs a
// one-time advisory when a loaded document carries a different stamp.
const RulesVersion = "1.4.0"

// Defaults returns the immutable built-in capture rules. Callers receive a
// fresh copy; the table itself is never handed out.
func Defaults() map[string]ClassRules {
	out := make(map[string]ClassRules, len(defaultCaptures))
	for class, rules := range defaultCaptures {
		out[class] = rules.Clone()
	}
	return out
}

// DefaultSamplers returns the built-in sampler role table.
func DefaultSamplers() map[string]Roles {
	out := make(map[string]Roles, len(defaultSamplers))
	for class, roles := range defaultSamplers {
		cp := make(Roles, len(roles))
		for r, in := range roles {
			cp[r] = in
		}
		out[class] = cp
	}
	return out
}

// TestSamplerClass is the lightweight sampler stub exposed when test nodes
// are enabled.
const TestSamplerClass = "MetasaveTestSampler"

// TestNodeRules returns the capture rules of the test sampler stub.
func TestNodeRules() (string, ClassRules, Roles) {
	return TestSamplerClass,
		ClassRules{
			fields.Seed:        {InputName: "seed"},
			fields.Steps:       {InputName: "steps"},
			fields.CFG:         {InputName: "cfg"},
			fields.SamplerName: {InputName: "sampler_name"},
			fields.Scheduler:   {InputName: "scheduler"},
		},
		Roles{RolePositive: "positive", RoleNegative: "negative", RoleLatentImage: "latent_image"}
}

var defaultCaptures = map[string]ClassRules{
	"KSampler": {
		fields.Seed:        {InputName: "seed"},
		fields.Steps:       {InputName: "steps"},
		fields.CFG:         {InputName: "cfg"},
		fields.SamplerName: {InputName: "sampler_name"},
		fields.Scheduler:   {InputName: "scheduler"},
		fields.Denoise:     {InputName: "denoise"},
	},
	"KSamplerAdvanced": {
		fields.Seed:        {InputName: "noise_seed"},
		fields.Steps:       {InputName: "steps"},
		fields.CFG:         {InputName: "cfg"},
		fields.SamplerName: {InputName: "sampler_name"},
		fields.Scheduler:   {InputName: "scheduler"},
		fields.StartStep:   {InputName: "start_at_step"},
		fields.EndStep:     {InputName: "end_at_step"},
	},
	"SamplerCustom": {
		fields.Seed: {InputName: "noise_seed"},
		fields.CFG:  {InputName: "cfg"},
	},
	"SamplerCustomAdvanced": {
		fields.Seed: {InputName: "noise_seed"},
	},
	"KSamplerSelect": {
		fields.SamplerName: {InputName: "sampler_name"},
	},
	"BasicScheduler": {
		fields.Scheduler: {InputName: "scheduler"},
		fields.Steps:     {InputName: "steps"},
		fields.Denoise:   {InputName: "denoise"},
	},
	"RandomNoise": {
		fields.Seed: {InputName: "noise_seed"},
	},
	"CheckpointLoaderSimple": {
		fields.Model:     {InputName: "ckpt_name", Format: FormatCleanModelName},
		fields.ModelHash: {InputName: "ckpt_name", Format: FormatCalcModelHash},
	},
	"CheckpointLoader": {
		fields.Model:     {InputName: "ckpt_name", Format: FormatCleanModelName},
		fields.ModelHash: {InputName: "ckpt_name", Format: FormatCalcModelHash},
	},
	"UNETLoader": {
		fields.Model:       {InputName: "unet_name", Format: FormatCleanModelName},
		fields.ModelHash:   {InputName: "unet_name", Format: FormatCalcUnetHash},
		fields.WeightDtype: {InputName: "weight_dtype"},
	},
	"VAELoader": {
		fields.VAE:     {InputName: "vae_name", Format: FormatCleanModelName},
		fields.VAEHash: {InputName: "vae_name", Format: FormatCalcVAEHash},
	},
	"LoraLoader": {
		fields.LoraModelName:     {InputName: "lora_name", Validate: PredicateNotNone},
		fields.LoraModelHash:     {InputName: "lora_name", Format: FormatCalcLoraHash, Validate: PredicateNotNone},
		fields.LoraStrengthModel: {InputName: "strength_model", Validate: PredicateNotNone},
		fields.LoraStrengthClip:  {InputName: "strength_clip", Validate: PredicateNotNone},
	},
	"LoraLoaderModelOnly": {
		fields.LoraModelName:     {InputName: "lora_name", Validate: PredicateNotNone},
		fields.LoraModelHash:     {InputName: "lora_name", Format: FormatCalcLoraHash, Validate: PredicateNotNone},
		fields.LoraStrengthModel: {InputName: "strength_model", Validate: PredicateNotNone},
	},
	"LoRA Stacker": {
		fields.LoraModelName: {
			Selector: SelectorStackByPrefix,
			Args:     SelectorArgs{Prefix: "lora_name_", CounterKey: "lora_count", FilterNone: true},
		},
		fields.LoraModelHash: {
			Selector: SelectorStackByPrefix,
			Args:     SelectorArgs{Prefix: "lora_name_", CounterKey: "lora_count", FilterNone: true},
			Format:   FormatCalcLoraHash,
		},
		fields.LoraStrengthModel: {
			Selector: SelectorStackByPrefix,
			Args:     SelectorArgs{Prefix: "model_str_", CounterKey: "lora_count"},
		},
		fields.LoraStrengthClip: {
			Selector: SelectorStackByPrefix,
			Args:     SelectorArgs{Prefix: "clip_str_", CounterKey: "lora_count"},
		},
	},
	"Power Lora Loader (rgthree)": {
		fields.LoraModelName:     {Selector: SelectorLorasFromLoader},
		fields.LoraModelHash:     {Selector: SelectorLorasFromLoader, Format: FormatCalcLoraHash},
		fields.LoraStrengthModel: {Selector: SelectorLorasFromLoader},
		fields.LoraStrengthClip:  {Selector: SelectorLorasFromLoader},
	},
	"CLIPTextEncode": {
		fields.PositivePrompt: {InputName: "text", InlineLoraCandidate: true},
	},
	"CLIPTextEncodeSDXL": {
		fields.PositivePrompt: {Fields: []string{"text_g", "text_l"}, InlineLoraCandidate: true},
	},
	"CLIPTextEncodeFlux": {
		fields.T5Prompt:   {InputName: "t5xxl"},
		fields.ClipPrompt: {InputName: "clip_l"},
		fields.Guidance:   {InputName: "guidance"},
	},
	"CLIPSetLastLayer": {
		fields.ClipSkip: {InputName: "stop_at_clip_layer"},
	},
	"CLIPLoader": {
		fields.ClipModelName: {InputName: "clip_name", Format: FormatCleanModelName},
	},
	"DualCLIPLoader": {
		fields.ClipModelName: {Fields: []string{"clip_name1", "clip_name2"}, Format: FormatCleanModelName},
	},
	"TripleCLIPLoader": {
		fields.ClipModelName: {Fields: []string{"clip_name1", "clip_name2", "clip_name3"}, Format: FormatCleanModelName},
	},
	"EmptyLatentImage": {
		fields.ImageWidth:  {InputName: "width"},
		fields.ImageHeight: {InputName: "height"},
		fields.BatchSize:   {InputName: "batch_size"},
	},
	"EmptySD3LatentImage": {
		fields.ImageWidth:  {InputName: "width"},
		fields.ImageHeight: {InputName: "height"},
		fields.BatchSize:   {InputName: "batch_size"},
	},
	"FluxGuidance": {
		fields.Guidance: {InputName: "guidance"},
	},
	"ModelSamplingFlux": {
		fields.MaxShift:  {InputName: "max_shift"},
		fields.BaseShift: {InputName: "base_shift"},
	},
	"ModelSamplingSD3": {
		fields.Shift: {InputName: "shift"},
	},
	"ModelSamplingAuraFlow": {
		fields.Shift: {InputName: "shift"},
	},
	"ImageUpscaleWithModel": {
		fields.HiresUpscaler: {InputName: "upscale_model"},
	},
	"UpscaleModelLoader": {
		fields.HiresUpscaler: {InputName: "model_name", Format: FormatCleanModelName},
	},
	"LatentUpscale": {
		fields.HiresUpscale: {InputName: "scale_by"},
	},
}

var defaultSamplers = map[string]Roles{
	"KSampler": {
		RolePositive:    "positive",
		RoleNegative:    "negative",
		RoleLatentImage: "latent_image",
	},
	"KSamplerAdvanced": {
		RolePositive:    "positive",
		RoleNegative:    "negative",
		RoleLatentImage: "latent_image",
	},
	"SamplerCustom": {
		RolePositive:    "positive",
		RoleNegative:    "negative",
		RoleLatentImage: "latent_image",
	},
	"SamplerCustomAdvanced": {
		RoleLatentImage: "latent_image",
	},
}
