package scan

import (
	"regexp"
	"strings"

	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// stackSuffix matches prefix-enumerated input names like lora_name_3.
var stackSuffix = regexp.MustCompile(`^(.*_)(\d+)$`)

// propose applies the closed heuristic list to one class spec, producing
// candidate capture rules and, when the class looks sampler-shaped, its
// conditioning roles.
func propose(class string, spec ClassSpec) (rules.ClassRules, rules.Roles) {
	out := rules.ClassRules{}

	// Prefix-enumerated stacks are detected first so their members don't
	// also match the scalar heuristics.
	stackPrefixes := detectStacks(spec)
	consumed := make(map[string]bool)
	for _, st := range stackPrefixes {
		for _, in := range spec.Inputs {
			if strings.HasPrefix(in.Name, st.prefix) {
				consumed[in.Name] = true
			}
		}
	}
	for _, st := range stackPrefixes {
		if !strings.Contains(st.prefix, "lora") {
			continue
		}
		args := rules.SelectorArgs{Prefix: st.prefix, CounterKey: st.counterKey, FilterNone: true}
		out[fields.LoraModelName] = rules.CaptureSpec{Selector: rules.SelectorStackByPrefix, Args: args}
		out[fields.LoraModelHash] = rules.CaptureSpec{Selector: rules.SelectorStackByPrefix, Args: args, Format: rules.FormatCalcLoraHash}
		if p := siblingPrefix(stackPrefixes, "model_str_", "strength_model_", "lora_wt_"); p != "" {
			out[fields.LoraStrengthModel] = rules.CaptureSpec{
				Selector: rules.SelectorStackByPrefix,
				Args:     rules.SelectorArgs{Prefix: p, CounterKey: st.counterKey},
			}
		}
		if p := siblingPrefix(stackPrefixes, "clip_str_", "strength_clip_"); p != "" {
			out[fields.LoraStrengthClip] = rules.CaptureSpec{
				Selector: rules.SelectorStackByPrefix,
				Args:     rules.SelectorArgs{Prefix: p, CounterKey: st.counterKey},
			}
		}
		break
	}

	promptLike := classLooksPromptEncoding(class)
	for _, in := range spec.Inputs {
		if consumed[in.Name] {
			continue
		}
		for _, c := range scalarHeuristics(in, promptLike) {
			if _, taken := out[c.field]; !taken {
				out[c.field] = c.spec
			}
		}
	}

	return out, samplerRoles(spec)
}

type candidate struct {
	field fields.Field
	spec  rules.CaptureSpec
}

// scalarHeuristics maps one input to candidate rules. The list is closed and
// ordered by specificity; loader-name inputs yield both the display name and
// the hash field.
func scalarHeuristics(in InputSpec, promptLike bool) []candidate {
	name := strings.ToLower(in.Name)
	typ := strings.ToUpper(in.Type)
	byName := rules.CaptureSpec{InputName: in.Name}
	one := func(f fields.Field, s rules.CaptureSpec) []candidate { return []candidate{{f, s}} }

	switch {
	case name == "sampler_name":
		return one(fields.SamplerName, byName)
	case name == "scheduler" && strings.Contains(typ, "COMBO") && typ != "COMBO":
		// Combined sampler/scheduler values split into both fields.
		return one(fields.SamplerName, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatSchedulerCombo})
	case name == "scheduler":
		return one(fields.Scheduler, byName)
	case name == "ckpt_name":
		return []candidate{
			{fields.Model, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCleanModelName}},
			{fields.ModelHash, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCalcModelHash}},
		}
	case name == "unet_name":
		return []candidate{
			{fields.Model, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCleanModelName}},
			{fields.ModelHash, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCalcUnetHash}},
		}
	case name == "vae_name":
		return []candidate{
			{fields.VAE, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCleanModelName}},
			{fields.VAEHash, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCalcVAEHash}},
		}
	case strings.HasPrefix(name, "clip_name"):
		return one(fields.ClipModelName, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCleanModelName})
	case name == "lora_name":
		return []candidate{
			{fields.LoraModelName, rules.CaptureSpec{InputName: in.Name, Validate: rules.PredicateNotNone}},
			{fields.LoraModelHash, rules.CaptureSpec{InputName: in.Name, Format: rules.FormatCalcLoraHash, Validate: rules.PredicateNotNone}},
		}
	case name == "strength_model":
		return one(fields.LoraStrengthModel, rules.CaptureSpec{InputName: in.Name, Validate: rules.PredicateNotNone})
	case name == "strength_clip":
		return one(fields.LoraStrengthClip, rules.CaptureSpec{InputName: in.Name, Validate: rules.PredicateNotNone})
	case strings.Contains(name, "seed") && typ == "INT":
		return one(fields.Seed, byName)
	case name == "steps" || strings.HasSuffix(name, "_steps"):
		return one(fields.Steps, byName)
	case name == "start_at_step" || name == "start_step":
		return one(fields.StartStep, byName)
	case name == "end_at_step" || name == "end_step":
		return one(fields.EndStep, byName)
	case name == "cfg" || strings.HasPrefix(name, "cfg_"):
		return one(fields.CFG, byName)
	case name == "guidance":
		return one(fields.Guidance, byName)
	case name == "denoise":
		return one(fields.Denoise, byName)
	case name == "max_shift":
		return one(fields.MaxShift, byName)
	case name == "base_shift":
		return one(fields.BaseShift, byName)
	case name == "shift":
		return one(fields.Shift, byName)
	case name == "stop_at_clip_layer" || name == "clip_skip":
		return one(fields.ClipSkip, byName)
	case name == "weight_dtype":
		return one(fields.WeightDtype, byName)
	case name == "width":
		return one(fields.ImageWidth, byName)
	case name == "height":
		return one(fields.ImageHeight, byName)
	case name == "batch_size":
		return one(fields.BatchSize, byName)
	case isPromptInput(name, typ, in.Multiline):
		spec := rules.CaptureSpec{InputName: in.Name}
		field := fields.PositivePrompt
		if strings.Contains(name, "negative") {
			field = fields.NegativePrompt
		} else if promptLike {
			spec.InlineLoraCandidate = true
		}
		return one(field, spec)
	}
	return nil
}

func isPromptInput(name, typ string, multiline bool) bool {
	if typ != "STRING" {
		return false
	}
	switch name {
	case "text", "prompt", "positive", "negative", "t5xxl", "clip_l", "text_g", "text_l":
		return true
	}
	return multiline && (strings.Contains(name, "prompt") || strings.Contains(name, "text"))
}

// classLooksPromptEncoding guesses whether a class accepts text that may
// carry inline LoRA tags.
func classLooksPromptEncoding(class string) bool {
	lower := strings.ToLower(class)
	return strings.Contains(lower, "encode") || strings.Contains(lower, "prompt")
}

type stack struct {
	prefix     string
	counterKey string
}

// detectStacks finds prefix-enumerated input groups (two or more members)
// and their counter input, if any.
func detectStacks(spec ClassSpec) []stack {
	counts := make(map[string]int)
	for _, in := range spec.Inputs {
		if m := stackSuffix.FindStringSubmatch(in.Name); m != nil {
			counts[m[1]]++
		}
	}
	var out []stack
	for prefix, n := range counts {
		if n < 2 {
			continue
		}
		st := stack{prefix: prefix}
		base := strings.TrimSuffix(prefix, "_")
		for _, in := range spec.Inputs {
			lower := strings.ToLower(in.Name)
			if lower == base+"_count" || lower == "lora_count" && strings.Contains(prefix, "lora") {
				st.counterKey = in.Name
				break
			}
		}
		out = append(out, st)
	}
	// Deterministic order for stable proposals.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].prefix < out[i].prefix {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func siblingPrefix(stacks []stack, candidates ...string) string {
	for _, c := range candidates {
		for _, st := range stacks {
			if st.prefix == c {
				return c
			}
		}
	}
	return ""
}

// samplerRoles reports conditioning roles when the class declares the
// conventional sampler inputs.
func samplerRoles(spec ClassSpec) rules.Roles {
	roles := rules.Roles{}
	for _, in := range spec.Inputs {
		name := strings.ToLower(in.Name)
		typ := strings.ToUpper(in.Type)
		switch {
		case name == "positive" && typ == "CONDITIONING":
			roles[rules.RolePositive] = in.Name
		case name == "negative" && typ == "CONDITIONING":
			roles[rules.RoleNegative] = in.Name
		case name == "latent_image" && typ == "LATENT":
			roles[rules.RoleLatentImage] = in.Name
		}
	}
	if roles[rules.RolePositive] == "" || roles[rules.RoleNegative] == "" {
		return nil
	}
	return roles
}
