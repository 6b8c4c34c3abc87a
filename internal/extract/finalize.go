package extract

import (
	"encoding/json"
	"strings"

	"github.com/xxmjskxx/metasave/internal/fields"
)

// finalize turns the accumulated state into map entries: prompt routing,
// inline LoRA merging, embedding resolution, slot numbering and the hashes
// summary.
func finalize(ctx *Context, st *state) {
	assignPrompts(ctx, st)
	mergeInlineLoras(ctx, st)
	resolveEmbeddings(ctx, st)
	emitLoraSlots(ctx, st)
	emitClipModels(st)
	synthesizeSize(st)
	emitHashesSummary(st)
}

// assignPrompts routes captured prompt parts to the positive or negative
// side using the primary sampler's conditioning sets, then applies the
// dual-encoder suppression.
func assignPrompts(ctx *Context, st *state) {
	var positive, negative []promptPart
	for _, p := range st.positiveParts {
		switch {
		case st.negativeSet[p.node] && !st.positiveSet[p.node]:
			negative = append(negative, p)
		default:
			positive = append(positive, p)
		}
	}
	for _, p := range st.negativeParts {
		if st.positiveSet[p.node] && !st.negativeSet[p.node] {
			positive = append(positive, p)
			continue
		}
		negative = append(negative, p)
	}
	st.positiveParts = positive
	st.negativeParts = negative

	if ctx.Settings.DebugPrompts && ctx.Log != nil {
		for _, p := range positive {
			ctx.Log.WithField("node", p.node).Debugf("positive prompt: %.60q", p.text)
		}
		for _, p := range negative {
			ctx.Log.WithField("node", p.node).Debugf("negative prompt: %.60q", p.text)
		}
	}

	if len(positive) > 0 {
		st.m.Set(fields.PositivePrompt, positive[0].text)
	}
	if len(negative) > 0 {
		neg := strings.TrimSpace(negative[0].text)
		pos := ""
		if len(positive) > 0 {
			pos = strings.TrimSpace(positive[0].text)
		}
		// An empty negative, or one equal to the positive, is noise.
		if neg != "" && neg != pos {
			st.m.Set(fields.NegativePrompt, neg)
		}
	}

	dual := false
	if len(st.clipModels) >= 2 {
		for _, name := range st.clipModels {
			if strings.Contains(strings.ToLower(name), "t5") {
				dual = true
				break
			}
		}
	}
	if st.t5Prompt != "" {
		st.m.Set(fields.T5Prompt, st.t5Prompt)
	}
	if st.clipPrompt != "" {
		st.m.Set(fields.ClipPrompt, st.clipPrompt)
	}
	if dual && st.t5Prompt != "" && st.clipPrompt != "" {
		// Separate encoder prompts replace the unified one.
		st.m.Delete(fields.PositivePrompt)
	}
}

// mergeInlineLoras parses inline tags from opt-in positive prompt texts and
// appends entries that no structured loader already supplied. On a name
// collision the structured entry wins.
func mergeInlineLoras(ctx *Context, st *state) {
	structured := make(map[string]bool, len(st.loras))
	for _, slot := range st.loras {
		structured[strings.ToLower(slot.name)] = true
	}

	for _, p := range st.positiveParts {
		if !p.inline {
			continue
		}
		for _, tag := range ParseInlineLoraTags(p.text) {
			res := ctx.Resolver.Resolve("lora", tag.Name)
			base := res.BaseName()
			if sanitizedIsNone(base) || structured[strings.ToLower(base)] {
				continue
			}
			structured[strings.ToLower(base)] = true
			entry := loraSlot{
				name:          base,
				strengthModel: tag.StrengthModel,
				strengthClip:  tag.StrengthClip,
				fromInline:    true,
			}
			if res.Found() {
				if h, ok := hashArtifact(ctx, st, "lora", tag.Name, "lora"); ok {
					entry.hash = h
				}
			}
			st.loras = append(st.loras, entry)
		}
	}
}

// resolveEmbeddings finds textual embedding references in both prompts,
// resolves and hashes them. Summary entries are keyed by resolved display
// name, matching the primary Embedding_N Name values.
func resolveEmbeddings(ctx *Context, st *state) {
	var texts []string
	if v, ok := st.m.Get(fields.PositivePrompt); ok {
		texts = append(texts, v)
	}
	if v, ok := st.m.Get(fields.T5Prompt); ok {
		texts = append(texts, v)
	}
	if v, ok := st.m.Get(fields.ClipPrompt); ok {
		texts = append(texts, v)
	}
	if v, ok := st.m.Get(fields.NegativePrompt); ok {
		texts = append(texts, v)
	}

	seen := make(map[string]bool)
	for _, text := range texts {
		for _, name := range ParseEmbeddingRefs(text) {
			res := ctx.Resolver.Resolve("embedding", name)
			base := res.BaseName()
			if base == "" || seen[strings.ToLower(base)] {
				continue
			}
			seen[strings.ToLower(base)] = true
			entry := embedEntry{name: base}
			if res.Found() {
				if h, ok := hashArtifact(ctx, st, "embedding", name, "embed"); ok {
					entry.hash = h
				}
			}
			st.embeds = append(st.embeds, entry)
		}
	}

	for i, e := range st.embeds {
		st.m.SetSlot(fields.EmbeddingName, i+1, e.name)
		if e.hash != "" {
			st.m.SetSlot(fields.EmbeddingHash, i+1, e.hash)
		}
	}
}

// emitLoraSlots numbers the surviving slots consecutively and writes the
// aligned quadruples plus the optional aggregated summary line.
func emitLoraSlots(ctx *Context, st *state) {
	for i, slot := range st.loras {
		n := i + 1
		st.m.SetSlot(fields.LoraModelName, n, slot.name)
		if slot.hash != "" {
			st.m.SetSlot(fields.LoraModelHash, n, slot.hash)
		}
		st.m.SetSlot(fields.LoraStrengthModel, n, slot.strengthModel)
		st.m.SetSlot(fields.LoraStrengthClip, n, slot.strengthClip)
	}

	if len(st.loras) == 0 {
		return
	}
	parts := make([]string, 0, len(st.loras))
	for _, slot := range st.loras {
		parts = append(parts, "<"+slot.name+":"+slot.strengthModel+">")
	}
	st.m.Set(fields.LoraSummary, strings.Join(parts, " "))
}

func emitClipModels(st *state) {
	for i, name := range st.clipModels {
		st.m.SetSlot(fields.ClipModelName, i+1, name)
	}
}

// synthesizeSize folds captured width/height into the Size field.
func synthesizeSize(st *state) {
	w, wok := st.m.Get(fields.ImageWidth)
	h, hok := st.m.Get(fields.ImageHeight)
	if wok && hok {
		st.m.Set(fields.Size, w+"x"+h)
	}
	st.m.Delete(fields.ImageWidth)
	st.m.Delete(fields.ImageHeight)
}

// emitHashesSummary writes the consolidated hash map. An entity appears
// exactly when it also appears as primary metadata with a successful hash.
func emitHashesSummary(st *state) {
	summary := make(map[string]string)
	if st.modelHash != "" {
		if _, ok := st.m.Get(fields.Model); ok {
			summary["model"] = st.modelHash
		}
	}
	if st.vaeHash != "" {
		if _, ok := st.m.Get(fields.VAE); ok {
			summary["vae"] = st.vaeHash
		}
	}
	for _, slot := range st.loras {
		if slot.hash != "" {
			summary["lora:"+slot.name] = slot.hash
		}
	}
	for _, e := range st.embeds {
		if e.hash != "" {
			summary["embed:"+e.name] = e.hash
		}
	}
	if len(summary) == 0 {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	st.m.Set(fields.HashesSummary, string(data))
}
