package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// inlineLoraPattern matches <lora:name:strength_model[:strength_clip]> tags
// embedded in prompt text.
var inlineLoraPattern = regexp.MustCompile(`<lora:([^:<>]+):([0-9.+-]+)(?::([0-9.+-]+))?>`)

// InlineLora is one parsed inline tag.
type InlineLora struct {
	Name          string
	StrengthModel string
	StrengthClip  string
}

// ParseInlineLoraTags scans prompt text for inline LoRA tags. Only prompt
// texts whose capture rule carries inline_lora_candidate may be passed here.
func ParseInlineLoraTags(text string) []InlineLora {
	matches := inlineLoraPattern.FindAllStringSubmatch(text, -1)
	out := make([]InlineLora, 0, len(matches))
	for _, m := range matches {
		tag := InlineLora{Name: strings.TrimSpace(m[1]), StrengthModel: m[2]}
		if m[3] != "" {
			tag.StrengthClip = m[3]
		} else {
			tag.StrengthClip = m[2]
		}
		out = append(out, tag)
	}
	return out
}

// StripInlineLoraTags removes inline tags from prompt text, collapsing the
// whitespace they leave behind.
func StripInlineLoraTags(text string) string {
	out := inlineLoraPattern.ReplaceAllString(text, "")
	out = regexp.MustCompile(`[ \t]{2,}`).ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// SplitSchedulerCombo splits a combined sampler/scheduler value. Accepted
// shapes: a keyed structure with sampler/scheduler entries, a two-element
// list, or strings like "Euler (Karras)".
func SplitSchedulerCombo(v graph.InputValue) (samplerName, scheduler string, ok bool) {
	switch v.Kind {
	case graph.KindNested:
		for _, key := range []string{"sampler_name", "sampler"} {
			if inner, found := v.Nested[key]; found {
				samplerName, _ = inner.AsString()
				break
			}
		}
		if inner, found := v.Nested["scheduler"]; found {
			scheduler, _ = inner.AsString()
		}
		return samplerName, scheduler, samplerName != ""
	case graph.KindList:
		if len(v.List) >= 1 {
			samplerName, _ = v.List[0].AsString()
		}
		if len(v.List) >= 2 {
			scheduler, _ = v.List[1].AsString()
		}
		return samplerName, scheduler, samplerName != ""
	case graph.KindScalar:
		s, sok := v.AsString()
		if !sok {
			return "", "", false
		}
		s = strings.TrimSpace(s)
		if m := comboParens.FindStringSubmatch(s); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
		}
		return s, "", s != ""
	default:
		return "", "", false
	}
}

var comboParens = regexp.MustCompile(`^(.*?)\s*\(([^()]*)\)$`)

// StackByPrefix enumerates inputs named <prefix><n> in ascending suffix
// order. A counter input truncates the sequence; list-like values coerce to
// their first scalar. None-filtering is left to the caller so aligned lists
// share keep indices.
func StackByPrefix(node graph.Node, args rules.SelectorArgs) []string {
	type item struct {
		suffix int
		value  string
	}
	var items []item
	for name, v := range node.Inputs {
		if !strings.HasPrefix(name, args.Prefix) {
			continue
		}
		suffix, err := strconv.Atoi(name[len(args.Prefix):])
		if err != nil {
			continue
		}
		s, ok := v.AsString()
		if !ok {
			continue
		}
		items = append(items, item{suffix: suffix, value: s})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].suffix < items[j].suffix })

	if args.CounterKey != "" {
		if cv, ok := node.Input(args.CounterKey); ok {
			if n, ok := cv.AsInt(); ok && n >= 0 && n < len(items) {
				items = items[:n]
			}
		}
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.value)
	}
	return out
}

// loaderLora is one structured loader entry before resolution.
type loaderLora struct {
	name          string
	strengthModel string
	strengthClip  string
}

// structuredLoraInputs are the input names checked, in order, for structured
// LoRA data on loader-style nodes.
var structuredLoraInputs = []string{"lora_stack", "loras", "loaded_loras", "lora_list"}

// CollectLorasFromLoader reads structured LoRA entries off a loader node.
// Structured inputs win; when none exists the loader's flat lora_name /
// strength inputs are read as a single slot. Per-slot alignment is always
// preserved.
func CollectLorasFromLoader(node graph.Node) []loaderLora {
	for _, inputName := range structuredLoraInputs {
		v, ok := node.Input(inputName)
		if !ok {
			continue
		}
		if entries := parseStructuredLoras(v); len(entries) > 0 {
			return entries
		}
	}

	// Flat single-slot form.
	nameVal, ok := node.Input("lora_name")
	if !ok {
		return nil
	}
	name, ok := nameVal.AsString()
	if !ok || name == "" {
		return nil
	}
	slot := loaderLora{name: name, strengthModel: "1", strengthClip: "1"}
	if v, ok := node.Input("strength_model"); ok {
		if s, ok := v.AsString(); ok {
			slot.strengthModel = s
			slot.strengthClip = s
		}
	}
	if v, ok := node.Input("strength_clip"); ok {
		if s, ok := v.AsString(); ok {
			slot.strengthClip = s
		}
	}
	return []loaderLora{slot}
}

func parseStructuredLoras(v graph.InputValue) []loaderLora {
	if v.Kind != graph.KindList {
		return nil
	}
	var out []loaderLora
	for _, item := range v.List {
		switch item.Kind {
		case graph.KindNested:
			slot := loaderLora{strengthModel: "1", strengthClip: "1"}
			for _, key := range []string{"lora", "lora_name", "name"} {
				if inner, ok := item.Nested[key]; ok {
					slot.name, _ = inner.AsString()
					break
				}
			}
			for _, key := range []string{"strength", "strength_model", "model_str"} {
				if inner, ok := item.Nested[key]; ok {
					if s, sok := inner.AsString(); sok {
						slot.strengthModel = s
						slot.strengthClip = s
					}
					break
				}
			}
			for _, key := range []string{"strength_clip", "clip_str", "strengthTwo"} {
				if inner, ok := item.Nested[key]; ok {
					if s, sok := inner.AsString(); sok {
						slot.strengthClip = s
					}
					break
				}
			}
			// Disabled rows in power-loader style stacks.
			if on, ok := item.Nested["on"]; ok {
				if enabled, eok := on.FirstScalar(); eok {
					if b, isBool := enabled.(bool); isBool && !b {
						continue
					}
				}
			}
			if slot.name != "" {
				out = append(out, slot)
			}
		case graph.KindList:
			// Tuple form: [name, strength_model, strength_clip].
			slot := loaderLora{strengthModel: "1", strengthClip: "1"}
			if len(item.List) >= 1 {
				slot.name, _ = item.List[0].AsString()
			}
			if len(item.List) >= 2 {
				if s, ok := item.List[1].AsString(); ok {
					slot.strengthModel = s
					slot.strengthClip = s
				}
			}
			if len(item.List) >= 3 {
				if s, ok := item.List[2].AsString(); ok {
					slot.strengthClip = s
				}
			}
			if slot.name != "" {
				out = append(out, slot)
			}
		}
	}
	return out
}

// embeddingPattern matches "embedding:NAME" references in prompt text.
var embeddingPattern = regexp.MustCompile(`embedding:([A-Za-z0-9_./\\-]+)`)

// ParseEmbeddingRefs extracts embedding names referenced in prompt text.
func ParseEmbeddingRefs(text string) []string {
	matches := embeddingPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
