// Package format renders a semantic field map as a textual parameter string
// compatible with the common "parameters" conventions.
package format

import (
	"regexp"
	"strings"

	"github.com/xxmjskxx/metasave/internal/fields"
)

// Mode selects the rendering shape.
type Mode int

const (
	// Compact renders the prompt block followed by one comma-joined line of
	// Key: Value pairs.
	Compact Mode = iota

	// Multiline renders one field per line, in the same order. Used in test
	// mode where byte-stable output matters more than convention.
	Multiline
)

// KV is one extra metadata pair appended after the regular fields.
type KV struct {
	Key   string
	Value string
}

// Options configure one render call.
type Options struct {
	Mode Mode

	// FallbackStage, when non-empty, appends "Metadata Fallback: <stage>"
	// exactly once as the final non-version token.
	FallbackStage string

	// Extra entries are appended after the regular fields, before the
	// fallback annotation and version.
	Extra []KV
}

// promptFields render as their own block rather than inside the joined line.
var promptFields = map[fields.Field]bool{
	fields.PositivePrompt: true,
	fields.NegativePrompt: true,
	fields.T5Prompt:       true,
	fields.ClipPrompt:     true,
}

// Render produces the parameter string. The field order is the map's
// canonical order; the version field always lands last.
func Render(m *fields.Map, opts Options) string {
	entries := m.Ordered()

	var prompts []fields.Entry
	var rest []fields.Entry
	var version *fields.Entry
	for i := range entries {
		e := entries[i]
		switch {
		case promptFields[e.Field]:
			prompts = append(prompts, e)
		case e.Field == fields.MetadataVersion:
			version = &entries[i]
		default:
			rest = append(rest, e)
		}
	}

	if opts.Mode == Multiline {
		return renderMultiline(prompts, rest, version, opts)
	}
	return renderCompact(prompts, rest, version, opts)
}

func renderCompact(prompts, rest []fields.Entry, version *fields.Entry, opts Options) string {
	var b strings.Builder
	for _, p := range prompts {
		switch p.Field {
		case fields.PositivePrompt:
			b.WriteString(p.Value)
		default:
			b.WriteString(p.Key())
			b.WriteString(": ")
			b.WriteString(p.Value)
		}
		b.WriteString("\n")
	}

	pairs := make([]string, 0, len(rest)+len(opts.Extra)+2)
	for _, e := range rest {
		pairs = append(pairs, e.Key()+": "+StripReprs(e.Value))
	}
	for _, kv := range opts.Extra {
		pairs = append(pairs, kv.Key+": "+StripReprs(kv.Value))
	}
	if opts.FallbackStage != "" {
		pairs = append(pairs, "Metadata Fallback: "+opts.FallbackStage)
	}
	if version != nil {
		pairs = append(pairs, version.Key()+": "+version.Value)
	}
	b.WriteString(strings.Join(pairs, ", "))
	return b.String()
}

func renderMultiline(prompts, rest []fields.Entry, version *fields.Entry, opts Options) string {
	var lines []string
	for _, p := range prompts {
		lines = append(lines, p.Key()+": "+p.Value)
	}
	for _, e := range rest {
		lines = append(lines, e.Key()+": "+StripReprs(e.Value))
	}
	for _, kv := range opts.Extra {
		lines = append(lines, kv.Key+": "+StripReprs(kv.Value))
	}
	if opts.FallbackStage != "" {
		lines = append(lines, "Metadata Fallback: "+opts.FallbackStage)
	}
	if version != nil {
		lines = append(lines, version.Key()+": "+version.Value)
	}
	return strings.Join(lines, "\n")
}

// reprPattern matches Python-style object reprs that occasionally leak
// through runtime-supplied values.
var reprPattern = regexp.MustCompile(`<[A-Za-z_][\w.]*(?: object)? at 0x[0-9a-fA-F]+>`)

// StripReprs removes leaked object reprs from a value.
func StripReprs(s string) string {
	return strings.TrimSpace(reprPattern.ReplaceAllString(s, ""))
}

// SanitizeExtra makes an injected metadata value safe for the comma-joined
// line by replacing commas with slashes.
func SanitizeExtra(s string) string {
	return strings.ReplaceAll(s, ",", "/")
}

// civitaiSamplerNames maps runtime sampler identifiers to their catalog
// spellings.
var civitaiSamplerNames = map[string]string{
	"euler":             "Euler",
	"euler_ancestral":   "Euler a",
	"euler_cfg_pp":      "Euler CFG++",
	"heun":              "Heun",
	"heunpp2":           "Heun++ 2",
	"dpm_2":             "DPM2",
	"dpm_2_ancestral":   "DPM2 a",
	"lms":               "LMS",
	"dpm_fast":          "DPM fast",
	"dpm_adaptive":      "DPM adaptive",
	"dpmpp_2s_ancestral": "DPM++ 2S a",
	"dpmpp_sde":         "DPM++ SDE",
	"dpmpp_2m":          "DPM++ 2M",
	"dpmpp_2m_sde":      "DPM++ 2M SDE",
	"dpmpp_3m_sde":      "DPM++ 3M SDE",
	"ddim":              "DDIM",
	"ddpm":              "DDPM",
	"uni_pc":            "UniPC",
	"uni_pc_bh2":        "UniPC BH2",
	"lcm":               "LCM",
}

// CivitaiSamplerName renders a sampler/scheduler pair the way catalog sites
// expect: "dpmpp_2m" + "karras" becomes "DPM++ 2M Karras".
func CivitaiSamplerName(samplerName, scheduler string) string {
	name, ok := civitaiSamplerNames[strings.ToLower(strings.TrimSpace(samplerName))]
	if !ok {
		name = titleWords(samplerName)
	}
	sched := strings.ToLower(strings.TrimSpace(scheduler))
	switch sched {
	case "", "normal", "simple":
		return name
	default:
		return name + " " + titleWords(sched)
	}
}

func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == ' ' })
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
