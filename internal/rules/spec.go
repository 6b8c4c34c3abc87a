// Package rules defines capture rules — the declarative mapping from node
// inputs to semantic fields — and assembles the layered rule registry out of
// built-in defaults, extension packs and user documents.
package rules

import (
	"fmt"

	"github.com/xxmjskxx/metasave/internal/fields"
)

// SelectorKind names a pure extraction procedure. The set is closed; rules
// reference members by value.
type SelectorKind string

const (
	SelectorNone            SelectorKind = ""
	SelectorInlineLoraTags  SelectorKind = "parse_inline_lora_tags"
	SelectorSchedulerCombo  SelectorKind = "split_scheduler_combo"
	SelectorStackByPrefix   SelectorKind = "select_stack_by_prefix"
	SelectorLorasFromLoader SelectorKind = "collect_loras_from_loader"
)

// Valid reports whether k is a declared selector.
func (k SelectorKind) Valid() bool {
	switch k {
	case SelectorNone, SelectorInlineLoraTags, SelectorSchedulerCombo,
		SelectorStackByPrefix, SelectorLorasFromLoader:
		return true
	}
	return false
}

// FormatterKind names a post-processing step applied to an extracted value.
type FormatterKind string

const (
	FormatNone           FormatterKind = ""
	FormatCalcModelHash  FormatterKind = "calc_model_hash"
	FormatCalcVAEHash    FormatterKind = "calc_vae_hash"
	FormatCalcLoraHash   FormatterKind = "calc_lora_hash"
	FormatCalcUnetHash   FormatterKind = "calc_unet_hash"
	FormatCleanModelName FormatterKind = "clean_model_name"
	FormatSchedulerCombo FormatterKind = "parse_scheduler_combo"
)

// Valid reports whether k is a declared formatter.
func (k FormatterKind) Valid() bool {
	switch k {
	case FormatNone, FormatCalcModelHash, FormatCalcVAEHash, FormatCalcLoraHash,
		FormatCalcUnetHash, FormatCleanModelName, FormatSchedulerCombo:
		return true
	}
	return false
}

// PredicateKind names a validation gate: when the predicate is false for the
// node's inputs, the rule is suppressed.
type PredicateKind string

const (
	PredicateNone      PredicateKind = ""
	PredicateNonEmpty  PredicateKind = "non_empty"
	PredicateNotNone   PredicateKind = "not_none"
	PredicateIsNumeric PredicateKind = "is_numeric"
)

// Valid reports whether k is a declared predicate.
func (k PredicateKind) Valid() bool {
	switch k {
	case PredicateNone, PredicateNonEmpty, PredicateNotNone, PredicateIsNumeric:
		return true
	}
	return false
}

// SelectorArgs parameterize SelectorStackByPrefix.
type SelectorArgs struct {
	Prefix     string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	CounterKey string `json:"counter_key,omitempty" yaml:"counter_key,omitempty"`
	FilterNone bool   `json:"filter_none,omitempty" yaml:"filter_none,omitempty"`
}

// CaptureSpec is one extraction spec. Exactly one variant is active:
// InputName, Prefix, Fields, or Selector.
type CaptureSpec struct {
	// InputName reads a single named input from the node snapshot.
	InputName string `json:"field_name,omitempty" yaml:"field_name,omitempty"`

	// Prefix enumerates all inputs named <Prefix><n>, in suffix order.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Fields enumerates a fixed ordered list of input names.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Selector invokes a named extraction procedure.
	Selector SelectorKind `json:"selector,omitempty" yaml:"selector,omitempty"`
	Args     SelectorArgs `json:"args,omitempty" yaml:"args,omitempty"`

	Format   FormatterKind `json:"format,omitempty" yaml:"format,omitempty"`
	Validate PredicateKind `json:"validate,omitempty" yaml:"validate,omitempty"`

	// InlineLoraCandidate opts the captured prompt text into inline LoRA
	// tag scanning. Prompts without this flag are never scanned.
	InlineLoraCandidate bool `json:"inline_lora_candidate,omitempty" yaml:"inline_lora_candidate,omitempty"`
}

// Check validates the spec shape: exactly one active variant and declared
// kind values only.
func (s CaptureSpec) Check() error {
	variants := 0
	if s.InputName != "" {
		variants++
	}
	if s.Prefix != "" {
		variants++
	}
	if len(s.Fields) > 0 {
		variants++
	}
	if s.Selector != SelectorNone {
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("capture spec needs exactly one variant, has %d", variants)
	}
	if !s.Selector.Valid() {
		return fmt.Errorf("unknown selector %q", s.Selector)
	}
	if !s.Format.Valid() {
		return fmt.Errorf("unknown format %q", s.Format)
	}
	if !s.Validate.Valid() {
		return fmt.Errorf("unknown validate %q", s.Validate)
	}
	return nil
}

// ClassRules maps a semantic field to its extraction spec for one node class.
type ClassRules map[fields.Field]CaptureSpec

// Clone returns a copy of the class rules.
func (c ClassRules) Clone() ClassRules {
	out := make(ClassRules, len(c))
	for f, s := range c {
		out[f] = s
	}
	return out
}

// Sampler roles, the closed set of conditioning inputs a sampler class names.
const (
	RolePositive    = "positive"
	RoleNegative    = "negative"
	RoleLatentImage = "latent_image"
)

// ValidRole reports whether role is one of the declared sampler roles.
func ValidRole(role string) bool {
	return role == RolePositive || role == RoleNegative || role == RoleLatentImage
}

// Roles maps a sampler role to the class's input name for that role.
type Roles map[string]string
