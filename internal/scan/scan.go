// Package scan proposes capture rules by inspecting the host's installed
// node-class table, without executing any node.
package scan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// InputSpec describes one declared input of a node class.
type InputSpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // INT, FLOAT, STRING, COMBO, CONDITIONING, LATENT, …

	// Multiline marks textarea-style string inputs.
	Multiline bool `json:"multiline,omitempty"`
}

// ClassSpec is the schema of one node class, inputs in declaration order.
type ClassSpec struct {
	Inputs []InputSpec `json:"inputs"`
}

// Table is the host's class-name to class-spec lookup.
type Table map[string]ClassSpec

// Mode restricts which classes a scan proposes rules for.
type Mode string

const (
	ModeNewOnly      Mode = "new_only"
	ModeAll          Mode = "all"
	ModeExistingOnly Mode = "existing_only"
)

// Options configure one scan.
type Options struct {
	Mode            Mode
	ExcludeKeywords []string

	// MissingLens subtracts fields already supplied by any registry layer,
	// reporting only what would still be missing.
	MissingLens bool

	// ForceClasses are always present in the proposal, as an empty mapping
	// when no heuristic matched.
	ForceClasses []string
}

// Summary tallies one scan.
type Summary struct {
	ClassesScanned  int      `json:"classes_scanned"`
	ClassesProposed int      `json:"classes_proposed"`
	ClassesExcluded int      `json:"classes_excluded"`
	FieldsProposed  int      `json:"fields_proposed"`
	ForcedClasses   []string `json:"forced_classes"`
}

// Proposal is the scanner's output, ready for display or persistence.
type Proposal struct {
	Additions        map[string]rules.ClassRules
	SamplerAdditions map[string]rules.Roles
	DiffReport       string
	Summary          Summary
}

// Scanner runs scans against a registry loader, caching per-class baseline
// field sets keyed by the user documents' fingerprint.
type Scanner struct {
	loader *rules.Loader
	log    *logrus.Entry

	baselineKey uint64
	classFields map[string]map[fields.Field]bool
	hits        int
	misses      int
}

// New builds a scanner over the given rule loader.
func New(loader *rules.Loader, log *logrus.Entry) *Scanner {
	return &Scanner{
		loader:      loader,
		log:         log,
		classFields: make(map[string]map[fields.Field]bool),
	}
}

// Run scans the class table and produces a proposal.
func (s *Scanner) Run(table Table, opts Options) *Proposal {
	if opts.Mode == "" {
		opts.Mode = ModeNewOnly
	}
	baseline := s.loader.Snapshot(rules.MergeOptions{})
	s.rekeyBaseline(baseline)
	s.hits, s.misses = 0, 0

	p := &Proposal{
		Additions:        make(map[string]rules.ClassRules),
		SamplerAdditions: make(map[string]rules.Roles),
	}
	p.Summary.ForcedClasses = append([]string(nil), opts.ForceClasses...)

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, class := range names {
		p.Summary.ClassesScanned++
		if excluded(class, opts.ExcludeKeywords) {
			p.Summary.ClassesExcluded++
			continue
		}

		existing := s.baselineFields(baseline, class)
		inBaseline := len(existing) > 0
		switch opts.Mode {
		case ModeNewOnly:
			// Classes pass; per-field subtraction below decides yield.
		case ModeExistingOnly:
			if !inBaseline {
				continue
			}
		}

		proposed, roles := propose(class, table[class])
		if opts.MissingLens || opts.Mode == ModeNewOnly {
			for f := range proposed {
				if existing[f] {
					delete(proposed, f)
				}
			}
		}
		if len(proposed) > 0 {
			p.Additions[class] = proposed
			p.Summary.ClassesProposed++
			p.Summary.FieldsProposed += len(proposed)
		}
		if len(roles) > 0 {
			if _, known := baseline.SamplerRoles(class); !known {
				p.SamplerAdditions[class] = roles
			}
		}
	}

	for _, class := range opts.ForceClasses {
		if _, ok := p.Additions[class]; !ok {
			p.Additions[class] = rules.ClassRules{}
		}
	}

	p.DiffReport = s.diffReport(p, opts)
	return p
}

// rekeyBaseline drops the per-class cache when the user documents changed.
func (s *Scanner) rekeyBaseline(baseline *rules.Registry) {
	h := xxhash.New()
	for _, class := range rules.SortedClasses(baseline.Captures) {
		h.WriteString(class)
		h.WriteString("\x00")
		fieldNames := make([]string, 0, len(baseline.Captures[class]))
		for f := range baseline.Captures[class] {
			fieldNames = append(fieldNames, f.String())
		}
		sort.Strings(fieldNames)
		for _, name := range fieldNames {
			h.WriteString(name)
			h.WriteString(",")
		}
	}
	key := h.Sum64()
	if key != s.baselineKey {
		s.baselineKey = key
		s.classFields = make(map[string]map[fields.Field]bool)
	}
}

// baselineFields returns the field set a class already has, counting cache
// hits and misses per class.
func (s *Scanner) baselineFields(baseline *rules.Registry, class string) map[fields.Field]bool {
	if cached, ok := s.classFields[class]; ok {
		s.hits++
		return cached
	}
	s.misses++
	set := make(map[fields.Field]bool)
	if classRules, ok := baseline.Class(class); ok {
		for f := range classRules {
			set[f] = true
		}
	}
	s.classFields[class] = set
	return set
}

func (s *Scanner) diffReport(p *Proposal, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scanned=%d proposed=%d excluded=%d fields=%d mode=%s missing_lens=%v\n",
		p.Summary.ClassesScanned, p.Summary.ClassesProposed, p.Summary.ClassesExcluded,
		p.Summary.FieldsProposed, opts.Mode, opts.MissingLens)
	fmt.Fprintf(&b, "BaselineCache=hit:%d|miss:%d\n", s.hits, s.misses)
	for _, class := range rules.SortedClasses(p.Additions) {
		classRules := p.Additions[class]
		fieldNames := make([]string, 0, len(classRules))
		for f := range classRules {
			fieldNames = append(fieldNames, f.String())
		}
		sort.Strings(fieldNames)
		fmt.Fprintf(&b, "+ %s: %s\n", class, strings.Join(fieldNames, ", "))
	}
	for _, class := range rules.SortedClasses(p.SamplerAdditions) {
		fmt.Fprintf(&b, "+ sampler %s\n", class)
	}
	if len(p.Summary.ForcedClasses) > 0 {
		fmt.Fprintf(&b, "forced=%s\n", strings.Join(p.Summary.ForcedClasses, ","))
	}
	return b.String()
}

func excluded(class string, keywords []string) bool {
	lower := strings.ToLower(class)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
