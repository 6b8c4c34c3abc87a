package artifacts

import (
	"path/filepath"
	"strings"

	edlib "github.com/hbollon/go-edlib"
	"github.com/sirupsen/logrus"
)

// Resolved is the outcome of resolving one loose reference.
type Resolved struct {
	// DisplayName is the canonical name: the index-stored name when the
	// reference resolved, otherwise the sanitized input.
	DisplayName string

	// AbsolutePath is empty when no candidate matched.
	AbsolutePath string

	Family string
}

// Found reports whether the reference resolved to an on-disk file.
func (r Resolved) Found() bool { return r.AbsolutePath != "" }

// BaseName returns the display name without directories or extension, the
// form used for "Model:" style fields.
func (r Resolved) BaseName() string {
	base := r.DisplayName
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, known := range recognizedExtensions {
		if ext == known {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// Lookup finds a single candidate name within a family's known locations.
// The default implementation is (*Index).Lookup; hosts may substitute their
// own path resolution.
type Lookup func(family, name string) (display, abs string, ok bool)

// Resolver normalizes references and queries a family lookup.
type Resolver struct {
	lookup  Lookup
	suggest func(family string) []string
	log     *logrus.Entry
}

// NewResolver builds a resolver over the file index.
func NewResolver(idx *Index, log *logrus.Entry) *Resolver {
	return &Resolver{lookup: idx.Lookup, suggest: idx.Names, log: log}
}

// NewResolverFunc builds a resolver over a host-supplied lookup.
func NewResolverFunc(lookup Lookup, log *logrus.Entry) *Resolver {
	return &Resolver{lookup: lookup, log: log}
}

// Resolve normalizes raw and finds its on-disk file.
//
// Candidates, in order: the sanitized name verbatim; the name without its
// final extension when that extension is recognized; progressive stem
// reductions for names with internal dots ("model.v1.2" before "model.v1"
// before "model"). The first candidate present under the family's roots
// wins. A literal "None" never resolves.
func (r *Resolver) Resolve(family, raw string) Resolved {
	name := Sanitize(raw)
	res := Resolved{DisplayName: name, Family: family}
	if name == "" || name == "None" {
		return res
	}

	for _, candidate := range candidates(name) {
		if display, abs, ok := r.lookup(family, candidate); ok {
			res.DisplayName = display
			res.AbsolutePath = abs
			return res
		}
	}

	if r.log != nil {
		entry := r.log.WithFields(logrus.Fields{"family": family, "name": name})
		if s := r.nearest(family, name); s != "" {
			entry = entry.WithField("closest", s)
		}
		entry.Warn("artifact not found")
	}
	return res
}

// Sanitize trims whitespace, surrounding quotes and trailing punctuation
// from a reference. Names differing only in that noise resolve identically.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	for len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	s = strings.TrimRight(s, ",.;:'\" ")
	return s
}

func candidates(name string) []string {
	out := []string{name}

	stem := name
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range recognizedExtensions {
		if ext == known {
			stem = name[:len(name)-len(ext)]
			out = append(out, stem)
			break
		}
	}

	// model.v1.2.3 -> model.v1.2 -> model.v1 -> model
	for {
		i := strings.LastIndexByte(stem, '.')
		if i <= 0 {
			break
		}
		stem = stem[:i]
		out = append(out, stem)
	}
	return out
}

// nearest returns the closest known display name by Levenshtein similarity,
// used only for the not-found log line.
func (r *Resolver) nearest(family, name string) string {
	if r.suggest == nil {
		return ""
	}
	known := r.suggest(family)
	best := ""
	bestScore := float32(0)
	for _, k := range known {
		score, err := edlib.StringsSimilarity(strings.ToLower(name), strings.ToLower(k), edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = k
		}
	}
	if bestScore < 0.5 {
		return ""
	}
	return best
}
