// Package extract walks a traced workflow and produces the semantic field
// map, consulting the rule registry, the artifact resolver and the hash
// cache.
package extract

import (
	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/artifacts"
	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/hashcache"
	"github.com/xxmjskxx/metasave/internal/rules"
	"github.com/xxmjskxx/metasave/internal/sampler"
)

// Context carries everything one extraction pass needs. It is built per save
// call; nothing in it is shared mutable state except the hash cache, which
// synchronizes internally.
type Context struct {
	Graph    *graph.Graph
	Trace    *graph.TraceResult
	Registry *rules.Registry
	Resolver *artifacts.Resolver
	Hashes   *hashcache.Cache
	Settings config.Settings

	// Samplers is the selected candidate list, primary first.
	Samplers []sampler.Entry

	// ForceInclude lists the force-included classes. A node whose class has
	// no merged rules yields no fields whether or not it is listed here.
	ForceInclude map[string]bool

	Log *logrus.Entry
}

// loraSlot is one aligned LoRA entry. The quadruple always refers to the
// same underlying loader slot.
type loraSlot struct {
	name          string // resolved display base name
	hash          string // 10-char truncation, empty when hashing failed
	strengthModel string
	strengthClip  string
	fromInline    bool
}

// embedEntry is one resolved textual embedding reference.
type embedEntry struct {
	name string
	hash string
}

// HashDetail records the provenance of one emitted hash.
type HashDetail struct {
	Path string `json:"path"`
	Full string `json:"full"`
}

// Result is the outcome of one extraction pass.
type Result struct {
	Map *fields.Map

	// HashDetail parallels the Hashes summary with full digests and paths.
	// Suppressed from output when the no-hash-detail toggle is set.
	HashDetail map[string]HashDetail

	// Resolved artifacts by family, for the provenance exporter.
	Artifacts []artifacts.Resolved
}

// state accumulates values while nodes are walked.
type state struct {
	m *fields.Map

	loras      []loraSlot
	inlineSeen []loraSlot // inline candidates, merged after the walk
	embeds     []embedEntry
	clipModels []string

	positiveParts []promptPart
	negativeParts []promptPart
	t5Prompt      string
	clipPrompt    string

	modelHash string
	vaeHash   string

	hashDetail map[string]HashDetail
	artifacts  []artifacts.Resolved

	// conditioning routing: nodes upstream of the primary sampler's
	// positive / negative inputs.
	positiveSet map[graph.NodeID]bool
	negativeSet map[graph.NodeID]bool
}

// promptPart is one captured prompt text and where it came from.
type promptPart struct {
	node   graph.NodeID
	text   string
	inline bool // rule carried inline_lora_candidate
}

func newState() *state {
	return &state{
		m:           fields.NewMap(),
		hashDetail:  make(map[string]HashDetail),
		positiveSet: make(map[graph.NodeID]bool),
		negativeSet: make(map[graph.NodeID]bool),
	}
}
