// Package save orchestrates the metadata capture pipeline for one image
// batch: trace, sampler selection, field extraction, parameter rendering and
// staged container encoding.
package save

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/xxmjskxx/metasave/internal/artifacts"
	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/encode"
	"github.com/xxmjskxx/metasave/internal/extract"
	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/format"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/hashcache"
	"github.com/xxmjskxx/metasave/internal/logging"
	"github.com/xxmjskxx/metasave/internal/provenance"
	"github.com/xxmjskxx/metasave/internal/rules"
	"github.com/xxmjskxx/metasave/internal/sampler"
)

// GeneratorVersion is the value of the always-last metadata field.
const GeneratorVersion = "metasave v" + rules.RulesVersion

// Container selects the output format.
type Container string

const (
	ContainerPNG  Container = "png"
	ContainerJPEG Container = "jpeg"
)

// Request is the host-invoked save surface.
type Request struct {
	Images         []image.Image
	Graph          *graph.Graph
	SaveNodeID     graph.NodeID
	Container      Container
	OutputDir      string
	FilenamePrefix string

	// ExtraMetadata entries are appended to the parameter string after the
	// regular fields; values are sanitized (commas become slashes).
	ExtraMetadata []format.KV

	SamplerSelectionMethod sampler.Mode
	SamplerSelectionNodeID graph.NodeID

	// IncludeLoraSummary overrides the no-lora-summary toggle when set.
	IncludeLoraSummary *bool

	// GuidanceAsCFG replaces the CFG scale with the captured guidance value
	// and omits the Guidance field.
	GuidanceAsCFG bool

	// MaxJPEGExifKB overrides the configured EXIF ceiling when positive.
	MaxJPEGExifKB int

	// CivitaiSampler applies catalog-style sampler naming.
	CivitaiSampler bool

	JPEGQuality int

	// ForceIncludeClasses always pass the user-layer rule filter; a class
	// without merged rules still yields no fields.
	ForceIncludeClasses []string
}

// SavedImage is one written output.
type SavedImage struct {
	Path  string
	Stage encode.Stage
}

// Result is the outcome of one save call.
type Result struct {
	Images []SavedImage

	// StageMirror lists the fallback stage reached per image, in batch
	// order, for diagnostics.
	StageMirror []string

	// Parameters holds the parameter string written for each image.
	Parameters []string
}

// Saver is the long-lived save component. It owns the hash cache and the
// rule loader; everything else is rebuilt per call.
type Saver struct {
	viper  *viper.Viper
	loader *rules.Loader
	hashes *hashcache.Cache
	log    *logrus.Entry
}

// NewSaver wires a saver over the given viper instance.
func NewSaver(v *viper.Viper) *Saver {
	log := logging.Component("save")
	settings := config.Snapshot(v)
	return &Saver{
		viper:  v,
		loader: rules.NewLoader(settings.UserRulesDir, settings.ExtensionRulesDir, logging.Component("rules")),
		hashes: hashcache.New(logging.Component("hash")),
		log:    log,
	}
}

// Close releases the rule loader's watcher.
func (s *Saver) Close() { s.loader.Close() }

// Save runs the pipeline for one batch. Metadata failures never abort the
// save; each image is staged independently and its stage recorded in the
// mirror.
func (s *Saver) Save(req Request) (*Result, error) {
	settings := config.Snapshot(s.viper)
	if settings.ForceRehash {
		s.hashes.InvalidateAll()
	}

	reg := s.loader.Snapshot(rules.MergeOptions{
		ForceInclude:    req.ForceIncludeClasses,
		EnableTestNodes: settings.EnableTestNodes,
	})

	trace := graph.Trace(req.Graph, req.SaveNodeID, logging.Component("trace"))

	samplers := sampler.Select(req.Graph, trace, reg, sampler.Options{
		Mode:     req.SamplerSelectionMethod,
		TargetID: req.SamplerSelectionNodeID,
		Cap:      settings.SamplerCap,
	}, logging.Component("sampler"))

	idx := artifacts.NewIndex(settings.ModelRoots, logging.Component("artifacts"))
	forced := make(map[string]bool, len(req.ForceIncludeClasses))
	for _, c := range req.ForceIncludeClasses {
		forced[c] = true
	}

	extracted := extract.Run(&extract.Context{
		Graph:        req.Graph,
		Trace:        trace,
		Registry:     reg,
		Resolver:     artifacts.NewResolver(idx, logging.Component("artifacts")),
		Hashes:       s.hashes,
		Settings:     settings,
		Samplers:     samplers,
		ForceInclude: forced,
		Log:          logging.Component("extract"),
	})

	s.postProcess(extracted.Map, req, settings)

	workflowJSON := marshalWorkflow(req.Graph)
	extras := s.buildExtras(req, samplers)

	res := &Result{}
	now := time.Now()
	for i, img := range req.Images {
		m := extracted.Map.Clone()
		if img != nil {
			bounds := img.Bounds()
			m.Set(fields.Size, fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()))
		}
		if len(req.Images) > 1 {
			m.Set(fields.BatchIndex, strconv.Itoa(i))
			m.Set(fields.BatchSize, strconv.Itoa(len(req.Images)))
		}

		saved, params, err := s.writeImage(img, m, req, settings, workflowJSON, extras, extracted, now, i)
		if err != nil {
			return res, err
		}
		res.Images = append(res.Images, saved)
		res.StageMirror = append(res.StageMirror, string(saved.Stage))
		res.Parameters = append(res.Parameters, params)

		if settings.ProvenanceBOM {
			if err := provenance.WriteBOM(saved.Path+".cdx.json", extracted.Artifacts, extracted.HashDetail); err != nil {
				s.log.WithError(err).Warn("provenance sidecar not written")
			}
		}
	}
	return res, nil
}

// postProcess applies the request-level rewrites that sit between
// extraction and rendering.
func (s *Saver) postProcess(m *fields.Map, req Request, settings config.Settings) {
	m.Set(fields.MetadataVersion, GeneratorVersion)

	if req.GuidanceAsCFG {
		if g, ok := m.Get(fields.Guidance); ok {
			m.Set(fields.CFG, g)
			m.Delete(fields.Guidance)
		}
	}

	if req.CivitaiSampler {
		if name, ok := m.Get(fields.SamplerName); ok {
			sched, _ := m.Get(fields.Scheduler)
			m.Set(fields.SamplerName, format.CivitaiSamplerName(name, sched))
			m.Delete(fields.Scheduler)
		}
	}

	includeSummary := !settings.NoLoraSummary
	if req.IncludeLoraSummary != nil {
		includeSummary = *req.IncludeLoraSummary
	}
	if !includeSummary {
		m.Delete(fields.LoraSummary)
	}
}

// buildExtras sanitizes the caller's extra metadata and appends secondary
// sampler descriptions when multi-sampler output is enabled.
func (s *Saver) buildExtras(req Request, samplers []sampler.Entry) []format.KV {
	out := make([]format.KV, 0, len(req.ExtraMetadata)+len(samplers))
	seen := make(map[string]bool)
	for _, kv := range req.ExtraMetadata {
		key := strings.TrimSpace(kv.Key)
		if key == "" || seen[strings.ToLower(key)] {
			continue
		}
		seen[strings.ToLower(key)] = true
		out = append(out, format.KV{Key: key, Value: format.SanitizeExtra(kv.Value)})
	}
	for i, e := range samplers[min(1, len(samplers)):] {
		desc := e.SamplerName
		switch {
		case e.IsSegment:
			desc += fmt.Sprintf(" (steps %d-%d)", e.StartStep, e.EndStep)
		case e.HasSteps:
			desc += fmt.Sprintf(" (steps %d)", e.Steps)
		}
		out = append(out, format.KV{Key: fmt.Sprintf("Sampler_%d", i+2), Value: desc})
	}
	return out
}

func renderParams(m *fields.Map, settings config.Settings, extras []format.KV, stage encode.Stage) string {
	mode := format.Compact
	if settings.TestMode {
		mode = format.Multiline
	}
	fallback := ""
	if stage != "" && stage != encode.StageFull {
		fallback = string(stage)
	}
	return format.Render(m, format.Options{Mode: mode, FallbackStage: fallback, Extra: extras})
}

func (s *Saver) writeImage(img image.Image, m *fields.Map, req Request, settings config.Settings, workflowJSON string, extras []format.KV, extracted *extract.Result, now time.Time, index int) (SavedImage, string, error) {
	name := substituteTokens(req.FilenamePrefix, m, now)
	if name == "" {
		name = "metasave"
	}
	path := filepath.Join(req.OutputDir, fmt.Sprintf("%s_%05d_.%s", name, index, extensionFor(req.Container)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return SavedImage{}, "", err
	}

	switch req.Container {
	case ContainerJPEG:
		limit := settings.MaxJPEGExifKB
		if req.MaxJPEGExifKB > 0 {
			limit = req.MaxJPEGExifKB
		}
		if limit < 1 {
			limit = 1
		}
		if limit > 64 {
			limit = 64
		}
		result, err := encode.EncodeJPEG(img, m, func(fm *fields.Map, stage encode.Stage) string {
			return renderParams(fm, settings, extras, stage)
		}, encode.JPEGOptions{
			Quality:      req.JPEGQuality,
			LimitKB:      limit,
			WorkflowJSON: workflowJSON,
			Software:     GeneratorVersion,
		}, s.log)
		if err != nil {
			return SavedImage{}, "", err
		}
		if err := os.WriteFile(path, result.Bytes, 0o644); err != nil {
			return SavedImage{}, "", err
		}
		return SavedImage{Path: path, Stage: result.Stage}, result.Parameters, nil

	default:
		params := renderParams(m, settings, extras, "")
		entries := s.pngEntries(m, settings, workflowJSON, extras, extracted, params)
		data, err := encode.EncodePNG(img, entries)
		if err != nil {
			return SavedImage{}, "", err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return SavedImage{}, "", err
		}
		return SavedImage{Path: path, Stage: encode.StageFull}, params, nil
	}
}

// pngEntries assembles the lossless container's text block: the parameter
// string, the workflow graph, every emitted field as its own entry, the
// extras and the structured hash detail.
func (s *Saver) pngEntries(m *fields.Map, settings config.Settings, workflowJSON string, extras []format.KV, extracted *extract.Result, params string) []encode.TextEntry {
	entries := []encode.TextEntry{
		{Key: "parameters", Value: params},
		{Key: "prompt", Value: workflowJSON},
	}
	for _, e := range m.Ordered() {
		entries = append(entries, encode.TextEntry{Key: e.Key(), Value: e.Value})
	}
	for _, kv := range extras {
		entries = append(entries, encode.TextEntry{Key: kv.Key, Value: kv.Value})
	}
	if !settings.NoHashDetail && len(extracted.HashDetail) > 0 {
		if data, err := json.Marshal(extracted.HashDetail); err == nil {
			entries = append(entries, encode.TextEntry{Key: "hash_detail", Value: string(data)})
		}
	}
	return entries
}

func extensionFor(c Container) string {
	if c == ContainerJPEG {
		return "jpg"
	}
	return "png"
}

// marshalWorkflow serializes the graph back to its prompt-JSON shape for
// embedding alongside the parameters.
func marshalWorkflow(g *graph.Graph) string {
	if g == nil {
		return ""
	}
	raw := make(map[string]any, len(g.Nodes))
	for _, id := range g.IDs() {
		node, _ := g.Node(id)
		inputs := make(map[string]any, len(node.Inputs))
		for name, v := range node.Inputs {
			inputs[name] = toJSONValue(v)
		}
		raw[id.String()] = map[string]any{
			"class_type": node.ClassName,
			"inputs":     inputs,
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(data)
}

func toJSONValue(v graph.InputValue) any {
	switch v.Kind {
	case graph.KindScalar:
		return v.Scalar
	case graph.KindRef:
		return []any{int(v.Ref.Source), v.Ref.Output}
	case graph.KindList:
		out := make([]any, 0, len(v.List))
		for _, it := range v.List {
			out = append(out, toJSONValue(it))
		}
		return out
	case graph.KindNested:
		out := make(map[string]any, len(v.Nested))
		for k, it := range v.Nested {
			out[k] = toJSONValue(it)
		}
		return out
	default:
		return nil
	}
}
