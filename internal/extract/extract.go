package extract

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/fields"
	"github.com/xxmjskxx/metasave/internal/graph"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// samplerish fields are claimed by the primary sampler; other sampler
// candidates do not overwrite them.
var samplerish = map[fields.Field]bool{
	fields.Seed:        true,
	fields.Steps:       true,
	fields.CFG:         true,
	fields.SamplerName: true,
	fields.Scheduler:   true,
	fields.Denoise:     true,
	fields.StartStep:   true,
	fields.EndStep:     true,
}

// loraFields are evaluated as one aligned group per node.
var loraFields = map[fields.Field]bool{
	fields.LoraModelName:     true,
	fields.LoraModelHash:     true,
	fields.LoraStrengthModel: true,
	fields.LoraStrengthClip:  true,
}

// Run walks the traced nodes and produces the semantic field map. A failure
// in any single field is logged and the field omitted; Run itself never
// fails.
func Run(ctx *Context) *Result {
	st := newState()
	routeConditioning(ctx, st)

	candidateIDs := make(map[graph.NodeID]bool, len(ctx.Samplers))
	for _, s := range ctx.Samplers {
		candidateIDs[s.NodeID] = true
	}
	var primaryID graph.NodeID = -1
	if len(ctx.Samplers) > 0 {
		primaryID = ctx.Samplers[0].NodeID
	}

	// Primary sampler first so its settings claim the sampler-ish fields,
	// then the rest in trace order.
	if primaryID >= 0 {
		evalNode(ctx, st, primaryID, primaryID, candidateIDs)
	}
	for _, id := range ctx.Trace.Order {
		if id == primaryID {
			continue
		}
		evalNode(ctx, st, id, primaryID, candidateIDs)
	}

	finalize(ctx, st)

	return &Result{
		Map:        st.m,
		HashDetail: st.hashDetail,
		Artifacts:  st.artifacts,
	}
}

// routeConditioning marks the nodes upstream of the primary sampler's
// positive and negative conditioning inputs, so prompt texts can be assigned
// to the right side.
func routeConditioning(ctx *Context, st *state) {
	if len(ctx.Samplers) == 0 {
		return
	}
	node, ok := ctx.Graph.Node(ctx.Samplers[0].NodeID)
	if !ok {
		return
	}
	roles, _ := ctx.Registry.SamplerRoles(node.ClassName)
	posInput := roles[rules.RolePositive]
	negInput := roles[rules.RoleNegative]
	if posInput == "" {
		posInput = "positive"
	}
	if negInput == "" {
		negInput = "negative"
	}
	st.positiveSet = upstreamOf(ctx.Graph, node, posInput)
	st.negativeSet = upstreamOf(ctx.Graph, node, negInput)
}

// upstreamOf collects every node reachable backward from the referenced
// input of a node.
func upstreamOf(g *graph.Graph, node graph.Node, inputName string) map[graph.NodeID]bool {
	out := make(map[graph.NodeID]bool)
	v, ok := node.Input(inputName)
	if !ok || v.Kind != graph.KindRef {
		return out
	}
	queue := []graph.NodeID{v.Ref.Source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if out[cur] {
			continue
		}
		n, ok := g.Node(cur)
		if !ok {
			continue
		}
		out[cur] = true
		for _, input := range n.Inputs {
			if input.Kind == graph.KindRef {
				queue = append(queue, input.Ref.Source)
			}
		}
	}
	return out
}

// evalNode applies the class rules of one node. Field failures are contained
// here: a panic inside a selector is recovered, logged, and mapped to an
// omitted field.
func evalNode(ctx *Context, st *state, id, primaryID graph.NodeID, candidateIDs map[graph.NodeID]bool) {
	node, ok := ctx.Graph.Node(id)
	if !ok {
		return
	}
	classRules, ok := ctx.Registry.Class(node.ClassName)
	if !ok {
		// Force-included classes without merged rules have nothing to read
		// either; the flag only matters for registry filtering.
		return
	}

	isSecondarySampler := candidateIDs[id] && id != primaryID

	ordered := make([]fields.Field, 0, len(classRules))
	for f := range classRules {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	loraDone := false
	for _, f := range ordered {
		spec := classRules[f]
		if loraFields[f] {
			if !loraDone {
				loraDone = true
				safeField(ctx, id, "lora group", func() {
					extractLoras(ctx, st, node, classRules)
				})
			}
			continue
		}
		if isSecondarySampler && samplerish[f] {
			continue
		}
		field, specCopy := f, spec
		safeField(ctx, id, field.String(), func() {
			evalField(ctx, st, id, node, field, specCopy)
		})
	}
}

// safeField runs one field extraction, converting panics into logged
// omissions.
func safeField(ctx *Context, id graph.NodeID, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil && ctx.Log != nil {
			ctx.Log.WithFields(logrus.Fields{
				"node":  id,
				"field": what,
			}).Warnf("field extraction failed: %v", r)
		}
	}()
	fn()
}

func evalField(ctx *Context, st *state, id graph.NodeID, node graph.Node, f fields.Field, spec rules.CaptureSpec) {
	if !checkPredicate(node, spec) {
		return
	}

	switch f {
	case fields.PositivePrompt, fields.NegativePrompt:
		text, ok := extractText(node, spec)
		if !ok {
			return
		}
		part := promptPart{node: id, text: text, inline: spec.InlineLoraCandidate}
		if f == fields.NegativePrompt {
			st.negativeParts = append(st.negativeParts, part)
		} else {
			st.positiveParts = append(st.positiveParts, part)
		}
		return
	case fields.T5Prompt:
		if text, ok := extractText(node, spec); ok && st.t5Prompt == "" {
			st.t5Prompt = text
		}
		return
	case fields.ClipPrompt:
		if text, ok := extractText(node, spec); ok && st.clipPrompt == "" {
			st.clipPrompt = text
		}
		return
	case fields.ClipModelName:
		for _, raw := range extractSequence(node, spec) {
			st.clipModels = append(st.clipModels, cleanName(raw))
		}
		return
	}

	if spec.Format == rules.FormatSchedulerCombo || spec.Selector == rules.SelectorSchedulerCombo {
		v, ok := firstInput(node, spec)
		if !ok {
			return
		}
		samplerName, scheduler, ok := SplitSchedulerCombo(v)
		if !ok {
			return
		}
		setScalarOnce(st, fields.SamplerName, samplerName)
		if scheduler != "" {
			setScalarOnce(st, fields.Scheduler, scheduler)
		}
		return
	}

	raw, ok := extractScalar(node, spec)
	if !ok {
		return
	}

	switch spec.Format {
	case rules.FormatCleanModelName:
		setScalarOnce(st, f, cleanName(raw))
	case rules.FormatCalcModelHash, rules.FormatCalcUnetHash:
		if h, ok := hashArtifact(ctx, st, familyFor(spec.Format), raw, "model"); ok {
			setScalarOnce(st, f, h)
			if st.modelHash == "" {
				st.modelHash = h
			}
		}
	case rules.FormatCalcVAEHash:
		if h, ok := hashArtifact(ctx, st, "vae", raw, "vae"); ok {
			setScalarOnce(st, f, h)
			if st.vaeHash == "" {
				st.vaeHash = h
			}
		}
	case rules.FormatCalcLoraHash:
		// handled by the lora group
	default:
		setScalarOnce(st, f, raw)
	}
}

func familyFor(k rules.FormatterKind) string {
	switch k {
	case rules.FormatCalcVAEHash:
		return "vae"
	case rules.FormatCalcLoraHash:
		return "lora"
	case rules.FormatCalcUnetHash:
		return "unet"
	default:
		return "checkpoint"
	}
}

// setScalarOnce stores a scalar field unless an earlier (closer to the save
// node) value already claimed it.
func setScalarOnce(st *state, f fields.Field, value string) {
	if value == "" {
		return
	}
	if _, exists := st.m.Get(f); exists {
		return
	}
	st.m.Set(f, value)
}

// checkPredicate gates the rule on its validate kind.
func checkPredicate(node graph.Node, spec rules.CaptureSpec) bool {
	if spec.Validate == rules.PredicateNone {
		return true
	}
	v, ok := firstInput(node, spec)
	if !ok {
		return false
	}
	s, _ := v.AsString()
	s = strings.TrimSpace(s)
	switch spec.Validate {
	case rules.PredicateNonEmpty:
		return s != ""
	case rules.PredicateNotNone:
		return s != "" && s != "None"
	case rules.PredicateIsNumeric:
		_, ok := v.AsFloat()
		return ok
	default:
		return true
	}
}

// firstInput returns the first input value the spec reads.
func firstInput(node graph.Node, spec rules.CaptureSpec) (graph.InputValue, bool) {
	switch {
	case spec.InputName != "":
		return node.Input(spec.InputName)
	case len(spec.Fields) > 0:
		return node.Input(spec.Fields[0])
	case spec.Prefix != "":
		vals := StackByPrefix(node, rules.SelectorArgs{Prefix: spec.Prefix})
		if len(vals) == 0 {
			return graph.InputValue{}, false
		}
		return graph.Scalar(vals[0]), true
	case spec.Selector == rules.SelectorStackByPrefix:
		vals := StackByPrefix(node, spec.Args)
		if len(vals) == 0 {
			return graph.InputValue{}, false
		}
		return graph.Scalar(vals[0]), true
	default:
		return graph.InputValue{}, false
	}
}

// extractScalar reads the spec's single value as a string.
func extractScalar(node graph.Node, spec rules.CaptureSpec) (string, bool) {
	v, ok := firstInput(node, spec)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// extractSequence reads the spec's ordered value list.
func extractSequence(node graph.Node, spec rules.CaptureSpec) []string {
	switch {
	case spec.Prefix != "":
		return StackByPrefix(node, rules.SelectorArgs{Prefix: spec.Prefix})
	case spec.Selector == rules.SelectorStackByPrefix:
		return StackByPrefix(node, spec.Args)
	case len(spec.Fields) > 0:
		out := make([]string, 0, len(spec.Fields))
		for _, name := range spec.Fields {
			if v, ok := node.Input(name); ok {
				if s, sok := v.AsString(); sok && s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case spec.InputName != "":
		if s, ok := extractScalar(node, spec); ok && s != "" {
			return []string{s}
		}
		return nil
	default:
		return nil
	}
}

// extractText reads prompt text: the Fields variant joins its parts with a
// space (dual-text encoders).
func extractText(node graph.Node, spec rules.CaptureSpec) (string, bool) {
	if len(spec.Fields) > 0 {
		parts := extractSequence(node, spec)
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	}
	return extractScalar(node, spec)
}

// cleanName strips directories and a recognized extension from an artifact
// reference.
func cleanName(raw string) string {
	s := strings.ReplaceAll(raw, "\\", "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	switch strings.ToLower(filepath.Ext(s)) {
	case ".safetensors", ".st", ".ckpt", ".pt", ".bin":
		s = s[:len(s)-len(filepath.Ext(s))]
	}
	return s
}

// hashArtifact resolves and hashes one reference, recording hash detail and
// the resolved artifact. Failures are logged and reported as absent.
func hashArtifact(ctx *Context, st *state, family, raw, detailKey string) (string, bool) {
	res := ctx.Resolver.Resolve(family, raw)
	if !res.Found() {
		return "", false
	}
	rec, err := ctx.Hashes.LoadOrCompute(res.AbsolutePath, ctx.Settings.HashLogMode)
	if err != nil {
		if ctx.Log != nil {
			ctx.Log.WithError(err).WithField("artifact", res.DisplayName).Warn("hash unavailable")
		}
		return "", false
	}
	st.artifacts = append(st.artifacts, res)
	st.hashDetail[fmt.Sprintf("%s:%s", detailKey, res.BaseName())] = HashDetail{
		Path: res.AbsolutePath,
		Full: rec.Full,
	}
	return rec.Truncated, true
}

// extractLoras evaluates the aligned LoRA group of one node. The
// (name, hash, strength_model, strength_clip) quadruple at index i always
// refers to the same loader slot; "None" slots are dropped whole.
func extractLoras(ctx *Context, st *state, node graph.Node, classRules rules.ClassRules) {
	nameSpec, hasName := classRules[fields.LoraModelName]
	if !hasName {
		return
	}
	_, wantHash := classRules[fields.LoraModelHash]

	var slots []loaderLora
	switch {
	case nameSpec.Selector == rules.SelectorLorasFromLoader:
		slots = CollectLorasFromLoader(node)
	case nameSpec.Selector == rules.SelectorStackByPrefix || nameSpec.Prefix != "":
		slots = alignedStack(node, classRules)
	case nameSpec.InputName != "":
		if !checkPredicate(node, nameSpec) {
			return
		}
		name, ok := extractScalar(node, nameSpec)
		if !ok || name == "" {
			return
		}
		slot := loaderLora{name: name, strengthModel: "1", strengthClip: "1"}
		if smSpec, ok := classRules[fields.LoraStrengthModel]; ok {
			if s, sok := extractScalar(node, smSpec); sok {
				slot.strengthModel = s
				slot.strengthClip = s
			}
		}
		if scSpec, ok := classRules[fields.LoraStrengthClip]; ok {
			if s, sok := extractScalar(node, scSpec); sok {
				slot.strengthClip = s
			}
		}
		slots = []loaderLora{slot}
	default:
		return
	}

	for _, slot := range slots {
		if sanitizedIsNone(slot.name) {
			continue
		}
		res := ctx.Resolver.Resolve("lora", slot.name)
		entry := loraSlot{
			name:          res.BaseName(),
			strengthModel: slot.strengthModel,
			strengthClip:  slot.strengthClip,
		}
		if wantHash && res.Found() {
			if h, ok := hashArtifact(ctx, st, "lora", slot.name, "lora"); ok {
				entry.hash = h
			}
		}
		st.loras = append(st.loras, entry)
	}
}

// alignedStack zips prefix-enumerated name and strength lists, sharing keep
// indices so dropped "None" slots never skew alignment.
func alignedStack(node graph.Node, classRules rules.ClassRules) []loaderLora {
	nameSpec := classRules[fields.LoraModelName]
	args := nameSpec.Args
	if args.Prefix == "" {
		args.Prefix = nameSpec.Prefix
	}
	names := StackByPrefix(node, rules.SelectorArgs{Prefix: args.Prefix, CounterKey: args.CounterKey})

	strengthList := func(f fields.Field) []string {
		spec, ok := classRules[f]
		if !ok {
			return nil
		}
		a := spec.Args
		if a.Prefix == "" {
			a.Prefix = spec.Prefix
		}
		if a.Prefix == "" {
			return nil
		}
		a.CounterKey = args.CounterKey
		return StackByPrefix(node, a)
	}
	sms := strengthList(fields.LoraStrengthModel)
	scs := strengthList(fields.LoraStrengthClip)

	out := make([]loaderLora, 0, len(names))
	for i, name := range names {
		slot := loaderLora{name: name, strengthModel: "1", strengthClip: "1"}
		if i < len(sms) {
			slot.strengthModel = sms[i]
			slot.strengthClip = sms[i]
		}
		if i < len(scs) {
			slot.strengthClip = scs[i]
		}
		out = append(out, slot)
	}
	return out
}

func sanitizedIsNone(name string) bool {
	s := strings.TrimSpace(name)
	return s == "" || s == "None"
}
