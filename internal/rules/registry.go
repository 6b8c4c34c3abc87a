package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// UserCapturesFile and UserSamplersFile are the user document names inside
// the user-rules directory. GeneratedRulesFile is the scanner-regenerated
// document carrying a version stamp.
const (
	UserCapturesFile   = "user_captures.json"
	UserSamplersFile   = "user_samplers.json"
	GeneratedRulesFile = "generated_rules.json"
)

// Registry is the merged view of all capture rules and sampler roles for one
// save call. It is built from immutable layers plus a snapshot of the user
// layer and never mutated after construction.
type Registry struct {
	Captures map[string]ClassRules
	Samplers map[string]Roles

	// Stamp is the version found in the generated rules document, empty
	// when none was loaded.
	Stamp string
}

// Class returns the capture rules of a class.
func (r *Registry) Class(name string) (ClassRules, bool) {
	c, ok := r.Captures[name]
	return c, ok
}

// SamplerRoles returns the role mapping of a sampler class.
func (r *Registry) SamplerRoles(name string) (Roles, bool) {
	s, ok := r.Samplers[name]
	return s, ok
}

// IsSamplerClass reports tier-A sampler membership.
func (r *Registry) IsSamplerClass(name string) bool {
	_, ok := r.Samplers[name]
	return ok
}

// MergeOptions filter the user layer during assembly.
type MergeOptions struct {
	// RequiredClasses, when non-nil, restricts which user-layer classes are
	// merged. Classes outside the set are dropped unless force-included.
	// The filter applies to capture rules and sampler roles alike.
	RequiredClasses []string

	// ForceInclude class names always pass the RequiredClasses filter. A
	// class that still ends up without merged rules yields no fields.
	ForceInclude []string

	// EnableTestNodes adds the lightweight test sampler stub to the
	// built-in layer.
	EnableTestNodes bool
}

func (o MergeOptions) forced() map[string]bool {
	out := make(map[string]bool, len(o.ForceInclude))
	for _, c := range o.ForceInclude {
		out[c] = true
	}
	return out
}

func (o MergeOptions) allows(class string) bool {
	if o.RequiredClasses == nil {
		return true
	}
	for _, c := range o.RequiredClasses {
		if c == class {
			return true
		}
	}
	return o.forced()[class]
}

// overlayCaptures merges a higher layer into base, replacing per (class,
// field) pairs without discarding unrelated fields of the lower layer.
func overlayCaptures(base map[string]ClassRules, layer map[string]ClassRules) {
	for class, rules := range layer {
		existing, ok := base[class]
		if !ok {
			base[class] = rules.Clone()
			continue
		}
		for f, spec := range rules {
			existing[f] = spec
		}
	}
}

// overlayRoles merges sampler roles the same way, per (class, role).
func overlayRoles(base map[string]Roles, layer map[string]Roles) {
	for class, roles := range layer {
		existing, ok := base[class]
		if !ok {
			cp := make(Roles, len(roles))
			for r, in := range roles {
				cp[r] = in
			}
			base[class] = cp
			continue
		}
		for r, in := range roles {
			existing[r] = in
		}
	}
}

// Loader assembles registries and caches the expensive layer reads, keyed by
// the mtimes of the user documents. A filesystem watcher on the user-rules
// directory marks the cache dirty as soon as a write lands, so concurrent
// scanner writes and save reads converge without explicit locking.
type Loader struct {
	userDir string
	extDir  string
	log     *logrus.Entry

	mu          sync.Mutex
	cacheKey    uint64
	userCaps    map[string]ClassRules
	userRoles   map[string]Roles
	stamp       string
	dirty       bool
	stampLogged bool

	extCaps  map[string]ClassRules
	extRoles map[string]Roles
	extRead  bool

	watcher *fsnotify.Watcher
}

// NewLoader builds a loader over the user and extension rule directories.
// The fsnotify watch is best-effort: when the directory cannot be watched
// the mtime cache alone decides freshness.
func NewLoader(userDir, extDir string, log *logrus.Entry) *Loader {
	l := &Loader{userDir: userDir, extDir: extDir, log: log, dirty: true}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := w.Add(userDir); addErr == nil {
			l.watcher = w
			go l.watch()
		} else {
			w.Close()
		}
	}
	return l
}

// Close releases the filesystem watcher.
func (l *Loader) Close() {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

func (l *Loader) watch() {
	l.mu.Lock()
	w := l.watcher
	l.mu.Unlock()
	if w == nil {
		return
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				l.mu.Lock()
				l.dirty = true
				l.mu.Unlock()
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// userPaths returns the user document paths in stable order.
func (l *Loader) userPaths() []string {
	return []string{
		filepath.Join(l.userDir, UserCapturesFile),
		filepath.Join(l.userDir, UserSamplersFile),
		filepath.Join(l.userDir, GeneratedRulesFile),
	}
}

// snapshotKey fingerprints the (path, mtime) tuples of the user documents.
func (l *Loader) snapshotKey() uint64 {
	h := xxhash.New()
	for _, p := range l.userPaths() {
		h.WriteString(p)
		h.WriteString("\x00")
		if st, err := os.Stat(p); err == nil {
			h.WriteString(st.ModTime().String())
			h.WriteString("\x00")
		} else {
			h.WriteString("absent\x00")
		}
	}
	return h.Sum64()
}

// refreshUserLayer re-reads the user documents when the cache key changed or
// the watcher flagged a write.
func (l *Loader) refreshUserLayer() {
	key := l.snapshotKey()
	if !l.dirty && key == l.cacheKey && l.userCaps != nil {
		return
	}
	caps, err := ReadCaptureFile(filepath.Join(l.userDir, UserCapturesFile), l.log)
	if err != nil && l.log != nil {
		l.log.WithError(err).Warn("user capture document unreadable")
	}
	roles, err := ReadSamplerFile(filepath.Join(l.userDir, UserSamplersFile), l.log)
	if err != nil && l.log != nil {
		l.log.WithError(err).Warn("user sampler document unreadable")
	}
	l.userCaps = caps
	l.userRoles = roles
	l.stamp = l.readStamp()
	l.cacheKey = key
	l.dirty = false
}

func (l *Loader) readStamp() string {
	data, err := os.ReadFile(filepath.Join(l.userDir, GeneratedRulesFile))
	if err != nil {
		return ""
	}
	var doc GeneratedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Version
}

// refreshExtensions reads the drop-in extension packs once per process.
// Files whose base name matches *_examples.* or starts with "__" are
// skipped.
func (l *Loader) refreshExtensions() {
	if l.extRead {
		return
	}
	l.extRead = true
	l.extCaps = make(map[string]ClassRules)
	l.extRoles = make(map[string]Roles)

	entries, err := os.ReadDir(l.extDir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if strings.HasPrefix(base, "__") || strings.HasSuffix(base, "_examples") {
			continue
		}
		var isYAML bool
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json":
		case ".yaml", ".yml":
			isYAML = true
		default:
			continue
		}
		caps, roles, err := readExtensionFile(filepath.Join(l.extDir, name), isYAML, l.log)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).WithField("file", name).Warn("extension pack skipped")
			}
			continue
		}
		overlayCaptures(l.extCaps, caps)
		overlayRoles(l.extRoles, roles)
	}
}

// Snapshot assembles a registry: defaults, then extension packs, then the
// filtered user layer. Each higher layer overlays per-(class, field) pairs.
func (l *Loader) Snapshot(opts MergeOptions) *Registry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refreshExtensions()
	l.refreshUserLayer()

	captures := Defaults()
	samplers := DefaultSamplers()
	if opts.EnableTestNodes {
		class, rules, roles := TestNodeRules()
		captures[class] = rules
		samplers[class] = roles
	}

	overlayCaptures(captures, l.extCaps)
	overlayRoles(samplers, l.extRoles)

	userCaps := make(map[string]ClassRules, len(l.userCaps))
	for class, rules := range l.userCaps {
		if opts.allows(class) {
			userCaps[class] = rules
		}
	}
	userRoles := make(map[string]Roles, len(l.userRoles))
	for class, roles := range l.userRoles {
		if opts.allows(class) {
			userRoles[class] = roles
		}
	}
	overlayCaptures(captures, userCaps)
	overlayRoles(samplers, userRoles)

	if l.stamp != "" && l.stamp != RulesVersion && !l.stampLogged {
		l.stampLogged = true
		if l.log != nil {
			l.log.WithFields(logrus.Fields{
				"document": l.stamp,
				"built_in": RulesVersion,
			}).Info("generated rules document was written by a different registry version")
		}
	}

	return &Registry{Captures: captures, Samplers: samplers, Stamp: l.stamp}
}

// BuildRegistry assembles a registry from explicit layers, primarily for
// tests and the scanner's baseline computation.
func BuildRegistry(userCaps map[string]ClassRules, userRoles map[string]Roles, opts MergeOptions) *Registry {
	captures := Defaults()
	samplers := DefaultSamplers()
	if opts.EnableTestNodes {
		class, rules, roles := TestNodeRules()
		captures[class] = rules
		samplers[class] = roles
	}
	filteredCaps := make(map[string]ClassRules, len(userCaps))
	for class, rules := range userCaps {
		if opts.allows(class) {
			filteredCaps[class] = rules
		}
	}
	filteredRoles := make(map[string]Roles, len(userRoles))
	for class, roles := range userRoles {
		if opts.allows(class) {
			filteredRoles[class] = roles
		}
	}
	overlayCaptures(captures, filteredCaps)
	overlayRoles(samplers, filteredRoles)
	return &Registry{Captures: captures, Samplers: samplers}
}
