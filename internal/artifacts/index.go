// Package artifacts resolves loose artifact references (bare names, partial
// paths, names with embedded dots) to canonical on-disk files.
package artifacts

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
)

// recognizedExtensions are the artifact extensions the resolver may strip
// from a reference and the index accepts while walking.
var recognizedExtensions = []string{".safetensors", ".st", ".ckpt", ".pt", ".bin"}

// indexPatterns match artifact files during the walk.
var indexPatterns = []string{
	"**/*.safetensors",
	"**/*.st",
	"**/*.ckpt",
	"**/*.pt",
	"**/*.bin",
}

// Index is the per-family file index: display name (relative to a family
// root, forward slashes) to absolute path. Roots are searched in priority
// order, so the first root containing a name wins.
type Index struct {
	mu       sync.RWMutex
	families map[string]*familyIndex
	log      *logrus.Entry
}

type familyIndex struct {
	names  []string          // display names, sorted
	byName map[string]string // display name -> absolute path
	folded map[string]string // lowercased display name -> display name
}

// NewIndex walks the given family roots and builds the index. Unreadable
// roots are logged and skipped.
func NewIndex(roots map[string][]string, log *logrus.Entry) *Index {
	idx := &Index{families: make(map[string]*familyIndex), log: log}
	for family, dirs := range roots {
		idx.families[family] = buildFamily(dirs, log)
	}
	return idx
}

func buildFamily(dirs []string, log *logrus.Entry) *familyIndex {
	fi := &familyIndex{
		byName: make(map[string]string),
		folded: make(map[string]string),
	}
	for _, dir := range dirs {
		root := filepath.Clean(dir)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entry: skip
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			display := filepath.ToSlash(rel)
			if !matchesAny(display) {
				return nil
			}
			if _, taken := fi.byName[display]; taken {
				return nil // earlier root wins
			}
			fi.names = append(fi.names, display)
			fi.byName[display] = path
			fi.folded[strings.ToLower(display)] = display
			return nil
		})
		if err != nil && log != nil {
			log.WithError(err).WithField("root", root).Warn("index walk failed")
		}
	}
	sort.Strings(fi.names)
	return fi
}

func matchesAny(display string) bool {
	for _, pat := range indexPatterns {
		if ok, _ := doublestar.Match(pat, display); ok {
			return true
		}
	}
	return false
}

// Lookup finds a candidate name within a family. The name may omit its
// extension; each recognized extension is tried in order. Matching is exact
// first, then case-insensitive. Returns the stored display name and the
// absolute path.
func (i *Index) Lookup(family, name string) (string, string, bool) {
	i.mu.RLock()
	fi := i.families[family]
	i.mu.RUnlock()
	if fi == nil {
		return "", "", false
	}
	name = filepath.ToSlash(name)

	tryOne := func(candidate string) (string, string, bool) {
		if abs, ok := fi.byName[candidate]; ok {
			return candidate, abs, true
		}
		if display, ok := fi.folded[strings.ToLower(candidate)]; ok {
			return display, fi.byName[display], true
		}
		return "", "", false
	}

	if d, a, ok := tryOne(name); ok {
		return d, a, true
	}
	for _, ext := range recognizedExtensions {
		if d, a, ok := tryOne(name + ext); ok {
			return d, a, true
		}
	}
	return "", "", false
}

// Names returns the display names of a family, sorted.
func (i *Index) Names(family string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	fi := i.families[family]
	if fi == nil {
		return nil
	}
	out := make([]string, len(fi.names))
	copy(out, fi.names)
	return out
}
