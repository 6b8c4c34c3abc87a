// Package hashcache computes SHA-256 digests of model artifacts and persists
// them in sidecar files so an artifact is streamed at most once.
package hashcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/apperr"
	"github.com/xxmjskxx/metasave/internal/config"
)

// SidecarSuffix is appended to the artifact path to form its sidecar name.
const SidecarSuffix = ".sha256"

// Record is the outcome of hashing one artifact.
type Record struct {
	AbsolutePath string
	Full         string // 64 lowercase hex characters
	Truncated    string // first 10 characters of Full
	ComputedAt   time.Time
}

// Cache is a process-lifetime content-hash cache. Digests for a given path
// are computed under a per-path mutex so concurrent saves never stream the
// same artifact twice; distinct paths hash in parallel.
type Cache struct {
	mu      sync.Mutex
	records map[string]Record
	locks   map[string]*sync.Mutex
	ignore  bool // when set, existing sidecars are ignored and overwritten

	log *logrus.Entry
}

// New returns an empty cache.
func New(log *logrus.Entry) *Cache {
	return &Cache{
		records: make(map[string]Record),
		locks:   make(map[string]*sync.Mutex),
		log:     log,
	}
}

// InvalidateAll makes subsequent LoadOrCompute calls ignore existing
// sidecars and overwrite them. In-memory records are dropped too.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ignore = true
	c.records = make(map[string]Record)
}

// pathLock returns the mutex guarding one artifact path.
func (c *Cache) pathLock(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[path]
	if !ok {
		l = &sync.Mutex{}
		c.locks[path] = l
	}
	return l
}

// LoadOrCompute returns the digest record for the artifact at path.
//
// If a parseable sidecar exists (and the cache has not been invalidated) its
// digest is reused without reading the artifact. Otherwise the artifact is
// streamed through SHA-256 and the sidecar is written via temp+rename; a
// failed sidecar write is logged but does not fail the call.
func (c *Cache) LoadOrCompute(path string, mode config.HashLogMode) (Record, error) {
	lock := c.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	rec, hit := c.records[path]
	ignore := c.ignore
	c.mu.Unlock()
	if hit {
		return rec, nil
	}

	if !ignore {
		if full, ok := readSidecar(path + SidecarSuffix); ok {
			rec = Record{
				AbsolutePath: path,
				Full:         full,
				Truncated:    full[:10],
				ComputedAt:   time.Now(),
			}
			c.store(rec)
			c.logHash(rec, mode, true)
			return rec, nil
		}
	}

	full, err := streamDigest(path)
	if err != nil {
		return Record{}, fmt.Errorf("%w: hash %s: %v", apperr.ErrArtifactIO, path, err)
	}
	rec = Record{
		AbsolutePath: path,
		Full:         full,
		Truncated:    full[:10],
		ComputedAt:   time.Now(),
	}
	if err := writeSidecar(path+SidecarSuffix, full); err != nil && c.log != nil {
		c.log.WithError(err).WithField("path", path).Warn("sidecar write failed")
	}
	c.store(rec)
	c.logHash(rec, mode, false)
	return rec, nil
}

func (c *Cache) store(rec Record) {
	c.mu.Lock()
	c.records[rec.AbsolutePath] = rec
	c.mu.Unlock()
}

func (c *Cache) logHash(rec Record, mode config.HashLogMode, fromSidecar bool) {
	if c.log == nil || mode == config.HashLogNone {
		return
	}
	entry := c.log.WithField("hash", rec.Truncated)
	switch mode {
	case config.HashLogFilename:
		entry = entry.WithField("file", filepath.Base(rec.AbsolutePath))
	case config.HashLogPath:
		entry = entry.WithField("path", rec.AbsolutePath)
	case config.HashLogDetailed, config.HashLogDebug:
		entry = entry.WithFields(logrus.Fields{
			"path":    rec.AbsolutePath,
			"full":    rec.Full,
			"sidecar": fromSidecar,
		})
	}
	if mode == config.HashLogDebug {
		entry.Debug("artifact hashed")
		return
	}
	entry.Info("artifact hashed")
}

// readSidecar returns the digest stored in a sidecar, if the file exists and
// holds a valid 64-hex digest after trimming whitespace.
func readSidecar(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	digest := strings.ToLower(strings.TrimSpace(string(data)))
	if !validDigest(digest) {
		return "", false
	}
	return digest, true
}

func validDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// writeSidecar writes the digest to a temp sibling then renames it over the
// sidecar path.
func writeSidecar(path, digest string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(digest + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func streamDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
