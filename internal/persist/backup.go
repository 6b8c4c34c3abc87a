package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xxmjskxx/metasave/internal/apperr"
	"github.com/xxmjskxx/metasave/internal/rules"
)

// backupsSubdir holds the timestamped backup sets under the user-rules
// directory.
const backupsSubdir = "backups"

// backedUpFiles are the documents a backup set may contain.
var backedUpFiles = []string{
	rules.UserCapturesFile,
	rules.UserSamplersFile,
	rules.GeneratedRulesFile,
}

// RestoreReport lists what a restore actually touched.
type RestoreReport struct {
	Restored []string
	Missing  []string
}

// Backup snapshots the current user documents into a new timestamped set
// (YYYYMMDD-HHMMSS, with a -N suffix on collision), building the set in a
// temporary directory and renaming it into place. Old sets are pruned to
// limit, newest kept; limit 0 disables pruning.
func (w *Writer) Backup(limit int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backupLocked(limit)
}

func (w *Writer) backupLocked(limit int) (string, error) {
	root := filepath.Join(w.dir, backupsSubdir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	tmp, err := os.MkdirTemp(root, ".staging*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	defer os.RemoveAll(tmp)

	copied := 0
	for _, name := range backedUpFiles {
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return "", fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		copied++
	}
	if copied == 0 {
		return "", nil // nothing to back up
	}

	stamp := time.Now().Format("20060102-150405")
	target := filepath.Join(root, stamp)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(root, fmt.Sprintf("%s-%d", stamp, n))
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	if limit > 0 {
		w.prune(root, limit)
	}
	return filepath.Base(target), nil
}

// prune keeps the newest limit sets, by name (the stamp sorts
// chronologically).
func (w *Writer) prune(root string, limit int) {
	sets, err := w.ListBackups()
	if err != nil || len(sets) <= limit {
		return
	}
	for _, old := range sets[:len(sets)-limit] {
		if err := os.RemoveAll(filepath.Join(root, old)); err != nil && w.log != nil {
			w.log.WithError(err).WithField("set", old).Warn("backup prune failed")
		}
	}
}

// ListBackups returns the backup set names, oldest first.
func (w *Writer) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.dir, backupsSubdir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Restore atomically replaces the current user documents with the contents
// of the given backup set. Files missing from the set are tolerated and
// reported; present documents land via temp+rename.
func (w *Writer) Restore(setID string) (RestoreReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var report RestoreReport
	setDir := filepath.Join(w.dir, backupsSubdir, setID)
	if _, err := os.Stat(setDir); err != nil {
		return report, fmt.Errorf("%w: backup set %q: %v", apperr.ErrPersistence, setID, err)
	}

	for _, name := range backedUpFiles {
		data, err := os.ReadFile(filepath.Join(setDir, name))
		if os.IsNotExist(err) {
			report.Missing = append(report.Missing, name)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		target := filepath.Join(w.dir, name)
		tmp, err := os.CreateTemp(w.dir, name+".tmp*")
		if err != nil {
			return report, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return report, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return report, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		if err := os.Rename(tmpName, target); err != nil {
			os.Remove(tmpName)
			return report, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		report.Restored = append(report.Restored, name)
	}
	return report, nil
}
