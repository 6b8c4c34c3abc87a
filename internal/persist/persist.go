// Package persist writes scanner proposals into the user rule documents,
// with atomic per-file semantics, timestamped backups and restore.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xxmjskxx/metasave/internal/apperr"
	"github.com/xxmjskxx/metasave/internal/rules"
	"github.com/xxmjskxx/metasave/internal/scan"
)

// SaveMode selects how a proposal lands in the existing documents.
type SaveMode string

const (
	// ModeOverwrite replaces the documents in their entirety.
	ModeOverwrite SaveMode = "overwrite"

	// ModeAppendNew adds missing classes wholesale and missing fields of
	// existing classes; conflicts follow ReplaceConflicts.
	ModeAppendNew SaveMode = "append_new"
)

// Options configure one save.
type Options struct {
	Mode             SaveMode
	ReplaceConflicts bool
	BackupBeforeSave bool

	// RebuildGenerated re-emits the generated rules document stamped with
	// the current registry version.
	RebuildGenerated bool

	// LimitBackupSets prunes old backups to the newest N; 0 disables
	// pruning.
	LimitBackupSets int
}

// Status tallies one save invocation.
type Status struct {
	NodesAdded     int
	FieldsAdded    int
	FieldsReplaced int
	FieldsSkipped  int
	RolesAdded     int
	RolesReplaced  int
	RolesSkipped   int
	BackupSet      string
}

// Line renders the single-line metric string emitted per invocation.
func (s Status) Line() string {
	return fmt.Sprintf("nodes_added=%d fields_added=%d fields_replaced=%d fields_skipped=%d roles_added=%d roles_replaced=%d roles_skipped=%d",
		s.NodesAdded, s.FieldsAdded, s.FieldsReplaced, s.FieldsSkipped,
		s.RolesAdded, s.RolesReplaced, s.RolesSkipped)
}

// Writer persists proposals under one user-rules directory. Writes are
// serialized with a directory-scoped mutex; each file lands via temp+rename,
// so a failed write leaves the previous document untouched.
type Writer struct {
	mu  sync.Mutex
	dir string
	log *logrus.Entry
}

// NewWriter builds a writer rooted at the user-rules directory.
func NewWriter(dir string, log *logrus.Entry) *Writer {
	return &Writer{dir: dir, log: log}
}

// Save merges or overwrites the user documents with a proposal.
func (w *Writer) Save(p *scan.Proposal, opts Options) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if opts.Mode == "" {
		opts.Mode = ModeAppendNew
	}
	var status Status

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return status, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	if opts.BackupBeforeSave {
		set, err := w.backupLocked(opts.LimitBackupSets)
		if err != nil {
			return status, err
		}
		status.BackupSet = set
	}

	capturesPath := filepath.Join(w.dir, rules.UserCapturesFile)
	samplersPath := filepath.Join(w.dir, rules.UserSamplersFile)

	currentCaps, err := rules.ReadCaptureFile(capturesPath, w.log)
	if err != nil {
		return status, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	currentRoles, err := rules.ReadSamplerFile(samplersPath, w.log)
	if err != nil {
		return status, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	var nextCaps map[string]rules.ClassRules
	var nextRoles map[string]rules.Roles
	if opts.Mode == ModeOverwrite {
		nextCaps = p.Additions
		nextRoles = p.SamplerAdditions
		status.NodesAdded = len(nextCaps)
		for _, classRules := range nextCaps {
			status.FieldsAdded += len(classRules)
		}
		for _, roles := range nextRoles {
			status.RolesAdded += len(roles)
		}
	} else {
		nextCaps = mergeCaptures(currentCaps, p.Additions, opts.ReplaceConflicts, &status)
		nextRoles = mergeRoles(currentRoles, p.SamplerAdditions, opts.ReplaceConflicts, &status)
	}

	if err := writeJSONAtomic(capturesPath, rules.EncodeCaptureDoc(nextCaps)); err != nil {
		return status, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	if err := writeJSONAtomic(samplersPath, samplerDoc(nextRoles)); err != nil {
		return status, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	if opts.RebuildGenerated {
		gen := rules.GeneratedDoc{
			Version:  rules.RulesVersion,
			Captures: rules.EncodeCaptureDoc(nextCaps),
			Samplers: samplerDoc(nextRoles),
		}
		if err := writeJSONAtomic(filepath.Join(w.dir, rules.GeneratedRulesFile), gen); err != nil {
			return status, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
	}

	if w.log != nil {
		w.log.Info(status.Line())
	}
	return status, nil
}

// mergeCaptures applies append_new semantics: missing classes land
// wholesale; existing classes gain missing fields; conflicting fields are
// replaced only when asked, and identical content counts as skipped.
func mergeCaptures(current, additions map[string]rules.ClassRules, replace bool, status *Status) map[string]rules.ClassRules {
	out := make(map[string]rules.ClassRules, len(current)+len(additions))
	for class, classRules := range current {
		out[class] = classRules.Clone()
	}
	for class, add := range additions {
		existing, ok := out[class]
		if !ok {
			if len(add) == 0 {
				continue
			}
			out[class] = add.Clone()
			status.NodesAdded++
			status.FieldsAdded += len(add)
			continue
		}
		for f, spec := range add {
			old, present := existing[f]
			switch {
			case !present:
				existing[f] = spec
				status.FieldsAdded++
			case specEqual(old, spec):
				status.FieldsSkipped++
			case replace:
				existing[f] = spec
				status.FieldsReplaced++
			default:
				status.FieldsSkipped++
			}
		}
	}
	return out
}

func mergeRoles(current, additions map[string]rules.Roles, replace bool, status *Status) map[string]rules.Roles {
	out := make(map[string]rules.Roles, len(current)+len(additions))
	for class, roles := range current {
		cp := make(rules.Roles, len(roles))
		for r, in := range roles {
			cp[r] = in
		}
		out[class] = cp
	}
	for class, add := range additions {
		existing, ok := out[class]
		if !ok {
			cp := make(rules.Roles, len(add))
			for r, in := range add {
				cp[r] = in
			}
			out[class] = cp
			status.RolesAdded += len(add)
			continue
		}
		for role, input := range add {
			old, present := existing[role]
			switch {
			case !present:
				existing[role] = input
				status.RolesAdded++
			case old == input:
				status.RolesSkipped++
			case replace:
				existing[role] = input
				status.RolesReplaced++
			default:
				status.RolesSkipped++
			}
		}
	}
	return out
}

func specEqual(a, b rules.CaptureSpec) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func samplerDoc(roles map[string]rules.Roles) rules.SamplerDoc {
	doc := make(rules.SamplerDoc, len(roles))
	for class, r := range roles {
		doc[class] = r
	}
	return doc
}

// writeJSONAtomic serializes v and renames it over path. Map keys marshal
// sorted, so identical content always produces identical bytes.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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
