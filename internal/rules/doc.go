package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	yaml "go.yaml.in/yaml/v3"

	"github.com/xxmjskxx/metasave/internal/apperr"
	"github.com/xxmjskxx/metasave/internal/fields"
)

// CaptureDoc is the serialized form of capture rules: class name to field
// enum name to spec.
type CaptureDoc map[string]map[string]CaptureSpec

// SamplerDoc is the serialized form of sampler roles: class name to role to
// input name.
type SamplerDoc map[string]Roles

// GeneratedDoc is the regenerated rules document, stamped with the registry
// version it was written by.
type GeneratedDoc struct {
	Version  string     `json:"version" yaml:"version"`
	Captures CaptureDoc `json:"captures" yaml:"captures"`
	Samplers SamplerDoc `json:"samplers" yaml:"samplers"`
}

// DecodeCaptureDoc converts a document into typed class rules. Entries that
// fail validation are logged and skipped; the rest of the document loads.
func DecodeCaptureDoc(doc CaptureDoc, log *logrus.Entry) map[string]ClassRules {
	out := make(map[string]ClassRules, len(doc))
	for class, byField := range doc {
		rules := make(ClassRules, len(byField))
		for fieldName, spec := range byField {
			f, ok := fields.Parse(fieldName)
			if !ok {
				warnRule(log, class, fieldName, fmt.Errorf("%w: unknown field", apperr.ErrRuleShape))
				continue
			}
			if err := spec.Check(); err != nil {
				warnRule(log, class, fieldName, fmt.Errorf("%w: %v", apperr.ErrRuleShape, err))
				continue
			}
			rules[f] = spec
		}
		if len(rules) > 0 {
			out[class] = rules
		}
	}
	return out
}

// EncodeCaptureDoc converts typed class rules back to document form.
func EncodeCaptureDoc(byClass map[string]ClassRules) CaptureDoc {
	doc := make(CaptureDoc, len(byClass))
	for class, rules := range byClass {
		byField := make(map[string]CaptureSpec, len(rules))
		for f, spec := range rules {
			byField[f.String()] = spec
		}
		doc[class] = byField
	}
	return doc
}

// DecodeSamplerDoc validates a sampler role document. Unknown roles are
// logged and dropped.
func DecodeSamplerDoc(doc SamplerDoc, log *logrus.Entry) map[string]Roles {
	out := make(map[string]Roles, len(doc))
	for class, roles := range doc {
		kept := make(Roles, len(roles))
		for role, input := range roles {
			if !ValidRole(role) {
				warnRule(log, class, role, fmt.Errorf("%w: unknown sampler role", apperr.ErrRuleShape))
				continue
			}
			if input == "" {
				warnRule(log, class, role, fmt.Errorf("%w: empty input name", apperr.ErrRuleShape))
				continue
			}
			kept[role] = input
		}
		if len(kept) > 0 {
			out[class] = kept
		}
	}
	return out
}

func warnRule(log *logrus.Entry, class, key string, err error) {
	if log == nil {
		return
	}
	log.WithFields(logrus.Fields{"class": class, "key": key}).WithError(err).Warn("rule entry ignored")
}

// ReadCaptureFile loads a capture document from a JSON file. A missing file
// yields an empty document.
func ReadCaptureFile(path string, log *logrus.Entry) (map[string]ClassRules, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc CaptureDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrRuleShape, path, err)
	}
	return DecodeCaptureDoc(doc, log), nil
}

// ReadSamplerFile loads a sampler role document from a JSON file.
func ReadSamplerFile(path string, log *logrus.Entry) (map[string]Roles, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc SamplerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrRuleShape, path, err)
	}
	return DecodeSamplerDoc(doc, log), nil
}

// extensionPack is the on-disk shape of one drop-in extension document.
type extensionPack struct {
	Captures CaptureDoc `json:"captures" yaml:"captures"`
	Samplers SamplerDoc `json:"samplers" yaml:"samplers"`
}

// readExtensionFile loads one extension pack, JSON or YAML by extension.
func readExtensionFile(path string, isYAML bool, log *logrus.Entry) (map[string]ClassRules, map[string]Roles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var pack extensionPack
	if isYAML {
		err = yaml.Unmarshal(data, &pack)
	} else {
		err = json.Unmarshal(data, &pack)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", apperr.ErrRuleShape, path, err)
	}
	return DecodeCaptureDoc(pack.Captures, log), DecodeSamplerDoc(pack.Samplers, log), nil
}

// SortedClasses returns the class names of a document in stable order.
func SortedClasses[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
