// Package provenance emits an optional CycloneDX BOM sidecar describing the
// model artifacts that contributed to a generated image.
package provenance

import (
	"os"
	"sort"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/xxmjskxx/metasave/internal/artifacts"
	"github.com/xxmjskxx/metasave/internal/extract"
)

// WriteBOM writes a CycloneDX 1.6 JSON BOM listing the resolved artifacts
// with their full SHA-256 digests and family properties.
func WriteBOM(path string, resolved []artifacts.Resolved, detail map[string]extract.HashDetail) error {
	bom := cdx.NewBOM()
	bom.SerialNumber = "urn:uuid:" + uuid.New().String()

	fullDigest := func(abs string) string {
		for _, d := range detail {
			if d.Path == abs {
				return d.Full
			}
		}
		return ""
	}

	// Stable component order before refs are assigned.
	ordered := make([]artifacts.Resolved, 0, len(resolved))
	seen := make(map[string]bool, len(resolved))
	for _, r := range resolved {
		if !r.Found() || seen[r.AbsolutePath] {
			continue
		}
		seen[r.AbsolutePath] = true
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Family != ordered[j].Family {
			return ordered[i].Family < ordered[j].Family
		}
		return ordered[i].DisplayName < ordered[j].DisplayName
	})

	var components []cdx.Component
	for _, r := range ordered {
		comp := cdx.Component{
			Type:   cdx.ComponentTypeMachineLearningModel,
			Name:   r.DisplayName,
			BOMRef: "urn:uuid:" + uuid.New().String(),
			Properties: &[]cdx.Property{
				{Name: "metasave:family", Value: r.Family},
			},
		}
		if digest := fullDigest(r.AbsolutePath); digest != "" {
			hashes := []cdx.Hash{{Algorithm: cdx.HashAlgoSHA256, Value: digest}}
			comp.Hashes = &hashes
		}
		components = append(components, comp)
	}
	if len(components) > 0 {
		bom.Components = &components
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := cdx.NewBOMEncoder(f, cdx.BOMFileFormatJSON)
	encoder.SetPretty(true)
	return encoder.Encode(bom)
}
