// Package config exposes the runtime toggles of the capture pipeline.
//
// Toggles are read from viper at each save invocation, so changes from a
// config file, environment, or CLI flags take effect without a restart.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// HashLogMode controls how much the hash cache logs per computed digest.
type HashLogMode string

const (
	HashLogNone     HashLogMode = "none"
	HashLogFilename HashLogMode = "filename"
	HashLogPath     HashLogMode = "path"
	HashLogDetailed HashLogMode = "detailed"
	HashLogDebug    HashLogMode = "debug"
)

// Settings is a point-in-time snapshot of every runtime toggle. A save call
// takes one snapshot at entry and never re-reads viper mid-flight.
type Settings struct {
	TestMode        bool
	NoHashDetail    bool
	NoLoraSummary   bool
	DebugPrompts    bool
	ForceRehash     bool
	HashLogMode     HashLogMode
	EnableTestNodes bool
	ProvenanceBOM   bool

	LogLevel string

	// MaxJPEGExifKB caps the EXIF attempt size before fallback stages
	// engage. Clamped to [1, 64].
	MaxJPEGExifKB int

	// UserRulesDir holds user_captures.json, user_samplers.json, the
	// generated rules document and the backups/ subtree.
	UserRulesDir string

	// ExtensionRulesDir holds drop-in extension rule packs.
	ExtensionRulesDir string

	// BackupRetention is the number of backup sets kept; 0 disables pruning.
	BackupRetention int

	// SamplerCap bounds the emitted sampler list; the default of 1 keeps
	// traditional single-sampler output.
	SamplerCap int

	// ModelRoots maps an artifact family to its search roots in priority
	// order.
	ModelRoots map[string][]string
}

// Families in canonical order.
var Families = []string{"checkpoint", "vae", "lora", "unet", "embedding", "clip", "upscaler"}

// SetDefaults installs the default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("test-mode", false)
	v.SetDefault("no-hash-detail", false)
	v.SetDefault("no-lora-summary", false)
	v.SetDefault("debug-prompts", false)
	v.SetDefault("force-rehash", false)
	v.SetDefault("hash-log-mode", string(HashLogNone))
	v.SetDefault("enable-test-nodes", false)
	v.SetDefault("provenance-bom", false)
	v.SetDefault("max-jpeg-exif-kb", 60)
	v.SetDefault("paths.user-rules", "user_rules")
	v.SetDefault("paths.extensions", "extension_rules")
	v.SetDefault("backup-retention", 20)
	v.SetDefault("sampler-cap", 1)
	for _, fam := range Families {
		v.SetDefault("paths.models."+fam, []string{})
	}
}

// Snapshot reads the current toggle values from v.
func Snapshot(v *viper.Viper) Settings {
	s := Settings{
		TestMode:          v.GetBool("test-mode"),
		NoHashDetail:      v.GetBool("no-hash-detail"),
		NoLoraSummary:     v.GetBool("no-lora-summary"),
		DebugPrompts:      v.GetBool("debug-prompts"),
		ForceRehash:       v.GetBool("force-rehash"),
		HashLogMode:       parseHashLogMode(v.GetString("hash-log-mode")),
		EnableTestNodes:   v.GetBool("enable-test-nodes"),
		ProvenanceBOM:     v.GetBool("provenance-bom"),
		LogLevel:          v.GetString("log-level"),
		MaxJPEGExifKB:     clampExifKB(v.GetInt("max-jpeg-exif-kb")),
		UserRulesDir:      v.GetString("paths.user-rules"),
		ExtensionRulesDir: v.GetString("paths.extensions"),
		BackupRetention:   v.GetInt("backup-retention"),
		SamplerCap:        v.GetInt("sampler-cap"),
		ModelRoots:        make(map[string][]string, len(Families)),
	}
	if s.BackupRetention < 0 {
		s.BackupRetention = 0
	}
	if s.SamplerCap < 1 {
		s.SamplerCap = 1
	}
	for _, fam := range Families {
		s.ModelRoots[fam] = v.GetStringSlice("paths.models." + fam)
	}
	return s
}

func parseHashLogMode(raw string) HashLogMode {
	switch HashLogMode(strings.ToLower(strings.TrimSpace(raw))) {
	case HashLogFilename:
		return HashLogFilename
	case HashLogPath:
		return HashLogPath
	case HashLogDetailed:
		return HashLogDetailed
	case HashLogDebug:
		return HashLogDebug
	default:
		return HashLogNone
	}
}

func clampExifKB(kb int) int {
	if kb < 1 {
		return 1
	}
	if kb > 64 {
		return 64
	}
	return kb
}
