// Package normcfg loads a norm.Config from a YAML file, the way
// tinyrange-cc's bundle package loads its ccbundle.yaml metadata: read the
// whole file, yaml.Unmarshal into a plain struct, then normalize defaults
// for anything the file left zero.
package normcfg

import (
	"os"
	"time"

	"github.com/soypat/norm"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a norm.Config. Field names are lowerCamel in
// YAML to match the rest of the corpus's config file conventions.
type File struct {
	RxCacheMax            uint32  `yaml:"rxCacheMax,omitempty"`
	RxRobustFactor        int     `yaml:"rxRobustFactor,omitempty"`
	TxRobustFactor        int     `yaml:"txRobustFactor,omitempty"`
	DefaultSyncPolicy     string  `yaml:"syncPolicy,omitempty"`
	DefaultRepairBoundary string  `yaml:"repairBoundary,omitempty"`
	DefaultNackingMode    string  `yaml:"nackingMode,omitempty"`
	UnicastNacks          bool    `yaml:"unicastNacks,omitempty"`
	ECNIgnoreLoss         bool    `yaml:"ecnIgnoreLoss,omitempty"`
	CCTolerateLoss        bool    `yaml:"ccTolerateLoss,omitempty"`
	ReceiverSilent        bool    `yaml:"silent,omitempty"`
	ReceiverRealtime      bool    `yaml:"realtime,omitempty"`
	ReceiverIgnoreInfo    bool    `yaml:"ignoreInfo,omitempty"`
	SegmentBufferBytes    uint64  `yaml:"segmentBufferBytes,omitempty"`
	BufferFactor          float64 `yaml:"bufferFactor,omitempty"`
	NormTickMinMicros     int64   `yaml:"normTickMinMicros,omitempty"`
	BackoffFactor         float64 `yaml:"backoffFactor,omitempty"`
	FECVariant            string  `yaml:"fecVariant,omitempty"`
	GroupSizeSmoothing    float64 `yaml:"groupSizeSmoothing,omitempty"`
}

// Load reads and parses path into a norm.Config, starting from
// norm.DefaultConfig() and overriding any field the file sets.
func Load(path string) (norm.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return norm.Config{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return norm.Config{}, err
	}
	return merge(f), nil
}

func merge(f File) norm.Config {
	cfg := norm.DefaultConfig()
	if f.RxCacheMax != 0 {
		cfg.RxCacheMax = f.RxCacheMax
	}
	if f.RxRobustFactor != 0 {
		cfg.RxRobustFactor = f.RxRobustFactor
	}
	if f.TxRobustFactor != 0 {
		cfg.TxRobustFactor = f.TxRobustFactor
	}
	if p, ok := parseSyncPolicy(f.DefaultSyncPolicy); ok {
		cfg.DefaultSyncPolicy = p
	}
	if b, ok := parseRepairBoundary(f.DefaultRepairBoundary); ok {
		cfg.DefaultRepairBoundary = b
	}
	if n, ok := parseNackingMode(f.DefaultNackingMode); ok {
		cfg.DefaultNackingMode = n
	}
	cfg.UnicastNacks = f.UnicastNacks
	cfg.ECNIgnoreLoss = f.ECNIgnoreLoss
	cfg.CCTolerateLoss = f.CCTolerateLoss
	cfg.ReceiverSilent = f.ReceiverSilent
	cfg.ReceiverRealtime = f.ReceiverRealtime
	cfg.ReceiverIgnoreInfo = f.ReceiverIgnoreInfo
	if f.SegmentBufferBytes != 0 {
		cfg.SegmentBufferBytes = f.SegmentBufferBytes
	}
	if f.BufferFactor != 0 {
		cfg.BufferFactor = f.BufferFactor
	}
	if f.NormTickMinMicros != 0 {
		cfg.NormTickMin = time.Duration(f.NormTickMinMicros) * time.Microsecond
	}
	if f.BackoffFactor != 0 {
		cfg.BackoffFactor = f.BackoffFactor
	}
	if v, ok := parseFECVariant(f.FECVariant); ok {
		cfg.FECVariant = v
	}
	if f.GroupSizeSmoothing != 0 {
		cfg.GroupSizeSmoothing = f.GroupSizeSmoothing
	}
	return cfg
}

func parseSyncPolicy(s string) (norm.SyncPolicy, bool) {
	switch s {
	case "current":
		return norm.SyncCurrent, true
	case "stream":
		return norm.SyncStream, true
	case "all":
		return norm.SyncAll, true
	default:
		return 0, false
	}
}

func parseRepairBoundary(s string) (norm.RepairBoundary, bool) {
	switch s {
	case "block":
		return norm.BlockBoundary, true
	case "object":
		return norm.ObjectBoundary, true
	default:
		return 0, false
	}
}

func parseNackingMode(s string) (norm.NackingMode, bool) {
	switch s {
	case "none":
		return norm.NackNone, true
	case "infoOnly":
		return norm.NackInfoOnly, true
	case "normal":
		return norm.NackNormal, true
	default:
		return 0, false
	}
}

func parseFECVariant(s string) (norm.FECVariant, bool) {
	switch s {
	case "auto":
		return norm.FECAuto, true
	case "mdp":
		return norm.FECForceMDP, true
	default:
		return 0, false
	}
}
