package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"helmsman/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// fileConfig maps the scaling_policies document.
type fileConfig struct {
	ScalingPolicies map[string]ScalingPolicy `mapstructure:"scaling_policies" yaml:"scaling_policies"`
}

// Snapshot is an immutable view of the loaded policies.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Policies map[string]ScalingPolicy
}

// Registry watches the policy file and serves snapshots.
type Registry struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot Snapshot
}

// policySchema is the structural contract every policy document must satisfy
// before it is trusted to gate live entries.
const policySchema = `{
	"type": "object",
	"properties": {
		"scaling_policies": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"allows_multiple_entries": {"type": "boolean"},
					"max_entries_per_symbol": {"type": "integer", "minimum": 1},
					"scaling_type": {"enum": ["pyramid", "average"]},
					"min_wall_clock_gap_min": {"type": "integer", "minimum": 0},
					"min_bar_gap": {"type": "integer", "minimum": 0},
					"min_confidence_for_add": {"type": "number", "minimum": 0},
					"max_adverse_excursion_multiple": {"type": "number", "minimum": 0},
					"max_position_pct_of_equity": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
				},
				"required": ["max_position_pct_of_equity"]
			}
		}
	},
	"required": ["scaling_policies"]
}`

var compiledSchema = jsonschema.MustCompileString("policies.json", policySchema)

// NewRegistry reads the policy file and watches it for changes.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("policy registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("policy reload failed, keeping previous snapshot: %v", err)
		}
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot returns the current policy set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Policy returns the policy for id, or false.
func (r *Registry) Policy(id string) (ScalingPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Policies[strings.TrimSpace(id)]
	return p, ok
}

func (r *Registry) reload() error {
	cfg, err := readPolicyFile(r.path)
	if err != nil {
		return err
	}
	policies := make(map[string]ScalingPolicy, len(cfg.ScalingPolicies))
	for name, p := range cfg.ScalingPolicies {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			p.ID = strings.TrimSpace(name)
		}
		if err := p.validate(); err != nil {
			return err
		}
		policies[p.ID] = p
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Policies: policies,
	}
	r.mu.Unlock()
	logger.Infof("policy registry loaded %d policies from %s", len(policies), filepath.Base(r.path))
	return nil
}

func readPolicyFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy yaml invalid: %w", err)
	}
	// jsonschema validates decoded JSON values, so round-trip through json.
	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var jsonDoc any
	dec := json.NewDecoder(bytes.NewReader(jsonRaw))
	dec.UseNumber()
	if err := dec.Decode(&jsonDoc); err != nil {
		return nil, err
	}
	if err := compiledSchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("policy file rejected by schema: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("policy yaml decode: %w", err)
	}
	if len(cfg.ScalingPolicies) == 0 {
		return nil, fmt.Errorf("policy file defines no scaling_policies")
	}
	return &cfg, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Policies: make(map[string]ScalingPolicy, len(src.Policies)),
	}
	for id, p := range src.Policies {
		dst.Policies[id] = p
	}
	return dst
}
