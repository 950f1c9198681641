package optim

import (
	"fmt"
	"path"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/gradbits/pkg/ops"
)

// Config carries the hyperparameters shared by every optimizer kind. Kind
// selects the update rule; the remaining fields mirror the knobs the update
// kernels understand. Zero values are not useful defaults, start from
// DefaultConfig.
type Config struct {
	Kind ops.Optimizer

	LR          float32
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32

	// Bits picks the state width, 32 or 8. Blockwise selects the 8-bit
	// state layout and is ignored at 32 bits. Tensors smaller than
	// MinSize8bit keep 32-bit state regardless of Bits.
	Bits        int
	Blockwise   bool
	MinSize8bit int

	// MaxUnorm caps the update norm relative to the param norm when
	// positive. PercentileClipping enables gradient clipping against the
	// rolling norm window when below 100; 100 disables it.
	MaxUnorm           float32
	PercentileClipping int
	SkipZeros          bool
}

func DefaultConfig(kind ops.Optimizer) Config {
	return Config{
		Kind:               kind,
		LR:                 1e-3,
		Beta1:              0.9,
		Beta2:              0.999,
		Eps:                1e-8,
		Bits:               32,
		Blockwise:          true,
		MinSize8bit:        204800,
		PercentileClipping: 100,
	}
}

func (c Config) validate() error {
	if c.LR < 0 {
		return fmt.Errorf("invalid learning rate %g", c.LR)
	}
	if c.Eps < 0 {
		return fmt.Errorf("invalid epsilon %g", c.Eps)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("invalid beta1 %g", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("invalid beta2 %g", c.Beta2)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("invalid weight decay %g", c.WeightDecay)
	}
	if c.Bits != 8 && c.Bits != 32 {
		return fmt.Errorf("invalid state width %d bits", c.Bits)
	}
	if c.MinSize8bit < 0 {
		return fmt.Errorf("invalid min 8-bit size %d", c.MinSize8bit)
	}
	if c.MaxUnorm < 0 {
		return fmt.Errorf("invalid max update norm %g", c.MaxUnorm)
	}
	if c.PercentileClipping < 1 || c.PercentileClipping > 100 {
		return fmt.Errorf("invalid percentile clipping %d", c.PercentileClipping)
	}
	return nil
}

// engineFor resolves the state engine for a tensor of n elements.
func (c Config) engineFor(n int) ops.Engine {
	if c.Bits == 32 || n < c.MinSize8bit {
		return ops.Engine32
	}
	if c.Blockwise {
		return ops.Engine8Blockwise
	}
	return ops.Engine8Static
}

// withOverrides returns a copy of c with the given keys applied. Keys use
// the config vocabulary: lr, beta1, beta2, eps, weight_decay, optim_bits,
// block_wise, min_8bit_size, max_unorm, percentile_clipping, skip_zeros.
func (c Config) withOverrides(set map[string]any) (Config, error) {
	for k, v := range set {
		var err error
		switch k {
		case "lr":
			c.LR, err = overrideFloat(k, v)
		case "beta1":
			c.Beta1, err = overrideFloat(k, v)
		case "beta2":
			c.Beta2, err = overrideFloat(k, v)
		case "eps":
			c.Eps, err = overrideFloat(k, v)
		case "weight_decay":
			c.WeightDecay, err = overrideFloat(k, v)
		case "optim_bits":
			c.Bits, err = overrideInt(k, v)
		case "block_wise":
			c.Blockwise, err = overrideBool(k, v)
		case "min_8bit_size":
			c.MinSize8bit, err = overrideInt(k, v)
		case "max_unorm":
			c.MaxUnorm, err = overrideFloat(k, v)
		case "percentile_clipping":
			c.PercentileClipping, err = overrideInt(k, v)
		case "skip_zeros":
			c.SkipZeros, err = overrideBool(k, v)
		default:
			return c, fmt.Errorf("unknown override key %q", k)
		}
		if err != nil {
			return c, err
		}
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func overrideFloat(key string, v any) (float32, error) {
	switch x := v.(type) {
	case float64:
		return float32(x), nil
	case float32:
		return x, nil
	case int:
		return float32(x), nil
	}
	return 0, fmt.Errorf("override %q: want a number, got %T", key, v)
}

func overrideInt(key string, v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x == float64(int(x)) {
			return int(x), nil
		}
	}
	return 0, fmt.Errorf("override %q: want an integer, got %v", key, v)
}

func overrideBool(key string, v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("override %q: want a bool, got %T", key, v)
}

// Rule binds a param name pattern to a set of config overrides. Match is
// either an exact name or a path.Match pattern.
type Rule struct {
	Match string         `yaml:"match"`
	Set   map[string]any `yaml:"set"`
}

// Manager resolves per-param config overrides. Rules apply in registration
// order, later rules win on conflicting keys. A nil Manager applies nothing.
type Manager struct {
	mu    sync.Mutex
	rules []Rule
}

func NewManager() *Manager { return &Manager{} }

// Override registers a rule programmatically.
func (m *Manager) Override(match string, set map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, Rule{Match: match, Set: set})
}

// LoadYAML appends rules from a document of the form:
//
//	overrides:
//	  - match: "embed*"
//	    set:
//	      optim_bits: 32
func (m *Manager) LoadYAML(data []byte) error {
	var doc struct {
		Overrides []Rule `yaml:"overrides"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse override rules: %w", err)
	}
	for _, r := range doc.Overrides {
		if r.Match == "" {
			return fmt.Errorf("override rule without a match pattern")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, doc.Overrides...)
	return nil
}

func (m *Manager) configFor(base Config, name string) (Config, error) {
	if m == nil {
		return base, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := base
	for _, r := range m.rules {
		if !matchName(r.Match, name) {
			continue
		}
		var err error
		cfg, err = cfg.withOverrides(r.Set)
		if err != nil {
			return cfg, fmt.Errorf("override %q for param %q: %w", r.Match, name, err)
		}
	}
	return cfg, nil
}

func matchName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
