package optim

import (
	"strings"
	"testing"

	"github.com/samcharles93/gradbits/pkg/ops"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig(ops.Adam)
	if c.Kind != ops.Adam || c.LR != 1e-3 || c.Beta1 != 0.9 || c.Beta2 != 0.999 || c.Eps != 1e-8 {
		t.Fatalf("hyperparameters: %+v", c)
	}
	if c.Bits != 32 || !c.Blockwise || c.MinSize8bit != 204800 {
		t.Fatalf("state selection: %+v", c)
	}
	if c.PercentileClipping != 100 || c.MaxUnorm != 0 || c.WeightDecay != 0 || c.SkipZeros {
		t.Fatalf("defaults: %+v", c)
	}
	if err := c.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"negative lr", func(c *Config) { c.LR = -0.1 }},
		{"negative eps", func(c *Config) { c.Eps = -1e-8 }},
		{"beta1 too large", func(c *Config) { c.Beta1 = 1 }},
		{"beta1 negative", func(c *Config) { c.Beta1 = -0.1 }},
		{"beta2 too large", func(c *Config) { c.Beta2 = 1.5 }},
		{"negative weight decay", func(c *Config) { c.WeightDecay = -0.01 }},
		{"bits 16", func(c *Config) { c.Bits = 16 }},
		{"bits 0", func(c *Config) { c.Bits = 0 }},
		{"negative min size", func(c *Config) { c.MinSize8bit = -1 }},
		{"negative max unorm", func(c *Config) { c.MaxUnorm = -1 }},
		{"percentile 0", func(c *Config) { c.PercentileClipping = 0 }},
		{"percentile 101", func(c *Config) { c.PercentileClipping = 101 }},
	}
	for _, tc := range cases {
		c := DefaultConfig(ops.Adam)
		tc.mod(&c)
		if err := c.validate(); err == nil {
			t.Errorf("%s: validate accepted %+v", tc.name, c)
		}
	}
}

func TestEngineFor(t *testing.T) {
	c := DefaultConfig(ops.Adam)
	c.Bits = 8
	c.MinSize8bit = 1000
	if e := c.engineFor(999); e != ops.Engine32 {
		t.Fatalf("below threshold: %s", e)
	}
	if e := c.engineFor(1000); e != ops.Engine8Blockwise {
		t.Fatalf("at threshold: %s", e)
	}
	c.Blockwise = false
	if e := c.engineFor(1000); e != ops.Engine8Static {
		t.Fatalf("static: %s", e)
	}
	c.Bits = 32
	if e := c.engineFor(1 << 20); e != ops.Engine32 {
		t.Fatalf("32-bit config: %s", e)
	}
}

func TestWithOverrides(t *testing.T) {
	c := DefaultConfig(ops.Adam)
	got, err := c.withOverrides(map[string]any{
		"lr":                  0.01,
		"beta1":               0.8,
		"eps":                 1e-6,
		"weight_decay":        1,
		"optim_bits":          8,
		"block_wise":          false,
		"min_8bit_size":       0,
		"max_unorm":           0.5,
		"percentile_clipping": 5,
		"skip_zeros":          true,
	})
	if err != nil {
		t.Fatalf("withOverrides: %v", err)
	}
	if got.LR != 0.01 || got.Beta1 != 0.8 || got.Eps != 1e-6 || got.WeightDecay != 1 {
		t.Fatalf("hyperparameters: %+v", got)
	}
	if got.Bits != 8 || got.Blockwise || got.MinSize8bit != 0 {
		t.Fatalf("state selection: %+v", got)
	}
	if got.MaxUnorm != 0.5 || got.PercentileClipping != 5 || !got.SkipZeros {
		t.Fatalf("clipping: %+v", got)
	}
	if c.LR != 1e-3 {
		t.Fatal("receiver mutated")
	}
}

func TestWithOverridesErrors(t *testing.T) {
	c := DefaultConfig(ops.Adam)
	cases := []struct {
		name string
		set  map[string]any
	}{
		{"unknown key", map[string]any{"turbo": true}},
		{"string lr", map[string]any{"lr": "fast"}},
		{"fractional bits", map[string]any{"optim_bits": 8.5}},
		{"bool lr", map[string]any{"lr": true}},
		{"int for bool", map[string]any{"skip_zeros": 1}},
		{"invalid result", map[string]any{"optim_bits": 16}},
		{"lr out of range", map[string]any{"lr": -0.5}},
	}
	for _, tc := range cases {
		if _, err := c.withOverrides(tc.set); err == nil {
			t.Errorf("%s: override accepted", tc.name)
		}
	}
}

func TestOverrideNumericCoercion(t *testing.T) {
	c := DefaultConfig(ops.Adam)
	got, err := c.withOverrides(map[string]any{"lr": 1, "optim_bits": 32.0})
	if err != nil {
		t.Fatalf("withOverrides: %v", err)
	}
	if got.LR != 1 || got.Bits != 32 {
		t.Fatalf("coerced values: %+v", got)
	}
}

func TestManagerYAML(t *testing.T) {
	m := NewManager()
	doc := `
overrides:
  - match: "embed*"
    set:
      optim_bits: 32
      lr: 0.0005
  - match: "head.bias"
    set:
      weight_decay: 0.0
`
	if err := m.LoadYAML([]byte(doc)); err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}

	base := DefaultConfig(ops.Adam)
	base.Bits = 8
	base.WeightDecay = 0.1

	got, err := m.configFor(base, "embed.tok")
	if err != nil {
		t.Fatalf("configFor: %v", err)
	}
	if got.Bits != 32 || got.LR != 0.0005 {
		t.Fatalf("embed config: %+v", got)
	}

	got, err = m.configFor(base, "head.bias")
	if err != nil {
		t.Fatalf("configFor: %v", err)
	}
	if got.WeightDecay != 0 || got.Bits != 8 {
		t.Fatalf("bias config: %+v", got)
	}

	got, err = m.configFor(base, "mlp.w1")
	if err != nil {
		t.Fatalf("configFor: %v", err)
	}
	if got != base {
		t.Fatalf("unmatched param changed: %+v", got)
	}
}

func TestManagerYAMLErrors(t *testing.T) {
	m := NewManager()
	if err := m.LoadYAML([]byte("overrides: [")); err == nil {
		t.Fatal("malformed document accepted")
	}
	if err := m.LoadYAML([]byte("overrides:\n  - set:\n      lr: 0.1\n")); err == nil {
		t.Fatal("rule without match accepted")
	}
}

func TestManagerRuleOrder(t *testing.T) {
	m := NewManager()
	m.Override("w", map[string]any{"lr": 0.1})
	m.Override("w", map[string]any{"lr": 0.2})

	got, err := m.configFor(DefaultConfig(ops.Adam), "w")
	if err != nil {
		t.Fatalf("configFor: %v", err)
	}
	if got.LR != 0.2 {
		t.Fatalf("lr = %g, want the later rule", got.LR)
	}
}

func TestManagerBadRuleReported(t *testing.T) {
	m := NewManager()
	m.Override("w", map[string]any{"beta1": 2.0})
	_, err := m.configFor(DefaultConfig(ops.Adam), "w")
	if err == nil || !strings.Contains(err.Error(), "beta1") {
		t.Fatalf("err = %v", err)
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	base := DefaultConfig(ops.Momentum)
	got, err := m.configFor(base, "anything")
	if err != nil || got != base {
		t.Fatalf("nil manager: cfg=%+v err=%v", got, err)
	}
}
