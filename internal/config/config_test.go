package config

import (
	"errors"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Dim = 32
	cfg.HiddenDim = 64
	cfg.Layers = 2
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.HeadDim = 8
	cfg.VocabSize = 50
	return cfg
}

func TestValidate_Accepts(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_dim", func(c *Config) { c.Dim = 0 }},
		{"zero_layers", func(c *Config) { c.Layers = 0 }},
		{"zero_heads", func(c *Config) { c.Heads = 0 }},
		{"zero_kv_heads", func(c *Config) { c.KVHeads = 0 }},
		{"kv_heads_exceed_heads", func(c *Config) { c.KVHeads = 8 }},
		{"heads_not_divisible", func(c *Config) { c.Heads = 6; c.Dim = 48 }},
		{"odd_head_dim", func(c *Config) { c.HeadDim = 7; c.Dim = 28 }},
		{"dim_mismatch", func(c *Config) { c.Dim = 33 }},
		{"zero_hidden", func(c *Config) { c.HiddenDim = 0 }},
		{"zero_vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero_seq_len", func(c *Config) { c.SeqLen = 0 }},
		{"zero_eps", func(c *Config) { c.Eps = 0 }},
		{"zero_theta", func(c *Config) { c.RopeTheta = 0 }},
		{"bad_quant_bits", func(c *Config) { c.QuantBits = 16 }},
		{"zero_group_size", func(c *Config) { c.GroupSize = 0 }},
		{"zero_page_size", func(c *Config) { c.PageSize = 0 }},
		{"negative_max_pages", func(c *Config) { c.MaxPages = -1 }},
		{"zero_flash_block", func(c *Config) { c.FlashBlockSize = 0 }},
		{"zero_max_batch", func(c *Config) { c.MaxBatchSize = 0 }},
		{"speculative_no_drafts", func(c *Config) { c.UseSpeculative = true; c.DraftTokens = 0 }},
		{"speculative_no_factor", func(c *Config) { c.UseSpeculative = true; c.AcceptFactor = 0 }},
		{"speculative_deep_draft", func(c *Config) { c.UseSpeculative = true; c.DraftLayers = 3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("got %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestDerivedDimensions(t *testing.T) {
	cfg := validConfig()
	if got := cfg.KVDim(); got != 16 {
		t.Errorf("KVDim = %d, want 16", got)
	}
	if got := cfg.GQAGroup(); got != 2 {
		t.Errorf("GQAGroup = %d, want 2", got)
	}
}
