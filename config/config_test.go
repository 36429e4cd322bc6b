package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	require.NoError(t, err)
	return cfg
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := loadOrFail(t, "")
	assert.Equal(t, "main", cfg.DefaultBranch)
	assert.Empty(t, cfg.LabelTagRules)
}

func TestDefaultBranchOverride(t *testing.T) {
	cfg := loadOrFail(t, "default_branch: develop\n")
	assert.Equal(t, "develop", cfg.DefaultBranch)
}

func TestLabelTagRules(t *testing.T) {
	const doc = `
label_tag_rules:
- match: "^REL-"
  replace: "release-"
- match: "_RC\\d+$"
  replace: ""
`
	cfg := loadOrFail(t, doc)
	require.Len(t, cfg.LabelTagRules, 2)
	assert.Equal(t, "release-2.0", cfg.NormalizeLabel("REL-2.0"))
	assert.Equal(t, "2.0", cfg.NormalizeLabel("2.0_RC1"))
}

func TestInvalidRuleRegexFailsAtLoad(t *testing.T) {
	const doc = `
label_tag_rules:
- match: "main.*["
  replace: ""
`
	_, err := Unmarshal([]byte(doc))
	assert.Error(t, err)
}

func TestNormalizeLabelOnNilConfig(t *testing.T) {
	var cfg *Config
	assert.Equal(t, "unchanged", cfg.NormalizeLabel("unchanged"))
}
