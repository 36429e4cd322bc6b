// Package config loads depotfusion's YAML settings file: the handful of
// run options that are awkward as repeated CLI flags. Same
// Unmarshal/LoadConfigFile/LoadConfigString shape and the same "validate
// eagerly, not lazily" rule for any field holding a regex as
// rcowham/gitp4transfer's own config package.
package config

import (
	"fmt"
	"os"
	"regexp"

	yaml "gopkg.in/yaml.v2"
)

// DefaultBranch is used when a config file sets none.
const DefaultBranch = "main"

// LabelTagRule is one ordered, regex-based rewrite applied to a depot
// label's name before internal/labelconv.SanitizeLabelName's own
// built-in pass, letting a repository override the stock sanitization
// for its own label-naming convention without a code change.
type LabelTagRule struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`

	compiled *regexp.Regexp
}

// Config holds depotfusion's file-based settings.
type Config struct {
	// DefaultBranch names the Git branch a BranchedFileGroup with no
	// declared target branch commits to (internal/engine.Committer).
	DefaultBranch string `yaml:"default_branch"`

	// LabelTagRules are applied, in order, ahead of the built-in label
	// sanitization pass.
	LabelTagRules []LabelTagRule `yaml:"label_tag_rules"`
}

// Unmarshal parses a YAML config document, applying defaults first so an
// empty or partial document still yields a usable Config.
func Unmarshal(content []byte) (*Config, error) {
	cfg := &Config{DefaultBranch: DefaultBranch}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses filename.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString parses an in-memory config document.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

// validate compiles every LabelTagRule's Match regex up front, so a
// malformed rule fails at load time rather than the first time a label
// is converted mid-run.
func (c *Config) validate() error {
	for i := range c.LabelTagRules {
		re, err := regexp.Compile(c.LabelTagRules[i].Match)
		if err != nil {
			return fmt.Errorf("failed to parse '%s' as a regex", c.LabelTagRules[i].Match)
		}
		c.LabelTagRules[i].compiled = re
	}
	return nil
}

// NormalizeLabel runs name through every configured rule in sequence.
// Unconfigured (nil Config) or rule-less configs pass name through
// unchanged.
func (c *Config) NormalizeLabel(name string) string {
	if c == nil {
		return name
	}
	for _, r := range c.LabelTagRules {
		if r.compiled == nil {
			continue
		}
		name = r.compiled.ReplaceAllString(name, r.Replace)
	}
	return name
}
