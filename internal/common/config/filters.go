package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// filterRulesFile is the on-disk shape of the filter rules YAML file.
type filterRulesFile struct {
	Rules []models.WriteFilterRule `yaml:"rules"`
}

// LoadFilterRules reads tool-call filter rules from the given YAML file.
// A missing file is not an error; it means no rules are configured.
func LoadFilterRules(path string) ([]models.WriteFilterRule, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading filter rules file: %w", err)
	}

	var f filterRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing filter rules file: %w", err)
	}

	return f.Rules, nil
}
