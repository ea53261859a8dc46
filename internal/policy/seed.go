package policy

import (
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile represents the tier registry seed in YAML.
type SeedFile struct {
	Privileged []string `yaml:"privileged"`
	Marketers  []string `yaml:"marketers"`
}

// LoadSeed reads tier flags from a YAML file.
func LoadSeed(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, err
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return SeedFile{}, err
	}
	return file, nil
}
