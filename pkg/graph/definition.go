package graph

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a complete graph written as YAML.
type Definition struct {
	Schema int `yaml:"schema"`
	Delta  `yaml:",inline"`
}

// ParseDefinition decodes a YAML graph definition.
func ParseDefinition(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse graph definition: %w", err)
	}
	return &def, nil
}

// LoadDefinition reads a YAML graph definition from disk.
func LoadDefinition(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph definition: %w", err)
	}
	defer f.Close()
	return ParseDefinition(f)
}

// Build resolves the definition into a graph.
func (d *Definition) Build() (*Graph, error) {
	return Append(Empty(d.Schema), d.Delta)
}
