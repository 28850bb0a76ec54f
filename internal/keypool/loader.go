package keypool

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// credentialFile is the on-disk shape of the credentials file.
type credentialFile struct {
	Keys []credentialRecord `yaml:"keys"`
}

type credentialRecord struct {
	Label   string   `yaml:"label"`
	Secret  string   `yaml:"secret"`
	Project string   `yaml:"project"`
	Models  []string `yaml:"models"`
}

// LoadFile reads an ordered credential list from a YAML file.
func LoadFile(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("credentials file path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var file credentialFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	creds := make([]Credential, 0, len(file.Keys))
	for _, rec := range file.Keys {
		creds = append(creds, Credential{
			Label:   strings.TrimSpace(rec.Label),
			Secret:  rec.Secret,
			ScopeID: strings.TrimSpace(rec.Project),
			Models:  rec.Models,
		})
	}

	store, err := NewStore(creds)
	if err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", path, err)
	}
	return store, nil
}
