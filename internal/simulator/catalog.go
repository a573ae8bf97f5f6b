package simulator

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed intents.yaml
var defaultCatalogYAML []byte

var errEmptyCatalog = errors.New("intent catalog has no fallback replies")

// Intent is one keyword-matched canned reply.
type Intent struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

// Matches reports whether any keyword occurs in the lowercased text.
func (i Intent) Matches(lowered string) bool {
	for _, kw := range i.Keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// Catalog is the ordered intent set plus fallback replies.
type Catalog struct {
	Intents  []Intent `yaml:"intents"`
	Fallback []string `yaml:"fallback"`
	Welcome  string   `yaml:"welcome"`
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode intent catalog: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads a catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic("simulator: invalid embedded catalog: " + err.Error())
	}
	return c
}

func (c *Catalog) normalize() error {
	if len(c.Fallback) == 0 {
		return errEmptyCatalog
	}
	for i := range c.Intents {
		in := &c.Intents[i]
		if in.Name == "" || in.Reply == "" {
			return fmt.Errorf("intent %d: name and reply are required", i)
		}
		if len(in.Keywords) == 0 {
			return fmt.Errorf("intent %q: at least one keyword is required", in.Name)
		}
		for k, kw := range in.Keywords {
			in.Keywords[k] = strings.ToLower(kw)
		}
	}
	return nil
}
