// Package templates holds the built-in bulk e-mail templates offered to admins.
// Placeholders use the {{ name }} syntax rendered by the e-mail worker.
package templates

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

var ErrNotFound = errors.New("template not found")

type Template struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Subject   string   `yaml:"subject" json:"subject"`
	HTML      string   `yaml:"html" json:"html"`
	Variables []string `yaml:"variables" json:"variables,omitempty"`
}

type Catalog struct {
	templates []Template
	byID      map[string]int
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(builtin)
}

// Parse reads a catalog document. Ids must be present and unique.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}

	c := &Catalog{templates: doc.Templates, byID: make(map[string]int, len(doc.Templates))}
	for i, t := range doc.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template %d: missing id", i)
		}
		if t.Subject == "" || t.HTML == "" {
			return nil, fmt.Errorf("template %s: subject and html are required", t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("template %s: duplicate id", t.ID)
		}
		c.byID[t.ID] = i
	}
	return c, nil
}

// All returns the templates in catalog order.
func (c *Catalog) All() []Template {
	out := make([]Template, len(c.templates))
	copy(out, c.templates)
	return out
}

func (c *Catalog) Get(id string) (Template, error) {
	i, ok := c.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.templates[i], nil
}
