// Package catalog holds the static list of build templates a submission can
// be run with.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard marks a template that accepts any file.
const Wildcard = "*"

// Template describes a named build environment.
type Template struct {
	Name       string   `yaml:"-" json:"name"`
	Title      string   `yaml:"title" json:"title"`
	Extensions []string `yaml:"extensions" json:"extensions"`
	Latest     string   `yaml:"latest,omitempty" json:"latest,omitempty"`
}

// Catalog is an ordered, read-only set of templates.
type Catalog struct {
	templates []Template
	index     map[string]int
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML (or JSON) mapping of template name to metadata.
// Catalog order follows the document order.
func Parse(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	c := &Catalog{index: make(map[string]int)}
	if len(doc.Content) == 0 {
		return c, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog must be a mapping of template names")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := normalize(root.Content[i].Value)
		if name == "" {
			return nil, fmt.Errorf("empty template name at line %d", root.Content[i].Line)
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("duplicate template %q", name)
		}

		var t Template
		if err := root.Content[i+1].Decode(&t); err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		t.Name = name
		t.Latest = normalize(t.Latest)
		if t.Title == "" {
			t.Title = name
		}

		c.index[name] = len(c.templates)
		c.templates = append(c.templates, t)
	}

	return c, nil
}

// Get returns the template with the given name.
func (c *Catalog) Get(name string) (Template, bool) {
	i, ok := c.index[normalize(name)]
	if !ok {
		return Template{}, false
	}
	return c.templates[i], true
}

// All returns every template in catalog order.
func (c *Catalog) All() []Template {
	out := make([]Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// Suggest returns the names of templates that can run filename, most
// specific first: explicit extension matches in catalog order with the
// "latest" template of each matched family moved to the front, then the
// wildcard templates.
func (c *Catalog) Suggest(filename string) []string {
	var out []string
	seen := make(map[string]bool)

	add := func(name string, front bool) {
		if seen[name] {
			return
		}
		seen[name] = true
		if front {
			out = append([]string{name}, out...)
			return
		}
		out = append(out, name)
	}

	for _, t := range c.templates {
		if !t.matches(filename) {
			continue
		}
		add(t.Name, false)
		if t.Latest != "" {
			if _, ok := c.index[t.Latest]; ok {
				add(t.Latest, true)
			}
		}
	}

	for _, t := range c.templates {
		for _, ext := range t.Extensions {
			if ext == Wildcard {
				add(t.Name, false)
				break
			}
		}
	}

	return out
}

func (t Template) matches(filename string) bool {
	for _, ext := range t.Extensions {
		if ext == Wildcard || ext == "" {
			continue
		}
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
