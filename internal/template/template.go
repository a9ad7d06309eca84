// Package template loads extraction field templates from JSON or YAML files.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// Parse decodes a template. Two shapes are accepted, both in JSON or YAML:
// a mapping of field name to description, whose order is kept, or a
// mapping with a "fields" list of {name, description} and an optional
// "name". Non-string descriptions are kept as compact JSON.
func Parse(name string, data []byte) (crawler.Template, error) {
	// JSON is read through the YAML decoder to keep key order; compacting
	// first drops tab indentation, which YAML rejects.
	if json.Valid(data) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err == nil {
			data = buf.Bytes()
		}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return crawler.Template{}, fmt.Errorf("%w: template %s: %v", crawler.ErrConfig, name, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return crawler.Template{}, fmt.Errorf("%w: template %s must be a mapping", crawler.ErrConfig, name)
	}
	root := doc.Content[0]
	tmpl := crawler.Template{Name: name}

	if fields := lookup(root, "fields"); fields != nil && fields.Kind == yaml.SequenceNode {
		var list []crawler.TemplateField
		if err := fields.Decode(&list); err != nil {
			return crawler.Template{}, fmt.Errorf("%w: template %s fields: %v", crawler.ErrConfig, name, err)
		}
		if n := lookup(root, "name"); n != nil && n.Value != "" {
			tmpl.Name = n.Value
		}
		tmpl.Fields = list
	} else {
		for i := 0; i+1 < len(root.Content); i += 2 {
			key, val := root.Content[i], root.Content[i+1]
			desc, err := describe(val)
			if err != nil {
				return crawler.Template{}, fmt.Errorf("%w: template %s field %q: %v", crawler.ErrConfig, name, key.Value, err)
			}
			tmpl.Fields = append(tmpl.Fields, crawler.TemplateField{Name: key.Value, Description: desc})
		}
	}
	return tmpl, validate(tmpl)
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func describe(node *yaml.Node) (string, error) {
	if node.Kind == yaml.ScalarNode {
		return node.Value, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func validate(tmpl crawler.Template) error {
	if len(tmpl.Fields) == 0 {
		return fmt.Errorf("%w: template %s has no fields", crawler.ErrConfig, tmpl.Name)
	}
	seen := make(map[string]struct{}, len(tmpl.Fields))
	for _, f := range tmpl.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("%w: template %s has an unnamed field", crawler.ErrConfig, tmpl.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: template %s repeats field %q", crawler.ErrConfig, tmpl.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// Loader reads templates relative to a base directory and caches them by
// path.
type Loader struct {
	dir   string
	mu    sync.Mutex
	cache map[string]crawler.Template
}

// NewLoader returns a Loader resolving relative paths against dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]crawler.Template)}
}

// Load returns the template at path.
func (l *Loader) Load(path string) (crawler.Template, error) {
	if strings.TrimSpace(path) == "" {
		return crawler.Template{}, fmt.Errorf("%w: template path is required", crawler.ErrConfig)
	}
	full := path
	if !filepath.IsAbs(full) && l.dir != "" {
		full = filepath.Join(l.dir, path)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tmpl, ok := l.cache[full]; ok {
		return tmpl, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return crawler.Template{}, fmt.Errorf("%w: read template: %v", crawler.ErrConfig, err)
	}
	name := strings.TrimSuffix(filepath.Base(full), filepath.Ext(full))
	tmpl, err := Parse(name, data)
	if err != nil {
		return crawler.Template{}, err
	}
	l.cache[full] = tmpl
	return tmpl, nil
}
