// Package template loads process templates from YAML, validates them
// structurally and semantically, and compiles them into immutable Templates
// held by a version registry with atomic pointer swap.
package template

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/closing/model"
	"gopkg.in/yaml.v3"
)

// Loader reads template files, checks them against the template schema and
// compiles them. The source SHA-256 becomes the template checksum.
type Loader struct {
	schema *SchemaValidator
}

// NewLoader creates a Loader with the embedded template schema.
func NewLoader() (*Loader, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{schema: sv}, nil
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// compiles each into a Template.
func (l *Loader) LoadAll(directories []string) ([]*Template, error) {
	var tpls []*Template

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}

			tpl, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			tpls = append(tpls, tpl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return tpls, nil
}

// LoadFS compiles every YAML file of an fs.FS, such as the embedded built-in
// templates.
func (l *Loader) LoadFS(fsys fs.FS) ([]*Template, error) {
	var tpls []*Template

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		tpl, err := l.LoadBytes(data, path)
		if err != nil {
			return err
		}
		tpls = append(tpls, tpl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tpls, nil
}

// LoadFile reads and compiles a single template file.
func (l *Loader) LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.LoadBytes(data, path)
}

// LoadBytes parses, schema-checks and compiles a template document. Schema
// and semantic problems are returned as *ValidationError.
func (l *Loader) LoadBytes(data []byte, source string) (*Template, error) {
	def, err := l.Parse(data, source)
	if err != nil {
		return nil, err
	}
	return Compile(def)
}

// Parse decodes and schema-checks a template document without compiling it.
func (l *Loader) Parse(data []byte, source string) (model.TemplateDefinition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.TemplateDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	if raw == nil {
		return model.TemplateDefinition{}, &ValidationError{
			Source: source,
			Errors: []VError{{Path: "/", Code: CodeRequired, Message: "template document is empty"}},
		}
	}

	verrs, err := l.schema.Validate(raw)
	if err != nil {
		return model.TemplateDefinition{}, fmt.Errorf("checking %s: %w", source, err)
	}
	if len(verrs) > 0 {
		return model.TemplateDefinition{}, &ValidationError{Source: source, Errors: verrs}
	}

	var def model.TemplateDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return model.TemplateDefinition{}, fmt.Errorf("decoding %s: %w", source, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source
	return def, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
