package logextract

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"
)

// LoadCorpus reads reference documents from dir, recursively and in lexical
// order. YAML files hold either a list of {name, content} documents or a
// single one; any other YAML is taken verbatim. Other files are included when
// their detected MIME type is textual. Hidden entries are skipped.
func LoadCorpus(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			found, err := loadYAMLDocuments(path, rel)
			if err != nil {
				return err
			}
			docs = append(docs, found...)
			return nil
		}

		if !isTextual(path) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if text := strings.TrimSpace(string(content)); text != "" {
			docs = append(docs, NewDocument(rel, text))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load corpus %s: %w", dir, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("load corpus %s: %w", dir, ErrEmptyCorpus)
	}
	return docs, nil
}

func isTextual(path string) bool {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") || m.Is("application/json") {
			return true
		}
	}
	return false
}

func loadYAMLDocuments(path, rel string) ([]Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var list []Document
	if err := yaml.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0].Content != "" {
		out := make([]Document, 0, len(list))
		for i, d := range list {
			if strings.TrimSpace(d.Content) == "" {
				continue
			}
			name := d.Name
			if name == "" {
				name = fmt.Sprintf("%s#%d", rel, i)
			}
			out = append(out, NewDocument(name, strings.TrimSpace(d.Content)))
		}
		return out, nil
	}

	var one Document
	if err := yaml.Unmarshal(raw, &one); err == nil && one.Content != "" {
		name := one.Name
		if name == "" {
			name = rel
		}
		return []Document{NewDocument(name, strings.TrimSpace(one.Content))}, nil
	}

	if text := strings.TrimSpace(string(raw)); text != "" {
		return []Document{NewDocument(rel, text)}, nil
	}
	return nil, nil
}

// LoadSchema reads a schema file. A YAML mapping with name, description and
// examples is decoded; any other content becomes the description verbatim.
func LoadSchema(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err == nil && (s.Description != "" || len(s.Examples) > 0) {
		if s.Name == "" {
			s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return s, nil
	}
	return Schema{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: strings.TrimSpace(string(raw)),
	}, nil
}

// SchemaDocument turns a schema into a corpus document, so that the schema
// and its examples can also be retrieved as reference context.
func SchemaDocument(s Schema) Document {
	name := s.Name
	if name == "" {
		name = "schema"
	}
	return NewDocument(name, s.Text())
}
