package logextract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_notes.txt", "  Memory is reported in GB.  \n")
	writeFile(t, dir, "b_docs.yaml", "- name: cpu\n  content: CPU names the processor model.\n- name: status\n  content: Status is Running or Stopped.\n")
	writeFile(t, dir, "c_single.yml", "name: http\ncontent: HTTP lines carry a status code.\n")
	writeFile(t, dir, "d_plain.yaml", "just some text in a yaml file\n")
	writeFile(t, dir, "e_sample.json", `{"level": "info"}`)
	writeFile(t, dir, "nested/f_more.md", "# Heading\nMore reference text.\n")
	writeFile(t, dir, "empty.txt", "   \n")
	writeFile(t, dir, ".hidden.txt", "hidden")
	writeFile(t, dir, ".git/config", "[core]")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"),
		[]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}, 0o644))

	docs, err := LoadCorpus(dir)
	require.NoError(t, err)

	var names, contents []string
	for _, d := range docs {
		names = append(names, d.Name)
		contents = append(contents, d.Content)
	}
	assert.Equal(t, []string{"a_notes.txt", "cpu", "status", "http", "d_plain.yaml", "e_sample.json", filepath.Join("nested", "f_more.md")}, names)
	assert.Equal(t, "Memory is reported in GB.", contents[0])
	assert.Equal(t, "CPU names the processor model.", contents[1])
	assert.Equal(t, "just some text in a yaml file", contents[4])
}

func TestLoadCorpus_Empty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".hidden", "x")

	_, err := LoadCorpus(dir)
	assert.ErrorIs(t, err, ErrEmptyCorpus)

	_, err = LoadCorpus(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestLoadSchema(t *testing.T) {
	dir := t.TempDir()

	path := writeFile(t, dir, "system.yaml", `
description: |
  Extract cpu, memory and status.
examples:
  - log: CPU=ARM Status=Idle
    output: '{"cpu": "ARM", "status": "Idle"}'
`)
	s, err := LoadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "system", s.Name)
	assert.Equal(t, "Extract cpu, memory and status.\n", s.Description)
	require.Len(t, s.Examples, 1)
	assert.Equal(t, `{"cpu": "ARM", "status": "Idle"}`, s.Examples[0].Output)

	path = writeFile(t, dir, "fields.txt", "Fields: host, pid, message\n")
	s, err = LoadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "fields", s.Name)
	assert.Equal(t, "Fields: host, pid, message", s.Description)

	_, err = LoadSchema(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSchemaDocument(t *testing.T) {
	doc := SchemaDocument(Schema{Description: "Fields: a"})
	assert.Equal(t, "schema", doc.Name)
	assert.Equal(t, "Fields: a", doc.Content)
}
