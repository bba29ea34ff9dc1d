package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logextract.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCmdHasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	subs := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subs[sub.Name()] = true
	}
	for _, name := range []string{"version", "extract", "index", "plan", "ping"} {
		if !subs[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "logextract dev (commit: none, built: unknown)\n", out)
}

func TestPlanCmd(t *testing.T) {
	cfg := writeConfig(t, "generation:\n  model: llama3\nbatch:\n  size: 2\n  workers: 1\nlog:\n  level: error\n")

	out, err := runCmd(t, "GET / 200\n\nPOST /login 401\nGET /health 200\n", "--config", cfg, "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "Extraction Plan (3 entries, 2 batches of ≤2, 1 workers)")
	assert.Contains(t, out, `PromptCall "batch 1" (model=llama3, entries=1`)

	out, err = runCmd(t, "GET / 200\n", "--config", cfg, "plan", "--format", "json")
	require.NoError(t, err)
	var plan map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "llama3", plan["model"])

	_, err = runCmd(t, "GET / 200\n", "--config", cfg, "plan", "--format", "xml")
	assert.Error(t, err)
}

func fakeOllamaServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[]}`)
		case "/api/generate":
			json.NewEncoder(w).Encode(map[string]any{"response": response, "done": true})
		case "/api/embeddings":
			fmt.Fprint(w, `{"embedding": [1, 0, 0]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractCmd(t *testing.T) {
	srv := fakeOllamaServer(t, "```json\n[{\"method\": \"GET\"}, {\"method\": \"POST\"}]\n```")
	cfg := writeConfig(t, fmt.Sprintf("backend:\n  url: %s\ngeneration:\n  model: llama3\nlog:\n  level: error\n", srv.URL))

	out, err := runCmd(t, "GET / 200\nPOST /login 401\n", "--config", cfg, "extract")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first struct {
		Index  int `json:"index"`
		Record struct {
			Value map[string]any `json:"value"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "GET", first.Record.Value["method"])
}

func TestExtractCmd_StrictReportsFailures(t *testing.T) {
	srv := fakeOllamaServer(t, "I cannot help with that.")
	cfg := writeConfig(t, fmt.Sprintf("backend:\n  url: %s\ngeneration:\n  model: llama3\nlog:\n  level: error\n", srv.URL))

	out, err := runCmd(t, "GET / 200\n", "--config", cfg, "extract", "--strict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 entries failed")
	assert.Contains(t, out, `"kind":"recovery"`)
}

func TestExtractCmd_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	cfg := writeConfig(t, fmt.Sprintf("backend:\n  url: %s\nlog:\n  level: error\n", url))

	_, err := runCmd(t, "GET / 200\n", "--config", cfg, "extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend not reachable")
}

func TestIndexCmd(t *testing.T) {
	corpus := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "notes.txt"), []byte("Status is Running or Stopped."), 0o644))
	index := filepath.Join(t.TempDir(), "index.db")
	cfg := writeConfig(t, fmt.Sprintf(`
retrieval:
  enabled: true
  corpus_dir: %s
  index_path: %s
  embedder: hash
  dim: 16
log:
  level: error
`, corpus, index))

	out, err := runCmd(t, "", "--config", cfg, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "index hash-16: 1 documents, dim 16")
	_, err = os.Stat(index)
	assert.NoError(t, err)

	disabled := writeConfig(t, "log:\n  level: error\n")
	_, err = runCmd(t, "", "--config", disabled, "index")
	assert.ErrorContains(t, err, "retrieval is disabled")
}

func TestReadEntries(t *testing.T) {
	entries, err := readEntries(strings.NewReader("  first  \n\n\tsecond\n   \nthird"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, "first", entries[0])
	assert.EqualValues(t, "third", entries[2])
}
