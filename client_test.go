package logextract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama answers /api/generate and /api/chat with respond(prompt), either
// as one body or as NDJSON chunks of chunk bytes.
type fakeOllama struct {
	respond func(prompt string) string
	chunk   int
	calls   atomic.Int64
	last    atomic.Value // map[string]any of the last request
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		fmt.Fprint(w, `{"models":[]}`)
		return
	case "/api/generate", "/api/chat":
	default:
		http.NotFound(w, r)
		return
	}
	f.calls.Add(1)

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	f.last.Store(req)

	prompt, _ := req["prompt"].(string)
	if msgs, ok := req["messages"].([]any); ok && len(msgs) > 0 {
		prompt, _ = msgs[len(msgs)-1].(map[string]any)["content"].(string)
	}
	text := f.respond(prompt)

	if stream, _ := req["stream"].(bool); !stream {
		json.NewEncoder(w).Encode(map[string]any{"response": text, "done": true})
		return
	}
	size := f.chunk
	if size < 1 {
		size = 4
	}
	enc := json.NewEncoder(w)
	for off := 0; off < len(text); off += size {
		enc.Encode(map[string]any{"response": text[off:min(off+size, len(text))], "done": false})
	}
	enc.Encode(map[string]any{"response": "", "done": true})
}

func (f *fakeOllama) lastRequest() map[string]any {
	v, _ := f.last.Load().(map[string]any)
	return v
}

func newFakeOllama(t *testing.T, respond func(prompt string) string) (*fakeOllama, *httptest.Server) {
	t.Helper()
	f := &fakeOllama{respond: respond}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func validRequest() ExtractionRequest {
	return ExtractionRequest{Model: "llama3", Prompt: "extract", Temperature: 0.1, MaxTokens: 100, Timeout: 5 * time.Second}
}

func TestClient_OllamaComplete(t *testing.T) {
	fake, srv := newFakeOllama(t, func(string) string { return `{"status":"ok"}` })
	c := NewClient(NewOllamaBackend(srv.URL, false, nil), nil)

	resp, err := c.Do(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, resp.Text)
	assert.Equal(t, "llama3", resp.Model)
	assert.False(t, resp.Streamed)
	assert.Positive(t, resp.Latency)

	req := fake.lastRequest()
	assert.Equal(t, "extract", req["prompt"])
	assert.Equal(t, false, req["stream"])
	opts := req["options"].(map[string]any)
	assert.InDelta(t, 0.1, opts["temperature"], 1e-9)
	assert.Equal(t, float64(100), opts["num_predict"])
}

func TestClient_OllamaStream(t *testing.T) {
	fake, srv := newFakeOllama(t, func(string) string { return `{"cpu": "Intel Xeon", "memory": "16GB"}` })
	fake.chunk = 3
	c := NewClient(NewOllamaBackend(srv.URL, false, nil), nil)

	req := validRequest()
	req.Stream = true
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"cpu": "Intel Xeon", "memory": "16GB"}`, resp.Text)
	require.NotNil(t, resp.Assembly)
	assert.True(t, resp.Assembly.Done)
	assert.Zero(t, resp.Assembly.Skipped)
	assert.Greater(t, resp.Assembly.Fragments, 10)
}

func TestClient_OllamaChatSendsSystemMessage(t *testing.T) {
	fake, srv := newFakeOllama(t, func(string) string { return `{}` })
	c := NewClient(NewOllamaBackend(srv.URL, true, nil), nil)

	req := validRequest()
	req.System = DefaultSystemPrompt
	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)

	msgs := fake.lastRequest()["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, DefaultSystemPrompt, msgs[0].(map[string]any)["content"])
	assert.Equal(t, "extract", msgs[1].(map[string]any)["content"])
}

func TestClient_Validation(t *testing.T) {
	c := NewClient(StaticBackend(`{}`), nil)

	cases := map[string]struct {
		mutate func(*ExtractionRequest)
		want   error
	}{
		"missing model":    {func(r *ExtractionRequest) { r.Model = "" }, ErrModelMissing},
		"empty prompt":     {func(r *ExtractionRequest) { r.Prompt = "  " }, ErrEmptyPrompt},
		"temperature high": {func(r *ExtractionRequest) { r.Temperature = 2.5 }, ErrInvalidTemperature},
		"temperature low":  {func(r *ExtractionRequest) { r.Temperature = -0.1 }, ErrInvalidTemperature},
		"negative tokens":  {func(r *ExtractionRequest) { r.MaxTokens = -1 }, ErrInvalidMaxTokens},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := c.Do(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	c := NewClient(NewOllamaBackend(srv.URL, false, nil), nil)
	_, err := c.Do(context.Background(), validRequest())

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusNotFound, be.Status)
	assert.Equal(t, "model 'nope' not found", be.Message)
	assert.True(t, IsTransport(err))
	assert.Equal(t, FailureTransport, classifyFailure(err))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(NewOllamaBackend(url, false, nil), nil)
	_, err := c.Do(context.Background(), validRequest())

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Zero(t, be.Status)
	assert.Contains(t, be.Error(), "unreachable")
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(NewOllamaBackend(srv.URL, false, nil), nil)
	req := validRequest()
	req.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Do(context.Background(), req)
	assert.Less(t, time.Since(start), time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.Equal(t, FailureTimeout, classifyFailure(err))
}

func TestClient_StreamInterruptedReturnsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":"{\"a\": ","done":false}`+"\n")
		w.(http.Flusher).Flush()
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	c := NewClient(NewOllamaBackend(srv.URL, false, nil), nil)
	req := validRequest()
	req.Stream = true
	req.Timeout = 100 * time.Millisecond

	resp, err := c.Do(context.Background(), req)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.NotNil(t, resp)
	assert.Equal(t, `{"a": `, resp.Text)
}

func TestClient_StreamTimeoutReleasesConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":"{","done":false}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(NewOllamaBackend(srv.URL, false, nil), nil)
	req := validRequest()
	req.Stream = true
	req.Timeout = 0
	req.StreamTimeout = 50 * time.Millisecond

	before := runtime.NumGoroutine()
	for range 5 {
		resp, err := c.Do(context.Background(), req)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 50*time.Millisecond, te.Timeout)
		require.NotNil(t, resp)
		assert.Equal(t, "{", resp.Text)
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond, "abandoned streams keep their readers alive")
}

func TestClient_Ping(t *testing.T) {
	_, srv := newFakeOllama(t, func(string) string { return "" })
	assert.NoError(t, NewClient(NewOllamaBackend(srv.URL, false, nil), nil).Ping(context.Background()))

	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()
	err := NewClient(NewOllamaBackend(url, false, nil), nil).Ping(context.Background())
	assert.True(t, IsTransport(err))
}

func newFakeOpenAI(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			io.WriteString(w, `{"data":[]}`)
			return
		}
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
			return
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range strings.SplitAfter(content, ",") {
			chunk, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": part}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_OpenAI(t *testing.T) {
	srv := newFakeOpenAI(t, `[{"a": 1}, {"a": 2}]`)
	c := NewClient(NewOpenAIBackend(srv.URL+"/v1", "sk-test", nil), nil)

	resp, err := c.Do(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, `[{"a": 1}, {"a": 2}]`, resp.Text)

	req := validRequest()
	req.Stream = true
	resp, err = c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `[{"a": 1}, {"a": 2}]`, resp.Text)
	assert.True(t, resp.Assembly.Done)

	require.NoError(t, c.Ping(context.Background()))
}

func TestClient_OpenAIUnauthorized(t *testing.T) {
	srv := newFakeOpenAI(t, `{}`)
	c := NewClient(NewOpenAIBackend(srv.URL+"/v1", "wrong", nil), nil)

	_, err := c.Do(context.Background(), validRequest())
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusUnauthorized, be.Status)
	assert.Equal(t, "invalid api key", be.Message)
}

func TestClient_NeverRetries(t *testing.T) {
	var calls atomic.Int64
	b := NewFuncBackend(func(context.Context, ExtractionRequest) (string, error) {
		calls.Add(1)
		return "", &BackendError{Backend: "func", Status: 503, Message: "overloaded"}
	})
	_, err := NewClient(b, nil).Do(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}
