package logextract

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragments(payloads ...string) iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		for _, p := range payloads {
			if !yield(Fragment{Payload: []byte(p)}) {
				return
			}
		}
	}
}

func TestAssemble_SkipsUndecodableFragments(t *testing.T) {
	seq := fragments(
		`{"response": "{\"a\":", "done": false}`,
		`not json at all`,
		`{"response": " 1}", "done": false}`,
	)
	asm, err := NewStreamAssembler(0, slog.Default()).Assemble(context.Background(), seq, OllamaEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, asm.Text)
	assert.Equal(t, 3, asm.Fragments)
	assert.Equal(t, 2, asm.Decoded)
	assert.Equal(t, 1, asm.Skipped)
	assert.False(t, asm.Done)
}

func TestAssemble_StopsAtDone(t *testing.T) {
	seq := fragments(
		`{"response": "[1,", "done": false}`,
		`{"response": "2]", "done": true}`,
		`{"response": "ignored", "done": false}`,
	)
	asm, err := NewStreamAssembler(0, nil).Assemble(context.Background(), seq, OllamaEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", asm.Text)
	assert.True(t, asm.Done)
	assert.Equal(t, 2, asm.Fragments)
}

func TestAssemble_AllFragmentsFail(t *testing.T) {
	asm, err := NewStreamAssembler(0, nil).Assemble(context.Background(), fragments("x", "", "{"), OllamaEnvelope{})
	require.NoError(t, err)
	assert.Empty(t, asm.Text)
	assert.Equal(t, 3, asm.Skipped)
}

func TestAssemble_TransportErrorKeepsPartialText(t *testing.T) {
	boom := errors.New("connection reset")
	seq := func(yield func(Fragment) bool) {
		if !yield(Fragment{Payload: []byte(`{"response": "{\"partial\""}`)}) {
			return
		}
		yield(Fragment{Err: boom})
	}
	asm, err := NewStreamAssembler(0, nil).Assemble(context.Background(), seq, OllamaEnvelope{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, `{"partial"`, asm.Text)
}

func TestAssemble_Timeout(t *testing.T) {
	seq := func(yield func(Fragment) bool) {
		if !yield(Fragment{Payload: []byte(`{"response": "early"}`)}) {
			return
		}
		time.Sleep(500 * time.Millisecond)
		yield(Fragment{Payload: []byte(`{"response": "late"}`)})
	}
	asm, err := NewStreamAssembler(50*time.Millisecond, nil).Assemble(context.Background(), seq, OllamaEnvelope{})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "early", asm.Text)
}

func TestAssemble_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	seq := func(yield func(Fragment) bool) {
		time.Sleep(300 * time.Millisecond)
		yield(Fragment{Payload: []byte(`{"response": "late"}`)})
	}
	_, err := NewStreamAssembler(0, nil).Assemble(ctx, seq, OllamaEnvelope{})
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestOllamaEnvelope(t *testing.T) {
	text, done, err := OllamaEnvelope{}.Decode([]byte(`{"model":"llama3","response":"hi","done":false}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
	assert.False(t, done)

	text, done, err = OllamaEnvelope{}.Decode([]byte(`{"message":{"role":"assistant","content":"{}"},"done":true}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", text)
	assert.True(t, done)

	_, _, err = OllamaEnvelope{}.Decode([]byte(`{"error":"model not found"}`))
	assert.ErrorContains(t, err, "model not found")
}

func TestOpenAIEnvelope(t *testing.T) {
	text, done, err := OpenAIEnvelope{}.Decode([]byte(`data: {"choices":[{"delta":{"content":"{\"a\""}}]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a"`, text)
	assert.False(t, done)

	_, done, err = OpenAIEnvelope{}.Decode([]byte(`data: [DONE]`))
	require.NoError(t, err)
	assert.True(t, done)

	text, _, err = OpenAIEnvelope{}.Decode([]byte(`{"choices":[{"message":{"role":"assistant","content":"[1]"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "[1]", text)

	_, _, err = OpenAIEnvelope{}.Decode([]byte(`data: {broken`))
	assert.Error(t, err)
}

func TestGeminiEnvelope(t *testing.T) {
	text, done, err := GeminiEnvelope{}.Decode([]byte(
		`{"candidates":[{"content":{"parts":[{"text":"{\"a\":"},{"text":"1}"}],"role":"model"},"finishReason":"STOP"}]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, text)
	assert.True(t, done)
}
