// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// chatServer serves /api/chat by writing lines as NDJSON and records the
// last decoded request.
func chatServer(t *testing.T, lines []string, got *ChatRequest, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func contentLine(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model":   "deepseek-r1:1.5b",
		"message": map[string]string{"role": "assistant", "content": content},
		"done":    false,
	})
	return string(b)
}

const doneLine = `{"model":"deepseek-r1:1.5b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","total_duration":2000000000,"eval_duration":1000000000,"prompt_eval_count":12,"eval_count":40}`

func collect(t *testing.T, c *Client, model string, msgs []Message) ([]string, error) {
	t.Helper()
	var fragments []string
	for fragment, err := range c.Stream(context.Background(), model, msgs) {
		if err != nil {
			return fragments, err
		}
		fragments = append(fragments, fragment)
	}
	return fragments, nil
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewSystemMessage(t *testing.T) {
	msg := NewSystemMessage("You are an expert")
	assert.Equal(t, "system", msg.Role)
	assert.Equal(t, "You are an expert", msg.Content)
}

func TestDefaultOptions_FixedTemperature(t *testing.T) {
	opts := DefaultOptions()
	if opts.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", opts.Temperature)
	}

	data, err := json.Marshal(ChatRequest{Model: "m", Options: opts})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"temperature":0.3`)
}

func TestStreamChunk_TokensPerSecond(t *testing.T) {
	tests := []struct {
		name   string
		tokens int
		eval   time.Duration
		want   float64
	}{
		{"normal", 100, time.Second, 100.0},
		{"zero duration", 100, 0, 0.0},
		{"fast", 1000, 100 * time.Millisecond, 10000.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunk := StreamChunk{Done: true, CompletionTokens: tc.tokens, EvalDuration: tc.eval}
			assert.InDelta(t, tc.want, chunk.TokensPerSecond(), tc.want*0.01)
		})
	}
}

func TestModelInfo_FormatSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{1288490189, "1.2 GB"},
	}

	for _, tc := range tests {
		m := &ModelInfo{Size: tc.size}
		if got := m.FormatSize(); got != tc.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tc.size, got, tc.want)
		}
	}
}

func TestErrorType_String(t *testing.T) {
	if ErrTypeNotRunning.String() != "not_running" {
		t.Errorf("ErrTypeNotRunning.String() = %q", ErrTypeNotRunning.String())
	}
	if ErrTypeModelNotFound.String() != "model_not_found" {
		t.Errorf("ErrTypeModelNotFound.String() = %q", ErrTypeModelNotFound.String())
	}
	if ErrorType(99).String() != "unknown" {
		t.Errorf("ErrorType(99).String() = %q", ErrorType(99).String())
	}
}

func TestClientError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Error() != "Ollama is not running: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !IsNotRunning(err) || IsTimeout(err) || IsModelNotFound(err) {
		t.Error("Is* helpers disagree with Type")
	}
}

// =============================================================================
// STREAM READER TESTS
// =============================================================================

func TestStreamReader_Next(t *testing.T) {
	body := strings.Join([]string{
		contentLine("func"),
		"",
		contentLine(" main() ..."),
		doneLine,
		contentLine("after done"),
	}, "\n")

	reader := NewStreamReader(strings.NewReader(body))

	var contents []string
	var last StreamChunk
	for {
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		contents = append(contents, chunk.Content)
		last = chunk
	}

	assert.Equal(t, []string{"func", " main() ...", ""}, contents)
	assert.True(t, last.Done)
	assert.Equal(t, "stop", last.DoneReason)
	assert.Equal(t, 40, last.CompletionTokens)
	assert.Equal(t, 12, last.PromptTokens)
	assert.InDelta(t, 40.0, last.TokensPerSecond(), 0.001)
	assert.Equal(t, "deepseek-r1:1.5b", last.Model)
}

func TestStreamReader_LastLineWithoutNewline(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(contentLine("tail") + "\n" + doneLine))

	chunk, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", chunk.Content)

	chunk, err = reader.Next()
	require.NoError(t, err)
	assert.True(t, chunk.Done)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamReader_EndsBeforeDone(t *testing.T) {
	for _, body := range []string{"", contentLine("func") + "\n", contentLine("func")} {
		reader := NewStreamReader(strings.NewReader(body))

		var err error
		for err == nil {
			_, err = reader.Next()
		}
		assert.ErrorIs(t, err, ErrIncompleteStream, "body %q", body)

		var clientErr *ClientError
		require.ErrorAs(t, err, &clientErr)
		assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)

		_, err = reader.Next()
		assert.ErrorIs(t, err, io.EOF, "reader stays finished after an error")
	}
}

func TestStreamReader_MalformedLine(t *testing.T) {
	body := contentLine("func") + "\nnot json at all\n" + doneLine + "\n"
	reader := NewStreamReader(strings.NewReader(body))

	_, err := reader.Next()
	require.NoError(t, err)

	_, err = reader.Next()
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)
	assert.Contains(t, clientErr.Message, "not json at all")

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamReader_ErrorLine(t *testing.T) {
	body := contentLine("partial") + "\n" + `{"error":"model 'deepseek-r1:3b' not found, try pulling it first"}` + "\n"
	reader := NewStreamReader(strings.NewReader(body))

	_, err := reader.Next()
	require.NoError(t, err)

	_, err = reader.Next()
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err), "error line should classify as model not found: %v", err)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF, "reader stays finished after an error")
}

// =============================================================================
// CLIENT STREAM TESTS
// =============================================================================

func TestClient_Stream(t *testing.T) {
	var got ChatRequest
	srv := chatServer(t, []string{contentLine("func"), contentLine(" main() ..."), doneLine}, &got, nil)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	msgs := []Message{NewSystemMessage("sys"), {Role: "user", Content: "write a for loop in go"}}

	fragments, err := collect(t, client, "deepseek-r1:3b", msgs)
	require.NoError(t, err)

	assert.Equal(t, []string{"func", " main() ..."}, fragments)
	assert.Equal(t, "deepseek-r1:3b", got.Model)
	assert.True(t, got.Stream)
	require.NotNil(t, got.Options)
	assert.Equal(t, 0.3, got.Options.Temperature)
	assert.Equal(t, msgs, got.Messages)
}

func TestClient_Stream_DefaultModel(t *testing.T) {
	var got ChatRequest
	srv := chatServer(t, []string{doneLine}, &got, nil)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL + "/"})
	_, err := collect(t, client, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-r1:1.5b", got.Model)
}

func TestClient_Stream_IsLazy(t *testing.T) {
	var hits atomic.Int32
	srv := chatServer(t, []string{doneLine}, nil, &hits)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	seq := client.Stream(context.Background(), "", nil)

	if hits.Load() != 0 {
		t.Fatalf("request issued before iteration: hits = %d", hits.Load())
	}

	for range seq {
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestClient_Stream_NotRestartable(t *testing.T) {
	var hits atomic.Int32
	srv := chatServer(t, []string{contentLine("x"), doneLine}, nil, &hits)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	seq := client.Stream(context.Background(), "", nil)

	for _, err := range seq {
		require.NoError(t, err)
	}

	var second error
	for _, err := range seq {
		second = err
	}
	assert.ErrorIs(t, second, ErrStreamConsumed)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_Stream_EarlyBreak(t *testing.T) {
	srv := chatServer(t, []string{contentLine("a"), contentLine("b"), contentLine("c"), doneLine}, nil, nil)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	var first string
	for fragment, err := range client.Stream(context.Background(), "", nil) {
		require.NoError(t, err)
		first = fragment
		break
	}
	assert.Equal(t, "a", first)
}

func TestClient_Stream_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model \"deepseek-r1:3b\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	fragments, err := collect(t, client, "deepseek-r1:3b", nil)

	assert.Empty(t, fragments)
	assert.True(t, IsModelNotFound(err), "err = %v", err)
}

func TestClient_Stream_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid message format"}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := collect(t, client, "", nil)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)
	assert.Equal(t, "invalid message format", clientErr.Message)
}

func TestClient_Stream_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: url})
	_, err := collect(t, client, "", nil)

	assert.True(t, IsNotRunning(err), "err = %v", err)
}

func TestClient_Stream_MidStreamError(t *testing.T) {
	srv := chatServer(t, []string{contentLine("partial"), `{"error":"out of memory"}`}, nil, nil)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	fragments, err := collect(t, client, "", nil)

	assert.Equal(t, []string{"partial"}, fragments)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestClient_Stream_TruncatedBody(t *testing.T) {
	srv := chatServer(t, []string{contentLine("func")}, nil, nil)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	fragments, err := collect(t, client, "", nil)

	assert.Equal(t, []string{"func"}, fragments)
	assert.ErrorIs(t, err, ErrIncompleteStream)
}

func TestClient_Stream_MalformedLine(t *testing.T) {
	srv := chatServer(t, []string{contentLine("func"), `{"message":`, doneLine}, nil, nil)
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := collect(t, client, "", nil)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)
}

func TestClient_Stream_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, contentLine("first")+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})

	var lastErr error
	for fragment, err := range client.Stream(ctx, "", nil) {
		if err != nil {
			lastErr = err
			break
		}
		if fragment == "first" {
			cancel()
		}
	}

	assert.True(t, IsTimeout(lastErr), "err = %v", lastErr)
}

// =============================================================================
// CLIENT REQUEST TESTS
// =============================================================================

func TestClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			io.WriteString(w, "Ollama is running")
		case "/api/tags":
			io.WriteString(w, `{"models":[{"name":"deepseek-r1:1.5b","size":1117322599},{"name":"llama3:latest","size":4661224676}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	ctx := context.Background()

	require.NoError(t, client.CheckRunning(ctx))

	models, err := client.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "deepseek-r1:1.5b", models[0].Name)

	tests := []struct {
		name string
		want bool
	}{
		{"deepseek-r1:1.5b", true},
		{"deepseek-r1:3b", false},
		{"llama3", true},
	}
	for _, tc := range tests {
		got, err := client.HasModel(ctx, tc.name)
		require.NoError(t, err)
		if got != tc.want {
			t.Errorf("HasModel(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}

	info, ok := FindModel(models, "llama3")
	require.True(t, ok)
	assert.Equal(t, "llama3:latest", info.Name)
	_, ok = FindModel(nil, "deepseek-r1:1.5b")
	assert.False(t, ok)
}

func TestNewClientWithConfig_Defaults(t *testing.T) {
	client := NewClientWithConfig(nil)

	if client.BaseURL() != DefaultBaseURL {
		t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), DefaultBaseURL)
	}
	if client.DefaultModel() != "deepseek-r1:1.5b" {
		t.Errorf("DefaultModel() = %q", client.DefaultModel())
	}
}
