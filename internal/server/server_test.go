// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
	"github.com/jeranaias/deepseek-companion/internal/prompt"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

// fakeStreamer yields fragments, then err. With a gate, it waits for the
// gate to close before the first fragment.
type fakeStreamer struct {
	mu        sync.Mutex
	fragments []string
	err       error
	gate      chan struct{}
	calls     int
}

func (f *fakeStreamer) Stream(ctx context.Context, modelID string, msgs []ollama.Message) iter.Seq2[string, error] {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
		for _, frag := range f.fragments {
			if !yield(frag, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHealth struct{ err error }

func (f fakeHealth) CheckRunning(ctx context.Context) error { return f.err }

type harness struct {
	srv      *Server
	ts       *httptest.Server
	client   *http.Client
	sessions *session.Manager
}

func newHarness(t *testing.T, fs *fakeStreamer, configure ...func(*Server)) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	sessions := session.NewManager(session.DefaultConfig(), logger)
	engine := chat.NewEngine(fs, prompt.New(), logger).WithBackendURL(ollama.DefaultBaseURL)
	srv := NewServer("", sessions, engine, logger).WithVersion("test")
	for _, fn := range configure {
		fn(srv)
	}
	ts := httptest.NewServer(srv.Handler())

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		client.CloseIdleConnections()
		ts.Close()
	})

	return &harness{srv: srv, ts: ts, client: client, sessions: sessions}
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := h.client.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (h *harness) post(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := h.client.PostForm(h.ts.URL+path, form)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func (h *harness) transcript(t *testing.T) TranscriptResponse {
	t.Helper()
	resp, body := h.get(t, "/api/transcript")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr TranscriptResponse
	require.NoError(t, json.Unmarshal([]byte(body), &tr))
	return tr
}

// waitIdle polls until the running turn is over. The condition runs off
// the test goroutine, so it must not call require.
func (h *harness) waitIdle(t *testing.T) TranscriptResponse {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := h.client.Get(h.ts.URL + "/api/transcript")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var tr TranscriptResponse
		if json.NewDecoder(resp.Body).Decode(&tr) != nil {
			return false
		}
		return tr.State == chat.Idle.String()
	}, 5*time.Second, 10*time.Millisecond)
	return h.transcript(t)
}

type sseEvent struct {
	Name string
	Data string
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

// =============================================================================
// PAGE TESTS
// =============================================================================

func TestIndex_NewSession(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp, body := h.get(t, "/")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie should be set")
	assert.True(t, cookie.HttpOnly)

	for _, want := range []string{
		PageTitle, PageCaption, SidebarHeader, ModelLabel, InputPlaceholder,
		"How can I help you code today?",
	} {
		assert.Contains(t, body, want)
	}
	for _, m := range model.Registry {
		assert.Contains(t, body, m.ID)
		assert.Contains(t, body, m.Description)
	}
	assert.NotContains(t, body, "data-responding")
	assert.Equal(t, 1, h.sessions.Count())
}

func TestIndex_ReusesSession(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	h.get(t, "/")
	first := h.transcript(t).SessionID
	h.get(t, "/")

	assert.Equal(t, first, h.transcript(t).SessionID)
	assert.Equal(t, 1, h.sessions.Count())
}

func TestIndex_RenderDoesNotMutate(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	h.get(t, "/")
	h.get(t, "/")
	h.get(t, "/")

	tr := h.transcript(t)
	assert.Len(t, tr.Messages, 1)
	assert.Equal(t, "idle", tr.State)
}

func TestIndex_RespondingShowsProcessing(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"ok"}, gate: make(chan struct{})}
	h := newHarness(t, fs)

	h.post(t, "/chat", url.Values{"q": {"hello"}})
	_, body := h.get(t, "/")

	assert.Contains(t, body, ProcessingText)
	assert.Contains(t, body, `data-responding="true"`)
	assert.Contains(t, body, "disabled")

	close(fs.gate)
	h.waitIdle(t)
}

func TestIndex_NotFound(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp, _ := h.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChat_FullTurn(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"func", " main() ..."}}
	h := newHarness(t, fs)

	resp := h.post(t, "/chat", url.Values{"q": {"write a for loop in go"}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	tr := h.waitIdle(t)
	require.Len(t, tr.Messages, 3)
	assert.Equal(t, model.RoleUser, tr.Messages[1].Role)
	assert.Equal(t, "write a for loop in go", tr.Messages[1].Content)
	assert.Equal(t, model.RoleAI, tr.Messages[2].Role)
	assert.Equal(t, "func main() ...", tr.Messages[2].Content)
	assert.Empty(t, tr.Pending)
	assert.Equal(t, 1, fs.callCount())
}

func TestChat_EmptyInputIgnored(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"unused"}}
	h := newHarness(t, fs)

	resp := h.post(t, "/chat", url.Values{"q": {"   "}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	tr := h.transcript(t)
	assert.Len(t, tr.Messages, 1)
	assert.Equal(t, "idle", tr.State)
	assert.Zero(t, fs.callCount())
}

func TestChat_SecondSubmitConflicts(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"first answer"}, gate: make(chan struct{})}
	h := newHarness(t, fs)

	require.Equal(t, http.StatusSeeOther, h.post(t, "/chat", url.Values{"q": {"one"}}).StatusCode)
	resp := h.post(t, "/chat", url.Values{"q": {"two"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	tr := h.transcript(t)
	assert.Equal(t, "responding", tr.State)
	assert.Equal(t, "one", tr.Pending)
	assert.Len(t, tr.Messages, 2)

	close(fs.gate)
	tr = h.waitIdle(t)
	require.Len(t, tr.Messages, 3)
	assert.Equal(t, "first answer", tr.Messages[2].Content)
}

func TestChat_QueryTooLong(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp := h.post(t, "/chat", url.Values{"q": {strings.Repeat("a", MaxQueryLength+1)}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_FailedTurnRecordsError(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"partial"}, err: ollama.ErrNotRunning}
	h := newHarness(t, fs)

	h.post(t, "/chat", url.Values{"q": {"hi"}})

	tr := h.waitIdle(t)
	require.Len(t, tr.Messages, 3)
	last := tr.Messages[2]
	assert.True(t, last.IsError)
	assert.True(t, strings.HasPrefix(last.Content, model.ErrorPrefix))
	assert.Contains(t, last.Content, "Ollama is not reachable")
	assert.NotContains(t, last.Content, "partial")

	_, body := h.get(t, "/")
	assert.Contains(t, body, `class="error"`)
}

// =============================================================================
// MODEL TESTS
// =============================================================================

func TestModel_Select(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp := h.post(t, "/model", url.Values{"model": {"deepseek-r1:3b"}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "deepseek-r1:3b", h.transcript(t).Model)

	_, body := h.get(t, "/")
	assert.Contains(t, body, `<option value="deepseek-r1:3b" selected>`)
}

func TestModel_RejectsUnknown(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp := h.post(t, "/model", url.Values{"model": {"llama3:70b"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.DefaultModel, h.transcript(t).Model)
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestStream_NoSession(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp, _ := h.get(t, "/api/stream")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStream_Idle(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})
	h.get(t, "/")

	resp, _ := h.get(t, "/api/stream")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStream_FragmentsThenDone(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"Hello ", "**world**"}, gate: make(chan struct{})}
	h := newHarness(t, fs)

	h.post(t, "/chat", url.Values{"q": {"greet me"}})

	resp, err := h.client.Get(h.ts.URL + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(fs.gate)
	events := readEvents(t, resp.Body)

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "done", events[len(events)-1].Name)

	frag := events[len(events)-2]
	require.Equal(t, "fragment", frag.Name)
	var payload fragmentEvent
	require.NoError(t, json.Unmarshal([]byte(frag.Data), &payload))
	assert.Contains(t, payload.HTML, "<strong>world</strong>")

	tr := h.waitIdle(t)
	assert.Equal(t, "Hello **world**", tr.Messages[len(tr.Messages)-1].Content)
}

func TestStream_Error(t *testing.T) {
	fs := &fakeStreamer{err: ollama.ErrModelNotFound, gate: make(chan struct{})}
	h := newHarness(t, fs)

	h.post(t, "/chat", url.Values{"q": {"hi"}})

	resp, err := h.client.Get(h.ts.URL + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	close(fs.gate)
	events := readEvents(t, resp.Body)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "error", last.Name)
	var payload errorEvent
	require.NoError(t, json.Unmarshal([]byte(last.Data), &payload))
	assert.Contains(t, payload.Message, "is not installed")
}

func TestStream_ResumesTurnWithoutRunner(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"resumed"}}
	h := newHarness(t, fs)

	// Submit directly so no runner is started
	h.get(t, "/")
	id := h.transcript(t).SessionID
	sess, err := h.sessions.Get(id)
	require.NoError(t, err)
	_, err = h.srv.engine.Submit(sess, "question")
	require.NoError(t, err)

	resp, err := h.client.Get(h.ts.URL + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	events := readEvents(t, resp.Body)

	require.NotEmpty(t, events)
	assert.Equal(t, "done", events[len(events)-1].Name)
	assert.Equal(t, "resumed", h.waitIdle(t).Messages[2].Content)
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestSessionEnd(t *testing.T) {
	h := newHarness(t, &fakeStreamer{fragments: []string{"a"}})

	h.post(t, "/chat", url.Values{"q": {"hi"}})
	first := h.waitIdle(t)
	require.Len(t, first.Messages, 3)

	resp := h.post(t, "/session/end", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	second := h.transcript(t)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Len(t, second.Messages, 1)

	_, err := h.sessions.Get(first.SessionID)
	assert.Error(t, err)
}

func TestExport_Markdown(t *testing.T) {
	h := newHarness(t, &fakeStreamer{fragments: []string{"<think>loop</think>", "for {}"}})

	h.post(t, "/chat", url.Values{"q": {"write a for loop in go"}})
	h.waitIdle(t)

	resp, body := h.get(t, "/api/export")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `attachment; filename="conversation_write_a_for_loop_in_go_`)
	assert.Contains(t, body, "# write a for loop in go")
	assert.Contains(t, body, "for {}")
	assert.NotContains(t, body, "<think>")
}

func TestExport_Formats(t *testing.T) {
	h := newHarness(t, &fakeStreamer{fragments: []string{"ok"}})
	h.get(t, "/")

	resp, body := h.get(t, "/api/export?format=json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.True(t, json.Valid([]byte(body)))

	resp, body = h.get(t, "/api/export?format=html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<!DOCTYPE html>")

	resp, _ = h.get(t, "/api/export?format=pdf")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExport_NoSession(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})
	resp, _ := h.get(t, "/api/export")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdown_FailsRunningTurn(t *testing.T) {
	fs := &fakeStreamer{fragments: []string{"never"}, gate: make(chan struct{})}
	h := newHarness(t, fs)

	h.post(t, "/chat", url.Values{"q": {"hi"}})
	id := h.transcript(t).SessionID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	sess, err := h.sessions.Get(id)
	require.NoError(t, err)
	transcript := sess.Transcript()
	require.Len(t, transcript, 3)
	assert.True(t, transcript[2].IsError)
	_, pending := sess.Pending()
	assert.False(t, pending)
}

// =============================================================================
// HEALTH AND STATIC TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus string
		wantOllama string
	}{
		{"no checker", nil, "healthy", "unknown"},
		{"ollama up", fakeHealth{}, "healthy", "available"},
		{"ollama down", fakeHealth{err: errors.New("connection refused")}, "degraded", "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeStreamer{}, func(s *Server) {
				s.WithHealthChecker(tt.checker)
			})
			h.get(t, "/")

			resp, body := h.get(t, "/health")
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var hr HealthResponse
			require.NoError(t, json.Unmarshal([]byte(body), &hr))
			assert.Equal(t, tt.wantStatus, hr.Status)
			assert.Equal(t, tt.wantOllama, hr.OllamaStatus)
			assert.Equal(t, "test", hr.Version)
			assert.Equal(t, 1, hr.ActiveSessions)
		})
	}
}

func TestStatic(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/static/style.css", "text/css", ".message"},
		{"/static/app.js", "javascript", "EventSource"},
		{"/static/code.css", "text/css", ".chroma"},
	}
	for _, tt := range tests {
		resp, body := h.get(t, tt.path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, tt.path)
		assert.Contains(t, resp.Header.Get("Content-Type"), tt.contentType, tt.path)
		assert.Contains(t, body, tt.contains, tt.path)
	}
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t, &fakeStreamer{})

	resp, _ := h.get(t, "/")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'self'")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mw("a"), mw("b"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "10.0.0.5:1234", "", "10.0.0.5"},
		{"forwarded from loopback", "127.0.0.1:1234", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"forwarded from remote ignored", "10.0.0.5:1234", "203.0.113.9", "10.0.0.5"},
		{"garbage forwarded", "127.0.0.1:1234", "not-an-ip", "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}

// =============================================================================
// TURN STREAM TESTS
// =============================================================================

func TestTurnStream_Notifies(t *testing.T) {
	st := newTurnStream()
	snap := st.snapshot()

	st.update("abc")

	select {
	case <-snap.changed:
	default:
		t.Fatal("update should close the changed channel")
	}

	snap = st.snapshot()
	assert.Equal(t, "abc", snap.text)
	assert.Equal(t, 1, snap.version)

	st.finish("boom")
	st.update("ignored")
	snap = st.snapshot()
	assert.True(t, snap.done)
	assert.Equal(t, "boom", snap.errText)
	assert.Equal(t, "abc", snap.text)
}

func TestStreamRegistry(t *testing.T) {
	r := newStreamRegistry()

	st, ok := r.open("s1")
	require.True(t, ok)
	_, ok = r.open("s1")
	assert.False(t, ok, "running stream should block a second open")

	st.finish("")
	next, ok := r.open("s1")
	require.True(t, ok, "finished stream should be replaced")

	r.close("s1", st)
	got, ok := r.get("s1")
	require.True(t, ok, "closing a stale stream should keep the current one")
	assert.Same(t, next, got)

	r.close("s1", next)
	assert.Zero(t, r.count())
}
