// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/export"
	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/render"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

// ============================================================================
// PAGE TEXT
// ============================================================================

const (
	PageTitle        = "🧠 DeepSeek Code Companion"
	PageCaption      = "🚀 Your AI Pair Programmer with Debugging Superpowers"
	SidebarHeader    = "⚙️ Configuration"
	ModelLabel       = "Choose Model"
	InputPlaceholder = "Type your coding question here..."
	ProcessingText   = "🧠 Processing..."
)

// ============================================================================
// VIEW TYPES
// ============================================================================

type pageData struct {
	Title       string
	Caption     string
	Sidebar     string
	ModelLabel  string
	Placeholder string
	Processing  string
	Models      []modelOption
	Messages    []messageView
	Responding  bool
	Partial     template.HTML
	Version     string
}

type modelOption struct {
	ID          string
	Name        string
	Description string
	Selected    bool
}

type messageView struct {
	Role    string
	Label   string
	HTML    template.HTML
	IsError bool
}

// TranscriptResponse is the body of GET /api/transcript.
type TranscriptResponse struct {
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Model     string          `json:"model"`
	Pending   string          `json:"pending,omitempty"`
	Messages  []model.Message `json:"messages"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	OllamaStatus   string `json:"ollama_status"`
	ActiveSessions int    `json:"active_sessions"`
	ActiveStreams  int    `json:"active_streams"`
	Uptime         string `json:"uptime"`
}

// ============================================================================
// SESSIONS
// ============================================================================

// sessionFor returns the caller's session, starting one and setting the
// cookie when there is none or it has ended.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) *session.Session {
	if sess, ok := s.existingSession(r); ok {
		sess.RecordActivity()
		return sess
	}
	sess := s.sessions.Start()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

func (s *Server) existingSession(r *http.Request) (*session.Session, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, false
	}
	sess, err := s.sessions.Get(c.Value)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// ============================================================================
// TURNS
// ============================================================================

// startTurn runs the pending turn of sess in the background and returns
// its stream. If a turn is already running its stream is returned instead.
func (s *Server) startTurn(sess *session.Session) *turnStream {
	id := sess.ID()
	st, ok := s.streams.open(id)
	if !ok {
		if cur, found := s.streams.get(id); found {
			return cur
		}
		// Finished between open and get
		st = newTurnStream()
		st.finish("")
		return st
	}

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer s.streams.close(id, st)

		err := s.engine.Respond(s.baseCtx, sess, func(accumulated string) error {
			st.update(accumulated)
			return nil
		})

		var turnErr *chat.TurnError
		switch {
		case err == nil:
			st.finish("")
		case errors.As(err, &turnErr):
			st.finish(turnErr.Description)
		case errors.Is(err, chat.ErrAlreadyStreaming), errors.Is(err, chat.ErrNoPendingQuery):
			// Another caller owns or already finished the turn
			st.finish("")
		default:
			s.logger.Warn("TURN_ABORTED", zap.String("session", id), zap.Error(err))
			st.finish(err.Error())
		}
	}()
	return st
}

// ============================================================================
// PAGE HANDLERS
// ============================================================================

// handleIndex renders the chat page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(w, r)

	state, err := s.engine.Machine().Handle(sess, chat.Rendered{})
	if err != nil && !errors.Is(err, session.ErrSessionEnded) {
		s.logger.Warn("RENDER_FAILED", zap.String("session", sess.ID()), zap.Error(err))
	}

	data := s.pageData(sess, state)
	if state == chat.Responding {
		// Resume a turn whose runner went away, e.g. after a restart of the stream
		st := s.startTurn(sess)
		if snap := st.snapshot(); snap.text != "" {
			data.Partial = s.html.Reply(snap.text)
		}
	}

	var buf bytes.Buffer
	if err := s.page.ExecuteTemplate(&buf, "index.html", data); err != nil {
		s.logger.Error("TEMPLATE_FAILED", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) pageData(sess *session.Session, state chat.State) pageData {
	current := sess.Model()
	data := pageData{
		Title:       PageTitle,
		Caption:     PageCaption,
		Sidebar:     SidebarHeader,
		ModelLabel:  ModelLabel,
		Placeholder: InputPlaceholder,
		Processing:  ProcessingText,
		Responding:  state == chat.Responding,
		Version:     s.version,
	}

	for _, m := range model.Registry {
		data.Models = append(data.Models, modelOption{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			Selected:    m.ID == current,
		})
	}

	for _, msg := range sess.Transcript() {
		data.Messages = append(data.Messages, messageView{
			Role:    msg.Role.String(),
			Label:   msg.Role.DisplayName(),
			HTML:    s.html.Message(msg),
			IsError: msg.IsError,
		})
	}
	return data
}

// handleChat records a submitted question and starts the reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	q := r.PostFormValue("q")
	if len(q) > MaxQueryLength {
		http.Error(w, fmt.Sprintf("Question exceeds %d bytes", MaxQueryLength), http.StatusBadRequest)
		return
	}

	sess := s.sessionFor(w, r)
	_, err := s.engine.Submit(sess, q)
	switch {
	case err == nil:
		s.startTurn(sess)
	case errors.Is(err, chat.ErrEmptyInput):
		// Nothing to do; show the page again
	case errors.Is(err, chat.ErrTurnInProgress):
		http.Error(w, "A reply is still being generated", http.StatusConflict)
		return
	default:
		s.logger.Error("SUBMIT_FAILED", zap.String("session", sess.ID()), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleModel selects the model used for the session's next turn.
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	sess := s.sessionFor(w, r)
	id := strings.TrimSpace(r.PostFormValue("model"))
	if err := sess.SetModel(id); err != nil {
		if errors.Is(err, session.ErrModelNotAllowed) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.logger.Debug("MODEL_SELECTED", zap.String("session", sess.ID()), zap.String("model", id))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleEndSession ends the session and clears its cookie.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		if err := s.sessions.End(c.Value); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			s.logger.Debug("SESSION_END_FAILED", zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleCodeCSS serves the syntax highlighting stylesheet.
func (s *Server) handleCodeCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(s.codeCSS)
}

// ============================================================================
// API HANDLERS
// ============================================================================

type fragmentEvent struct {
	HTML string `json:"html"`
}

type errorEvent struct {
	Message string `json:"message"`
}

// handleStream sends the running turn as server-sent events: fragment
// events with the rendered reply so far, then done or error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existingSession(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	st, ok := s.streams.get(sess.ID())
	if !ok {
		if chat.StateOf(sess) != chat.Responding {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		st = s.startTurn(sess)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	// Replies can outlast the server write timeout
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("SSE_DEADLINE", zap.Error(err))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	seen := 0
	for {
		snap := st.snapshot()
		if snap.version != seen && snap.text != "" {
			seen = snap.version
			if err := writeEvent(w, "fragment", fragmentEvent{HTML: string(s.html.Reply(snap.text))}); err != nil {
				return
			}
			flusher.Flush()
		}

		if snap.done {
			if snap.errText != "" {
				_ = writeEvent(w, "error", errorEvent{Message: snap.errText})
			} else {
				_ = writeEvent(w, "done", struct{}{})
			}
			flusher.Flush()
			return
		}

		select {
		case <-snap.changed:
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}

// writeEvent writes one SSE event with a JSON payload.
func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleTranscript returns the session transcript as JSON.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(w, r)

	resp := TranscriptResponse{SessionID: sess.ID()}
	sess.View(func(st *session.State) {
		resp.Messages = st.Transcript()
		resp.Model = st.Model()
		if q, ok := st.Pending(); ok {
			resp.Pending = q
			resp.State = chat.Responding.String()
		} else {
			resp.State = chat.Idle.String()
		}
	})

	s.writeJSON(w, http.StatusOK, resp)
}

// handleExport downloads the caller's transcript. The format query
// parameter selects markdown (default), json or html.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existingSession(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "no active session")
		return
	}

	exporter, err := export.ForFormat(r.URL.Query().Get("format"), render.DefaultCodeStyle)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conv := export.FromSession(sess)
	data, err := exporter.Export(conv)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", exporter.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(conv, exporter)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		Version:        s.version,
		OllamaStatus:   "unknown",
		ActiveSessions: s.sessions.Count(),
		ActiveStreams:  s.streams.count(),
		Uptime:         session.FormatDuration(time.Since(s.startTime)),
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.CheckRunning(ctx); err != nil {
			resp.OllamaStatus = "unavailable"
			resp.Status = "degraded"
		} else {
			resp.OllamaStatus = "available"
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
