package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/auth"
	"chronicle/comments/internal/export"
	"chronicle/comments/internal/rbac"
	"chronicle/comments/internal/search"
	"chronicle/comments/internal/util"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if configured, err := s.service.PingCache(ctx); configured {
			checks["cache"] = map[string]any{"status": "ok"}
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["cache"] = map[string]any{
					"status": "error",
					"error":  err.Error(),
				}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"role":      session.Role,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, "search")
			return
		}
		query := r.URL.Query()
		q := search.Query{
			Text:       strings.TrimSpace(query.Get("q")),
			DocumentID: strings.TrimSpace(query.Get("documentId")),
			Limit:      queryInt(query.Get("limit"), 20),
			Offset:     queryInt(query.Get("offset"), 0),
		}
		if q.Text == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		if q.DocumentID != "" {
			if err := validateDocumentID(q.DocumentID); err != nil {
				writeMappedError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/reindex" {
		if !s.service.Can(session.Role, rbac.ActionAdmin) {
			s.forbid(w, r, session, "reindex")
			return
		}
		go s.service.Reindex(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// handleDocument serves /api/documents/{documentID}/...; rest is the path after the id.
func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	ctx := r.Context()
	route := strings.Join(rest, "/")

	switch {
	case r.Method == http.MethodGet && route == "comments":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		items, err := s.service.List(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "comments": items})

	case r.Method == http.MethodGet && route == "state":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		view, err := s.service.State(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && route == "draft":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		var body anchor.Position
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.BeginInsert(ctx, documentID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && route == "draft/confirm":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		body, ok := decodeCommentBody(w, r)
		if !ok {
			return
		}
		item, err := s.service.ConfirmInsert(ctx, documentID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": item})

	case r.Method == http.MethodPost && route == "draft/cancel":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		view, err := s.service.CancelInsert(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && route == "edit/cancel":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		view, err := s.service.CancelEdit(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "comments" && rest[2] == "edit":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		view, err := s.service.BeginEdit(ctx, documentID, rest[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && len(rest) == 4 && rest[0] == "comments" && rest[2] == "edit" && rest[3] == "confirm":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		body, ok := decodeCommentBody(w, r)
		if !ok {
			return
		}
		item, err := s.service.ConfirmEdit(ctx, documentID, rest[1], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": item})

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "comments":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		if err := s.service.Remove(ctx, documentID, rest[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": rest[1]})

	case r.Method == http.MethodPost && route == "save":
		if !s.allow(w, r, session, rbac.ActionSave) {
			return
		}
		result, err := s.service.Save(ctx, documentID, session.UserName)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case r.Method == http.MethodPost && route == "reload":
		if !s.allow(w, r, session, rbac.ActionSave) {
			return
		}
		view, err := s.service.Reload(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodGet && route == "history":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		items, err := s.service.History(ctx, documentID, queryInt(r.URL.Query().Get("limit"), 50))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "history": items})

	case r.Method == http.MethodGet && route == "history/head":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		commit, items, err := s.service.HistoryHead(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "commit": commit, "comments": items})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "history":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		items, err := s.service.HistoryAt(ctx, documentID, rest[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "hash": rest[1], "comments": items})

	case r.Method == http.MethodGet && route == "archive":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		entries, err := s.service.Archive(ctx, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "snapshots": entries})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "archive":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		entry, items, err := s.service.ArchivedSnapshot(ctx, documentID, rest[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "key": entry.Key, "savedAt": entry.SavedAt, "comments": items})

	case r.Method == http.MethodGet && route == "export":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		s.handleExport(w, r, session, documentID)

	case r.Method == http.MethodGet && route == "events":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		s.handleEvents(w, r, documentID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	format, err := export.ParseFormat(strings.TrimSpace(r.URL.Query().Get("format")))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	result, err := s.service.Export(r.Context(), export.Request{
		DocumentID:  documentID,
		Title:       strings.TrimSpace(r.URL.Query().Get("title")),
		Format:      format,
		GeneratedBy: session.UserName,
	})
	if err != nil {
		log.Printf("export: %s: %v", documentID, err)
		writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// handleEvents upgrades to a websocket and streams the document's messages,
// starting with its current state.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, documentID string) {
	events, unsubscribe, err := s.service.Subscribe(r.Context(), documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("comments: %s: websocket upgrade: %v", documentID, err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	view, err := s.service.State(r.Context(), documentID)
	if err != nil {
		return
	}
	initial := Message{Type: MessageState, DocumentID: documentID, State: &view.State}
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	s.forbid(w, r, session, string(action))
	return false
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action string) {
	log.Printf("comments: forbidden %s %s for %s (%s): %s", r.Method, r.URL.Path, session.UserName, session.Role, action)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// requireSession accepts a bearer header, or a token query parameter for
// websocket clients that cannot set headers.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" && websocket.IsWebSocketUpgrade(r) {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("comments: server error: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeCommentBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Body *string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return "", false
	}
	if body.Body == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
		return "", false
	}
	return *body.Body, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
