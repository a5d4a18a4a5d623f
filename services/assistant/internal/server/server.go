package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"talqs/internal/usertoken"
	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/services/assistant/internal/app"
)

const (
	defaultMaxUploadBytes = 10 << 20
	maxJSONBody           = 1 << 20
)

// TokenVerifier turns a bearer token into a caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// Limiter guards the inference routes. A nil Limiter allows everything.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	Limiter        Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the assistant service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	limiter        Limiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("assistant", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)

	s.mux.Handle("/api/users/me", s.withUser(s.handleMe))
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByEmail))

	// documents
	s.mux.Handle("/api/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.withUser(s.handleDocumentByFingerprint))

	// inference
	s.mux.Handle("/api/summarize", s.withUser(s.rateLimited(s.handleSummarize)))
	s.mux.Handle("/api/answer", s.withUser(s.rateLimited(s.handleAnswer)))
	s.mux.Handle("/api/answer/all", s.withUser(s.rateLimited(s.handleAnswerAll)))

	// history
	s.mux.Handle("/api/history", s.withUser(s.handleHistories))
	s.mux.Handle("/api/history/stream", s.withUser(s.handleHistoryStream))
	s.mux.Handle("/api/history/", s.withUser(s.handleHistoryByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status(r.Context()))
}

// auth wrappers
type identityContextKey struct{}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser verifies the bearer token. The stored profile is used when the
// caller has synced before; otherwise the token claims stand in for it.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		user, ok := s.app.GetUser(ctx, id.Email)
		if !ok {
			user = identityUser(id)
		}
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) adminOnly(next userHandler) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if !user.IsAdmin {
			util.LoggerFromContext(r.Context()).Warn("admin access denied", "email", user.Email)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) rateLimited(next userHandler) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if s.limiter != nil {
			key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
			ok, retryAfter := s.limiter.Allow(r.Context(), key)
			if !ok {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next(w, r, user)
	}
}

func identityUser(id usertoken.Identity) domain.User {
	return domain.User{
		Email:     id.Email,
		Name:      id.Name,
		AvatarURL: id.Picture,
		Provider:  id.Provider,
		IsAdmin:   id.Admin,
	}
}

// /api/users/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		id, ok := r.Context().Value(identityContextKey{}).(usertoken.Identity)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		saved, err := s.app.SyncUser(r.Context(), identityUser(id))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodGet:
		stored, ok := s.app.GetUser(r.Context(), user.Email)
		if !ok {
			notFound(w, "user not found")
			return
		}
		writeJSON(w, http.StatusOK, stored)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users := s.app.ListUsers(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

// /api/admin/users/{email}
func (s *Server) handleAdminUserByEmail(w http.ResponseWriter, r *http.Request, admin domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	email, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/admin/users/"))
	if err != nil || strings.TrimSpace(email) == "" || strings.Contains(email, "/") {
		notFound(w, "not found")
		return
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.app.DeleteUser(r.Context(), email); err != nil {
		writeAppError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("user deleted", "email", email, "by", admin.Email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadDocument(w, r, user)
	case http.MethodGet:
		docs := s.app.Documents(r.Context(), user.Email)
		for i := range docs {
			docs[i].Content = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": docs,
			"count": len(docs),
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	res, err := s.app.Ingest(r.Context(), user.Email, header.Filename, data)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	doc := res.Document
	doc.Content = ""
	writeJSON(w, status, map[string]any{
		"document": doc,
		"existing": res.Existing,
		"archived": res.Archived,
	})
}

// /api/documents/{fingerprint}/original
func (s *Server) handleDocumentByFingerprint(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/documents/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "original" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	u, err := s.app.OriginalURL(r.Context(), user.Email, parts[0])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

type documentRequest struct {
	Content     string `json:"content"`
	Fingerprint string `json:"fingerprint"`
	FileName    string `json:"fileName"`
	HistoryID   string `json:"historyId"`
	Question    string `json:"question"`
}

func (d documentRequest) input() app.DocumentInput {
	return app.DocumentInput{Content: d.Content, Fingerprint: d.Fingerprint, FileName: d.FileName}
}

func (s *Server) decodeDocumentRequest(w http.ResponseWriter, r *http.Request) (documentRequest, bool) {
	var req documentRequest
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return req, false
	}
	limit := s.maxUploadBytes
	if limit < maxJSONBody {
		limit = maxJSONBody
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, user domain.User) {
	req, ok := s.decodeDocumentRequest(w, r)
	if !ok {
		return
	}
	res, err := s.app.Summarize(r.Context(), app.SummarizeRequest{
		OwnerID:       user.Email,
		HistoryID:     req.HistoryID,
		DocumentInput: req.input(),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request, user domain.User) {
	req, ok := s.decodeDocumentRequest(w, r)
	if !ok {
		return
	}
	res, err := s.app.Answer(r.Context(), app.AnswerRequest{
		OwnerID:       user.Email,
		HistoryID:     req.HistoryID,
		Question:      req.Question,
		DocumentInput: req.input(),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnswerAll(w http.ResponseWriter, r *http.Request, user domain.User) {
	req, ok := s.decodeDocumentRequest(w, r)
	if !ok {
		return
	}
	res, err := s.app.AnswerAll(r.Context(), app.AnswerAllRequest{
		OwnerID:       user.Email,
		HistoryID:     req.HistoryID,
		DocumentInput: req.input(),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistories(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	histories := s.app.Histories(r.Context(), user.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": histories,
		"count": len(histories),
	})
}

// /api/history/{id}
func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/history/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteHistory(r.Context(), user.Email, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleHistoryStream pushes the caller's history list as server-sent events.
func (s *Server) handleHistoryStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sub, err := s.app.SubscribeHistories(r.Context(), user.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer sub.Close()
	if !sub.Supported() {
		writeError(w, http.StatusNotImplemented, "real-time history is not available")
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case histories, ok := <-sub.Updates():
			if !ok {
				return
			}
			payload, err := json.Marshal(histories)
			if err != nil {
				util.LoggerFromContext(r.Context()).Error("encode history event", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: histories\ndata: %s\n\n", payload); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrQuestionRequired),
		errors.Is(err, app.ErrContentRequired),
		errors.Is(err, app.ErrDocumentTooShort),
		errors.Is(err, app.ErrUnsupportedFile),
		errors.Is(err, app.ErrUnreadableFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound),
		errors.Is(err, app.ErrHistoryNotFound),
		errors.Is(err, app.ErrUserNotFound):
		notFound(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
