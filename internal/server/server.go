package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shelfmark/internal/app"
	"shelfmark/internal/ratelimit"
	"shelfmark/internal/util"
	"shelfmark/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	UploadDir                  string
	MaxUploadBytes             int64
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	TrustedProxyCIDRs          []string
}

// Server exposes the HTTP endpoints of the catalog backend.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	uploadDir       string
	maxUploadBytes  int64
	trustedProxies  *util.TrustedProxies
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	uploadDir := strings.TrimSpace(cfg.UploadDir)
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "shelfmark-uploads")
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		uploadDir:      uploadDir,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		trustedProxies: trusted,
	}
	if cfg.RedisAddr != "" {
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				return nil, nil
			}
			prefix := "shelfmark:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		if s.registerLimiter, err = newLimiter("register", cfg.RegisterRateLimitPerMinute); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// users
	s.mux.HandleFunc("/api/users/register", s.handleRegister)
	s.mux.HandleFunc("/api/users/login", s.handleLogin)

	// books
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize resolves the caller identity from the bearer token. Identity is
// handed to workflows as an explicit value, never attached to the request.
func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(r.Context(), token)
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

// /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, books)
	case http.MethodPost:
		caller, ok := s.authorize(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.handleCreateBook(w, r, caller)
	default:
		methodNotAllowed(w)
	}
}

// /api/books/{bookId}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/books/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPatch:
		caller, ok := s.authorize(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.handleUpdateBook(w, r, caller, id)
	case http.MethodDelete:
		caller, ok := s.authorize(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := s.app.DeleteBook(r.Context(), caller, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "book deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, caller domain.User) {
	if !s.parseUpload(w, r) {
		return
	}
	cover, file, ok := s.spoolUploadPair(w, r)
	if !ok {
		return
	}
	book, err := s.app.CreateBook(r.Context(), caller, app.CreateBookInput{
		Title:      r.FormValue("title"),
		Genre:      r.FormValue("genre"),
		CoverImage: cover,
		BookFile:   file,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": book.ID})
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, caller domain.User, id string) {
	if !s.parseUpload(w, r) {
		return
	}
	cover, file, ok := s.spoolUploadPair(w, r)
	if !ok {
		return
	}
	book, err := s.app.UpdateBook(r.Context(), caller, id, app.UpdateBookInput{
		Title:      r.FormValue("title"),
		Genre:      r.FormValue("genre"),
		CoverImage: cover,
		BookFile:   file,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": book.ID, "message": "book updated"})
}

func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid form data")
		return false
	}
	return true
}

// spoolUploadPair writes the optional coverImage and file parts to scratch
// storage under generated names. On a spool failure, files written so far
// are removed before responding.
func (s *Server) spoolUploadPair(w http.ResponseWriter, r *http.Request) (cover, file *app.TempFile, ok bool) {
	cover, err := s.spoolFormFile(r, "coverImage")
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not store upload")
		return nil, nil, false
	}
	file, err = s.spoolFormFile(r, "file")
	if err != nil {
		if cover != nil {
			_ = os.Remove(cover.Path)
		}
		writeMessage(w, http.StatusInternalServerError, "could not store upload")
		return nil, nil, false
	}
	return cover, file, true
}

// spoolFormFile copies a multipart part to the scratch dir. A missing part
// yields (nil, nil); presence requirements belong to the workflow.
func (s *Server) spoolFormFile(r *http.Request, field string) (*app.TempFile, error) {
	src, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	defer src.Close()
	name := util.NewID() + strings.ToLower(filepath.Ext(header.Filename))
	dst := filepath.Join(s.uploadDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	return &app.TempFile{
		Path:        dst,
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        size,
	}, nil
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeMessage(w, http.StatusTooManyRequests, msg)
	return false
}

// writeAppError is the single responder for workflow failures. Taxonomy
// errors render their status and caller-safe message; anything else renders
// a generic 500. Causes are only logged.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	logger := util.LoggerFromContext(r.Context())
	var appErr *app.Error
	if errors.As(err, &appErr) {
		if appErr.Err != nil || appErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "status", appErr.Status, "err", err)
		}
		writeMessage(w, appErr.Status, appErr.Message)
		return
	}
	logger.Error("request failed", "err", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 30 * 1024 * 1024
	}
	return value
}
