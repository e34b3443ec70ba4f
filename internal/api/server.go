package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"duet/internal/relay"
	"duet/internal/upload"
	"duet/pkg/types"
)

// Users is the user directory as seen by the HTTP layer
type Users interface {
	Verify(username, password string) error
	Users() []string
	DisplayName(username string) string
}

// Tokens issues login tokens and resolves them back to usernames
type Tokens interface {
	Issue(username string) (string, error)
	Verify(token string) (string, error)
}

// Presence answers who is online and how busy the server is
type Presence interface {
	IsOnline(username string) bool
	GetStats() map[string]int
}

// History reads stored conversations
type History interface {
	Conversation(ctx context.Context, userA, userB string) ([]*types.ChatMessage, error)
}

// HealthChecker is anything the health endpoint checks
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups everything the HTTP server serves from
type Dependencies struct {
	Users     Users
	Tokens    Tokens
	Presence  Presence
	History   History
	Uploads   *upload.Store
	Store     HealthChecker
	WebSocket http.Handler
}

// Options holds HTTP-level settings
type Options struct {
	CORSOrigin   string
	RequireToken bool // /api/messages and /api/upload need a bearer token
}

// Server is the HTTP surface: login, user directory, uploads, history,
// health and the websocket endpoint. It holds no chat logic of its own.
type Server struct {
	deps      Dependencies
	options   Options
	router    *http.ServeMux
	startedAt time.Time
}

// NewServer creates the server and registers its routes
func NewServer(deps Dependencies, options Options) *Server {
	if options.CORSOrigin == "" {
		options.CORSOrigin = "*"
	}

	s := &Server{
		deps:      deps,
		options:   options,
		router:    http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/login", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLogin))))
	s.router.Handle("/api/users", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleUsers))))
	s.router.Handle("/api/users/info", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleUsersInfo))))
	s.router.Handle("/api/upload", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleUpload)))))
	s.router.Handle("/api/messages", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleMessages)))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))

	if s.deps.Uploads != nil {
		files := http.StripPrefix(upload.URLPrefix, http.FileServer(http.Dir(s.deps.Uploads.Dir())))
		s.router.Handle(upload.URLPrefix, s.corsMiddleware(noListing(files)))
	}
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.sendError(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	if err := s.deps.Users.Verify(req.Username, req.Password); err != nil {
		log.Printf("Login failed for %q from %s", req.Username, r.RemoteAddr)
		s.sendError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	response := LoginResponse{Success: true, Username: req.Username}
	if s.deps.Tokens != nil {
		token, err := s.deps.Tokens.Issue(req.Username)
		if err != nil {
			log.Printf("Failed to issue token for %s: %v", req.Username, err)
			s.sendError(w, "Failed to issue token", http.StatusInternalServerError)
			return
		}
		response.Token = token
	}

	s.sendJSON(w, http.StatusOK, response)
}

// GET /api/users
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, s.deps.Users.Users())
}

// GET /api/users/info
func (s *Server) handleUsersInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := s.deps.Users.Users()
	infos := make([]types.UserInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, types.UserInfo{
			Username:    name,
			DisplayName: s.deps.Users.DisplayName(name),
			Online:      s.deps.Presence != nil && s.deps.Presence.IsOnline(name),
		})
	}
	s.sendJSON(w, http.StatusOK, infos)
}

// POST /api/upload, multipart form with a single "file" part
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Uploads == nil {
		s.sendError(w, "Uploads are disabled", http.StatusNotFound)
		return
	}

	// room for multipart framing around the file itself
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Uploads.MaxBytes()+1<<20)

	reader, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, "Expected multipart/form-data", http.StatusBadRequest)
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.sendUploadError(w, err)
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		result, err := s.deps.Uploads.Save(part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			s.sendUploadError(w, err)
			return
		}

		log.Printf("Stored upload %s (%s) as %s", result.FileName, result.FileType, result.FileURL)
		s.sendJSON(w, http.StatusOK, result)
		return
	}

	s.sendError(w, "No file uploaded", http.StatusBadRequest)
}

func (s *Server) sendUploadError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, upload.ErrUnsupportedType):
		s.sendError(w, "Only images and videos are allowed", http.StatusBadRequest)
	case errors.Is(err, upload.ErrEmptyFile):
		s.sendError(w, "Uploaded file is empty", http.StatusBadRequest)
	case errors.Is(err, upload.ErrFileTooLarge), errors.As(err, &maxBytesErr):
		s.sendError(w, "File too large", http.StatusRequestEntityTooLarge)
	default:
		log.Printf("Upload failed: %v", err)
		s.sendError(w, "Failed to store upload", http.StatusInternalServerError)
	}
}

// GET /api/messages?user1=&user2=
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user1 := r.URL.Query().Get("user1")
	user2 := r.URL.Query().Get("user2")
	if user1 == "" || user2 == "" {
		s.sendError(w, "Both user1 and user2 are required", http.StatusBadRequest)
		return
	}
	if caller := authenticatedUser(r); caller != "" && caller != user1 && caller != user2 {
		s.sendError(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	messages, err := s.deps.History.Conversation(r.Context(), user1, user2)
	if err != nil {
		if errors.Is(err, relay.ErrUnknownRecipient) {
			s.sendError(w, "Unknown user", http.StatusNotFound)
			return
		}
		log.Printf("Failed to fetch messages between %s and %s: %v", user1, user2, err)
		s.sendError(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, http.StatusOK, messages)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	connections := map[string]int{}
	if s.deps.Presence != nil {
		connections = s.deps.Presence.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.options.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const userContextKey contextKey = "username"

// authMiddleware requires "Authorization: Bearer <token>" when token auth
// is on and stores the token's username in the request context
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.options.RequireToken || s.deps.Tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			s.sendError(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}

		username, err := s.deps.Tokens.Verify(token)
		if err != nil {
			s.sendError(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, username)))
	})
}

func authenticatedUser(r *http.Request) string {
	username, _ := r.Context().Value(userContextKey).(string)
	return username
}

// noListing hides directory indexes under the uploads prefix
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
