package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ernie/blockbridge/internal/auth"
	"github.com/ernie/blockbridge/internal/domain"
	"github.com/ernie/blockbridge/internal/sandbox"
	"github.com/ernie/blockbridge/internal/storage"
	"github.com/ernie/blockbridge/internal/whitelist"
)

// Commander is the part of the command channel the API drives
type Commander interface {
	Send(ctx context.Context, command string) (string, error)
	Say(ctx context.Context, text string) error
	Available() bool
}

// StatusSource provides server status snapshots
type StatusSource interface {
	Status() domain.ServerStatus
	Poll(ctx context.Context) domain.ServerStatus
}

// Linker binds pairing codes to identities
type Linker interface {
	ConfirmLink(ctx context.Context, code, externalID string) (string, error)
	Lookup(externalID string) (domain.LinkedAccount, bool)
}

// Assistant answers free-form prompts
type Assistant interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// Executor runs sandboxed code
type Executor interface {
	Execute(ctx context.Context, source string) sandbox.Report
}

// WhitelistEditor edits the server whitelist
type WhitelistEditor interface {
	List() ([]domain.WhitelistEntry, error)
	Add(ctx context.Context, name string) (whitelist.Result, error)
	Remove(ctx context.Context, name string) (whitelist.Result, error)
}

// ServerControl starts and stops the game server
type ServerControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HistoryReader reports when a player was last seen
type HistoryReader interface {
	PlayHistory(player string) (*domain.PlayHistory, error)
}

// Deps holds the collaborators behind the HTTP routes. Nil collaborators
// make their routes answer 503.
type Deps struct {
	Store     *storage.Store
	Auth      *auth.Service
	Channel   Commander
	Status    StatusSource
	Pairing   Linker
	Assistant Assistant
	MaxReply  int
	Sandbox   Executor
	Whitelist WhitelistEditor
	Server    ServerControl
	History   HistoryReader
	LogPath   string
	StaticDir string
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	deps      Deps
	store     *storage.Store
	auth      *auth.Service
	wsHub     *WebSocketHub
	logStream *LogStreamManager
}

// NewRouter creates a new HTTP router
func NewRouter(deps Deps) *Router {
	if deps.MaxReply == 0 {
		deps.MaxReply = 2000
	}
	r := &Router{
		mux:       http.NewServeMux(),
		deps:      deps,
		store:     deps.Store,
		auth:      deps.Auth,
		wsHub:     NewWebSocketHub(),
		logStream: NewLogStreamManager(deps.LogPath),
	}

	// Status routes
	r.mux.HandleFunc("GET /api/status", r.handleGetStatus)
	r.mux.HandleFunc("POST /api/status/refresh", r.requireAuth(r.handleRefreshStatus))

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)
	r.mux.HandleFunc("POST /api/auth/change-password", r.requireAuth(r.handleChangePassword))

	// Account linking routes
	r.mux.HandleFunc("POST /api/link", r.requireAuth(r.handleConfirmLink))
	r.mux.HandleFunc("GET /api/accounts/{identity}", r.requireAuth(r.handleGetAccount))

	// Chat, assistant and sandbox routes
	r.mux.HandleFunc("POST /api/chat", r.requireAuth(r.handleChat))
	r.mux.HandleFunc("POST /api/assistant", r.requireAuth(r.handleAssistant))
	r.mux.HandleFunc("POST /api/sandbox", r.requireAuth(r.handleSandbox))
	r.mux.HandleFunc("GET /api/sandbox/permissions", r.requireAdmin(r.handleListSandboxPermissions))
	r.mux.HandleFunc("PUT /api/sandbox/permissions/{identity}", r.requireAdmin(r.handleGrantSandboxPermission))
	r.mux.HandleFunc("DELETE /api/sandbox/permissions/{identity}", r.requireAdmin(r.handleRevokeSandboxPermission))

	// Whitelist routes
	r.mux.HandleFunc("GET /api/whitelist", r.requireAuth(r.handleListWhitelist))
	r.mux.HandleFunc("POST /api/whitelist/{name}", r.requireAuth(r.handleAddWhitelist))
	r.mux.HandleFunc("DELETE /api/whitelist/{name}", r.requireAuth(r.handleRemoveWhitelist))

	// Server process routes (admin only)
	r.mux.HandleFunc("POST /api/server/start", r.requireAdmin(r.handleStartServer))
	r.mux.HandleFunc("POST /api/server/stop", r.requireAdmin(r.handleStopServer))

	// Console routes (admin only)
	r.mux.HandleFunc("POST /api/rcon", r.requireAdmin(r.handleRconCommand))
	r.mux.HandleFunc("GET /api/rcon/status", r.handleRconStatus)

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /ws/logs", r.handleLogWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if deps.StaticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// Hub returns the WebSocket hub fed by the relay queues and the poller
func (r *Router) Hub() *WebSocketHub {
	return r.wsHub
}

// StartWebSocketHub starts the hub's broadcast loop
func (r *Router) StartWebSocketHub() {
	go r.wsHub.Run()
}

// Close stops the hub and any running log stream
func (r *Router) Close() {
	r.logStream.Close()
	r.wsHub.Stop()
}

// handleStatic serves static files from the configured directory
// For SPA support, serves index.html for any path that doesn't match a file
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	staticDir := r.deps.StaticDir

	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}
	fullPath := filepath.Join(staticDir, path)

	// The path must stay within staticDir
	absStaticDir, _ := filepath.Abs(staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if absPath != absStaticDir && !strings.HasPrefix(absPath, absStaticDir+string(filepath.Separator)) {
		http.NotFound(w, req)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		// SPA fallback: serve index.html for unknown paths
		fullPath = filepath.Join(staticDir, "index.html")
		if _, err := os.Stat(fullPath); err != nil {
			http.NotFound(w, req)
			return
		}
	}

	http.ServeFile(w, req, fullPath)
}
