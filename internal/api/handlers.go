package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ernie/blockbridge/internal/assistant"
	"github.com/ernie/blockbridge/internal/domain"
	"github.com/ernie/blockbridge/internal/gameserver"
	"github.com/ernie/blockbridge/internal/linking"
	"github.com/ernie/blockbridge/internal/rcon"
	"github.com/ernie/blockbridge/internal/sandbox"
	"github.com/ernie/blockbridge/internal/whitelist"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a JSON request body, answering 400 on failure
func decodeBody(w http.ResponseWriter, req *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleHealth reports liveness and whether a command channel session is live
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	rconUp := r.deps.Channel != nil && r.deps.Channel.Available()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"rcon":              rconUp,
		"websocket_clients": r.wsHub.ClientCount(),
	})
}

// handleGetStatus returns the latest status snapshot
func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	if r.deps.Status == nil {
		writeJSON(w, http.StatusOK, domain.OfflineStatus())
		return
	}
	writeJSON(w, http.StatusOK, r.deps.Status.Status())
}

// handleRefreshStatus polls the server now and returns the fresh snapshot
func (r *Router) handleRefreshStatus(w http.ResponseWriter, req *http.Request) {
	if r.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status polling is not configured")
		return
	}
	writeJSON(w, http.StatusOK, r.deps.Status.Poll(req.Context()))
}

// LinkRequest is the request body for confirming a pairing code
type LinkRequest struct {
	Code string `json:"code"`
}

// handleConfirmLink binds the caller to the player who requested code
func (r *Router) handleConfirmLink(w http.ResponseWriter, req *http.Request) {
	if r.deps.Pairing == nil {
		writeError(w, http.StatusServiceUnavailable, "account linking is not configured")
		return
	}
	claims := r.getAuthClaims(req)

	var body LinkRequest
	if !decodeBody(w, req, &body) {
		return
	}

	player, err := r.deps.Pairing.ConfirmLink(req.Context(), strings.TrimSpace(body.Code), claims.Username)
	switch {
	case errors.Is(err, linking.ErrInvalidOrExpiredCode):
		writeError(w, http.StatusBadRequest, "Invalid or expired code.")
		return
	case errors.Is(err, linking.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "This Minecraft account is already linked.")
		return
	case err != nil:
		log.Printf("Failed to confirm link for %s: %v", claims.Username, err)
		writeError(w, http.StatusInternalServerError, "failed to link account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"player":  player,
		"message": "Linked to " + player + ".",
	})
}

// AccountResponse is a linked account with its play history
type AccountResponse struct {
	domain.LinkedAccount
	History *domain.PlayHistory `json:"history,omitempty"`
}

// handleGetAccount returns the player linked to an identity
func (r *Router) handleGetAccount(w http.ResponseWriter, req *http.Request) {
	if r.deps.Pairing == nil {
		writeError(w, http.StatusServiceUnavailable, "account linking is not configured")
		return
	}

	account, ok := r.deps.Pairing.Lookup(req.PathValue("identity"))
	if !ok {
		writeError(w, http.StatusNotFound, "account is not linked")
		return
	}

	response := AccountResponse{LinkedAccount: account}
	if r.deps.History != nil {
		history, err := r.deps.History.PlayHistory(account.Player)
		if err != nil {
			log.Printf("Failed to read play history for %s: %v", account.Player, err)
		}
		response.History = history
	}
	writeJSON(w, http.StatusOK, response)
}

// ChatRequest is the request body for relaying a message into the game
type ChatRequest struct {
	Text string `json:"text"`
}

// handleChat relays a message to in-game chat as the caller
func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	if r.deps.Channel == nil {
		writeError(w, http.StatusServiceUnavailable, "RCON unavailable; cannot relay message to server.")
		return
	}
	claims := r.getAuthClaims(req)

	var body ChatRequest
	if !decodeBody(w, req, &body) {
		return
	}

	text := singleLine(body.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "Empty message, nothing to send.")
		return
	}

	err := r.deps.Channel.Say(req.Context(), "["+claims.Username+"] "+text)
	switch {
	case errors.Is(err, rcon.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "RCON unavailable; cannot relay message to server.")
		return
	case err != nil:
		log.Printf("Failed to relay message to server: %v", err)
		writeError(w, http.StatusBadGateway, "Failed to send message to server.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Sent to in-game chat."})
}

// AssistantRequest is the request body for an assistant prompt
type AssistantRequest struct {
	Prompt string `json:"prompt"`
}

// handleAssistant forwards a prompt to the inference service
func (r *Router) handleAssistant(w http.ResponseWriter, req *http.Request) {
	if r.deps.Assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}

	var body AssistantRequest
	if !decodeBody(w, req, &body) {
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	answer, err := r.deps.Assistant.Query(req.Context(), prompt)
	if err != nil {
		log.Printf("Assistant query failed: %v", err)
		writeError(w, http.StatusBadGateway, "AI failed to respond.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"response": assistant.Truncate(answer, r.deps.MaxReply),
	})
}

// SandboxRequest is the request body for a sandboxed run
type SandboxRequest struct {
	Code string `json:"code"`
}

// SandboxResponse carries the run report and its rendered message
type SandboxResponse struct {
	sandbox.Report
	Message string `json:"message"`
}

// handleSandbox runs the caller's code if they hold the sandbox permission
func (r *Router) handleSandbox(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sandbox == nil {
		writeError(w, http.StatusServiceUnavailable, "sandbox is not configured")
		return
	}
	claims := r.getAuthClaims(req)

	allowed, err := r.store.HasSandboxPermission(req.Context(), claims.Username)
	if err != nil {
		log.Printf("Failed to check sandbox permission for %s: %v", claims.Username, err)
		writeError(w, http.StatusInternalServerError, "failed to check permission")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "You do not have permission to use Python.")
		return
	}

	var body SandboxRequest
	if !decodeBody(w, req, &body) {
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "Please provide Python code.")
		return
	}

	log.Printf("Running sandbox code for %s (%d bytes)", claims.Username, len(code))
	report := r.deps.Sandbox.Execute(req.Context(), code)
	writeJSON(w, http.StatusOK, SandboxResponse{Report: report, Message: report.Format()})
}

// handleListSandboxPermissions lists identities allowed to run code
func (r *Router) handleListSandboxPermissions(w http.ResponseWriter, req *http.Request) {
	identities, err := r.store.ListSandboxPermissions(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list permissions")
		return
	}
	if identities == nil {
		identities = []string{}
	}
	writeJSON(w, http.StatusOK, identities)
}

// handleGrantSandboxPermission allows an identity to run code
func (r *Router) handleGrantSandboxPermission(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	identity := req.PathValue("identity")

	granted, err := r.store.GrantSandboxPermission(req.Context(), identity, claims.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to grant permission")
		return
	}
	if !granted {
		writeJSON(w, http.StatusOK, map[string]string{"message": identity + " already has Python permission."})
		return
	}

	log.Printf("%s granted sandbox permission to %s", claims.Username, identity)
	writeJSON(w, http.StatusCreated, map[string]string{"message": identity + " can now use Python."})
}

// handleRevokeSandboxPermission removes an identity's permission
func (r *Router) handleRevokeSandboxPermission(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	identity := req.PathValue("identity")

	if err := r.store.RevokeSandboxPermission(req.Context(), identity); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke permission")
		return
	}

	log.Printf("%s revoked sandbox permission from %s", claims.Username, identity)
	writeJSON(w, http.StatusOK, map[string]string{"message": identity + " can no longer use Python."})
}

// handleListWhitelist returns the whitelist entries
func (r *Router) handleListWhitelist(w http.ResponseWriter, req *http.Request) {
	if r.deps.Whitelist == nil {
		writeError(w, http.StatusServiceUnavailable, "whitelist is not configured")
		return
	}
	entries, err := r.deps.Whitelist.List()
	if err != nil {
		log.Printf("Failed to read whitelist: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read whitelist")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAddWhitelist whitelists a player by name
func (r *Router) handleAddWhitelist(w http.ResponseWriter, req *http.Request) {
	if r.deps.Whitelist == nil {
		writeError(w, http.StatusServiceUnavailable, "whitelist is not configured")
		return
	}

	result, err := r.deps.Whitelist.Add(req.Context(), req.PathValue("name"))
	if err != nil {
		writeWhitelistError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleRemoveWhitelist removes a player from the whitelist
func (r *Router) handleRemoveWhitelist(w http.ResponseWriter, req *http.Request) {
	if r.deps.Whitelist == nil {
		writeError(w, http.StatusServiceUnavailable, "whitelist is not configured")
		return
	}

	result, err := r.deps.Whitelist.Remove(req.Context(), req.PathValue("name"))
	if err != nil {
		writeWhitelistError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeWhitelistError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, whitelist.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, whitelist.ErrUnknownPlayer), errors.Is(err, whitelist.ErrNotListed):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, whitelist.ErrAlreadyListed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("Whitelist update failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to update whitelist")
	}
}

// handleStartServer launches the game server process
func (r *Router) handleStartServer(w http.ResponseWriter, req *http.Request) {
	if r.deps.Server == nil {
		writeError(w, http.StatusServiceUnavailable, "server control is not configured")
		return
	}

	err := r.deps.Server.Start(req.Context())
	switch {
	case errors.Is(err, gameserver.ErrAlreadyRunning), errors.Is(err, gameserver.ErrStartInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		log.Printf("Failed to start server: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start server")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Starting server."})
}

// handleStopServer asks the game server to stop
func (r *Router) handleStopServer(w http.ResponseWriter, req *http.Request) {
	if r.deps.Server == nil {
		writeError(w, http.StatusServiceUnavailable, "server control is not configured")
		return
	}

	err := r.deps.Server.Stop(req.Context())
	switch {
	case errors.Is(err, rcon.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "RCON unavailable; cannot stop server.")
		return
	case err != nil:
		log.Printf("Failed to stop server: %v", err)
		writeError(w, http.StatusBadGateway, "failed to stop server")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Stopping server."})
}

// RconRequest is the request body for console commands
type RconRequest struct {
	Command string `json:"command"`
}

// RconResponse is the response body for console commands
type RconResponse struct {
	Output string `json:"output"`
}

// handleRconCommand runs a console command (admin only)
func (r *Router) handleRconCommand(w http.ResponseWriter, req *http.Request) {
	if r.deps.Channel == nil {
		writeError(w, http.StatusServiceUnavailable, "RCON unavailable")
		return
	}

	var body RconRequest
	if !decodeBody(w, req, &body) {
		return
	}
	command := singleLine(body.Command)
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	output, err := r.deps.Channel.Send(req.Context(), command)
	switch {
	case errors.Is(err, rcon.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RconResponse{Output: output})
}

// handleRconStatus returns whether a command channel session is live
func (r *Router) handleRconStatus(w http.ResponseWriter, req *http.Request) {
	available := r.deps.Channel != nil && r.deps.Channel.Available()
	writeJSON(w, http.StatusOK, map[string]bool{"available": available})
}
