// Package httpapi mounts the HTTP handlers that intersect the core
// components: auth (login/me), host CRUD (credential resolution on
// read), tunnel control, file-manager operations, and host stats. Pure
// pass-through CRUD (credentials, folders) is sketched minimally; the
// browser UI, i18n, release packaging, and the other explicitly
// out-of-scope surfaces are not implemented here.
//
// Handler registration follows internal/transport.MountFunc: a plain
// *http.ServeMux using Go's method+pattern routing
// ("GET /ssh/db/host/{id}"), mounted onto
// transport.NewServer(transport.WithMount(...)).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/authn"

	"github.com/google/uuid"

	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/filemanager"
	"github.com/scjtqs2/Termix-sub002/internal/metrics"
	"github.com/scjtqs2/Termix-sub002/internal/store"
	"github.com/scjtqs2/Termix-sub002/internal/terminal"
	"github.com/scjtqs2/Termix-sub002/internal/tunnel"
)

// API bundles every core singleton a handler might need.
type API struct {
	Store    *store.Store
	Env      *crypto.Envelope
	Gate     *auth.Gate
	Resolver *credential.Resolver
	Tunnels  *tunnel.Engine
	Metrics  *metrics.Collector
	FileMgr  *filemanager.Manager
	Terminal *terminal.Manager

	// OIDC is nil when no issuer is configured; handleOIDCConfig
	// reports {enabled:false} and handleOIDCCallback 404s in that case.
	OIDC *auth.OIDCAuthenticator
}

// Mount registers every handler onto mux, matching internal/transport.MountFunc.
func (a *API) Mount(mux *http.ServeMux) error {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /users/registration-allowed", a.handleRegistrationAllowed)
	mux.HandleFunc("GET /users/count", a.handleUserCount)
	mux.HandleFunc("POST /users/login", a.handleLogin)
	mux.HandleFunc("GET /users/me", a.handleMe)
	mux.HandleFunc("GET /users/oidc-config", a.handleOIDCConfig)
	mux.HandleFunc("GET /users/oidc/callback", a.handleOIDCCallback)

	mux.HandleFunc("GET /ssh/db/host", a.handleListHosts)
	mux.HandleFunc("GET /ssh/db/host/{id}", a.handleGetHost)
	mux.HandleFunc("DELETE /ssh/db/host/{id}", a.handleDeleteHost)

	mux.HandleFunc("POST /ssh/tunnel/connect", a.handleTunnelConnect)
	mux.HandleFunc("POST /ssh/tunnel/disconnect", a.handleTunnelDisconnect)
	mux.HandleFunc("POST /ssh/tunnel/cancel", a.handleTunnelCancel)
	mux.HandleFunc("GET /ssh/tunnel/status", a.handleTunnelStatus)

	mux.HandleFunc("POST /ssh/file_manager/ssh/connect", a.handleFileManagerConnect)
	mux.HandleFunc("POST /ssh/file_manager/ssh/disconnect", a.handleFileManagerDisconnect)
	mux.HandleFunc("GET /ssh/file_manager/ssh/status", a.handleFileManagerStatus)
	mux.HandleFunc("GET /ssh/file_manager/ssh/listFiles", a.handleFileManagerList)
	mux.HandleFunc("GET /ssh/file_manager/ssh/readFile", a.handleFileManagerRead)
	mux.HandleFunc("POST /ssh/file_manager/ssh/writeFile", a.handleFileManagerWrite)
	mux.HandleFunc("POST /ssh/file_manager/ssh/createFile", a.handleFileManagerCreateFile)
	mux.HandleFunc("POST /ssh/file_manager/ssh/createFolder", a.handleFileManagerCreateFolder)
	mux.HandleFunc("DELETE /ssh/file_manager/ssh/deleteItem", a.handleFileManagerDelete)
	mux.HandleFunc("PUT /ssh/file_manager/ssh/renameItem", a.handleFileManagerRename)

	mux.HandleFunc("GET /metrics/{id}", a.handleHostMetrics)

	mux.HandleFunc("GET /ssh/terminal/{hostId}", a.handleTerminal)

	return nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleRegistrationAllowed(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.UserCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": n == 0})
}

func (a *API) handleUserCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.UserCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := a.Gate.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
		return
	}
	if result.RequiresTOTP {
		writeJSON(w, http.StatusOK, map[string]bool{"requiresTOTP": true})
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "jwt", Value: result.Token, Path: "/", HttpOnly: true, MaxAge: 86400})
	writeJSON(w, http.StatusOK, map[string]string{"token": result.Token})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	info, ok := authn.GetInfo(r.Context()).(core.UserInfo)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	u, err := a.Store.GetUserByID(r.Context(), info.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": u.ID, "username": u.Username, "isAdmin": u.IsAdmin,
	})
}

// handleOIDCConfig reports whether an OIDC login path is configured, so
// the frontend can decide whether to show an "sign in with SSO" button
// without needing its own copy of the issuer/client id.
func (a *API) handleOIDCConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": a.OIDC != nil})
}

// handleOIDCCallback completes an authorization-code login: it expects
// the `code` query parameter the provider redirected back with.
func (a *API) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if a.OIDC == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "oidc not configured"})
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code"})
		return
	}
	result, err := a.OIDC.HandleCallback(r.Context(), code)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "jwt", Value: result.Token, Path: "/", HttpOnly: true, MaxAge: 86400})
	writeJSON(w, http.StatusOK, map[string]string{"token": result.Token})
}

func userIDFromContext(ctx context.Context) (string, bool) {
	info, ok := authn.GetInfo(ctx).(core.UserInfo)
	if !ok {
		return "", false
	}
	return info.Subject, true
}

func (a *API) handleListHosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	hosts, err := a.Store.ListHosts(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (a *API) handleGetHost(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	h, err := a.Store.GetHost(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	if err := a.Store.DeleteHost(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "host deleted"})
}

// --- tunnel control ----------------------------------------------------

type tunnelConnectRequest struct {
	HostID               string `json:"hostId"`
	Name                 string `json:"name"`
	SourcePort           int    `json:"sourcePort"`
	EndpointHost         string `json:"endpointHost"`
	EndpointPort         int    `json:"endpointPort"`
	EndpointUsername     string `json:"endpointUsername"`
	EndpointAuthMethod   string `json:"endpointAuthMethod"`
	EndpointPassword     string `json:"endpointPassword"`
	EndpointPrivateKey   string `json:"endpointPrivateKey"`
	EndpointKeyPassphrase string `json:"endpointKeyPassphrase"`
	MaxRetries           int    `json:"maxRetries"`
	RetryInterval        int    `json:"retryInterval"` // seconds, per the DB convention; normalized to ms here
}

func (a *API) handleTunnelConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}

	var req tunnelConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	host, err := a.Store.GetHost(r.Context(), userID, req.HostID)
	if err != nil {
		writeError(w, err)
		return
	}

	tc := core.TunnelConnection{
		SourcePort:            req.SourcePort,
		EndpointHost:          req.EndpointHost,
		EndpointPort:          req.EndpointPort,
		EndpointUsername:      req.EndpointUsername,
		EndpointAuthType:      core.AuthType(req.EndpointAuthMethod),
		EndpointPassword:      req.EndpointPassword,
		EndpointPrivateKey:    req.EndpointPrivateKey,
		EndpointKeyPassphrase: req.EndpointKeyPassphrase,
		MaxRetries:            req.MaxRetries,
		RetryIntervalMS:       req.RetryInterval * 1000, // seconds at the API boundary, normalized to ms here
	}

	name, err := a.Tunnels.Connect(r.Context(), userID, host, tc, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tunnel connecting", "tunnelName": name})
}

type tunnelNameRequest struct {
	TunnelName string `json:"tunnelName"`
}

func (a *API) handleTunnelDisconnect(w http.ResponseWriter, r *http.Request) {
	var req tunnelNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.Tunnels.Disconnect(req.TunnelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tunnel disconnected"})
}

func (a *API) handleTunnelCancel(w http.ResponseWriter, r *http.Request) {
	var req tunnelNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.Tunnels.Cancel(req.TunnelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tunnel cancelled"})
}

func (a *API) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Tunnels.Status())
}

// --- file manager --------------------------------------------------------

type fileManagerConnectRequest struct {
	SessionID string `json:"sessionId"`
	HostID    string `json:"hostId"`
}

func (a *API) handleFileManagerConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	var req fileManagerConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	cfg, err := a.Resolver.Resolve(r.Context(), userID, req.HostID, false)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := a.FileMgr.Connect(r.Context(), sessionID, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (a *API) handleFileManagerDisconnect(w http.ResponseWriter, r *http.Request) {
	a.FileMgr.Disconnect(r.URL.Query().Get("sessionId"))
	writeJSON(w, http.StatusOK, map[string]string{"message": "disconnected"})
}

func (a *API) handleFileManagerStatus(w http.ResponseWriter, r *http.Request) {
	ok := a.FileMgr.Status(r.URL.Query().Get("sessionId"))
	writeJSON(w, http.StatusOK, map[string]bool{"connected": ok})
}

func (a *API) handleFileManagerList(w http.ResponseWriter, r *http.Request) {
	entries, err := a.FileMgr.ListFiles(r.Context(), r.URL.Query().Get("sessionId"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleFileManagerRead(w http.ResponseWriter, r *http.Request) {
	content, err := a.FileMgr.ReadFile(r.Context(), r.URL.Query().Get("sessionId"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

type fileWriteRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

func (a *API) handleFileManagerWrite(w http.ResponseWriter, r *http.Request) {
	var req fileWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.FileMgr.WriteFile(r.Context(), req.SessionID, req.Path, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File written successfully"})
}

type filePathRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

func (a *API) handleFileManagerCreateFile(w http.ResponseWriter, r *http.Request) {
	var req filePathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.FileMgr.CreateFile(r.Context(), req.SessionID, req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "file created"})
}

func (a *API) handleFileManagerCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req filePathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.FileMgr.CreateFolder(r.Context(), req.SessionID, req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "folder created"})
}

func (a *API) handleFileManagerDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	path := r.URL.Query().Get("path")
	isDir := r.URL.Query().Get("isDir") == "true"
	if err := a.FileMgr.DeleteItem(r.Context(), sessionID, path, isDir); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

type fileRenameRequest struct {
	SessionID string `json:"sessionId"`
	OldPath   string `json:"oldPath"`
	NewPath   string `json:"newPath"`
}

func (a *API) handleFileManagerRename(w http.ResponseWriter, r *http.Request) {
	var req fileRenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.FileMgr.RenameItem(r.Context(), req.SessionID, req.OldPath, req.NewPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "renamed"})
}

// --- stats -----------------------------------------------------------------

func (a *API) handleHostMetrics(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	hostID := r.PathValue("id")
	host, err := a.Store.GetHost(r.Context(), userID, hostID)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	cfg, err := a.Resolver.Resolve(ctx, userID, hostID, false)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := a.Metrics.Collect(ctx, host.ID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- helpers -----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}

// errorStatus maps a core.ErrorKind to its HTTP status.
func errorStatus(kind core.ErrorKind) int {
	switch kind {
	case core.KindAuthentication:
		return http.StatusUnauthorized
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindValidation, core.KindCredentialResolution:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindCapacity:
		return http.StatusServiceUnavailable
	case core.KindNetworkTransient, core.KindNetworkFatal, core.KindRemoteCommandFailure:
		return http.StatusConflict
	case core.KindIntegrity:
		return http.StatusInternalServerError
	case core.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if ce, ok := err.(*core.Error); ok {
		if ce.Kind == core.KindIntegrity {
			slog.Error("data integrity failure", "error", ce)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "data integrity error"})
			return
		}
		writeJSON(w, errorStatus(ce.Kind), map[string]string{"error": ce.Message, "code": string(ce.Kind)})
		return
	}
	slog.Error("unhandled error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
