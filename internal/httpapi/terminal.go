package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
)

// terminalConnectTimeout bounds the raw SSH dial a terminal session performs
// outside the pool — terminal clients are long-lived and exclusive, so
// they are never pool-managed (see internal/terminal's package doc),
// but the dial itself still needs a budget.
const terminalConnectTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	// Origin is already enforced by internal/transport's CORS
	// middleware ahead of this handler; re-checking it here would only
	// duplicate that policy with a second, divergent origin list.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// resizeMessage is the first client->server frame, decoded to seed the
// PTY's initial size. Once the session is open, every frame is relayed
// as raw terminal bytes by internal/terminal.Manager.Open — resizing
// mid-session is a Non-goal here since it would require a framing
// protocol this opaque-contract component doesn't define.
type resizeMessage struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// wsTransport adapts a *websocket.Conn to internal/terminal.Transport,
// buffering a partial read across Read calls since websocket framing
// doesn't line up with io.Reader's arbitrary-length contract.
type wsTransport struct {
	conn *websocket.Conn
	buf  []byte
}

func (t *wsTransport) Read(p []byte) (int, error) {
	for len(t.buf) == 0 {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		t.buf = data
	}
	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleTerminal upgrades the request to a WebSocket and relays an
// interactive PTY over it for the lifetime of the connection. The
// first message received, if it decodes as a resizeMessage with a
// non-zero size, seeds the initial PTY dimensions; a default of
// 80x24 is used otherwise.
func (a *API) handleTerminal(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
		return
	}
	hostID := r.PathValue("hostId")

	cfg, err := a.Resolver.Resolve(r.Context(), userID, hostID, false)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("terminal websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	dialCtx, cancel := context.WithTimeout(r.Context(), terminalConnectTimeout)
	client, err := sshpool.Dial(dialCtx, cfg, terminalConnectTimeout)
	cancel()
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
		return
	}
	defer client.Close()

	rows, cols := uint16(24), uint16(80)
	if _, data, err := conn.ReadMessage(); err == nil {
		var first resizeMessage
		if json.Unmarshal(data, &first) == nil && first.Rows > 0 && first.Cols > 0 {
			rows, cols = first.Rows, first.Cols
		}
	}

	sessionID := uuid.NewString()
	transport := &wsTransport{conn: conn}
	if err := a.Terminal.Open(r.Context(), sessionID, client, transport, rows, cols); err != nil {
		slog.Error("terminal session ended", "error", err, "sessionId", sessionID)
	}
}
