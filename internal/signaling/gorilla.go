package signaling

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// GorillaUpgrader adapts websocket.Upgrader to our Upgrader interface.
type GorillaUpgrader struct {
	*websocket.Upgrader
}

// NewGorillaUpgrader creates a new GorillaUpgrader with sensible defaults.
// Clients are native processes, not browsers, so every origin is accepted.
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade implements the Upgrader interface.
func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	conn, err := g.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
