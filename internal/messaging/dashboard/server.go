package dashboard

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP connection to a websocket and attaches it to
// hub as a new dashboard client, mirroring the teacher's
// internal/websocket HTTP handler.
func ServeWS(hub *Hub, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("dashboard websocket upgrade failed")
			return
		}

		client := NewClient(hub, conn, logger)
		hub.RegisterClient(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
