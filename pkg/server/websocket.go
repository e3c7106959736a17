package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/edoras/edoras/pkg/protocol"
	"github.com/edoras/edoras/pkg/wsbridge"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// clients are not browsers; there is no cookie state to protect
		return true
	},
}

// HandleWebSocket upgrades the request and serves the protocol over binary
// WebSocket frames. The bytes go through a pipe so the session sees an
// ordinary net.Conn with working deadlines.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	conn := wsbridge.New(ws, s.maxFrameSize())
	s.ServeConn(conn, TransportWebSocket)
}

// maxFrameSize bounds one WebSocket message by the largest message the
// decoder accepts
func (s *Server) maxFrameSize() int64 {
	if s.cfg.MaxFields <= 0 || s.cfg.MaxFieldLength <= 0 {
		return 0
	}
	overhead := int64(protocol.HeaderSize + 1 + 4)
	return overhead + int64(s.cfg.MaxFields)*(4+int64(s.cfg.MaxFieldLength))
}
