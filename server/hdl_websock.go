/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections: the only realtime transport.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/converse-im/converse/server/logs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 55 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

func (s *Session) closeWS() {
	if s.proto == WEBSOCK {
		s.ws.Close()
	}
}

func (s *Session) readLoop() {
	defer func() {
		s.closeWS()
		s.cleanUp()
	}()

	s.ws.SetReadLimit(s.app.maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Read a ClientComMessage.
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", s.sid, err)
			}
			return
		}
		statsInc("IncomingMessagesWebsockTotal", 1)
		s.dispatchRaw(raw)
	}
}

func (s *Session) sendMessage(msg any) bool {
	if len(s.send) > sendQueueLimit {
		logs.Err.Println("ws: outbound queue limit exceeded", s.sid)
		return false
	}

	statsInc("OutgoingMessagesWebsockTotal", 1)
	if err := wsWrite(s.ws, websocket.TextMessage, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", s.sid, err)
		}
		return false
	}
	return true
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		s.closeWS()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				// Channel closed.
				return
			}
			if !s.sendMessage(msg) {
				return
			}

		case msg := <-s.stop:
			// Shutdown requested, don't care if the close frame is delivered.
			if bits, ok := msg.([]byte); ok {
				s.ws.WriteControl(websocket.CloseMessage, bits, time.Now().Add(writeWait))
			}
			return

		case <-ticker.C:
			if err := wsWrite(s.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", s.sid, err)
				}
				return
			}
		}
	}
}

// wsWrite writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg any) error {
	var bits []byte
	if msg != nil {
		bits = msg.([]byte)
	} else {
		bits = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, bits)
}

// serveWebSocket handles websocket upgrade requests. The handshake itself is
// anonymous; identity is established later by an APP:JOIN event.
func (app *App) serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(wrt, http.StatusMethodNotAllowed, "invalid HTTP method")
		logs.Err.Println("ws: invalid HTTP method", req.Method)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: app.wsCompression,
		// Allow connections from any Origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to upgrade", err)
		return
	}

	sess, count := app.sessions.NewSession(ws, app)
	if app.useXForwardedFor {
		sess.remoteAddr = req.Header.Get("X-Forwarded-For")
		if !isRoutableIP(sess.remoteAddr) {
			sess.remoteAddr = ""
		}
	}
	if sess.remoteAddr == "" {
		sess.remoteAddr = req.RemoteAddr
	}

	logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr, count)

	// Do work in goroutines to return from serveWebSocket() to release file pointers.
	// Otherwise "too many open files" will happen.
	go sess.writeLoop()
	go sess.readLoop()
}
