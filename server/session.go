/******************************************************************************
 *
 *  Description :
 *
 *    Handling of realtime sessions. A session is a single websocket
 *    connection. One user may have multiple sessions (multiple devices).
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/converse-im/converse/server/logs"
	"github.com/converse-im/converse/server/store"
	"github.com/converse-im/converse/server/store/types"
)

// Wire transport.
const (
	NONE = iota
	WEBSOCK
)

const sendQueueLimit = 128

// Session represents a single realtime connection. The handshake carries no
// trusted identity: until the client authenticates with APP:JOIN the session
// is anonymous and may not join rooms.
type Session struct {
	// Protocol - NONE (unset) or WEBSOCK.
	proto int

	// Websocket. Set only for websocket sessions.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// ID of the bound user or 0 while unauthenticated.
	uid types.Uid

	// Display name of the bound user.
	public string

	// Time when the session received any packet from the client.
	lastAction time.Time

	// Outbound messages, buffered. Contains JSON-serialized events.
	send chan any

	// Channel for shutting down the session, buffer 1.
	// Content in the same format as for 'send'.
	stop chan any

	// Session ID.
	sid string

	// Shared server state the session dispatches into.
	app *App
}

// queueOut attempts to send an event to the session; if the send buffer is
// full, timeout is 50 usec. Safe to call on a nil session.
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logs.Err.Println("s.queueOut: marshal failed", s.sid, err)
		return false
	}

	select {
	case s.send <- data:
	case <-time.After(time.Microsecond * 50):
		logs.Err.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// cleanUp is the single teardown point: it detaches the session from every
// room and drops it from the session store.
func (s *Session) cleanUp() {
	s.app.sessions.Delete(s)
	s.app.hub.SessionGone(s)
}

// dispatchRaw parses a raw event and dispatches it.
func (s *Session) dispatchRaw(raw []byte) {
	var msg ClientComMessage

	toLog := raw
	truncated := ""
	if len(raw) > 512 {
		toLog = raw[:512]
		truncated = "<...>"
	}
	logs.Info.Printf("in: '%s%s' ip='%s' sid='%s' uid='%s'", toLog, truncated, s.remoteAddr, s.sid, s.uid)

	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed event. The realtime surface never errors the connection.
		logs.Warn.Println("s.dispatch: malformed event", s.sid, err)
		return
	}

	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	s.lastAction = types.TimeNow()
	msg.timestamp = s.lastAction

	var handler func(*ClientComMessage)

	switch msg.Name {
	case evtAppJoin:
		if err := json.Unmarshal(msg.Data, &msg.AppJoin); err != nil || msg.AppJoin == nil {
			logs.Warn.Println("s.dispatch: bad APP:JOIN payload", s.sid)
			return
		}
		handler = s.appJoin

	case evtDialogJoin:
		if err := json.Unmarshal(msg.Data, &msg.DialogJoin); err != nil || msg.DialogJoin == nil {
			logs.Warn.Println("s.dispatch: bad DIALOGS:JOIN payload", s.sid)
			return
		}
		handler = s.authenticated(s.dialogJoin)

	case evtTyping:
		if err := json.Unmarshal(msg.Data, &msg.Typing); err != nil || msg.Typing == nil {
			logs.Warn.Println("s.dispatch: bad DIALOGS:TYPING payload", s.sid)
			return
		}
		handler = s.authenticated(s.typing)

	default:
		logs.Warn.Println("s.dispatch: unknown event", msg.Name, s.sid)
		return
	}

	handler(msg)

	if !s.uid.IsZero() {
		s.app.presence.Touch(s.uid)
	}
}

// authenticated wraps a handler with a bound-identity check. Events from
// anonymous sessions are silently dropped.
func (s *Session) authenticated(handler func(*ClientComMessage)) func(*ClientComMessage) {
	return func(msg *ClientComMessage) {
		if s.uid.IsZero() {
			logs.Warn.Println("s.dispatch:", msg.Name, "from anonymous session", s.sid)
			return
		}
		handler(msg)
	}
}

// appJoin authenticates the session and joins the user's personal room. The
// room is derived from the resolved identity, not from client input.
func (s *Session) appJoin(msg *ClientComMessage) {
	rec, err := s.app.resolver.Authenticate([]byte(msg.AppJoin.Token))
	if err != nil {
		logs.Warn.Println("s.appJoin: failed", s.sid, err)
		return
	}
	if !rec.Expires.IsZero() && rec.Expires.Before(msg.timestamp) {
		logs.Warn.Println("s.appJoin: expired credential", s.sid)
		return
	}

	s.uid = rec.Uid
	s.public = rec.Public
	s.app.hub.Join(s, personalRoom(s.uid))

	logs.Info.Println("s.appJoin: session bound to", s.uid.String(), s.sid)
}

// dialogJoin attaches the session to a dialog room after verifying the bound
// user is a participant of that dialog.
func (s *Session) dialogJoin(msg *ClientComMessage) {
	id := types.ParseUid(msg.DialogJoin.Dialog)
	if id.IsZero() {
		logs.Warn.Println("s.dialogJoin: malformed dialog id", s.sid)
		return
	}

	dialog, err := store.Dialogs.Get(id)
	if err != nil {
		logs.Err.Println("s.dialogJoin:", err, s.sid)
		return
	}
	if dialog == nil || !dialog.HasParticipant(s.uid) {
		logs.Warn.Println("s.dialogJoin: not a participant of", msg.DialogJoin.Dialog, s.sid)
		return
	}

	s.app.hub.Join(s, dialogRoom(id))
}

// typing relays an ephemeral typing signal to the dialog room, excluding the
// originating session. Never persisted, never acknowledged.
func (s *Session) typing(msg *ClientComMessage) {
	id := types.ParseUid(msg.Typing.Dialog)
	if id.IsZero() {
		return
	}

	s.app.hub.Route(&ServerComMessage{
		Name:   evtTyping,
		Data:   &MsgTyping{Dialog: msg.Typing.Dialog, User: s.uid.String()},
		rcptTo: dialogRoom(id),
		skip:   s,
		sess:   s,
	})
}
