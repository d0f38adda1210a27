/******************************************************************************
 *
 *  Description :
 *
 *    Management of the set of live sessions.
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionStore holds live sessions, indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	sessCache map[string]*Session
}

// NewSession creates a new session and saves it to the session store.
// Returns the session and the number of live sessions.
func (ss *SessionStore) NewSession(conn any, app *App) (*Session, int) {
	var s Session

	s.sid = uuid.NewString()
	s.app = app

	switch c := conn.(type) {
	case *websocket.Conn:
		s.proto = WEBSOCK
		s.ws = c
	default:
		s.proto = NONE
	}

	if s.proto != NONE {
		s.send = make(chan any, sendQueueLimit+32)
		s.stop = make(chan any, 1)
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = &s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsInc("LiveSessions", 1)
	statsInc("TotalSessions", 1)

	return &s, count
}

// Get fetches a session from the store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes the session from the store. Returns the number of sessions
// left in the store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, ok := ss.sessCache[s.sid]; ok {
		delete(ss.sessCache, s.sid)
		statsInc("LiveSessions", -1)
	}

	return len(ss.sessCache)
}

// Shutdown terminates all sessions. No need to clean up the store: the
// process is about to exit.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	shutdown := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown")
	for _, s := range ss.sessCache {
		if s.stop != nil {
			s.stop <- shutdown
		}
	}
}

// NewSessionStore initializes the session store.
func NewSessionStore() *SessionStore {
	ss := &SessionStore{
		sessCache: make(map[string]*Session),
	}

	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")

	return ss
}
