/******************************************************************************
 *
 *  Description :
 *
 *    Hub: routing of realtime events to rooms and bookkeeping of room
 *    memberships. A room is an ephemeral set of sessions keyed by a dialog id
 *    or by a user id (the user's "personal" room).
 *
 *****************************************************************************/

package main

import (
	"github.com/converse-im/converse/server/logs"
	"github.com/converse-im/converse/server/store/types"
)

// roomReq asks the hub to add or remove one session's room membership.
type roomReq struct {
	// Routable room name.
	room string
	// Session to attach or detach.
	sess *Session
}

// Hub is the core structure which holds rooms and routes events to them.
// All membership tables are confined to the run goroutine: processing one
// request at a time is what makes joins, leaves and disconnects atomic with
// respect to concurrent broadcasts.
type Hub struct {
	// Room name -> set of member sessions.
	rooms map[string]map[*Session]bool

	// Session -> set of joined room names. Reverse index for teardown.
	joined map[*Session]map[string]bool

	// Subscribe a session to a room, buffered.
	join chan *roomReq

	// Unsubscribe a session from a room, buffered.
	leave chan *roomReq

	// Routing of events to rooms, buffered at 4096.
	route chan *ServerComMessage

	// Session disconnected: remove all its memberships, buffered.
	gone chan *Session

	// Request to shutdown, unbuffered.
	shutdown chan chan<- bool
}

func newHub() *Hub {
	h := &Hub{
		rooms:  make(map[string]map[*Session]bool),
		joined: make(map[*Session]map[string]bool),
		join:   make(chan *roomReq, 256),
		leave:  make(chan *roomReq, 256),
		// Needs a deep buffer: REST handlers push broadcasts here.
		route:    make(chan *ServerComMessage, 4096),
		gone:     make(chan *Session, 256),
		shutdown: make(chan chan<- bool),
	}

	statsRegisterInt("LiveRooms")
	statsRegisterInt("TotalRooms")
	statsRegisterInt("BroadcastsTotal")

	go h.run()

	return h
}

// Join adds the session to the given room. Idempotent.
func (h *Hub) Join(sess *Session, room string) {
	h.join <- &roomReq{room: room, sess: sess}
}

// Leave removes the session from the given room. Idempotent.
func (h *Hub) Leave(sess *Session, room string) {
	h.leave <- &roomReq{room: room, sess: sess}
}

// Route delivers the event to the members of msg.rcptTo. Best-effort: if the
// hub's queue is full the event is dropped.
func (h *Hub) Route(msg *ServerComMessage) {
	select {
	case h.route <- msg:
	default:
		logs.Err.Println("hub: route queue full, dropped", msg.Name, msg.rcptTo)
	}
}

// SessionGone removes the session from every room it had joined, as a single
// step: no broadcast processed afterwards can observe the session.
func (h *Hub) SessionGone(sess *Session) {
	h.gone <- sess
}

// Shutdown stops the hub's run loop. Blocks until the loop has exited.
func (h *Hub) Shutdown() {
	done := make(chan bool)
	h.shutdown <- done
	<-done
}

func (h *Hub) run() {
	for {
		select {
		case req := <-h.join:
			members := h.rooms[req.room]
			if members == nil {
				members = make(map[*Session]bool)
				h.rooms[req.room] = members
				statsInc("LiveRooms", 1)
				statsInc("TotalRooms", 1)
			}
			if !members[req.sess] {
				members[req.sess] = true
				if h.joined[req.sess] == nil {
					h.joined[req.sess] = make(map[string]bool)
				}
				h.joined[req.sess][req.room] = true
			}

		case req := <-h.leave:
			h.detach(req.sess, req.room)

		case msg := <-h.route:
			members := h.rooms[msg.rcptTo]
			if members == nil {
				// Routing to a room nobody has joined. Not an error: the
				// event was valid, there is just no one to deliver it to.
				break
			}
			if msg.sess != nil && !members[msg.sess] {
				// Client-originated event for a room the session is not a
				// member of. Silently dropped.
				logs.Warn.Println("hub: dropping", msg.Name, "from non-member", msg.sess.sid)
				break
			}
			statsInc("BroadcastsTotal", 1)
			for sess := range members {
				if sess == msg.skip {
					continue
				}
				if !sess.queueOut(msg) {
					logs.Err.Println("hub: message dropped, slow session", sess.sid)
				}
			}

		case sess := <-h.gone:
			for room := range h.joined[sess] {
				h.detach(sess, room)
			}
			delete(h.joined, sess)

		case done := <-h.shutdown:
			logs.Info.Println("Hub shutdown completed with", len(h.rooms), "rooms")
			done <- true
			return
		}
	}
}

// detach must be called from the run goroutine only.
func (h *Hub) detach(sess *Session, room string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, sess)
	if joined := h.joined[sess]; joined != nil {
		delete(joined, room)
	}
	if len(members) == 0 {
		delete(h.rooms, room)
		statsInc("LiveRooms", -1)
	}
}

// dialogRoom returns the routable room name of a dialog.
func dialogRoom(id types.Uid) string {
	return "dlg" + id.String()
}

// personalRoom returns the routable name of a user's personal room, used for
// notifications not tied to one dialog.
func personalRoom(id types.Uid) string {
	return "usr" + id.String()
}
