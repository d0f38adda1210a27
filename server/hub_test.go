package main

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestSession(sid string) *Session {
	return &Session{
		proto: NONE,
		sid:   sid,
		send:  make(chan any, sendQueueLimit),
		stop:  make(chan any, 1),
	}
}

// settle gives the hub's run loop a chance to drain its queues.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

// recvEvent reads one serialized event from the session's outbound queue.
func recvEvent(t *testing.T, s *Session) *ClientComMessage {
	t.Helper()
	select {
	case raw := <-s.send:
		var msg ClientComMessage
		if err := json.Unmarshal(raw.([]byte), &msg); err != nil {
			t.Fatal("malformed event on the wire:", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no event received by", s.sid)
		return nil
	}
}

func assertNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected event received by %s: %s", s.sid, raw)
	default:
	}
}

func TestHubRouteToRoomMembers(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	carol := newTestSession("carol")

	hub.Join(alice, "dlgtest")
	hub.Join(bob, "dlgtest")
	hub.Join(carol, "dlgother")
	settle()

	hub.Route(&ServerComMessage{
		Name:   evtNewMessage,
		Data:   &MsgMessage{Content: "hello"},
		rcptTo: "dlgtest",
	})
	settle()

	if got := recvEvent(t, alice); got.Name != evtNewMessage {
		t.Error("alice: event name mismatch:", got.Name)
	}
	if got := recvEvent(t, bob); got.Name != evtNewMessage {
		t.Error("bob: event name mismatch:", got.Name)
	}
	assertNoEvent(t, carol)
}

func TestHubJoinIdempotent(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	alice := newTestSession("alice")
	hub.Join(alice, "dlgtest")
	hub.Join(alice, "dlgtest")
	settle()

	hub.Route(&ServerComMessage{Name: evtNewDialog, rcptTo: "dlgtest"})
	settle()

	recvEvent(t, alice)
	// A duplicate join must not produce a duplicate delivery.
	assertNoEvent(t, alice)
}

func TestHubSkipSender(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	hub.Join(alice, "dlgtest")
	hub.Join(bob, "dlgtest")
	settle()

	hub.Route(&ServerComMessage{
		Name:   evtTyping,
		Data:   &MsgTyping{Dialog: "test", User: "alice"},
		rcptTo: "dlgtest",
		skip:   alice,
		sess:   alice,
	})
	settle()

	recvEvent(t, bob)
	assertNoEvent(t, alice)
}

func TestHubDropsEventFromNonMember(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	alice := newTestSession("alice")
	mallory := newTestSession("mallory")
	hub.Join(alice, "dlgtest")
	settle()

	// Client-originated event from a session which never joined the room.
	hub.Route(&ServerComMessage{
		Name:   evtTyping,
		rcptTo: "dlgtest",
		skip:   mallory,
		sess:   mallory,
	})
	settle()

	assertNoEvent(t, alice)
}

func TestHubLeave(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	alice := newTestSession("alice")
	hub.Join(alice, "dlgtest")
	settle()
	hub.Leave(alice, "dlgtest")
	// Leaving a room never joined is a no-op.
	hub.Leave(alice, "dlgother")
	settle()

	hub.Route(&ServerComMessage{Name: evtNewMessage, rcptTo: "dlgtest"})
	settle()

	assertNoEvent(t, alice)
}

func TestHubSessionGone(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	hub.Join(alice, "dlgone")
	hub.Join(alice, "dlgtwo")
	hub.Join(alice, "usralice")
	hub.Join(bob, "dlgone")
	settle()

	hub.SessionGone(alice)
	settle()

	hub.Route(&ServerComMessage{Name: evtNewMessage, rcptTo: "dlgone"})
	hub.Route(&ServerComMessage{Name: evtNewMessage, rcptTo: "dlgtwo"})
	hub.Route(&ServerComMessage{Name: evtNewDialog, rcptTo: "usralice"})
	settle()

	recvEvent(t, bob)
	assertNoEvent(t, alice)
}

func TestHubRouteToEmptyRoom(t *testing.T) {
	hub := newHub()
	defer hub.Shutdown()

	// Must not block or panic.
	hub.Route(&ServerComMessage{Name: evtNewMessage, rcptTo: "dlgnobody"})
	settle()
}
