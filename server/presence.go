/******************************************************************************
 *
 *  Description :
 *
 *    Presence tracker. Records user activity as a lastActive timestamp.
 *    Updates are applied by a single worker so the caller never blocks on
 *    the database; under pressure updates are dropped, not queued forever.
 *
 *****************************************************************************/

package main

import (
	"time"

	"github.com/converse-im/converse/server/logs"
	"github.com/converse-im/converse/server/store"
	"github.com/converse-im/converse/server/store/types"
)

const presenceQueueLimit = 256

type presenceUpdate struct {
	uid  types.Uid
	when time.Time
}

// PresenceTracker serializes lastActive writes through a single worker.
type PresenceTracker struct {
	updates chan *presenceUpdate
	done    chan chan<- bool
}

func NewPresenceTracker() *PresenceTracker {
	p := &PresenceTracker{
		updates: make(chan *presenceUpdate, presenceQueueLimit),
		done:    make(chan chan<- bool),
	}

	statsRegisterInt("PresenceUpdatesTotal")
	statsRegisterInt("PresenceUpdatesDropped")

	go p.run()

	return p
}

// Touch records activity for the given user. Best effort: if the queue is
// full the update is dropped and the previous timestamp stands.
func (p *PresenceTracker) Touch(uid types.Uid) {
	if uid.IsZero() {
		return
	}

	select {
	case p.updates <- &presenceUpdate{uid: uid, when: types.TimeNow()}:
	default:
		statsInc("PresenceUpdatesDropped", 1)
	}
}

func (p *PresenceTracker) Shutdown() {
	ack := make(chan bool)
	p.done <- ack
	<-ack
}

func (p *PresenceTracker) run() {
	// Timestamps only move forward. Out of order deliveries from multiple
	// sessions of the same user must not rewind lastActive.
	latest := make(map[types.Uid]time.Time)

	for {
		select {
		case upd := <-p.updates:
			if !upd.when.After(latest[upd.uid]) {
				continue
			}
			latest[upd.uid] = upd.when
			if err := store.Users.UpdateLastSeen(upd.uid, upd.when); err != nil {
				logs.Warn.Println("presence: update failed", upd.uid.String(), err)
				continue
			}
			statsInc("PresenceUpdatesTotal", 1)

		case ack := <-p.done:
			ack <- true
			return
		}
	}
}
