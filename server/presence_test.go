package main

import (
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/converse-im/converse/server/store"
	"github.com/converse-im/converse/server/store/mock_store"
	"github.com/converse-im/converse/server/store/types"
)

func TestPresenceTouch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	users := mock_store.NewMockUsersPersistenceInterface(ctrl)
	prevUsers := store.Users
	store.Users = users
	defer func() { store.Users = prevUsers }()

	alice := types.Uid(1001)

	var mu sync.Mutex
	var stamps []time.Time
	users.EXPECT().UpdateLastSeen(alice, gomock.Any()).DoAndReturn(
		func(uid types.Uid, when time.Time) error {
			mu.Lock()
			stamps = append(stamps, when)
			mu.Unlock()
			return nil
		}).AnyTimes()

	tracker := NewPresenceTracker()

	tracker.Touch(alice)
	time.Sleep(5 * time.Millisecond)
	tracker.Touch(alice)
	// Zero uid means an anonymous session, never recorded.
	tracker.Touch(types.ZeroUid)

	// Drain before shutdown.
	time.Sleep(50 * time.Millisecond)
	tracker.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) == 0 {
		t.Fatal("no lastActive updates recorded")
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Error("lastActive went backwards:", stamps[i-1], stamps[i])
		}
	}
}

func TestPresenceSurvivesStoreErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	users := mock_store.NewMockUsersPersistenceInterface(ctrl)
	prevUsers := store.Users
	store.Users = users
	defer func() { store.Users = prevUsers }()

	users.EXPECT().UpdateLastSeen(gomock.Any(), gomock.Any()).Return(types.ErrInternal).AnyTimes()

	tracker := NewPresenceTracker()
	// Failed writes are logged and dropped; the worker keeps going.
	tracker.Touch(types.Uid(1001))
	time.Sleep(5 * time.Millisecond)
	tracker.Touch(types.Uid(1002))

	time.Sleep(50 * time.Millisecond)
	tracker.Shutdown()
}
