package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/converse-im/converse/server/auth"
	"github.com/converse-im/converse/server/store"
	"github.com/converse-im/converse/server/store/mock_store"
	"github.com/converse-im/converse/server/store/types"
)

type stubResolver struct {
	rec *auth.Rec
	err error
}

func (r *stubResolver) Init(json.RawMessage, string) error { return nil }

func (r *stubResolver) Authenticate(secret []byte) (*auth.Rec, error) {
	return r.rec, r.err
}

func newGateApp(t *testing.T, resolver auth.Resolver) *App {
	t.Helper()

	ctrl := gomock.NewController(t)
	users := mock_store.NewMockUsersPersistenceInterface(ctrl)
	users.EXPECT().UpdateLastSeen(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	prevUsers := store.Users
	store.Users = users

	app := &App{resolver: resolver, presence: NewPresenceTracker()}
	t.Cleanup(func() {
		app.presence.Shutdown()
		store.Users = prevUsers
		ctrl.Finish()
	})
	return app
}

func TestAuthGatePassesPrincipal(t *testing.T) {
	alice := types.Uid(1001)
	app := newGateApp(t, &stubResolver{rec: &auth.Rec{Uid: alice, Public: "Alice"}})

	called := false
	handler := app.authGate(func(wrt http.ResponseWriter, req *http.Request) {
		called = true
		rec, ok := principalFromContext(req.Context())
		if !ok {
			t.Fatal("no principal in request context")
		}
		if rec.Uid != alice || rec.Public != "Alice" {
			t.Error("wrong principal:", rec)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/dialogs", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rr := httptest.NewRecorder()
	handler(rr, req)

	if !called {
		t.Fatal("handler never ran")
	}
	if rr.Code != http.StatusOK {
		t.Error("expected 200, got", rr.Code)
	}
}

func TestAuthGateRejectsBeforeHandler(t *testing.T) {
	app := newGateApp(t, &stubResolver{err: auth.ErrFailed})

	handler := app.authGate(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran for an unauthenticated request")
	})

	// No credential at all.
	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/dialogs", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Error("missing credential: expected 401, got", rr.Code)
	}

	// Credential present but rejected by the resolver.
	req := httptest.NewRequest(http.MethodGet, "/dialogs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Error("bad credential: expected 401, got", rr.Code)
	}

	var reply errReply
	if err := json.NewDecoder(rr.Body).Decode(&reply); err != nil {
		t.Fatal("malformed error body:", err)
	}
	if reply.Code != http.StatusUnauthorized || reply.Text == "" {
		t.Error("unexpected error body:", reply)
	}
}

func TestAuthGateRejectsExpired(t *testing.T) {
	expired := &auth.Rec{
		Uid:     types.Uid(1001),
		Expires: time.Now().Add(-time.Minute),
	}
	app := newGateApp(t, &stubResolver{rec: expired})

	handler := app.authGate(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran for an expired credential")
	})

	req := httptest.NewRequest(http.MethodGet, "/dialogs", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Error("expected 401, got", rr.Code)
	}
}

func TestGetAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/dialogs", nil)
	if getAPIKey(req) != "" {
		t.Error("expected empty key for bare request")
	}

	req.Header.Set("Authorization", "Bearer abc")
	if got := getAPIKey(req); got != "abc" {
		t.Error("Authorization header:", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/dialogs", nil)
	req.Header.Set("token", "def")
	if got := getAPIKey(req); got != "def" {
		t.Error("token header:", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/dialogs?token=ghi", nil)
	if got := getAPIKey(req); got != "ghi" {
		t.Error("query parameter:", got)
	}
}
