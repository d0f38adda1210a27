package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"

	"github.com/converse-im/converse/server/auth"
	"github.com/converse-im/converse/server/store"
	"github.com/converse-im/converse/server/store/mock_store"
	"github.com/converse-im/converse/server/store/types"
)

// mockStores replaces the storage anchors with gomock stubs for the
// duration of one test.
func mockStores(t *testing.T) (*mock_store.MockDialogsPersistenceInterface, *mock_store.MockMessagesPersistenceInterface) {
	t.Helper()
	ctrl := gomock.NewController(t)
	dialogs := mock_store.NewMockDialogsPersistenceInterface(ctrl)
	messages := mock_store.NewMockMessagesPersistenceInterface(ctrl)

	prevDialogs, prevMessages := store.Dialogs, store.Messages
	store.Dialogs, store.Messages = dialogs, messages
	t.Cleanup(func() {
		store.Dialogs, store.Messages = prevDialogs, prevMessages
		ctrl.Finish()
	})

	return dialogs, messages
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	app := &App{
		hub:      newHub(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	t.Cleanup(app.hub.Shutdown)
	return app
}

func authedRequest(method, target, body string, uid types.Uid) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := &auth.Rec{Uid: uid}
	return req.WithContext(context.WithValue(req.Context(), principalKey, rec))
}

func testDialog(id types.Uid, participants ...types.Uid) *types.Dialog {
	dialog := &types.Dialog{Participants: participants}
	dialog.SetUid(id)
	dialog.InitTimes()
	return dialog
}

func TestMessageCreatePersistThenBroadcast(t *testing.T) {
	dialogs, messages := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	dialogId := types.Uid(5001)
	messageId := types.Uid(9001)
	dialog := testDialog(dialogId, alice, bob)

	dialogs.EXPECT().Get(dialogId).Return(dialog, nil)
	messages.EXPECT().Save(gomock.Any()).DoAndReturn(func(msg *types.Message) (*types.Message, error) {
		msg.SetUid(messageId)
		msg.InitTimes()
		return msg, nil
	})

	// Bob's device is in the dialog room, his personal room has a listener too.
	bobSess := newTestSession("bob-dev")
	app.hub.Join(bobSess, dialogRoom(dialogId))
	app.hub.Join(bobSess, personalRoom(bob))
	settle()

	body := `{"dialogId": "` + dialogId.String() + `", "text": "hello there"}`
	rr := httptest.NewRecorder()
	app.messageCreate(rr, authedRequest(http.MethodPost, "/messages", body, alice))

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code, rr.Body.String())
	}

	var reply MsgMessage
	if err := json.NewDecoder(rr.Body).Decode(&reply); err != nil {
		t.Fatal("malformed response:", err)
	}
	want := MsgMessage{
		Id:        messageId.String(),
		Dialog:    dialogId.String(),
		From:      alice.String(),
		Content:   "hello there",
		CreatedAt: reply.CreatedAt,
	}
	if !cmp.Equal(want, reply) {
		t.Error("response mismatch:", cmp.Diff(want, reply))
	}

	settle()
	evt := recvEvent(t, bobSess)
	if evt.Name != evtNewMessage {
		t.Error("expected MESSAGES:NEW first, got", evt.Name)
	}
	evt = recvEvent(t, bobSess)
	if evt.Name != evtDialogUpdated {
		t.Error("expected DIALOGS:UPDATED, got", evt.Name)
	}
	var upd MsgDialogUpdate
	if err := json.Unmarshal(evt.Data, &upd); err != nil {
		t.Fatal("malformed DIALOGS:UPDATED payload:", err)
	}
	if upd.Id != dialogId.String() || upd.Preview != "hello there" {
		t.Error("unexpected dialog update:", upd)
	}
}

func TestMessageCreateStoreFailureNoBroadcast(t *testing.T) {
	dialogs, messages := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	dialogId := types.Uid(5001)
	dialog := testDialog(dialogId, alice, bob)

	dialogs.EXPECT().Get(dialogId).Return(dialog, nil)
	messages.EXPECT().Save(gomock.Any()).Return(nil, types.ErrInternal)

	bobSess := newTestSession("bob-dev")
	app.hub.Join(bobSess, dialogRoom(dialogId))
	settle()

	body := `{"dialogId": "` + dialogId.String() + `", "text": "hello"}`
	rr := httptest.NewRecorder()
	app.messageCreate(rr, authedRequest(http.MethodPost, "/messages", body, alice))

	if rr.Code != http.StatusInternalServerError {
		t.Fatal("expected 500, got", rr.Code)
	}

	// A failed write must produce no realtime traffic.
	settle()
	assertNoEvent(t, bobSess)
}

func TestMessageCreateNotParticipant(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	mallory := types.Uid(1003)
	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(testDialog(dialogId, alice, bob), nil)

	body := `{"dialogId": "` + dialogId.String() + `", "text": "hello"}`
	rr := httptest.NewRecorder()
	app.messageCreate(rr, authedRequest(http.MethodPost, "/messages", body, mallory))

	if rr.Code != http.StatusForbidden {
		t.Fatal("expected 403, got", rr.Code)
	}
}

func TestMessageCreateDialogMissing(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	// Adapters report a missing record as (nil, nil), not as an error.
	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(nil, nil)

	body := `{"dialogId": "` + dialogId.String() + `", "text": "hello"}`
	rr := httptest.NewRecorder()
	app.messageCreate(rr, authedRequest(http.MethodPost, "/messages", body, types.Uid(1001)))

	if rr.Code != http.StatusNotFound {
		t.Fatal("expected 404, got", rr.Code)
	}
}

func TestMessageListDialogMissing(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(nil, nil)

	rr := httptest.NewRecorder()
	app.messageList(rr, authedRequest(http.MethodGet, "/messages?dialog="+dialogId.String(), "", types.Uid(1001)))

	if rr.Code != http.StatusNotFound {
		t.Fatal("expected 404, got", rr.Code)
	}
}

func TestMessageDeleteMissing(t *testing.T) {
	_, messages := mockStores(t)
	app := newTestApp(t)

	messageId := types.Uid(9001)
	messages.EXPECT().Get(messageId).Return(nil, nil)

	body := `{"id": "` + messageId.String() + `"}`
	rr := httptest.NewRecorder()
	app.messageDelete(rr, authedRequest(http.MethodDelete, "/messages", body, types.Uid(1001)))

	if rr.Code != http.StatusNotFound {
		t.Fatal("expected 404, got", rr.Code)
	}
}

func TestMessageCreateDialogFetchFailure(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(nil, types.ErrInternal)

	body := `{"dialogId": "` + dialogId.String() + `", "text": "hello"}`
	rr := httptest.NewRecorder()
	app.messageCreate(rr, authedRequest(http.MethodPost, "/messages", body, types.Uid(1001)))

	if rr.Code != http.StatusInternalServerError {
		t.Fatal("expected 500, got", rr.Code)
	}
}

func TestMessageCreateRejectsInvalidPayload(t *testing.T) {
	mockStores(t)
	app := newTestApp(t)

	for _, body := range []string{
		"not json",
		"{}",
		`{"dialogId": "AAAAAAATiQ"}`,
		`{"text": "no dialog"}`,
	} {
		rr := httptest.NewRecorder()
		app.messageCreate(rr, authedRequest(http.MethodPost, "/messages", body, types.Uid(1001)))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("body %q: expected 422, got %d", body, rr.Code)
		}
	}
}

func TestMessageListRequiresParticipation(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(testDialog(dialogId, alice, bob), nil)

	rr := httptest.NewRecorder()
	app.messageList(rr, authedRequest(http.MethodGet, "/messages?dialog="+dialogId.String(), "", types.Uid(1003)))

	if rr.Code != http.StatusForbidden {
		t.Fatal("expected 403, got", rr.Code)
	}
}

func TestMessageList(t *testing.T) {
	dialogs, messages := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(testDialog(dialogId, alice, bob), nil)

	stored := types.Message{Dialog: dialogId, From: bob, Content: "hi"}
	stored.SetUid(types.Uid(9001))
	stored.InitTimes()
	messages.EXPECT().GetAll(dialogId).Return([]types.Message{stored}, nil)

	rr := httptest.NewRecorder()
	app.messageList(rr, authedRequest(http.MethodGet, "/messages?dialog="+dialogId.String(), "", alice))

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code)
	}
	var reply []MsgMessage
	if err := json.NewDecoder(rr.Body).Decode(&reply); err != nil {
		t.Fatal("malformed response:", err)
	}
	if len(reply) != 1 || reply[0].Content != "hi" || reply[0].From != bob.String() {
		t.Error("unexpected listing:", reply)
	}
}

func TestMessageDeleteSenderOnly(t *testing.T) {
	_, messages := mockStores(t)
	app := newTestApp(t)

	messageId := types.Uid(9001)
	stored := &types.Message{Dialog: types.Uid(5001), From: types.Uid(1001), Content: "hi"}
	stored.SetUid(messageId)
	messages.EXPECT().Get(messageId).Return(stored, nil)

	body := `{"id": "` + messageId.String() + `"}`
	rr := httptest.NewRecorder()
	app.messageDelete(rr, authedRequest(http.MethodDelete, "/messages", body, types.Uid(1002)))

	if rr.Code != http.StatusForbidden {
		t.Fatal("expected 403, got", rr.Code)
	}
}

func TestMessageDelete(t *testing.T) {
	_, messages := mockStores(t)
	app := newTestApp(t)

	sender := types.Uid(1001)
	messageId := types.Uid(9001)
	stored := &types.Message{Dialog: types.Uid(5001), From: sender, Content: "hi"}
	stored.SetUid(messageId)
	messages.EXPECT().Get(messageId).Return(stored, nil)
	messages.EXPECT().Delete(messageId).Return(nil)

	body := `{"id": "` + messageId.String() + `"}`
	rr := httptest.NewRecorder()
	app.messageDelete(rr, authedRequest(http.MethodDelete, "/messages", body, sender))

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code)
	}
}
