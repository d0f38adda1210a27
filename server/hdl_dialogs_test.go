package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/converse-im/converse/server/store/types"
)

func TestDialogCreate(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	dialogId := types.Uid(5001)

	dialogs.EXPECT().Create(gomock.Any()).DoAndReturn(func(dialog *types.Dialog) (*types.Dialog, error) {
		dialog.SetUid(dialogId)
		dialog.InitTimes()
		return dialog, nil
	})

	bobSess := newTestSession("bob-dev")
	app.hub.Join(bobSess, personalRoom(bob))
	settle()

	body := `{"participants": ["` + bob.String() + `"]}`
	rr := httptest.NewRecorder()
	app.dialogCreate(rr, authedRequest(http.MethodPost, "/dialogs", body, alice))

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code, rr.Body.String())
	}

	var reply MsgDialog
	if err := json.NewDecoder(rr.Body).Decode(&reply); err != nil {
		t.Fatal("malformed response:", err)
	}
	if reply.Id != dialogId.String() {
		t.Error("unexpected dialog id:", reply.Id)
	}
	// The caller is always a participant, listed first.
	if len(reply.Participants) != 2 || reply.Participants[0] != alice.String() ||
		reply.Participants[1] != bob.String() {
		t.Error("unexpected participants:", reply.Participants)
	}

	settle()
	evt := recvEvent(t, bobSess)
	if evt.Name != evtNewDialog {
		t.Error("expected DIALOGS:NEW, got", evt.Name)
	}
}

func TestDialogCreateDeduplicatesCaller(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)

	dialogs.EXPECT().Create(gomock.Any()).DoAndReturn(func(dialog *types.Dialog) (*types.Dialog, error) {
		if len(dialog.Participants) != 2 {
			t.Error("caller listed twice:", dialog.Participants)
		}
		dialog.SetUid(types.Uid(5001))
		dialog.InitTimes()
		return dialog, nil
	})

	// Caller puts their own id in the list; it must not be doubled.
	body := `{"participants": ["` + alice.String() + `", "` + bob.String() + `"]}`
	rr := httptest.NewRecorder()
	app.dialogCreate(rr, authedRequest(http.MethodPost, "/dialogs", body, alice))

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code)
	}
}

func TestDialogCreateRejectsInvalidPayload(t *testing.T) {
	mockStores(t)
	app := newTestApp(t)

	alice := types.Uid(1001)
	for _, body := range []string{
		"not json",
		"{}",
		`{"participants": []}`,
		`{"participants": ["not-a-uid"]}`,
		// Caller alone is not a dialog.
		`{"participants": ["` + alice.String() + `"]}`,
	} {
		rr := httptest.NewRecorder()
		app.dialogCreate(rr, authedRequest(http.MethodPost, "/dialogs", body, alice))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("body %q: expected 422, got %d", body, rr.Code)
		}
	}
}

func TestDialogList(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	stored := testDialog(types.Uid(5001), alice, bob)
	dialogs.EXPECT().GetForUser(alice).Return([]types.Dialog{*stored}, nil)

	rr := httptest.NewRecorder()
	app.dialogList(rr, authedRequest(http.MethodGet, "/dialogs", "", alice))

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code)
	}
	var reply []MsgDialog
	if err := json.NewDecoder(rr.Body).Decode(&reply); err != nil {
		t.Fatal("malformed response:", err)
	}
	if len(reply) != 1 || reply[0].Id != stored.Id {
		t.Error("unexpected listing:", reply)
	}
}

func TestDialogDelete(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	alice, bob := types.Uid(1001), types.Uid(1002)
	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(testDialog(dialogId, alice, bob), nil)
	dialogs.EXPECT().Delete(dialogId).Return(nil)

	bobSess := newTestSession("bob-dev")
	app.hub.Join(bobSess, dialogRoom(dialogId))
	settle()

	rr := httptest.NewRecorder()
	req := authedRequest(http.MethodDelete, "/dialogs/"+dialogId.String(), "", alice)
	req.SetPathValue("id", dialogId.String())
	app.dialogDelete(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatal("expected 200, got", rr.Code, rr.Body.String())
	}

	settle()
	evt := recvEvent(t, bobSess)
	if evt.Name != evtDialogGone {
		t.Error("expected DIALOGS:GONE, got", evt.Name)
	}
	var gone MsgDialogGone
	if err := json.Unmarshal(evt.Data, &gone); err != nil {
		t.Fatal("malformed DIALOGS:GONE payload:", err)
	}
	if gone.Id != dialogId.String() {
		t.Error("unexpected dialog id:", gone.Id)
	}
}

func TestDialogDeleteMissing(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	// Adapters report a missing record as (nil, nil), not as an error.
	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(nil, nil)

	rr := httptest.NewRecorder()
	req := authedRequest(http.MethodDelete, "/dialogs/"+dialogId.String(), "", types.Uid(1001))
	req.SetPathValue("id", dialogId.String())
	app.dialogDelete(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatal("expected 404, got", rr.Code)
	}
}

func TestDialogDeleteRequiresParticipation(t *testing.T) {
	dialogs, _ := mockStores(t)
	app := newTestApp(t)

	dialogId := types.Uid(5001)
	dialogs.EXPECT().Get(dialogId).Return(testDialog(dialogId, types.Uid(1001), types.Uid(1002)), nil)

	rr := httptest.NewRecorder()
	req := authedRequest(http.MethodDelete, "/dialogs/"+dialogId.String(), "", types.Uid(1003))
	req.SetPathValue("id", dialogId.String())
	app.dialogDelete(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatal("expected 403, got", rr.Code)
	}
}
