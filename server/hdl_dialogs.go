/******************************************************************************
 *
 *  Description :
 *
 *    REST handlers for dialogs: create, list, delete. Each mutation is
 *    persisted first, then announced to the affected realtime rooms.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"

	"github.com/converse-im/converse/server/logs"
	"github.com/converse-im/converse/server/store"
	"github.com/converse-im/converse/server/store/types"
)

// dialogCreate handles POST /dialogs.
func (app *App) dialogCreate(wrt http.ResponseWriter, req *http.Request) {
	rec, ok := principalFromContext(req.Context())
	if !ok {
		writeError(wrt, http.StatusUnauthorized, "no authenticated user")
		return
	}

	var payload dialogCreateReq
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(wrt, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if err := app.validate.Struct(&payload); err != nil {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid request: "+err.Error())
		return
	}

	participants := make([]types.Uid, 0, len(payload.Participants)+1)
	seen := map[types.Uid]bool{rec.Uid: true}
	participants = append(participants, rec.Uid)
	for _, p := range payload.Participants {
		uid := types.ParseUid(p)
		if uid.IsZero() {
			writeError(wrt, http.StatusUnprocessableEntity, "invalid participant id")
			return
		}
		if seen[uid] {
			continue
		}
		seen[uid] = true
		participants = append(participants, uid)
	}
	if len(participants) < 2 {
		writeError(wrt, http.StatusUnprocessableEntity, "a dialog requires at least two distinct participants")
		return
	}

	dialog, err := store.Dialogs.Create(&types.Dialog{Participants: participants})
	if err != nil {
		logs.Err.Println("dialogCreate: store failed", err)
		writeError(wrt, decodeStoreError(err), "failed to create dialog")
		return
	}

	dto := dtoDialog(dialog)

	// Announce to each participant's personal room, every session included.
	for _, uid := range dialog.Participants {
		app.hub.Route(&ServerComMessage{
			Name:   evtNewDialog,
			Data:   dto,
			rcptTo: personalRoom(uid),
		})
	}

	writeJSON(wrt, http.StatusOK, dto)
}

// dialogList handles GET /dialogs. Returns dialogs the caller participates in.
func (app *App) dialogList(wrt http.ResponseWriter, req *http.Request) {
	rec, ok := principalFromContext(req.Context())
	if !ok {
		writeError(wrt, http.StatusUnauthorized, "no authenticated user")
		return
	}

	dialogs, err := store.Dialogs.GetForUser(rec.Uid)
	if err != nil {
		logs.Err.Println("dialogList: store failed", err)
		writeError(wrt, decodeStoreError(err), "failed to fetch dialogs")
		return
	}

	dtos := make([]*MsgDialog, len(dialogs))
	for i := range dialogs {
		dtos[i] = dtoDialog(&dialogs[i])
	}
	writeJSON(wrt, http.StatusOK, dtos)
}

// dialogDelete handles DELETE /dialogs/{id}. Messages are removed with the
// dialog; the room is told it's gone before memberships are dropped.
func (app *App) dialogDelete(wrt http.ResponseWriter, req *http.Request) {
	rec, ok := principalFromContext(req.Context())
	if !ok {
		writeError(wrt, http.StatusUnauthorized, "no authenticated user")
		return
	}

	id := types.ParseUid(req.PathValue("id"))
	if id.IsZero() {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid dialog id")
		return
	}

	dialog, err := store.Dialogs.Get(id)
	if err != nil {
		writeError(wrt, decodeStoreError(err), "failed to fetch dialog")
		return
	}
	// Adapters report a missing record as nil, not as an error.
	if dialog == nil {
		writeError(wrt, http.StatusNotFound, "dialog not found")
		return
	}
	if !dialog.HasParticipant(rec.Uid) {
		writeError(wrt, http.StatusForbidden, "not a dialog participant")
		return
	}

	if err = store.Dialogs.Delete(id); err != nil {
		logs.Err.Println("dialogDelete: store failed", err)
		writeError(wrt, decodeStoreError(err), "failed to delete dialog")
		return
	}

	app.hub.Route(&ServerComMessage{
		Name:   evtDialogGone,
		Data:   &MsgDialogGone{Id: id.String()},
		rcptTo: dialogRoom(id),
	})

	writeJSON(wrt, http.StatusOK, map[string]string{"id": id.String()})
}
