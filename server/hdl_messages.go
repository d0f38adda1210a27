/******************************************************************************
 *
 *  Description :
 *
 *    REST handlers for messages. The write path is strict persist then
 *    broadcast: nothing reaches a room before the durable write succeeds,
 *    and a failed write produces no realtime traffic at all.
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

const dialogPreviewLength = 64

// messageCreate handles POST /messages.
func (app *App) messageCreate(wrt http.ResponseWriter, req *http.Request) {
	rec, ok := principalFromContext(req.Context())
	if !ok {
		writeError(wrt, http.StatusUnauthorized, "no authenticated user")
		return
	}

	var payload messageCreateReq
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(wrt, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if err := app.validate.Struct(&payload); err != nil {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid request: "+err.Error())
		return
	}

	dialogId := types.ParseUid(payload.Dialog)
	if dialogId.IsZero() {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid dialog id")
		return
	}

	dialog, err := store.Dialogs.Get(dialogId)
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

	msg, err := store.Messages.Save(&types.Message{
		Dialog:  dialogId,
		From:    rec.Uid,
		Content: payload.Text,
	})
	if err != nil {
		logs.Err.Println("messageCreate: store failed", err)
		writeError(wrt, decodeStoreError(err), "failed to save message")
		return
	}

	dto := dtoMessage(msg)

	// The write is durable, now fan out. The sender's sessions get the
	// message too so every device converges on the same history.
	app.hub.Route(&ServerComMessage{
		Name:   evtNewMessage,
		Data:   dto,
		rcptTo: dialogRoom(dialogId),
	})

	update := &MsgDialogUpdate{
		Id:        dialogId.String(),
		Preview:   previewText(msg.Content, dialogPreviewLength),
		UpdatedAt: msg.CreatedAt,
	}
	for _, uid := range dialog.Participants {
		app.hub.Route(&ServerComMessage{
			Name:   evtDialogUpdated,
			Data:   update,
			rcptTo: personalRoom(uid),
		})
	}

	writeJSON(wrt, http.StatusOK, dto)
}

// messageList handles GET /messages?dialog=<id>. Participant only.
func (app *App) messageList(wrt http.ResponseWriter, req *http.Request) {
	rec, ok := principalFromContext(req.Context())
	if !ok {
		writeError(wrt, http.StatusUnauthorized, "no authenticated user")
		return
	}

	dialogId := types.ParseUid(req.URL.Query().Get("dialog"))
	if dialogId.IsZero() {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid dialog id")
		return
	}

	dialog, err := store.Dialogs.Get(dialogId)
	if err != nil {
		writeError(wrt, decodeStoreError(err), "failed to fetch dialog")
		return
	}
	if dialog == nil {
		writeError(wrt, http.StatusNotFound, "dialog not found")
		return
	}
	if !dialog.HasParticipant(rec.Uid) {
		writeError(wrt, http.StatusForbidden, "not a dialog participant")
		return
	}

	messages, err := store.Messages.GetAll(dialogId)
	if err != nil {
		logs.Err.Println("messageList: store failed", err)
		writeError(wrt, decodeStoreError(err), "failed to fetch messages")
		return
	}

	dtos := make([]*MsgMessage, len(messages))
	for i := range messages {
		dtos[i] = dtoMessage(&messages[i])
	}
	writeJSON(wrt, http.StatusOK, dtos)
}

// messageDelete handles DELETE /messages. Only the original sender may
// delete a message.
func (app *App) messageDelete(wrt http.ResponseWriter, req *http.Request) {
	rec, ok := principalFromContext(req.Context())
	if !ok {
		writeError(wrt, http.StatusUnauthorized, "no authenticated user")
		return
	}

	var payload messageDeleteReq
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(wrt, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if err := app.validate.Struct(&payload); err != nil {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid request: "+err.Error())
		return
	}

	id := types.ParseUid(payload.Id)
	if id.IsZero() {
		writeError(wrt, http.StatusUnprocessableEntity, "invalid message id")
		return
	}

	msg, err := store.Messages.Get(id)
	if err != nil {
		writeError(wrt, decodeStoreError(err), "failed to fetch message")
		return
	}
	if msg == nil {
		writeError(wrt, http.StatusNotFound, "message not found")
		return
	}
	if msg.From != rec.Uid {
		writeError(wrt, http.StatusForbidden, "only the sender may delete a message")
		return
	}

	if err = store.Messages.Delete(id); err != nil {
		logs.Err.Println("messageDelete: store failed", err)
		writeError(wrt, decodeStoreError(err), "failed to delete message")
		return
	}

	writeJSON(wrt, http.StatusOK, map[string]string{"id": id.String()})
}
