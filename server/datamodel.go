/******************************************************************************
 *
 *  Description :
 *
 *    Definition of the wire protocol: realtime events exchanged with clients
 *    and REST request/response shapes.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/converse-im/converse/server/store/types"
)

// Realtime event names. Kept byte-compatible with the web client protocol.
const (
	// client -> server: authenticate the connection and join the personal room.
	evtAppJoin = "APP:JOIN"
	// client -> server: join a dialog room.
	evtDialogJoin = "DIALOGS:JOIN"
	// client <-> server: typing signal, relayed to the dialog room.
	evtTyping = "DIALOGS:TYPING"
	// server -> client: a persisted message, fanned out to the dialog room.
	evtNewMessage = "MESSAGES:NEW"
	// server -> client: a new dialog, sent to each participant's personal room.
	evtNewDialog = "DIALOGS:NEW"
	// server -> client: dialog list entry changed (new latest message).
	evtDialogUpdated = "DIALOGS:UPDATED"
	// server -> client: the dialog was deleted.
	evtDialogGone = "DIALOGS:GONE"
)

// ClientComMessage is a single client-to-server realtime event.
type ClientComMessage struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`

	// Parsed payload. At most one is set, depending on Name.
	AppJoin    *MsgAppJoin    `json:"-"`
	DialogJoin *MsgDialogJoin `json:"-"`
	Typing     *MsgTyping     `json:"-"`

	// Timestamp when the message was received.
	timestamp time.Time
}

// MsgAppJoin is the payload of APP:JOIN: the bearer credential. The personal
// room is derived from the resolved identity, never from a client-supplied id.
type MsgAppJoin struct {
	Token string `json:"token"`
}

// MsgDialogJoin is the payload of DIALOGS:JOIN.
type MsgDialogJoin struct {
	Dialog string `json:"dialogId"`
}

// MsgTyping is the payload of DIALOGS:TYPING in both directions. UserId is
// assigned by the server from the session's bound identity.
type MsgTyping struct {
	Dialog string `json:"dialogId"`
	User   string `json:"userId,omitempty"`
}

// ServerComMessage is a single server-to-client event plus routing metadata.
type ServerComMessage struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`

	// Name of the room to deliver the event to.
	rcptTo string
	// Session to skip when delivering, if any.
	skip *Session
	// Originating session, if any. When set, the hub delivers only if this
	// session is currently a member of the addressed room.
	sess *Session
}

// MsgDialog is a dialog as seen by clients.
type MsgDialog struct {
	Id           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MsgMessage is a message as seen by clients.
type MsgMessage struct {
	Id        string    `json:"id"`
	Dialog    string    `json:"dialogId"`
	From      string    `json:"userId"`
	Content   string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MsgDialogUpdate announces fresh activity in a dialog to personal rooms.
// Preview is a short grapheme-safe prefix of the latest message body.
type MsgDialogUpdate struct {
	Id        string    `json:"id"`
	Preview   string    `json:"preview"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MsgDialogGone announces dialog deletion to the dialog room.
type MsgDialogGone struct {
	Id string `json:"id"`
}

func dtoDialog(dialog *types.Dialog) *MsgDialog {
	participants := make([]string, len(dialog.Participants))
	for i, p := range dialog.Participants {
		participants[i] = p.String()
	}
	return &MsgDialog{
		Id:           dialog.Id,
		Participants: participants,
		CreatedAt:    dialog.CreatedAt,
		UpdatedAt:    dialog.UpdatedAt,
	}
}

func dtoMessage(msg *types.Message) *MsgMessage {
	return &MsgMessage{
		Id:        msg.Id,
		Dialog:    msg.Dialog.String(),
		From:      msg.From.String(),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

// REST request bodies, decoded and validated before they reach business logic.

type dialogCreateReq struct {
	Participants []string `json:"participants" validate:"required,min=1,max=128,dive,required"`
}

type messageCreateReq struct {
	Dialog string `json:"dialogId" validate:"required"`
	Text   string `json:"text" validate:"required,max=4096"`
}

type messageDeleteReq struct {
	Id string `json:"id" validate:"required"`
}

// errReply is the JSON body of a failed REST request.
type errReply struct {
	Code int    `json:"code"`
	Text string `json:"error"`
}

func writeJSON(wrt http.ResponseWriter, code int, body any) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(code)
	json.NewEncoder(wrt).Encode(body)
}

func writeError(wrt http.ResponseWriter, code int, text string) {
	if code >= 400 && code < 500 {
		statsInc("CtrlCodesTotal4xx", 1)
	} else if code >= 500 {
		statsInc("CtrlCodesTotal5xx", 1)
	}
	writeJSON(wrt, code, &errReply{Code: code, Text: text})
}

// decodeStoreError maps a store error to an HTTP status code.
func decodeStoreError(err error) int {
	switch err {
	case nil:
		return http.StatusOK
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrPermissionDenied:
		return http.StatusForbidden
	case types.ErrMalformed:
		return http.StatusUnprocessableEntity
	case types.ErrDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
