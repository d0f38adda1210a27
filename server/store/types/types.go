// Package types defines the objects persisted by the store and their ids.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the input is malformed.
	ErrMalformed = StoreError("malformed")
	// ErrFailed means the operation failed for unspecified reason.
	ErrFailed = StoreError("failed")
	// ErrDuplicate means the object already exists.
	ErrDuplicate = StoreError("duplicate")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrPermissionDenied means the operation is not permitted.
	ErrPermissionDenied = StoreError("denied")
	// ErrUnsupported means the operation is not supported.
	ErrUnsupported = StoreError("unsupported")
)

// Uid is a database-specific record id, suitable to be used as a primary key.
type Uid uint64

// ZeroUid is a constant representing empty Uid.
var ZeroUid Uid

const (
	uidBase64Unpadded = 11
	uidBase64Padded   = 12
)

// IsZero checks if Uid is uninitialized.
func (uid Uid) IsZero() bool {
	return uid == 0
}

// Compare returns 0 if uid is equal to u2, -1 if uid is smaller, 1 if greater.
func (uid Uid) Compare(u2 Uid) int {
	if uid < u2 {
		return -1
	} else if uid > u2 {
		return 1
	}
	return 0
}

// MarshalBinary converts Uid to byte slice.
func (uid Uid) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(dst, uint64(uid))
	return dst, nil
}

// UnmarshalBinary reads Uid from byte slice.
func (uid *Uid) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errors.New("Uid.UnmarshalBinary: invalid length")
	}
	*uid = Uid(binary.LittleEndian.Uint64(b))
	return nil
}

// UnmarshalText reads Uid from base64-encoded string.
func (uid *Uid) UnmarshalText(src []byte) error {
	if len(src) != uidBase64Unpadded {
		return errors.New("Uid.UnmarshalText: invalid length")
	}
	dec := make([]byte, base64.URLEncoding.DecodedLen(uidBase64Padded))
	for len(src) < uidBase64Padded {
		src = append(src, '=')
	}
	count, err := base64.URLEncoding.Decode(dec, src)
	if count < 8 {
		if err != nil {
			return errors.New("Uid.UnmarshalText: failed to decode " + err.Error())
		}
		return errors.New("Uid.UnmarshalText: failed to decode")
	}
	*uid = Uid(binary.LittleEndian.Uint64(dec))
	return nil
}

// MarshalText converts Uid to base64-encoded string.
func (uid Uid) MarshalText() ([]byte, error) {
	if uid == 0 {
		return []byte{}, nil
	}
	src := make([]byte, 8)
	dst := make([]byte, base64.URLEncoding.EncodedLen(8))
	binary.LittleEndian.PutUint64(src, uint64(uid))
	base64.URLEncoding.Encode(dst, src)
	return dst[0:uidBase64Unpadded], nil
}

// MarshalJSON converts Uid to a double-quoted base64 string.
func (uid Uid) MarshalJSON() ([]byte, error) {
	dst, _ := uid.MarshalText()
	return append(append([]byte{'"'}, dst...), '"'), nil
}

// UnmarshalJSON reads Uid from a double-quoted base64 string.
func (uid *Uid) UnmarshalJSON(b []byte) error {
	size := len(b)
	if size != (uidBase64Unpadded + 2) {
		return errors.New("Uid.UnmarshalJSON: invalid length")
	} else if b[0] != '"' || b[size-1] != '"' {
		return errors.New("Uid.UnmarshalJSON: unrecognized")
	}
	return uid.UnmarshalText(b[1 : size-1])
}

// String converts Uid to its base64 string representation.
func (uid Uid) String() string {
	buf, _ := uid.MarshalText()
	return string(buf)
}

// ParseUid parses a string as Uid. Returns ZeroUid if the string is invalid.
func ParseUid(s string) Uid {
	var uid Uid
	uid.UnmarshalText([]byte(s))
	return uid
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// ObjHeader is the header shared by all stored objects.
type ObjHeader struct {
	// Object ID assigned at creation time, base64 form of a Uid.
	Id        string
	id        Uid
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Uid returns the object's id as a Uid, decoding and caching it first if needed.
func (h *ObjHeader) Uid() Uid {
	if h.id.IsZero() && h.Id != "" {
		h.id.UnmarshalText([]byte(h.Id))
	}
	return h.id
}

// SetUid assigns the given Uid to the object.
func (h *ObjHeader) SetUid(uid Uid) {
	h.id = uid
	h.Id = uid.String()
}

// InitTimes initializes CreatedAt and UpdatedAt to the current time.
func (h *ObjHeader) InitTimes() {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = TimeNow()
	}
	h.UpdatedAt = h.CreatedAt
}

// User is a chat account as seen by this service: an authenticated principal.
// Accounts are created and deleted elsewhere; this service only reads them
// and maintains LastSeen.
type User struct {
	ObjHeader

	// Display name, visible to other users.
	Public string

	// Time of the account's last activity, nil if never seen.
	LastSeen *time.Time
}

// Dialog is a conversation with a fixed set of participants.
type Dialog struct {
	ObjHeader

	// Ids of the participants. Immutable after creation.
	Participants []Uid
}

// HasParticipant checks if the given user belongs to the dialog.
func (d *Dialog) HasParticipant(uid Uid) bool {
	for _, p := range d.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// Message is a single immutable chat entry within a dialog.
type Message struct {
	ObjHeader

	// Id of the dialog the message belongs to.
	Dialog Uid
	// Id of the sender. Must be a participant of the dialog.
	From Uid
	// Message body.
	Content string
}
